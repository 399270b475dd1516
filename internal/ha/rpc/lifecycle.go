package rpc

import (
	"fmt"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/tiny-rain/rocketmq/internal/ha"
)

const connectionTimeout = 30 * time.Second

// Listener owns the grpc.Server exposing a *ha.Service's operations to an
// external supervisor process.
type Listener struct {
	grpcServer *grpc.Server
	addr       string
}

// NewListener wires svc behind the control-plane grpc.ServiceDesc.
func NewListener(svc *ha.Service, addr string) *Listener {
	s := grpc.NewServer(grpc.ConnectionTimeout(connectionTimeout), grpc.ForceServerCodec(jsonCodec{}))
	s.RegisterService(&ServiceDesc, NewServer(svc))
	return &Listener{grpcServer: s, addr: addr}
}

// Serve binds addr and blocks accepting control-plane connections until
// Shutdown or ForceShutdown is called from another goroutine.
func (l *Listener) Serve() error {
	lis, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("rpc listener: %w", err)
	}
	log.Printf("[ha] control-plane rpc listening on %s", l.addr)
	return l.grpcServer.Serve(lis)
}

// Shutdown stops accepting new RPCs and waits for in-flight ones to finish.
func (l *Listener) Shutdown() {
	l.grpcServer.GracefulStop()
}

// ForceShutdown drops in-flight RPCs immediately.
func (l *Listener) ForceShutdown() {
	l.grpcServer.Stop()
}
