// Command haswitchd runs one broker node's auto-switching HA replication
// core: it owns the commit log, the epoch cache, the ISR registry and role
// state machine, and exposes them to an external supervisor over the
// control-plane rpc surface.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tiny-rain/rocketmq/internal/ha"
	"github.com/tiny-rain/rocketmq/internal/ha/config"
	"github.com/tiny-rain/rocketmq/internal/ha/rpc"
	"github.com/tiny-rain/rocketmq/internal/ha/store"
)

func main() {
	cfg := config.Default()
	cfg.RegisterFlags()
	flag.Parse()
	cfg.ResolveRole()

	if err := os.MkdirAll(filepath.Dir(cfg.StorePathCommitLog), 0o755); err != nil {
		log.Fatalf("[haswitchd] failed to create commit log directory: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StorePathEpochFile), 0o755); err != nil {
		log.Fatalf("[haswitchd] failed to create epoch file directory: %v", err)
	}

	logStore, err := store.NewFileStore(cfg.StorePathCommitLog)
	if err != nil {
		log.Fatalf("[haswitchd] failed to open commit log %s: %v", cfg.StorePathCommitLog, err)
	}
	defer logStore.Close()

	svc, err := ha.Init(cfg, logStore)
	if err != nil {
		log.Fatalf("[haswitchd] failed to initialize ha service: %v", err)
	}
	defer svc.Shutdown()

	log.Printf("[haswitchd] identifier=%s role=%s ha-listen=%s rpc-listen=%s",
		cfg.Identifier, cfg.BrokerRole, cfg.HaListenAddress, cfg.RpcListenAddress)

	// Role transitions are commanded by an external supervisor over the
	// control-plane rpc surface (ChangeToLeader/ChangeToFollower); this
	// process only opens the replication channel listener so it is ready
	// to serve followers the moment it is promoted.
	if err := svc.ListenForChannels(); err != nil {
		log.Fatalf("[haswitchd] failed to listen for replication channels on %s: %v", cfg.HaListenAddress, err)
	}

	listener := rpc.NewListener(svc, cfg.RpcListenAddress)
	go func() {
		if err := listener.Serve(); err != nil {
			log.Printf("[haswitchd] control-plane rpc server stopped: %v", err)
		}
	}()

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	log.Println("[haswitchd] shutting down")
	listener.Shutdown()
	log.Println("[haswitchd] stopped")
}
