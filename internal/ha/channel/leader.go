package channel

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tiny-rain/rocketmq/internal/ha/epoch"
	"github.com/tiny-rain/rocketmq/internal/ha/store"
)

// AckCallbacks are the C2/C3 hooks a leader-side channel drives on every
// processed ack, per spec.md §4.5.
type AckCallbacks struct {
	UpdateCaughtUp func(follower string, ts time.Time)
	MaybeExpand    func(follower string, followerMaxOffset int64)
	OnFollowerAck  func(follower string)
	RemoveOnDisconnect func(follower string)
}

// LeaderChannel is one inbound connection from a follower.
type LeaderChannel struct {
	id              string
	conn            net.Conn
	followerAddress string
	clientAddress   string

	ackOffset       atomic.Int64
	transferFrom    atomic.Int64
	bytesSent       atomic.Int64
	bytesPerSecond  atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *LeaderChannel) FollowerAddress() string           { return c.followerAddress }
func (c *LeaderChannel) ClientAddress() string              { return c.clientAddress }
func (c *LeaderChannel) SlaveAckOffset() int64               { return c.ackOffset.Load() }
func (c *LeaderChannel) TransferFromOffset() int64           { return c.transferFrom.Load() }
func (c *LeaderChannel) TransferredBytesPerSecond() int64    { return c.bytesPerSecond.Load() }

func (c *LeaderChannel) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Supervisor owns the leader's accept loop and the live set of inbound
// follower channels, and the follower's single outbound channel when this
// node itself is a follower. Only one of the two roles is active at a time,
// matching the state machine's exclusivity.
type Supervisor struct {
	mu        sync.RWMutex
	listener  net.Listener
	channels  map[string]*LeaderChannel // keyed by connection id, not follower address
	callbacks AckCallbacks
	log       store.LogStore

	follower   *FollowerChannel
	followerMu sync.Mutex
	epochCache *epoch.Cache

	throughputWindow time.Duration
}

// New builds a Supervisor bound to no listener yet; call Listen to accept
// leader-side connections.
func New(log store.LogStore, callbacks AckCallbacks) *Supervisor {
	return &Supervisor{
		channels:         make(map[string]*LeaderChannel),
		callbacks:        callbacks,
		log:              log,
		throughputWindow: time.Second,
	}
}

// Listen starts accepting inbound follower connections on addr. Safe to
// call once per leader term; TeardownAll stops accepting and closes every
// live channel.
func (s *Supervisor) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for replication channels on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	go s.acceptLoop(l)
	return nil
}

func (s *Supervisor) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			log.Printf("[channel] accept loop stopped: %v", err)
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Supervisor) handleConn(conn net.Conn) {
	f, err := readFrame(conn)
	if err != nil || f.typ != frameHandshake {
		log.Printf("[channel] handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	hs, err := decodeHandshake(f.payload)
	if err != nil {
		log.Printf("[channel] malformed handshake from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	resume := s.negotiateResumeOffset(hs)
	if err := writeFrame(conn, frame{typ: frameHandshakeAck, payload: encodeHandshakeAck(handshakeAckMsg{ResumeOffset: resume})}); err != nil {
		log.Printf("[channel] handshake ack failed to %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	ch := &LeaderChannel{
		id:              uuid.New().String(),
		conn:            conn,
		followerAddress: hs.FollowerAddress,
		clientAddress:   conn.RemoteAddr().String(),
		closed:          make(chan struct{}),
	}
	ch.transferFrom.Store(resume)

	s.mu.Lock()
	s.channels[ch.id] = ch
	s.mu.Unlock()

	log.Printf("[channel] follower %s connected from %s, resume=%d", ch.followerAddress, ch.clientAddress, resume)
	s.pumpAcks(ch)
}

// negotiateResumeOffset consults only the log store's current tail: the
// resume offset is the follower's declared offset, capped at the leader's
// max offset. The follower's declared epoch is not compared against any
// epoch cache, so a divergent suffix below that cap is not detected here.
func (s *Supervisor) negotiateResumeOffset(hs handshakeMsg) int64 {
	if s.log == nil {
		return 0
	}
	max := s.log.MaxPhyOffset()
	if hs.OffsetInEpoch > max {
		return max
	}
	return hs.OffsetInEpoch
}

func (s *Supervisor) pumpAcks(ch *LeaderChannel) {
	defer s.removeChannel(ch)

	var lastBytes, lastTick int64
	lastTick = time.Now().UnixMilli()

	for {
		f, err := readFrame(ch.conn)
		if err != nil {
			log.Printf("[channel] follower %s disconnected: %v", ch.followerAddress, err)
			return
		}
		switch f.typ {
		case frameData:
			d, err := decodeData(f.payload)
			if err != nil {
				log.Printf("[channel] malformed ack from %s: %v", ch.followerAddress, err)
				return
			}
			ch.ackOffset.Store(d.StartOffset)
			now := time.Now()

			if s.callbacks.UpdateCaughtUp != nil {
				s.callbacks.UpdateCaughtUp(ch.followerAddress, now)
			}
			if s.callbacks.MaybeExpand != nil {
				s.callbacks.MaybeExpand(ch.followerAddress, d.StartOffset)
			}
			if s.callbacks.OnFollowerAck != nil {
				s.callbacks.OnFollowerAck(ch.followerAddress)
			}

			nowMs := now.UnixMilli()
			if elapsed := nowMs - lastTick; elapsed >= s.throughputWindow.Milliseconds() {
				delta := ch.bytesSent.Load() - lastBytes
				ch.bytesPerSecond.Store(delta * 1000 / max(elapsed, 1))
				lastBytes = ch.bytesSent.Load()
				lastTick = nowMs
			}
		case frameHeartbeatAck:
			// no-op: liveness alone, no offset movement.
		}
	}
}

func (s *Supervisor) removeChannel(ch *LeaderChannel) {
	ch.close()
	s.mu.Lock()
	delete(s.channels, ch.id)
	s.mu.Unlock()

	if s.callbacks.RemoveOnDisconnect != nil {
		s.callbacks.RemoveOnDisconnect(ch.followerAddress)
	}
}

// PushData writes a chunk of committed log bytes to every live follower
// whose ack offset is behind startOffset+len(data). Used by the log store's
// commit path (out of scope here) to drive replication.
func (s *Supervisor) PushData(startOffset int64, data []byte) {
	s.mu.RLock()
	channels := make([]*LeaderChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.RUnlock()

	end := startOffset + int64(len(data))
	for _, ch := range channels {
		if ch.SlaveAckOffset() >= end {
			continue
		}
		if err := writeFrame(ch.conn, frame{typ: frameData, payload: encodeData(dataMsg{StartOffset: startOffset, Bytes: data})}); err != nil {
			log.Printf("[channel] push to %s failed: %v", ch.followerAddress, err)
			continue
		}
		ch.bytesSent.Add(int64(len(data)))
	}
}

// FollowerAckOffsets implements confirm.AckSource.
func (s *Supervisor) FollowerAckOffsets() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.channels))
	for _, ch := range s.channels {
		out[ch.followerAddress] = ch.ackOffset.Load()
	}
	return out
}

// Channels returns a snapshot of live leader-side channels, used for
// runtime-info diagnostics.
func (s *Supervisor) Channels() []*LeaderChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*LeaderChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// TeardownAll implements role.ChannelSupervisor: closes the accept
// listener and every live inbound channel, aborting in-flight transfers.
// Followers are expected to reconnect.
func (s *Supervisor) TeardownAll() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	channels := make([]*LeaderChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[string]*LeaderChannel)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
}

