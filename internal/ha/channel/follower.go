package channel

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiny-rain/rocketmq/internal/ha/epoch"
	"github.com/tiny-rain/rocketmq/internal/ha/role"
	"github.com/tiny-rain/rocketmq/internal/ha/store"
)

const (
	dialRetryBackoffBase = 200 * time.Millisecond
	dialRetryBackoffMax  = 5 * time.Second
	ackInterval          = 500 * time.Millisecond
)

// FollowerChannel is the single outbound connection a follower maintains
// to its current leader.
type FollowerChannel struct {
	localAddress  string
	followerID    string
	leaderAddress string

	epochCache *epoch.Cache
	log        store.LogStore

	conn   net.Conn
	connMu sync.Mutex

	lastRead  atomic.Int64 // unix millis
	lastWrite atomic.Int64
	bytesRecv atomic.Int64
	bps       atomic.Int64

	stop   chan struct{}
	closed atomic.Bool
}

func (f *FollowerChannel) LastReadTimestamp() time.Time  { return time.UnixMilli(f.lastRead.Load()) }
func (f *FollowerChannel) LastWriteTimestamp() time.Time { return time.UnixMilli(f.lastWrite.Load()) }
func (f *FollowerChannel) TransferredBytesPerSecond() int64 { return f.bps.Load() }
func (f *FollowerChannel) HaMasterAddress() string        { return f.leaderAddress }

// start dials the leader (retrying with bounded backoff), performs the
// handshake, truncates the local log to the leader's declared resume
// offset if necessary, and begins the read/ack pump in the background.
func (f *FollowerChannel) start(ctx context.Context) error {
	conn, resume, err := f.dialAndHandshake(ctx)
	if err != nil {
		return err
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	if resume < f.log.MaxPhyOffset() {
		if err := f.log.TruncateDirtyFiles(resume); err != nil {
			conn.Close()
			return fmt.Errorf("truncate to leader resume offset %d: %w", resume, err)
		}
	}

	go f.pump()
	go f.ackLoop()
	return nil
}

func (f *FollowerChannel) dialAndHandshake(ctx context.Context) (net.Conn, int64, error) {
	var lastErr error
	backoff := dialRetryBackoffBase
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-f.stop:
			return nil, 0, fmt.Errorf("follower channel stopped before connecting")
		default:
		}

		conn, err := net.DialTimeout("tcp", f.leaderAddress, 2*time.Second)
		if err == nil {
			lastEpoch, offsetInEpoch := f.declaredPosition()
			hs := handshakeMsg{FollowerAddress: f.localAddress, LastEpoch: lastEpoch, OffsetInEpoch: offsetInEpoch}
			if err := writeFrame(conn, frame{typ: frameHandshake, payload: encodeHandshake(hs)}); err == nil {
				reply, err := readFrame(conn)
				if err == nil && reply.typ == frameHandshakeAck {
					ack, err := decodeHandshakeAck(reply.payload)
					if err == nil {
						return conn, ack.ResumeOffset, nil
					}
				}
			}
			conn.Close()
		}
		lastErr = err
		log.Printf("[channel] dial to leader %s failed (attempt %d): %v", f.leaderAddress, attempt+1, lastErr)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-f.stop:
			return nil, 0, fmt.Errorf("follower channel stopped while retrying")
		}
		backoff = min(backoff*2, dialRetryBackoffMax)
	}
}

// declaredPosition reports the last epoch in the epoch cache (0 if empty)
// and the log's max physical offset, an absolute offset carried in the
// handshake's OffsetInEpoch field, which the leader uses to compute a
// resume offset.
func (f *FollowerChannel) declaredPosition() (uint32, int64) {
	maxOffset := f.log.MaxPhyOffset()
	entry, ok := f.epochCache.LastEntry()
	if !ok {
		return 0, maxOffset
	}
	return entry.Epoch, maxOffset
}

func (f *FollowerChannel) pump() {
	for {
		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()
		if conn == nil {
			return
		}

		fr, err := readFrame(conn)
		if err != nil {
			if !f.closed.Load() {
				log.Printf("[channel] lost connection to leader %s: %v", f.leaderAddress, err)
			}
			return
		}
		if fr.typ != frameData {
			continue
		}
		d, err := decodeData(fr.payload)
		if err != nil {
			log.Printf("[channel] malformed data frame from leader %s: %v", f.leaderAddress, err)
			continue
		}

		now := time.Now()
		f.lastRead.Store(now.UnixMilli())
		if len(d.Bytes) > 0 {
			if _, err := f.log.Append(d.Bytes); err != nil {
				log.Printf("[channel] failed to apply data from leader %s: %v", f.leaderAddress, err)
				continue
			}
			f.lastWrite.Store(now.UnixMilli())
			f.bytesRecv.Add(int64(len(d.Bytes)))
		}
	}
}

func (f *FollowerChannel) ackLoop() {
	ticker := time.NewTicker(ackInterval)
	defer ticker.Stop()
	var lastBytes int64
	lastTick := time.Now()

	for {
		select {
		case <-f.stop:
			return
		case now := <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()
			if conn == nil {
				return
			}
			offset := f.log.MaxPhyOffset()
			if err := writeFrame(conn, frame{typ: frameData, payload: encodeData(dataMsg{StartOffset: offset})}); err != nil {
				log.Printf("[channel] ack to leader %s failed: %v", f.leaderAddress, err)
				continue
			}

			elapsedMs := now.Sub(lastTick).Milliseconds()
			if elapsedMs > 0 {
				delta := f.bytesRecv.Load() - lastBytes
				f.bps.Store(delta * 1000 / elapsedMs)
				lastBytes = f.bytesRecv.Load()
				lastTick = now
			}
		}
	}
}

func (f *FollowerChannel) close() {
	if f.closed.CompareAndSwap(false, true) {
		close(f.stop)
		f.connMu.Lock()
		if f.conn != nil {
			f.conn.Close()
		}
		f.connMu.Unlock()
	}
}

// StopFollowerChannel implements role.ChannelSupervisor.
func (s *Supervisor) StopFollowerChannel() {
	s.followerMu.Lock()
	defer s.followerMu.Unlock()
	if s.follower != nil {
		s.follower.close()
		s.follower = nil
	}
}

// StartFollowerChannel implements role.ChannelSupervisor. epochCache must
// be supplied via WithEpochCache before this is called; callers that only
// exercise leader-side behavior can leave it nil, in which case starting a
// follower channel fails loudly rather than silently misdeclaring offset 0.
func (s *Supervisor) StartFollowerChannel(cfg role.FollowerChannelConfig) error {
	s.followerMu.Lock()
	defer s.followerMu.Unlock()

	if s.epochCache == nil {
		return fmt.Errorf("cannot start follower channel: no epoch cache configured")
	}

	fc := &FollowerChannel{
		localAddress:  cfg.LocalAddress,
		followerID:    cfg.FollowerID,
		leaderAddress: cfg.LeaderAddress,
		epochCache:    s.epochCache,
		log:           s.log,
		stop:          make(chan struct{}),
	}
	if err := fc.start(context.Background()); err != nil {
		return err
	}
	s.follower = fc
	return nil
}

// FollowerChannel returns the current outbound channel (nil if this node
// is not a follower), used for runtime-info diagnostics.
func (s *Supervisor) FollowerChannel() *FollowerChannel {
	s.followerMu.Lock()
	defer s.followerMu.Unlock()
	return s.follower
}

// WithEpochCache wires the epoch cache the follower channel consults
// during handshake. Must be called before the node can become a follower.
func (s *Supervisor) WithEpochCache(c *epoch.Cache) *Supervisor {
	s.epochCache = c
	return s
}
