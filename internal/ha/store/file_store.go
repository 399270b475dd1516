package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

const lengthPrefixSize = 4

// FileStore is a single-segment, length-prefixed commit log: each record is
// a 4-byte big-endian length followed by that many payload bytes. It is
// deliberately minimal (no multi-segment rolling, no mapped-file pool). It
// is the commit log cmd/haswitchd opens, and it gives the role state
// machine's tail-validation algorithm something real to run against in
// tests.
type FileStore struct {
	mu   sync.Mutex
	f    *os.File
	tail int64

	// reput is the consume-queue dispatcher's cursor into the log.
	// DispatchBehindBytes is derived as tail-reput rather than stored
	// directly, so truncating the tail below reput (a dirty-tail
	// promotion) can clamp reput back down instead of leaving dispatch
	// permanently behind a boundary that no longer exists.
	reput int64

	transientPending int64
	transientReal    bool

	pollInterval time.Duration
}

// NewFileStore opens (creating if needed) a log file at path.
func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	return &FileStore{f: f, tail: size, reput: size, pollInterval: 10 * time.Millisecond}, nil
}

// Close releases the underlying file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// MaxPhyOffset implements LogStore.
func (s *FileStore) MaxPhyOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail
}

// SetDispatchBehindBytes lets tests simulate dispatch lag directly, by
// placing the reput cursor n bytes behind the current tail; a real broker
// would advance reput itself as its consume-queue dispatcher progresses.
func (s *FileStore) SetDispatchBehindBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reput = s.tail - n
}

// DispatchBehindBytes implements LogStore.
func (s *FileStore) DispatchBehindBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail - s.reput
}

// GetData implements LogStore, returning everything from offset to the
// current tail.
func (s *FileStore) GetData(offset int64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || offset > s.tail {
		return nil, false
	}
	n := s.tail - offset
	if n == 0 {
		return nil, true
	}
	buf := make([]byte, n)
	if _, err := s.f.ReadAt(buf, offset); err != nil {
		return nil, false
	}
	return buf, true
}

// CheckMessageAndReturnSize implements LogStore for the length-prefixed
// record format: an incomplete or overrun length prefix halts the scan.
func (s *FileStore) CheckMessageAndReturnSize(buf []byte) (int32, bool) {
	if len(buf) < lengthPrefixSize {
		return 0, false
	}
	payloadLen := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	total := int64(lengthPrefixSize) + int64(payloadLen)
	if total > int64(len(buf)) {
		return 0, false
	}
	return int32(total), true
}

// TruncateDirtyFiles implements LogStore.
func (s *FileStore) TruncateDirtyFiles(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || offset > s.tail {
		return fmt.Errorf("truncate offset %d out of range [0,%d]", offset, s.tail)
	}
	if err := s.f.Truncate(offset); err != nil {
		return fmt.Errorf("truncate log store: %w", err)
	}
	s.tail = offset
	if s.reput > s.tail {
		s.reput = s.tail
	}
	return nil
}

// Append writes one length-prefixed record and returns its start offset.
func (s *FileStore) Append(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(rec, uint32(len(data)))
	copy(rec[lengthPrefixSize:], data)

	offset := s.tail
	if _, err := s.f.WriteAt(rec, offset); err != nil {
		return 0, fmt.Errorf("append to log store: %w", err)
	}
	s.tail += int64(len(rec))
	return offset, nil
}

// AppendRaw writes bytes verbatim with no framing, used by tests to
// simulate a torn/dirty tail that CheckMessageAndReturnSize must reject.
func (s *FileStore) AppendRaw(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.tail
	if _, err := s.f.WriteAt(data, offset); err != nil {
		return 0, fmt.Errorf("append raw to log store: %w", err)
	}
	s.tail += int64(len(data))
	return offset, nil
}

// SetTransientStorePoolPending lets tests simulate outstanding
// transient-buffer bytes that WaitTransientStoreDrained must wait out.
func (s *FileStore) SetTransientStorePoolPending(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientPending = n
}

// SetTransientStorePoolRealCommit implements LogStore.
func (s *FileStore) SetTransientStorePoolRealCommit(real bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientReal = real
}

// TransientStorePoolRealCommit reports the pool's current mode, used by
// tests and diagnostics.
func (s *FileStore) TransientStorePoolRealCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transientReal
}

// WaitTransientStoreDrained implements LogStore via bounded polling.
func (s *FileStore) WaitTransientStoreDrained(ctx context.Context) error {
	for {
		s.mu.Lock()
		pending := s.transientPending
		s.mu.Unlock()
		if pending <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// WaitDispatchCaughtUp implements LogStore via bounded polling.
func (s *FileStore) WaitDispatchCaughtUp(ctx context.Context) error {
	for {
		if s.DispatchBehindBytes() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// DrainTransientStorePool lets tests simulate the transient buffer
// flushing to zero after a delay, exercising WaitTransientStoreDrained's
// polling path instead of a value that is already zero.
func (s *FileStore) DrainTransientStorePool() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientPending = 0
}
