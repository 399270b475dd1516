// Package store defines the log store contract the role state machine
// depends on (an external collaborator per spec.md §1: byte storage, flush
// manager and dispatch queue), and a minimal file-backed implementation
// sufficient to exercise truncateInvalidMsg end to end.
package store

import "context"

// Record is one decoded message read back from the log for tail
// validation. Size is the on-disk footprint of the record, including any
// framing.
type Record struct {
	Offset int64
	Size   int32
}

// LogStore is the contract the role state machine (C4) drives during role
// transitions: offset queries, a mapped read window abstraction for tail
// validation, physical truncation, and the transient-store-pool toggle.
type LogStore interface {
	// MaxPhyOffset is the highest offset written to the log.
	MaxPhyOffset() int64

	// DispatchBehindBytes is how far consume-queue dispatch lags the log.
	DispatchBehindBytes() int64

	// GetData returns a read window starting at offset, or ok=false if
	// offset is beyond the log's current extent.
	GetData(offset int64) (window []byte, ok bool)

	// CheckMessageAndReturnSize validates the record at the head of buf.
	// size > 0: a valid record of that many bytes. size == 0: roll to the
	// next segment file (caller should stop scanning this window).
	// ok == false: the record is invalid; scanning halts here.
	CheckMessageAndReturnSize(buf []byte) (size int32, ok bool)

	// TruncateDirtyFiles discards every byte at or above offset.
	TruncateDirtyFiles(offset int64) error

	// Append writes data at the current tail and returns its starting
	// offset. The follower channel applies replicated bytes with it, and
	// tests use it to build up log content deterministically.
	Append(data []byte) (offset int64, err error)

	// SetTransientStorePoolRealCommit toggles the transient write-buffer
	// pool: true routes writes directly to mapped files, false buffers
	// them first. A store without a transient pool treats this as a
	// no-op and always reports drained.
	SetTransientStorePoolRealCommit(real bool)

	// WaitTransientStoreDrained blocks (bounded by ctx) until no data is
	// pending commit from the transient buffer pool.
	WaitTransientStoreDrained(ctx context.Context) error

	// WaitDispatchCaughtUp blocks (bounded by ctx) until
	// DispatchBehindBytes() == 0.
	WaitDispatchCaughtUp(ctx context.Context) error
}
