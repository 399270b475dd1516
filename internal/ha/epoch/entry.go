// Package epoch implements the persistent, append-only epoch cache (C1):
// the sequence of (epoch, startOffset) boundaries a leader term begins at,
// used to detect log divergence across a role switch and drive truncation.
package epoch

import "fmt"

// Entry is a single epoch boundary. StartOffset is the first log offset
// written under Epoch. EndOffset is derived, never stored: it equals the
// next entry's StartOffset, or is open (see Open) for the last entry.
type Entry struct {
	Epoch       uint32
	StartOffset int64
}

// BoundEntry pairs an Entry with its derived end offset, as returned by
// AllEntries/FindAtOffset so callers don't have to re-derive it.
type BoundEntry struct {
	Entry
	// EndOffset is the first offset of the next epoch. Open is true when
	// this is the current (last) entry and EndOffset is not yet fixed.
	EndOffset int64
	Open      bool
}

func (e Entry) String() string {
	return fmt.Sprintf("Entry{epoch=%d, startOffset=%d}", e.Epoch, e.StartOffset)
}
