package epoch

import (
	"fmt"
	"sync"
)

// Cache is the in-memory, crash-recoverable epoch sequence described in
// spec.md §4.1. All mutation is serialized through mu; appends are
// additionally durably persisted (fsync) before the call returns.
type Cache struct {
	mu      sync.Mutex
	backing *file
	entries []Entry
}

// Open loads path into memory, creating it if it does not yet exist.
func Open(path string) (*Cache, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	entries, err := f.load()
	if err != nil {
		f.close()
		return nil, err
	}
	return &Cache{backing: f, entries: entries}, nil
}

// Close releases the underlying file handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backing.close()
}

// LastEpoch returns 0 when the cache is empty, otherwise the epoch of the
// most recent entry.
func (c *Cache) LastEpoch() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return 0
	}
	return c.entries[len(c.entries)-1].Epoch
}

// LastEntry returns the most recent entry and true, or the zero value and
// false when the cache is empty.
func (c *Cache) LastEntry() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[len(c.entries)-1], true
}

// AllEntries returns a defensive copy of the whole sequence, each bound
// with its derived (possibly open) end offset.
func (c *Cache) AllEntries() []BoundEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundEntriesLocked()
}

func (c *Cache) boundEntriesLocked() []BoundEntry {
	out := make([]BoundEntry, len(c.entries))
	for i, e := range c.entries {
		b := BoundEntry{Entry: e}
		if i+1 < len(c.entries) {
			b.EndOffset = c.entries[i+1].StartOffset
		} else {
			b.Open = true
		}
		out[i] = b
	}
	return out
}

// Append adds a new epoch boundary. entry.Epoch must exceed LastEpoch() and
// entry.StartOffset must be >= the last entry's StartOffset, or
// ErrInvalidEpochOrder is returned and nothing changes. A successful call
// has already been fsynced to disk.
func (c *Cache) Append(entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		last := c.entries[len(c.entries)-1]
		if entry.Epoch <= last.Epoch || entry.StartOffset < last.StartOffset {
			return fmt.Errorf("%w: %v after last %v", ErrInvalidEpochOrder, entry, last)
		}
	}

	if err := c.backing.appendRecord(entry); err != nil {
		return err
	}
	c.entries = append(c.entries, entry)
	return nil
}

// TruncateSuffixByEpoch removes every entry with Epoch >= e. Idempotent.
func (c *Cache) TruncateSuffixByEpoch(e uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0:0]
	for _, entry := range c.entries {
		if entry.Epoch >= e {
			break
		}
		kept = append(kept, entry)
	}
	return c.rewriteLocked(kept)
}

// TruncateSuffixByOffset removes every entry with StartOffset >= o.
// Idempotent. The surviving last entry's open end is implicitly clipped by
// the log store itself, not recorded here.
func (c *Cache) TruncateSuffixByOffset(o int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0:0]
	for _, entry := range c.entries {
		if entry.StartOffset >= o {
			break
		}
		kept = append(kept, entry)
	}
	return c.rewriteLocked(kept)
}

// TruncatePrefixByOffset removes every entry fully below o (its derived
// EndOffset <= o), preserving at least one entry.
func (c *Cache) TruncatePrefixByOffset(o int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bound := c.boundEntriesLocked()
	cut := 0
	for cut < len(bound)-1 && !bound[cut].Open && bound[cut].EndOffset <= o {
		cut++
	}
	if cut == 0 {
		return nil
	}
	kept := make([]Entry, len(c.entries)-cut)
	for i := cut; i < len(c.entries); i++ {
		kept[i-cut] = c.entries[i]
	}
	return c.rewriteLocked(kept)
}

// FindAtOffset returns the entry whose [StartOffset, EndOffset) range
// covers o, or false if none does.
func (c *Cache) FindAtOffset(o int64) (BoundEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bound := c.boundEntriesLocked()
	for _, b := range bound {
		if o < b.StartOffset {
			continue
		}
		if b.Open || o < b.EndOffset {
			return b, true
		}
	}
	return BoundEntry{}, false
}

func (c *Cache) rewriteLocked(kept []Entry) error {
	if len(kept) == len(c.entries) {
		return nil
	}
	if err := c.backing.rewrite(kept); err != nil {
		return err
	}
	c.entries = kept
	return nil
}
