package epoch

import "errors"

// ErrInvalidEpochOrder is returned by Append when the new entry would break
// the strictly-increasing-epoch / non-decreasing-startOffset invariant.
var ErrInvalidEpochOrder = errors.New("epoch: invalid epoch order")

// ErrCorruptFile is returned by Load when a non-tail record fails the
// ordering invariant. A torn tail record is not an error: it is silently
// discarded per spec.
var ErrCorruptFile = errors.New("epoch: corrupt epoch file")

// ErrPersistenceFailure wraps any I/O error encountered while durably
// persisting an epoch record. It is fatal to leader readiness per spec §7.
var ErrPersistenceFailure = errors.New("epoch: persistence failure")
