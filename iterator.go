package mailstore

import (
	"context"

	"github.com/rbaliyan/mailstore/store"
)

// UpdatedFlagsIterator yields the outcome of a flag update, one record per
// visited message in UID order. Each call to Next performs the work for one
// message, so records are produced while the update is still running.
//
// The sequence is single-pass. Once Next returns false it keeps returning
// false with the same error (nil on normal exhaustion). Not safe for
// concurrent use.
type UpdatedFlagsIterator struct {
	step    func(ctx context.Context) (store.UpdatedFlags, bool, error)
	release func() error

	current store.UpdatedFlags
	valid   bool
	done    bool
	err     error
}

func newUpdatedFlagsIterator(step func(ctx context.Context) (store.UpdatedFlags, bool, error), release func() error) *UpdatedFlagsIterator {
	return &UpdatedFlagsIterator{step: step, release: release}
}

// emptyUpdatedFlags returns an exhausted iterator.
func emptyUpdatedFlags() *UpdatedFlagsIterator {
	return &UpdatedFlagsIterator{done: true}
}

// Next advances to the next record.
func (it *UpdatedFlagsIterator) Next(ctx context.Context) (bool, error) {
	it.valid = false
	if it.done {
		return false, it.err
	}
	rec, ok, err := it.step(ctx)
	if err != nil || !ok {
		it.err = err
		_ = it.Close()
		return false, err
	}
	it.current = rec
	it.valid = true
	return true, nil
}

// Value returns the current record. Only meaningful after Next returned true.
func (it *UpdatedFlagsIterator) Value() store.UpdatedFlags {
	if !it.valid {
		return store.UpdatedFlags{}
	}
	return it.current
}

// Err returns the error that ended the sequence, if any.
func (it *UpdatedFlagsIterator) Err() error {
	return it.err
}

// Close abandons the remaining records. Changes already persisted stay.
// Safe to call more than once.
func (it *UpdatedFlagsIterator) Close() error {
	it.done = true
	it.valid = false
	if it.release == nil {
		return nil
	}
	release := it.release
	it.release = nil
	return release()
}

// All drains the iterator. On failure it returns the records produced before
// the error together with the error.
func (it *UpdatedFlagsIterator) All(ctx context.Context) ([]store.UpdatedFlags, error) {
	defer it.Close()

	var out []store.UpdatedFlags
	for {
		ok, err := it.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, it.Value())
	}
}
