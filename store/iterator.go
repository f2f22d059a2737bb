package store

import (
	"context"
	"errors"
)

// ErrIteratorOutOfBounds is returned when Message() is called without a successful Next().
var ErrIteratorOutOfBounds = errors.New("store: iterator out of bounds - call Next() first")

// MessageIterator is a forward-only, single-pass sequence of messages.
//
// Next returns (true, nil) when a message is available, (false, nil) once the
// sequence is exhausted and (false, err) on failure. Calling Next after
// exhaustion keeps returning (false, nil). Close releases backend resources
// and is safe to call more than once.
//
// Not safe for concurrent use.
type MessageIterator interface {
	Next(ctx context.Context) (bool, error)
	Message() (*Message, error)
	Close() error
}

// SliceIterator iterates over messages already held in memory.
type SliceIterator struct {
	msgs []*Message
	pos  int
}

var _ MessageIterator = (*SliceIterator)(nil)

// NewSliceIterator returns an iterator over msgs in order.
func NewSliceIterator(msgs []*Message) *SliceIterator {
	return &SliceIterator{msgs: msgs, pos: -1}
}

func (it *SliceIterator) Next(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if it.pos+1 >= len(it.msgs) {
		it.pos = len(it.msgs)
		return false, nil
	}
	it.pos++
	return true, nil
}

func (it *SliceIterator) Message() (*Message, error) {
	if it.pos < 0 || it.pos >= len(it.msgs) {
		return nil, ErrIteratorOutOfBounds
	}
	return it.msgs[it.pos], nil
}

func (it *SliceIterator) Close() error {
	it.pos = len(it.msgs)
	return nil
}

// BatchFunc loads the next batch of messages with UID greater than after.
// It returns fewer than limit messages (possibly none) when the range is exhausted.
type BatchFunc func(ctx context.Context, after uint32, limit int) ([]*Message, error)

// BatchIterator pages through a mailbox in UID order, loading at most one
// batch at a time.
type BatchIterator struct {
	load      BatchFunc
	batchSize int

	batch   []*Message
	pos     int
	lastUID uint32
	done    bool
	current *Message
}

var _ MessageIterator = (*BatchIterator)(nil)

// NewBatchIterator returns an iterator that pages with load.
func NewBatchIterator(load BatchFunc, batchSize int) *BatchIterator {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BatchIterator{load: load, batchSize: batchSize}
}

func (it *BatchIterator) Next(ctx context.Context) (bool, error) {
	it.current = nil
	if it.pos >= len(it.batch) {
		if it.done {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		batch, err := it.load(ctx, it.lastUID, it.batchSize)
		if err != nil {
			return false, err
		}
		it.batch = batch
		it.pos = 0
		if len(batch) < it.batchSize {
			it.done = true
		}
		if len(batch) == 0 {
			return false, nil
		}
	}
	it.current = it.batch[it.pos]
	it.pos++
	it.lastUID = uint32(it.current.UID)
	return true, nil
}

func (it *BatchIterator) Message() (*Message, error) {
	if it.current == nil {
		return nil, ErrIteratorOutOfBounds
	}
	return it.current, nil
}

func (it *BatchIterator) Close() error {
	it.done = true
	it.batch = nil
	it.pos = 0
	it.current = nil
	return nil
}
