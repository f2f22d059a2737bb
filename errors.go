package mailstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
)

// Sentinel errors for the mailstore package.
// Use errors.Is() to check for these errors.
var (
	// ErrAllocationFailed matches every *AllocationError.
	ErrAllocationFailed = errors.New("mailstore: allocation failed")

	// ErrPersistenceFailed matches every *PersistenceError.
	ErrPersistenceFailed = errors.New("mailstore: persistence failed")

	// ErrUIDAlreadyAssigned is returned by Append for a message that already has a UID.
	ErrUIDAlreadyAssigned = errors.New("mailstore: message already has a uid")

	// ErrNilMessage is returned when a nil message is passed to the mapper.
	ErrNilMessage = errors.New("mailstore: nil message")

	// ErrNilMailbox is returned when a nil mailbox is passed to the mapper.
	ErrNilMailbox = errors.New("mailstore: nil mailbox")

	// ErrNestedTransaction is returned when RunInTransaction is called with a
	// context that already carries an open transaction.
	ErrNestedTransaction = errors.New("mailstore: nested transaction")

	// ErrStoreRequired is returned when no backend is configured.
	ErrStoreRequired = errors.New("mailstore: store is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("mailstore: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("mailstore: %w", store.ErrAlreadyConnected)

	// ErrMessageTooLarge is returned when appended content exceeds the size limit.
	ErrMessageTooLarge = errors.New("mailstore: message too large")

	// ErrEmptyContent is returned when appending a message without content.
	ErrEmptyContent = errors.New("mailstore: empty message content")

	// ErrInvalidFlag is returned for a flag that is not a valid IMAP flag.
	ErrInvalidFlag = errors.New("mailstore: invalid flag")
)

// AllocationError reports that a UID or modseq could not be reserved.
// Nothing has been persisted when it is returned, so the whole operation
// may be retried.
type AllocationError struct {
	Op        string // "append", "copy" or "update flags"
	MailboxID string
	Err       error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("mailstore: %s: allocation in mailbox %s: %v", e.Op, e.MailboxID, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

func (e *AllocationError) Is(target error) bool {
	return target == ErrAllocationFailed
}

// Retryable reports whether a fresh attempt may succeed. Cancellation is final.
func (e *AllocationError) Retryable() bool {
	return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
}

// PersistenceError reports that a storage write failed after UID and modseq
// were reserved. The reserved values are consumed and will never be
// reissued; retrying only the write against them is not allowed.
type PersistenceError struct {
	Op        string
	MailboxID string
	UID       imap.UID
	ModSeq    uint64 // zero when the mailbox has no modseq tracking
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("mailstore: %s: persist uid %d modseq %d in mailbox %s: %v",
		e.Op, e.UID, e.ModSeq, e.MailboxID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailed
}

func (e *PersistenceError) Retryable() bool {
	return false
}

// EventPublishError is returned when event publishing fails but the operation succeeded.
type EventPublishError struct {
	Event     string
	MailboxID string
	Err       error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("mailstore: event %s publish failed for mailbox %s: %v", e.Event, e.MailboxID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsRetryableError reports whether a whole transactional operation that
// failed with err may be run again with fresh reservations.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// A failed persist is final whatever its cause, a backend conflict included.
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, store.ErrConflict) {
		return true
	}
	var ae *AllocationError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// Error checking helpers.

func IsAllocationFailure(err error) bool {
	return errors.Is(err, ErrAllocationFailed)
}

func IsPersistenceFailure(err error) bool {
	return errors.Is(err, ErrPersistenceFailed)
}

func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// IsEventPublishError checks if the error is an event publish error and returns details.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}
