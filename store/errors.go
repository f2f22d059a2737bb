package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a message or mailbox cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrMailboxNotFound is returned when the mailbox does not exist.
	// It matches ErrNotFound through errors.Is.
	ErrMailboxNotFound = &notFoundError{what: "mailbox"}

	// ErrMessageNotFound is returned when a message does not exist in its mailbox.
	// It matches ErrNotFound through errors.Is.
	ErrMessageNotFound = &notFoundError{what: "message"}

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrInvalidRange is returned for a malformed message range.
	ErrInvalidRange = errors.New("store: invalid range")

	// ErrDuplicateEntry is returned when a duplicate entry is detected,
	// e.g. a second message persisted under an already used UID.
	ErrDuplicateEntry = errors.New("store: duplicate entry")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrConflict is returned when a backend detects a concurrent writer
	// on the same mailbox. The whole operation may be retried.
	ErrConflict = errors.New("store: conflict")

	// ErrTransactionFailed is returned when a database transaction fails.
	// This indicates the atomic operation could not complete and no changes were made.
	ErrTransactionFailed = errors.New("store: transaction failed")

	// ErrTxClosed is returned when a transaction is used after Commit or Rollback.
	ErrTxClosed = errors.New("store: transaction already closed")

	// ErrForeignTx is returned when a backend receives a transaction it did not begin.
	ErrForeignTx = errors.New("store: transaction belongs to another backend")
)

type notFoundError struct {
	what string
}

func (e *notFoundError) Error() string {
	return "store: " + e.what + " not found"
}

func (e *notFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidID(err error) bool {
	return errors.Is(err, ErrInvalidID)
}

func IsDuplicateEntry(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
