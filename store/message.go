package store

import (
	"time"

	"github.com/emersion/go-imap/v2"
)

// FetchType selects how much of a message FindInMailbox loads.
type FetchType int

const (
	// FetchMetadata loads UID, modseq, flags, size and dates. Content is left empty.
	FetchMetadata FetchType = iota
	// FetchFull also loads the message content.
	FetchFull
)

func (f FetchType) String() string {
	if f == FetchFull {
		return "full"
	}
	return "metadata"
}

// Message is a message stored in exactly one mailbox.
//
// UID is zero until the message has been appended. ModSeq is zero for
// mailboxes without change tracking.
type Message struct {
	MailboxID    string
	UID          imap.UID
	ModSeq       uint64
	Flags        Flags
	Size         int64
	InternalDate time.Time

	// ContentURI references the raw message in a BlobStore. Backends treat it
	// as opaque.
	ContentURI string

	// Content holds the raw message when it was fetched with FetchFull or
	// supplied inline by the caller.
	Content []byte
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Flags = m.Flags.Clone()
	if m.Content != nil {
		c.Content = append([]byte(nil), m.Content...)
	}
	return &c
}

// MetaData returns the metadata view of the message.
func (m *Message) MetaData() MessageMetaData {
	return MessageMetaData{
		UID:          m.UID,
		ModSeq:       m.ModSeq,
		Flags:        m.Flags.Clone(),
		Size:         m.Size,
		InternalDate: m.InternalDate,
	}
}

// MessageMetaData is returned after a message has been persisted.
type MessageMetaData struct {
	UID          imap.UID
	ModSeq       uint64
	Flags        Flags
	Size         int64
	InternalDate time.Time
}
