package store

import (
	"strings"
	"time"
)

// MailboxPath identifies a mailbox by namespace, user and name.
type MailboxPath struct {
	Namespace string
	User      string
	Name      string
}

// DefaultNamespace is the personal namespace ("#private").
const DefaultNamespace = "#private"

// NewMailboxPath returns a path in the personal namespace.
func NewMailboxPath(user, name string) MailboxPath {
	return MailboxPath{Namespace: DefaultNamespace, User: user, Name: name}
}

// IsInbox reports whether the path names the user's INBOX. INBOX is
// case-insensitive (RFC 9051 section 5.1).
func (p MailboxPath) IsInbox() bool {
	return strings.EqualFold(p.Name, "INBOX")
}

func (p MailboxPath) String() string {
	return p.Namespace + ":" + p.User + ":" + p.Name
}

// Mailbox is a container of messages. Its identity never changes; renames
// are handled outside this package.
type Mailbox struct {
	ID          string
	Path        MailboxPath
	OwnerID     string
	UIDValidity uint32

	// ModSeqEnabled marks mailboxes that track modification sequences
	// (CONDSTORE). When false no modseq is ever allocated for the mailbox.
	ModSeqEnabled bool

	CreatedAt time.Time
}

// Clone returns a copy of the mailbox.
func (m *Mailbox) Clone() *Mailbox {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// MailboxData holds the fields needed to create a mailbox.
type MailboxData struct {
	Path          MailboxPath
	OwnerID       string
	ModSeqEnabled bool
}
