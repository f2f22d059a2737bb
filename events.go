package mailstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for mailstore events.
const (
	EventNameMessageAppended = "mailstore.message.appended"
	EventNameMessageCopied   = "mailstore.message.copied"
	EventNameFlagsUpdated    = "mailstore.flags.updated"
)

// MessageAppendedEvent is published after an append commits.
type MessageAppendedEvent struct {
	MailboxID  string    `json:"mailbox_id"`
	UID        uint32    `json:"uid"`
	ModSeq     uint64    `json:"modseq,omitempty"`
	Size       int64     `json:"size"`
	AppendedAt time.Time `json:"appended_at"`
}

// MessageCopiedEvent is published after a copy commits.
type MessageCopiedEvent struct {
	SourceMailboxID string    `json:"source_mailbox_id"`
	SourceUID       uint32    `json:"source_uid"`
	MailboxID       string    `json:"mailbox_id"`
	UID             uint32    `json:"uid"`
	ModSeq          uint64    `json:"modseq,omitempty"`
	CopiedAt        time.Time `json:"copied_at"`
}

// FlagsUpdatedEvent is published after a flag update that changed at least
// one message commits. IDLE and NOTIFY handlers use it to push FETCH updates.
type FlagsUpdatedEvent struct {
	MailboxID string    `json:"mailbox_id"`
	ModSeq    uint64    `json:"modseq,omitempty"`
	UIDs      []uint32  `json:"uids"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service binds its own events to its own bus.
//
// Subscribe to events:
//
//	svc.Events().MessageAppended.Subscribe(ctx, handler)
//	svc.Events().FlagsUpdated.Subscribe(ctx, handler)
type ServiceEvents struct {
	MessageAppended event.Event[MessageAppendedEvent]
	MessageCopied   event.Event[MessageCopiedEvent]
	FlagsUpdated    event.Event[FlagsUpdatedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		MessageAppended: event.New[MessageAppendedEvent](namePrefix + "." + EventNameMessageAppended),
		MessageCopied:   event.New[MessageCopiedEvent](namePrefix + "." + EventNameMessageCopied),
		FlagsUpdated:    event.New[FlagsUpdatedEvent](namePrefix + "." + EventNameFlagsUpdated),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.MessageAppended); err != nil {
		return fmt.Errorf("register MessageAppended: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageCopied); err != nil {
		return fmt.Errorf("register MessageCopied: %w", err)
	}
	if err := event.Register(ctx, bus, events.FlagsUpdated); err != nil {
		return fmt.Errorf("register FlagsUpdated: %w", err)
	}
	return nil
}

// publish sends an event. Failures go to the failure handler, or are
// returned as *EventPublishError when event errors are fatal.
func publish[T any](ctx context.Context, s *Service, name string, ev event.Event[T], mailboxID string, data T) error {
	if err := ev.Publish(ctx, data); err != nil {
		if s.opts.eventErrorsFatal {
			return &EventPublishError{Event: name, MailboxID: mailboxID, Err: err}
		}
		s.opts.safeEventPublishFailure(name, err)
	}
	return nil
}
