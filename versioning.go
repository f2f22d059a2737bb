package mailstore

import (
	"context"

	"github.com/rbaliyan/mailstore/store"
)

// Versioning selects whether a mapper tracks modification sequences.
// Build one with WithModSeq or WithoutModSeq; the zero value is WithoutModSeq.
type Versioning struct {
	provider store.ModSeqProvider
}

// WithModSeq enables modseq tracking backed by p. A nil provider disables tracking.
func WithModSeq(p store.ModSeqProvider) Versioning {
	return Versioning{provider: p}
}

// WithoutModSeq disables modseq tracking. Messages keep a zero modseq.
func WithoutModSeq() Versioning {
	return Versioning{}
}

// Enabled reports whether modseqs are tracked.
func (v Versioning) Enabled() bool {
	return v.provider != nil
}

// next reserves a modseq. ok is false when tracking is disabled.
func (v Versioning) next(ctx context.Context, mailbox *store.Mailbox) (modSeq uint64, ok bool, err error) {
	if v.provider == nil {
		return 0, false, nil
	}
	modSeq, err = v.provider.NextModSeq(ctx, mailbox)
	if err != nil {
		return 0, true, err
	}
	return modSeq, true, nil
}

func (v Versioning) highest(ctx context.Context, mailbox *store.Mailbox) (uint64, bool, error) {
	if v.provider == nil {
		return 0, false, nil
	}
	modSeq, err := v.provider.HighestModSeq(ctx, mailbox)
	return modSeq, true, err
}
