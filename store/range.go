package store

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/emersion/go-imap/v2"
)

// RangeType is the kind of a MessageRange.
type RangeType int

const (
	// RangeAll selects every message in the mailbox.
	RangeAll RangeType = iota
	// RangeOne selects a single UID.
	RangeOne
	// RangeFrom selects every UID greater than or equal to From.
	RangeFrom
	// RangeInterval selects UIDs from From to To inclusive.
	RangeInterval
)

// MaxUID is the largest UID a mailbox can hold.
const MaxUID = imap.UID(math.MaxUint32)

// MessageRange selects messages of a mailbox by UID.
type MessageRange struct {
	Type RangeType
	From imap.UID
	To   imap.UID
}

// All selects every message.
func All() MessageRange {
	return MessageRange{Type: RangeAll, From: 1, To: MaxUID}
}

// One selects a single message.
func One(uid imap.UID) MessageRange {
	return MessageRange{Type: RangeOne, From: uid, To: uid}
}

// From selects every message with a UID of at least uid.
func From(uid imap.UID) MessageRange {
	return MessageRange{Type: RangeFrom, From: uid, To: MaxUID}
}

// Interval selects messages with from <= UID <= to.
func Interval(from, to imap.UID) MessageRange {
	if from == to {
		return One(from)
	}
	return MessageRange{Type: RangeInterval, From: from, To: to}
}

// Validate checks the range bounds.
func (r MessageRange) Validate() error {
	switch r.Type {
	case RangeAll:
		return nil
	case RangeOne, RangeFrom:
		if r.From == 0 {
			return fmt.Errorf("%w: uid must be non-zero", ErrInvalidRange)
		}
		return nil
	case RangeInterval:
		if r.From == 0 || r.To < r.From {
			return fmt.Errorf("%w: %d:%d", ErrInvalidRange, r.From, r.To)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidRange, r.Type)
	}
}

// Includes reports whether uid falls in the range.
func (r MessageRange) Includes(uid imap.UID) bool {
	if uid == 0 {
		return false
	}
	switch r.Type {
	case RangeAll:
		return true
	case RangeOne:
		return uid == r.From
	case RangeFrom:
		return uid >= r.From
	case RangeInterval:
		return uid >= r.From && uid <= r.To
	default:
		return false
	}
}

// Bounds returns the inclusive lower and upper UID of the range.
func (r MessageRange) Bounds() (imap.UID, imap.UID) {
	switch r.Type {
	case RangeAll:
		return 1, MaxUID
	case RangeFrom:
		return r.From, MaxUID
	default:
		return r.From, r.To
	}
}

func (r MessageRange) String() string {
	switch r.Type {
	case RangeAll:
		return "1:*"
	case RangeOne:
		return fmt.Sprintf("%d", r.From)
	case RangeFrom:
		return fmt.Sprintf("%d:*", r.From)
	default:
		return fmt.Sprintf("%d:%d", r.From, r.To)
	}
}

// RangesFromUIDSet converts an IMAP UID set into message ranges. A "*"
// bound resolves to lastUID, the mailbox's last assigned UID.
//
// The result is sorted and its ranges are disjoint: overlapping or adjacent
// members of the set are merged, so no message is selected twice.
func RangesFromUIDSet(set imap.UIDSet, lastUID imap.UID) ([]MessageRange, error) {
	type span struct{ lo, hi imap.UID }

	spans := make([]span, 0, len(set))
	for _, r := range set {
		start, stop := r.Start, r.Stop
		if start == 0 {
			// "*:n" is "n:*".
			start, stop = stop, start
		}
		switch {
		case start == 0:
			// "*" alone is the last message.
			if lastUID == 0 {
				continue
			}
			spans = append(spans, span{lastUID, lastUID})
		case stop == 0:
			// "n:*" contains the last message even when n is past it.
			if start > lastUID {
				if lastUID == 0 {
					continue
				}
				spans = append(spans, span{lastUID, lastUID})
				continue
			}
			spans = append(spans, span{start, MaxUID})
		default:
			if stop < start {
				start, stop = stop, start
			}
			spans = append(spans, span{start, stop})
		}
	}

	slices.SortFunc(spans, func(a, b span) int { return cmp.Compare(a.lo, b.lo) })
	merged := spans[:0]
	for _, sp := range spans {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.hi == MaxUID || sp.lo <= last.hi+1 {
				last.hi = max(last.hi, sp.hi)
				continue
			}
		}
		merged = append(merged, sp)
	}

	ranges := make([]MessageRange, 0, len(merged))
	for _, sp := range merged {
		var r MessageRange
		switch {
		case sp.lo == sp.hi:
			r = One(sp.lo)
		case sp.lo == 1 && sp.hi == MaxUID:
			r = All()
		case sp.hi == MaxUID:
			r = From(sp.lo)
		default:
			r = Interval(sp.lo, sp.hi)
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}
