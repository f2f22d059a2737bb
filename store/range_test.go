package store

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/emersion/go-imap/v2"
)

func TestMessageRangeIncludes(t *testing.T) {
	tests := []struct {
		name string
		rng  MessageRange
		in   []imap.UID
		out  []imap.UID
	}{
		{"all", All(), []imap.UID{1, 5, MaxUID}, []imap.UID{0}},
		{"one", One(4), []imap.UID{4}, []imap.UID{3, 5}},
		{"from", From(3), []imap.UID{3, 100}, []imap.UID{1, 2}},
		{"interval", Interval(2, 4), []imap.UID{2, 3, 4}, []imap.UID{1, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, uid := range tt.in {
				if !tt.rng.Includes(uid) {
					t.Errorf("%s should include %d", tt.rng, uid)
				}
			}
			for _, uid := range tt.out {
				if tt.rng.Includes(uid) {
					t.Errorf("%s should not include %d", tt.rng, uid)
				}
			}
		})
	}
}

func TestMessageRangeValidate(t *testing.T) {
	if err := Interval(5, 2).Validate(); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
	if err := One(0).Validate(); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
	if r := Interval(3, 3); r.Type != RangeOne {
		t.Errorf("expected single-uid interval to collapse to RangeOne, got %v", r.Type)
	}
}

func TestRangesFromUIDSet(t *testing.T) {
	var set imap.UIDSet
	set.AddRange(1, 3)
	set.AddNum(7)
	set.AddRange(10, 0)

	ranges, err := RangesFromUIDSet(set, 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranges) != 3 {
		t.Fatalf("expected 3 ranges, got %d: %v", len(ranges), ranges)
	}
	if ranges[0] != Interval(1, 3) {
		t.Errorf("expected 1:3, got %s", ranges[0])
	}
	if ranges[1] != One(7) {
		t.Errorf("expected 7, got %s", ranges[1])
	}
	if ranges[2] != From(10) {
		t.Errorf("expected 10:*, got %s", ranges[2])
	}
}

func TestRangesFromUIDSetEdges(t *testing.T) {
	tests := []struct {
		name    string
		set     imap.UIDSet
		lastUID imap.UID
		want    []MessageRange
	}{
		{"overlap merged", imap.UIDSet{{Start: 1, Stop: 2}, {Start: 2, Stop: 3}}, 5, []MessageRange{Interval(1, 3)}},
		{"adjacent merged", imap.UIDSet{{Start: 4, Stop: 5}, {Start: 1, Stop: 3}}, 5, []MessageRange{Interval(1, 5)}},
		{"duplicates merged", imap.UIDSet{{Start: 2, Stop: 2}, {Start: 2, Stop: 2}}, 5, []MessageRange{One(2)}},
		{"sorted", imap.UIDSet{{Start: 9, Stop: 9}, {Start: 1, Stop: 2}}, 9, []MessageRange{Interval(1, 2), One(9)}},
		{"star absorbs later ranges", imap.UIDSet{{Start: 3, Stop: 0}, {Start: 5, Stop: 8}}, 9, []MessageRange{From(3)}},
		{"star alone", imap.UIDSet{{Start: 0, Stop: 0}}, 4, []MessageRange{One(4)}},
		{"star merges with last", imap.UIDSet{{Start: 0, Stop: 0}, {Start: 4, Stop: 4}}, 4, []MessageRange{One(4)}},
		{"past last uid", imap.UIDSet{{Start: 5, Stop: 0}}, 3, []MessageRange{One(3)}},
		{"reversed star", imap.UIDSet{{Start: 0, Stop: 7}}, 3, []MessageRange{One(3)}},
		{"empty mailbox", imap.UIDSet{{Start: 5, Stop: 0}, {Start: 0, Stop: 0}}, 0, []MessageRange{}},
		{"whole mailbox", imap.UIDSet{{Start: 1, Stop: 0}}, 3, []MessageRange{All()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RangesFromUIDSet(tt.set, tt.lastUID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSliceIterator(t *testing.T) {
	ctx := context.Background()
	it := NewSliceIterator([]*Message{{UID: 1}, {UID: 2}})

	if _, err := it.Message(); !errors.Is(err, ErrIteratorOutOfBounds) {
		t.Errorf("expected ErrIteratorOutOfBounds, got %v", err)
	}

	var uids []imap.UID
	for {
		ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		msg, err := it.Message()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		uids = append(uids, msg.UID)
	}
	if len(uids) != 2 || uids[0] != 1 || uids[1] != 2 {
		t.Errorf("unexpected uids: %v", uids)
	}

	// Exhausted iterators stay exhausted.
	if ok, err := it.Next(ctx); ok || err != nil {
		t.Errorf("expected (false, nil) after exhaustion, got (%v, %v)", ok, err)
	}
}

func TestBatchIterator(t *testing.T) {
	ctx := context.Background()
	all := []*Message{{UID: 2}, {UID: 3}, {UID: 5}, {UID: 8}, {UID: 9}}
	calls := 0
	load := func(_ context.Context, after uint32, limit int) ([]*Message, error) {
		calls++
		var out []*Message
		for _, m := range all {
			if uint32(m.UID) > after && len(out) < limit {
				out = append(out, m)
			}
		}
		return out, nil
	}

	it := NewBatchIterator(load, 2)
	var uids []imap.UID
	for {
		ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		msg, _ := it.Message()
		uids = append(uids, msg.UID)
	}
	if len(uids) != len(all) {
		t.Fatalf("expected %d messages, got %v", len(all), uids)
	}
	for i, m := range all {
		if uids[i] != m.UID {
			t.Errorf("index %d: expected %d, got %d", i, m.UID, uids[i])
		}
	}
	if calls != 3 {
		t.Errorf("expected 3 batch loads, got %d", calls)
	}

	t.Run("load error surfaces", func(t *testing.T) {
		boom := errors.New("boom")
		it := NewBatchIterator(func(context.Context, uint32, int) ([]*Message, error) {
			return nil, boom
		}, 10)
		if _, err := it.Next(ctx); !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
	})
}
