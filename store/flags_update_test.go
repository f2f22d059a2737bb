package store

import (
	"testing"

	"github.com/emersion/go-imap/v2"
)

func TestFlagsUpdateApply(t *testing.T) {
	original := NewFlags(imap.FlagSeen, "work")

	tests := []struct {
		name   string
		update FlagsUpdate
		want   Flags
	}{
		{"replace", ReplaceFlags(imap.FlagFlagged), NewFlags(imap.FlagFlagged)},
		{"replace with empty", ReplaceFlags(), NewFlags()},
		{"add", AddFlags(imap.FlagDeleted), NewFlags(imap.FlagSeen, "work", imap.FlagDeleted)},
		{"add existing", AddFlags(imap.FlagSeen), original},
		{"remove", RemoveFlags("WORK"), NewFlags(imap.FlagSeen)},
		{"remove absent", RemoveFlags(imap.FlagDraft), original},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.update.Apply(original)
			if !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}

	if !original.Equal(NewFlags(imap.FlagSeen, "work")) {
		t.Errorf("Apply modified its input: %s", original)
	}
}

func TestFlagsUpdateAlgebra(t *testing.T) {
	sets := []Flags{
		NewFlags(),
		NewFlags(imap.FlagSeen),
		NewFlags(imap.FlagSeen, imap.FlagDeleted),
		NewFlags("work", "home"),
		NewFlags(imap.FlagAnswered, imap.FlagDraft, "work"),
	}

	for _, a := range sets {
		for _, b := range sets {
			// REPLACE with B yields exactly B regardless of A.
			if got := (FlagsUpdate{Mode: FlagsReplace, Flags: b}).Apply(a); !got.Equal(b) {
				t.Errorf("replace %s on %s: got %s", b, a, got)
			}

			// ADD then REMOVE of B yields A minus B, and B is a subset of the ADD result.
			added := (FlagsUpdate{Mode: FlagsAdd, Flags: b}).Apply(a)
			if !b.Minus(added).IsEmpty() {
				t.Errorf("add %s on %s: %s is not a superset of %s", b, a, added, b)
			}
			removed := (FlagsUpdate{Mode: FlagsRemove, Flags: b}).Apply(added)
			if !removed.Equal(a.Minus(b)) {
				t.Errorf("add then remove %s on %s: got %s, expected %s", b, a, removed, a.Minus(b))
			}

			// Idempotent REPLACE never reports a change.
			rec := NewUpdatedFlags(1, 1, a, (FlagsUpdate{Mode: FlagsReplace, Flags: a}).Apply(a))
			if rec.Changed() {
				t.Errorf("replace with current set %s reported a change", a)
			}
		}
	}
}

func TestFlagsUpdatePermitted(t *testing.T) {
	original := NewFlags(imap.FlagSeen, imap.FlagDeleted, "work")

	t.Run("replace keeps locked flags", func(t *testing.T) {
		u := ReplaceFlags(imap.FlagFlagged).WithPermitted(imap.FlagSeen, imap.FlagFlagged)
		got := u.Apply(original)
		want := NewFlags(imap.FlagDeleted, "work", imap.FlagFlagged)
		if !got.Equal(want) {
			t.Errorf("expected %s, got %s", want, got)
		}
	})

	t.Run("add ignores forbidden flags", func(t *testing.T) {
		u := AddFlags(imap.FlagAnswered, "home").WithPermitted(imap.FlagSeen)
		got := u.Apply(original)
		if !got.Equal(original) {
			t.Errorf("expected %s, got %s", original, got)
		}
	})

	t.Run("wildcard permits keywords", func(t *testing.T) {
		u := AddFlags("home", imap.FlagAnswered).WithPermitted(imap.FlagWildcard)
		got := u.Apply(original)
		want := original.Add("home")
		if !got.Equal(want) {
			t.Errorf("expected %s, got %s", want, got)
		}
	})

	t.Run("remove limited to permitted", func(t *testing.T) {
		u := RemoveFlags(imap.FlagSeen, imap.FlagDeleted).WithPermitted(imap.FlagSeen)
		got := u.Apply(original)
		want := NewFlags(imap.FlagDeleted, "work")
		if !got.Equal(want) {
			t.Errorf("expected %s, got %s", want, got)
		}
	})
}

func TestModeFromStoreOp(t *testing.T) {
	tests := []struct {
		op   imap.StoreFlagsOp
		want FlagsUpdateMode
	}{
		{imap.StoreFlagsSet, FlagsReplace},
		{imap.StoreFlagsAdd, FlagsAdd},
		{imap.StoreFlagsDel, FlagsRemove},
	}
	for _, tt := range tests {
		got, err := ModeFromStoreOp(tt.op)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("op %v: expected %s, got %s", tt.op, tt.want, got)
		}
	}
	if _, err := ModeFromStoreOp(imap.StoreFlagsOp(42)); err == nil {
		t.Error("expected error for unknown op")
	}
}

func TestUpdatedFlags(t *testing.T) {
	old := NewFlags(imap.FlagSeen, "work")
	rec := NewUpdatedFlags(7, 12, old, NewFlags(imap.FlagSeen, imap.FlagFlagged))

	if rec.UID() != 7 || rec.ModSeq() != 12 {
		t.Errorf("unexpected identity: %s", rec)
	}
	if !rec.Changed() {
		t.Error("expected change")
	}
	if !rec.Added().Equal(NewFlags(imap.FlagFlagged)) {
		t.Errorf("unexpected added: %s", rec.Added())
	}
	if !rec.Removed().Equal(NewFlags("work")) {
		t.Errorf("unexpected removed: %s", rec.Removed())
	}
	if rec.FlagChanged(imap.FlagSeen) || !rec.FlagChanged(imap.FlagFlagged) {
		t.Error("unexpected FlagChanged result")
	}

	// The record does not alias the caller's sets.
	_ = old.Add(imap.FlagDraft)
	if rec.OldFlags().Contains(imap.FlagDraft) {
		t.Error("record aliased input flags")
	}
}
