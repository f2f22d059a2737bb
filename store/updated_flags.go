package store

import (
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// UpdatedFlags records the outcome of a flag update for one message.
// It is produced for every message a bulk update visits, whether or not the
// flags changed, and always carries the message's current modseq.
type UpdatedFlags struct {
	uid      imap.UID
	modSeq   uint64
	oldFlags Flags
	newFlags Flags
}

// NewUpdatedFlags builds a record. The flag sets are copied.
func NewUpdatedFlags(uid imap.UID, modSeq uint64, oldFlags, newFlags Flags) UpdatedFlags {
	return UpdatedFlags{
		uid:      uid,
		modSeq:   modSeq,
		oldFlags: oldFlags.Clone(),
		newFlags: newFlags.Clone(),
	}
}

func (u UpdatedFlags) UID() imap.UID   { return u.uid }
func (u UpdatedFlags) ModSeq() uint64  { return u.modSeq }
func (u UpdatedFlags) OldFlags() Flags { return u.oldFlags.Clone() }
func (u UpdatedFlags) NewFlags() Flags { return u.newFlags.Clone() }

// Changed reports whether the update changed the flag set.
func (u UpdatedFlags) Changed() bool {
	return !u.oldFlags.Equal(u.newFlags)
}

// Added returns the flags present after the update but not before.
func (u UpdatedFlags) Added() Flags {
	return u.newFlags.Minus(u.oldFlags)
}

// Removed returns the flags present before the update but not after.
func (u UpdatedFlags) Removed() Flags {
	return u.oldFlags.Minus(u.newFlags)
}

// FlagChanged reports whether flag was added or removed by the update.
func (u UpdatedFlags) FlagChanged(flag imap.Flag) bool {
	return u.oldFlags.Contains(flag) != u.newFlags.Contains(flag)
}

func (u UpdatedFlags) String() string {
	return fmt.Sprintf("UpdatedFlags{uid=%d modseq=%d old=%s new=%s}", u.uid, u.modSeq, u.oldFlags, u.newFlags)
}
