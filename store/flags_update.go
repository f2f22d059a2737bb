package store

import (
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// FlagsUpdateMode selects how a FlagsUpdate combines with a message's flags.
type FlagsUpdateMode int

const (
	// FlagsReplace sets the message flags to exactly the update's flags.
	FlagsReplace FlagsUpdateMode = iota
	// FlagsAdd adds the update's flags.
	FlagsAdd
	// FlagsRemove removes the update's flags.
	FlagsRemove
)

func (m FlagsUpdateMode) String() string {
	switch m {
	case FlagsReplace:
		return "replace"
	case FlagsAdd:
		return "add"
	case FlagsRemove:
		return "remove"
	default:
		return fmt.Sprintf("FlagsUpdateMode(%d)", int(m))
	}
}

// ModeFromStoreOp maps an IMAP STORE operation to an update mode.
func ModeFromStoreOp(op imap.StoreFlagsOp) (FlagsUpdateMode, error) {
	switch op {
	case imap.StoreFlagsSet:
		return FlagsReplace, nil
	case imap.StoreFlagsAdd:
		return FlagsAdd, nil
	case imap.StoreFlagsDel:
		return FlagsRemove, nil
	default:
		return 0, fmt.Errorf("store: unknown store flags op %d", op)
	}
}

// FlagsUpdate is a flag update directive.
type FlagsUpdate struct {
	Mode  FlagsUpdateMode
	Flags Flags

	// Permitted restricts which flags the update may change. Nil means
	// unrestricted. imap.FlagWildcard permits every user keyword.
	Permitted *Flags
}

// ReplaceFlags returns a directive replacing all flags with flags.
func ReplaceFlags(flags ...imap.Flag) FlagsUpdate {
	return FlagsUpdate{Mode: FlagsReplace, Flags: NewFlags(flags...)}
}

// AddFlags returns a directive adding flags.
func AddFlags(flags ...imap.Flag) FlagsUpdate {
	return FlagsUpdate{Mode: FlagsAdd, Flags: NewFlags(flags...)}
}

// RemoveFlags returns a directive removing flags.
func RemoveFlags(flags ...imap.Flag) FlagsUpdate {
	return FlagsUpdate{Mode: FlagsRemove, Flags: NewFlags(flags...)}
}

// WithPermitted returns a copy of u restricted to the permitted flags.
func (u FlagsUpdate) WithPermitted(flags ...imap.Flag) FlagsUpdate {
	p := NewFlags(flags...)
	u.Permitted = &p
	return u
}

// Apply computes the flags resulting from applying u to original.
// It is pure: original is not modified.
func (u FlagsUpdate) Apply(original Flags) Flags {
	requested := u.Flags
	if u.Permitted != nil {
		requested = u.permittedOf(requested)
	}

	switch u.Mode {
	case FlagsReplace:
		if u.Permitted == nil {
			return requested.Clone()
		}
		// Flags the session cannot touch keep their current state.
		return u.lockedOf(original).Union(requested)
	case FlagsAdd:
		return original.Union(requested)
	case FlagsRemove:
		return original.Minus(requested)
	default:
		return original.Clone()
	}
}

// permittedOf returns the subset of flags u is allowed to change.
func (u FlagsUpdate) permittedOf(flags Flags) Flags {
	wildcard := u.Permitted.Contains(imap.FlagWildcard)
	out := Flags{m: make(map[string]imap.Flag)}
	for key, flag := range flags.m {
		if u.Permitted.Contains(flag) || (wildcard && IsKeyword(flag)) {
			out.m[key] = flag
		}
	}
	return out
}

// lockedOf returns the subset of flags u is not allowed to change.
func (u FlagsUpdate) lockedOf(flags Flags) Flags {
	return flags.Minus(u.permittedOf(flags))
}
