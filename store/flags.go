package store

import (
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// SystemFlags lists the IMAP system flags (RFC 9051 section 2.3.2).
var SystemFlags = []imap.Flag{
	imap.FlagSeen,
	imap.FlagAnswered,
	imap.FlagFlagged,
	imap.FlagDeleted,
	imap.FlagDraft,
}

// Flags is an immutable set of message flags: system flags plus free-form
// user keywords. Membership is case-insensitive; the spelling a flag was first
// added with is kept for display.
//
// The zero value is an empty set. Mutating methods return a new set.
type Flags struct {
	m map[string]imap.Flag
}

// NewFlags returns a set holding the given flags.
func NewFlags(flags ...imap.Flag) Flags {
	f := Flags{m: make(map[string]imap.Flag, len(flags))}
	for _, flag := range flags {
		if flag == "" {
			continue
		}
		key := canonicalFlag(flag)
		if _, ok := f.m[key]; !ok {
			f.m[key] = flag
		}
	}
	return f
}

// FlagsFromStrings builds a set from raw flag strings, as stored by backends.
func FlagsFromStrings(values []string) Flags {
	flags := make([]imap.Flag, len(values))
	for i, v := range values {
		flags[i] = imap.Flag(v)
	}
	return NewFlags(flags...)
}

func canonicalFlag(flag imap.Flag) string {
	return strings.ToLower(string(flag))
}

// IsSystemFlag reports whether flag is one of the IMAP system flags.
func IsSystemFlag(flag imap.Flag) bool {
	key := canonicalFlag(flag)
	for _, sys := range SystemFlags {
		if canonicalFlag(sys) == key {
			return true
		}
	}
	return false
}

// IsKeyword reports whether flag is a user-defined keyword rather than a
// backslash-prefixed flag.
func IsKeyword(flag imap.Flag) bool {
	return flag != "" && !strings.HasPrefix(string(flag), "\\")
}

// Len returns the number of flags in the set.
func (f Flags) Len() int {
	return len(f.m)
}

// IsEmpty reports whether the set has no flags.
func (f Flags) IsEmpty() bool {
	return len(f.m) == 0
}

// Contains reports whether flag is in the set.
func (f Flags) Contains(flag imap.Flag) bool {
	_, ok := f.m[canonicalFlag(flag)]
	return ok
}

// ContainsAny reports whether at least one of flags is in the set.
func (f Flags) ContainsAny(flags ...imap.Flag) bool {
	for _, flag := range flags {
		if f.Contains(flag) {
			return true
		}
	}
	return false
}

// Add returns a copy of the set with flags added.
func (f Flags) Add(flags ...imap.Flag) Flags {
	return f.Union(NewFlags(flags...))
}

// Remove returns a copy of the set with flags removed.
func (f Flags) Remove(flags ...imap.Flag) Flags {
	return f.Minus(NewFlags(flags...))
}

// Union returns the flags present in f or other.
func (f Flags) Union(other Flags) Flags {
	out := f.Clone()
	for key, flag := range other.m {
		if _, ok := out.m[key]; !ok {
			out.m[key] = flag
		}
	}
	return out
}

// Minus returns the flags present in f and absent from other.
func (f Flags) Minus(other Flags) Flags {
	out := Flags{m: make(map[string]imap.Flag, len(f.m))}
	for key, flag := range f.m {
		if _, ok := other.m[key]; !ok {
			out.m[key] = flag
		}
	}
	return out
}

// Intersect returns the flags present in both f and other.
func (f Flags) Intersect(other Flags) Flags {
	out := Flags{m: make(map[string]imap.Flag)}
	for key, flag := range f.m {
		if _, ok := other.m[key]; ok {
			out.m[key] = flag
		}
	}
	return out
}

// Equal reports whether both sets hold the same flags, ignoring order and case.
func (f Flags) Equal(other Flags) bool {
	if len(f.m) != len(other.m) {
		return false
	}
	for key := range f.m {
		if _, ok := other.m[key]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the set.
func (f Flags) Clone() Flags {
	out := Flags{m: make(map[string]imap.Flag, len(f.m))}
	for key, flag := range f.m {
		out.m[key] = flag
	}
	return out
}

// System returns only the system flags of the set.
func (f Flags) System() Flags {
	out := Flags{m: make(map[string]imap.Flag)}
	for key, flag := range f.m {
		if IsSystemFlag(flag) {
			out.m[key] = flag
		}
	}
	return out
}

// Keywords returns only the user keywords of the set.
func (f Flags) Keywords() Flags {
	out := Flags{m: make(map[string]imap.Flag)}
	for key, flag := range f.m {
		if IsKeyword(flag) {
			out.m[key] = flag
		}
	}
	return out
}

// List returns the flags sorted by their canonical form.
func (f Flags) List() []imap.Flag {
	keys := make([]string, 0, len(f.m))
	for key := range f.m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]imap.Flag, len(keys))
	for i, key := range keys {
		out[i] = f.m[key]
	}
	return out
}

// Strings returns the flags as plain strings, sorted, for storage.
func (f Flags) Strings() []string {
	list := f.List()
	out := make([]string, len(list))
	for i, flag := range list {
		out[i] = string(flag)
	}
	return out
}

func (f Flags) String() string {
	return "(" + strings.Join(f.Strings(), " ") + ")"
}
