package mailstore

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
)

// MaxKeywordLength is the maximum length of a user keyword.
const MaxKeywordLength = 128

// atomSpecials are the characters an IMAP atom may not contain (RFC 9051).
const atomSpecials = `(){ %*"\]`

// ValidateFlag checks that flag can be stored on a message: a known system
// flag, or a keyword that is a valid IMAP atom.
func ValidateFlag(flag imap.Flag) error {
	s := string(flag)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFlag)
	}
	if strings.HasPrefix(s, `\`) {
		if !store.IsSystemFlag(flag) {
			return fmt.Errorf("%w: %q is not a system flag", ErrInvalidFlag, s)
		}
		return nil
	}
	if len(s) > MaxKeywordLength {
		return fmt.Errorf("%w: keyword longer than %d", ErrInvalidFlag, MaxKeywordLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x1f || c >= 0x7f || strings.IndexByte(atomSpecials, c) >= 0 {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidFlag, s, c)
		}
	}
	return nil
}

// ValidateFlags checks every flag of the set.
func ValidateFlags(flags store.Flags) error {
	for _, f := range flags.List() {
		if err := ValidateFlag(f); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFlagsUpdate checks the flags of an update directive.
func ValidateFlagsUpdate(update store.FlagsUpdate) error {
	switch update.Mode {
	case store.FlagsReplace, store.FlagsAdd, store.FlagsRemove:
	default:
		return fmt.Errorf("%w: unknown update mode %s", ErrInvalidFlag, update.Mode)
	}
	return ValidateFlags(update.Flags)
}

// ValidateContent checks raw message content against the size limit.
func ValidateContent(content []byte, maxSize int64) error {
	if len(content) == 0 {
		return ErrEmptyContent
	}
	if maxSize > 0 && int64(len(content)) > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(content), maxSize)
	}
	return nil
}
