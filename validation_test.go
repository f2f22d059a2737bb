package mailstore

import (
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
)

func TestValidateFlag(t *testing.T) {
	tests := []struct {
		flag  imap.Flag
		valid bool
	}{
		{imap.FlagSeen, true},
		{`\seen`, true},
		{imap.FlagDeleted, true},
		{"$Forwarded", true},
		{"Junk", true},
		{"", false},
		{`\Recent`, false},
		{`\Custom`, false},
		{"two words", false},
		{"paren(", false},
		{"star*", false},
		{`quote"`, false},
		{"bracket]", false},
		{"tab\t", false},
		{"café", false},
		{imap.Flag(strings.Repeat("k", MaxKeywordLength)), true},
		{imap.Flag(strings.Repeat("k", MaxKeywordLength+1)), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.flag), func(t *testing.T) {
			err := ValidateFlag(tt.flag)
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidFlag) {
				t.Errorf("expected ErrInvalidFlag, got %v", err)
			}
		})
	}
}

func TestValidateFlagsUpdate(t *testing.T) {
	if err := ValidateFlagsUpdate(store.ReplaceFlags(imap.FlagSeen, "$Label")); err != nil {
		t.Errorf("expected valid update, got %v", err)
	}
	if err := ValidateFlagsUpdate(store.RemoveFlags()); err != nil {
		t.Errorf("expected empty update to be valid, got %v", err)
	}
	if err := ValidateFlagsUpdate(store.FlagsUpdate{Mode: 9}); !errors.Is(err, ErrInvalidFlag) {
		t.Errorf("expected ErrInvalidFlag for unknown mode, got %v", err)
	}
	if err := ValidateFlagsUpdate(store.AddFlags("bad flag")); !errors.Is(err, ErrInvalidFlag) {
		t.Errorf("expected ErrInvalidFlag, got %v", err)
	}
}

func TestValidateContent(t *testing.T) {
	if err := ValidateContent(nil, 10); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
	if err := ValidateContent([]byte("0123456789"), 10); err != nil {
		t.Errorf("expected content at the limit to pass, got %v", err)
	}
	if err := ValidateContent([]byte("0123456789x"), 10); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
	if err := ValidateContent([]byte("x"), 0); err != nil {
		t.Errorf("expected no limit for zero max size, got %v", err)
	}
}
