package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/storetest"
)

// Tests run against a live server when MAILSTORE_POSTGRES_DSN is set.
func openDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("MAILSTORE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAILSTORE_POSTGRES_DSN not set")
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := openDB(t)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	mbTable, msgTable := "mb_"+suffix, "msg_"+suffix

	s := New(db, WithMailboxTable(mbTable), WithMessageTable(msgTable))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close(context.Background())
		_, _ = db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s, %s", msgTable, mbTable))
	})
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return newTestStore(t)
	})
}

func TestConnectRequiresDB(t *testing.T) {
	s := New(nil)
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestInvalidMailboxID(t *testing.T) {
	s := New(nil)
	s.connected = 1
	if _, err := s.NextUID(context.Background(), &store.Mailbox{ID: "not-a-uuid"}); !store.IsInvalidID(err) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}
