package mongo

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/storetest"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Tests run against a live server when MAILSTORE_MONGO_URI is set.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MAILSTORE_MONGO_URI")
	if uri == "" {
		t.Skip("MAILSTORE_MONGO_URI not set")
	}
	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	dbName := "mailstore_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	s := New(client, WithDatabase(dbName))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_ = s.Close(ctx)
		_ = client.Database(dbName).Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return newTestStore(t)
	})
}

func TestConnectRequiresClient(t *testing.T) {
	s := New(nil)
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected error for nil client")
	}
}
