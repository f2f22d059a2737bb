package gcs

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestParseGCSURI(t *testing.T) {
	bucket, key, err := parseGCSURI("gs://mail/messages/2024/01/01/x.eml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "mail" || key != "messages/2024/01/01/x.eml" {
		t.Errorf("unexpected parse result %s %s", bucket, key)
	}

	for _, uri := range []string{"", "gs://", "gs://mail", "s3://mail/key", "gs:///key"} {
		if _, _, err := parseGCSURI(uri); err == nil {
			t.Errorf("expected error for %q", uri)
		}
	}
}

func TestGenerateKey(t *testing.T) {
	key := generateKey("p", time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC))
	if !strings.HasPrefix(key, "p/2025/12/31/") {
		t.Errorf("unexpected key %q", key)
	}
}

func TestBuildClientOptions(t *testing.T) {
	opts, err := buildClientOptions(&options{apiKey: "k", endpoint: "http://localhost:4443"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(opts) != 2 {
		t.Errorf("expected 2 client options, got %d", len(opts))
	}

	if _, err := buildClientOptions(&options{credentialsJSON: []byte("not json")}); err == nil {
		t.Error("expected error for invalid credentials json")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background()); err == nil {
		t.Fatal("expected error without bucket")
	}
}
