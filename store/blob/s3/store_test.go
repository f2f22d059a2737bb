package s3

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		uri, bucket, key string
		wantErr          bool
	}{
		{uri: "s3://bucket/a/b.eml", bucket: "bucket", key: "a/b.eml"},
		{uri: "s3://bucket/", wantErr: true},
		{uri: "s3://bucket", wantErr: true},
		{uri: "gs://bucket/key", wantErr: true},
		{uri: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, key, err := parseS3URI(tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.uri)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if bucket != tt.bucket || key != tt.key {
				t.Errorf("expected %s/%s, got %s/%s", tt.bucket, tt.key, bucket, key)
			}
		})
	}
}

func TestGenerateKey(t *testing.T) {
	now := time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC)
	key := generateKey("messages", now)
	if !strings.HasPrefix(key, "messages/2024/03/09/") || !strings.HasSuffix(key, ".eml") {
		t.Errorf("unexpected key %q", key)
	}
	if generateKey("messages", now) == key {
		t.Error("expected unique keys")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background()); err == nil {
		t.Fatal("expected error without bucket")
	}
}
