package postgres

import (
	"context"
	"strings"
	"testing"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil || store.Packets == nil {
		t.Fatalf("expected store instance with archive")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	store.Close()
}

func TestOpenRejectsInvalidDSN(t *testing.T) {
	if _, err := Open(context.Background(), "", 1, "archive"); err == nil || !strings.Contains(err.Error(), "dsn required") {
		t.Fatalf("expected dsn required error, got %v", err)
	}
	if _, err := Open(context.Background(), "postgres://%zz", 1, "archive"); err == nil || !strings.Contains(err.Error(), "parse database dsn") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
