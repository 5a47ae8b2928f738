package store

import (
	"bytes"
	"os"
	"testing"
)

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := t.Context()
	db, err := OpenDB(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	s := NewPostgres(db)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	state, err := s.LoadState(ctx, "test-missing")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if state != nil {
		t.Errorf("expected nil for an unsaved document, got %v", state)
	}

	saved := []byte{0x01, 0x02}
	if err := s.SaveState(ctx, "test-doc", saved); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Upsert replaces the previous state.
	saved = []byte{0x03, 0x04, 0x05}
	if err := s.SaveState(ctx, "test-doc", saved); err != nil {
		t.Fatalf("resave: %v", err)
	}
	state, err = s.LoadState(ctx, "test-doc")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(state, saved) {
		t.Errorf("expected %v, got %v", saved, state)
	}
}
