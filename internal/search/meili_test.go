package search

import "testing"

func TestDocumentID(t *testing.T) {
	a := documentID("trip notes/2026")
	b := documentID("trip notes/2026")
	if a != b {
		t.Errorf("expected deterministic IDs, got %q and %q", a, b)
	}
	if len(a) != 24 {
		t.Errorf("expected 24 hex chars, got %q", a)
	}
	if documentID("other") == a {
		t.Error("expected distinct IDs for distinct names")
	}
}

func TestUnreachableDegradesToNoop(t *testing.T) {
	m := NewMeili("http://127.0.0.1:1", "")
	defer m.Close()
	if m.Healthy() {
		t.Error("expected unhealthy with no server")
	}
	// Must not panic or block while unhealthy.
	m.IndexDocument("doc", "text")

	// Even with the health flag set, a failed upsert only logs; the
	// add-documents path must not panic.
	m.healthy.Store(true)
	m.IndexDocument("doc", "text")
}
