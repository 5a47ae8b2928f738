package crdt

import (
	"reflect"
	"testing"

	"github.com/automerge/automerge-go"
)

func TestReplaceStateRestoresSnapshot(t *testing.T) {
	var origins []string
	d := New(func(_ []byte, origin string) { origins = append(origins, origin) })
	setText(t, d, "a", "good version")
	snapshot := d.SaveState()

	setText(t, d, "a", "regretted edits")
	err := d.Edit("a", func(root *automerge.Map) error {
		return root.Set("junk", "scribbles")
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}

	if err := d.ReplaceState(snapshot); err != nil {
		t.Fatalf("replace state: %v", err)
	}
	if got := d.PlainText(); got != "good version" {
		t.Errorf("expected %q, got %q", "good version", got)
	}
	if origins[len(origins)-1] != OriginRollback {
		t.Errorf("expected rollback origin, got %q", origins[len(origins)-1])
	}
}

func TestReplaceStatePeersConverge(t *testing.T) {
	var updates [][]byte
	d := New(func(u []byte, _ string) { updates = append(updates, u) })
	setText(t, d, "a", "checkpoint")
	snapshot := d.SaveState()
	setText(t, d, "a", "checkpoint plus noise")

	// A peer that saw everything so far and never rolls back itself.
	peer, err := Load(d.SaveState(), nil)
	if err != nil {
		t.Fatalf("load peer: %v", err)
	}

	updates = updates[:0]
	if err := d.ReplaceState(snapshot); err != nil {
		t.Fatalf("replace state: %v", err)
	}
	if len(updates) == 0 {
		t.Fatal("expected rollback to emit an update")
	}

	// The revert travels as an ordinary update and wins on the peer too.
	for _, u := range updates {
		if err := peer.ApplyUpdate(u, OriginRollback); err != nil {
			t.Fatalf("apply revert on peer: %v", err)
		}
	}
	if peer.PlainText() != "checkpoint" {
		t.Errorf("peer text %q, expected %q", peer.PlainText(), "checkpoint")
	}
	if !reflect.DeepEqual(peer.Heads(), d.Heads()) {
		t.Errorf("peer diverged after rollback: %v vs %v", peer.Heads(), d.Heads())
	}
}

func TestReplaceStateToCurrentIsNoop(t *testing.T) {
	var emitted int
	d := New(func([]byte, string) { emitted++ })
	setText(t, d, "a", "stable")
	before := emitted

	if err := d.ReplaceState(d.SaveState()); err != nil {
		t.Fatalf("replace state: %v", err)
	}
	if emitted != before {
		t.Errorf("expected no update for a no-op rollback, got %d", emitted-before)
	}
}

func TestReplaceStateUnrelatedSnapshot(t *testing.T) {
	d := New(nil)
	setText(t, d, "a", "mine")
	liveHeads := d.Heads()

	other := New(nil)
	setText(t, other, "b", "someone else's history")

	if err := d.ReplaceState(other.SaveState()); err == nil {
		t.Fatal("expected error for unrelated snapshot")
	}
	// The failure must leave the live document untouched.
	if !reflect.DeepEqual(d.Heads(), liveHeads) {
		t.Errorf("live document changed: %v vs %v", d.Heads(), liveHeads)
	}
	if d.PlainText() != "mine" {
		t.Errorf("live text changed: %q", d.PlainText())
	}
}

func TestReplaceStateGarbageSnapshot(t *testing.T) {
	d := New(nil)
	if err := d.ReplaceState([]byte("not a document")); err == nil {
		t.Error("expected error for malformed snapshot")
	}
}

func TestReplaceStateRemovesAddedKeys(t *testing.T) {
	d := New(nil)
	err := d.Edit("a", func(root *automerge.Map) error {
		return root.Set("keep", "original")
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	snapshot := d.SaveState()

	err = d.Edit("a", func(root *automerge.Map) error {
		if err := root.Set("keep", "changed"); err != nil {
			return err
		}
		return root.Set("extra", int64(42))
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}

	if err := d.ReplaceState(snapshot); err != nil {
		t.Fatalf("replace state: %v", err)
	}
	if got := d.PlainText(); got != "original" {
		t.Errorf("expected only %q to survive, got %q", "original", got)
	}
}
