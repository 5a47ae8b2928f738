// Package awareness tracks ephemeral per-client presence: display
// identity, cursor and selection. Entries are keyed by the numeric
// client ID of the editor, not by connection, and merge with
// last-writer-wins semantics on a per-client clock.
package awareness

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrMalformed = errors.New("awareness: malformed update")

var jsonNull = []byte("null")

// Change reports which client IDs an operation touched. Removed is kept
// separate from Updated so subscribers can tell "user left" apart from
// "user's state is now empty".
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// ClientIDs returns every touched ID, sorted.
func (c Change) ClientIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	ids = append(ids, c.Removed...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type entry struct {
	clock   uint64
	state   json.RawMessage // nil after removal (tombstone)
	updated time.Time
}

// Table is the presence table for one document session.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]*entry

	now func() time.Time
}

func NewTable() *Table {
	return &Table{
		entries: make(map[uint64]*entry),
		now:     time.Now,
	}
}

// States returns the live entries (tombstones excluded).
func (t *Table) States() map[uint64]json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]json.RawMessage, len(t.entries))
	for id, e := range t.entries {
		if e.state != nil {
			out[id] = append(json.RawMessage(nil), e.state...)
		}
	}
	return out
}

// LiveIDs returns the client IDs with a live state, sorted.
func (t *Table) LiveIDs() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint64, 0, len(t.entries))
	for id, e := range t.entries {
		if e.state != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetState records a local state change for a client. A nil state is a
// removal. The clock is bumped past anything seen so far for that
// client, so the change wins against in-flight remote updates.
func (t *Table) SetState(clientID uint64, state json.RawMessage) Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.entries[clientID]
	clock := uint64(1)
	if cur != nil {
		clock = cur.clock + 1
	}
	return t.apply(clientID, clock, state)
}

// ApplyUpdate merges a remote awareness update into the table.
func (t *Table) ApplyUpdate(update []byte) (Change, error) {
	wire, err := decodeEntries(update)
	if err != nil {
		return Change{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var change Change
	for _, w := range wire {
		cur := t.entries[w.id]
		accept := cur == nil ||
			w.clock > cur.clock ||
			(w.clock == cur.clock && w.state == nil)
		if !accept {
			continue
		}
		c := t.apply(w.id, w.clock, w.state)
		change.Added = append(change.Added, c.Added...)
		change.Updated = append(change.Updated, c.Updated...)
		change.Removed = append(change.Removed, c.Removed...)
	}
	return change, nil
}

// apply stores an accepted state and classifies the transition. Caller
// holds the lock.
func (t *Table) apply(clientID, clock uint64, state json.RawMessage) Change {
	cur := t.entries[clientID]
	var change Change
	switch {
	case state == nil:
		if cur != nil && cur.state != nil {
			change.Removed = []uint64{clientID}
		}
	case cur == nil || cur.state == nil:
		change.Added = []uint64{clientID}
	default:
		change.Updated = []uint64{clientID}
	}
	t.entries[clientID] = &entry{
		clock:   clock,
		state:   append(json.RawMessage(nil), state...),
		updated: t.now(),
	}
	if state == nil {
		t.entries[clientID].state = nil
	}
	return change
}

// Remove force-removes the given client IDs, as happens when the
// connection controlling them closes.
func (t *Table) Remove(ids []uint64) Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	var change Change
	for _, id := range ids {
		cur := t.entries[id]
		if cur == nil {
			continue
		}
		c := t.apply(id, cur.clock+1, nil)
		change.Removed = append(change.Removed, c.Removed...)
	}
	return change
}

// SweepStale removes live entries that have not been refreshed within
// ttl. It covers clients that vanished without a clean close.
func (t *Table) SweepStale(ttl time.Duration) Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-ttl)
	var change Change
	for id, e := range t.entries {
		if e.state != nil && e.updated.Before(cutoff) {
			c := t.apply(id, e.clock+1, nil)
			change.Removed = append(change.Removed, c.Removed...)
		}
	}
	return change
}

// EncodeUpdate re-derives an update for the given client IDs from the
// current table state. Tombstones encode as null so removals propagate;
// unknown IDs are skipped.
func (t *Table) EncodeUpdate(ids []uint64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var wire []wireEntry
	for _, id := range ids {
		e := t.entries[id]
		if e == nil {
			continue
		}
		wire = append(wire, wireEntry{id: id, clock: e.clock, state: e.state})
	}
	return encodeEntries(wire), nil
}

type wireEntry struct {
	id    uint64
	clock uint64
	state json.RawMessage // nil means removal
}

// Wire layout: varint entry count, then per entry varint client ID,
// varint clock, and a varint-length-prefixed JSON state ("null" for a
// removal).
func encodeEntries(wire []wireEntry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(wire)))
	for _, w := range wire {
		buf = binary.AppendUvarint(buf, w.id)
		buf = binary.AppendUvarint(buf, w.clock)
		state := w.state
		if state == nil {
			state = jsonNull
		}
		buf = binary.AppendUvarint(buf, uint64(len(state)))
		buf = append(buf, state...)
	}
	return buf
}

func decodeEntries(update []byte) ([]wireEntry, error) {
	count, buf, err := readUvarint(update)
	if err != nil {
		return nil, err
	}
	if count > uint64(len(buf)) {
		// Each entry needs at least one byte; anything bigger is garbage.
		return nil, ErrMalformed
	}
	wire := make([]wireEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var w wireEntry
		if w.id, buf, err = readUvarint(buf); err != nil {
			return nil, err
		}
		if w.clock, buf, err = readUvarint(buf); err != nil {
			return nil, err
		}
		var size uint64
		if size, buf, err = readUvarint(buf); err != nil {
			return nil, err
		}
		if size > uint64(len(buf)) {
			return nil, ErrMalformed
		}
		state := buf[:size]
		buf = buf[size:]
		if !json.Valid(state) {
			return nil, ErrMalformed
		}
		if !bytes.Equal(state, jsonNull) {
			w.state = append(json.RawMessage(nil), state...)
		}
		wire = append(wire, w)
	}
	return wire, nil
}

// ClientIDs lists the client IDs an encoded update touches, without
// applying it. The session layer uses it to track which IDs a
// connection controls.
func ClientIDs(update []byte) ([]uint64, error) {
	wire, err := decodeEntries(update)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(wire))
	for _, w := range wire {
		ids = append(ids, w.id)
	}
	return ids, nil
}

func readUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, ErrMalformed
	}
	return v, buf[n:], nil
}
