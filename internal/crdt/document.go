// Package crdt wraps the automerge document with the operations the
// sync server needs: applying remote updates, computing deltas against
// a peer's state vector, and rolling the document back to an earlier
// snapshot. Merge semantics (commutative, idempotent) come from
// automerge and are never reimplemented here.
package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
)

const headSize = 32

// maxPending bounds the out-of-order update buffer. A peer that never
// sends the missing dependency cannot pin unbounded memory.
const maxPending = 64

var (
	ErrBadStateVector = errors.New("crdt: malformed state vector")
	ErrPendingFull    = errors.New("crdt: too many updates waiting on missing dependencies")
)

// UpdateFunc observes document mutations. The update argument is an
// incremental encoding loadable by any automerge peer; origin names the
// actor (typically a connection ID) that produced the mutation.
type UpdateFunc func(update []byte, origin string)

// Document is the replicated state for one collaboration session. All
// mutation is serialized through its mutex; exactly one observer,
// registered at construction, sees every mutation.
type Document struct {
	mu       sync.Mutex
	doc      *automerge.Doc
	pending  [][]byte
	onUpdate UpdateFunc
}

// New creates an empty document.
func New(onUpdate UpdateFunc) *Document {
	doc := automerge.New()
	// Establish the incremental-save cursor so the first mutation emits
	// only its own changes.
	doc.SaveIncremental()
	return &Document{doc: doc, onUpdate: onUpdate}
}

// Load hydrates a document from previously saved state.
func Load(state []byte, onUpdate UpdateFunc) (*Document, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("crdt: load state: %w", err)
	}
	doc.SaveIncremental()
	return &Document{doc: doc, onUpdate: onUpdate}, nil
}

// ApplyUpdate merges a remote update. Updates may arrive in any order
// and any number of times; a re-applied update changes nothing and
// emits nothing. An update whose causal dependencies have not arrived
// yet is held back and retried after later applies fill the gap, so
// permuted delivery still converges.
func (d *Document) ApplyUpdate(update []byte, origin string) error {
	d.mu.Lock()
	if err := d.doc.LoadIncremental(update); err != nil {
		if !isMissingDeps(err) {
			d.mu.Unlock()
			return fmt.Errorf("crdt: apply update: %w", err)
		}
		if len(d.pending) >= maxPending {
			d.mu.Unlock()
			return ErrPendingFull
		}
		d.pending = append(d.pending, append([]byte(nil), update...))
		d.mu.Unlock()
		return nil
	}
	d.applyPendingLocked()
	inc := d.doc.SaveIncremental()
	d.mu.Unlock()
	d.emit(inc, origin)
	return nil
}

// applyPendingLocked retries held-back updates until none makes
// progress. Caller holds the lock.
func (d *Document) applyPendingLocked() {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		rest := d.pending[:0]
		for _, u := range d.pending {
			if err := d.doc.LoadIncremental(u); err != nil {
				rest = append(rest, u)
				continue
			}
			progress = true
		}
		d.pending = rest
	}
}

// isMissingDeps tells an out-of-order update apart from a malformed
// one. automerge reports the former with a dedicated message; there is
// no typed error to match on.
func isMissingDeps(err error) bool {
	return strings.Contains(err.Error(), "deps")
}

// Edit applies a local mutation to the document root and emits the
// resulting update.
func (d *Document) Edit(origin string, fn func(root *automerge.Map) error) error {
	d.mu.Lock()
	if err := fn(d.doc.RootMap()); err != nil {
		d.mu.Unlock()
		return err
	}
	inc := d.doc.SaveIncremental()
	d.mu.Unlock()
	d.emit(inc, origin)
	return nil
}

func (d *Document) emit(update []byte, origin string) {
	if len(update) > 0 && d.onUpdate != nil {
		d.onUpdate(update, origin)
	}
}

// StateVector returns a compact encoding of what this document has
// seen: its current heads.
func (d *Document) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeHeads(d.doc.Heads())
}

// Diff returns the update that brings a peer at the given state vector
// up to date. A missing vector, or one referencing history this
// document cannot resolve, yields the full saved state. The result is
// empty when the peer is already current. A vector encoding zero heads
// is not missing: it names a fresh peer and diffs from the beginning.
func (d *Document) Diff(stateVector []byte) ([]byte, error) {
	if len(stateVector) == 0 {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.doc.Save(), nil
	}
	heads, err := decodeHeads(stateVector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		// The peer knows history we don't; fall back to the full state
		// and let its merge sort out the overlap.
		return d.doc.Save(), nil
	}
	var buf []byte
	for _, ch := range changes {
		buf = append(buf, ch.Save()...)
	}
	return buf, nil
}

// SaveState returns the full serialized document.
func (d *Document) SaveState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Heads returns the document's current heads, hex-encoded and sorted.
func (d *Document) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.doc.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	sort.Strings(out)
	return out
}

// PlainText extracts the document's readable text: every text sequence
// and string value, in traversal order. Used for search indexing.
func (d *Document) PlainText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var parts []string
	collectMapText(d.doc.RootMap(), &parts)
	return strings.Join(parts, "\n")
}

func collectMapText(m *automerge.Map, parts *[]string) {
	keys, err := m.Keys()
	if err != nil {
		return
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := m.Get(k)
		if err != nil {
			continue
		}
		collectValueText(v, parts)
	}
}

func collectValueText(v *automerge.Value, parts *[]string) {
	switch v.Kind() {
	case automerge.KindMap:
		collectMapText(v.Map(), parts)
	case automerge.KindList:
		l := v.List()
		for i := 0; i < l.Len(); i++ {
			item, err := l.Get(i)
			if err != nil {
				continue
			}
			collectValueText(item, parts)
		}
	case automerge.KindText:
		if s, err := v.Text().Get(); err == nil && s != "" {
			*parts = append(*parts, s)
		}
	case automerge.KindStr:
		if s := v.Str(); s != "" {
			*parts = append(*parts, s)
		}
	}
}

func encodeHeads(heads []automerge.ChangeHash) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(heads)))
	for _, h := range heads {
		buf = append(buf, h[:]...)
	}
	return buf
}

func decodeHeads(b []byte) ([]automerge.ChangeHash, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, ErrBadStateVector
	}
	b = b[n:]
	// Bound the count before trusting count*headSize: a huge count
	// wraps the product and would pass the length check.
	if count > uint64(len(b))/headSize || uint64(len(b)) != count*headSize {
		return nil, ErrBadStateVector
	}
	heads := make([]automerge.ChangeHash, count)
	for i := range heads {
		copy(heads[i][:], b[i*headSize:(i+1)*headSize])
	}
	return heads, nil
}
