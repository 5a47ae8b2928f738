package session

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"

	"tourvision/sync/internal/awareness"
	"tourvision/sync/internal/crdt"
	"tourvision/sync/internal/protocol"
	"tourvision/sync/internal/store"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return fmt.Errorf("send queue full")
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return StateClosed
	}
	return StateOpen
}

func (c *fakeConn) received(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []protocol.Message
	r := protocol.NewReassembler()
	for _, f := range c.frames {
		complete, err := r.Feed(f)
		if err != nil {
			t.Fatalf("conn %s: reassemble: %v", c.id, err)
		}
		if complete == nil {
			continue
		}
		m, err := protocol.Decode(complete)
		if err != nil {
			t.Fatalf("conn %s: decode sent frame: %v", c.id, err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func (c *fakeConn) drop() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.DebounceWait == 0 {
		opts.DebounceWait = 10 * time.Millisecond
	}
	if opts.DebounceMaxWait == 0 {
		opts.DebounceMaxWait = 50 * time.Millisecond
	}
	s, err := newSession("trip-notes", nil, opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// encodeDocUpdate builds a valid document update frame from a peer edit.
func encodeDocUpdate(t *testing.T, text string) []byte {
	t.Helper()
	var update []byte
	peer := crdt.New(func(u []byte, _ string) { update = u })
	err := peer.Edit("peer", func(root *automerge.Map) error {
		return root.Set("body", automerge.NewText(text))
	})
	if err != nil {
		t.Fatalf("peer edit: %v", err)
	}
	return protocol.EncodeSyncUpdate(update)
}

func awarenessFrame(t *testing.T, clientID uint64, state string) []byte {
	t.Helper()
	tbl := awareness.NewTable()
	tbl.SetState(clientID, json.RawMessage(state))
	enc, err := tbl.EncodeUpdate([]uint64{clientID})
	if err != nil {
		t.Fatalf("encode awareness: %v", err)
	}
	return protocol.EncodeAwareness(enc)
}

func TestConnectSendsHandshake(t *testing.T) {
	s := newTestSession(t, Options{})
	c := newFakeConn("c1")
	s.Connect(c)

	msgs := c.received(t)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 handshake frame, got %d", len(msgs))
	}
	if _, ok := msgs[0].(protocol.SyncStep1); !ok {
		t.Errorf("expected SyncStep1, got %T", msgs[0])
	}
}

func TestConnectSendsAwarenessSnapshot(t *testing.T) {
	s := newTestSession(t, Options{})
	first := newFakeConn("c1")
	s.Connect(first)
	s.HandleFrame(first, awarenessFrame(t, 7, `{"name":"ana"}`))

	second := newFakeConn("c2")
	s.Connect(second)
	msgs := second.received(t)
	if len(msgs) != 2 {
		t.Fatalf("expected step1 plus awareness snapshot, got %d frames", len(msgs))
	}
	aw, ok := msgs[1].(protocol.Awareness)
	if !ok {
		t.Fatalf("expected Awareness, got %T", msgs[1])
	}
	ids, err := awareness.ClientIDs(aw.Update)
	if err != nil {
		t.Fatalf("client IDs: %v", err)
	}
	if !reflect.DeepEqual(ids, []uint64{7}) {
		t.Errorf("expected snapshot for [7], got %v", ids)
	}
}

func TestUpdateBroadcastSkipsOrigin(t *testing.T) {
	s := newTestSession(t, Options{})
	sender := newFakeConn("sender")
	receiver := newFakeConn("receiver")
	s.Connect(sender)
	s.Connect(receiver)
	sender.drop()
	receiver.drop()

	s.HandleFrame(sender, encodeDocUpdate(t, "hello room"))

	if msgs := sender.received(t); len(msgs) != 0 {
		t.Errorf("expected no echo to the sender, got %d frames", len(msgs))
	}
	msgs := receiver.received(t)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 broadcast frame, got %d", len(msgs))
	}
	if _, ok := msgs[0].(protocol.SyncUpdate); !ok {
		t.Errorf("expected SyncUpdate, got %T", msgs[0])
	}
	if s.PlainText() != "hello room" {
		t.Errorf("document text %q, expected %q", s.PlainText(), "hello room")
	}
}

func TestStep1AnswersWithStep2(t *testing.T) {
	s := newTestSession(t, Options{})
	editor := newFakeConn("editor")
	s.Connect(editor)
	s.HandleFrame(editor, encodeDocUpdate(t, "existing content"))

	joiner := newFakeConn("joiner")
	s.Connect(joiner)
	joiner.drop()

	// Empty state vector announces a brand-new peer.
	s.HandleFrame(joiner, protocol.EncodeSyncStep1(nil))
	msgs := joiner.received(t)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(msgs))
	}
	step2, ok := msgs[0].(protocol.SyncStep2)
	if !ok {
		t.Fatalf("expected SyncStep2, got %T", msgs[0])
	}
	peer, err := crdt.Load(step2.Update, nil)
	if err != nil {
		t.Fatalf("load step2 payload: %v", err)
	}
	if peer.PlainText() != "existing content" {
		t.Errorf("expected full state, got %q", peer.PlainText())
	}
}

func TestStep1CurrentPeerGetsNoReply(t *testing.T) {
	s := newTestSession(t, Options{})
	c := newFakeConn("c1")
	s.Connect(c)
	c.drop()

	s.HandleFrame(c, protocol.EncodeSyncStep1(s.doc.StateVector()))
	if msgs := c.received(t); len(msgs) != 0 {
		t.Errorf("expected no reply for a current peer, got %d frames", len(msgs))
	}
}

func TestDisconnectEvictsControlledAwareness(t *testing.T) {
	s := newTestSession(t, Options{})
	leaver := newFakeConn("leaver")
	stayer := newFakeConn("stayer")
	s.Connect(leaver)
	s.Connect(stayer)
	s.HandleFrame(leaver, awarenessFrame(t, 3, `{"name":"cy"}`))
	stayer.drop()

	s.Disconnect(leaver)

	if states := s.AwarenessStates(); len(states) != 0 {
		t.Errorf("expected empty presence table, got %v", states)
	}
	msgs := stayer.received(t)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 removal broadcast, got %d", len(msgs))
	}
	aw, ok := msgs[0].(protocol.Awareness)
	if !ok {
		t.Fatalf("expected Awareness, got %T", msgs[0])
	}
	ids, err := awareness.ClientIDs(aw.Update)
	if err != nil {
		t.Fatalf("decode removal: %v", err)
	}
	if !reflect.DeepEqual(ids, []uint64{3}) {
		t.Errorf("expected tombstone for [3], got %v", ids)
	}
	tbl := awareness.NewTable()
	if _, err := tbl.ApplyUpdate(aw.Update); err != nil {
		t.Fatalf("apply removal: %v", err)
	}
	if live := tbl.LiveIDs(); len(live) != 0 {
		t.Errorf("expected tombstone to carry no live state, got %v", live)
	}
}

func TestCustomHandler(t *testing.T) {
	var got string
	s := newTestSession(t, Options{
		OnCustom: func(s *Session, c Conn, payload string) {
			got = payload
			s.SendCustom(c, "pong")
		},
	})
	c := newFakeConn("c1")
	s.Connect(c)
	c.drop()

	s.HandleFrame(c, protocol.EncodeCustom("ping"))
	if got != "ping" {
		t.Fatalf("expected handler to see %q, got %q", "ping", got)
	}
	msgs := c.received(t)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(msgs))
	}
	if custom, ok := msgs[0].(protocol.Custom); !ok || custom.Payload != "pong" {
		t.Errorf("expected pong, got %#v", msgs[0])
	}
}

func TestBroadcastCustomSkipsSender(t *testing.T) {
	s := newTestSession(t, Options{})
	a := newFakeConn("a")
	b := newFakeConn("b")
	s.Connect(a)
	s.Connect(b)
	a.drop()
	b.drop()

	s.BroadcastCustom("announcement", a)
	if msgs := a.received(t); len(msgs) != 0 {
		t.Errorf("expected sender excluded, got %d frames", len(msgs))
	}
	msgs := b.received(t)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(msgs))
	}
	if custom, ok := msgs[0].(protocol.Custom); !ok || custom.Payload != "announcement" {
		t.Errorf("unexpected message %#v", msgs[0])
	}
}

func TestOversizedBroadcastIsChunked(t *testing.T) {
	s := newTestSession(t, Options{FrameLimit: 64})
	a := newFakeConn("a")
	b := newFakeConn("b")
	s.Connect(a)
	s.Connect(b)
	b.drop()

	frame := encodeDocUpdate(t, "a body long enough to exceed a sixty-four byte frame limit for certain")
	s.HandleFrame(a, frame)

	b.mu.Lock()
	raw := len(b.frames)
	for _, f := range b.frames {
		if len(f) > 64+16 {
			t.Errorf("frame of %d bytes exceeds the configured limit", len(f))
		}
	}
	b.mu.Unlock()
	if raw < 2 {
		t.Fatalf("expected chunked delivery, got %d frames", raw)
	}
	msgs := b.received(t)
	if len(msgs) != 1 {
		t.Fatalf("expected chunks to reassemble into 1 message, got %d", len(msgs))
	}
	if _, ok := msgs[0].(protocol.SyncUpdate); !ok {
		t.Errorf("expected SyncUpdate, got %T", msgs[0])
	}
}

func TestFailedSendClosesConnection(t *testing.T) {
	s := newTestSession(t, Options{})
	healthy := newFakeConn("healthy")
	broken := newFakeConn("broken")
	s.Connect(healthy)
	s.Connect(broken)
	broken.mu.Lock()
	broken.fail = true
	broken.mu.Unlock()
	healthy.drop()

	s.HandleFrame(healthy, encodeDocUpdate(t, "x"))

	broken.mu.Lock()
	closed := broken.closed
	broken.mu.Unlock()
	if !closed {
		t.Error("expected failed connection to be closed")
	}
}

func TestPersistDebounced(t *testing.T) {
	mem := store.NewMemory()
	var persisted []string
	var mu sync.Mutex
	s := newTestSession(t, Options{
		Store:           mem,
		DebounceWait:    20 * time.Millisecond,
		DebounceMaxWait: 200 * time.Millisecond,
		OnPersist: func(name, text string) {
			mu.Lock()
			persisted = append(persisted, text)
			mu.Unlock()
		},
	})
	c := newFakeConn("c1")
	s.Connect(c)

	s.HandleFrame(c, encodeDocUpdate(t, "draft"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(persisted)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("persistence never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	state, err := mem.LoadState(t.Context(), "trip-notes")
	if err != nil {
		t.Fatalf("load persisted state: %v", err)
	}
	re, err := crdt.Load(state, nil)
	if err != nil {
		t.Fatalf("reload persisted state: %v", err)
	}
	if re.PlainText() != "draft" {
		t.Errorf("persisted text %q, expected %q", re.PlainText(), "draft")
	}
	mu.Lock()
	if persisted[0] != "draft" {
		t.Errorf("indexed text %q, expected %q", persisted[0], "draft")
	}
	mu.Unlock()
}

func TestCloseFlushesPendingSave(t *testing.T) {
	mem := store.NewMemory()
	s := newTestSession(t, Options{
		Store:           mem,
		DebounceWait:    time.Hour,
		DebounceMaxWait: time.Hour,
	})
	c := newFakeConn("c1")
	s.Connect(c)
	s.HandleFrame(c, encodeDocUpdate(t, "unsaved"))

	s.Close()

	state, err := mem.LoadState(t.Context(), "trip-notes")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state == nil {
		t.Fatal("expected close to flush the pending save")
	}
	if !c.closed {
		t.Error("expected connections closed")
	}
}

func TestRollbackBroadcasts(t *testing.T) {
	s := newTestSession(t, Options{})
	c := newFakeConn("c1")
	s.Connect(c)
	s.HandleFrame(c, encodeDocUpdate(t, "keep this"))
	snapshot := s.SaveState()
	s.HandleFrame(c, encodeDocUpdate(t, "discard this"))
	c.drop()

	if err := s.Rollback(snapshot); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !bytes.Contains([]byte(s.PlainText()), []byte("keep this")) {
		t.Errorf("expected rolled-back text, got %q", s.PlainText())
	}

	// The reverting update goes out like any other edit.
	msgs := c.received(t)
	if len(msgs) == 0 {
		t.Fatal("expected rollback broadcast")
	}
	if _, ok := msgs[0].(protocol.SyncUpdate); !ok {
		t.Errorf("expected SyncUpdate, got %T", msgs[0])
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	s := newTestSession(t, Options{})
	c := newFakeConn("c1")
	s.Connect(c)

	s.HandleFrame(c, []byte{0x63})
	s.HandleFrame(c, []byte{})
	// A state vector claiming an absurd head count must be dropped,
	// not crash the read path.
	s.HandleFrame(c, protocol.EncodeSyncStep1(binary.AppendUvarint(nil, 1<<59)))

	if c.ReadyState() != StateOpen {
		t.Error("expected connection to survive malformed frames")
	}
	// The session still works afterwards.
	s.HandleFrame(c, encodeDocUpdate(t, "still here"))
	if s.PlainText() != "still here" {
		t.Errorf("expected later frames applied, got %q", s.PlainText())
	}
}
