// Package session manages one live collaboration session per document
// name: the replicated document, its presence table, the set of
// connected clients, update fan-out, and debounced persistence.
package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"tourvision/sync/internal/awareness"
	"tourvision/sync/internal/crdt"
	"tourvision/sync/internal/protocol"
	"tourvision/sync/internal/store"
)

const (
	defaultDebounceWait    = 2 * time.Second
	defaultDebounceMaxWait = 10 * time.Second
	persistTimeout         = 10 * time.Second
)

// Options configure a Registry and the sessions it creates.
type Options struct {
	// Store supplies the load/save hooks. Required.
	Store store.DocumentStore

	// DebounceWait and DebounceMaxWait tune the persistence debounce
	// (defaults 2s / 10s).
	DebounceWait    time.Duration
	DebounceMaxWait time.Duration

	// FrameLimit is the largest outbound frame sent without chunked
	// framing. Zero means protocol.DefaultFrameLimit.
	FrameLimit int

	// AwarenessTTL evicts presence entries not refreshed within the
	// window, catching clients that vanished without a clean close.
	// Zero disables the sweeper.
	AwarenessTTL time.Duration

	// OnCustom handles sentinel-prefixed application messages.
	OnCustom func(s *Session, c Conn, payload string)

	// OnPersist runs after each successful save with the document's
	// extracted plain text (search indexing).
	OnPersist func(name, text string)
}

type connState struct {
	controlled map[uint64]struct{}
	reasm      *protocol.Reassembler
}

// Session is the server-side object bound to one document name. All
// mutation of the document, the presence table, and the connection
// registry is serialized through it; connections are I/O-parallel but
// mutation-serial.
type Session struct {
	name string
	opts Options

	doc   *crdt.Document
	aware *awareness.Table

	mu     sync.Mutex
	conns  map[Conn]*connState
	closed bool

	flush *debouncer
	done  chan struct{}
}

func newSession(name string, state []byte, opts Options) (*Session, error) {
	s := &Session{
		name:  name,
		opts:  opts,
		aware: awareness.NewTable(),
		conns: make(map[Conn]*connState),
		done:  make(chan struct{}),
	}
	var err error
	if state != nil {
		s.doc, err = crdt.Load(state, s.onDocUpdate)
		if err != nil {
			return nil, err
		}
	} else {
		s.doc = crdt.New(s.onDocUpdate)
	}
	s.flush = newDebouncer(opts.DebounceWait, opts.DebounceMaxWait, s.persist)
	if opts.AwarenessTTL > 0 {
		go s.sweepLoop()
	}
	return s, nil
}

func (s *Session) Name() string { return s.name }

// Connect registers a connection and starts the handshake: our state
// vector goes out as sync step 1 so the peer can answer with exactly
// what we are missing, followed by a full presence snapshot when the
// table is non-empty.
func (s *Session) Connect(c Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c] = &connState{
		controlled: make(map[uint64]struct{}),
		reasm:      protocol.NewReassembler(),
	}
	var awarenessFrame []byte
	if ids := s.aware.LiveIDs(); len(ids) > 0 {
		if enc, err := s.aware.EncodeUpdate(ids); err == nil {
			awarenessFrame = protocol.EncodeAwareness(enc)
		}
	}
	s.mu.Unlock()

	s.send(c, protocol.EncodeSyncStep1(s.doc.StateVector()))
	if awarenessFrame != nil {
		s.send(c, awarenessFrame)
	}
}

// Disconnect removes the connection and evicts exactly the presence
// entries it controlled, broadcasting the removals to remaining peers.
func (s *Session) Disconnect(c Conn) {
	s.mu.Lock()
	st, ok := s.conns[c]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c)
	var frame []byte
	if len(st.controlled) > 0 {
		ids := make([]uint64, 0, len(st.controlled))
		for id := range st.controlled {
			ids = append(ids, id)
		}
		if change := s.aware.Remove(ids); !change.Empty() {
			if enc, err := s.aware.EncodeUpdate(change.ClientIDs()); err == nil {
				frame = protocol.EncodeAwareness(enc)
			}
		}
	}
	s.mu.Unlock()
	if frame != nil {
		s.broadcast(frame, c.ID())
	}
}

// HandleFrame routes one inbound transport frame: chunk reassembly,
// then decode, then dispatch. Protocol errors are logged and the frame
// dropped; the connection stays open.
func (s *Session) HandleFrame(c Conn, frame []byte) {
	s.mu.Lock()
	st, ok := s.conns[c]
	if !ok {
		s.mu.Unlock()
		return
	}
	complete, err := st.reasm.Feed(frame)
	s.mu.Unlock()
	if err != nil {
		log.Printf("session %s: chunk error from %s: %v", s.name, c.ID(), err)
		return
	}
	if complete == nil {
		return
	}

	msg, err := protocol.Decode(complete)
	if err != nil {
		log.Printf("session %s: bad frame from %s: %v", s.name, c.ID(), err)
		return
	}
	switch m := msg.(type) {
	case protocol.SyncStep1:
		reply, err := s.doc.Diff(m.StateVector)
		if err != nil {
			log.Printf("session %s: bad state vector from %s: %v", s.name, c.ID(), err)
			return
		}
		if len(reply) > 0 {
			s.send(c, protocol.EncodeSyncStep2(reply))
		}
	case protocol.SyncStep2:
		s.applyUpdate(c, m.Update)
	case protocol.SyncUpdate:
		s.applyUpdate(c, m.Update)
	case protocol.Awareness:
		s.applyAwareness(c, m.Update)
	case protocol.Custom:
		if s.opts.OnCustom != nil {
			s.opts.OnCustom(s, c, m.Payload)
		}
	}
}

// applyUpdate merges a remote update into the document. The document's
// own update observer drives the broadcast, so nothing more to do here;
// that keeps one code path and avoids double-sending.
func (s *Session) applyUpdate(c Conn, update []byte) {
	if err := s.doc.ApplyUpdate(update, c.ID()); err != nil {
		log.Printf("session %s: update from %s rejected: %v", s.name, c.ID(), err)
	}
}

func (s *Session) applyAwareness(c Conn, update []byte) {
	// Track every client ID this connection has spoken for, so exactly
	// those entries are evicted when it goes away.
	ids, err := awareness.ClientIDs(update)
	if err != nil {
		log.Printf("session %s: bad awareness update from %s: %v", s.name, c.ID(), err)
		return
	}
	s.mu.Lock()
	if st := s.conns[c]; st != nil {
		for _, id := range ids {
			st.controlled[id] = struct{}{}
		}
	}
	change, err := s.aware.ApplyUpdate(update)
	if err != nil || change.Empty() {
		s.mu.Unlock()
		if err != nil {
			log.Printf("session %s: bad awareness update from %s: %v", s.name, c.ID(), err)
		}
		return
	}
	// Re-derive the broadcast from the table rather than forwarding the
	// inbound bytes, so stale clocks in the update don't propagate.
	enc, err := s.aware.EncodeUpdate(change.ClientIDs())
	s.mu.Unlock()
	if err != nil {
		return
	}
	s.broadcast(protocol.EncodeAwareness(enc), c.ID())
}

// onDocUpdate is the document's single observer: it fans the update
// out to every connection except the origin and arms the persistence
// debounce.
func (s *Session) onDocUpdate(update []byte, origin string) {
	s.broadcast(protocol.EncodeSyncUpdate(update), origin)
	s.flush.Trigger()
}

// SendCustom delivers an application payload to one connection.
func (s *Session) SendCustom(c Conn, payload string) {
	s.send(c, protocol.EncodeCustom(payload))
}

// BroadcastCustom fans an application payload out to every connection,
// optionally excluding one (typically the sender).
func (s *Session) BroadcastCustom(payload string, except Conn) {
	exceptID := ""
	if except != nil {
		exceptID = except.ID()
	}
	s.broadcast(protocol.EncodeCustom(payload), exceptID)
}

// SaveState returns the current serialized document.
func (s *Session) SaveState() []byte { return s.doc.SaveState() }

// PlainText returns the document's extracted text.
func (s *Session) PlainText() string { return s.doc.PlainText() }

// AwarenessStates exposes the live presence entries.
func (s *Session) AwarenessStates() map[uint64]json.RawMessage {
	return s.aware.States()
}

// Rollback reverts the live document to the given snapshot. The
// reverting update reaches connected clients through the normal
// broadcast path.
func (s *Session) Rollback(snapshot []byte) error {
	return s.doc.ReplaceState(snapshot)
}

func (s *Session) broadcast(frame []byte, exceptID string) {
	s.mu.Lock()
	targets := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		if c.ID() != exceptID && c.ReadyState() == StateOpen {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	frames := protocol.Split(frame, s.opts.FrameLimit)
	for _, c := range targets {
		s.sendFrames(c, frames)
	}
}

func (s *Session) send(c Conn, frame []byte) {
	s.sendFrames(c, protocol.Split(frame, s.opts.FrameLimit))
}

func (s *Session) sendFrames(c Conn, frames [][]byte) {
	for _, f := range frames {
		if err := c.Send(f); err != nil {
			// Transport failure: force-close and let the transport's
			// teardown run the Disconnect cleanup.
			log.Printf("session %s: write to %s failed, closing: %v", s.name, c.ID(), err)
			c.Close()
			return
		}
	}
}

// persist saves the current state; failures are logged and the next
// debounce cycle retries with whatever the state is by then.
func (s *Session) persist() {
	state := s.doc.SaveState()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.opts.Store.SaveState(ctx, s.name, state); err != nil {
		log.Printf("session %s: save failed: %v", s.name, err)
		return
	}
	if s.opts.OnPersist != nil {
		s.opts.OnPersist(s.name, s.doc.PlainText())
	}
}

func (s *Session) sweepLoop() {
	interval := s.opts.AwarenessTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			change := s.aware.SweepStale(s.opts.AwarenessTTL)
			var frame []byte
			if !change.Empty() {
				if enc, err := s.aware.EncodeUpdate(change.ClientIDs()); err == nil {
					frame = protocol.EncodeAwareness(enc)
				}
			}
			s.mu.Unlock()
			if frame != nil {
				s.broadcast(frame, "")
			}
		}
	}
}

// Close flushes pending persistence and closes every connection.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[Conn]*connState)
	s.mu.Unlock()

	close(s.done)
	s.flush.Flush()
	s.flush.Stop()
	for _, c := range conns {
		c.Close()
	}
}
