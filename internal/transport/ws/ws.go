// Package ws adapts websocket connections to the session layer's
// transport contract: one read pump feeding frames into the session,
// one write pump draining a bounded send queue.
package ws

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tourvision/sync/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var errConnDown = errors.New("ws: connection not open")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn implements session.Conn over a websocket.
type Conn struct {
	id     string
	ws     *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	state  atomic.Int32
	once   sync.Once
}

func newConn(wsConn *websocket.Conn) *Conn {
	c := &Conn{
		id:     uuid.NewString(),
		ws:     wsConn,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(session.StateOpen))
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) ReadyState() session.ReadyState {
	return session.ReadyState(c.state.Load())
}

// Send queues a frame without blocking. A full queue means the client
// cannot keep up; reporting an error lets the session force-close it
// rather than stall every other connection.
func (c *Conn) Send(frame []byte) error {
	if c.ReadyState() != session.StateOpen {
		return errConnDown
	}
	select {
	case <-c.done:
		return errConnDown
	case c.sendCh <- frame:
		return nil
	default:
		return errors.New("ws: send queue full")
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() {
		c.state.Store(int32(session.StateClosing))
		close(c.done)
	})
	return nil
}

// Handler upgrades requests on /ws/{doc} and binds each connection to
// its document session.
type Handler struct {
	registry *session.Registry
}

func NewHandler(registry *session.Registry) *Handler {
	return &Handler{registry: registry}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["doc"]
	if name == "" {
		http.Error(w, "missing document name", http.StatusBadRequest)
		return
	}
	sess, err := h.registry.Get(r.Context(), name)
	if err != nil {
		log.Printf("ws: open session %q: %v", name, err)
		http.Error(w, "failed to open document", http.StatusInternalServerError)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed for %q: %v", name, err)
		return
	}

	c := newConn(wsConn)
	go c.writePump()
	sess.Connect(c)
	c.readPump(sess)
}

func (c *Conn) readPump(sess *session.Session) {
	defer func() {
		sess.Disconnect(c)
		c.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read error on %s: %v", c.id, err)
			}
			return
		}
		// Custom messages arrive as text frames, protocol frames as
		// binary; the codec sorts them out either way.
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		sess.HandleFrame(c, frame)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.state.Store(int32(session.StateClosed))
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
