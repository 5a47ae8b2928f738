package session

// ReadyState mirrors the transport connection lifecycle.
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is the entire transport contract the session layer depends on.
// Any transport with ordered frame delivery can implement it. Send must
// not block: implementations queue writes and report an error when the
// queue is full or the connection is down, at which point the session
// force-closes the connection.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Close() error
	ReadyState() ReadyState
}
