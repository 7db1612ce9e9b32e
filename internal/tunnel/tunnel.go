// Package tunnel owns the connection-id -> target-socket table for the
// agent session: at most one target socket per connection id, with
// idempotent, exactly-once close semantics.
package tunnel

import (
	"fmt"
	"net"
	"sync"
)

// State is the lifecycle state of a Tunnel entry.
type State int32

const (
	StateDialing State = iota
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "DIALING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Tunnel is the per-connection-id state the table owns exclusively while
// the entry exists.
type Tunnel struct {
	ID     uint32
	Conn   net.Conn
	Target string

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

// State returns the tunnel's current lifecycle state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tunnel) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// closeSocket closes the underlying socket exactly once, regardless of how
// many times it is called.
func (t *Tunnel) closeSocket() {
	t.closeOnce.Do(func() {
		t.Conn.Close()
	})
}

// ErrAlreadyOpen is returned by Open when the orchestrator reuses a
// connection id that is still live — a protocol violation.
var ErrAlreadyOpen = fmt.Errorf("tunnel: connection id already open")

// Table is a concurrency-safe id -> Tunnel map. It is the sole component
// permitted to close target sockets (§4.4): every removal path below closes
// the socket right after removing the entry, and every close is routed
// through closeSocket so a socket is never closed twice.
type Table struct {
	mu  sync.RWMutex
	set map[uint32]*Tunnel
}

// New creates an empty tunnel table.
func New() *Table {
	return &Table{set: make(map[uint32]*Tunnel)}
}

// Open inserts a new tunnel for id. It fails with ErrAlreadyOpen if id is
// already present; the caller is responsible for closing the just-dialed
// socket in that case, since the table never took ownership of it.
func (t *Table) Open(id uint32, conn net.Conn, target string) (*Tunnel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.set[id]; exists {
		return nil, ErrAlreadyOpen
	}

	tun := &Tunnel{ID: id, Conn: conn, Target: target, state: StateOpen}
	t.set[id] = tun
	return tun, nil
}

// Get returns the tunnel for id, or nil if none exists.
func (t *Table) Get(id uint32) *Tunnel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.set[id]
}

// Close removes id from the table and closes its socket idempotently. It
// reports whether an entry was actually present (false means DATA/CLOSE for
// an unknown id — a no-op per §8).
func (t *Table) Close(id uint32) (*Tunnel, bool) {
	t.mu.Lock()
	tun, ok := t.set[id]
	if ok {
		delete(t.set, id)
	}
	t.mu.Unlock()

	if !ok {
		return nil, false
	}

	tun.setState(StateClosing)
	tun.closeSocket()
	return tun, true
}

// AllTunnels returns a snapshot of every live tunnel, for building the
// event loop's ready-set or for bulk teardown.
func (t *Table) AllTunnels() []*Tunnel {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Tunnel, 0, len(t.set))
	for _, tun := range t.set {
		out = append(out, tun)
	}
	return out
}

// Len reports the number of live tunnels.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.set)
}

// CloseAll tears down every tunnel in the table (used on session shutdown,
// §4.7) and returns how many were closed. No CLOSE frame accompanies this —
// the control channel is assumed gone or going away.
func (t *Table) CloseAll() int {
	t.mu.Lock()
	all := t.set
	t.set = make(map[uint32]*Tunnel)
	t.mu.Unlock()

	for _, tun := range all {
		tun.setState(StateClosing)
		tun.closeSocket()
	}
	return len(all)
}
