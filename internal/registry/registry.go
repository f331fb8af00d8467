// Package registry tracks the live connections accepted by this process.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zsprackett/agent-relay/internal/metrics"
)

// ErrUnreachable is returned by a Sender when the connection can no longer
// accept frames. Delivery treats it as "recipient currently unreachable".
var ErrUnreachable = errors.New("recipient unreachable")

// ErrSlowConsumer is returned when a connection's send buffer is full.
var ErrSlowConsumer = fmt.Errorf("%w: send buffer full", ErrUnreachable)

type Scope string

const (
	ScopeUser    Scope = "user-scoped"
	ScopeSession Scope = "session-scoped"
	ScopeMachine Scope = "machine-scoped"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeUser, ScopeSession, ScopeMachine:
		return true
	}
	return false
}

// Sender pushes an encoded frame to the client. Implementations must be safe
// for concurrent use and must not block on a slow client.
type Sender interface {
	Send(frame []byte) error
}

// Connection is one live client channel. Its scope and identity never change
// after creation.
type Connection struct {
	ID        string
	Scope     Scope
	UserID    string
	SessionID string
	MachineID string

	sender Sender
}

// NewConnection validates that the bound session or machine id is present
// exactly when the scope requires it.
func NewConnection(id string, scope Scope, userID, sessionID, machineID string, sender Sender) (*Connection, error) {
	if id == "" {
		return nil, errors.New("connection id required")
	}
	if userID == "" {
		return nil, errors.New("user id required")
	}
	switch scope {
	case ScopeUser:
		if sessionID != "" || machineID != "" {
			return nil, errors.New("user-scoped connection cannot bind a session or machine")
		}
	case ScopeSession:
		if sessionID == "" || machineID != "" {
			return nil, errors.New("session-scoped connection requires exactly a session id")
		}
	case ScopeMachine:
		if machineID == "" || sessionID != "" {
			return nil, errors.New("machine-scoped connection requires exactly a machine id")
		}
	default:
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
	return &Connection{
		ID:        id,
		Scope:     scope,
		UserID:    userID,
		SessionID: sessionID,
		MachineID: machineID,
		sender:    sender,
	}, nil
}

// Send pushes frame to the client. A connection without a sender is
// unreachable.
func (c *Connection) Send(frame []byte) error {
	if c.sender == nil {
		return ErrUnreachable
	}
	return c.sender.Send(frame)
}

// Query selects connections. An empty Scope matches every scope; ID narrows
// session- or machine-scoped connections to one bound id.
type Query struct {
	Scope  Scope
	UserID string
	ID     string
}

func (q Query) matches(c *Connection) bool {
	if c.UserID != q.UserID {
		return false
	}
	if q.Scope != "" && c.Scope != q.Scope {
		return false
	}
	if q.ID == "" {
		return true
	}
	switch c.Scope {
	case ScopeSession:
		return c.SessionID == q.ID
	case ScopeMachine:
		return c.MachineID == q.ID
	}
	return false
}

type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection
}

func New() *Registry {
	return &Registry{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Register adds c, replacing any connection with the same id.
func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byID[c.ID]; ok {
		r.removeLocked(prev)
	}
	r.byID[c.ID] = c
	conns := r.byUser[c.UserID]
	if conns == nil {
		conns = make(map[string]*Connection)
		r.byUser[c.UserID] = conns
	}
	conns[c.ID] = c
	metrics.Connections.WithLabelValues(string(c.Scope)).Inc()
}

// Unregister removes the connection with id. It reports whether anything was
// removed; removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return false
	}
	r.removeLocked(c)
	return true
}

func (r *Registry) removeLocked(c *Connection) {
	delete(r.byID, c.ID)
	if conns := r.byUser[c.UserID]; conns != nil {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	metrics.Connections.WithLabelValues(string(c.Scope)).Dec()
}

// Query returns a point-in-time snapshot of the matching connections,
// ordered by id.
func (r *Registry) Query(q Query) []*Connection {
	r.mu.RLock()
	var out []*Connection
	for _, c := range r.byUser[q.UserID] {
		if q.matches(c) {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the connection with id, if registered.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
