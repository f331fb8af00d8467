package events

import "github.com/zsprackett/agent-relay/internal/registry"

// Filter names a rule mapping a Target to the connections that receive the
// event. The catalogue is closed.
type Filter string

const (
	// AllInterestedInSession: connections bound to the target session plus
	// every user-scoped connection of the user.
	AllInterestedInSession Filter = "all-interested-in-session"
	// UserScopedOnly: only user-scoped connections.
	UserScopedOnly Filter = "user-scoped-only"
	// MachineScopedOnlyPlusUserScoped: connections bound to the target
	// machine plus every user-scoped connection.
	MachineScopedOnlyPlusUserScoped Filter = "machine-scoped-only-plus-user-scoped"
	// AllUserAuthenticatedConnections: every connection of the user.
	AllUserAuthenticatedConnections Filter = "all-user-authenticated-connections"
)

func (f Filter) Known() bool {
	switch f {
	case AllInterestedInSession, UserScopedOnly, MachineScopedOnlyPlusUserScoped, AllUserAuthenticatedConnections:
		return true
	}
	return false
}

// Select returns the subset of conns that should receive an event addressed
// to target. It is a pure function; an unknown filter selects nothing.
func (f Filter) Select(target Target, conns []*registry.Connection) []*registry.Connection {
	var out []*registry.Connection
	for _, c := range conns {
		if c.UserID != target.UserID {
			continue
		}
		if target.SkipConnectionID != "" && c.ID == target.SkipConnectionID {
			continue
		}
		if f.accepts(target, c) {
			out = append(out, c)
		}
	}
	return out
}

func (f Filter) accepts(target Target, c *registry.Connection) bool {
	switch f {
	case AllInterestedInSession:
		if c.Scope == registry.ScopeUser {
			return true
		}
		return c.Scope == registry.ScopeSession && target.SessionID != "" && c.SessionID == target.SessionID
	case UserScopedOnly:
		return c.Scope == registry.ScopeUser
	case MachineScopedOnlyPlusUserScoped:
		if c.Scope == registry.ScopeUser {
			return true
		}
		return c.Scope == registry.ScopeMachine && target.MachineID != "" && c.MachineID == target.MachineID
	case AllUserAuthenticatedConnections:
		return true
	}
	return false
}
