// Package events defines the persistent and ephemeral events pushed to
// clients, the envelope carried across the bus, and the recipient filters
// that decide which connections receive them.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Persistent update types.
const (
	TypeNewSession    = "new-session"
	TypeUpdateSession = "update-session"
	TypeNewMessage    = "new-message"
)

// Ephemeral event types.
const (
	TypeActivity        = "activity"
	TypeMachineActivity = "machine-activity"
	TypeMachineStatus   = "machine-status"
	TypeUsage           = "usage"
)

type Kind string

const (
	KindUpdate    Kind = "update"
	KindEphemeral Kind = "ephemeral"
)

// Update is a durable, sequence-numbered state change. It is immutable once
// emitted.
type Update struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Ephemeral is a transient status signal. It carries no sequence number and
// is never stored.
type Ephemeral struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Target describes the logical recipients of an event: always a user,
// optionally narrowed to a session or machine.
type Target struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	MachineID string `json:"machineId,omitempty"`

	// SkipConnectionID excludes one connection, usually the sender.
	SkipConnectionID string `json:"skipConnectionId,omitempty"`
}

// ErrInvalidEnvelope is returned by Validate. It marks a malformed event,
// never a transport failure.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the message published once per emit on the cluster-wide bus.
// Exactly one of Update and Ephemeral is set, matching Kind.
type Envelope struct {
	Kind      Kind       `json:"kind"`
	Target    Target     `json:"target"`
	Filter    Filter     `json:"filter"`
	Update    *Update    `json:"update,omitempty"`
	Ephemeral *Ephemeral `json:"ephemeral,omitempty"`

	// Origin is the instance id of the publishing process.
	Origin string `json:"origin,omitempty"`
}

func NewUpdateEnvelope(u *Update, target Target, filter Filter) *Envelope {
	return &Envelope{Kind: KindUpdate, Target: target, Filter: filter, Update: u}
}

func NewEphemeralEnvelope(e *Ephemeral, target Target, filter Filter) *Envelope {
	return &Envelope{Kind: KindEphemeral, Target: target, Filter: filter, Ephemeral: e}
}

func (e *Envelope) Validate() error {
	if err := e.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return nil
}

func (e *Envelope) validate() error {
	if e.Target.UserID == "" {
		return errors.New("target user required")
	}
	if !e.Filter.Known() {
		return fmt.Errorf("unknown filter %q", e.Filter)
	}
	switch e.Kind {
	case KindUpdate:
		if e.Update == nil || e.Ephemeral != nil {
			return errors.New("update kind must carry only an update")
		}
		if e.Update.UserID != e.Target.UserID {
			return errors.New("update owner does not match target user")
		}
		if e.Update.Seq <= 0 {
			return errors.New("update without sequence number")
		}
	case KindEphemeral:
		if e.Ephemeral == nil || e.Update != nil {
			return errors.New("ephemeral kind must carry only an ephemeral event")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// Type returns the event type tag of the carried event.
func (e *Envelope) Type() string {
	switch e.Kind {
	case KindUpdate:
		return e.Update.Type
	case KindEphemeral:
		return e.Ephemeral.Type
	}
	return ""
}

// frame is what a client receives over its connection.
type frame struct {
	Event Kind `json:"event"`
	Data  any  `json:"data"`
}

// Frame encodes the client-facing message for the carried event.
func (e *Envelope) Frame() ([]byte, error) {
	switch e.Kind {
	case KindUpdate:
		return json.Marshal(frame{Event: KindUpdate, Data: e.Update})
	case KindEphemeral:
		return json.Marshal(frame{Event: KindEphemeral, Data: e.Ephemeral})
	}
	return nil, fmt.Errorf("frame: unknown kind %q", e.Kind)
}

// MarshalBody encodes an opaque payload. json.RawMessage passes through.
func MarshalBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, errors.New("body is not valid JSON")
		}
		return b, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return raw, nil
}
