package events_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/registry"
)

func conn(t *testing.T, id string, scope registry.Scope, user, session, machine string) *registry.Connection {
	t.Helper()
	c, err := registry.NewConnection(id, scope, user, session, machine, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func ids(conns []*registry.Connection) []string {
	out := []string{}
	for _, c := range conns {
		out = append(out, c.ID)
	}
	return out
}

func TestFilterSelect(t *testing.T) {
	conns := []*registry.Connection{
		conn(t, "user-a", registry.ScopeUser, "u1", "", ""),
		conn(t, "user-b", registry.ScopeUser, "u1", "", ""),
		conn(t, "sess-1", registry.ScopeSession, "u1", "s1", ""),
		conn(t, "sess-2", registry.ScopeSession, "u1", "s2", ""),
		conn(t, "mach-1", registry.ScopeMachine, "u1", "", "m1"),
		conn(t, "mach-2", registry.ScopeMachine, "u1", "", "m2"),
		conn(t, "other", registry.ScopeUser, "u2", "", ""),
	}

	tests := []struct {
		name   string
		filter events.Filter
		target events.Target
		want   []string
	}{
		{
			name:   "all interested in session",
			filter: events.AllInterestedInSession,
			target: events.Target{UserID: "u1", SessionID: "s1"},
			want:   []string{"user-a", "user-b", "sess-1"},
		},
		{
			name:   "all interested without session",
			filter: events.AllInterestedInSession,
			target: events.Target{UserID: "u1"},
			want:   []string{"user-a", "user-b"},
		},
		{
			name:   "user scoped only",
			filter: events.UserScopedOnly,
			target: events.Target{UserID: "u1", SessionID: "s1"},
			want:   []string{"user-a", "user-b"},
		},
		{
			name:   "machine plus user",
			filter: events.MachineScopedOnlyPlusUserScoped,
			target: events.Target{UserID: "u1", MachineID: "m2"},
			want:   []string{"user-a", "user-b", "mach-2"},
		},
		{
			name:   "all user connections",
			filter: events.AllUserAuthenticatedConnections,
			target: events.Target{UserID: "u1"},
			want:   []string{"user-a", "user-b", "sess-1", "sess-2", "mach-1", "mach-2"},
		},
		{
			name:   "skip sender",
			filter: events.AllInterestedInSession,
			target: events.Target{UserID: "u1", SessionID: "s1", SkipConnectionID: "sess-1"},
			want:   []string{"user-a", "user-b"},
		},
		{
			name:   "other user",
			filter: events.AllUserAuthenticatedConnections,
			target: events.Target{UserID: "u2"},
			want:   []string{"other"},
		},
		{
			name:   "unknown filter",
			filter: events.Filter("everyone"),
			target: events.Target{UserID: "u1"},
			want:   []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(tt.filter.Select(tt.target, conns))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("select (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUserScopedOnly_TwoOfThree(t *testing.T) {
	conns := []*registry.Connection{
		conn(t, "a", registry.ScopeUser, "u1", "", ""),
		conn(t, "b", registry.ScopeUser, "u1", "", ""),
		conn(t, "c", registry.ScopeSession, "u1", "s1", ""),
	}
	got := events.UserScopedOnly.Select(events.Target{UserID: "u1"}, conns)
	if diff := cmp.Diff([]string{"a", "b"}, ids(got)); diff != "" {
		t.Errorf("select (-want +got):\n%s", diff)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	upd := &events.Update{ID: "x", UserID: "u1", Seq: 1, Type: events.TypeNewMessage, Body: json.RawMessage(`{}`)}
	eph := &events.Ephemeral{Type: events.TypeActivity, Body: json.RawMessage(`{}`)}
	target := events.Target{UserID: "u1", SessionID: "s1"}

	tests := []struct {
		name    string
		env     *events.Envelope
		wantErr bool
	}{
		{"update", events.NewUpdateEnvelope(upd, target, events.AllInterestedInSession), false},
		{"ephemeral", events.NewEphemeralEnvelope(eph, target, events.UserScopedOnly), false},
		{"missing user", events.NewEphemeralEnvelope(eph, events.Target{}, events.UserScopedOnly), true},
		{"unknown filter", events.NewEphemeralEnvelope(eph, target, "nobody"), true},
		{"both variants", &events.Envelope{Kind: events.KindUpdate, Target: target, Filter: events.UserScopedOnly, Update: upd, Ephemeral: eph}, true},
		{"update without body", &events.Envelope{Kind: events.KindUpdate, Target: target, Filter: events.UserScopedOnly}, true},
		{"owner mismatch", events.NewUpdateEnvelope(upd, events.Target{UserID: "u2"}, events.UserScopedOnly), true},
		{"no seq", events.NewUpdateEnvelope(&events.Update{UserID: "u1"}, target, events.UserScopedOnly), true},
		{"unknown kind", &events.Envelope{Kind: "other", Target: target, Filter: events.UserScopedOnly}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, events.ErrInvalidEnvelope) {
				t.Errorf("expected ErrInvalidEnvelope, got %v", err)
			}
		})
	}
}

func TestEnvelopeFrame(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := events.NewUpdateEnvelope(&events.Update{
		ID:        "upd-1",
		UserID:    "u1",
		Seq:       7,
		Type:      events.TypeNewSession,
		Body:      json.RawMessage(`{"sid":"s1"}`),
		CreatedAt: created,
	}, events.Target{UserID: "u1"}, events.UserScopedOnly)

	raw, err := env.Frame()
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Event string `json:"event"`
		Data  struct {
			ID   string          `json:"id"`
			Seq  int64           `json:"seq"`
			Type string          `json:"type"`
			Body json.RawMessage `json:"body"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if got.Event != "update" {
		t.Errorf("event: got %q want %q", got.Event, "update")
	}
	if got.Data.Seq != 7 || got.Data.Type != events.TypeNewSession {
		t.Errorf("data: got %+v", got.Data)
	}
	if string(got.Data.Body) != `{"sid":"s1"}` {
		t.Errorf("body: got %s", got.Data.Body)
	}

	eph := events.NewEphemeralEnvelope(&events.Ephemeral{Type: events.TypeUsage, Body: json.RawMessage(`1`)},
		events.Target{UserID: "u1"}, events.UserScopedOnly)
	raw, err = eph.Frame()
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"event":"ephemeral","data":{"type":"usage","body":1}}` {
		t.Errorf("ephemeral frame: got %s", raw)
	}
}

func TestMarshalBody(t *testing.T) {
	raw, err := events.MarshalBody(map[string]int{"a": 1})
	if err != nil || string(raw) != `{"a":1}` {
		t.Errorf("map body: got %s, %v", raw, err)
	}
	raw, err = events.MarshalBody(json.RawMessage(`[1,2]`))
	if err != nil || string(raw) != `[1,2]` {
		t.Errorf("raw body: got %s, %v", raw, err)
	}
	if _, err := events.MarshalBody(json.RawMessage(`{`)); err == nil {
		t.Error("expected error for invalid raw body")
	}
	if _, err := events.MarshalBody(make(chan int)); err == nil {
		t.Error("expected error for unmarshalable body")
	}
}
