// Package presence tracks session and machine heartbeats and turns them into
// activity ephemerals. Entries that stop beating are swept and reported
// inactive.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/agent-relay/internal/db"
	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/txn"
)

// Emitter is the subset of the router the tracker needs.
type Emitter interface {
	EmitEphemeral(ctx context.Context, target events.Target, typ string, body any, filter events.Filter)
}

type Store interface {
	GetSession(ctx context.Context, q db.Querier, userID, id string) (*db.Session, error)
	SetSessionActive(ctx context.Context, q db.Querier, id string, active bool, at time.Time) error
}

type SessionActivity struct {
	ID       string `json:"id"`
	Active   bool   `json:"active"`
	ActiveAt int64  `json:"activeAt"`
	Thinking bool   `json:"thinking,omitempty"`
}

type MachineActivity struct {
	ID       string `json:"id"`
	Active   bool   `json:"active"`
	ActiveAt int64  `json:"activeAt"`
}

type MachineStatus struct {
	MachineID string `json:"machineId"`
	Online    bool   `json:"online"`
	Timestamp int64  `json:"timestamp"`
}

type entry struct {
	userID   string
	id       string
	lastSeen time.Time
}

type Tracker struct {
	store    Store
	txm      *txn.Manager
	emitter  Emitter
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	machines map[string]*entry

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(store Store, txm *txn.Manager, emitter Emitter, timeout, interval time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    store,
		txm:      txm,
		emitter:  emitter,
		timeout:  timeout,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		sessions: make(map[string]*entry),
		machines: make(map[string]*entry),
		stop:     make(chan struct{}),
	}
}

// NewWithClock creates a Tracker with an injectable clock. Used in tests.
func NewWithClock(store Store, txm *txn.Manager, emitter Emitter, timeout time.Duration, logger *slog.Logger, now func() time.Time) *Tracker {
	t := New(store, txm, emitter, timeout, timeout, logger)
	t.now = now
	return t
}

func (t *Tracker) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}()
}

func (t *Tracker) Stop() {
	close(t.stop)
	t.wg.Wait()
}

// RunOnce runs a single sweep synchronously. Used in tests.
func (t *Tracker) RunOnce() {
	t.sweep()
}

// clamp replaces client timestamps from the future with now and reports
// whether at is still fresh.
func (t *Tracker) clamp(at time.Time) (time.Time, bool) {
	now := t.now()
	if at.IsZero() || at.After(now) {
		return now, true
	}
	return at, now.Sub(at) <= t.timeout
}

// SessionAlive records a heartbeat for sessionID. The first heartbeat after
// a period of inactivity marks the session active in the database.
func (t *Tracker) SessionAlive(ctx context.Context, userID, sessionID string, at time.Time, thinking bool) error {
	at, fresh := t.clamp(at)
	if !fresh {
		return nil
	}

	// Keyed by owner as well, so a heartbeat from another user never rides on
	// the owner's entry and always goes through the ownership check.
	key := userID + "/" + sessionID
	t.mu.Lock()
	e, tracked := t.sessions[key]
	if tracked {
		if at.After(e.lastSeen) {
			e.lastSeen = at
		}
	}
	t.mu.Unlock()

	if !tracked {
		err := t.txm.Run(ctx, func(ctx context.Context, tx *txn.Tx) error {
			if _, err := t.store.GetSession(ctx, tx, userID, sessionID); err != nil {
				return err
			}
			return t.store.SetSessionActive(ctx, tx, sessionID, true, at)
		})
		if err != nil {
			return err
		}
		t.mu.Lock()
		if e, ok := t.sessions[key]; ok {
			if at.After(e.lastSeen) {
				e.lastSeen = at
			}
		} else {
			t.sessions[key] = &entry{userID: userID, id: sessionID, lastSeen: at}
		}
		t.mu.Unlock()
		t.logger.Debug("presence: session active", "user", userID, "session", sessionID)
	}

	t.emitter.EmitEphemeral(ctx, events.Target{UserID: userID, SessionID: sessionID}, events.TypeActivity,
		SessionActivity{ID: sessionID, Active: true, ActiveAt: at.UnixMilli(), Thinking: thinking},
		events.UserScopedOnly)
	return nil
}

// MachineAlive records a heartbeat for machineID.
func (t *Tracker) MachineAlive(ctx context.Context, userID, machineID string, at time.Time) {
	at, fresh := t.clamp(at)
	if !fresh {
		return
	}

	key := userID + "/" + machineID
	t.mu.Lock()
	e, tracked := t.machines[key]
	if !tracked {
		t.machines[key] = &entry{userID: userID, id: machineID, lastSeen: at}
	} else if at.After(e.lastSeen) {
		e.lastSeen = at
	}
	t.mu.Unlock()

	target := events.Target{UserID: userID, MachineID: machineID}
	if !tracked {
		t.emitter.EmitEphemeral(ctx, target, events.TypeMachineStatus,
			MachineStatus{MachineID: machineID, Online: true, Timestamp: at.UnixMilli()},
			events.MachineScopedOnlyPlusUserScoped)
	}
	t.emitter.EmitEphemeral(ctx, target, events.TypeMachineActivity,
		MachineActivity{ID: machineID, Active: true, ActiveAt: at.UnixMilli()},
		events.UserScopedOnly)
}

// Tracked reports how many sessions and machines are currently active.
func (t *Tracker) Tracked() (sessions, machines int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions), len(t.machines)
}

func (t *Tracker) sweep() {
	now := t.now()
	var staleSessions, staleMachines []*entry

	t.mu.Lock()
	for k, e := range t.sessions {
		if now.Sub(e.lastSeen) > t.timeout {
			staleSessions = append(staleSessions, e)
			delete(t.sessions, k)
		}
	}
	for k, e := range t.machines {
		if now.Sub(e.lastSeen) > t.timeout {
			staleMachines = append(staleMachines, e)
			delete(t.machines, k)
		}
	}
	t.mu.Unlock()

	ctx := context.Background()
	for _, e := range staleSessions {
		err := t.txm.Run(ctx, func(ctx context.Context, tx *txn.Tx) error {
			if err := t.store.SetSessionActive(ctx, tx, e.id, false, e.lastSeen); err != nil {
				return err
			}
			t.emitter.EmitEphemeral(ctx, events.Target{UserID: e.userID, SessionID: e.id}, events.TypeActivity,
				SessionActivity{ID: e.id, Active: false, ActiveAt: e.lastSeen.UnixMilli()},
				events.UserScopedOnly)
			return nil
		})
		if err != nil {
			t.logger.Warn("presence: mark session inactive", "session", e.id, "err", err)
			continue
		}
		t.logger.Debug("presence: session inactive", "user", e.userID, "session", e.id)
	}
	for _, e := range staleMachines {
		t.emitter.EmitEphemeral(ctx, events.Target{UserID: e.userID, MachineID: e.id}, events.TypeMachineStatus,
			MachineStatus{MachineID: e.id, Online: false, Timestamp: now.UnixMilli()},
			events.MachineScopedOnlyPlusUserScoped)
		t.logger.Debug("presence: machine offline", "user", e.userID, "machine", e.id)
	}
}
