// Package router emits persistent and ephemeral events and delivers them to
// the matching live connections of this process.
//
// Every emit is published once on the bus. Every process, the publisher
// included, receives it and filters against its own registry, so no
// directory of which process holds which connection is needed.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/agent-relay/internal/bus"
	"github.com/zsprackett/agent-relay/internal/db"
	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/metrics"
	"github.com/zsprackett/agent-relay/internal/registry"
	"github.com/zsprackett/agent-relay/internal/txn"
)

// Store allocates sequence numbers and persists updates.
type Store interface {
	AllocateUserSeq(ctx context.Context, q db.Querier, userID string) (int64, error)
	InsertUpdate(ctx context.Context, q db.Querier, u *db.UpdateRecord) error
}

type Router struct {
	store    Store
	txm      *txn.Manager
	bus      bus.Bus
	registry *registry.Registry
	instance string
	logger   *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

func New(store Store, txm *txn.Manager, b bus.Bus, reg *registry.Registry, instanceID string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    store,
		txm:      txm,
		bus:      b,
		registry: reg,
		instance: instanceID,
		logger:   logger,
		ready:    make(chan struct{}),
	}
}

// EmitUpdate records a persistent update for target.UserID and publishes it
// to the connections selected by filter.
//
// When ctx carries a transaction the sequence number is allocated and the
// update persisted inside it, and publishing is deferred until that
// transaction commits. The returned update is then not yet visible to
// anyone. Without a transaction EmitUpdate commits its own and publishes
// before returning; if only the publish fails the committed update is
// returned together with an error wrapping bus.ErrBusUnavailable.
func (r *Router) EmitUpdate(ctx context.Context, target events.Target, typ string, body any, filter events.Filter) (*events.Update, error) {
	if target.UserID == "" {
		return nil, errors.New("emit update: target user required")
	}
	if !filter.Known() {
		return nil, fmt.Errorf("emit update: unknown filter %q", filter)
	}
	raw, err := events.MarshalBody(body)
	if err != nil {
		return nil, fmt.Errorf("emit update: %w", err)
	}

	if tx, ok := txn.FromContext(ctx); ok {
		u, err := r.record(ctx, tx, target.UserID, typ, raw)
		if err != nil {
			return nil, err
		}
		env := events.NewUpdateEnvelope(u, target, filter)
		tx.AfterCommit(func() {
			metrics.UpdatesEmitted.WithLabelValues(typ).Inc()
			r.publish(context.WithoutCancel(ctx), env)
		})
		return u, nil
	}

	var u *events.Update
	err = r.txm.Run(ctx, func(ctx context.Context, tx *txn.Tx) error {
		var err error
		u, err = r.record(ctx, tx, target.UserID, typ, raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.UpdatesEmitted.WithLabelValues(typ).Inc()
	if err := r.publish(ctx, events.NewUpdateEnvelope(u, target, filter)); err != nil {
		return u, err
	}
	return u, nil
}

func (r *Router) record(ctx context.Context, tx *txn.Tx, userID, typ string, body []byte) (*events.Update, error) {
	seq, err := r.store.AllocateUserSeq(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	u := &events.Update{
		ID:        uuid.NewString(),
		UserID:    userID,
		Seq:       seq,
		Type:      typ,
		Body:      body,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	err = r.store.InsertUpdate(ctx, tx, &db.UpdateRecord{
		ID:        u.ID,
		UserID:    u.UserID,
		Seq:       u.Seq,
		Type:      u.Type,
		Body:      u.Body,
		CreatedAt: u.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// EmitEphemeral publishes a transient event. Failures are logged and never
// reach the caller. Inside a transaction the publish waits for the commit.
func (r *Router) EmitEphemeral(ctx context.Context, target events.Target, typ string, body any, filter events.Filter) {
	raw, err := events.MarshalBody(body)
	if err != nil {
		r.logger.Warn("router: dropping ephemeral", "type", typ, "err", err)
		return
	}
	env := events.NewEphemeralEnvelope(&events.Ephemeral{Type: typ, Body: raw}, target, filter)
	if err := env.Validate(); err != nil {
		r.logger.Warn("router: dropping ephemeral", "type", typ, "err", err)
		return
	}
	send := func() {
		metrics.EphemeralsEmitted.WithLabelValues(typ).Inc()
		r.publish(context.WithoutCancel(ctx), env)
	}
	if tx, ok := txn.FromContext(ctx); ok {
		tx.AfterCommit(send)
		return
	}
	send()
}

func (r *Router) publish(ctx context.Context, env *events.Envelope) error {
	env.Origin = r.instance
	err := r.bus.Publish(ctx, env)
	if err == nil {
		return nil
	}
	if errors.Is(err, events.ErrInvalidEnvelope) {
		r.logger.Error("router: refusing malformed envelope", "kind", env.Kind, "type", env.Type(), "err", err)
		return err
	}
	metrics.PublishFailures.WithLabelValues(string(env.Kind)).Inc()
	attrs := []any{"kind", env.Kind, "type", env.Type(), "user", env.Target.UserID, "err", err}
	if env.Update != nil {
		attrs = append(attrs, "seq", env.Update.Seq)
	}
	r.logger.Warn("router: publish failed", attrs...)
	if !errors.Is(err, bus.ErrBusUnavailable) {
		err = fmt.Errorf("%w: %w", bus.ErrBusUnavailable, err)
	}
	return err
}

// Start subscribes to the bus and delivers every received envelope locally.
// It blocks until ctx is done.
func (r *Router) Start(ctx context.Context) error {
	return r.bus.Subscribe(ctx, func(ctx context.Context, env *events.Envelope) {
		metrics.BusReceived.Inc()
		r.Deliver(env)
	}, func() {
		r.readyOnce.Do(func() { close(r.ready) })
	})
}

// Ready is closed once Start's bus subscription is confirmed. Connections
// accepted before then could miss envelopes published in the gap.
func (r *Router) Ready() <-chan struct{} {
	return r.ready
}

// Deliver pushes env to the local connections its filter selects and
// returns how many accepted it. Unreachable connections are skipped.
func (r *Router) Deliver(env *events.Envelope) int {
	conns := r.registry.Query(registry.Query{UserID: env.Target.UserID})
	recipients := env.Filter.Select(env.Target, conns)
	if len(recipients) == 0 {
		return 0
	}
	frame, err := env.Frame()
	if err != nil {
		r.logger.Error("router: encode frame", "kind", env.Kind, "err", err)
		return 0
	}

	delivered := 0
	for _, c := range recipients {
		if err := c.Send(frame); err != nil {
			metrics.DeliveryFailures.Inc()
			r.logger.Debug("router: recipient unreachable", "conn", c.ID, "user", c.UserID, "err", err)
			continue
		}
		delivered++
	}
	metrics.Deliveries.WithLabelValues(string(env.Kind)).Add(float64(delivered))
	return delivered
}
