// Package txn runs units of work inside a database transaction and defers
// side effects until the transaction has committed.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrTransactionFailed is returned by Run when the work fails or the commit
// is rejected. Nothing registered with AfterCommit runs in that case.
var ErrTransactionFailed = errors.New("transaction failed")

// Handle is the subset of *sql.Tx the manager needs.
type Handle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// Beginner opens transactions.
type Beginner interface {
	Begin(ctx context.Context) (Handle, error)
}

type state int

const (
	active state = iota
	committed
	rolledBack
)

// Tx is the transaction context handed to a unit of work. It lives only for
// the duration of the outermost Run call; once that call commits or rolls
// back the Tx is finished and FromContext no longer reports it.
type Tx struct {
	h Handle

	mu    sync.Mutex
	state state
	hooks []func()
}

// AfterCommit registers fn to run once the outermost transaction commits.
// Hooks run in registration order and are dropped on rollback. On a Tx that
// has already committed, fn runs immediately.
func (tx *Tx) AfterCommit(fn func()) {
	tx.mu.Lock()
	switch tx.state {
	case active:
		tx.hooks = append(tx.hooks, fn)
		tx.mu.Unlock()
	case committed:
		tx.mu.Unlock()
		fn()
	default:
		tx.mu.Unlock()
	}
}

func (tx *Tx) finish(s state) []func() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.state = s
	hooks := tx.hooks
	tx.hooks = nil
	return hooks
}

func (tx *Tx) done() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state != active
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.h.ExecContext(ctx, query, args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.h.QueryContext(ctx, query, args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.h.QueryRowContext(ctx, query, args...)
}

type ctxKey struct{}

// FromContext returns the transaction active in ctx, if any. A finished
// transaction still carried by ctx, as seen from an after-commit hook, is
// not active.
func FromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(ctxKey{}).(*Tx)
	if !ok || tx.done() {
		return nil, false
	}
	return tx, true
}

// WithTx returns a context carrying tx.
func WithTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// Manager runs work in transactions opened from a Beginner.
type Manager struct {
	db     Beginner
	logger *slog.Logger
}

func NewManager(db Beginner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, logger: logger}
}

// Run executes work inside a transaction. If ctx already carries a
// transaction the work joins it: nothing is committed here and hooks are
// deferred to the outer commit.
func (m *Manager) Run(ctx context.Context, work func(ctx context.Context, tx *Tx) error) error {
	if outer, ok := FromContext(ctx); ok {
		return work(ctx, outer)
	}

	h, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTransactionFailed, err)
	}
	tx := &Tx{h: h}

	if err := m.runWork(WithTx(ctx, tx), tx, work); err != nil {
		tx.finish(rolledBack)
		if rbErr := h.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			m.logger.Warn("txn: rollback failed", "err", rbErr)
		}
		return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	if err := h.Commit(); err != nil {
		tx.finish(rolledBack)
		return fmt.Errorf("%w: commit: %w", ErrTransactionFailed, err)
	}

	hooks := tx.finish(committed)
	for i, fn := range hooks {
		m.runHook(i, fn)
	}
	return nil
}

func (m *Manager) runWork(ctx context.Context, tx *Tx, work func(ctx context.Context, tx *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in transaction: %v", r)
		}
	}()
	return work(ctx, tx)
}

func (m *Manager) runHook(i int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("txn: after-commit hook panicked", "hook", i, "panic", r)
		}
	}()
	fn()
}
