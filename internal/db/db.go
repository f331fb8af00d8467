package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/zsprackett/agent-relay/internal/txn"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Querier is implemented by *sql.DB, *sql.Tx and *txn.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type DB struct {
	sql    *sql.DB
	driver string
}

// Open connects to a sqlite file (or ":memory:") or, with driver "pgx", a
// postgres DSN shared by every server process.
func Open(driver, dsn string) (*DB, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	switch driver {
	case DriverSQLite:
		conn.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA foreign_keys = ON",
		} {
			if _, err := conn.Exec(pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	case DriverPostgres:
		if err := conn.Ping(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
	default:
		conn.Close()
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	return &DB{sql: conn, driver: driver}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

// Begin implements txn.Beginner.
func (d *DB) Begin(ctx context.Context) (txn.Handle, error) {
	return d.sql.BeginTx(ctx, nil)
}

func (d *DB) Migrate() error {
	stmts := []struct{ name, sql string }{
		{"accounts", `
			CREATE TABLE IF NOT EXISTS accounts (
				id         TEXT PRIMARY KEY,
				seq        BIGINT NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL
			)`},
		{"updates", `
			CREATE TABLE IF NOT EXISTS updates (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL,
				seq        BIGINT NOT NULL,
				type       TEXT NOT NULL,
				body       TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				UNIQUE (user_id, seq)
			)`},
		{"sessions", `
			CREATE TABLE IF NOT EXISTS sessions (
				id               TEXT PRIMARY KEY,
				user_id          TEXT NOT NULL,
				tag              TEXT NOT NULL,
				seq              BIGINT NOT NULL DEFAULT 0,
				metadata         TEXT NOT NULL DEFAULT '',
				metadata_version BIGINT NOT NULL DEFAULT 0,
				active           INTEGER NOT NULL DEFAULT 0,
				active_at        BIGINT NOT NULL DEFAULT 0,
				created_at       BIGINT NOT NULL,
				updated_at       BIGINT NOT NULL,
				UNIQUE (user_id, tag)
			)`},
		{"session_messages", `
			CREATE TABLE IF NOT EXISTS session_messages (
				id         TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				seq        BIGINT NOT NULL,
				local_id   TEXT NOT NULL DEFAULT '',
				content    TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				UNIQUE (session_id, seq)
			)`},
		{"idx_session_messages_local", `
			CREATE INDEX IF NOT EXISTS idx_session_messages_local
			ON session_messages(session_id, local_id)`},
	}
	for _, s := range stmts {
		if _, err := d.sql.Exec(s.sql); err != nil {
			return fmt.Errorf("create %s: %w", s.name, err)
		}
	}
	return nil
}

// q returns q, or the pool when no transaction is supplied.
func (d *DB) q(q Querier) Querier {
	if q == nil {
		return d.sql
	}
	return q
}

// rebind rewrites ? placeholders to $n for postgres.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// AllocateUserSeq returns the next update sequence number for userID. It must
// run inside the transaction that persists the numbered update: the row stays
// locked until commit, and a rollback discards the increment.
func (d *DB) AllocateUserSeq(ctx context.Context, q Querier, userID string) (int64, error) {
	var seq int64
	err := d.q(q).QueryRowContext(ctx, d.rebind(`
		INSERT INTO accounts (id, seq, created_at) VALUES (?, 1, ?)
		ON CONFLICT (id) DO UPDATE SET seq = accounts.seq + 1
		RETURNING seq`), userID, time.Now().UnixMilli()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate user seq: %w", err)
	}
	return seq, nil
}

// LastUserSeq returns the most recently allocated sequence number for userID,
// or 0 if none was ever allocated.
func (d *DB) LastUserSeq(ctx context.Context, q Querier, userID string) (int64, error) {
	var seq int64
	err := d.q(q).QueryRowContext(ctx, d.rebind(`SELECT seq FROM accounts WHERE id = ?`), userID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (d *DB) InsertUpdate(ctx context.Context, q Querier, u *UpdateRecord) error {
	_, err := d.q(q).ExecContext(ctx, d.rebind(`
		INSERT INTO updates (id, user_id, seq, type, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		u.ID, u.UserID, u.Seq, u.Type, string(u.Body), u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	return nil
}

// UpdatesSince returns the persisted updates for userID with seq > after, in
// sequence order. Clients use it to resynchronize after missing pushes.
func (d *DB) UpdatesSince(ctx context.Context, q Querier, userID string, after int64, limit int) ([]*UpdateRecord, error) {
	rows, err := d.q(q).QueryContext(ctx, d.rebind(`
		SELECT id, user_id, seq, type, body, created_at
		FROM updates
		WHERE user_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?`), userID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []*UpdateRecord
	for rows.Next() {
		var u UpdateRecord
		var body string
		var createdAt int64
		if err := rows.Scan(&u.ID, &u.UserID, &u.Seq, &u.Type, &body, &createdAt); err != nil {
			return nil, err
		}
		u.Body = []byte(body)
		u.CreatedAt = time.UnixMilli(createdAt)
		updates = append(updates, &u)
	}
	return updates, rows.Err()
}

const sessionColumns = `id, user_id, tag, seq, metadata, metadata_version, active, active_at, created_at, updated_at`

func (d *DB) InsertSession(ctx context.Context, q Querier, s *Session) error {
	_, err := d.q(q).ExecContext(ctx, d.rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.UserID, s.Tag, s.Seq, s.Metadata, s.MetadataVersion,
		boolToInt(s.Active), s.ActiveAt.UnixMilli(), s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (d *DB) GetSession(ctx context.Context, q Querier, userID, id string) (*Session, error) {
	row := d.q(q).QueryRowContext(ctx, d.rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND user_id = ?`), id, userID)
	return scanSession(row)
}

func (d *DB) GetSessionByTag(ctx context.Context, q Querier, userID, tag string) (*Session, error) {
	row := d.q(q).QueryRowContext(ctx, d.rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND tag = ?`), userID, tag)
	return scanSession(row)
}

// AllocateSessionSeq returns the next message number within a session.
func (d *DB) AllocateSessionSeq(ctx context.Context, q Querier, sessionID string) (int64, error) {
	var seq int64
	err := d.q(q).QueryRowContext(ctx, d.rebind(`
		UPDATE sessions SET seq = seq + 1, updated_at = ?
		WHERE id = ?
		RETURNING seq`), time.Now().UnixMilli(), sessionID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("allocate session seq: %w", err)
	}
	return seq, nil
}

// UpdateSessionMetadata replaces the metadata if the stored version equals
// expected. It reports false when the version check fails.
func (d *DB) UpdateSessionMetadata(ctx context.Context, q Querier, id, metadata string, expected int64) (bool, error) {
	res, err := d.q(q).ExecContext(ctx, d.rebind(`
		UPDATE sessions SET metadata = ?, metadata_version = metadata_version + 1, updated_at = ?
		WHERE id = ? AND metadata_version = ?`),
		metadata, time.Now().UnixMilli(), id, expected)
	if err != nil {
		return false, fmt.Errorf("update session metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *DB) SetSessionActive(ctx context.Context, q Querier, id string, active bool, at time.Time) error {
	_, err := d.q(q).ExecContext(ctx, d.rebind(`
		UPDATE sessions SET active = ?, active_at = ? WHERE id = ?`),
		boolToInt(active), at.UnixMilli(), id)
	return err
}

func (d *DB) InsertSessionMessage(ctx context.Context, q Querier, m *SessionMessage) error {
	_, err := d.q(q).ExecContext(ctx, d.rebind(`
		INSERT INTO session_messages (id, session_id, seq, local_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		m.ID, m.SessionID, m.Seq, m.LocalID, m.Content, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session message: %w", err)
	}
	return nil
}

// GetSessionMessageByLocalID finds a message by its client idempotency key.
func (d *DB) GetSessionMessageByLocalID(ctx context.Context, q Querier, sessionID, localID string) (*SessionMessage, error) {
	var m SessionMessage
	var createdAt int64
	err := d.q(q).QueryRowContext(ctx, d.rebind(`
		SELECT id, session_id, seq, local_id, content, created_at
		FROM session_messages WHERE session_id = ? AND local_id = ?`), sessionID, localID).
		Scan(&m.ID, &m.SessionID, &m.Seq, &m.LocalID, &m.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdAt)
	return &m, nil
}

// rowScanner is implemented by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var active int
	var activeAt, createdAt, updatedAt int64
	err := row.Scan(
		&s.ID, &s.UserID, &s.Tag, &s.Seq, &s.Metadata, &s.MetadataVersion,
		&active, &activeAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Active = active == 1
	s.ActiveAt = time.UnixMilli(activeAt)
	s.CreatedAt = time.UnixMilli(createdAt)
	s.UpdatedAt = time.UnixMilli(updatedAt)
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
