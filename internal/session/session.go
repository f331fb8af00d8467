package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/agent-relay/internal/db"
	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/lock"
	"github.com/zsprackett/agent-relay/internal/txn"
)

// ErrVersionMismatch is returned when a metadata update was based on a stale
// version.
var ErrVersionMismatch = errors.New("metadata version mismatch")

var adjectives = []string{
	"swift", "bright", "calm", "deep", "eager", "fair", "gentle", "happy",
	"keen", "light", "mild", "noble", "proud", "quick", "rich", "safe",
	"true", "vivid", "warm", "wise", "bold", "cool", "dark", "fast",
}

var nouns = []string{
	"fox", "owl", "wolf", "bear", "hawk", "lion", "deer", "crow",
	"dove", "seal", "swan", "hare", "lynx", "moth", "newt", "orca",
	"pike", "rook", "toad", "vole", "wren", "yak", "bass", "crab",
}

// GenerateTag returns a readable tag for sessions created without one.
func GenerateTag() string {
	adj := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	return fmt.Sprintf("%s-%s-%s", adj, noun, uuid.NewString()[:8])
}

// Emitter is the subset of the router the manager needs.
type Emitter interface {
	EmitUpdate(ctx context.Context, target events.Target, typ string, body any, filter events.Filter) (*events.Update, error)
}

const createLease = 10 * time.Second

type Manager struct {
	db      *db.DB
	txm     *txn.Manager
	locker  *lock.Locker
	emitter Emitter
}

func NewManager(store *db.DB, txm *txn.Manager, locker *lock.Locker, emitter Emitter) *Manager {
	return &Manager{db: store, txm: txm, locker: locker, emitter: emitter}
}

// Info is the session payload carried by new-session and update-session.
type Info struct {
	ID              string `json:"id"`
	Tag             string `json:"tag"`
	Seq             int64  `json:"seq"`
	Metadata        string `json:"metadata"`
	MetadataVersion int64  `json:"metadataVersion"`
	Active          bool   `json:"active"`
	ActiveAt        int64  `json:"activeAt"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

// InfoOf converts a stored session to its client payload.
func InfoOf(s *db.Session) Info {
	return Info{
		ID:              s.ID,
		Tag:             s.Tag,
		Seq:             s.Seq,
		Metadata:        s.Metadata,
		MetadataVersion: s.MetadataVersion,
		Active:          s.Active,
		ActiveAt:        s.ActiveAt.UnixMilli(),
		CreatedAt:       s.CreatedAt.UnixMilli(),
		UpdatedAt:       s.UpdatedAt.UnixMilli(),
	}
}

type CreateOptions struct {
	Tag      string
	Metadata string
}

// GetOrCreate returns the user's session with opts.Tag, creating it if
// needed. Concurrent calls for the same tag are serialized cluster-wide so
// exactly one creates the row and emits new-session. The bool reports
// whether this call created it.
func (m *Manager) GetOrCreate(ctx context.Context, userID string, opts CreateOptions) (*db.Session, bool, error) {
	tag := opts.Tag
	if tag == "" {
		tag = GenerateTag()
	}

	type result struct {
		s       *db.Session
		created bool
	}
	res, err := lock.Do(ctx, m.locker, "session-create:"+userID+":"+tag, createLease,
		func(ctx context.Context) (result, error) {
			var r result
			err := m.txm.Run(ctx, func(ctx context.Context, tx *txn.Tx) error {
				existing, err := m.db.GetSessionByTag(ctx, tx, userID, tag)
				if err == nil {
					r.s = existing
					return nil
				}
				if !errors.Is(err, db.ErrNotFound) {
					return err
				}

				now := time.Now().UTC().Truncate(time.Millisecond)
				s := &db.Session{
					ID:        uuid.NewString(),
					UserID:    userID,
					Tag:       tag,
					Metadata:  opts.Metadata,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := m.db.InsertSession(ctx, tx, s); err != nil {
					return err
				}
				_, err = m.emitter.EmitUpdate(ctx, events.Target{UserID: userID}, events.TypeNewSession,
					InfoOf(s), events.UserScopedOnly)
				if err != nil {
					return err
				}
				r = result{s: s, created: true}
				return nil
			})
			return r, err
		})
	if err != nil {
		return nil, false, err
	}
	return res.s, res.created, nil
}

func (m *Manager) Get(ctx context.Context, userID, id string) (*db.Session, error) {
	return m.db.GetSession(ctx, nil, userID, id)
}

type MessageInput struct {
	// LocalID is a client-chosen idempotency key. A repeated LocalID
	// returns the stored message without emitting again.
	LocalID string
	Content string
}

type MessageInfo struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	LocalID   string `json:"localId,omitempty"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

func MessageInfoOf(m *db.SessionMessage) MessageInfo {
	return MessageInfo{
		ID:        m.ID,
		Seq:       m.Seq,
		LocalID:   m.LocalID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
}

type NewMessageBody struct {
	SessionID string      `json:"sid"`
	Message   MessageInfo `json:"message"`
}

// AppendMessage stores a message in the session and emits new-message to
// everyone interested in it. skipConnID, when set, excludes the sending
// connection from delivery.
func (m *Manager) AppendMessage(ctx context.Context, userID, sessionID string, in MessageInput, skipConnID string) (*db.SessionMessage, error) {
	var msg *db.SessionMessage
	err := m.txm.Run(ctx, func(ctx context.Context, tx *txn.Tx) error {
		if _, err := m.db.GetSession(ctx, tx, userID, sessionID); err != nil {
			return err
		}
		if in.LocalID != "" {
			existing, err := m.db.GetSessionMessageByLocalID(ctx, tx, sessionID, in.LocalID)
			if err == nil {
				msg = existing
				return nil
			}
			if !errors.Is(err, db.ErrNotFound) {
				return err
			}
		}

		seq, err := m.db.AllocateSessionSeq(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		msg = &db.SessionMessage{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Seq:       seq,
			LocalID:   in.LocalID,
			Content:   in.Content,
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := m.db.InsertSessionMessage(ctx, tx, msg); err != nil {
			return err
		}
		body := NewMessageBody{SessionID: sessionID, Message: MessageInfoOf(msg)}
		target := events.Target{UserID: userID, SessionID: sessionID, SkipConnectionID: skipConnID}
		_, err = m.emitter.EmitUpdate(ctx, target, events.TypeNewMessage, body, events.AllInterestedInSession)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

type MetadataBody struct {
	Value   string `json:"value"`
	Version int64  `json:"version"`
}

type UpdateSessionBody struct {
	ID       string       `json:"id"`
	Metadata MetadataBody `json:"metadata"`
}

// UpdateMetadata replaces the session metadata if expected matches the
// stored version. On a mismatch it returns the current session together
// with an error wrapping ErrVersionMismatch.
func (m *Manager) UpdateMetadata(ctx context.Context, userID, sessionID, metadata string, expected int64) (*db.Session, error) {
	var out *db.Session
	err := m.txm.Run(ctx, func(ctx context.Context, tx *txn.Tx) error {
		s, err := m.db.GetSession(ctx, tx, userID, sessionID)
		if err != nil {
			return err
		}
		ok, err := m.db.UpdateSessionMetadata(ctx, tx, sessionID, metadata, expected)
		if err != nil {
			return err
		}
		if !ok {
			out = s
			return fmt.Errorf("%w: have %d, got %d", ErrVersionMismatch, s.MetadataVersion, expected)
		}
		s.Metadata = metadata
		s.MetadataVersion = expected + 1
		out = s

		body := UpdateSessionBody{ID: s.ID, Metadata: MetadataBody{Value: metadata, Version: s.MetadataVersion}}
		_, err = m.emitter.EmitUpdate(ctx, events.Target{UserID: userID, SessionID: sessionID},
			events.TypeUpdateSession, body, events.AllInterestedInSession)
		return err
	})
	if errors.Is(err, ErrVersionMismatch) {
		return out, err
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
