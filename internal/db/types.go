package db

import "time"

// UpdateRecord is a persisted, sequence-numbered update for one user.
type UpdateRecord struct {
	ID        string
	UserID    string
	Seq       int64
	Type      string
	Body      []byte
	CreatedAt time.Time
}

type Session struct {
	ID              string
	UserID          string
	Tag             string
	Seq             int64
	Metadata        string
	MetadataVersion int64
	Active          bool
	ActiveAt        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type SessionMessage struct {
	ID        string
	SessionID string
	Seq       int64
	LocalID   string
	Content   string
	CreatedAt time.Time
}
