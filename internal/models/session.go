package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is one play-through of a game.
type Session struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	Hash          string        `db:"hash" json:"hash"`
	UserID        uuid.NullUUID `db:"user_id" json:"-"` // invalid for anonymous plays
	GameID        uuid.UUID     `db:"game_id" json:"gameId"`
	AgentID       string        `db:"agent_id" json:"assistant"`
	ThreadID      string        `db:"thread_id" json:"thread"`
	Model         string        `db:"model" json:"model"`
	Instructions  string        `db:"instructions" json:"-"`
	CredentialRef string        `db:"credential_ref" json:"-"`
	CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
}

// IsAnonymous reports whether the session was started from a public game hash.
func (s *Session) IsAnonymous() bool {
	return !s.UserID.Valid
}

// CanBeManagedBy reports whether requester may act on the session.
// Anonymous sessions are managed by whoever holds the hash.
func (s *Session) CanBeManagedBy(requester uuid.UUID) bool {
	if s.IsAnonymous() {
		return true
	}
	return requester != uuid.Nil && s.UserID.UUID == requester
}

// ImageStatus tracks background image generation for a chapter.
type ImageStatus string

const (
	ImageStatusNone    ImageStatus = "none"    // no prompt, nothing scheduled
	ImageStatusPending ImageStatus = "pending" // generation scheduled
	ImageStatusReady   ImageStatus = "ready"
	ImageStatusFailed  ImageStatus = "failed"
)

// Chapter is one persisted turn. Input and output are the serialized protocol documents.
type Chapter struct {
	SessionID   uuid.UUID   `db:"session_id"`
	ChapterID   int         `db:"chapter_id"`
	Input       string      `db:"input"`
	Output      string      `db:"output"`
	Image       []byte      `db:"image"`
	ImageStatus ImageStatus `db:"image_status"`
	CreatedAt   time.Time   `db:"created_at"`
}

// HasImage reports whether the image bytes were attached.
func (c *Chapter) HasImage() bool {
	return len(c.Image) > 0
}

// ChapterCursor is the last known position of a session's chapter sequence.
type ChapterCursor struct {
	LastChapterID int
	Exists        bool
}

// Next returns the chapter id expected for the next turn.
func (c ChapterCursor) Next() int {
	if !c.Exists {
		return IntroChapterID
	}
	return c.LastChapterID + 1
}

// UsageReport is an audit record of a billed provider call.
type UsageReport struct {
	ID            uuid.UUID  `db:"id"`
	SessionID     *uuid.UUID `db:"session_id"`
	ChapterID     *int       `db:"chapter_id"`
	Kind          string     `db:"kind"`
	Model         string     `db:"model"`
	CredentialKey string     `db:"credential_key"` // redacted
	DurationMs    int64      `db:"duration_ms"`
	Error         *string    `db:"error"`
	CreatedAt     time.Time  `db:"created_at"`
}

const (
	UsageKindConversation = "conversation"
	UsageKindImage        = "image"
)

// Credential is a resolved provider credential.
type Credential struct {
	Ref     string
	Key     string
	BaseURL string
}
