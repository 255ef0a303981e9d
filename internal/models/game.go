package models

import (
	"time"

	"github.com/google/uuid"
)

// Game is the static definition a session plays through.
// Sessions snapshot the rendered instructions, so edits never leak into running play-throughs.
type Game struct {
	ID                   uuid.UUID    `db:"id" json:"id"`
	OwnerID              uuid.UUID    `db:"owner_id" json:"ownerId"`
	Hash                 *string      `db:"hash" json:"hash,omitempty"` // public share hash, nil for private games
	Title                string       `db:"title" json:"title"`
	Scenario             string       `db:"scenario" json:"scenario"`
	InstructionsTemplate *string      `db:"instructions_template" json:"instructionsTemplate,omitempty"`
	StatusFields         StatusFields `db:"status_fields" json:"statusFields"`
	ImageStyle           string       `db:"image_style" json:"imageStyle"`
	Model                *string      `db:"model" json:"model,omitempty"`
	CredentialRef        string       `db:"credential_ref" json:"credentialRef"`
	CreatedAt            time.Time    `db:"created_at" json:"createdAt"`
}

// IsOwnedBy reports whether userID owns the game.
func (g *Game) IsOwnedBy(userID uuid.UUID) bool {
	return userID != uuid.Nil && g.OwnerID == userID
}
