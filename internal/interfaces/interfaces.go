package interfaces

import (
	"context"

	"adventure-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GameRepository reads game definitions. Games are managed elsewhere; Create exists for seeding.
type GameRepository interface {
	Create(ctx context.Context, game *models.Game) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Game, error)
	GetByHash(ctx context.Context, hash string) (*models.Game, error)
}

// SessionRepository persists play-throughs.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetByHash(ctx context.Context, hash string) (*models.Session, error)
	// Delete removes the session and, by cascade, its chapters.
	Delete(ctx context.Context, id uuid.UUID) error
}

// ChapterRepository is the append-only turn store.
type ChapterRepository interface {
	// Create appends a chapter. A duplicate (session, chapter) pair yields models.ErrAlreadyExists.
	Create(ctx context.Context, chapter *models.Chapter) error
	Get(ctx context.Context, sessionID uuid.UUID, chapterID int) (*models.Chapter, error)
	Cursor(ctx context.Context, sessionID uuid.UUID) (models.ChapterCursor, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.Chapter, error)
	// AttachImage stores image bytes only if none are stored yet. Returns false if an image was already present.
	AttachImage(ctx context.Context, sessionID uuid.UUID, chapterID int, image []byte) (bool, error)
	MarkImageFailed(ctx context.Context, sessionID uuid.UUID, chapterID int) error
}

// AgentRegistry keeps the stable name -> provider agent id bindings.
type AgentRegistry interface {
	GetByName(ctx context.Context, provider, name string) (*models.AgentBinding, error)
	Save(ctx context.Context, binding *models.AgentBinding) error
}

// ThreadStore keeps conversation history for providers without server-side threads.
type ThreadStore interface {
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID, role, content string) error
	ListMessages(ctx context.Context, threadID string) ([]models.ThreadMessage, error)
}

// UsageReportRepository is the audit sink for billed provider calls.
type UsageReportRepository interface {
	Create(ctx context.Context, report *models.UsageReport) error
}

// ConversationAdapter wraps a stateful LLM conversation (agent + thread).
type ConversationAdapter interface {
	EnsureAgent(ctx context.Context, name, instructions, model string, cred models.Credential) (string, error)
	OpenContext(ctx context.Context, cred models.Credential) (string, error)
	Converse(ctx context.Context, threadID, agentID string, role models.Role, message string, cred models.Credential) (string, error)
}

// ImageGenerator turns a prompt into image bytes.
type ImageGenerator interface {
	Generate(ctx context.Context, cred models.Credential, prompt string) ([]byte, error)
}

// CredentialProvider resolves a credential reference into a usable credential.
type CredentialProvider interface {
	Resolve(ref string) (models.Credential, error)
}

// SessionLocker serialises work on one session.
type SessionLocker interface {
	// Lock blocks until the key is held or ctx ends. The returned func releases it.
	Lock(ctx context.Context, key string) (func(), error)
}

// ChunkPublisher delivers stream chunks to whoever observes the topic.
type ChunkPublisher interface {
	Publish(ctx context.Context, topic models.StreamTopic, chunk models.Chunk) error
}

// TaskRunner runs tracked background jobs detached from the request.
type TaskRunner interface {
	Submit(name string, fn func(ctx context.Context) error) error
}
