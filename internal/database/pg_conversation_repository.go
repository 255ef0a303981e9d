package database

import (
	"context"
	"errors"
	"fmt"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	_ interfaces.AgentRegistry = (*pgAgentRegistry)(nil)
	_ interfaces.ThreadStore   = (*pgThreadStore)(nil)
)

type pgAgentRegistry struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

func NewPgAgentRegistry(db interfaces.DBTX, logger *zap.Logger) interfaces.AgentRegistry {
	return &pgAgentRegistry{db: db, logger: logger.Named("PgAgentRegistry")}
}

const getAgentByNameQuery = `
SELECT provider, name, agent_id, instructions, model, updated_at
FROM conversation_agents
WHERE provider = $1 AND name = $2`

const upsertAgentQuery = `
INSERT INTO conversation_agents (provider, name, agent_id, instructions, model, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (provider, name) DO UPDATE
SET agent_id = EXCLUDED.agent_id,
    instructions = EXCLUDED.instructions,
    model = EXCLUDED.model,
    updated_at = NOW()`

func (r *pgAgentRegistry) GetByName(ctx context.Context, provider, name string) (*models.AgentBinding, error) {
	var binding models.AgentBinding
	if err := pgxscan.Get(ctx, r.db, &binding, getAgentByNameQuery, provider, name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get agent binding", zap.String("name", name), zap.Error(err))
		return nil, fmt.Errorf("failed to get agent binding: %w", err)
	}
	return &binding, nil
}

func (r *pgAgentRegistry) Save(ctx context.Context, binding *models.AgentBinding) error {
	_, err := r.db.Exec(ctx, upsertAgentQuery,
		binding.Provider, binding.Name, binding.AgentID, binding.Instructions, binding.Model)
	if err != nil {
		r.logger.Error("Failed to save agent binding", zap.String("name", binding.Name), zap.Error(err))
		return fmt.Errorf("failed to save agent binding: %w", err)
	}
	return nil
}

type pgThreadStore struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

func NewPgThreadStore(db interfaces.DBTX, logger *zap.Logger) interfaces.ThreadStore {
	return &pgThreadStore{db: db, logger: logger.Named("PgThreadStore")}
}

const createThreadQuery = `INSERT INTO conversation_threads (id) VALUES ($1)`

// seq is derived in the insert; the primary key rejects concurrent appends with the same seq.
const appendMessageQuery = `
INSERT INTO conversation_messages (thread_id, seq, role, content)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3
FROM conversation_messages
WHERE thread_id = $1`

const listMessagesQuery = `
SELECT thread_id, seq, role, content, created_at
FROM conversation_messages
WHERE thread_id = $1
ORDER BY seq ASC`

func (s *pgThreadStore) CreateThread(ctx context.Context) (string, error) {
	id := "thread_" + uuid.NewString()
	if _, err := s.db.Exec(ctx, createThreadQuery, id); err != nil {
		s.logger.Error("Failed to create thread", zap.Error(err))
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	return id, nil
}

func (s *pgThreadStore) AppendMessage(ctx context.Context, threadID, role, content string) error {
	if _, err := s.db.Exec(ctx, appendMessageQuery, threadID, role, content); err != nil {
		s.logger.Error("Failed to append thread message", zap.String("threadID", threadID), zap.Error(err))
		return fmt.Errorf("failed to append thread message: %w", err)
	}
	return nil
}

func (s *pgThreadStore) ListMessages(ctx context.Context, threadID string) ([]models.ThreadMessage, error) {
	var messages []models.ThreadMessage
	if err := pgxscan.Select(ctx, s.db, &messages, listMessagesQuery, threadID); err != nil {
		s.logger.Error("Failed to list thread messages", zap.String("threadID", threadID), zap.Error(err))
		return nil, fmt.Errorf("failed to list thread messages: %w", err)
	}
	return messages, nil
}
