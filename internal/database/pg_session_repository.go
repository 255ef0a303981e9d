package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var _ interfaces.SessionRepository = (*pgSessionRepository)(nil)

type pgSessionRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

func NewPgSessionRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.SessionRepository {
	return &pgSessionRepository{
		db:     db,
		logger: logger.Named("PgSessionRepo"),
	}
}

const sessionColumns = `id, hash, user_id, game_id, agent_id, thread_id, model, instructions, credential_ref, created_at`

const createSessionQuery = `
INSERT INTO sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const getSessionByIDQuery = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

const getSessionByHashQuery = `SELECT ` + sessionColumns + ` FROM sessions WHERE hash = $1`

const deleteSessionQuery = `DELETE FROM sessions WHERE id = $1`

func (r *pgSessionRepository) Create(ctx context.Context, session *models.Session) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, createSessionQuery,
		session.ID,
		session.Hash,
		session.UserID,
		session.GameID,
		session.AgentID,
		session.ThreadID,
		session.Model,
		session.Instructions,
		session.CredentialRef,
		session.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: session", models.ErrAlreadyExists)
		}
		r.logger.Error("Failed to create session", zap.String("sessionID", session.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}
	r.logger.Info("Session created",
		zap.String("sessionID", session.ID.String()),
		zap.String("gameID", session.GameID.String()),
		zap.Bool("anonymous", session.IsAnonymous()),
	)
	return nil
}

func (r *pgSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return r.getOne(ctx, getSessionByIDQuery, id, zap.String("sessionID", id.String()))
}

func (r *pgSessionRepository) GetByHash(ctx context.Context, hash string) (*models.Session, error) {
	return r.getOne(ctx, getSessionByHashQuery, hash, zap.String("sessionHash", hash))
}

func (r *pgSessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, deleteSessionQuery, id)
	if err != nil {
		r.logger.Error("Failed to delete session", zap.String("sessionID", id.String()), zap.Error(err))
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %w", models.ErrNotFound, models.ErrSessionNotFound)
	}
	r.logger.Info("Session deleted", zap.String("sessionID", id.String()))
	return nil
}

func (r *pgSessionRepository) getOne(ctx context.Context, query string, arg any, field zap.Field) (*models.Session, error) {
	var session models.Session
	if err := pgxscan.Get(ctx, r.db, &session, query, arg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.Debug("Session not found", field)
			return nil, fmt.Errorf("%w: %w", models.ErrNotFound, models.ErrSessionNotFound)
		}
		r.logger.Error("Failed to get session", field, zap.Error(err))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}
