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

var _ interfaces.GameRepository = (*pgGameRepository)(nil)

type pgGameRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

func NewPgGameRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.GameRepository {
	return &pgGameRepository{
		db:     db,
		logger: logger.Named("PgGameRepo"),
	}
}

const gameColumns = `id, owner_id, hash, title, scenario, instructions_template, status_fields, image_style, model, credential_ref, created_at`

const createGameQuery = `
INSERT INTO games (` + gameColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

const getGameByIDQuery = `SELECT ` + gameColumns + ` FROM games WHERE id = $1`

const getGameByHashQuery = `SELECT ` + gameColumns + ` FROM games WHERE hash = $1`

func (r *pgGameRepository) Create(ctx context.Context, game *models.Game) error {
	if game.ID == uuid.Nil {
		game.ID = uuid.New()
	}
	if game.CreatedAt.IsZero() {
		game.CreatedAt = time.Now().UTC()
	}
	if game.StatusFields == nil {
		game.StatusFields = models.StatusFields{}
	}
	if game.CredentialRef == "" {
		game.CredentialRef = "default"
	}

	_, err := r.db.Exec(ctx, createGameQuery,
		game.ID,
		game.OwnerID,
		game.Hash,
		game.Title,
		game.Scenario,
		game.InstructionsTemplate,
		game.StatusFields,
		game.ImageStyle,
		game.Model,
		game.CredentialRef,
		game.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: game hash already taken", models.ErrAlreadyExists)
		}
		r.logger.Error("Failed to create game", zap.String("gameID", game.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to create game: %w", err)
	}
	return nil
}

func (r *pgGameRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Game, error) {
	return r.getOne(ctx, getGameByIDQuery, id, zap.String("gameID", id.String()))
}

func (r *pgGameRepository) GetByHash(ctx context.Context, hash string) (*models.Game, error) {
	return r.getOne(ctx, getGameByHashQuery, hash, zap.String("gameHash", hash))
}

func (r *pgGameRepository) getOne(ctx context.Context, query string, arg any, field zap.Field) (*models.Game, error) {
	var game models.Game
	if err := pgxscan.Get(ctx, r.db, &game, query, arg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.Debug("Game not found", field)
			return nil, fmt.Errorf("%w: %w", models.ErrNotFound, models.ErrGameNotFound)
		}
		r.logger.Error("Failed to get game", field, zap.Error(err))
		return nil, fmt.Errorf("failed to get game: %w", err)
	}
	return &game, nil
}
