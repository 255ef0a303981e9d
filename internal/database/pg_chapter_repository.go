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

var _ interfaces.ChapterRepository = (*pgChapterRepository)(nil)

type pgChapterRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

func NewPgChapterRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.ChapterRepository {
	return &pgChapterRepository{
		db:     db,
		logger: logger.Named("PgChapterRepo"),
	}
}

const createChapterQuery = `
INSERT INTO chapters (session_id, chapter_id, input, output, image, image_status, created_at)
VALUES ($1, $2, $3, $4, NULL, $5, $6)`

const getChapterQuery = `
SELECT session_id, chapter_id, input, output, image, image_status, created_at
FROM chapters
WHERE session_id = $1 AND chapter_id = $2`

const lastChapterIDQuery = `SELECT MAX(chapter_id) FROM chapters WHERE session_id = $1`

const listChaptersQuery = `
SELECT session_id, chapter_id, input, output, NULL::bytea AS image, image_status, created_at
FROM chapters
WHERE session_id = $1
ORDER BY chapter_id ASC`

// The image is written once; a second writer finds it non-null and updates nothing.
const attachImageQuery = `
UPDATE chapters
SET image = $3, image_status = 'ready'
WHERE session_id = $1 AND chapter_id = $2 AND image IS NULL`

const markImageFailedQuery = `
UPDATE chapters
SET image_status = 'failed'
WHERE session_id = $1 AND chapter_id = $2 AND image IS NULL`

func (r *pgChapterRepository) Create(ctx context.Context, chapter *models.Chapter) error {
	if chapter.CreatedAt.IsZero() {
		chapter.CreatedAt = time.Now().UTC()
	}
	if chapter.ImageStatus == "" {
		chapter.ImageStatus = models.ImageStatusNone
	}
	logFields := []zap.Field{
		zap.String("sessionID", chapter.SessionID.String()),
		zap.Int("chapterID", chapter.ChapterID),
	}

	_, err := r.db.Exec(ctx, createChapterQuery,
		chapter.SessionID,
		chapter.ChapterID,
		chapter.Input,
		chapter.Output,
		chapter.ImageStatus,
		chapter.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			r.logger.Warn("Chapter already exists", logFields...)
			return fmt.Errorf("%w: chapter %d", models.ErrAlreadyExists, chapter.ChapterID)
		}
		r.logger.Error("Failed to create chapter", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to create chapter: %w", err)
	}
	r.logger.Debug("Chapter created", logFields...)
	return nil
}

func (r *pgChapterRepository) Get(ctx context.Context, sessionID uuid.UUID, chapterID int) (*models.Chapter, error) {
	var chapter models.Chapter
	if err := pgxscan.Get(ctx, r.db, &chapter, getChapterQuery, sessionID, chapterID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %w", models.ErrNotFound, models.ErrChapterNotFound)
		}
		r.logger.Error("Failed to get chapter",
			zap.String("sessionID", sessionID.String()), zap.Int("chapterID", chapterID), zap.Error(err))
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	return &chapter, nil
}

func (r *pgChapterRepository) Cursor(ctx context.Context, sessionID uuid.UUID) (models.ChapterCursor, error) {
	var last *int
	if err := r.db.QueryRow(ctx, lastChapterIDQuery, sessionID).Scan(&last); err != nil {
		r.logger.Error("Failed to read chapter cursor", zap.String("sessionID", sessionID.String()), zap.Error(err))
		return models.ChapterCursor{}, fmt.Errorf("failed to read chapter cursor: %w", err)
	}
	if last == nil {
		return models.ChapterCursor{}, nil
	}
	return models.ChapterCursor{LastChapterID: *last, Exists: true}, nil
}

// ListBySession returns chapters in order without image bytes.
func (r *pgChapterRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.Chapter, error) {
	var chapters []*models.Chapter
	if err := pgxscan.Select(ctx, r.db, &chapters, listChaptersQuery, sessionID); err != nil {
		r.logger.Error("Failed to list chapters", zap.String("sessionID", sessionID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	return chapters, nil
}

func (r *pgChapterRepository) AttachImage(ctx context.Context, sessionID uuid.UUID, chapterID int, image []byte) (bool, error) {
	if len(image) == 0 {
		return false, fmt.Errorf("%w: empty image", models.ErrInvalidInput)
	}
	tag, err := r.db.Exec(ctx, attachImageQuery, sessionID, chapterID, image)
	if err != nil {
		r.logger.Error("Failed to attach image",
			zap.String("sessionID", sessionID.String()), zap.Int("chapterID", chapterID), zap.Error(err))
		return false, fmt.Errorf("failed to attach image: %w", err)
	}
	attached := tag.RowsAffected() == 1
	r.logger.Debug("Attach image",
		zap.String("sessionID", sessionID.String()),
		zap.Int("chapterID", chapterID),
		zap.Int("bytes", len(image)),
		zap.Bool("attached", attached),
	)
	return attached, nil
}

func (r *pgChapterRepository) MarkImageFailed(ctx context.Context, sessionID uuid.UUID, chapterID int) error {
	if _, err := r.db.Exec(ctx, markImageFailedQuery, sessionID, chapterID); err != nil {
		r.logger.Error("Failed to mark image failed",
			zap.String("sessionID", sessionID.String()), zap.Int("chapterID", chapterID), zap.Error(err))
		return fmt.Errorf("failed to mark image failed: %w", err)
	}
	return nil
}
