package database

import (
	"context"
	"fmt"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var _ interfaces.UsageReportRepository = (*pgUsageReportRepository)(nil)

type pgUsageReportRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

func NewPgUsageReportRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.UsageReportRepository {
	return &pgUsageReportRepository{db: db, logger: logger.Named("PgUsageReportRepo")}
}

const createUsageReportQuery = `
INSERT INTO usage_reports (id, session_id, chapter_id, kind, model, credential_key, duration_ms, error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (r *pgUsageReportRepository) Create(ctx context.Context, report *models.UsageReport) error {
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, createUsageReportQuery,
		report.ID,
		report.SessionID,
		report.ChapterID,
		report.Kind,
		report.Model,
		report.CredentialKey,
		report.DurationMs,
		report.Error,
		report.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to write usage report", zap.String("kind", report.Kind), zap.Error(err))
		return fmt.Errorf("failed to write usage report: %w", err)
	}
	return nil
}
