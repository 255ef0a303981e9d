package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"
	"adventure-server/internal/stream"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const imageTaskName = "image_generation"

// ImageJob is the self-contained input of one background image generation.
type ImageJob struct {
	Credential  models.Credential
	Prompt      string
	SessionID   uuid.UUID
	SessionHash string
	ChapterID   int
}

// ImageService generates chapter images in the background and serves them once stored.
type ImageService interface {
	Schedule(job ImageJob) error
	FetchImage(ctx context.Context, sessionHash string, chapterID int) ([]byte, error)
}

// ImageConfig bounds the image read path.
type ImageConfig struct {
	PollInterval time.Duration
	PollAttempts int
	Model        string // reported in usage records
}

type imageServiceImpl struct {
	generator interfaces.ImageGenerator
	sessions  interfaces.SessionRepository
	chapters  interfaces.ChapterRepository
	usage     interfaces.UsageReportRepository
	publisher interfaces.ChunkPublisher
	tasks     interfaces.TaskRunner
	cfg       ImageConfig
	logger    *zap.Logger
}

func NewImageService(
	generator interfaces.ImageGenerator,
	sessions interfaces.SessionRepository,
	chapters interfaces.ChapterRepository,
	usage interfaces.UsageReportRepository,
	publisher interfaces.ChunkPublisher,
	tasks interfaces.TaskRunner,
	cfg ImageConfig,
	logger *zap.Logger,
) ImageService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 20
	}
	return &imageServiceImpl{
		generator: generator,
		sessions:  sessions,
		chapters:  chapters,
		usage:     usage,
		publisher: publisher,
		tasks:     tasks,
		cfg:       cfg,
		logger:    logger.Named("ImageService"),
	}
}

// Schedule starts the job detached from the caller. job is passed by value, so the
// caller's request may end or be cancelled without affecting it.
func (s *imageServiceImpl) Schedule(job ImageJob) error {
	return s.tasks.Submit(imageTaskName, func(ctx context.Context) error {
		return s.run(ctx, job)
	})
}

func (s *imageServiceImpl) run(ctx context.Context, job ImageJob) error {
	log := s.logger.With(
		zap.String("sessionID", job.SessionID.String()),
		zap.Int("chapterID", job.ChapterID),
	)
	topic := models.StreamTopic{SessionHash: job.SessionHash, ChapterID: job.ChapterID}
	start := time.Now()

	image, genErr := s.generator.Generate(ctx, job.Credential, job.Prompt)
	duration := time.Since(start)

	// the task context may already be expired; bookkeeping still has to land
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	s.report(cleanupCtx, job, duration, genErr, log)

	if genErr != nil {
		log.Error("Image generation failed", zap.Duration("duration", duration), zap.Error(genErr))
		if err := s.chapters.MarkImageFailed(cleanupCtx, job.SessionID, job.ChapterID); err != nil {
			log.Error("Failed to mark image as failed", zap.Error(err))
		}
		s.publish(cleanupCtx, topic, log, stream.ImageFailedChunk(genErr.Error()))
		return genErr
	}

	attached, err := s.chapters.AttachImage(cleanupCtx, job.SessionID, job.ChapterID, image)
	if err != nil {
		log.Error("Failed to store image", zap.Error(err))
		s.publish(cleanupCtx, topic, log, stream.ImageFailedChunk("failed to store image"))
		return err
	}
	if !attached {
		log.Warn("Chapter already has an image, generated image discarded")
		return nil
	}

	log.Info("Image stored", zap.Int("sizeBytes", len(image)), zap.Duration("duration", duration))
	s.publish(cleanupCtx, topic, log, stream.ImageChunks(image)...)
	return nil
}

func (s *imageServiceImpl) report(ctx context.Context, job ImageJob, duration time.Duration, genErr error, log *zap.Logger) {
	sessionID := job.SessionID
	chapterID := job.ChapterID
	report := &models.UsageReport{
		ID:            uuid.New(),
		SessionID:     &sessionID,
		ChapterID:     &chapterID,
		Kind:          models.UsageKindImage,
		Model:         s.cfg.Model,
		CredentialKey: RedactKey(job.Credential.Key),
		DurationMs:    duration.Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	if genErr != nil {
		msg := genErr.Error()
		report.Error = &msg
	}
	if err := s.usage.Create(ctx, report); err != nil {
		log.Warn("Failed to write usage report", zap.Error(err))
	}
}

func (s *imageServiceImpl) publish(ctx context.Context, topic models.StreamTopic, log *zap.Logger, chunks ...models.Chunk) {
	for _, c := range chunks {
		if err := s.publisher.Publish(ctx, topic, c); err != nil {
			log.Warn("Failed to publish chunk", zap.Error(err))
			return
		}
	}
}

// FetchImage polls the chapter store until the image is present or the attempt ceiling is reached.
func (s *imageServiceImpl) FetchImage(ctx context.Context, sessionHash string, chapterID int) ([]byte, error) {
	session, err := s.sessions.GetByHash(ctx, sessionHash)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		chapter, err := s.chapters.Get(ctx, session.ID, chapterID)
		if err != nil {
			return nil, err
		}
		switch chapter.ImageStatus {
		case models.ImageStatusNone:
			return nil, fmt.Errorf("%w: no image was requested for chapter %d", models.ErrNotFound, chapterID)
		case models.ImageStatusFailed:
			return nil, fmt.Errorf("%w: image generation failed for chapter %d", models.ErrNotFound, chapterID)
		}
		if chapter.HasImage() {
			return chapter.Image, nil
		}
		if attempt >= s.cfg.PollAttempts {
			return nil, ErrImageNotReady
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrImageNotReady
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
