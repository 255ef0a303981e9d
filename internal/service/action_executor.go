package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"
	"adventure-server/internal/narrative"
	"adventure-server/internal/stream"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var turnsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "adventure_turns_total",
		Help: "Executed turns by action type and outcome.",
	},
	[]string{"type", "outcome"},
)

// ActionExecutor runs one turn of a session.
type ActionExecutor interface {
	Execute(ctx context.Context, session *models.Session, game *models.Game, input models.ActionInput, cred models.Credential) (*models.ActionOutput, error)
}

type actionExecutorImpl struct {
	chapters     interfaces.ChapterRepository
	usage        interfaces.UsageReportRepository
	conversation interfaces.ConversationAdapter
	images       ImageService
	publisher    interfaces.ChunkPublisher
	locker       interfaces.SessionLocker
	logger       *zap.Logger
}

func NewActionExecutor(
	chapters interfaces.ChapterRepository,
	usage interfaces.UsageReportRepository,
	conversation interfaces.ConversationAdapter,
	images ImageService,
	publisher interfaces.ChunkPublisher,
	locker interfaces.SessionLocker,
	logger *zap.Logger,
) ActionExecutor {
	return &actionExecutorImpl{
		chapters:     chapters,
		usage:        usage,
		conversation: conversation,
		images:       images,
		publisher:    publisher,
		locker:       locker,
		logger:       logger.Named("ActionExecutor"),
	}
}

func (e *actionExecutorImpl) Execute(ctx context.Context, session *models.Session, game *models.Game, input models.ActionInput, cred models.Credential) (*models.ActionOutput, error) {
	log := e.logger.With(
		zap.String("sessionID", session.ID.String()),
		zap.Int("chapterID", input.ChapterID),
		zap.String("type", string(input.Type)),
	)
	if !input.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown action type %q", models.ErrInvalidInput, input.Type)
	}

	// one turn at a time per session
	unlock, err := e.locker.Lock(ctx, session.ID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	defer unlock()

	cursor, err := e.chapters.Cursor(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chapter cursor: %w", err)
	}
	if err := validateTurn(cursor, input); err != nil {
		log.Warn("Turn rejected", zap.Error(err))
		turnsTotal.WithLabelValues(string(input.Type), "conflict").Inc()
		return nil, err
	}

	rawInput, err := narrative.EncodeInput(input)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	reply, err := e.conversation.Converse(ctx, session.ThreadID, session.AgentID, input.Type.Role(), rawInput, cred)
	elapsed := time.Since(start)

	// from here on the reply is paid for, a client hanging up must not lose it
	ctx = context.WithoutCancel(ctx)
	topic := models.StreamTopic{SessionHash: session.Hash, ChapterID: input.ChapterID}
	e.report(ctx, session, input.ChapterID, cred, elapsed, err, log)
	if err != nil {
		log.Error("Conversation failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		turnsTotal.WithLabelValues(string(input.Type), "provider_error").Inc()
		e.publishFailure(ctx, topic, models.ChunkErrorProvider, "llm provider request failed", log)
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	out := narrative.ParseReply(reply, narrative.ReplyScope{
		ChapterID:    input.ChapterID,
		SessionHash:  session.Hash,
		RawInput:     rawInput,
		Status:       input.Status,
		Instructions: session.Instructions,
	})
	out.Agent = models.AgentMeta{
		Key:             RedactKey(cred.Key),
		Model:           session.Model,
		Assistant:       session.AgentID,
		Thread:          session.ThreadID,
		ComputationTime: elapsed.Milliseconds(),
	}
	out.Image = withImageStyle(out.Image, game.ImageStyle)

	imageStatus := models.ImageStatusNone
	if out.Image != "" {
		imageStatus = models.ImageStatusPending
	}
	if err := e.persist(ctx, session, input.ChapterID, rawInput, out, imageStatus); err != nil {
		// the reply is paid for; keep it in the log so an operator can recover the turn
		log.Error("Failed to persist chapter after provider success",
			zap.String("rawOutput", reply), zap.Error(err))
		turnsTotal.WithLabelValues(string(input.Type), "persistence_error").Inc()
		// a concurrent writer owns the topic and streams its own chapter
		if errors.Is(err, models.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: chapter %d was written concurrently", ErrChapterConflict, input.ChapterID)
		}
		e.publishFailure(ctx, topic, models.ChunkErrorPersistence, "chapter could not be stored", log)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	for _, c := range stream.TextChunks(out) {
		if err := e.publisher.Publish(ctx, topic, c); err != nil {
			log.Warn("Failed to publish text chunk", zap.Error(err))
			break
		}
	}

	if imageStatus == models.ImageStatusPending {
		e.scheduleImage(ctx, session, input.ChapterID, out.Image, cred, topic, log)
	}

	turnsTotal.WithLabelValues(string(input.Type), string(out.Type)).Inc()
	log.Info("Turn completed", zap.String("outputType", string(out.Type)), zap.Duration("elapsed", elapsed), zap.Bool("image", imageStatus == models.ImageStatusPending))
	return &out, nil
}

// validateTurn enforces the session state machine: an intro opens the session,
// actions follow it, and each turn carries the next chapter id.
func validateTurn(cursor models.ChapterCursor, input models.ActionInput) error {
	switch {
	case input.Type == models.ActionTypeIntro && cursor.Exists:
		return fmt.Errorf("%w: session already has an intro", ErrChapterConflict)
	case input.Type == models.ActionTypeAction && !cursor.Exists:
		return fmt.Errorf("%w: session is awaiting its intro", ErrChapterConflict)
	case input.ChapterID != cursor.Next():
		return fmt.Errorf("%w: expected chapter %d, got %d", ErrChapterConflict, cursor.Next(), input.ChapterID)
	}
	return nil
}

func withImageStyle(prompt, style string) string {
	style = strings.TrimLeft(strings.TrimSpace(style), ", ")
	if prompt == "" || style == "" {
		return prompt
	}
	return prompt + ", " + style
}

func (e *actionExecutorImpl) persist(ctx context.Context, session *models.Session, chapterID int, rawInput string, out models.ActionOutput, status models.ImageStatus) error {
	rawOutput, err := narrative.EncodeOutput(out)
	if err != nil {
		return err
	}
	return e.chapters.Create(ctx, &models.Chapter{
		SessionID:   session.ID,
		ChapterID:   chapterID,
		Input:       rawInput,
		Output:      rawOutput,
		ImageStatus: status,
		CreatedAt:   time.Now().UTC(),
	})
}

func (e *actionExecutorImpl) scheduleImage(ctx context.Context, session *models.Session, chapterID int, prompt string, cred models.Credential, topic models.StreamTopic, log *zap.Logger) {
	err := e.images.Schedule(ImageJob{
		Credential:  cred,
		Prompt:      prompt,
		SessionID:   session.ID,
		SessionHash: session.Hash,
		ChapterID:   chapterID,
	})
	if err == nil {
		return
	}
	log.Error("Failed to schedule image generation", zap.Error(err))
	if err := e.chapters.MarkImageFailed(ctx, session.ID, chapterID); err != nil {
		log.Error("Failed to mark image as failed", zap.Error(err))
	}
	if err := e.publisher.Publish(ctx, topic, stream.ImageFailedChunk("image generation could not be scheduled")); err != nil {
		log.Warn("Failed to publish image failure", zap.Error(err))
	}
}

// publishFailure ends the turn's stream for subscribers already waiting on it.
func (e *actionExecutorImpl) publishFailure(ctx context.Context, topic models.StreamTopic, code, reason string, log *zap.Logger) {
	if err := e.publisher.Publish(ctx, topic, stream.TurnFailedChunk(code, reason)); err != nil {
		log.Warn("Failed to publish turn failure", zap.String("errorCode", code), zap.Error(err))
	}
}

func (e *actionExecutorImpl) report(ctx context.Context, session *models.Session, chapterID int, cred models.Credential, elapsed time.Duration, callErr error, log *zap.Logger) {
	sessionID := session.ID
	report := &models.UsageReport{
		ID:            uuid.New(),
		SessionID:     &sessionID,
		ChapterID:     &chapterID,
		Kind:          models.UsageKindConversation,
		Model:         session.Model,
		CredentialKey: RedactKey(cred.Key),
		DurationMs:    elapsed.Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	if callErr != nil {
		msg := callErr.Error()
		report.Error = &msg
	}
	if err := e.usage.Create(ctx, report); err != nil {
		log.Warn("Failed to write usage report", zap.Error(err))
	}
}
