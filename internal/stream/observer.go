package stream

import (
	"context"
	"errors"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"
	"adventure-server/internal/narrative"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Observer turns stored chapter state plus live hub chunks into one ordered stream per turn.
type Observer struct {
	hub      *Hub
	sessions interfaces.SessionRepository
	chapters interfaces.ChapterRepository
	logger   *zap.Logger
}

func NewObserver(hub *Hub, sessions interfaces.SessionRepository, chapters interfaces.ChapterRepository, logger *zap.Logger) *Observer {
	return &Observer{
		hub:      hub,
		sessions: sessions,
		chapters: chapters,
		logger:   logger.Named("StreamObserver"),
	}
}

// Watch streams the chunks of one chapter. What the chapter store already holds is
// emitted first, so a subscriber connecting late still converges on the final state.
// The channel is closed when the turn is complete or ctx ends.
func (o *Observer) Watch(ctx context.Context, sessionHash string, chapterID int) (<-chan models.Chunk, error) {
	session, err := o.sessions.GetByHash(ctx, sessionHash)
	if err != nil {
		return nil, err
	}

	topic := models.StreamTopic{SessionHash: sessionHash, ChapterID: chapterID}
	// subscribe before reading the store so nothing published in between is lost
	sub := o.hub.Subscribe(topic)
	out := make(chan models.Chunk, o.hub.buffer)
	go o.forward(ctx, session.ID, sub, out)
	return out, nil
}

func (o *Observer) forward(ctx context.Context, sessionID uuid.UUID, sub *Subscription, out chan<- models.Chunk) {
	defer close(out)
	defer o.hub.Unsubscribe(sub)
	log := o.logger.With(zap.Stringer("topic", sub.Topic))

	var st turnState
	emit := func(c models.Chunk) bool {
		st.apply(c)
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	chapter, err := o.chapters.Get(ctx, sessionID, sub.Topic.ChapterID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		// only the chapter the session expects next can still arrive live
		if o.beyondCursor(ctx, sessionID, sub.Topic.ChapterID, log) {
			emit(models.Chunk{Error: "chapter does not exist", ErrorCode: models.ChunkErrorNotFound})
			return
		}
	case err != nil:
		log.Error("Failed to load chapter for replay", zap.Error(err))
		emit(models.Chunk{Error: "failed to load chapter", ErrorCode: models.ChunkErrorNotFound})
		return
	default:
		chunks, done := replayChunks(chapter)
		for _, c := range chunks {
			if !emit(c) {
				return
			}
		}
		if done {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("Subscriber left")
			return
		case c, ok := <-sub.C():
			if !ok {
				return
			}
			if st.seen(c) {
				continue
			}
			if !emit(c) {
				return
			}
			if c.IsTerminal() {
				return
			}
			if c.TextDone && !o.imageExpected(ctx, sessionID, sub.Topic.ChapterID) {
				return
			}
		}
	}
}

// beyondCursor reports whether chapterID is past the next turn of the session.
// A cursor that cannot be read keeps the stream open.
func (o *Observer) beyondCursor(ctx context.Context, sessionID uuid.UUID, chapterID int, log *zap.Logger) bool {
	cursor, err := o.chapters.Cursor(ctx, sessionID)
	if err != nil {
		log.Warn("Failed to read chapter cursor", zap.Error(err))
		return false
	}
	return chapterID > cursor.Next()
}

// imageExpected reports whether image chunks may still follow textDone.
func (o *Observer) imageExpected(ctx context.Context, sessionID uuid.UUID, chapterID int) bool {
	chapter, err := o.chapters.Get(ctx, sessionID, chapterID)
	if err != nil {
		return true
	}
	return chapter.ImageStatus != models.ImageStatusNone
}

// replayChunks renders a stored chapter as chunks and reports whether the turn is complete.
func replayChunks(chapter *models.Chapter) ([]models.Chunk, bool) {
	out, err := narrative.DecodeOutput(chapter.Output)
	if err != nil {
		return []models.Chunk{{Error: err.Error(), ErrorCode: models.ChunkErrorInvalidReply}}, true
	}
	chunks := TextChunks(out)
	if out.Type == models.OutputTypeError {
		return chunks, true
	}

	switch chapter.ImageStatus {
	case models.ImageStatusReady:
		return append(chunks, ImageChunks(chapter.Image)...), true
	case models.ImageStatusFailed:
		return append(chunks, ImageFailedChunk("image generation failed")), true
	case models.ImageStatusPending:
		return chunks, false
	default:
		return chunks, true
	}
}

// turnState remembers what was already emitted so replayed chunks are not repeated live.
type turnState struct {
	text, textDone, image, imageDone bool
}

func (s *turnState) apply(c models.Chunk) {
	s.text = s.text || c.Text != ""
	s.textDone = s.textDone || c.TextDone
	s.image = s.image || len(c.ImageData) > 0
	s.imageDone = s.imageDone || c.ImageDone
}

func (s *turnState) seen(c models.Chunk) bool {
	switch {
	case c.Text != "":
		return s.text
	case c.TextDone:
		return s.textDone
	case len(c.ImageData) > 0:
		return s.image
	case c.ImageDone:
		return s.imageDone
	}
	return false
}
