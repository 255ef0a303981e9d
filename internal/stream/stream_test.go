package stream

import (
	"context"
	"testing"
	"time"

	"adventure-server/internal/interfaces/mocks"
	"adventure-server/internal/models"
	"adventure-server/internal/narrative"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var topic = models.StreamTopic{SessionHash: "abc", ChapterID: 1}

func TestHub_FanOut(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	a := hub.Subscribe(topic)
	b := hub.Subscribe(topic)
	other := hub.Subscribe(models.StreamTopic{SessionHash: "abc", ChapterID: 2})

	require.NoError(t, hub.Publish(context.Background(), topic, models.Chunk{Text: "hello"}))

	assert.Equal(t, "hello", (<-a.C()).Text)
	assert.Equal(t, "hello", (<-b.C()).Text)
	assert.Empty(t, other.C())
	assert.Equal(t, 2, hub.Subscribers(topic))

	hub.Unsubscribe(a)
	hub.Unsubscribe(a)
	hub.Unsubscribe(b)
	hub.Unsubscribe(other)
	assert.Zero(t, hub.Subscribers(topic))
	_, open := <-a.C()
	assert.False(t, open)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(1, zap.NewNop())
	sub := hub.Subscribe(topic)
	defer hub.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(context.Background(), topic, models.Chunk{Text: "x"}))
	}
	assert.Len(t, sub.C(), 1)
}

func storedChapter(t *testing.T, status models.ImageStatus, image []byte, outType models.OutputType) *models.Chapter {
	t.Helper()
	raw, err := narrative.EncodeOutput(models.ActionOutput{ChapterID: 1, Type: outType, Story: "The door creaks.", Error: "bad json"})
	require.NoError(t, err)
	return &models.Chapter{ChapterID: 1, Output: raw, ImageStatus: status, Image: image}
}

func collect(t *testing.T, ch <-chan models.Chunk) []models.Chunk {
	t.Helper()
	var chunks []models.Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
}

func newObserver(t *testing.T, chapter *models.Chapter, chapterErr error) (*Observer, *Hub, *mocks.ChapterRepository) {
	t.Helper()
	sessionID := uuid.New()
	sessions := new(mocks.SessionRepository)
	sessions.On("GetByHash", mock.Anything, "abc").Return(&models.Session{ID: sessionID, Hash: "abc"}, nil)
	chapters := new(mocks.ChapterRepository)
	chapters.On("Get", mock.Anything, sessionID, 1).Return(chapter, chapterErr)
	// chapter 1 is the turn in flight
	chapters.On("Cursor", mock.Anything, sessionID).Return(models.ChapterCursor{LastChapterID: 0, Exists: true}, nil).Maybe()
	hub := NewHub(8, zap.NewNop())
	return NewObserver(hub, sessions, chapters, zap.NewNop()), hub, chapters
}

func TestObserver_ReplayCompleteTurn(t *testing.T) {
	png := []byte{1, 2, 3}
	obs, hub, _ := newObserver(t, storedChapter(t, models.ImageStatusReady, png, models.OutputTypeStory), nil)

	ch, err := obs.Watch(context.Background(), "abc", 1)
	require.NoError(t, err)

	assert.Equal(t, []models.Chunk{
		{Text: "The door creaks."},
		{TextDone: true},
		{ImageData: png},
		{ImageDone: true},
	}, collect(t, ch))
	assert.Zero(t, hub.Subscribers(topic))
}

func TestObserver_ReplayWithoutImage(t *testing.T) {
	obs, _, _ := newObserver(t, storedChapter(t, models.ImageStatusNone, nil, models.OutputTypeStory), nil)

	ch, err := obs.Watch(context.Background(), "abc", 1)
	require.NoError(t, err)
	assert.Equal(t, []models.Chunk{{Text: "The door creaks."}, {TextDone: true}}, collect(t, ch))
}

func TestObserver_ReplayFailedImage(t *testing.T) {
	obs, _, _ := newObserver(t, storedChapter(t, models.ImageStatusFailed, nil, models.OutputTypeStory), nil)

	ch, err := obs.Watch(context.Background(), "abc", 1)
	require.NoError(t, err)
	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, models.ChunkErrorImageFailed, chunks[2].ErrorCode)
}

func TestObserver_ReplayInvalidReply(t *testing.T) {
	obs, _, _ := newObserver(t, storedChapter(t, models.ImageStatusNone, nil, models.OutputTypeError), nil)

	ch, err := obs.Watch(context.Background(), "abc", 1)
	require.NoError(t, err)
	assert.Equal(t, []models.Chunk{{Error: "bad json", ErrorCode: models.ChunkErrorInvalidReply}}, collect(t, ch))
}

func TestObserver_PendingImageArrivesLive(t *testing.T) {
	obs, hub, _ := newObserver(t, storedChapter(t, models.ImageStatusPending, nil, models.OutputTypeStory), nil)

	ch, err := obs.Watch(context.Background(), "abc", 1)
	require.NoError(t, err)

	go func() {
		for hub.Subscribers(topic) == 0 {
			time.Sleep(time.Millisecond)
		}
		// a late duplicate of the text is ignored
		_ = hub.Publish(context.Background(), topic, models.Chunk{TextDone: true})
		for _, c := range ImageChunks([]byte{9}) {
			_ = hub.Publish(context.Background(), topic, c)
		}
	}()

	assert.Equal(t, []models.Chunk{
		{Text: "The door creaks."},
		{TextDone: true},
		{ImageData: []byte{9}},
		{ImageDone: true},
	}, collect(t, ch))
}

func TestObserver_LiveTurnWithoutImage(t *testing.T) {
	sessionID := uuid.New()
	sessions := new(mocks.SessionRepository)
	sessions.On("GetByHash", mock.Anything, "abc").Return(&models.Session{ID: sessionID, Hash: "abc"}, nil)
	chapters := new(mocks.ChapterRepository)
	chapters.On("Get", mock.Anything, sessionID, 1).Return(nil, models.ErrNotFound).Once()
	chapters.On("Get", mock.Anything, sessionID, 1).Return(&models.Chapter{ImageStatus: models.ImageStatusNone}, nil)
	chapters.On("Cursor", mock.Anything, sessionID).Return(models.ChapterCursor{LastChapterID: 0, Exists: true}, nil)
	hub := NewHub(8, zap.NewNop())
	obs := NewObserver(hub, sessions, chapters, zap.NewNop())

	ch, err := obs.Watch(context.Background(), "abc", 1)
	require.NoError(t, err)

	go func() {
		for hub.Subscribers(topic) == 0 {
			time.Sleep(time.Millisecond)
		}
		for _, c := range TextChunks(models.ActionOutput{Type: models.OutputTypeStory, Story: "live"}) {
			_ = hub.Publish(context.Background(), topic, c)
		}
	}()

	assert.Equal(t, []models.Chunk{{Text: "live"}, {TextDone: true}}, collect(t, ch))
}

func TestObserver_CancelledSubscriber(t *testing.T) {
	obs, hub, _ := newObserver(t, nil, models.ErrNotFound)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := obs.Watch(ctx, "abc", 1)
	require.NoError(t, err)
	cancel()

	assert.Empty(t, collect(t, ch))
	assert.Eventually(t, func() bool { return hub.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)
}

func TestObserver_UnknownSession(t *testing.T) {
	sessions := new(mocks.SessionRepository)
	sessions.On("GetByHash", mock.Anything, "nope").Return(nil, models.ErrNotFound)
	obs := NewObserver(NewHub(0, zap.NewNop()), sessions, new(mocks.ChapterRepository), zap.NewNop())

	_, err := obs.Watch(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestObserver_FailedTurnEndsStream(t *testing.T) {
	obs, hub, _ := newObserver(t, nil, models.ErrNotFound)

	ch, err := obs.Watch(context.Background(), "abc", 1)
	require.NoError(t, err)

	go func() {
		for hub.Subscribers(topic) == 0 {
			time.Sleep(time.Millisecond)
		}
		_ = hub.Publish(context.Background(), topic, TurnFailedChunk(models.ChunkErrorProvider, "llm provider request failed"))
	}()

	assert.Equal(t, []models.Chunk{{Error: "llm provider request failed", ErrorCode: models.ChunkErrorProvider}}, collect(t, ch))
	assert.Eventually(t, func() bool { return hub.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)
}

func TestObserver_ChapterBeyondCursor(t *testing.T) {
	sessionID := uuid.New()
	sessions := new(mocks.SessionRepository)
	sessions.On("GetByHash", mock.Anything, "abc").Return(&models.Session{ID: sessionID, Hash: "abc"}, nil)
	chapters := new(mocks.ChapterRepository)
	chapters.On("Get", mock.Anything, sessionID, 5).Return(nil, models.ErrNotFound)
	chapters.On("Cursor", mock.Anything, sessionID).Return(models.ChapterCursor{LastChapterID: 1, Exists: true}, nil)
	obs := NewObserver(NewHub(8, zap.NewNop()), sessions, chapters, zap.NewNop())

	ch, err := obs.Watch(context.Background(), "abc", 5)
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, models.ChunkErrorNotFound, chunks[0].ErrorCode)
}
