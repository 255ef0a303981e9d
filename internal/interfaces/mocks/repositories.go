package mocks

import (
	"context"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// GameRepository mock
type GameRepository struct {
	mock.Mock
}

func (m *GameRepository) Create(ctx context.Context, game *models.Game) error {
	args := m.Called(ctx, game)
	return args.Error(0)
}

func (m *GameRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Game, error) {
	args := m.Called(ctx, id)
	var game *models.Game
	if v := args.Get(0); v != nil {
		game = v.(*models.Game)
	}
	return game, args.Error(1)
}

func (m *GameRepository) GetByHash(ctx context.Context, hash string) (*models.Game, error) {
	args := m.Called(ctx, hash)
	var game *models.Game
	if v := args.Get(0); v != nil {
		game = v.(*models.Game)
	}
	return game, args.Error(1)
}

// SessionRepository mock
type SessionRepository struct {
	mock.Mock
}

func (m *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	args := m.Called(ctx, id)
	var session *models.Session
	if v := args.Get(0); v != nil {
		session = v.(*models.Session)
	}
	return session, args.Error(1)
}

func (m *SessionRepository) GetByHash(ctx context.Context, hash string) (*models.Session, error) {
	args := m.Called(ctx, hash)
	var session *models.Session
	if v := args.Get(0); v != nil {
		session = v.(*models.Session)
	}
	return session, args.Error(1)
}

func (m *SessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// ChapterRepository mock
type ChapterRepository struct {
	mock.Mock
}

func (m *ChapterRepository) Create(ctx context.Context, chapter *models.Chapter) error {
	args := m.Called(ctx, chapter)
	return args.Error(0)
}

func (m *ChapterRepository) Get(ctx context.Context, sessionID uuid.UUID, chapterID int) (*models.Chapter, error) {
	args := m.Called(ctx, sessionID, chapterID)
	var chapter *models.Chapter
	if v := args.Get(0); v != nil {
		chapter = v.(*models.Chapter)
	}
	return chapter, args.Error(1)
}

func (m *ChapterRepository) Cursor(ctx context.Context, sessionID uuid.UUID) (models.ChapterCursor, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(models.ChapterCursor), args.Error(1)
}

func (m *ChapterRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.Chapter, error) {
	args := m.Called(ctx, sessionID)
	var chapters []*models.Chapter
	if v := args.Get(0); v != nil {
		chapters = v.([]*models.Chapter)
	}
	return chapters, args.Error(1)
}

func (m *ChapterRepository) AttachImage(ctx context.Context, sessionID uuid.UUID, chapterID int, image []byte) (bool, error) {
	args := m.Called(ctx, sessionID, chapterID, image)
	return args.Bool(0), args.Error(1)
}

func (m *ChapterRepository) MarkImageFailed(ctx context.Context, sessionID uuid.UUID, chapterID int) error {
	args := m.Called(ctx, sessionID, chapterID)
	return args.Error(0)
}

// AgentRegistry mock
type AgentRegistry struct {
	mock.Mock
}

func (m *AgentRegistry) GetByName(ctx context.Context, provider, name string) (*models.AgentBinding, error) {
	args := m.Called(ctx, provider, name)
	var binding *models.AgentBinding
	if v := args.Get(0); v != nil {
		binding = v.(*models.AgentBinding)
	}
	return binding, args.Error(1)
}

func (m *AgentRegistry) Save(ctx context.Context, binding *models.AgentBinding) error {
	args := m.Called(ctx, binding)
	return args.Error(0)
}

// ThreadStore mock
type ThreadStore struct {
	mock.Mock
}

func (m *ThreadStore) CreateThread(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *ThreadStore) AppendMessage(ctx context.Context, threadID, role, content string) error {
	args := m.Called(ctx, threadID, role, content)
	return args.Error(0)
}

func (m *ThreadStore) ListMessages(ctx context.Context, threadID string) ([]models.ThreadMessage, error) {
	args := m.Called(ctx, threadID)
	var messages []models.ThreadMessage
	if v := args.Get(0); v != nil {
		messages = v.([]models.ThreadMessage)
	}
	return messages, args.Error(1)
}

// UsageReportRepository mock
type UsageReportRepository struct {
	mock.Mock
}

func (m *UsageReportRepository) Create(ctx context.Context, report *models.UsageReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

var (
	_ interfaces.GameRepository        = (*GameRepository)(nil)
	_ interfaces.SessionRepository     = (*SessionRepository)(nil)
	_ interfaces.ChapterRepository     = (*ChapterRepository)(nil)
	_ interfaces.AgentRegistry         = (*AgentRegistry)(nil)
	_ interfaces.ThreadStore           = (*ThreadStore)(nil)
	_ interfaces.UsageReportRepository = (*UsageReportRepository)(nil)
)
