package database_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"adventure-server/internal/database"
	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

type DatabaseIntegrationSuite struct {
	suite.Suite
	ctx         context.Context
	logger      *zap.Logger
	pgContainer *postgres.PostgresContainer
	rdContainer *tcredis.RedisContainer
	pool        *pgxpool.Pool
	redisClient *redis.Client

	games    interfaces.GameRepository
	sessions interfaces.SessionRepository
	chapters interfaces.ChapterRepository
	agents   interfaces.AgentRegistry
	threads  interfaces.ThreadStore
	usage    interfaces.UsageReportRepository
}

func (s *DatabaseIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = zap.NewNop()

	var err error
	s.pgContainer, err = postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start postgres container")

	dsn, err := s.pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err)
	require.NoError(s.T(), database.ApplyMigrations(dsn, s.logger))
	// second run is a no-op
	require.NoError(s.T(), database.ApplyMigrations(dsn, s.logger))

	s.pool, err = pgxpool.New(s.ctx, dsn)
	require.NoError(s.T(), err)

	s.rdContainer, err = tcredis.Run(s.ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("* Ready to accept connections").
				WithOccurrence(1).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start redis container")
	redisURL, err := s.rdContainer.ConnectionString(s.ctx)
	require.NoError(s.T(), err)
	opts, err := redis.ParseURL(redisURL)
	require.NoError(s.T(), err)
	s.redisClient = redis.NewClient(opts)

	s.games = database.NewPgGameRepository(s.pool, s.logger)
	s.sessions = database.NewPgSessionRepository(s.pool, s.logger)
	s.chapters = database.NewPgChapterRepository(s.pool, s.logger)
	s.agents = database.NewPgAgentRegistry(s.pool, s.logger)
	s.threads = database.NewPgThreadStore(s.pool, s.logger)
	s.usage = database.NewPgUsageReportRepository(s.pool, s.logger)
}

func (s *DatabaseIntegrationSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(s.ctx)
	}
	if s.rdContainer != nil {
		_ = s.rdContainer.Terminate(s.ctx)
	}
}

func (s *DatabaseIntegrationSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, "TRUNCATE games, sessions, chapters, conversation_agents, conversation_threads, conversation_messages, usage_reports CASCADE")
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.redisClient.FlushDB(s.ctx).Err())
}

func (s *DatabaseIntegrationSuite) createSession() (*models.Game, *models.Session) {
	hash := "g-" + uuid.NewString()[:8]
	game := &models.Game{
		OwnerID:      uuid.New(),
		Hash:         &hash,
		Title:        "Desert",
		Scenario:     "desert",
		StatusFields: models.StatusFields{{Name: "Health", Value: "100"}, {Name: "Water", Value: "3"}},
		ImageStyle:   "watercolor",
	}
	require.NoError(s.T(), s.games.Create(s.ctx, game))

	session := &models.Session{
		Hash:          "s-" + uuid.NewString(),
		GameID:        game.ID,
		AgentID:       "asst_1",
		ThreadID:      "thread_1",
		Model:         "gpt-4o-mini",
		Instructions:  "instructions",
		CredentialRef: "default",
	}
	require.NoError(s.T(), s.sessions.Create(s.ctx, session))
	return game, session
}

func (s *DatabaseIntegrationSuite) TestGameRoundTrip() {
	game, _ := s.createSession()

	byID, err := s.games.GetByID(s.ctx, game.ID)
	s.Require().NoError(err)
	s.Equal(game.StatusFields, byID.StatusFields)
	s.Equal("watercolor", byID.ImageStyle)

	byHash, err := s.games.GetByHash(s.ctx, *game.Hash)
	s.Require().NoError(err)
	s.Equal(game.ID, byHash.ID)

	_, err = s.games.GetByID(s.ctx, uuid.New())
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *DatabaseIntegrationSuite) TestSessionLifecycle() {
	_, session := s.createSession()

	loaded, err := s.sessions.GetByHash(s.ctx, session.Hash)
	s.Require().NoError(err)
	s.True(loaded.IsAnonymous())
	s.Equal(session.ID, loaded.ID)

	s.Require().NoError(s.chapters.Create(s.ctx, &models.Chapter{SessionID: session.ID, ChapterID: 0, Input: "{}", Output: "{}"}))
	s.Require().NoError(s.sessions.Delete(s.ctx, session.ID))

	_, err = s.sessions.GetByID(s.ctx, session.ID)
	s.ErrorIs(err, models.ErrNotFound)
	_, err = s.chapters.Get(s.ctx, session.ID, 0)
	s.ErrorIs(err, models.ErrNotFound, "chapters are removed with the session")
	s.ErrorIs(s.sessions.Delete(s.ctx, session.ID), models.ErrNotFound)
}

func (s *DatabaseIntegrationSuite) TestChapterSequenceIsGapless() {
	_, session := s.createSession()

	cursor, err := s.chapters.Cursor(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.IntroChapterID, cursor.Next())

	for i := 0; i < 3; i++ {
		cursor, err = s.chapters.Cursor(s.ctx, session.ID)
		s.Require().NoError(err)
		s.Require().NoError(s.chapters.Create(s.ctx, &models.Chapter{
			SessionID: session.ID,
			ChapterID: cursor.Next(),
			Input:     fmt.Sprintf(`{"n":%d}`, i),
			Output:    "{}",
		}))
	}

	err = s.chapters.Create(s.ctx, &models.Chapter{SessionID: session.ID, ChapterID: 2, Input: "dup", Output: "dup"})
	s.ErrorIs(err, models.ErrAlreadyExists)

	list, err := s.chapters.ListBySession(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Require().Len(list, 3)
	for i, ch := range list {
		s.Equal(i, ch.ChapterID)
		s.Nil(ch.Image)
	}
}

func (s *DatabaseIntegrationSuite) TestAttachImageOnlyOnce() {
	_, session := s.createSession()
	s.Require().NoError(s.chapters.Create(s.ctx, &models.Chapter{
		SessionID: session.ID, ChapterID: 0, Input: "{}", Output: "{}", ImageStatus: models.ImageStatusPending,
	}))

	attached, err := s.chapters.AttachImage(s.ctx, session.ID, 0, []byte("first"))
	s.Require().NoError(err)
	s.True(attached)

	attached, err = s.chapters.AttachImage(s.ctx, session.ID, 0, []byte("second"))
	s.Require().NoError(err)
	s.False(attached)

	s.Require().NoError(s.chapters.MarkImageFailed(s.ctx, session.ID, 0))

	ch, err := s.chapters.Get(s.ctx, session.ID, 0)
	s.Require().NoError(err)
	s.Equal([]byte("first"), ch.Image)
	s.Equal(models.ImageStatusReady, ch.ImageStatus)
}

func (s *DatabaseIntegrationSuite) TestAgentRegistryUpsert() {
	_, err := s.agents.GetByName(s.ctx, "openai", "game-1")
	s.ErrorIs(err, models.ErrNotFound)

	s.Require().NoError(s.agents.Save(s.ctx, &models.AgentBinding{Provider: "openai", Name: "game-1", AgentID: "asst_1", Instructions: "v1", Model: "m"}))
	s.Require().NoError(s.agents.Save(s.ctx, &models.AgentBinding{Provider: "openai", Name: "game-1", AgentID: "asst_1", Instructions: "v2", Model: "m"}))

	binding, err := s.agents.GetByName(s.ctx, "openai", "game-1")
	s.Require().NoError(err)
	s.Equal("asst_1", binding.AgentID)
	s.Equal("v2", binding.Instructions)
}

func (s *DatabaseIntegrationSuite) TestThreadStore() {
	threadID, err := s.threads.CreateThread(s.ctx)
	s.Require().NoError(err)

	s.Require().NoError(s.threads.AppendMessage(s.ctx, threadID, "user", "hello"))
	s.Require().NoError(s.threads.AppendMessage(s.ctx, threadID, "assistant", "hi"))

	messages, err := s.threads.ListMessages(s.ctx, threadID)
	s.Require().NoError(err)
	s.Require().Len(messages, 2)
	s.Equal(1, messages[0].Seq)
	s.Equal("assistant", messages[1].Role)
}

func (s *DatabaseIntegrationSuite) TestUsageReport() {
	_, session := s.createSession()
	chapterID := 1
	msg := "quota exceeded"
	s.Require().NoError(s.usage.Create(s.ctx, &models.UsageReport{
		SessionID:     &session.ID,
		ChapterID:     &chapterID,
		Kind:          models.UsageKindImage,
		Model:         "dall-e-3",
		CredentialKey: "sk-...1234",
		Error:         &msg,
	}))

	var count int
	s.Require().NoError(s.pool.QueryRow(s.ctx, "SELECT COUNT(*) FROM usage_reports WHERE session_id = $1", session.ID).Scan(&count))
	s.Equal(1, count)
}

func (s *DatabaseIntegrationSuite) TestRedisSessionLockSerialises() {
	lock := database.NewRedisSessionLock(s.redisClient, time.Minute, s.logger)

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			defer cancel()
			unlock, err := lock.Lock(ctx, "session-1")
			if !assert.NoError(s.T(), err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	s.Equal(1, maxSeen)
}

func (s *DatabaseIntegrationSuite) TestRedisSessionLockHonoursContext() {
	lock := database.NewRedisSessionLock(s.redisClient, time.Minute, s.logger)
	unlock, err := lock.Lock(s.ctx, "session-2")
	s.Require().NoError(err)
	defer unlock()

	ctx, cancel := context.WithTimeout(s.ctx, 300*time.Millisecond)
	defer cancel()
	_, err = lock.Lock(ctx, "session-2")
	s.ErrorIs(err, context.DeadlineExceeded)
}

func TestDatabaseIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	suite.Run(t, new(DatabaseIntegrationSuite))
}
