package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"
	"adventure-server/internal/narrative"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewSessionRequest selects the game of a new session: exactly one of the fields is set.
type NewSessionRequest struct {
	GameID   *uuid.UUID
	GameHash *string
}

// ChapterEntry is one turn of a session transcript.
type ChapterEntry struct {
	ChapterID   int
	Input       models.ActionInput
	Output      models.ActionOutput
	ImageStatus models.ImageStatus
	CreatedAt   time.Time
}

// SessionService manages the lifecycle of play-throughs.
type SessionService interface {
	// CreateSession provisions the agent and a fresh conversation for game. It does not persist.
	CreateSession(ctx context.Context, game *models.Game, userID uuid.NullUUID, credRef string) (*models.Session, error)
	// LoadSession accepts a session id or a public hash.
	LoadSession(ctx context.Context, hashOrID string) (*models.Session, error)
	StartSession(ctx context.Context, req NewSessionRequest, requester uuid.UUID) (*models.Session, error)
	DeleteSession(ctx context.Context, hash string, requester uuid.UUID) error
	ListChapters(ctx context.Context, hash string) ([]ChapterEntry, error)
	// ResolveGame returns the game of session, checking the optional ids supplied by a client.
	ResolveGame(ctx context.Context, session *models.Session, gameID *uuid.UUID, gameHash *string) (*models.Game, error)
	// Credential resolves the credential the session was started with.
	Credential(session *models.Session) (models.Credential, error)
}

// SessionConfig holds the session defaults.
type SessionConfig struct {
	DefaultModel    string
	AgentNamePrefix string
}

type sessionServiceImpl struct {
	games        interfaces.GameRepository
	sessions     interfaces.SessionRepository
	chapters     interfaces.ChapterRepository
	conversation interfaces.ConversationAdapter
	credentials  interfaces.CredentialProvider
	hashes       *HashGenerator
	cfg          SessionConfig
	logger       *zap.Logger
}

func NewSessionService(
	games interfaces.GameRepository,
	sessions interfaces.SessionRepository,
	chapters interfaces.ChapterRepository,
	conversation interfaces.ConversationAdapter,
	credentials interfaces.CredentialProvider,
	hashes *HashGenerator,
	cfg SessionConfig,
	logger *zap.Logger,
) SessionService {
	return &sessionServiceImpl{
		games:        games,
		sessions:     sessions,
		chapters:     chapters,
		conversation: conversation,
		credentials:  credentials,
		hashes:       hashes,
		cfg:          cfg,
		logger:       logger.Named("SessionService"),
	}
}

func (s *sessionServiceImpl) CreateSession(ctx context.Context, game *models.Game, userID uuid.NullUUID, credRef string) (*models.Session, error) {
	log := s.logger.With(zap.String("gameID", game.ID.String()))

	template := ""
	if game.InstructionsTemplate != nil {
		template = *game.InstructionsTemplate
	}
	instructions, err := narrative.BuildInstructions(template, game.Scenario, game.StatusFields)
	if err != nil {
		log.Warn("Invalid instructions template", zap.Error(err))
		return nil, err
	}

	cred, err := s.credentials.Resolve(credRef)
	if err != nil {
		log.Error("Failed to resolve credential", zap.String("credentialRef", credRef), zap.Error(err))
		return nil, err
	}

	model := s.cfg.DefaultModel
	if game.Model != nil && *game.Model != "" {
		model = *game.Model
	}

	agentID, err := s.conversation.EnsureAgent(ctx, s.cfg.AgentNamePrefix+game.ID.String(), instructions, model, cred)
	if err != nil {
		log.Error("Failed to ensure agent", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	threadID, err := s.conversation.OpenContext(ctx, cred)
	if err != nil {
		log.Error("Failed to open conversation", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	hash, err := s.hashes.New()
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		ID:            uuid.New(),
		Hash:          hash,
		UserID:        userID,
		GameID:        game.ID,
		AgentID:       agentID,
		ThreadID:      threadID,
		Model:         model,
		Instructions:  instructions,
		CredentialRef: cred.Ref,
		CreatedAt:     time.Now().UTC(),
	}
	log.Info("Session provisioned", zap.String("sessionID", session.ID.String()), zap.String("agentID", agentID), zap.String("threadID", threadID))
	return session, nil
}

func (s *sessionServiceImpl) LoadSession(ctx context.Context, hashOrID string) (*models.Session, error) {
	if id, err := uuid.Parse(hashOrID); err == nil {
		return s.sessions.GetByID(ctx, id)
	}
	return s.sessions.GetByHash(ctx, hashOrID)
}

func (s *sessionServiceImpl) StartSession(ctx context.Context, req NewSessionRequest, requester uuid.UUID) (*models.Session, error) {
	if (req.GameID == nil) == (req.GameHash == nil) {
		return nil, fmt.Errorf("%w: exactly one of gameId and gameHash is required", models.ErrBadRequest)
	}

	var (
		game   *models.Game
		userID uuid.NullUUID
		err    error
	)
	if req.GameID != nil {
		if requester == uuid.Nil {
			return nil, models.ErrUnauthorized
		}
		game, err = s.games.GetByID(ctx, *req.GameID)
		if err != nil {
			return nil, err
		}
		if !game.IsOwnedBy(requester) {
			s.logger.Warn("Session start denied, game not owned by requester",
				zap.String("gameID", game.ID.String()), zap.String("requester", requester.String()))
			return nil, models.ErrForbidden
		}
		userID = uuid.NullUUID{UUID: requester, Valid: true}
	} else {
		// public games are played anonymously, even by signed-in users
		game, err = s.games.GetByHash(ctx, *req.GameHash)
		if err != nil {
			return nil, err
		}
	}

	session, err := s.CreateSession(ctx, game, userID, game.CredentialRef)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		s.logger.Error("Failed to persist session", zap.String("sessionID", session.ID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

func (s *sessionServiceImpl) DeleteSession(ctx context.Context, hash string, requester uuid.UUID) error {
	session, err := s.sessions.GetByHash(ctx, hash)
	if err != nil {
		return err
	}
	if !session.CanBeManagedBy(requester) {
		if requester == uuid.Nil {
			return models.ErrUnauthorized
		}
		return models.ErrForbidden
	}
	if err := s.sessions.Delete(ctx, session.ID); err != nil {
		return err
	}
	s.logger.Info("Session deleted", zap.String("sessionID", session.ID.String()))
	return nil
}

func (s *sessionServiceImpl) ListChapters(ctx context.Context, hash string) ([]ChapterEntry, error) {
	session, err := s.sessions.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	chapters, err := s.chapters.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	entries := make([]ChapterEntry, 0, len(chapters))
	for _, ch := range chapters {
		entry := ChapterEntry{ChapterID: ch.ChapterID, ImageStatus: ch.ImageStatus, CreatedAt: ch.CreatedAt}
		if entry.Input, err = narrative.DecodeInput(ch.Input); err != nil {
			return nil, fmt.Errorf("chapter %d: %w", ch.ChapterID, err)
		}
		if entry.Output, err = narrative.DecodeOutput(ch.Output); err != nil {
			return nil, fmt.Errorf("chapter %d: %w", ch.ChapterID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *sessionServiceImpl) ResolveGame(ctx context.Context, session *models.Session, gameID *uuid.UUID, gameHash *string) (*models.Game, error) {
	if gameID != nil && *gameID != session.GameID {
		return nil, ErrGameMismatch
	}
	game, err := s.games.GetByID(ctx, session.GameID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: session game no longer exists", err)
		}
		return nil, err
	}
	if gameHash != nil && (game.Hash == nil || *game.Hash != *gameHash) {
		return nil, ErrGameMismatch
	}
	return game, nil
}

func (s *sessionServiceImpl) Credential(session *models.Session) (models.Credential, error) {
	return s.credentials.Resolve(session.CredentialRef)
}
