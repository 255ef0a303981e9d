package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"adventure-server/internal/middleware"
	"adventure-server/internal/models"
	"adventure-server/internal/service"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ChunkWatcher opens the chunk stream of one chapter.
type ChunkWatcher interface {
	Watch(ctx context.Context, sessionHash string, chapterID int) (<-chan models.Chunk, error)
}

// AdventureHandler serves the session, action, image and stream endpoints.
type AdventureHandler struct {
	sessions  service.SessionService
	executor  service.ActionExecutor
	images    service.ImageService
	watcher   ChunkWatcher
	verifier  middleware.TokenVerifier
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewAdventureHandler(
	sessions service.SessionService,
	executor service.ActionExecutor,
	images service.ImageService,
	watcher ChunkWatcher,
	verifier middleware.TokenVerifier,
	heartbeat time.Duration,
	logger *zap.Logger,
) *AdventureHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &AdventureHandler{
		sessions:  sessions,
		executor:  executor,
		images:    images,
		watcher:   watcher,
		verifier:  verifier,
		heartbeat: heartbeat,
		logger:    logger.Named("AdventureHandler"),
	}
}

// RegisterRoutes mounts all endpoints on e. Every route accepts anonymous requests;
// ownership rules are enforced by the services.
func (h *AdventureHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	auth := middleware.OptionalAuth(h.verifier, h.logger)

	sessions := e.Group("/session", auth)
	{
		sessions.POST("/new", h.startSession)
		sessions.GET("/:hash", h.getSession)
		sessions.DELETE("/:hash", h.deleteSession)
		sessions.GET("/:hash/chapters", h.listChapters)
		sessions.POST("/:hash", h.executeAction)
	}

	e.GET("/image/:hash/:chapterId", h.getImage)
	e.GET("/messages/:hash/:chapterId/stream", h.streamSSE)
	e.GET("/ws/messages/:hash/:chapterId", h.streamWS)
}

func requesterFromContext(c echo.Context) uuid.UUID {
	userID, _ := models.GetUserIDFromContext(c.Request().Context())
	return userID
}

func parseChapterID(c echo.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("chapterId"))
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

var badChapterIDResponse = APIError{Message: "chapterId must be a non-negative integer"}

func handleServiceError(c echo.Context, err error) error {
	var statusCode int
	var apiErr APIError

	switch {
	case errors.Is(err, models.ErrBadRequest), errors.Is(err, models.ErrInvalidInput):
		statusCode = http.StatusBadRequest
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrUnauthorized):
		statusCode = http.StatusUnauthorized
		apiErr = APIError{Message: "Unauthorized"}
	case errors.Is(err, models.ErrForbidden):
		statusCode = http.StatusForbidden
		apiErr = APIError{Message: "Forbidden"}
	case errors.Is(err, service.ErrImageNotReady):
		statusCode = http.StatusNotFound
		apiErr = APIError{Message: "Image not ready, try again later"}
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrGameNotFound),
		errors.Is(err, models.ErrChapterNotFound):
		statusCode = http.StatusNotFound
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, service.ErrChapterConflict):
		statusCode = http.StatusConflict
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, service.ErrProvider), errors.Is(err, service.ErrPersistence):
		statusCode = http.StatusInternalServerError
		apiErr = APIError{Message: err.Error()}
	default:
		statusCode = http.StatusInternalServerError
		apiErr = APIError{Message: "Internal server error"}
	}
	return c.JSON(statusCode, apiErr)
}

func (h *AdventureHandler) startSession(c echo.Context) error {
	var req newSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	if err := c.Validate(&req); err != nil {
		return handleServiceError(c, err)
	}

	requester := requesterFromContext(c)
	session, err := h.sessions.StartSession(c.Request().Context(), service.NewSessionRequest{
		GameID:   req.GameID,
		GameHash: req.GameHash,
	}, requester)
	if err != nil {
		h.logger.Warn("Failed to start session", zap.String("requester", requester.String()), zap.Error(err))
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

func (h *AdventureHandler) getSession(c echo.Context) error {
	session, err := h.sessions.LoadSession(c.Request().Context(), c.Param("hash"))
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

func (h *AdventureHandler) deleteSession(c echo.Context) error {
	if err := h.sessions.DeleteSession(c.Request().Context(), c.Param("hash"), requesterFromContext(c)); err != nil {
		return handleServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AdventureHandler) listChapters(c echo.Context) error {
	hash := c.Param("hash")
	entries, err := h.sessions.ListChapters(c.Request().Context(), hash)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, toChapterResponses(hash, entries))
}

func (h *AdventureHandler) executeAction(c echo.Context) error {
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
	}
	if err := c.Validate(&req); err != nil {
		return handleServiceError(c, err)
	}
	input, err := req.toInput()
	if err != nil {
		return handleServiceError(c, err)
	}

	ctx := c.Request().Context()
	session, err := h.sessions.LoadSession(ctx, c.Param("hash"))
	if err != nil {
		return handleServiceError(c, err)
	}
	game, err := h.sessions.ResolveGame(ctx, session, req.GameID, req.GameHash)
	if err != nil {
		return handleServiceError(c, err)
	}
	cred, err := h.sessions.Credential(session)
	if err != nil {
		h.logger.Error("Session credential cannot be resolved",
			zap.String("sessionID", session.ID.String()), zap.String("credentialRef", session.CredentialRef), zap.Error(err))
		return handleServiceError(c, err)
	}

	out, err := h.executor.Execute(ctx, session, game, input, cred)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *AdventureHandler) getImage(c echo.Context) error {
	chapterID, ok := parseChapterID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, badChapterIDResponse)
	}
	image, err := h.images.FetchImage(c.Request().Context(), c.Param("hash"), chapterID)
	if err != nil {
		return handleServiceError(c, err)
	}
	contentType := http.DetectContentType(image)
	if contentType == "application/octet-stream" {
		contentType = "image/png"
	}
	return c.Blob(http.StatusOK, contentType, image)
}
