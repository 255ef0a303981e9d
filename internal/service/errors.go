package service

import (
	"errors"
	"fmt"

	"adventure-server/internal/models"
)

var (
	ErrProvider        = errors.New("llm provider request failed")
	ErrPersistence     = errors.New("failed to persist chapter")
	ErrChapterConflict = errors.New("chapter does not follow the session's last chapter")
	// ErrImageNotReady means the image may still arrive; callers should retry later.
	ErrImageNotReady = fmt.Errorf("%w: image not ready, try again later", models.ErrNotFound)
	ErrGameMismatch  = fmt.Errorf("%w: game does not match the session", models.ErrBadRequest)
)
