package handler

import (
	"fmt"
	"time"

	"adventure-server/internal/models"
	"adventure-server/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// APIError is the JSON body of every error response.
type APIError struct {
	Message string `json:"message"`
}

// RequestValidator plugs go-playground/validator into echo's c.Validate.
type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *RequestValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", models.ErrBadRequest, err)
	}
	return nil
}

type newSessionRequest struct {
	GameID   *uuid.UUID `json:"gameId"`
	GameHash *string    `json:"gameHash" validate:"omitempty,min=1,max=128"`
}

type statusFieldDTO struct {
	Name  string `json:"name" validate:"required,max=64"`
	Value string `json:"value" validate:"max=256"`
}

// actionRequest accepts the action type under either "type" or "action".
type actionRequest struct {
	Type      string           `json:"type"`
	Action    string           `json:"action"`
	ChapterID *int             `json:"chapterId" validate:"required,min=0"`
	GameID    *uuid.UUID       `json:"gameId"`
	GameHash  *string          `json:"gameHash"`
	Message   string           `json:"message" validate:"max=4000"`
	Status    []statusFieldDTO `json:"status" validate:"dive"`
}

func (r actionRequest) toInput() (models.ActionInput, error) {
	raw := r.Type
	if raw == "" {
		raw = r.Action
	}
	t := models.ActionType(raw)
	if !t.Valid() {
		return models.ActionInput{}, fmt.Errorf("%w: type must be %q or %q", models.ErrBadRequest, models.ActionTypeIntro, models.ActionTypeAction)
	}
	status := make(models.StatusFields, 0, len(r.Status))
	for _, f := range r.Status {
		status = append(status, models.StatusField{Name: f.Name, Value: f.Value})
	}
	return models.ActionInput{Type: t, ChapterID: *r.ChapterID, Message: r.Message, Status: status}, nil
}

type chapterResponse struct {
	ChapterID   int                 `json:"chapterId"`
	Input       models.ActionInput  `json:"input"`
	Output      models.ActionOutput `json:"output"`
	ImageStatus models.ImageStatus  `json:"imageStatus"`
	ImageURL    string              `json:"imageUrl,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
}

func toChapterResponses(hash string, entries []service.ChapterEntry) []chapterResponse {
	out := make([]chapterResponse, 0, len(entries))
	for _, e := range entries {
		resp := chapterResponse{
			ChapterID:   e.ChapterID,
			Input:       e.Input,
			Output:      e.Output,
			ImageStatus: e.ImageStatus,
			CreatedAt:   e.CreatedAt,
		}
		if e.ImageStatus == models.ImageStatusReady || e.ImageStatus == models.ImageStatusPending {
			resp.ImageURL = fmt.Sprintf("/image/%s/%d", hash, e.ChapterID)
		}
		out = append(out, resp)
	}
	return out
}
