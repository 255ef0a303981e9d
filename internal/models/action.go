package models

import (
	"encoding/json"
	"fmt"
)

// IntroChapterID is the chapter id of the first turn of every session.
const IntroChapterID = 0

// ActionType distinguishes the opening turn from regular player turns.
type ActionType string

const (
	ActionTypeIntro  ActionType = "intro"
	ActionTypeAction ActionType = "action"
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionTypeIntro, ActionTypeAction:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown action types at decode time.
func (t *ActionType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v := ActionType(s)
	if !v.Valid() {
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidInput, s)
	}
	*t = v
	return nil
}

// Role maps the action type onto the speaker of a conversation message.
func (t ActionType) Role() Role {
	if t == ActionTypeIntro {
		return RoleSystem
	}
	return RolePlayer
}

// OutputType tells the client whether a turn produced narrative or a narrative-layer error.
type OutputType string

const (
	OutputTypeStory OutputType = "story"
	OutputTypeError OutputType = "error"
)

// UnmarshalJSON accepts only story and error.
func (t *OutputType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch v := OutputType(s); v {
	case OutputTypeStory, OutputTypeError:
		*t = v
		return nil
	}
	return fmt.Errorf("%w: unknown output type %q", ErrInvalidInput, s)
}

// Role is the speaker of a message posted into a conversation.
type Role int

const (
	RolePlayer Role = iota
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleSystem:
		return "system"
	default:
		return "player"
	}
}

// StatusField is one named value of the player's game state.
type StatusField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StatusFields is an ordered status snapshot; order is significant.
type StatusFields []StatusField

// ActionInput is what the player submits for one turn.
type ActionInput struct {
	Type      ActionType   `json:"type"`
	ChapterID int          `json:"chapterId"`
	Message   string       `json:"message"`
	Status    StatusFields `json:"status"`
}

// AgentMeta describes the provider round trip that produced a turn.
type AgentMeta struct {
	Key             string `json:"key"`
	Model           string `json:"model"`
	Assistant       string `json:"assistant"`
	Thread          string `json:"thread"`
	ComputationTime int64  `json:"computationTime"` // milliseconds
}

// ActionOutput is the result of one turn, both returned to the client and persisted on the chapter.
type ActionOutput struct {
	ChapterID             int          `json:"chapterId"`
	SessionHash           string       `json:"sessionHash"`
	Type                  OutputType   `json:"type"`
	Story                 string       `json:"story"`
	Status                StatusFields `json:"status"`
	Image                 string       `json:"image"`
	Error                 string       `json:"error"`
	RawInput              string       `json:"rawInput"`
	RawOutput             string       `json:"rawOutput"`
	AssistantInstructions *string      `json:"assistantInstructions,omitempty"`
	Agent                 AgentMeta    `json:"agent"`
}
