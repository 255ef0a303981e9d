package narrative

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"adventure-server/internal/models"
)

// ErrInvalidTemplate is returned for a template override missing a substitution marker.
var ErrInvalidTemplate = fmt.Errorf("%w: instructions template must contain %s, %s and %s",
	models.ErrInvalidInput, MarkerExampleInput, MarkerExampleOutput, MarkerScenario)

// replyDocument is the part of ActionOutput the provider is asked to produce.
type replyDocument struct {
	Type   string              `json:"type,omitempty"`
	Story  string              `json:"story"`
	Status models.StatusFields `json:"status"`
	Image  string              `json:"image"`
}

// BuildInstructions renders the instructions document for a game.
// An empty template selects DefaultInstructionsTemplate.
func BuildInstructions(template, scenario string, schema models.StatusFields) (string, error) {
	if template == "" {
		template = DefaultInstructionsTemplate
	}
	for _, marker := range []string{MarkerExampleInput, MarkerExampleOutput, MarkerScenario} {
		if !strings.Contains(template, marker) {
			return "", ErrInvalidTemplate
		}
	}

	if schema == nil {
		schema = models.StatusFields{}
	}
	exampleInput, err := json.MarshalIndent(models.ActionInput{
		Type:      models.ActionTypeAction,
		ChapterID: 1,
		Message:   "I climb the dune and look around.",
		Status:    schema,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode example input: %w", err)
	}
	exampleOutput, err := json.MarshalIndent(replyDocument{
		Story:  "From the top of the dune you see the ruins of a caravanserai half buried in sand.",
		Status: schema,
		Image:  "ruins of a caravanserai in the desert at dusk, seen from a dune",
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode example output: %w", err)
	}

	// single pass, so marker text inside the scenario is left alone
	r := strings.NewReplacer(
		MarkerExampleInput, string(exampleInput),
		MarkerExampleOutput, string(exampleOutput),
		MarkerScenario, scenario,
	)
	return r.Replace(template), nil
}

// EncodeInput serializes a player action into the protocol input document.
func EncodeInput(input models.ActionInput) (string, error) {
	if !input.Type.Valid() {
		return "", fmt.Errorf("%w: unknown action type %q", models.ErrInvalidInput, input.Type)
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode action input: %w", err)
	}
	return string(data), nil
}

// DecodeInput parses a protocol input document, such as a chapter's stored input.
func DecodeInput(raw string) (models.ActionInput, error) {
	var input models.ActionInput
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		return models.ActionInput{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if !input.Type.Valid() {
		return models.ActionInput{}, fmt.Errorf("%w: missing action type", models.ErrInvalidInput)
	}
	return input, nil
}

// ReplyScope carries the request-scoped values the provider does not know.
type ReplyScope struct {
	ChapterID    int
	SessionHash  string
	RawInput     string
	Status       models.StatusFields // status sent with the action
	Instructions string
}

// ParseReply turns a provider reply into an ActionOutput. A reply that is not
// the expected JSON document yields an output of type error, never a Go error.
func ParseReply(raw string, scope ReplyScope) models.ActionOutput {
	out := models.ActionOutput{
		ChapterID:   scope.ChapterID,
		SessionHash: scope.SessionHash,
		RawInput:    scope.RawInput,
		RawOutput:   raw,
		Status:      scope.Status,
	}
	if scope.ChapterID == models.IntroChapterID {
		instructions := scope.Instructions
		out.AssistantInstructions = &instructions
	}

	reply, err := decodeReply(StripFences(raw))
	if err != nil {
		out.Type = models.OutputTypeError
		out.Error = err.Error()
		return out
	}

	// the provider's own type is ignored
	out.Type = models.OutputTypeStory
	out.Story = reply.Story
	out.Image = strings.TrimSpace(reply.Image)
	if reply.Status != nil {
		out.Status = reply.Status
	}
	return out
}

func decodeReply(s string) (replyDocument, error) {
	var reply replyDocument
	if s == "" {
		return reply, errors.New("empty reply")
	}
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&reply); err != nil {
		return reply, err
	}
	if s[0] != '{' {
		return reply, errors.New("reply is not a JSON object")
	}
	if dec.More() {
		return reply, errors.New("unexpected data after the reply document")
	}
	return reply, nil
}

// StripFences removes a surrounding markdown code fence and whitespace.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
			s = s[4:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// EncodeOutput serializes an output for storage as a chapter's raw output.
func EncodeOutput(out models.ActionOutput) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return "", fmt.Errorf("failed to encode action output: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// DecodeOutput parses a stored chapter output.
func DecodeOutput(raw string) (models.ActionOutput, error) {
	var out models.ActionOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return models.ActionOutput{}, fmt.Errorf("failed to decode stored output: %w", err)
	}
	return out, nil
}
