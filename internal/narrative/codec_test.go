package narrative

import (
	"encoding/json"
	"strings"
	"testing"

	"adventure-server/internal/models"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var desertStatus = models.StatusFields{
	{Name: "Health", Value: "100"},
	{Name: "Water", Value: "3 flasks"},
}

func TestBuildInstructions(t *testing.T) {
	doc, err := BuildInstructions("", "desert", desertStatus)
	require.NoError(t, err)

	assert.NotContains(t, doc, MarkerExampleInput)
	assert.NotContains(t, doc, MarkerExampleOutput)
	assert.NotContains(t, doc, MarkerScenario)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(doc), "desert"))
	assert.Contains(t, doc, `"name": "Water"`)
	assert.Contains(t, doc, `"type": "action"`)
}

func TestBuildInstructions_Override(t *testing.T) {
	tmpl := "IN=" + MarkerExampleInput + "\nOUT=" + MarkerExampleOutput + "\nSCENARIO=" + MarkerScenario

	doc, err := BuildInstructions(tmpl, "a scenario mentioning "+MarkerScenario, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(doc, "IN={"))
	assert.Contains(t, doc, `"status": []`)
	assert.True(t, strings.HasSuffix(doc, "SCENARIO=a scenario mentioning "+MarkerScenario))

	_, err = BuildInstructions("no markers at all", "desert", nil)
	assert.ErrorIs(t, err, ErrInvalidTemplate)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestBuildInstructions_Deterministic(t *testing.T) {
	a, err := BuildInstructions("", "desert", desertStatus)
	require.NoError(t, err)
	b, err := BuildInstructions("", "desert", desertStatus)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestInputRoundTrip(t *testing.T) {
	inputs := []models.ActionInput{
		{Type: models.ActionTypeIntro, ChapterID: models.IntroChapterID, Status: desertStatus},
		{Type: models.ActionTypeAction, ChapterID: 7, Message: "I drink \"all\" the water <now>", Status: desertStatus},
		{Type: models.ActionTypeAction, ChapterID: 1, Message: "wait", Status: models.StatusFields{}},
	}
	for _, in := range inputs {
		raw, err := EncodeInput(in)
		require.NoError(t, err)
		out, err := DecodeInput(raw)
		require.NoError(t, err)
		if diff := cmp.Diff(in, out); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEncodeInput_ShapeIsStable(t *testing.T) {
	raw, err := EncodeInput(models.ActionInput{Type: models.ActionTypeAction, ChapterID: 2, Message: "go", Status: desertStatus[:1]})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"action","chapterId":2,"message":"go","status":[{"name":"Health","value":"100"}]}`, raw)
}

func TestDecodeInput_Rejects(t *testing.T) {
	for _, raw := range []string{
		`{"type":"attack","chapterId":1,"message":"","status":[]}`,
		`{"chapterId":1,"message":"","status":[]}`,
		`{"type":"action","chapterId":1,"extra":true}`,
		`not json`,
	} {
		_, err := DecodeInput(raw)
		assert.ErrorIs(t, err, models.ErrInvalidInput, raw)
	}
	_, err := EncodeInput(models.ActionInput{Type: "attack"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		"{\"a\":1}":                      `{"a":1}`,
		"  \n{\"a\":1}\n ":               `{"a":1}`,
		"```json\n{\"a\":1}\n```":        `{"a":1}`,
		"```JSON\n{\"a\":1}```":          `{"a":1}`,
		"```\n{\"a\":1}\n```\n":          `{"a":1}`,
		"```json{\"a\":1}```":            `{"a":1}`,
		"{\"story\":\"a ``` b\"}\n```  ": `{"story":"a ` + "```" + ` b"}`,
	}
	for in, want := range tests {
		assert.Equal(t, want, StripFences(in), "input %q", in)
	}
}

func TestParseReply_Story(t *testing.T) {
	raw := "```json\n" + `{"type":"narration","story":"Sand everywhere.","status":[{"name":"Health","value":"90"},{"name":"Water","value":"2 flasks"}],"image":"  dunes at noon "}` + "\n```"
	scope := ReplyScope{ChapterID: 3, SessionHash: "abc", RawInput: `{"type":"action"}`, Status: desertStatus, Instructions: "INSTR"}

	out := ParseReply(raw, scope)

	assert.Equal(t, models.OutputTypeStory, out.Type)
	assert.Equal(t, 3, out.ChapterID)
	assert.Equal(t, "abc", out.SessionHash)
	assert.Equal(t, "Sand everywhere.", out.Story)
	assert.Equal(t, "dunes at noon", out.Image)
	assert.Equal(t, "90", out.Status[0].Value)
	assert.Empty(t, out.Error)
	assert.Equal(t, raw, out.RawOutput)
	assert.Equal(t, scope.RawInput, out.RawInput)
	assert.Nil(t, out.AssistantInstructions, "instructions are only attached to the intro")
}

func TestParseReply_IntroCarriesInstructions(t *testing.T) {
	out := ParseReply(`{"story":"You wake up in the desert.","status":[],"image":""}`,
		ReplyScope{ChapterID: models.IntroChapterID, SessionHash: "abc", Instructions: "INSTR"})

	assert.Equal(t, models.OutputTypeStory, out.Type)
	assert.Equal(t, models.IntroChapterID, out.ChapterID)
	require.NotNil(t, out.AssistantInstructions)
	assert.Equal(t, "INSTR", *out.AssistantInstructions)
}

func TestParseReply_MissingStatusKeepsInput(t *testing.T) {
	out := ParseReply(`{"story":"ok","image":""}`, ReplyScope{ChapterID: 1, Status: desertStatus})
	assert.Equal(t, desertStatus, out.Status)
}

func TestParseReply_Malformed(t *testing.T) {
	for _, raw := range []string{
		"not json",
		`{"story":"truncated`,
		"",
		"null",
		`"just a string"`,
		`{"story":"a"} {"story":"b"}`,
		`{"story": 42}`,
	} {
		out := ParseReply(raw, ReplyScope{ChapterID: 2, SessionHash: "abc", Status: desertStatus})
		assert.Equal(t, models.OutputTypeError, out.Type, raw)
		assert.NotEmpty(t, out.Error, raw)
		assert.Equal(t, raw, out.RawOutput, raw)
		assert.Equal(t, 2, out.ChapterID, raw)
		assert.Equal(t, desertStatus, out.Status, raw)
	}
}

func TestOutputRoundTrip(t *testing.T) {
	instr := "INSTR"
	out := models.ActionOutput{
		ChapterID:             0,
		SessionHash:           "abc",
		Type:                  models.OutputTypeStory,
		Story:                 "<b>bold</b> & more",
		Status:                desertStatus,
		Image:                 "dunes",
		RawInput:              "{}",
		RawOutput:             "{}",
		AssistantInstructions: &instr,
		Agent:                 models.AgentMeta{Key: "sk-...abcd", Model: "gpt", Assistant: "asst", Thread: "thr", ComputationTime: 1200},
	}
	raw, err := EncodeOutput(out)
	require.NoError(t, err)
	assert.Contains(t, raw, "<b>bold</b> & more")

	back, err := DecodeOutput(raw)
	require.NoError(t, err)
	if diff := cmp.Diff(out, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	var generic map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &generic))
	for _, key := range []string{"chapterId", "sessionHash", "type", "story", "status", "image", "error", "rawInput", "rawOutput", "assistantInstructions", "agent"} {
		assert.Contains(t, generic, key)
	}
}
