package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"adventure-server/internal/interfaces/mocks"
	"adventure-server/internal/models"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newOllamaServer(t *testing.T, reply string, status int, seen *api.ChatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "model not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "llama3",
			"message": map[string]any{"role": "assistant", "content": reply},
			"done":    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaConverse(t *testing.T) {
	var seen api.ChatRequest
	srv := newOllamaServer(t, `{"story":"hi"}`, http.StatusOK, &seen)

	registry := new(mocks.AgentRegistry)
	registry.On("GetByName", mock.Anything, ProviderOllama, "game-1").
		Return(&models.AgentBinding{Name: "game-1", AgentID: "game-1", Instructions: "INSTR", Model: "llama3"}, nil)
	threads := new(mocks.ThreadStore)
	threads.On("ListMessages", mock.Anything, "thread_1").Return([]models.ThreadMessage{
		{Role: "system", Content: "intro"},
		{Role: "assistant", Content: "story so far"},
	}, nil)
	threads.On("AppendMessage", mock.Anything, "thread_1", "user", "go north").Return(nil).Once()
	threads.On("AppendMessage", mock.Anything, "thread_1", "assistant", `{"story":"hi"}`).Return(nil).Once()

	adapter := NewOllamaAdapter(registry, threads, Options{RunTimeout: time.Second}, zap.NewNop())
	reply, err := adapter.Converse(context.Background(), "thread_1", "game-1", models.RolePlayer, "go north",
		models.Credential{BaseURL: srv.URL + "/v1"})

	require.NoError(t, err)
	assert.Equal(t, `{"story":"hi"}`, reply)
	assert.Equal(t, "llama3", seen.Model)
	require.Len(t, seen.Messages, 4)
	assert.Equal(t, api.Message{Role: "system", Content: "INSTR"}, api.Message{Role: seen.Messages[0].Role, Content: seen.Messages[0].Content})
	assert.Equal(t, "go north", seen.Messages[3].Content)
	threads.AssertExpectations(t)
}

func TestOllamaConverse_FailureLeavesThreadUntouched(t *testing.T) {
	srv := newOllamaServer(t, "", http.StatusNotFound, nil)

	registry := new(mocks.AgentRegistry)
	registry.On("GetByName", mock.Anything, ProviderOllama, "game-1").
		Return(&models.AgentBinding{AgentID: "game-1", Model: "missing"}, nil)
	threads := new(mocks.ThreadStore)
	threads.On("ListMessages", mock.Anything, "thread_1").Return([]models.ThreadMessage{}, nil)

	adapter := NewOllamaAdapter(registry, threads, Options{BaseURL: srv.URL}, zap.NewNop())
	_, err := adapter.Converse(context.Background(), "thread_1", "game-1", models.RoleSystem, "{}", models.Credential{})

	assert.ErrorIs(t, err, ErrProvider)
	threads.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOllamaConverse_EmptyReply(t *testing.T) {
	srv := newOllamaServer(t, "", http.StatusOK, nil)

	registry := new(mocks.AgentRegistry)
	registry.On("GetByName", mock.Anything, ProviderOllama, "game-1").Return(&models.AgentBinding{AgentID: "game-1"}, nil)
	threads := new(mocks.ThreadStore)
	threads.On("ListMessages", mock.Anything, "thread_1").Return([]models.ThreadMessage{}, nil)

	adapter := NewOllamaAdapter(registry, threads, Options{BaseURL: srv.URL}, zap.NewNop())
	_, err := adapter.Converse(context.Background(), "thread_1", "game-1", models.RolePlayer, "{}", models.Credential{})

	assert.ErrorIs(t, err, ErrProtocol)
}

func TestOllamaEnsureAgent(t *testing.T) {
	registry := new(mocks.AgentRegistry)
	registry.On("GetByName", mock.Anything, ProviderOllama, "game-1").Return(nil, models.ErrNotFound)
	registry.On("Save", mock.Anything, mock.MatchedBy(func(b *models.AgentBinding) bool {
		return b.AgentID == "game-1" && b.Instructions == "INSTR" && b.Model == "llama3"
	})).Return(nil)

	adapter := NewOllamaAdapter(registry, new(mocks.ThreadStore), Options{}, zap.NewNop())
	id, err := adapter.EnsureAgent(context.Background(), "game-1", "INSTR", "llama3", models.Credential{})

	require.NoError(t, err)
	assert.Equal(t, "game-1", id)
	registry.AssertExpectations(t)
}
