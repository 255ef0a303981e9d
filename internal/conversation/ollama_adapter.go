package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

var _ interfaces.ConversationAdapter = (*ollamaAdapter)(nil)

// ollamaAdapter emulates agents and threads on top of a stateless chat endpoint.
// Agent instructions live in the registry and the history in the thread store.
type ollamaAdapter struct {
	registry interfaces.AgentRegistry
	threads  interfaces.ThreadStore
	opts     Options
	logger   *zap.Logger
}

// NewOllamaAdapter returns an adapter for a local Ollama server.
func NewOllamaAdapter(registry interfaces.AgentRegistry, threads interfaces.ThreadStore, opts Options, logger *zap.Logger) interfaces.ConversationAdapter {
	return &ollamaAdapter{
		registry: registry,
		threads:  threads,
		opts:     opts.withDefaults(),
		logger:   logger.Named("OllamaAdapter"),
	}
}

func (a *ollamaAdapter) client(cred models.Credential) (*api.Client, error) {
	base := cred.BaseURL
	if base == "" {
		base = a.opts.BaseURL
	}
	if base == "" {
		base = "http://localhost:11434"
	}
	// the native API lives next to the OpenAI compatible /v1 prefix
	base = strings.TrimSuffix(strings.TrimSuffix(base, "/"), "/v1")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ollama base url %q: %v", ErrProvider, base, err)
	}
	return api.NewClient(u, a.opts.HTTPClient), nil
}

// EnsureAgent stores the instructions under name; the agent id is the name itself.
func (a *ollamaAdapter) EnsureAgent(ctx context.Context, name, instructions, model string, _ models.Credential) (string, error) {
	outcome := "updated"
	if _, err := a.registry.GetByName(ctx, ProviderOllama, name); errors.Is(err, models.ErrNotFound) {
		outcome = "created"
	} else if err != nil {
		return "", err
	}
	err := a.registry.Save(ctx, &models.AgentBinding{
		Provider:     ProviderOllama,
		Name:         name,
		AgentID:      name,
		Instructions: instructions,
		Model:        model,
	})
	if err != nil {
		return "", err
	}
	agentUpsertsTotal.WithLabelValues(ProviderOllama, outcome).Inc()
	a.logger.Debug("Agent saved", zap.String("agentName", name), zap.String("outcome", outcome))
	return name, nil
}

func (a *ollamaAdapter) OpenContext(ctx context.Context, _ models.Credential) (string, error) {
	return a.threads.CreateThread(ctx)
}

// Converse replays the stored thread, asks for one reply and appends both messages
// only once the reply is received, so a failed call leaves the thread untouched.
func (a *ollamaAdapter) Converse(ctx context.Context, threadID, agentID string, role models.Role, message string, cred models.Credential) (string, error) {
	log := a.logger.With(zap.String("threadID", threadID), zap.String("agentName", agentID), zap.Stringer("role", role))
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.opts.RunTimeout)
	defer cancel()

	binding, err := a.registry.GetByName(ctx, ProviderOllama, agentID)
	if err != nil {
		return "", fmt.Errorf("load agent %s: %w", agentID, err)
	}
	history, err := a.threads.ListMessages(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("load thread %s: %w", threadID, err)
	}

	msgRole := chatRole(role)
	messages := make([]api.Message, 0, len(history)+2)
	messages = append(messages, api.Message{Role: "system", Content: binding.Instructions})
	for _, m := range history {
		messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, api.Message{Role: msgRole, Content: message})

	if a.opts.EstimateTokens {
		observePromptTokens(ProviderOllama, binding.Model, message, log)
	}

	client, err := a.client(cred)
	if err != nil {
		return "", err
	}
	stream := false
	var reply strings.Builder
	err = client.Chat(ctx, &api.ChatRequest{
		Model:    binding.Model,
		Messages: messages,
		Stream:   &stream,
	}, func(resp api.ChatResponse) error {
		reply.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		conversationRequestsTotal.WithLabelValues(ProviderOllama, binding.Model, "error").Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Error("Chat timed out", zap.Duration("timeout", a.opts.RunTimeout))
			return "", fmt.Errorf("%w after %v", ErrProviderTimeout, a.opts.RunTimeout)
		}
		log.Error("Chat failed", zap.Error(err))
		return "", fmt.Errorf("%w: chat: %v", ErrProvider, err)
	}
	if reply.Len() == 0 {
		conversationRequestsTotal.WithLabelValues(ProviderOllama, binding.Model, "protocol_error").Inc()
		return "", fmt.Errorf("%w: empty reply", ErrProtocol)
	}

	if err := a.threads.AppendMessage(ctx, threadID, msgRole, message); err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	if err := a.threads.AppendMessage(ctx, threadID, "assistant", reply.String()); err != nil {
		return "", fmt.Errorf("append reply: %w", err)
	}

	duration := time.Since(start)
	conversationRequestsTotal.WithLabelValues(ProviderOllama, binding.Model, "success").Inc()
	conversationDuration.WithLabelValues(ProviderOllama, binding.Model).Observe(duration.Seconds())
	log.Info("Conversation round trip completed", zap.Duration("duration", duration), zap.Int("replyLength", reply.Len()))
	return reply.String(), nil
}

func chatRole(role models.Role) string {
	if role == models.RoleSystem {
		return "system"
	}
	return "user"
}
