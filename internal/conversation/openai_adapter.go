package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var _ interfaces.ConversationAdapter = (*openAIAdapter)(nil)

// openAIAdapter maps agents onto Assistants and contexts onto Threads.
type openAIAdapter struct {
	registry interfaces.AgentRegistry
	opts     Options
	logger   *zap.Logger
	upserts  singleflight.Group
}

// NewOpenAIAdapter returns an adapter for the OpenAI Assistants API or a compatible server.
func NewOpenAIAdapter(registry interfaces.AgentRegistry, opts Options, logger *zap.Logger) interfaces.ConversationAdapter {
	return &openAIAdapter{
		registry: registry,
		opts:     opts.withDefaults(),
		logger:   logger.Named("OpenAIAdapter"),
	}
}

// client is built per call because billing follows the supplied credential.
func (a *openAIAdapter) client(cred models.Credential) *openai.Client {
	cfg := openai.DefaultConfig(cred.Key)
	if cred.BaseURL != "" {
		cfg.BaseURL = cred.BaseURL
	} else if a.opts.BaseURL != "" {
		cfg.BaseURL = a.opts.BaseURL
	}
	cfg.HTTPClient = a.opts.HTTPClient
	return openai.NewClientWithConfig(cfg)
}

// EnsureAgent creates the assistant on first use and updates its instructions afterwards.
// The name -> id binding lives in the registry, so no assistant listing is needed.
func (a *openAIAdapter) EnsureAgent(ctx context.Context, name, instructions, model string, cred models.Credential) (string, error) {
	// concurrent first sessions of one game must not create two assistants
	ch := a.upserts.DoChan(name, func() (any, error) {
		// the upsert is shared by every waiter, so no single caller may cancel it
		upsertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.RunTimeout)
		defer cancel()
		return a.ensureAgent(upsertCtx, name, instructions, model, cred)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (a *openAIAdapter) ensureAgent(ctx context.Context, name, instructions, model string, cred models.Credential) (string, error) {
	log := a.logger.With(zap.String("agentName", name), zap.String("model", model))
	client := a.client(cred)
	req := openai.AssistantRequest{
		Model:        model,
		Name:         &name,
		Instructions: &instructions,
	}

	binding, err := a.registry.GetByName(ctx, ProviderOpenAI, name)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return "", err
	}

	if binding != nil {
		_, err := client.ModifyAssistant(ctx, binding.AgentID, req)
		if err == nil {
			if err := a.save(ctx, name, binding.AgentID, instructions, model); err != nil {
				return "", err
			}
			agentUpsertsTotal.WithLabelValues(ProviderOpenAI, "updated").Inc()
			log.Debug("Assistant updated", zap.String("assistantID", binding.AgentID))
			return binding.AgentID, nil
		}
		if !isNotFound(err) {
			log.Error("Failed to update assistant", zap.String("assistantID", binding.AgentID), zap.Error(err))
			return "", fmt.Errorf("%w: modify assistant: %v", ErrProvider, err)
		}
		log.Warn("Bound assistant no longer exists, creating a new one", zap.String("assistantID", binding.AgentID))
	}

	assistant, err := client.CreateAssistant(ctx, req)
	if err != nil {
		log.Error("Failed to create assistant", zap.Error(err))
		return "", fmt.Errorf("%w: create assistant: %v", ErrProvider, err)
	}
	if err := a.save(ctx, name, assistant.ID, instructions, model); err != nil {
		return "", err
	}
	agentUpsertsTotal.WithLabelValues(ProviderOpenAI, "created").Inc()
	log.Info("Assistant created", zap.String("assistantID", assistant.ID))
	return assistant.ID, nil
}

func (a *openAIAdapter) save(ctx context.Context, name, agentID, instructions, model string) error {
	return a.registry.Save(ctx, &models.AgentBinding{
		Provider:     ProviderOpenAI,
		Name:         name,
		AgentID:      agentID,
		Instructions: instructions,
		Model:        model,
	})
}

func (a *openAIAdapter) OpenContext(ctx context.Context, cred models.Credential) (string, error) {
	thread, err := a.client(cred).CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		a.logger.Error("Failed to create thread", zap.Error(err))
		return "", fmt.Errorf("%w: create thread: %v", ErrProvider, err)
	}
	a.logger.Debug("Thread created", zap.String("threadID", thread.ID))
	return thread.ID, nil
}

// Converse posts message, runs the assistant and returns its single text reply.
// The whole round trip is bounded by the run timeout.
func (a *openAIAdapter) Converse(ctx context.Context, threadID, agentID string, role models.Role, message string, cred models.Credential) (string, error) {
	log := a.logger.With(zap.String("threadID", threadID), zap.String("assistantID", agentID), zap.Stringer("role", role))
	client := a.client(cred)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.opts.RunTimeout)
	defer cancel()

	// the Assistants API only accepts user and assistant messages
	_, err := client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:     openai.ChatMessageRoleUser,
		Content:  message,
		Metadata: map[string]any{"role": role.String()},
	})
	if err != nil {
		return "", a.fail(ctx, log, "unknown", "create message", err)
	}

	run, err := client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: agentID})
	if err != nil {
		return "", a.fail(ctx, log, "unknown", "create run", err)
	}
	log = log.With(zap.String("runID", run.ID))
	if a.opts.EstimateTokens {
		observePromptTokens(ProviderOpenAI, run.Model, message, log)
	}

	run, err = a.waitForRun(ctx, client, threadID, run)
	if err != nil {
		a.cancelRun(client, threadID, run.ID, log)
		return "", a.fail(ctx, log, run.Model, "poll run", err)
	}
	if run.Status != openai.RunStatusCompleted {
		reason := string(run.Status)
		if run.LastError != nil {
			reason = fmt.Sprintf("%s: %s", run.Status, run.LastError.Message)
		}
		conversationRequestsTotal.WithLabelValues(ProviderOpenAI, run.Model, "error").Inc()
		log.Error("Run did not complete", zap.String("status", string(run.Status)), zap.String("reason", reason))
		return "", fmt.Errorf("%w: run ended with status %s", ErrProvider, reason)
	}

	// two are requested so that an unexpected second message is detected
	limit := 2
	order := "desc"
	runID := run.ID
	list, err := client.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", a.fail(ctx, log, run.Model, "list messages", err)
	}
	reply, err := singleTextReply(list.Messages)
	if err != nil {
		conversationRequestsTotal.WithLabelValues(ProviderOpenAI, run.Model, "protocol_error").Inc()
		log.Error("Unexpected reply shape", zap.Error(err))
		return "", err
	}

	duration := time.Since(start)
	conversationRequestsTotal.WithLabelValues(ProviderOpenAI, run.Model, "success").Inc()
	conversationDuration.WithLabelValues(ProviderOpenAI, run.Model).Observe(duration.Seconds())
	log.Info("Conversation round trip completed", zap.Duration("duration", duration), zap.Int("replyLength", len(reply)))
	return reply, nil
}

// waitForRun polls until the run leaves queued/in_progress or ctx ends.
func (a *openAIAdapter) waitForRun(ctx context.Context, client *openai.Client, threadID string, run openai.Run) (openai.Run, error) {
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for run.Status == openai.RunStatusQueued || run.Status == openai.RunStatusInProgress {
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
		next, err := client.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return run, err
		}
		run = next
	}
	return run, nil
}

// cancelRun releases the thread after an abandoned run; a thread with an active run rejects new messages.
func (a *openAIAdapter) cancelRun(client *openai.Client, threadID, runID string, log *zap.Logger) {
	if runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.CancelRun(ctx, threadID, runID); err != nil {
		log.Warn("Failed to cancel abandoned run", zap.Error(err))
	}
}

func (a *openAIAdapter) fail(ctx context.Context, log *zap.Logger, model, step string, err error) error {
	conversationRequestsTotal.WithLabelValues(ProviderOpenAI, model, "error").Inc()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Error("Conversation timed out", zap.String("step", step), zap.Duration("timeout", a.opts.RunTimeout))
		return fmt.Errorf("%w after %v", ErrProviderTimeout, a.opts.RunTimeout)
	}
	log.Error("Conversation failed", zap.String("step", step), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrProvider, step, err)
}

func singleTextReply(messages []openai.Message) (string, error) {
	if len(messages) != 1 {
		return "", fmt.Errorf("%w: expected exactly one reply message, got %d", ErrProtocol, len(messages))
	}
	content := messages[0].Content
	if len(content) != 1 {
		return "", fmt.Errorf("%w: expected exactly one content block, got %d", ErrProtocol, len(content))
	}
	if content[0].Type != "text" || content[0].Text == nil {
		return "", fmt.Errorf("%w: expected text content, got %q", ErrProtocol, content[0].Type)
	}
	return content[0].Text.Value, nil
}

func isNotFound(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusNotFound
	}
	return false
}
