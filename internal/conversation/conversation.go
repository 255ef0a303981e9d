package conversation

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"adventure-server/internal/interfaces"

	"go.uber.org/zap"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

var (
	// ErrProvider wraps every failure of the provider round trip.
	ErrProvider = errors.New("conversation provider error")
	// ErrProtocol means the provider answered with something other than one text reply.
	ErrProtocol = fmt.Errorf("%w: unexpected reply shape", ErrProvider)
	// ErrProviderTimeout means the run did not finish before the run timeout.
	ErrProviderTimeout = fmt.Errorf("%w: run did not complete in time", ErrProvider)
)

// Options tune the adapters.
type Options struct {
	BaseURL        string        // used when the credential carries none
	PollInterval   time.Duration // delay between run status checks
	RunTimeout     time.Duration // upper bound of one Converse call
	EstimateTokens bool          // record prompt token estimates
	HTTPClient     *http.Client
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 120 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.RunTimeout}
	}
	return o
}

// NewAdapter builds the adapter for the configured provider.
func NewAdapter(provider string, registry interfaces.AgentRegistry, threads interfaces.ThreadStore, opts Options, logger *zap.Logger) (interfaces.ConversationAdapter, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIAdapter(registry, opts, logger), nil
	case ProviderOllama:
		return NewOllamaAdapter(registry, threads, opts, logger), nil
	default:
		return nil, fmt.Errorf("unsupported conversation provider %q", provider)
	}
}
