package conversation

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	conversationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_conversation_requests_total",
			Help: "Total number of conversation round trips to the LLM provider.",
		},
		[]string{"provider", "model", "status"},
	)
	conversationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_conversation_duration_seconds",
			Help:    "Histogram of conversation round trip durations, including run polling.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		},
		[]string{"provider", "model"},
	)
	conversationPromptTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_conversation_prompt_tokens",
			Help:    "Histogram of estimated tokens per posted message.",
			Buckets: prometheus.LinearBuckets(50, 50, 20),
		},
		[]string{"provider", "model"},
	)
	agentUpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_conversation_agent_upserts_total",
			Help: "Agent upserts by outcome (created, updated).",
		},
		[]string{"provider", "outcome"},
	)
)

var encodings sync.Map // model -> *tiktoken.Tiktoken

// observePromptTokens records an estimate of the tokens in text.
func observePromptTokens(provider, model, text string, logger *zap.Logger) {
	enc, ok := encodings.Load(model)
	if !ok {
		tke, err := tiktoken.EncodingForModel(model)
		if err != nil {
			// unknown to tiktoken, fall back to the common base encoding
			tke, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				logger.Debug("Token estimation unavailable", zap.String("model", model), zap.Error(err))
				return
			}
		}
		enc, _ = encodings.LoadOrStore(model, tke)
	}
	tokens := len(enc.(*tiktoken.Tiktoken).Encode(text, nil, nil))
	conversationPromptTokens.WithLabelValues(provider, model).Observe(float64(tokens))
}
