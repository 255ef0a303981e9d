package imagegen

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"adventure-server/internal/interfaces"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	ProviderOpenAI = "openai"
	ProviderSana   = "sana"
)

// ErrGenerationFailed wraps every provider failure.
var ErrGenerationFailed = errors.New("image generation failed")

var generationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "adventure_image_provider_duration_seconds",
		Help:    "Duration of image provider calls.",
		Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 120, 180},
	},
	[]string{"provider", "status"},
)

// Options configure the image providers.
type Options struct {
	Model      string // openai model, e.g. dall-e-3
	Size       string // openai size, e.g. 1024x1024
	BaseURL    string // openai base url override or SANA server url
	Ratio      string // SANA aspect ratio
	Timeout    time.Duration
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Minute
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	return o
}

// New builds the generator for the configured provider.
func New(provider string, opts Options, logger *zap.Logger) (interfaces.ImageGenerator, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIGenerator(opts, logger), nil
	case ProviderSana:
		if opts.BaseURL == "" {
			return nil, errors.New("sana image provider requires a base url")
		}
		return NewSanaGenerator(opts, logger), nil
	default:
		return nil, fmt.Errorf("unsupported image provider %q", provider)
	}
}

func observe(provider string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	generationDuration.WithLabelValues(provider, status).Observe(time.Since(start).Seconds())
}
