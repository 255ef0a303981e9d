package imagegen

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var _ interfaces.ImageGenerator = (*openAIGenerator)(nil)

type openAIGenerator struct {
	opts   Options
	logger *zap.Logger
}

// NewOpenAIGenerator returns a generator backed by the OpenAI images endpoint.
func NewOpenAIGenerator(opts Options, logger *zap.Logger) interfaces.ImageGenerator {
	opts = opts.withDefaults()
	if opts.Model == "" {
		opts.Model = openai.CreateImageModelDallE3
	}
	if opts.Size == "" {
		opts.Size = openai.CreateImageSize1024x1024
	}
	return &openAIGenerator{opts: opts, logger: logger.Named("OpenAIImageGenerator")}
}

func (g *openAIGenerator) Generate(ctx context.Context, cred models.Credential, prompt string) (data []byte, err error) {
	start := time.Now()
	defer func() { observe(ProviderOpenAI, start, err) }()

	cfg := openai.DefaultConfig(cred.Key)
	if cred.BaseURL != "" {
		cfg.BaseURL = cred.BaseURL
	} else if g.opts.BaseURL != "" {
		cfg.BaseURL = g.opts.BaseURL
	}
	cfg.HTTPClient = g.opts.HTTPClient
	client := openai.NewClientWithConfig(cfg)

	log := g.logger.With(zap.String("model", g.opts.Model), zap.Int("promptLength", len(prompt)))
	log.Debug("Requesting image")

	resp, err := client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          g.opts.Model,
		N:              1,
		Size:           g.opts.Size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		log.Error("Image request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("%w: provider returned no image data", ErrGenerationFailed)
	}

	data, err = base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 payload: %v", ErrGenerationFailed, err)
	}
	log.Info("Image received", zap.Int("sizeBytes", len(data)), zap.Duration("duration", time.Since(start)))
	return data, nil
}
