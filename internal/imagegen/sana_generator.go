package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"go.uber.org/zap"
)

var _ interfaces.ImageGenerator = (*sanaGenerator)(nil)

// sanaRequest is the request body of the SANA server /generate endpoint.
type sanaRequest struct {
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
}

// sanaGenerator talks to a self-hosted SANA Sprint server. Credentials are not used.
type sanaGenerator struct {
	opts   Options
	logger *zap.Logger
}

func NewSanaGenerator(opts Options, logger *zap.Logger) interfaces.ImageGenerator {
	opts = opts.withDefaults()
	if opts.Ratio == "" {
		opts.Ratio = "1:1"
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	return &sanaGenerator{opts: opts, logger: logger.Named("SanaImageGenerator")}
}

func (g *sanaGenerator) Generate(ctx context.Context, _ models.Credential, prompt string) (data []byte, err error) {
	start := time.Now()
	defer func() { observe(ProviderSana, start, err) }()

	endpoint := g.opts.BaseURL + "/generate"
	log := g.logger.With(zap.String("url", endpoint), zap.String("ratio", g.opts.Ratio))

	body, err := json.Marshal(sanaRequest{Prompt: prompt, Ratio: g.opts.Ratio})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*")

	resp, err := g.opts.HTTPClient.Do(req)
	if err != nil {
		log.Error("SANA request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: http request failed: %v", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	payload, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Error("SANA returned non-OK status", zap.Int("statusCode", resp.StatusCode), zap.ByteString("responseBody", payload))
		return nil, fmt.Errorf("%w: status %d: %s", ErrGenerationFailed, resp.StatusCode, string(payload))
	}
	if readErr != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", ErrGenerationFailed, readErr)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty image data", ErrGenerationFailed)
	}
	log.Info("Image received", zap.Int("sizeBytes", len(payload)), zap.Duration("duration", time.Since(start)))
	return payload, nil
}
