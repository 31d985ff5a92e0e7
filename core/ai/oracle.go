// Package ai wraps the external intent-parsing service behind a small
// best-effort contract.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/m3rciful/salesbot/core/logger"
)

// ErrDisabled is returned when no oracle endpoint is configured.
var ErrDisabled = errors.New("ai: oracle disabled")

// IntentResult is the structured outcome of parsing one piece of text.
type IntentResult struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities,omitempty"`
}

// Oracle parses free text into a structured intent. Implementations are
// treated as best-effort: callers must tolerate failure unless the flow
// definition explicitly requires the result.
type Oracle interface {
	ParseIntent(ctx context.Context, text string) (*IntentResult, error)
}

// Options configure the HTTP oracle.
type Options struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPOracle calls a remote intent-parsing endpoint.
type HTTPOracle struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// New builds an Oracle from options. An empty endpoint yields a disabled
// oracle whose calls fail with ErrDisabled.
func New(opts Options) Oracle {
	if opts.Endpoint == "" {
		return disabledOracle{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPOracle{
		endpoint: opts.Endpoint,
		apiKey:   opts.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// ParseIntent posts the text and decodes the structured result.
func (o *HTTPOracle) ParseIntent(ctx context.Context, text string) (*IntentResult, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("ai: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		logger.Error(ctx, "ai", "parse_intent.fail",
			slog.String("err", err.Error()),
			slog.Duration("duration", logger.Took(start)),
		)
		return nil, fmt.Errorf("ai: parse intent: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		logger.Error(ctx, "ai", "parse_intent.fail",
			slog.Int("http_code", resp.StatusCode),
			slog.Duration("duration", logger.Took(start)),
		)
		return nil, fmt.Errorf("ai: parse intent: unexpected status %s", resp.Status)
	}

	var result IntentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ai: decode response: %w", err)
	}
	logger.Debug(ctx, "ai", "parse_intent.ok",
		slog.String("intent", result.Intent),
		slog.Float64("confidence", result.Confidence),
		slog.Duration("duration", logger.Took(start)),
	)
	return &result, nil
}

type disabledOracle struct{}

func (disabledOracle) ParseIntent(context.Context, string) (*IntentResult, error) {
	return nil, ErrDisabled
}
