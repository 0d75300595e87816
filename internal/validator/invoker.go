package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxResponseBytes caps a validator response body.
const maxResponseBytes = 1 << 20

// HTTPInvoker posts the payload as JSON to each validator's endpoint.
type HTTPInvoker struct {
	client    *http.Client
	endpoints map[string]string
}

// NewHTTPInvoker creates an invoker for the configured endpoints. A nil
// client uses a default one; per-call timeouts come from the context.
func NewHTTPInvoker(client *http.Client, endpoints map[string]string) *HTTPInvoker {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPInvoker{client: client, endpoints: endpoints}
}

// Invoke calls the validator and returns its prediction map.
func (h *HTTPInvoker) Invoke(ctx context.Context, validatorID string, payload *domain.ValidatorPayload) (map[string]any, error) {
	endpoint, ok := h.endpoints[validatorID]
	if !ok || endpoint == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownValidator, validatorID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", payload.TenantID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("validator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return decodePredictions(data)
}

// decodePredictions accepts a flat JSON object or one wrapped as
// {"predictions": {...}}.
func decodePredictions(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("invalid validator response: %w", err)
	}
	if out == nil {
		return map[string]any{}, nil
	}
	if inner, ok := out["predictions"].(map[string]any); ok {
		return inner, nil
	}
	return out, nil
}

// StaticInvoker returns fixed predictions per validator. It backs local
// development and tests.
type StaticInvoker struct {
	predictions map[string]map[string]any
}

// NewStaticInvoker creates an invoker from a validator id -> predictions map.
func NewStaticInvoker(predictions map[string]map[string]any) *StaticInvoker {
	return &StaticInvoker{predictions: predictions}
}

// Invoke returns a copy of the configured predictions.
func (s *StaticInvoker) Invoke(ctx context.Context, validatorID string, _ *domain.ValidatorPayload) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := s.predictions[validatorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownValidator, validatorID)
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out, nil
}

// NewInvoker creates a validator invoker based on configuration.
func NewInvoker(cfg domain.ValidatorsConfig) (domain.ValidatorInvoker, error) {
	switch cfg.Invoker {
	case "", "http":
		endpoints := make(map[string]string, len(cfg.Validators))
		for id, v := range cfg.Validators {
			endpoints[id] = v.Merge(cfg.Defaults).Endpoint
		}
		return NewHTTPInvoker(nil, endpoints), nil

	case "static":
		predictions := make(map[string]map[string]any, len(cfg.Validators))
		for id, v := range cfg.Validators {
			predictions[id] = v.Merge(cfg.Defaults).Predictions
		}
		return NewStaticInvoker(predictions), nil

	default:
		return nil, fmt.Errorf("unsupported validator invoker: %s", cfg.Invoker)
	}
}
