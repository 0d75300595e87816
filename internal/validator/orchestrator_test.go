package validator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/expression"
)

type invokerFunc func(ctx context.Context, validatorID string, payload *domain.ValidatorPayload) (map[string]any, error)

func (f invokerFunc) Invoke(ctx context.Context, validatorID string, payload *domain.ValidatorPayload) (map[string]any, error) {
	return f(ctx, validatorID, payload)
}

// countingInvoker counts calls and delegates to fn.
type countingInvoker struct {
	calls atomic.Int32
	fn    invokerFunc
}

func (c *countingInvoker) Invoke(ctx context.Context, validatorID string, payload *domain.ValidatorPayload) (map[string]any, error) {
	c.calls.Add(1)
	return c.fn(ctx, validatorID, payload)
}

func fastPolicy() domain.ValidatorConfig {
	return domain.ValidatorConfig{
		TimeoutMs: 200,
		Retry: domain.RetryPolicy{
			MaxAttempts:       3,
			BackoffMs:         1,
			BackoffMultiplier: 2,
			MaxBackoffMs:      5,
		},
		Breaker: domain.BreakerPolicy{
			FailureThreshold: 10,
			ResetTimeoutMs:   60000,
			HalfOpenRequests: 1,
		},
		Fallback: domain.FallbackPolicy{Action: domain.FallbackSkip},
	}
}

func newOrchestrator(t *testing.T, invoker domain.ValidatorInvoker, validators map[string]domain.ValidatorConfig) *Orchestrator {
	t.Helper()
	expr, err := expression.New()
	require.NoError(t, err)
	return NewOrchestrator(invoker, domain.ValidatorsConfig{
		Defaults:   fastPolicy(),
		Validators: validators,
	}, expr)
}

func externalRule(validatorID, check string) *domain.FraudRule {
	return &domain.FraudRule{
		ID:        "EXT-001",
		Code:      "OBJECT_MISSING",
		Name:      "Expected object not detected",
		Category:  "EVIDENCE_INTEGRITY",
		Severity:  domain.SeverityHigh,
		RuleType:  domain.RuleTypeExternal,
		Enabled:   true,
		Condition: domain.ExternalCheck{ValidatorID: validatorID, CheckExpression: check},
	}
}

func sampleRequest() *domain.EvaluationRequest {
	lat, lon := 28.5, 77.1
	return &domain.EvaluationRequest{
		ApplicationID: "APP-1",
		TenantID:      "pb.amritsar",
		Applicant:     domain.Applicant{ApplicantID: "USR-1"},
		Location:      &domain.Location{Latitude: &lat, Longitude: &lon},
		Evidences: []domain.Evidence{
			{Purpose: "primary", FileStoreID: "fs-1"},
		},
	}
}

func TestValidateTriggers(t *testing.T) {
	predictions := map[string]map[string]any{
		"OBJECT_DETECTOR": {"detectedCount": 0, "confidence": 0.12},
	}
	o := newOrchestrator(t, NewStaticInvoker(predictions), nil)

	t.Run("triggered", func(t *testing.T) {
		result := o.Validate(context.Background(), externalRule("OBJECT_DETECTOR", "detectedCount == 0"), sampleRequest())

		assert.True(t, result.Triggered)
		assert.False(t, result.Errored)
		assert.Equal(t, "Validator OBJECT_DETECTOR check triggered: detectedCount == 0", result.Message)
		assert.Equal(t, "OBJECT_DETECTOR", result.Details["validator_id"])
		assert.Equal(t, domain.RuleTypeExternal, result.RuleType)
	})

	t.Run("passed", func(t *testing.T) {
		result := o.Validate(context.Background(), externalRule("OBJECT_DETECTOR", "confidence > 0.5"), sampleRequest())

		assert.False(t, result.Triggered)
		assert.False(t, result.Errored)
		assert.Equal(t, "Validator OBJECT_DETECTOR check passed", result.Message)
	})

	t.Run("prediction overrides additional data", func(t *testing.T) {
		req := sampleRequest()
		req.AdditionalData = map[string]any{"detectedCount": 4}

		result := o.Validate(context.Background(), externalRule("OBJECT_DETECTOR", "detectedCount == 0"), req)
		assert.True(t, result.Triggered)
	})

	t.Run("invalid check expression", func(t *testing.T) {
		result := o.Validate(context.Background(), externalRule("OBJECT_DETECTOR", "detectedCount =="), sampleRequest())

		assert.False(t, result.Triggered)
		assert.True(t, result.Errored)
		assert.Contains(t, result.Message, "Check expression error")
	})

	t.Run("no check expression", func(t *testing.T) {
		result := o.Validate(context.Background(), externalRule("OBJECT_DETECTOR", ""), sampleRequest())

		assert.False(t, result.Triggered)
		assert.False(t, result.Errored)
	})
}

func TestValidateMissingValidator(t *testing.T) {
	o := newOrchestrator(t, NewStaticInvoker(nil), nil)

	rule := externalRule("", "x > 1")
	result := o.Validate(context.Background(), rule, sampleRequest())
	assert.True(t, result.Errored)
	assert.Equal(t, "No validator configured", result.Message)

	rule.Condition = domain.NullCheck{Field: "gpsLatitude"}
	result = o.Validate(context.Background(), rule, sampleRequest())
	assert.True(t, result.Errored)
	assert.Contains(t, result.Details["error"], "NULL_CHECK")
}

func TestPayloadEvidenceFilter(t *testing.T) {
	var mu sync.Mutex
	sent := map[string][]string{}
	inv := invokerFunc(func(_ context.Context, validatorID string, payload *domain.ValidatorPayload) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range payload.Evidences {
			sent[validatorID] = append(sent[validatorID], ev.Purpose)
		}
		return map[string]any{"detectedCount": 1}, nil
	})

	detector := fastPolicy()
	detector.EvidencePurposes = []string{"PRIMARY"}
	o := newOrchestrator(t, inv, map[string]domain.ValidatorConfig{"OBJECT_DETECTOR": detector})

	req := sampleRequest()
	req.Evidences = append(req.Evidences, domain.Evidence{Purpose: "selfie", FileStoreID: "fs-2"})

	o.Validate(context.Background(), externalRule("OBJECT_DETECTOR", "detectedCount == 0"), req)
	o.Validate(context.Background(), externalRule("FACE_MATCHER", "detectedCount == 0"), req)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"primary"}, sent["OBJECT_DETECTOR"], "filtered to the configured purpose")
	assert.Equal(t, []string{"primary", "selfie"}, sent["FACE_MATCHER"], "unfiltered validators get every evidence")
	assert.Len(t, req.Evidences, 2, "request evidence must not be modified")
}

func TestRetry(t *testing.T) {
	t.Run("recovers on a later attempt", func(t *testing.T) {
		inv := &countingInvoker{}
		inv.fn = func(ctx context.Context, _ string, _ *domain.ValidatorPayload) (map[string]any, error) {
			if inv.calls.Load() < 3 {
				return nil, errors.New("connection reset")
			}
			return map[string]any{"similarity": 0.4}, nil
		}
		o := newOrchestrator(t, inv, nil)

		result := o.Validate(context.Background(), externalRule("FACE_MATCHER", "similarity < 0.8"), sampleRequest())

		assert.Equal(t, int32(3), inv.calls.Load())
		assert.True(t, result.Triggered)
		assert.False(t, result.Errored)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		inv := &countingInvoker{fn: func(ctx context.Context, _ string, _ *domain.ValidatorPayload) (map[string]any, error) {
			return nil, errors.New("503 from upstream")
		}}
		o := newOrchestrator(t, inv, nil)

		result := o.Validate(context.Background(), externalRule("FACE_MATCHER", "similarity < 0.8"), sampleRequest())

		assert.Equal(t, int32(3), inv.calls.Load())
		assert.False(t, result.Triggered)
		assert.True(t, result.Errored)
		assert.Equal(t, true, result.Details["fallback"])
		assert.Contains(t, result.Details["error"], "after 3 attempt(s)")
	})

	t.Run("unknown validator is not retried", func(t *testing.T) {
		inv := &countingInvoker{fn: func(ctx context.Context, id string, _ *domain.ValidatorPayload) (map[string]any, error) {
			return nil, domain.ErrUnknownValidator
		}}
		o := newOrchestrator(t, inv, nil)

		result := o.Validate(context.Background(), externalRule("NOPE", "x > 1"), sampleRequest())

		assert.Equal(t, int32(1), inv.calls.Load())
		assert.True(t, result.Errored)
	})
}

func TestTimeout(t *testing.T) {
	inv := &countingInvoker{fn: func(ctx context.Context, _ string, _ *domain.ValidatorPayload) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := fastPolicy()
	cfg.TimeoutMs = 20
	cfg.Retry.MaxAttempts = 2
	o := newOrchestrator(t, inv, map[string]domain.ValidatorConfig{"ANOMALY_DETECTOR": cfg})

	start := time.Now()
	result := o.Validate(context.Background(), externalRule("ANOMALY_DETECTOR", "isAnomaly"), sampleRequest())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(2), inv.calls.Load())
	assert.True(t, result.Errored)
	assert.Contains(t, result.Details["error"], domain.ErrValidatorTimeout.Error())
}

func TestParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &countingInvoker{fn: func(ictx context.Context, _ string, _ *domain.ValidatorPayload) (map[string]any, error) {
		cancel()
		<-ictx.Done()
		return nil, ictx.Err()
	}}
	o := newOrchestrator(t, inv, nil)

	result := o.Validate(ctx, externalRule("ANOMALY_DETECTOR", "isAnomaly"), sampleRequest())

	assert.Equal(t, int32(1), inv.calls.Load())
	assert.True(t, result.Errored)
	assert.Equal(t, gobreaker.StateClosed, o.BreakerState("ANOMALY_DETECTOR"))
}

func TestCircuitBreaker(t *testing.T) {
	inv := &countingInvoker{fn: func(ctx context.Context, _ string, _ *domain.ValidatorPayload) (map[string]any, error) {
		return nil, errors.New("model server down")
	}}
	cfg := fastPolicy()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 3
	o := newOrchestrator(t, inv, map[string]domain.ValidatorConfig{"GPS_SPOOFING_DETECTOR": cfg})
	rule := externalRule("GPS_SPOOFING_DETECTOR", "spoofed == true")

	for i := 0; i < 3; i++ {
		result := o.Validate(context.Background(), rule, sampleRequest())
		require.True(t, result.Errored)
	}
	require.Equal(t, int32(3), inv.calls.Load())
	assert.Equal(t, gobreaker.StateOpen, o.BreakerState("GPS_SPOOFING_DETECTOR"))

	for i := 0; i < 5; i++ {
		result := o.Validate(context.Background(), rule, sampleRequest())
		assert.True(t, result.Errored)
		assert.Contains(t, result.Details["error"], domain.ErrCircuitOpen.Error())
	}
	assert.Equal(t, int32(3), inv.calls.Load(), "open breaker must not call the validator")

	// Other validators keep their own breaker.
	assert.Equal(t, gobreaker.StateClosed, o.BreakerState("FACE_MATCHER"))
}

func TestCircuitBreakerRecovers(t *testing.T) {
	var healthy atomic.Bool
	inv := &countingInvoker{fn: func(ctx context.Context, _ string, _ *domain.ValidatorPayload) (map[string]any, error) {
		if healthy.Load() {
			return map[string]any{"score": 0.9}, nil
		}
		return nil, errors.New("unavailable")
	}}
	cfg := fastPolicy()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.ResetTimeoutMs = 30
	o := newOrchestrator(t, inv, map[string]domain.ValidatorConfig{"IMAGE_QUALITY_ANALYZER": cfg})
	rule := externalRule("IMAGE_QUALITY_ANALYZER", "score < 0.5")

	o.Validate(context.Background(), rule, sampleRequest())
	require.Equal(t, gobreaker.StateOpen, o.BreakerState("IMAGE_QUALITY_ANALYZER"))

	healthy.Store(true)
	time.Sleep(60 * time.Millisecond)

	result := o.Validate(context.Background(), rule, sampleRequest())
	assert.False(t, result.Errored)
	assert.Equal(t, "Validator IMAGE_QUALITY_ANALYZER check passed", result.Message)
	assert.Equal(t, gobreaker.StateClosed, o.BreakerState("IMAGE_QUALITY_ANALYZER"))
}

func TestFallbackPolicies(t *testing.T) {
	failing := invokerFunc(func(ctx context.Context, _ string, _ *domain.ValidatorPayload) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	tests := []struct {
		name        string
		fallback    domain.FallbackPolicy
		triggered   bool
		needsReview bool
		score       int
		message     string
	}{
		{
			name:     "skip",
			fallback: domain.FallbackPolicy{Action: domain.FallbackSkip},
			message:  "External validation unavailable - skipped",
		},
		{
			name:        "degrade",
			fallback:    domain.FallbackPolicy{Action: domain.FallbackDegrade},
			needsReview: true,
			message:     "External validation unavailable - manual review required",
		},
		{
			name:      "apply default",
			fallback:  domain.FallbackPolicy{Action: domain.FallbackDefault, DefaultScore: 12},
			triggered: true,
			score:     12,
			message:   "External validation unavailable - default score applied",
		},
		{
			name:     "unknown action skips",
			fallback: domain.FallbackPolicy{Action: "RETRY_FOREVER"},
			message:  "External validation unavailable - skipped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastPolicy()
			cfg.Retry.MaxAttempts = 1
			cfg.Fallback = tt.fallback
			o := newOrchestrator(t, failing, map[string]domain.ValidatorConfig{"FACE_MATCHER": cfg})

			result := o.Validate(context.Background(), externalRule("FACE_MATCHER", "similarity < 0.8"), sampleRequest())

			assert.Equal(t, tt.triggered, result.Triggered)
			assert.Equal(t, tt.needsReview, result.NeedsReview)
			assert.Equal(t, tt.score, result.Score)
			assert.Equal(t, tt.message, result.Message)
			assert.True(t, result.Errored)
			assert.Equal(t, true, result.Details["fallback"])
			assert.Contains(t, result.Details["error"], "boom")
		})
	}
}

func TestConcurrentValidate(t *testing.T) {
	inv := &countingInvoker{fn: func(ctx context.Context, _ string, p *domain.ValidatorPayload) (map[string]any, error) {
		return map[string]any{"detectedCount": 1}, nil
	}}
	o := newOrchestrator(t, inv, nil)
	rule := externalRule("OBJECT_DETECTOR", "detectedCount == 0")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := o.Validate(context.Background(), rule, sampleRequest())
			assert.False(t, result.Triggered)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), inv.calls.Load())
}

func TestHTTPInvoker(t *testing.T) {
	var got domain.ValidatorPayload
	var tenant string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant = r.Header.Get("X-Tenant-ID")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"predictions": {"detectedCount": 2, "labels": ["meter"]}}`))
	}))
	defer server.Close()

	inv := NewHTTPInvoker(server.Client(), map[string]string{"OBJECT_DETECTOR": server.URL})
	preds, err := inv.Invoke(context.Background(), "OBJECT_DETECTOR", payloadFor("OBJECT_DETECTOR", domain.ValidatorConfig{}, sampleRequest()))

	require.NoError(t, err)
	assert.Equal(t, float64(2), preds["detectedCount"])
	assert.Equal(t, "pb.amritsar", tenant)
	assert.Equal(t, "APP-1", got.ApplicationID)
	assert.Equal(t, "OBJECT_DETECTOR", got.ValidatorID)
	require.Len(t, got.Evidences, 1)
}

func TestHTTPInvokerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	inv := NewHTTPInvoker(nil, map[string]string{"FACE_MATCHER": server.URL})

	_, err := inv.Invoke(context.Background(), "FACE_MATCHER", payloadFor("FACE_MATCHER", domain.ValidatorConfig{}, sampleRequest()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")

	_, err = inv.Invoke(context.Background(), "UNKNOWN", payloadFor("UNKNOWN", domain.ValidatorConfig{}, sampleRequest()))
	assert.ErrorIs(t, err, domain.ErrUnknownValidator)
}

func TestHTTPInvokerThroughOrchestrator(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"isAnomaly": true, "anomalyScore": 0.93}`))
	}))
	defer server.Close()

	cfg := fastPolicy()
	cfg.Endpoint = server.URL
	validators := map[string]domain.ValidatorConfig{"ANOMALY_DETECTOR": cfg}

	inv, err := NewInvoker(domain.ValidatorsConfig{Invoker: "http", Validators: validators})
	require.NoError(t, err)
	o := newOrchestrator(t, inv, validators)

	result := o.Validate(context.Background(), externalRule("ANOMALY_DETECTOR", "isAnomaly && anomalyScore > 0.9"), sampleRequest())

	assert.True(t, result.Triggered)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNewInvoker(t *testing.T) {
	inv, err := NewInvoker(domain.ValidatorsConfig{
		Invoker: "static",
		Validators: map[string]domain.ValidatorConfig{
			"FACE_MATCHER": {Predictions: map[string]any{"similarity": 0.97}},
		},
	})
	require.NoError(t, err)

	preds, err := inv.Invoke(context.Background(), "FACE_MATCHER", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.97, preds["similarity"])

	_, err = NewInvoker(domain.ValidatorsConfig{Invoker: "grpc"})
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "validators.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "invoker": "static",
	  "defaults": {"timeoutMs": 2000},
	  "validators": {
	    "OBJECT_DETECTOR": {
	      "endpoint": "http://detector:8000/predict",
	      "fallback": {"action": "DEGRADE_TO_MANUAL"}
	    }
	  }
	}`), 0o600))

	base := domain.ValidatorsConfig{
		Invoker:    "http",
		Defaults:   domain.DefaultValidatorConfig(),
		Validators: map[string]domain.ValidatorConfig{"FACE_MATCH": {Endpoint: "http://face"}},
	}

	cfg, err := LoadConfig(path, base)
	require.NoError(t, err)

	assert.Equal(t, "static", cfg.Invoker)
	assert.Equal(t, 2000, cfg.Defaults.TimeoutMs)
	assert.Equal(t, 3, cfg.Defaults.Retry.MaxAttempts, "unset defaults keep the base values")
	assert.Contains(t, cfg.Validators, "FACE_MATCH")
	assert.Equal(t, domain.FallbackDegrade, cfg.Validators["OBJECT_DETECTOR"].Fallback.Action)

	o := NewOrchestrator(NewStaticInvoker(nil), cfg, nil)
	assert.Equal(t, 2000, o.Config("OBJECT_DETECTOR").TimeoutMs)

	t.Run("UnknownFallback", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{"validators": {"X": {"fallback": {"action": "EXPLODE"}}}}`), 0o600))
		_, err := LoadConfig(bad, base)
		assert.Error(t, err)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "missing.json"), base)
		assert.Error(t, err)
	})
}
