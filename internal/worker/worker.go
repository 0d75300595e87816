// Package worker evaluates submissions published on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator runs one evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, req *domain.EvaluationRequest, scope domain.Scope) (*domain.EvaluationResponse, error)
}

// Worker consumes TopicSubmissionReceived, evaluates each submission,
// stores the evaluation and publishes the outcome.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	engine Evaluator

	mu            sync.Mutex
	subscriptions []domain.Subscription
	sem           *semaphore.Weighted
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all tenants)
	TenantIDs []string

	// Concurrency caps evaluations running at once.
	Concurrency int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, engine Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes for the configured tenants.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	w.sem = semaphore.NewWeighted(int64(cfg.Concurrency))

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.AllTenants}
	}

	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicSubmissionReceived, w.dispatch)
		if err != nil {
			w.Stop()
			return fmt.Errorf("failed to subscribe for tenant %s: %w", tenantID, err)
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	slog.Info("workers started",
		"tenants", tenants,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// dispatch hands the message to a bounded pool. It blocks while the pool
// is full so the bus buffers the backlog.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		if err := w.process(w.ctx, msg); err != nil {
			slog.Error("async evaluation failed",
				"message_id", msg.ID,
				"tenant_id", msg.TenantID,
				"error", err,
			)
		}
	}()
	return nil
}

// process evaluates one submission.
func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var sub domain.SubmissionMessage
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		return fmt.Errorf("failed to parse submission message: %w", err)
	}

	req := sub.Request
	req.TenantID = msg.TenantID

	scope := sub.Scope
	if scope == "" {
		scope = domain.ScopeFull
	}

	resp, err := w.engine.Evaluate(ctx, &req, scope)
	if err != nil {
		return fmt.Errorf("evaluation of %s failed: %w", req.ApplicationID, err)
	}
	if sub.EvaluationID != "" {
		resp.EvaluationID = sub.EvaluationID
	}
	if sub.TraceID == "" {
		sub.TraceID = msg.Metadata[domain.MetaTraceID]
	}
	if resp.Metadata.TraceID == "" {
		resp.Metadata.TraceID = sub.TraceID
	}

	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, req.TenantID, resp); err != nil {
			slog.Error("failed to save evaluation",
				"evaluation_id", resp.EvaluationID,
				"error", err,
			)
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode evaluation: %w", err)
	}
	if err := w.bus.Publish(ctx, req.TenantID, domain.TopicEvaluationResult, payload); err != nil {
		slog.Error("failed to publish evaluation result",
			"evaluation_id", resp.EvaluationID,
			"error", err,
		)
	}
	if resp.ShouldAlert() {
		w.alert(ctx, req.TenantID, resp)
	}

	slog.Info("submission processed",
		"evaluation_id", resp.EvaluationID,
		"application_id", resp.ApplicationID,
		"tenant_id", req.TenantID,
		"trace_id", sub.TraceID,
		"recommendation", string(resp.Recommendation),
		"score", resp.TotalScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) alert(ctx context.Context, tenantID string, resp *domain.EvaluationResponse) {
	payload, err := json.Marshal(resp.Alert())
	if err == nil {
		err = w.bus.Publish(ctx, tenantID, domain.TopicEvaluationAlert, payload)
	}
	if err != nil {
		slog.Error("failed to publish evaluation alert",
			"evaluation_id", resp.EvaluationID,
			"error", err,
		)
	}
}

// Stop unsubscribes, waits for in-flight evaluations and releases the worker.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
