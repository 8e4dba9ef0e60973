// Package worker validates batches submitted on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/billguard/internal/domain"
)

// GlobalTenant is the bus tenant a worker listens on when no tenants are
// configured. Messages published there must name their tenant in the payload.
const GlobalTenant = "_global"

// ErrStopped is returned for messages delivered after Stop began.
var ErrStopped = errors.New("worker stopped")

// Runner validates one batch. *pipeline.Service implements it.
type Runner interface {
	Run(ctx context.Context, tenantID string, batch *domain.Batch) (*domain.ValidationRun, error)
}

// BatchMessage is the payload of TopicBatchSubmitted.
type BatchMessage struct {
	TenantID string `json:"tenantId,omitempty"`
	domain.Batch
}

// Worker processes submitted batches asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	runner Runner

	mu            sync.Mutex
	stopped       bool
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process. Empty subscribes to
	// GlobalTenant only.
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, runner Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to TopicBatchSubmitted for the configured tenants.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{GlobalTenant}
	}

	started := 0
	for _, tenantID := range tenants {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("worker could not subscribe for any of %d tenants", len(tenants))
	}

	slog.Info("workers started",
		"tenant_count", started,
		"topic", domain.TopicBatchSubmitted,
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicBatchSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.process(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

// process decodes a submitted batch and runs it through the pipeline.
// The payload tenant wins over the bus tenant only on GlobalTenant.
func (w *Worker) process(ctx context.Context, busTenant string, msg *domain.Message) error {
	// Add must not race with the Wait in Stop.
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	var bm BatchMessage
	if err := json.Unmarshal(msg.Payload, &bm); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tenantID := busTenant
	if busTenant == GlobalTenant {
		tenantID = bm.TenantID
	} else if bm.TenantID != "" && bm.TenantID != busTenant {
		w.failed.Add(1)
		err := fmt.Errorf("batch for tenant %s published on tenant %s", bm.TenantID, busTenant)
		slog.Warn("rejecting cross-tenant batch",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if tenantID == "" {
		w.failed.Add(1)
		return errors.New("batch message has no tenant")
	}

	if bm.BatchID == "" {
		bm.BatchID = msg.ID
	}

	run, err := w.runner.Run(ctx, tenantID, &bm.Batch)
	if err != nil {
		w.failed.Add(1)
		slog.Error("batch validation failed",
			"tenant_id", tenantID,
			"batch_id", bm.BatchID,
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	slog.Debug("batch processed",
		"tenant_id", tenantID,
		"batch_id", run.BatchID,
		"run_id", run.ID,
		"tier", run.Decision.Tier,
	)
	return nil
}

// Stop unsubscribes and waits for in-flight batches to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
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

	slog.Info("workers stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
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
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
