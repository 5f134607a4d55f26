// Package retry re-dispatches events whose handlers failed, on a polling
// loop governed by the hot-reloadable retry policy.
package retry

import (
	"context"
	"time"

	"github.com/smallbiznis/hookline/internal/config"
	obsmetrics "github.com/smallbiznis/hookline/internal/observability/metrics"
	"github.com/smallbiznis/hookline/internal/webhook/domain"
	"github.com/smallbiznis/hookline/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    domain.Repository
	Policy  *config.ReconcileConfigHolder
	Service *service.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    domain.Repository
	policy  *config.ReconcileConfigHolder
	svc     *service.Service
	metrics *obsmetrics.Metrics
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("webhook.retry"),
		repo:    p.Repo,
		policy:  p.Policy,
		svc:     p.Service,
		metrics: p.Metrics,
	}
}

// RunForever polls until the context is canceled. The interval is re-read
// every cycle so policy reloads take effect without a restart.
func (w *Worker) RunForever(ctx context.Context) {
	for {
		interval := time.Duration(w.policy.Get().Retry.PollSeconds) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := w.RunOnce(ctx); err != nil {
			w.log.Error("retry cycle failed", zap.Error(err))
		}
	}
}

// RunOnce loads one batch of failed events old enough to retry and
// re-dispatches each. A single bad record does not stop the batch.
func (w *Worker) RunOnce(ctx context.Context) error {
	policy := w.policy.Get().Retry
	before := time.Now().UTC().Add(-time.Duration(policy.BackoffSeconds) * time.Second)

	records, err := w.repo.ListFailed(ctx, w.db, before, policy.MaxAttempts, policy.BatchSize)
	if err != nil {
		w.metrics.RecordRetryRun(ctx, "error")
		return err
	}
	if len(records) == 0 {
		w.metrics.RecordRetryRun(ctx, "empty")
		return nil
	}

	w.log.Info("retrying failed events", zap.Int("count", len(records)))
	for i := range records {
		record := records[i]
		if err := w.svc.Redispatch(ctx, &record); err != nil {
			w.log.Error("failed to redispatch event",
				zap.Int64("id", int64(record.ID)),
				zap.String("provider", record.Provider),
				zap.Error(err),
			)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	w.metrics.RecordRetryRun(ctx, "ok")
	return nil
}
