package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/gwasflow/internal/batch"
	"github.com/kiranshivaraju/gwasflow/internal/metrics"
	"github.com/kiranshivaraju/gwasflow/internal/store"
)

func isTransient(err error) bool {
	return batch.IsTransient(err) || store.IsTransient(err)
}

// retry runs fn until it succeeds, fails permanently or the retry budget is
// spent. Only transient store and execution service errors are retried.
func (o *Orchestrator) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if o.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = o.cfg.RetryInitialInterval
	}
	if o.cfg.RetryMaxInterval > 0 {
		b.MaxInterval = o.cfg.RetryMaxInterval
	}
	if o.cfg.RetryMaxElapsed > 0 {
		b.MaxElapsedTime = o.cfg.RetryMaxElapsed
	}

	operation := func() error {
		err := fn()
		if err == nil || isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		metrics.Retried(op)
		slog.Warn("transient error, retrying", "operation", op, "retry_in", next, "error", err)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}
