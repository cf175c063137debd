package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/gwasflow/internal/metrics"
	"github.com/kiranshivaraju/gwasflow/internal/store"
	"github.com/kiranshivaraju/gwasflow/internal/trigger"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

// Runner drives workflows in background goroutines, one per workflow.
type Runner struct {
	orch  *Orchestrator
	store store.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	drives map[string]context.CancelCauseFunc
	wg     sync.WaitGroup
}

// NewRunner creates a Runner whose drives stop when ctx is done.
func NewRunner(ctx context.Context, orch *Orchestrator, st store.Store) *Runner {
	ctx, cancel := context.WithCancel(ctx)
	return &Runner{
		orch:   orch,
		store:  st,
		ctx:    ctx,
		cancel: cancel,
		drives: make(map[string]context.CancelCauseFunc),
	}
}

// Trigger creates a workflow and starts driving it. Returns the record
// immediately without waiting for any transition.
func (r *Runner) Trigger(ctx context.Context, d *trigger.Descriptor) (*models.WorkflowRun, error) {
	wf, err := r.orch.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	r.Start(wf.ID)
	return wf, nil
}

// Start drives workflow id unless it is already being driven here.
func (r *Runner) Start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.drives[id]; ok || r.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancelCause(r.ctx)
	r.drives[id] = cancel

	r.wg.Add(1)
	go r.drive(ctx, id)
}

// drive runs one workflow to completion. It recovers from panics so a bug in
// one workflow cannot take the process down.
func (r *Runner) drive(ctx context.Context, id string) {
	metrics.DriveStarted()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in workflow drive", "error", rec, "workflow_id", id)
		}
		r.mu.Lock()
		if cancel, ok := r.drives[id]; ok {
			cancel(nil)
			delete(r.drives, id)
		}
		r.mu.Unlock()
		metrics.DriveFinished()
		r.wg.Done()
	}()

	wf, err := r.orch.Drive(ctx, id)
	if err != nil {
		slog.Error("workflow drive ended with error", "workflow_id", id, "error", err)
		return
	}
	slog.Info("workflow finished", "workflow_id", id, "status", wf.Status,
		"succeeded", wf.JobStats.Succeeded, "failed", wf.JobStats.Failed)
}

// Resume starts a drive for every non-terminal workflow in the store.
func (r *Runner) Resume(ctx context.Context) (int, error) {
	ids, err := r.store.ListActiveWorkflowIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active workflows: %w", err)
	}
	for _, id := range ids {
		r.Start(id)
	}
	if len(ids) > 0 {
		slog.Info("resumed workflows", "count", len(ids))
	}
	return len(ids), nil
}

// Cancel persists a cancel request for workflow id and interrupts its drive
// if it runs in this process. Drives elsewhere observe the persisted request.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return fmt.Errorf("%w: workflow %s is already %s", store.ErrInvalidTransition, id, wf.Status)
	}
	if err := r.store.RequestCancel(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	cancel, ok := r.drives[id]
	r.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	} else {
		// Not driven here; drive it so the request is acted on.
		r.Start(id)
	}
	return nil
}

// Running reports whether workflow id is being driven by this process.
func (r *Runner) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.drives[id]
	return ok
}

// Shutdown stops every drive, leaving workflows resumable, and waits for the
// goroutines to exit or ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every drive has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
