// Package mock provides a scripted batch.Executor for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/gwasflow/internal/batch"
)

// Executor satisfies batch.Executor. Each hook is optional; without hooks a
// job succeeds immediately.
type Executor struct {
	SubmitFunc func(ctx context.Context, sub batch.Submission) (string, error)
	WaitFunc   func(ctx context.Context, sub batch.Submission) (batch.Result, error)
	CancelFunc func(ctx context.Context, sub batch.Submission) error

	mu        sync.Mutex
	next      int
	subs      map[string]batch.Submission
	order     []batch.Submission
	cancelled []string
}

// NewExecutor returns an Executor where every job succeeds.
func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) Submit(ctx context.Context, sub batch.Submission) (string, error) {
	if e.SubmitFunc != nil {
		if _, err := e.SubmitFunc(ctx, sub); err != nil {
			return "", err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[string]batch.Submission)
	}
	e.next++
	id := fmt.Sprintf("ext-%d", e.next)
	e.subs[id] = sub
	e.order = append(e.order, sub)
	return id, nil
}

func (e *Executor) Wait(ctx context.Context, externalID string) (batch.Result, error) {
	sub, ok := e.submission(externalID)
	if !ok {
		return batch.Result{}, fmt.Errorf("%w: %s", batch.ErrUnknownJob, externalID)
	}
	if e.WaitFunc != nil {
		return e.WaitFunc(ctx, sub)
	}
	return batch.Result{State: batch.StateSucceeded}, nil
}

func (e *Executor) Cancel(ctx context.Context, externalID, _ string) error {
	sub, ok := e.submission(externalID)
	if !ok {
		return fmt.Errorf("%w: %s", batch.ErrUnknownJob, externalID)
	}
	e.mu.Lock()
	e.cancelled = append(e.cancelled, sub.JobName)
	e.mu.Unlock()
	if e.CancelFunc != nil {
		return e.CancelFunc(ctx, sub)
	}
	return nil
}

// Register makes externalID known without a submission, as if it had been
// submitted by an earlier process.
func (e *Executor) Register(externalID string, sub batch.Submission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[string]batch.Submission)
	}
	e.subs[externalID] = sub
}

// Submitted returns the job names submitted so far, in order.
func (e *Executor) Submitted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.order))
	for i, s := range e.order {
		names[i] = s.JobName
	}
	return names
}

// Cancelled returns the job names cancelled so far.
func (e *Executor) Cancelled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cancelled...)
}

func (e *Executor) submission(id string) (batch.Submission, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.subs[id]
	return s, ok
}

// Compile-time check that Executor implements batch.Executor.
var _ batch.Executor = (*Executor)(nil)
