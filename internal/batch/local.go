package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const maxReasonBytes = 2000

// LocalExecutor runs submissions as child processes on this host, at most
// slots at a time. Jobs wait for a free slot after Submit returns.
type LocalExecutor struct {
	slots *semaphore.Weighted

	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	result Result
}

var errJobCancelled = errors.New("job cancelled")

// NewLocalExecutor creates a LocalExecutor with the given number of slots.
func NewLocalExecutor(slots int64) *LocalExecutor {
	if slots < 1 {
		slots = 1
	}
	return &LocalExecutor{
		slots: semaphore.NewWeighted(slots),
		jobs:  make(map[string]*localJob),
	}
}

func (e *LocalExecutor) Submit(_ context.Context, sub Submission) (string, error) {
	if len(sub.Command) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrSubmitRejected)
	}

	id := "local-" + uuid.NewString()
	runCtx, cancel := context.WithCancelCause(context.Background())
	j := &localJob{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.jobs[id] = j
	e.mu.Unlock()

	go e.run(runCtx, id, sub, j)
	return id, nil
}

func (e *LocalExecutor) run(ctx context.Context, id string, sub Submission, j *localJob) {
	defer close(j.done)

	if err := e.slots.Acquire(ctx, 1); err != nil {
		j.result = Result{State: StateFailed, Reason: "cancelled before start"}
		return
	}
	defer e.slots.Release(1)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, sub.Command[0], sub.Command[1:]...)
	cmd.Stderr = &stderr

	slog.Debug("starting local job", "external_id", id, "job_name", sub.JobName)
	err := cmd.Run()
	if err == nil {
		code := 0
		j.result = Result{State: StateSucceeded, ExitCode: &code}
		return
	}

	reason := err.Error()
	if errors.Is(context.Cause(ctx), errJobCancelled) {
		reason = "cancelled"
	} else if tail := tailString(stderr.String(), maxReasonBytes); tail != "" {
		reason = reason + ": " + tail
	}
	j.result = Result{State: StateFailed, Reason: reason}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		j.result.ExitCode = &code
	}
}

func (e *LocalExecutor) lookup(externalID string) (*localJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[externalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, externalID)
	}
	return j, nil
}

func (e *LocalExecutor) Wait(ctx context.Context, externalID string) (Result, error) {
	j, err := e.lookup(externalID)
	if err != nil {
		return Result{}, err
	}
	select {
	case <-j.done:
		return j.result, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("awaiting %s: %w", externalID, ctx.Err())
	}
}

func (e *LocalExecutor) Cancel(_ context.Context, externalID, reason string) error {
	j, err := e.lookup(externalID)
	if err != nil {
		return err
	}
	slog.Info("cancelling local job", "external_id", externalID, "reason", reason)
	j.cancel(errJobCancelled)
	return nil
}

func tailString(s string, maxBytes int) string {
	s = string(bytes.TrimSpace([]byte(s)))
	if len(s) <= maxBytes {
		return s
	}
	return s[len(s)-maxBytes:]
}

var _ Executor = (*LocalExecutor)(nil)
