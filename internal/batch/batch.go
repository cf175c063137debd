// Package batch is the boundary to the job execution service: it submits
// shell-wrapped commands, awaits their terminal state and cancels them.
package batch

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/kiranshivaraju/gwasflow/internal/config"
)

// Sentinel errors for execution service failures.
var (
	ErrServiceUnreachable = errors.New("execution service unreachable")
	ErrServiceTimeout     = errors.New("execution service timeout")
	ErrSubmitRejected     = errors.New("submission rejected")
	ErrUnknownJob         = errors.New("unknown job")
)

// State is the terminal or in-flight state reported by the execution service.
type State string

const (
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Submission is one job handed to the execution service.
type Submission struct {
	JobName       string
	Command       []string
	Queue         string
	JobDefinition string
}

// Result is the terminal outcome of a job.
type Result struct {
	State    State
	Reason   string
	ExitCode *int
}

// Executor runs submissions to completion.
//
// Wait blocks until the job reaches a terminal state or ctx is done. When ctx
// expires, the returned error wraps ctx.Err().
type Executor interface {
	Submit(ctx context.Context, sub Submission) (string, error)
	Wait(ctx context.Context, externalID string) (Result, error)
	Cancel(ctx context.Context, externalID, reason string) error
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrServiceUnreachable) || errors.Is(err, ErrServiceTimeout)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

const maxJobNameLen = 128

// JobName derives a service-safe job name from a job id.
func JobName(jobID string) string {
	name := unsafeNameChars.ReplaceAllString(jobID, "_")
	if len(name) > maxJobNameLen {
		name = name[:maxJobNameLen]
	}
	return name
}

// NewExecutor constructs the executor selected by BATCH_MODE.
// Called once at startup.
func NewExecutor(cfg config.BatchConfig) (Executor, error) {
	switch cfg.Mode {
	case config.BatchModeHTTP:
		return NewHTTPClient(cfg.BaseURL, cfg.RequestTimeout, cfg.PollInterval), nil
	case config.BatchModeLocal:
		return NewLocalExecutor(int64(cfg.LocalSlots)), nil
	default:
		return nil, fmt.Errorf("unknown batch mode %q: must be one of http, local", cfg.Mode)
	}
}
