package batch_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/gwasflow/internal/batch"
	"github.com/kiranshivaraju/gwasflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(script string) batch.Submission {
	return batch.Submission{JobName: "test", Command: []string{"/bin/sh", "-c", script}}
}

func TestLocalExecutor_Succeeds(t *testing.T) {
	e := batch.NewLocalExecutor(2)
	ctx := context.Background()

	id, err := e.Submit(ctx, shell("exit 0"))
	require.NoError(t, err)

	res, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, batch.StateSucceeded, res.State)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
}

func TestLocalExecutor_FailureCarriesStderr(t *testing.T) {
	e := batch.NewLocalExecutor(1)
	ctx := context.Background()

	id, err := e.Submit(ctx, shell("echo 'bad pheno column' >&2; exit 3"))
	require.NoError(t, err)

	res, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, batch.StateFailed, res.State)
	assert.Contains(t, res.Reason, "bad pheno column")
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
}

func TestLocalExecutor_Cancel(t *testing.T) {
	e := batch.NewLocalExecutor(1)
	ctx := context.Background()

	id, err := e.Submit(ctx, shell("sleep 30"))
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, id, "test"))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := e.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, batch.StateFailed, res.State)
}

func TestLocalExecutor_WaitDeadline(t *testing.T) {
	e := batch.NewLocalExecutor(1)
	id, err := e.Submit(context.Background(), shell("sleep 30"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Cancel(context.Background(), id, "cleanup") })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalExecutor_UnknownJob(t *testing.T) {
	e := batch.NewLocalExecutor(1)
	_, err := e.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, batch.ErrUnknownJob)
	assert.ErrorIs(t, e.Cancel(context.Background(), "nope", ""), batch.ErrUnknownJob)
}

func TestLocalExecutor_EmptyCommand(t *testing.T) {
	_, err := batch.NewLocalExecutor(1).Submit(context.Background(), batch.Submission{JobName: "x"})
	assert.ErrorIs(t, err, batch.ErrSubmitRejected)
}

func TestNewExecutor(t *testing.T) {
	e, err := batch.NewExecutor(config.BatchConfig{Mode: config.BatchModeLocal, LocalSlots: 2})
	require.NoError(t, err)
	assert.IsType(t, &batch.LocalExecutor{}, e)

	e, err = batch.NewExecutor(config.BatchConfig{Mode: config.BatchModeHTTP, BaseURL: "http://batch:8000", RequestTimeout: time.Second, PollInterval: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &batch.HTTPClient{}, e)

	_, err = batch.NewExecutor(config.BatchConfig{Mode: "k8s"})
	assert.Error(t, err)
}
