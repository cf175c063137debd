package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/gwasflow/internal/batch"
	"github.com/kiranshivaraju/gwasflow/internal/config"
	"github.com/kiranshivaraju/gwasflow/internal/objstore"
	"github.com/kiranshivaraju/gwasflow/internal/orchestrator"
	"github.com/kiranshivaraju/gwasflow/internal/store"
	"github.com/kiranshivaraju/gwasflow/internal/trigger"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
	"github.com/spf13/cobra"
)

var descriptorFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create and drive a single workflow in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadStandalone()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		// stdout carries the result document
		slog.SetDefault(newLogger(os.Stderr, cfg.SlogLevel()))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		objects, err := objectStore(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		exec, err := batch.NewExecutor(cfg.Batch)
		if err != nil {
			return fmt.Errorf("create batch executor: %w", err)
		}
		return runWorkflow(ctx, orchestrator.ConfigFrom(cfg), exec, objects, descriptorFile, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringVarP(&descriptorFile, "descriptor", "d", "", "Path to the workflow descriptor (JSON)")
	_ = runCmd.MarkFlagRequired("descriptor")
}

type runResult struct {
	Workflow *models.WorkflowRun `json:"workflow"`
	Jobs     []*models.JobRecord `json:"jobs"`
}

// runWorkflow drives the workflow described in path to a terminal status
// against an in-memory store and writes the final records to out.
func runWorkflow(ctx context.Context, cfg orchestrator.Config, exec batch.Executor, objects objstore.Store, path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open descriptor: %w", err)
	}
	defer f.Close()

	d, err := trigger.Decode(f)
	if err != nil {
		return fmt.Errorf("decode descriptor: %w", err)
	}

	st := store.NewMemoryStore()
	orch := orchestrator.New(st, exec, objects, nil, cfg)

	wf, err := orch.Create(ctx, d)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	slog.Info("workflow created", "workflow_id", wf.ID, "start_phase", wf.StartPhase)

	final, err := orch.Drive(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("drive workflow %s: %w", wf.ID, err)
	}

	jobs, err := st.ListJobs(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(runResult{Workflow: final, Jobs: jobs}); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if final.Status != models.WorkflowStatusCompleted {
		msg := ""
		if final.Failure != nil {
			msg = final.Failure.Message
		}
		return fmt.Errorf("workflow %s finished %s: %s", final.ID, final.Status, msg)
	}
	return nil
}
