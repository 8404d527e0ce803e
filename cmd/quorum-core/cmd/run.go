package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/fsutil"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/orchestrator"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/parallel"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/plan"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run <plan>",
	Short: "Run the task batch of a plan",
	Long: `Run every task of a plan file layer by layer. Each task's command runs
through 'sh -c' in the plan's directory unless --workdir is given.

A failed task does not stop the batch; tasks depending on it are cancelled.
The command exits non-zero unless every task completed.

Examples:
  quorum-core run plan.yaml
  quorum-core run plan.yaml --report out/report.json
  quorum-core run plan.yaml --timeout 10m --ephemeral`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runReport    string
	runMode      string
	runWorkDir   string
	runTimeout   time.Duration
	runEphemeral bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runReport, "report", "",
		"write the aggregate report as JSON to this path")
	runCmd.Flags().StringVar(&runMode, "mode", "",
		"task layer mode (topological, level); default from config")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "",
		"working directory for task commands (default: the plan's directory)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0,
		"cancel the batch after this long (0 = no limit)")
	runCmd.Flags().BoolVar(&runEphemeral, "ephemeral", false,
		"keep operation state in memory instead of the configured store")
}

// RunReport is written by --report.
type RunReport struct {
	Plan      string                   `json:"plan,omitempty"`
	Operation parallel.OperationStatus `json:"operation"`
	Aggregate parallel.Aggregate       `json:"aggregate"`
}

func runRun(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runEphemeral {
		cfg.Store.Backend = store.BackendMemory
	}
	logger := newLogger(cfg)

	workDir := runWorkDir
	if workDir == "" {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		workDir = filepath.Dir(abs)
	}

	rt, err := newRuntime(cfg, logger, orchestrator.WithWorker(parallel.NewCommandWorker(workDir)))
	if err != nil {
		return err
	}
	defer shutdownRuntime(rt, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := rt.Start(ctx); err != nil {
		return fmt.Errorf("starting components: %w", err)
	}

	started, err := rt.Tasks.Start(ctx, parallel.Request{
		GroupID: p.Name,
		Tasks:   p.Tasks,
		Mode:    runMode,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Operation %s: %d tasks in %d layers\n", started.OperationID, started.TaskCount, len(started.Layers))
	for _, edge := range started.IgnoredDependencies {
		fmt.Fprintf(out, "  ignored unknown dependency %s\n", edge)
	}

	waitCtx := ctx
	if runTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}
	if err := rt.Tasks.Wait(waitCtx, started.OperationID); err != nil {
		reason := "interrupted"
		if runTimeout > 0 && ctx.Err() == nil {
			reason = fmt.Sprintf("timed out after %s", runTimeout)
		}
		if _, cerr := rt.Tasks.Cancel(context.Background(), started.OperationID, reason); cerr != nil {
			logger.Warn("cancelling operation failed", "operation_id", started.OperationID, "error", cerr)
		}
	}

	// Reads must not depend on the interrupted context.
	readCtx := context.Background()
	status, err := rt.Tasks.GetOperationStatus(readCtx, started.OperationID)
	if err != nil {
		return err
	}
	agg, err := rt.Tasks.Aggregate(readCtx, started.OperationID)
	if err != nil {
		return err
	}
	printRunStatus(out, status)

	if runReport != "" {
		if err := fsutil.WriteJSON(runReport, RunReport{Plan: p.Name, Operation: status, Aggregate: agg}); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		fmt.Fprintf(out, "Report written to %s\n", runReport)
	}

	if status.State != parallel.OperationCompleted {
		return fmt.Errorf("operation %s finished %s", status.OperationID, status.State)
	}
	return nil
}

func shutdownRuntime(rt *orchestrator.Runtime, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report, err := rt.Shutdown(ctx)
	if err != nil {
		logger.Warn("shutdown finished with errors", "error", err)
	}
	logger.Debug("components stopped", "succeeded", report.SuccessCount, "total", report.TotalCount)
}

func printRunStatus(w io.Writer, s parallel.OperationStatus) {
	for i, layer := range s.Layers {
		fmt.Fprintf(w, "  layer %d:\n", i)
		for _, id := range layer {
			task := s.TaskStatuses[id]
			detail := ""
			if d, ok := task.Duration(); ok {
				detail = d.Round(time.Millisecond).String()
			}
			switch {
			case task.ErrorCode != "":
				detail = task.ErrorCode
			case task.Error != "":
				detail = task.Error
			case task.CancelReason != "":
				detail = task.CancelReason
			}
			fmt.Fprintf(w, "    %-11s %s  %s\n", "["+string(task.State)+"]", id, detail)
		}
	}
	fmt.Fprintf(w, "Result: %s (%d/%d completed, %d failed, %d cancelled)\n",
		s.State, s.CompletedCount, s.TaskCount, s.FailedCount, s.CancelledCount)
}
