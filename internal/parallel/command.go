package parallel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// maxCapturedOutput bounds the stdout and stderr kept per task.
const maxCapturedOutput = 64 * 1024

// CommandWorker runs each task's Command through the shell. Tasks without
// a command succeed immediately.
type CommandWorker struct {
	Shell   string
	WorkDir string
	Env     []string
}

// NewCommandWorker creates a worker using sh in workDir.
func NewCommandWorker(workDir string) *CommandWorker {
	return &CommandWorker{Shell: "sh", WorkDir: workDir}
}

// Run implements Worker. The result holds stdout, stderr, exit_code and
// duration_ms. A non-zero exit is an error.
func (w *CommandWorker) Run(ctx context.Context, task Task, cfg map[string]any) (map[string]any, error) {
	if strings.TrimSpace(task.Command) == "" {
		return map[string]any{"skipped": true}, nil
	}

	shell := w.Shell
	if shell == "" {
		shell = "sh"
	}
	// #nosec G204 -- commands come from the operator's plan file
	cmd := exec.CommandContext(ctx, shell, "-c", task.Command)
	cmd.Dir = w.WorkDir
	if dir, ok := cfg["workdir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), w.Env...)
	cmd.Env = append(cmd.Env, "QUORUM_CORE_TASK_ID="+task.ID)
	if op, ok := cfg["parent_operation_id"].(string); ok {
		cmd.Env = append(cmd.Env, "QUORUM_CORE_OPERATION_ID="+op)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: maxCapturedOutput}
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: maxCapturedOutput}

	start := time.Now()
	err := cmd.Run()
	result := map[string]any{
		"stdout":      strings.TrimRight(stdout.String(), "\n"),
		"stderr":      strings.TrimRight(stderr.String(), "\n"),
		"exit_code":   cmd.ProcessState.ExitCode(),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exitErr.Error()
			}
			return result, fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), msg)
		}
		return result, fmt.Errorf("running command: %w", err)
	}
	return result, nil
}

// limitedBuffer discards writes past max while reporting them as written.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
