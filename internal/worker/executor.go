package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Pr3zLy/face-swap-site/internal/queue"
	"github.com/Pr3zLy/face-swap-site/internal/task"
)

// Executor runs the external processing command for one task and maps the
// outcome onto the task lifecycle. It holds no task state between
// invocations; every transition goes through the repository.
type Executor struct {
	repo         *queue.Repo
	processorDir string
	outputsDir   string
	timeout      time.Duration
	logger       *zap.Logger
}

func NewExecutor(repo *queue.Repo, processorDir, outputsDir string, timeout time.Duration, logger *zap.Logger) *Executor {
	return &Executor{
		repo:         repo,
		processorDir: processorDir,
		outputsDir:   outputsDir,
		timeout:      timeout,
		logger:       logger,
	}
}

// Process takes a queued task through processing to a terminal state. Errors
// are recorded on the task itself; the returned error only reports failures
// to persist state, which the dispatch loop logs and moves past.
func (e *Executor) Process(ctx context.Context, t *task.Task) error {
	e.logger.Info("processing task",
		zap.String("task_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.Int("priority", t.Priority),
	)

	// Mark processing before doing any work, so a crash mid-run is
	// observable rather than leaving the task silently queued.
	now := time.Now().UTC()
	st := task.StatusProcessing
	if err := e.repo.ApplyUpdate(ctx, t.ID, task.Patch{Status: &st, StartedAt: &now}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	python, script, err := e.resolveProcessor()
	if err != nil {
		e.logger.Error("processor not available", zap.String("task_id", t.ID), zap.Error(err))
		return e.fail(ctx, t.ID, fmt.Sprintf("processor not available: %v", err), "", "")
	}

	outputPath, err := e.outputPath(t)
	if err != nil {
		e.logger.Error("cannot prepare output dir", zap.String("task_id", t.ID), zap.Error(err))
		return e.fail(ctx, t.ID, fmt.Sprintf("cannot prepare output directory: %v", err), "", "")
	}

	args := []string{script, "-s", t.SourcePath, "-t", t.TargetPath, "-o", outputPath}
	args = append(args, t.Options.Args()...)

	stdout, stderr, runErr := e.run(ctx, python, args)

	switch err := runErr.(type) {
	case nil:
		e.logger.Info("task completed", zap.String("task_id", t.ID), zap.String("output", outputPath))
		return e.complete(ctx, t.ID, outputPath, stdout, stderr)
	case *startError:
		e.logger.Error("could not start processor", zap.String("task_id", t.ID), zap.Error(err.cause))
		return e.fail(ctx, t.ID, fmt.Sprintf("could not start processor: %v", err.cause), stdout, stderr)
	case *timeoutError:
		e.logger.Warn("task timed out", zap.String("task_id", t.ID), zap.Duration("timeout", e.timeout))
		return e.fail(ctx, t.ID, fmt.Sprintf("processing timed out after %s", e.timeout), stdout, stderr)
	case *exitError:
		e.logger.Warn("task failed", zap.String("task_id", t.ID), zap.Int("exit_code", err.code))
		return e.fail(ctx, t.ID, fmt.Sprintf("processing failed: exit status %d", err.code), stdout, stderr)
	default:
		e.logger.Error("task errored", zap.String("task_id", t.ID), zap.Error(err))
		return e.fail(ctx, t.ID, fmt.Sprintf("unexpected error: %v", err), stdout, stderr)
	}
}

// resolveProcessor locates the processing script and its interpreter. The
// tool ships with its own venv; the system python is deliberately not a
// fallback because the tool's dependencies only exist inside the venv.
func (e *Executor) resolveProcessor() (python, script string, err error) {
	if e.processorDir == "" {
		return "", "", fmt.Errorf("processor dir not configured")
	}

	script = filepath.Join(e.processorDir, "run.py")
	if _, err := os.Stat(script); err != nil {
		return "", "", fmt.Errorf("run.py not found in %s", e.processorDir)
	}

	candidates := []string{
		filepath.Join(e.processorDir, "venv", "bin", "python"),
		filepath.Join(e.processorDir, "venv", "Scripts", "python.exe"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, script, nil
		}
	}
	return "", "", fmt.Errorf("venv python not found in %s", e.processorDir)
}

// outputPath builds the deterministic output location for a task: one file
// per invite code, named after it, so repeated runs overwrite predictably.
func (e *Executor) outputPath(t *task.Task) (string, error) {
	dir := filepath.Join(e.outputsDir, t.InviteCode)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, t.InviteCode+t.OutputExt()), nil
}

type startError struct{ cause error }

func (e *startError) Error() string { return "could not start: " + e.cause.Error() }

type timeoutError struct{}

func (e *timeoutError) Error() string { return "timed out" }

type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// run executes the command with a hard wall-clock timeout, capturing both
// output streams. On timeout the whole process group is killed; there is no
// graceful-shutdown signaling.
func (e *Executor) run(ctx context.Context, python string, args []string) (stdout, stderr string, err error) {
	cmd := exec.Command(python, args...)
	cmd.Dir = e.processorDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if startErr := cmd.Start(); startErr != nil {
		return "", "", &startError{cause: startErr}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-timer.C:
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return outBuf.String(), errBuf.String(), &timeoutError{}
	case <-ctx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return outBuf.String(), errBuf.String(), ctx.Err()
	case waitErr = <-done:
	}

	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			return outBuf.String(), errBuf.String(), &exitError{code: ee.ExitCode()}
		}
		return outBuf.String(), errBuf.String(), waitErr
	}
	return outBuf.String(), errBuf.String(), nil
}

func (e *Executor) complete(ctx context.Context, id, outputPath, stdout, stderr string) error {
	now := time.Now().UTC()
	st := task.StatusCompleted
	err := e.repo.ApplyUpdate(ctx, id, task.Patch{
		Status:      &st,
		OutputPath:  &outputPath,
		CompletedAt: &now,
		Stdout:      &stdout,
		Stderr:      &stderr,
	})
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, id, message, stdout, stderr string) error {
	now := time.Now().UTC()
	st := task.StatusFailed
	err := e.repo.ApplyUpdate(ctx, id, task.Patch{
		Status:       &st,
		ErrorMessage: &message,
		CompletedAt:  &now,
		Stdout:       &stdout,
		Stderr:       &stderr,
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}
