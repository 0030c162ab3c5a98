package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Pr3zLy/face-swap-site/internal/queue"
	"github.com/Pr3zLy/face-swap-site/internal/store"
	"github.com/Pr3zLy/face-swap-site/internal/task"
)

// writeProcessor lays out a fake processor checkout: run.py plus a venv
// python that is really a shell script with the given body.
func writeProcessor(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.py"), []byte("# entrypoint\n"), 0o644))

	binDir := filepath.Join(dir, "venv", "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "python"), []byte(script), 0o755))
	return dir
}

func setupExecutor(t *testing.T, processorDir string, timeout time.Duration) (*Executor, *queue.Repo, string) {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	repo := queue.NewRepo(s)
	outputsDir := t.TempDir()
	e := NewExecutor(repo, processorDir, outputsDir, timeout, zaptest.NewLogger(t))
	return e, repo, outputsDir
}

func queuedTask(t *testing.T, repo *queue.Repo, kind task.Kind) task.Task {
	t.Helper()
	tsk := task.Task{
		ID:         uuid.New().String(),
		InviteCode: "invite-" + uuid.New().String()[:8],
		SourcePath: "/tmp/source.jpg",
		TargetPath: "/tmp/target.jpg",
		Kind:       kind,
		Status:     task.StatusQueued,
		Priority:   task.DefaultImagePriority,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, repo.Append(context.Background(), tsk))
	return tsk
}

func TestExecutor_Success(t *testing.T) {
	dir := writeProcessor(t, "echo processed; echo warned >&2; exit 0")
	e, repo, outputsDir := setupExecutor(t, dir, 5*time.Second)
	ctx := context.Background()

	tsk := queuedTask(t, repo, task.KindImage)
	require.NoError(t, e.Process(ctx, &tsk))

	got, err := repo.Find(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, filepath.Join(outputsDir, tsk.InviteCode, tsk.InviteCode+".jpg"), got.OutputPath)
	assert.Equal(t, "processed\n", got.Stdout)
	assert.Equal(t, "warned\n", got.Stderr)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)
}

func TestExecutor_VideoOutputExtension(t *testing.T) {
	dir := writeProcessor(t, "exit 0")
	e, repo, outputsDir := setupExecutor(t, dir, 5*time.Second)
	ctx := context.Background()

	tsk := queuedTask(t, repo, task.KindVideo)
	require.NoError(t, e.Process(ctx, &tsk))

	got, err := repo.Find(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputsDir, tsk.InviteCode, tsk.InviteCode+".mp4"), got.OutputPath)
}

func TestExecutor_NonZeroExit(t *testing.T) {
	dir := writeProcessor(t, "echo almost; exit 3")
	e, repo, _ := setupExecutor(t, dir, 5*time.Second)
	ctx := context.Background()

	tsk := queuedTask(t, repo, task.KindImage)
	require.NoError(t, e.Process(ctx, &tsk))

	got, err := repo.Find(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "processing failed: exit status 3", got.ErrorMessage)
	assert.Equal(t, "almost\n", got.Stdout)
	assert.Empty(t, got.OutputPath)
	assert.NotNil(t, got.CompletedAt)
}

func TestExecutor_Timeout(t *testing.T) {
	dir := writeProcessor(t, "echo started; sleep 10")
	e, repo, _ := setupExecutor(t, dir, 300*time.Millisecond)
	ctx := context.Background()

	tsk := queuedTask(t, repo, task.KindImage)

	begin := time.Now()
	require.NoError(t, e.Process(ctx, &tsk))
	assert.Less(t, time.Since(begin), 5*time.Second)

	got, err := repo.Find(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "timed out")
	assert.Equal(t, "started\n", got.Stdout)
}

func TestExecutor_ProcessorMissing(t *testing.T) {
	e, repo, _ := setupExecutor(t, filepath.Join(t.TempDir(), "nowhere"), 5*time.Second)
	ctx := context.Background()

	tsk := queuedTask(t, repo, task.KindImage)
	require.NoError(t, e.Process(ctx, &tsk))

	got, err := repo.Find(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "processor not available")
}

func TestExecutor_ProcessorUnconfigured(t *testing.T) {
	e, repo, _ := setupExecutor(t, "", 5*time.Second)
	ctx := context.Background()

	tsk := queuedTask(t, repo, task.KindImage)
	require.NoError(t, e.Process(ctx, &tsk))

	got, err := repo.Find(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "not configured")
}

// A failed task retried by an admin must come back clean, and a subsequent
// successful run must repopulate the execution artifacts.
func TestExecutor_RetryAfterFailure(t *testing.T) {
	failing := writeProcessor(t, "echo broken >&2; exit 1")
	e, repo, _ := setupExecutor(t, failing, 5*time.Second)
	ctx := context.Background()

	tsk := queuedTask(t, repo, task.KindImage)
	require.NoError(t, e.Process(ctx, &tsk))

	got, err := repo.Find(ctx, tsk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, got.Status)

	require.NoError(t, repo.ApplyUpdate(ctx, tsk.ID, task.RetryPatch()))

	got, err = repo.Find(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Empty(t, got.OutputPath)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.Stdout)
	assert.Empty(t, got.Stderr)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	// Second attempt against a fixed processor succeeds and repopulates.
	working := writeProcessor(t, "echo ok")
	e2 := NewExecutor(repo, working, t.TempDir(), 5*time.Second, zaptest.NewLogger(t))
	require.NoError(t, e2.Process(ctx, got))

	got, err = repo.Find(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.OutputPath)
	assert.Equal(t, "ok\n", got.Stdout)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestExecutor_MarksProcessingBeforeRunning(t *testing.T) {
	// The script blocks long enough for the test to observe the
	// intermediate state.
	dir := writeProcessor(t, "sleep 10")
	e, repo, _ := setupExecutor(t, dir, 500*time.Millisecond)
	ctx := context.Background()

	tsk := queuedTask(t, repo, task.KindImage)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Process(ctx, &tsk)
	}()

	require.Eventually(t, func() bool {
		got, err := repo.Find(ctx, tsk.ID)
		return err == nil && got.Status == task.StatusProcessing && got.StartedAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	<-done
}
