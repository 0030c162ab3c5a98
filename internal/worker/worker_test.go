package worker

import (
	"context"
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

func setupWorker(t *testing.T, processorDir string) (*Worker, *queue.Repo) {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	repo := queue.NewRepo(s)
	e := NewExecutor(repo, processorDir, t.TempDir(), 5*time.Second, zaptest.NewLogger(t))
	w := New(repo, e, 10*time.Millisecond, 50*time.Millisecond, zaptest.NewLogger(t))
	return w, repo
}

func appendQueued(t *testing.T, repo *queue.Repo, id string, priority int, kind task.Kind, createdAt time.Time) {
	t.Helper()
	require.NoError(t, repo.Append(context.Background(), task.Task{
		ID:         id,
		InviteCode: "invite-" + uuid.New().String()[:8],
		SourcePath: "/tmp/source.jpg",
		TargetPath: "/tmp/target.jpg",
		Kind:       kind,
		Status:     task.StatusQueued,
		Priority:   priority,
		CreatedAt:  createdAt,
	}))
}

func TestWorker_SelectionOrder(t *testing.T) {
	w, repo := setupWorker(t, writeProcessor(t, "exit 0"))
	ctx := context.Background()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	appendQueued(t, repo, "A", 10, task.KindVideo, t0.Add(time.Minute))
	appendQueued(t, repo, "B", 10, task.KindImage, t0)
	appendQueued(t, repo, "C", 5, task.KindImage, t0.Add(2*time.Minute))

	var order []string
	for {
		next, err := w.nextTask(ctx)
		require.NoError(t, err)
		if next == nil {
			break
		}
		order = append(order, next.ID)

		st := task.StatusCompleted
		require.NoError(t, repo.ApplyUpdate(ctx, next.ID, task.Patch{Status: &st}))
	}

	assert.Equal(t, []string{"C", "A", "B"}, order)
}

func TestWorker_ProcessesQueueToCompletion(t *testing.T) {
	w, repo := setupWorker(t, writeProcessor(t, "exit 0"))

	t0 := time.Now().UTC()
	appendQueued(t, repo, "one", 10, task.KindVideo, t0)
	appendQueued(t, repo, "two", 20, task.KindImage, t0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	require.Eventually(t, func() bool {
		tasks, err := repo.List(context.Background())
		if err != nil || len(tasks) != 2 {
			return false
		}
		for _, tsk := range tasks {
			if tsk.Status != task.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	w.Stop()
}

// A failing task must not stop the loop from reaching the tasks behind it.
func TestWorker_ContinuesPastFailedTask(t *testing.T) {
	w, repo := setupWorker(t, writeProcessor(t, `
case "$3" in
  /tmp/bad.jpg) exit 1 ;;
  *) exit 0 ;;
esac`))

	t0 := time.Now().UTC()
	require.NoError(t, repo.Append(context.Background(), task.Task{
		ID:         "bad",
		InviteCode: "inv-bad",
		SourcePath: "/tmp/bad.jpg",
		TargetPath: "/tmp/target.jpg",
		Kind:       task.KindImage,
		Status:     task.StatusQueued,
		Priority:   1,
		CreatedAt:  t0,
	}))
	appendQueued(t, repo, "good", 10, task.KindImage, t0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	require.Eventually(t, func() bool {
		bad, err := repo.Find(context.Background(), "bad")
		if err != nil || bad.Status != task.StatusFailed {
			return false
		}
		good, err := repo.Find(context.Background(), "good")
		return err == nil && good.Status == task.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	w.Stop()
}

// At most one task is processing at any sampled instant.
func TestWorker_SingleFlight(t *testing.T) {
	w, repo := setupWorker(t, writeProcessor(t, "sleep 0.2"))

	t0 := time.Now().UTC()
	appendQueued(t, repo, "first", 10, task.KindImage, t0)
	appendQueued(t, repo, "second", 10, task.KindImage, t0.Add(time.Second))
	appendQueued(t, repo, "third", 10, task.KindImage, t0.Add(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		tasks, err := repo.List(context.Background())
		require.NoError(t, err)

		processing := 0
		remaining := 0
		for _, tsk := range tasks {
			switch tsk.Status {
			case task.StatusProcessing:
				processing++
			case task.StatusQueued:
				remaining++
			}
		}
		assert.LessOrEqual(t, processing, 1)

		if processing == 0 && remaining == 0 {
			break
		}
		time.Sleep(15 * time.Millisecond)
	}

	cancel()
	w.Stop()
}

func TestWorker_StopAfterCancel(t *testing.T) {
	w, _ := setupWorker(t, writeProcessor(t, "exit 0"))

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	cancel()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
