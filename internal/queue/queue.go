// Package queue is the task repository: typed operations over the tasks
// collection of the document store.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/Pr3zLy/face-swap-site/internal/store"
	"github.com/Pr3zLy/face-swap-site/internal/task"
)

var ErrNotFound = errors.New("task not found")

type Repo struct {
	store store.Store
}

func NewRepo(s store.Store) *Repo {
	return &Repo{store: s}
}

func (r *Repo) List(ctx context.Context) ([]task.Task, error) {
	var tasks []task.Task
	if err := r.store.Read(ctx, store.CollectionTasks, []task.Task{}, &tasks); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Find locates a task by id with a linear scan. Returns ErrNotFound when
// the id is absent.
func (r *Repo) Find(ctx context.Context, id string) (*task.Task, error) {
	tasks, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i], nil
		}
	}
	return nil, ErrNotFound
}

func (r *Repo) Append(ctx context.Context, t task.Task) error {
	tasks, err := r.List(ctx)
	if err != nil {
		return err
	}
	tasks = append(tasks, t)
	if err := r.store.Write(ctx, store.CollectionTasks, tasks); err != nil {
		return fmt.Errorf("append task: %w", err)
	}
	return nil
}

// ApplyUpdate merges a patch into the task with the given id. The repository
// does not validate that the patch respects the lifecycle state machine;
// that is the caller's responsibility.
//
// The read and the write each hold the store lock, but the update as a whole
// does not: two concurrent ApplyUpdate calls on the same task can lose one
// side's change. Accepted for a single-worker, low-admin-concurrency
// deployment.
func (r *Repo) ApplyUpdate(ctx context.Context, id string, p task.Patch) error {
	tasks, err := r.List(ctx)
	if err != nil {
		return err
	}

	found := false
	for i := range tasks {
		if tasks[i].ID == id {
			p.Apply(&tasks[i])
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}

	if err := r.store.Write(ctx, store.CollectionTasks, tasks); err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

// ReplaceAll overwrites the entire task list. Used by admin bulk operations
// such as delete.
func (r *Repo) ReplaceAll(ctx context.Context, tasks []task.Task) error {
	if err := r.store.Write(ctx, store.CollectionTasks, tasks); err != nil {
		return fmt.Errorf("replace tasks: %w", err)
	}
	return nil
}
