// Package invite manages the single-use invite codes that gate task
// submission.
package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Pr3zLy/face-swap-site/internal/store"
	"github.com/Pr3zLy/face-swap-site/internal/task"
)

var (
	ErrNotFound = errors.New("invite not found")
	ErrUsed     = errors.New("invite already used")
)

type Invite struct {
	Code      string    `json:"code"`
	Kind      task.Kind `json:"type"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

type Repo struct {
	store store.Store
}

func NewRepo(s store.Store) *Repo {
	return &Repo{store: s}
}

func (r *Repo) List(ctx context.Context) ([]Invite, error) {
	var invites []Invite
	if err := r.store.Read(ctx, store.CollectionInvites, []Invite{}, &invites); err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	return invites, nil
}

// Issue creates a new unused invite of the given kind.
func (r *Repo) Issue(ctx context.Context, kind task.Kind) (*Invite, error) {
	invites, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	inv := Invite{
		Code:      uuid.New().String(),
		Kind:      kind,
		Used:      false,
		CreatedAt: time.Now().UTC(),
	}

	invites = append(invites, inv)
	if err := r.store.Write(ctx, store.CollectionInvites, invites); err != nil {
		return nil, fmt.Errorf("issue invite: %w", err)
	}
	return &inv, nil
}

func (r *Repo) Find(ctx context.Context, code string) (*Invite, error) {
	invites, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range invites {
		if invites[i].Code == code {
			return &invites[i], nil
		}
	}
	return nil, ErrNotFound
}

func (r *Repo) MarkUsed(ctx context.Context, code string) error {
	invites, err := r.List(ctx)
	if err != nil {
		return err
	}

	found := false
	for i := range invites {
		if invites[i].Code == code {
			invites[i].Used = true
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}

	if err := r.store.Write(ctx, store.CollectionInvites, invites); err != nil {
		return fmt.Errorf("mark invite used: %w", err)
	}
	return nil
}
