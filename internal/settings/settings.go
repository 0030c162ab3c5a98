// Package settings manages the singular application configuration document:
// the admin password hash, an optional processor path override and the
// session secret.
package settings

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/Pr3zLy/face-swap-site/internal/store"
)

var ErrWrongPassword = errors.New("wrong admin password")

// DefaultAdminPassword is the seed password for a fresh deployment. Admins
// are expected to change it immediately.
const DefaultAdminPassword = "admin"

type Settings struct {
	AdminPasswordHash string `json:"admin_password"`
	ProcessorPath     string `json:"processor_path,omitempty"`
	SecretKey         string `json:"secret_key"`
}

type Repo struct {
	store store.Store
}

func NewRepo(s store.Store) *Repo {
	return &Repo{store: s}
}

func defaultSettings() (Settings, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return Settings{}, fmt.Errorf("hash default password: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return Settings{}, fmt.Errorf("generate secret: %w", err)
	}
	return Settings{
		AdminPasswordHash: string(hash),
		SecretKey:         hex.EncodeToString(secret),
	}, nil
}

func (r *Repo) Load(ctx context.Context) (*Settings, error) {
	def, err := defaultSettings()
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := r.store.Read(ctx, store.CollectionConfig, def, &s); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return &s, nil
}

func (r *Repo) Save(ctx context.Context, s *Settings) error {
	if err := r.store.Write(ctx, store.CollectionConfig, s); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// VerifyAdminPassword checks a candidate password against the stored hash.
func (r *Repo) VerifyAdminPassword(ctx context.Context, password string) error {
	s, err := r.Load(ctx)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(s.AdminPasswordHash), []byte(password)) != nil {
		return ErrWrongPassword
	}
	return nil
}

// SetAdminPassword replaces the admin password after verifying the old one.
func (r *Repo) SetAdminPassword(ctx context.Context, oldPassword, newPassword string) error {
	s, err := r.Load(ctx)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(s.AdminPasswordHash), []byte(oldPassword)) != nil {
		return ErrWrongPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	s.AdminPasswordHash = string(hash)
	return r.Save(ctx, s)
}
