package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const lockRetryDelay = 10 * time.Millisecond

// FileStore keeps each collection in a single JSON file under a data
// directory, guarded by an advisory exclusive lock on that file. The lock is
// held only for the duration of one read or one write, so cooperating
// processes never observe interleaved or partial documents.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

func (s *FileStore) Read(ctx context.Context, collection string, defaultDoc, out any) error {
	path := s.path(collection)

	fl := flock.New(path)
	if err := lockExclusive(ctx, fl); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		if len(data) == 0 && err == nil {
			s.logger.Warn("empty document, seeding default", zap.String("collection", collection))
		}
		return s.seed(path, collection, defaultDoc, out)
	}

	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("unparsable document, overwriting with default",
			zap.String("collection", collection),
			zap.Error(err),
		)
		return s.seed(path, collection, defaultDoc, out)
	}

	return nil
}

// seed writes the default document in place of a missing, empty or corrupt
// one and fills out with the same content. Caller holds the lock.
func (s *FileStore) seed(path, collection string, defaultDoc, out any) error {
	data, err := json.MarshalIndent(defaultDoc, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal default %s: %w", collection, err)
	}
	if err := writeInPlace(path, data); err != nil {
		return fmt.Errorf("seed %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal default %s: %w", collection, err)
	}
	return nil
}

func (s *FileStore) Write(ctx context.Context, collection string, doc any) error {
	path := s.path(collection)

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", collection, err)
	}

	fl := flock.New(path)
	if err := lockExclusive(ctx, fl); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer fl.Unlock()

	if err := writeInPlace(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func lockExclusive(ctx context.Context, fl *flock.Flock) error {
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return err
	}
	if !ok {
		return ctx.Err()
	}
	return nil
}

// writeInPlace truncates and rewrites the file without renaming, so the
// inode the advisory lock was taken on stays the one other lockers see.
func writeInPlace(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
