package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// LocalStore writes blobs under a root directory on the local filesystem,
// using the same atomic write pattern as a durable write-ahead log: write
// to a temp file in the target directory, fsync it, then rename into
// place, so a crash mid-write never leaves a partial blob visible under
// the final key.
type LocalStore struct {
	root string
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// PathFor exposes the key-to-filesystem mapping, for operational tooling
// and tests that need to reach a blob outside the Store interface.
func (s *LocalStore) PathFor(key string) string {
	return s.path(key)
}

func (s *LocalStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

var _ Pinger = (*LocalStore)(nil)

// Ping verifies the store root is statable (and creates it if missing, the
// same as a fresh deployment's first Put would).
func (s *LocalStore) Ping(ctx context.Context) error {
	return os.MkdirAll(s.root, 0o755)
}

var _ Cleaner = (*LocalStore)(nil)

// CleanupOlderThan walks the events/ tree depth-first, deleting files whose
// mtime predates cutoff and then trying to remove each directory that
// became empty as a result. A directory left non-empty by a file that
// couldn't be deleted (or a non-expired sibling) is left in place, and its
// parent is therefore treated as non-empty too.
func (s *LocalStore) CleanupOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (CleanupStats, error) {
	var stats CleanupStats
	root := filepath.Join(s.root, "events")

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return stats, nil
	} else if err != nil {
		return stats, err
	}

	_, err := s.recurseDir(root, cutoff, dryRun, &stats)
	return stats, err
}

// recurseDir returns whether dir is (now) empty, so the caller can decide
// whether to prune it.
func (s *LocalStore) recurseDir(dir string, cutoff time.Time, dryRun bool, stats *CleanupStats) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}

	empty := true
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			childEmpty, err := s.recurseDir(path, cutoff, dryRun, stats)
			if err != nil {
				return false, err
			}
			if childEmpty && !dryRun {
				if os.Remove(path) == nil {
					stats.DirsRemoved++
				} else {
					empty = false
				}
			} else if !childEmpty {
				empty = false
			}
			continue
		}

		info, err := entry.Info()
		if err != nil {
			empty = false
			continue
		}
		stats.FilesExamined++

		if info.ModTime().After(cutoff) || info.ModTime().Equal(cutoff) {
			empty = false
			continue
		}

		if dryRun {
			stats.FilesDeleted++
			stats.BytesDeleted += info.Size()
			continue
		}
		if os.Remove(path) == nil {
			stats.FilesDeleted++
			stats.BytesDeleted += info.Size()
		} else {
			empty = false
		}
	}
	return empty, nil
}
