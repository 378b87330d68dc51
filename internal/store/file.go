package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tg_classifier_bot/internal/domain"
	"tg_classifier_bot/internal/logging"
)

const (
	fileFormatVersion = 1
	tempSuffix        = ".tmp-"
)

// errDirSync marks a failure after the rename made the new snapshot visible.
var errDirSync = errors.New("sync store dir")

// Overridable for crash-injection tests.
var (
	renameFile = os.Rename
	syncDir    = func(dir string) error {
		d, err := os.Open(dir)
		if err != nil {
			return err
		}
		defer d.Close()
		return d.Sync()
	}
)

type fileDocument struct {
	Version int                         `json:"version"`
	Users   map[int64]domain.UserRecord `json:"users"`
}

// FileRepository keeps credential records in a single JSON document. Every
// mutation writes the next snapshot to a temp file, fsyncs it and renames it
// over the previous one, so after a crash the file holds either the old or
// the new snapshot. The in-memory copy changes only after the rename.
type FileRepository struct {
	path   string
	logger *logrus.Entry

	mu    sync.RWMutex
	users map[int64]domain.UserRecord
}

// OpenFile loads the repository at path, creating its directory when missing.
// Leftover temp files from interrupted writes are removed.
func OpenFile(path string, logger *logrus.Entry) (*FileRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store path is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	r := &FileRepository{
		path:   path,
		logger: logger,
		users:  make(map[int64]domain.UserRecord),
	}

	r.removeStaleTemps()

	if err := r.load(); err != nil {
		return nil, err
	}

	r.logger.WithFields(logging.Fields{
		"event": "store_loaded",
		"path":  path,
		"users": len(r.users),
	}).Info("loaded credential store")

	return r, nil
}

// Get returns the record for userID.
func (r *FileRepository) Get(ctx context.Context, userID int64) (domain.UserRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return domain.UserRecord{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.users[userID]
	if !ok {
		return domain.UserRecord{}, domain.ErrNotRegistered
	}
	return rec, nil
}

// Create persists a new record unless one already exists for its user id.
func (r *FileRepository) Create(ctx context.Context, rec domain.UserRecord) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[rec.UserID]; ok {
		return domain.ErrAlreadyRegistered
	}

	next := r.cloneLocked()
	next[rec.UserID] = rec

	return r.commitLocked(next)
}

// SetAuthenticated flips the authenticated flag of an existing record.
func (r *FileRepository) SetAuthenticated(ctx context.Context, userID int64, authenticated bool, at time.Time) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[userID]
	if !ok {
		return domain.ErrNotRegistered
	}

	rec.Authenticated = authenticated
	rec.UpdatedAt = at

	next := r.cloneLocked()
	next[userID] = rec

	return r.commitLocked(next)
}

// Count returns the number of registered and authenticated users.
func (r *FileRepository) Count(ctx context.Context) (domain.Stats, error) {
	if err := ctxErr(ctx); err != nil {
		return domain.Stats{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.Stats{Users: int64(len(r.users))}
	for _, rec := range r.users {
		if rec.Authenticated {
			stats.Authenticated++
		}
	}
	return stats, nil
}

// Ping checks that the store directory is still reachable.
func (r *FileRepository) Ping(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	info, err := os.Stat(filepath.Dir(r.path))
	if err != nil {
		return fmt.Errorf("stat store dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store dir %s is not a directory", filepath.Dir(r.path))
	}
	return nil
}

func (r *FileRepository) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read store file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode store file: %w", err)
	}
	if doc.Version != fileFormatVersion {
		return fmt.Errorf("unsupported store file version %d", doc.Version)
	}

	for id, rec := range doc.Users {
		rec.UserID = id
		r.users[id] = rec
	}
	return nil
}

// commitLocked writes next durably and then swaps it in. Caller holds r.mu.
func (r *FileRepository) commitLocked(next map[int64]domain.UserRecord) error {
	payload, err := json.MarshalIndent(fileDocument{Version: fileFormatVersion, Users: next}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}

	if err := r.writeAtomic(payload); err != nil {
		if errors.Is(err, errDirSync) {
			// The file already holds next; memory must match it.
			r.users = next
			r.logger.WithFields(logging.Fields{
				"event": "store_dir_sync_error",
				"path":  r.path,
			}).WithError(err).Warn("store file replaced but directory sync failed")
			return nil
		}
		r.logger.WithFields(logging.Fields{
			"event": "store_write_error",
			"path":  r.path,
		}).WithError(err).Error("failed to persist credential store")
		return err
	}

	r.users = next
	return nil
}

func (r *FileRepository) writeAtomic(payload []byte) error {
	dir := filepath.Dir(r.path)

	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+tempSuffix+"*")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := renameFile(tmpName, r.path); err != nil {
		cleanup()
		return fmt.Errorf("replace store file: %w", err)
	}

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("%w: %w", errDirSync, err)
	}

	return nil
}

func (r *FileRepository) removeStaleTemps() {
	matches, err := filepath.Glob(r.path + tempSuffix + "*")
	if err != nil {
		return
	}
	for _, name := range matches {
		if err := os.Remove(name); err == nil {
			r.logger.WithFields(logging.Fields{
				"event": "store_temp_removed",
				"file":  name,
			}).Warn("removed leftover temp file from interrupted write")
		}
	}
}

func (r *FileRepository) cloneLocked() map[int64]domain.UserRecord {
	next := make(map[int64]domain.UserRecord, len(r.users)+1)
	for id, rec := range r.users {
		next[id] = rec
	}
	return next
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	return ctx.Err()
}
