package arraystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"stemflow/internal/logging"
	"stemflow/internal/services"
)

// Fixed groups created under the root of every store.
const (
	GroupReconstruction = "/Reconstruction"
	GroupCalibration    = "/Calibration"
	GroupScratch        = "/Scratch"
)

// FormatVersion is recorded on the root group at creation time.
const FormatVersion = "1.0"

var (
	// ErrLocked reports that another writer holds the store.
	ErrLocked = errors.New("array store locked by another writer")
	// ErrClosed reports use of a closed store.
	ErrClosed = errors.New("array store closed")
	// ErrReadOnly reports a mutation attempted through a read-only handle.
	ErrReadOnly = errors.New("array store opened read-only")
)

const (
	sqliteBusyCode          = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
	busyRetryMaxElapsed     = 5 * time.Second
)

// Store is an open handle on an array store file.
type Store struct {
	path     string
	db       *sql.DB
	lock     *flock.Flock
	readOnly bool
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Option configures a Store at open time.
type Option func(*Store)

// WithLogger attaches a logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Create builds a new store at path with the standard root layout and takes
// the writer lock. It fails if path already exists.
func Create(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, services.Wrap(services.ErrAlreadyExists, "array-store", "create", path, nil)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, services.Wrap(services.ErrWriteFailure, "array-store", "create", "stat "+path, err)
	}

	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	s, err := openDB(path, lock, false, opts)
	if err != nil {
		_ = lock.Unlock()
		_ = os.Remove(path)
		return nil, err
	}
	if err := s.createSchema(ensureContext(ctx)); err != nil {
		_ = s.Close()
		removeFiles(path)
		return nil, err
	}
	s.logger.Info("array store created")
	return s, nil
}

// Open attaches to an existing store and takes the writer lock. The file is
// checked before the lock is acquired: a missing path reports
// services.ErrNotFound and an unrecognized file services.ErrInvalidFormat.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	ctx = ensureContext(ctx)
	if err := checkStoreFile(ctx, path); err != nil {
		return nil, err
	}
	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	s, err := openDB(path, lock, false, opts)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if err := s.checkSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.logger.Debug("array store opened")
	return s, nil
}

// OpenReadOnly attaches to an existing store without taking the writer lock.
// Mutating calls on the returned handle fail.
func OpenReadOnly(ctx context.Context, path string, opts ...Option) (*Store, error) {
	ctx = ensureContext(ctx)
	if err := checkStoreFile(ctx, path); err != nil {
		return nil, err
	}
	s, err := openDB(path, nil, true, opts)
	if err != nil {
		return nil, err
	}
	if err := s.checkSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Delete closes s if it is still open and removes the backing file.
// Failures are logged through the store's logger and returned.
func Delete(s *Store) error {
	if s == nil {
		return nil
	}
	if s.readOnly {
		s.logFailure("delete", s.path, ErrReadOnly)
		return ErrReadOnly
	}
	path := s.path
	if err := s.Close(); err != nil && !errors.Is(err, ErrClosed) {
		s.logFailure("delete", path, err)
		return err
	}
	return s.removeFile()
}

// RemoveFile deletes a store file that is not open in this process. It
// refuses when another writer holds the lock. Failures are logged through
// the WithLogger option and returned.
func RemoveFile(path string, opts ...Option) error {
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s.removeFile()
}

func (s *Store) removeFile() error {
	lock, err := acquireLock(s.path)
	if err != nil {
		s.logFailure("delete", s.path, err)
		return err
	}
	defer func() { _ = lock.Unlock() }()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		err = services.Wrap(services.ErrWriteFailure, "array-store", "delete", s.path, err)
		s.logFailure("delete", s.path, err)
		return err
	}
	removeFiles(s.path)
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// ReadOnly reports whether the handle was opened with OpenReadOnly.
func (s *Store) ReadOnly() bool { return s.readOnly }

// Close flushes and releases the store. Closing twice is a no-op.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlite db: %w", err))
		}
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release store lock: %w", err))
		}
	}
	s.logger.Debug("array store closed")
	return errors.Join(errs...)
}

func acquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrWriteFailure, "array-store", "lock", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return lock, nil
}

func openDB(path string, lock *flock.Flock, readOnly bool, opts []Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps pragmas in effect and serializes access.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if readOnly {
		pragmas = append(pragmas, "PRAGMA query_only = ON")
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, classifyOpenError(path, fmt.Errorf("apply pragma %q: %w", pragma, execErr))
		}
	}

	s := &Store{path: path, db: db, lock: lock, readOnly: readOnly}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "array-store").With(logging.String(logging.FieldStorePath, path))
	return s, nil
}

// checkStoreFile checks that path exists and looks like a store before any lock is taken.
func checkStoreFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return services.Wrap(services.ErrNotFound, "array-store", "open", path, nil)
	}
	if err != nil {
		return services.Wrap(services.ErrReadFailure, "array-store", "open", "stat "+path, err)
	}
	if info.IsDir() {
		return services.Wrap(services.ErrInvalidFormat, "array-store", "open", path+" is a directory", nil)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return services.Wrap(services.ErrInvalidFormat, "array-store", "open", path, err)
	}
	defer db.Close()
	var tables int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name IN ('schema_version', 'nodes', 'chunks')",
	).Scan(&tables)
	if err != nil {
		return services.Wrap(services.ErrInvalidFormat, "array-store", "open", path, err)
	}
	if tables != 3 {
		return services.Wrap(services.ErrInvalidFormat, "array-store", "open", path+" is not an array store", nil)
	}
	return nil
}

func classifyOpenError(path string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed") {
		return services.Wrap(services.ErrInvalidFormat, "array-store", "open", path, err)
	}
	return err
}

func removeFiles(path string) {
	for _, suffix := range []string{"-wal", "-shm", ".lock"} {
		_ = os.Remove(path + suffix)
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy re-runs op with exponential backoff while SQLite reports the
// database busy, which happens when a read-only handle in another process
// overlaps a checkpoint.
func retryOnBusy(ctx context.Context, op func() error) error {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     busyRetryInitialBackoff,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         busyRetryMaxBackoff,
		MaxElapsedTime:      busyRetryMaxElapsed,
		Clock:               backoff.SystemClock,
	}
	return backoff.Retry(func() error {
		err := op()
		if err == nil || isSQLiteBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

// beginMutation takes the store lock and rejects closed or read-only handles.
// The caller must invoke the returned release func.
func (s *Store) beginMutation() (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.readOnly {
		s.mu.Unlock()
		return nil, ErrReadOnly
	}
	return s.mu.Unlock, nil
}

// beginRead takes the store lock for a read and rejects closed handles.
func (s *Store) beginRead() (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	return s.mu.Unlock, nil
}

// withTx runs fn in a transaction, retrying the whole unit on SQLITE_BUSY.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// logFailure records a structural failure that is reported to callers as false.
func (s *Store) logFailure(operation, name string, err error) {
	logging.WarnWithContext(s.logger, "array store operation failed", "store_operation_failed",
		logging.String("operation", operation),
		logging.String(logging.FieldDataset, name),
		logging.String(logging.FieldErrorKind, services.Kind(err)),
		logging.String(logging.FieldErrorHint, "inspect the store with 'stemflow store tree'"),
		logging.String(logging.FieldImpact, "the call returned no result"),
		logging.Error(err),
	)
}
