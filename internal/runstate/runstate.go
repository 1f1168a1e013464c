// Package runstate is the shared run-control store: cooperative cancellation
// flags and last-known run statuses, keyed by run sid. It is backed by an
// embedded Badger database so flags survive the process and are visible to
// whoever raised them.
package runstate

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// statuses maps a reporter action to the user-facing run status.
var statuses = map[string]string{
	"start":  "started",
	"step":   "running",
	"save":   "saving",
	"pause":  "paused",
	"resume": "resuming",
	"stop":   "stopped",
	"error":  "error",
	"done":   "finished",
}

// StatusFor translates a reporter action into its run status. Unknown
// actions pass through unchanged.
func StatusFor(action string) string {
	if s, ok := statuses[action]; ok {
		return s
	}
	return action
}

// Store is the run-control store. Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens the store at path, or in memory when path is empty.
func Open(path string, logger *slog.Logger) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("creating run-state directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening run-state store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func cancelKey(sid string) []byte { return []byte("cancel/" + sid) }
func statusKey(sid string) []byte { return []byte("status/" + sid) }

// RequestCancel raises the cancellation flag for a run. The stepper polls it
// at the top of every step.
func (s *Store) RequestCancel(sid string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cancelKey(sid), []byte("1"))
	})
}

// ClearCancel lowers the flag, typically when a new run reuses a sid.
func (s *Store) ClearCancel(sid string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(cancelKey(sid))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Canceled reports whether cancellation was requested for a run.
func (s *Store) Canceled(sid string) (bool, error) {
	var canceled bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(cancelKey(sid))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		canceled = true
		return nil
	})
	return canceled, err
}

// SetStatus records the last-known status for a run.
func (s *Store) SetStatus(sid, status string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(statusKey(sid), []byte(status))
	})
}

// Status returns the last-known status, or "" if none was recorded.
func (s *Store) Status(sid string) (string, error) {
	var status string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(statusKey(sid))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		status = string(val)
		return nil
	})
	return status, err
}

// badgerLogger adapts slog to Badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any)   { l.logger.Error(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Warningf(format string, args ...any) { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Infof(format string, args ...any)    { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Debugf(format string, args ...any)   { l.logger.Debug(fmt.Sprintf(format, args...)) }
