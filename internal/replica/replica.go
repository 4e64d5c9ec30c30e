package replica

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/zerocache/sync-engine/internal/errors"
	"github.com/zerocache/sync-engine/internal/lifecycle"
)

// Replica owns the writer connection to the local SQLite file and can
// hand out read-only snapshots for syncer workers, per spec.md §4.12.
type Replica struct {
	path   string
	logger *zap.SugaredLogger

	db      *sql.DB
	watcher *fsnotify.Watcher
	rs      *lifecycle.RunningState

	onReset func()
}

// Open opens (creating and migrating if necessary) the SQLite file at
// path. If Migrate reports ErrIncompatibleReplica, the file is deleted
// and recreated from scratch, per spec.md §4.12's auto-reset.
func Open(path string, logger *zap.SugaredLogger) (*Replica, error) {
	r := &Replica{path: path, logger: logger, rs: lifecycle.New("replica", logger)}
	if err := r.openAndMigrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Replica) openAndMigrate() error {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", r.path))
	if err != nil {
		return errors.Wrap(err, "replica: open")
	}

	if err := Migrate(db, r.logger); err != nil {
		db.Close()
		if errors.Is(err, ErrIncompatibleReplica) {
			if r.logger != nil {
				r.logger.Warnw("replica incompatible, resetting", "path", r.path)
			}
			if resetErr := r.resetFile(); resetErr != nil {
				return resetErr
			}
			db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", r.path))
			if err != nil {
				return errors.Wrap(err, "replica: reopen after reset")
			}
			if err := Migrate(db, r.logger); err != nil {
				db.Close()
				return errors.Wrap(err, "replica: migrate after reset")
			}
		} else {
			return errors.Wrap(err, "replica: migrate")
		}
	}

	r.db = db
	return nil
}

func (r *Replica) resetFile() error {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(r.path + suffix); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "replica: remove %s%s", r.path, suffix)
		}
	}
	if r.onReset != nil {
		r.onReset()
	}
	return nil
}

// DB returns the writer connection, exclusively owned by the
// replication-manager process per spec.md §3's ownership summary.
func (r *Replica) DB() *sql.DB { return r.db }

// Snapshot opens a fresh read-only connection to the same file, so
// syncer workers never contend with the replication-manager's writer
// (spec.md §4.12).
func (r *Replica) Snapshot() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_txlock=immediate", r.path))
	if err != nil {
		return nil, errors.Wrap(err, "replica: open snapshot")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "replica: ping snapshot")
	}
	return db, nil
}

// WatchReset starts an fsnotify watch on the replica file's directory
// for a sibling `<path>.reset` marker; when it appears, the replica is
// reset the same way an incompatible-schema migration would be
// (spec.md §4.15). onReset, if non-nil, is invoked after a successful
// reset so the caller can re-seed in-memory state (watermark, schema
// cache) alongside the file reset.
func (r *Replica) WatchReset(onReset func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "replica: create watcher")
	}
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "replica: watch %s", dir)
	}

	r.watcher = watcher
	r.onReset = onReset
	markerPath := r.path + ".reset"

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != markerPath {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if r.logger != nil {
					r.logger.Infow("replica reset marker observed", "marker", markerPath)
				}
				r.db.Close()
				if err := r.resetFile(); err != nil {
					if r.logger != nil {
						r.logger.Errorw("replica reset failed", "error", err)
					}
					continue
				}
				os.Remove(markerPath)
				if err := r.openAndMigrate(); err != nil && r.logger != nil {
					r.logger.Errorw("replica reopen after reset failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if r.logger != nil {
					r.logger.Errorw("replica watcher error", "error", err)
				}
			case <-r.rs.Stopped():
				return
			}
		}
	}()

	r.rs.CancelOnStop(func() { watcher.Close() })
	return nil
}

// Close releases the writer connection and any active watcher.
func (r *Replica) Close() error {
	r.rs.Stop(nil)
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
