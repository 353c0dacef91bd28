package engine

import (
	"database/sql"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/db"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/outbox"
)

// Storage bundles the two local stores an engine writes to.
type Storage struct {
	Blocks block.Store
	Outbox outbox.Store
	// Degraded is true when the durable file could not be used and both
	// stores live in memory for this process only.
	Degraded bool

	db *sql.DB
}

// DB returns the underlying database, nil when degraded.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Close releases the database.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MemoryStorage returns non-durable stores.
func MemoryStorage() *Storage {
	return &Storage{Blocks: block.NewMemoryStore(), Outbox: outbox.NewMemoryStore()}
}

// OpenStorage opens (creating if needed) the sqlite file at path and brings
// its schema up to date. When that fails the engine keeps working on
// memory stores: a warning is logged and storage_degraded is published on
// bus. It never returns nil.
func OpenStorage(path string, bus *events.Bus, log *zap.SugaredLogger) *Storage {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = logger.AddDBSymbol(log)

	database, err := openDurable(path, log)
	if err != nil {
		log.Warnw("Local database unavailable, falling back to memory storage",
			"path", path,
			logger.FieldError, err)
		if bus != nil {
			bus.Publish(events.Event{Type: events.StorageDegraded, Error: err.Error()})
		}
		st := MemoryStorage()
		st.Degraded = true
		return st
	}
	return &Storage{
		Blocks: block.NewSQLStore(database),
		Outbox: outbox.NewSQLStore(database),
		db:     database,
	}
}

func openDurable(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	if path == "" {
		return nil, errors.NewInvalidRequestError("database path is empty")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "failed to create %s", dir)
			}
		}
	}
	return db.OpenWithMigrations(path, log)
}
