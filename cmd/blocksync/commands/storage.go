package commands

import (
	"context"

	"github.com/teranos/blocksync/am"
	"github.com/teranos/blocksync/engine"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/outbox"
)

// openQueue opens the durable outbox for offline inspection. Unlike an
// agent it refuses to fall back to memory: there would be nothing to show.
func openQueue(ctx context.Context, dbPath string) (*outbox.Queue, *engine.Storage, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	storage := engine.OpenStorage(dbPath, nil, logger.Logger)
	if storage.Degraded {
		return nil, nil, errors.Newf("database %s is unavailable", dbPath)
	}
	q, err := outbox.NewQueue(ctx, storage.Outbox, nil, outboxConfig(cfg), logger.Logger)
	if err != nil {
		_ = storage.Close()
		return nil, nil, err
	}
	return q, storage, nil
}
