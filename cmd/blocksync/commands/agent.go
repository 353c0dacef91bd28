package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/blocksync/am"
	"github.com/teranos/blocksync/coord"
	"github.com/teranos/blocksync/engine"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/outbox"
	"github.com/teranos/blocksync/remote"
	"github.com/teranos/blocksync/sym"
)

// AgentCmd runs one sync agent
var AgentCmd = &cobra.Command{
	Use:   "agent",
	Short: sym.Outbox + " Run a sync agent",
	Long: sym.Outbox + ` agent — Run a sync agent

Opens the local database, joins the coordination scope at
coordination.hub_url (or runs alone when it is empty) and drains the
transaction queue against remote.base_url while leading. Each --page is
kept in step with the backend's change stream.`,
	RunE: runAgent,
}

var (
	agentPages  []string
	agentDBPath string
)

func init() {
	AgentCmd.Flags().StringSliceVar(&agentPages, "page", nil, "Page to follow (repeatable)")
	AgentCmd.Flags().StringVar(&agentDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Remote.BaseURL == "" {
		return errors.NewInvalidRequestError("remote.base_url is required to run an agent")
	}
	log := logger.ComponentLogger("agent")

	dbPath := agentDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, storage, err := buildEngine(ctx, cfg, dbPath, log)
	if err != nil {
		return err
	}
	defer storage.Close()
	if storage.Degraded {
		pterm.Warning.Printf("Database %s unavailable, edits will not survive a restart\n", dbPath)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()
	eng.SetOnline(ctx, true)
	for _, page := range agentPages {
		if !eng.Follow(page) {
			log.Warnw("Remote cannot stream changes", logger.FieldPageID, page)
		}
	}

	if path := am.ActiveConfigFile(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			log.Warnw("Config hot reload unavailable", logger.FieldError, err)
		} else {
			watcher.OnReload(func(next *am.Config) error {
				eng.Queue().Reconfigure(outboxConfig(next))
				return nil
			})
			am.SetGlobalWatcher(watcher)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	pterm.Success.Printf("Agent %s running (database %s)\n", eng.Coordinator().ID(), dbPath)
	<-ctx.Done()
	pterm.Info.Println("Shutting down...")
	return nil
}

func buildEngine(ctx context.Context, cfg *am.Config, dbPath string, log *zap.SugaredLogger) (*engine.Engine, *engine.Storage, error) {
	client, err := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL:    cfg.Remote.BaseURL,
		Token:      cfg.Remote.Token,
		Timeout:    cfg.Remote.Timeout(),
		RateLimit:  cfg.Remote.RateLimitPerSecond,
		Burst:      cfg.Remote.Burst,
		MaxRetries: cfg.Remote.MaxRetries,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	bus := events.NewBus(log)
	var co coord.Coordinator
	id := cfg.Coordination.AgentID
	if id == "" {
		id = coord.NewAgentID()
	}
	if cfg.Coordination.HubURL != "" {
		co = coord.NewMember(coord.WebsocketDialer(cfg.Coordination.HubURL, nil), coord.MemberConfig{
			ID:           id,
			IntentBuffer: cfg.Coordination.IntentBuffer,
		}, bus, log)
	} else {
		co = coord.NewSolo(id)
	}

	storage := engine.OpenStorage(dbPath, bus, log)
	eng, err := engine.New(ctx, engine.Options{
		Blocks:      storage.Blocks,
		Outbox:      storage.Outbox,
		Client:      client,
		Coordinator: co,
		Bus:         bus,
		Logger:      log,
	}, engine.Config{
		UserID:       id,
		Outbox:       outboxConfig(cfg),
		AutoRollback: cfg.Sync.AutoRollback,
	})
	if err != nil {
		_ = storage.Close()
		return nil, nil, err
	}
	return eng, storage, nil
}

func outboxConfig(cfg *am.Config) outbox.Config {
	return outbox.Config{
		Interval:       cfg.Sync.Interval(),
		BatchSize:      cfg.Sync.BatchSize,
		MaxRetries:     cfg.Sync.MaxRetries,
		RetryDelayBase: cfg.Sync.RetryDelayBase(),
		MaxRetryDelay:  cfg.Sync.MaxRetryDelay(),
		OrphanAfter:    cfg.Coordination.LeaderTimeout(),
	}
}
