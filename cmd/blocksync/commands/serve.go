package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/blocksync/am"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/server"
	"github.com/teranos/blocksync/sym"
)

// ServeCmd runs the coordination hub
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"hub"},
	Short:   sym.Leader + " Run the coordination hub",
	Long: sym.Leader + ` serve — Run the coordination hub

Agents sharing a scope connect to ws://host:port/coord. The hub elects the
leader, routes follower intents to it and streams events on /events.
With --dev-backend an in-memory block backend is served under /api, so a
local agent can point remote.base_url at http://localhost:port/api.`,
	RunE: runServe,
}

var (
	servePort       int
	serveDevBackend bool
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	ServeCmd.Flags().BoolVar(&serveDevBackend, "dev-backend", false, "Serve an in-memory backend under /api")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	port := cfg.GetServerPort()
	if servePort != 0 {
		port = servePort
	}

	srv, err := server.New(server.Config{
		AllowedOrigins:    cfg.GetServerAllowedOrigins(),
		HeartbeatInterval: cfg.Coordination.HeartbeatInterval(),
		LeaderTimeout:     cfg.Coordination.LeaderTimeout(),
		IntentBuffer:      cfg.Coordination.IntentBuffer,
		DevBackend:        cfg.Server.DevBackend || serveDevBackend,
	}, nil, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	addr, err := srv.Start(port)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Hub listening on %s\n", addr)
	if srv.Backend() != nil {
		pterm.Info.Println("Dev backend mounted at /api")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	pterm.Info.Println("Shutting down...")
	return srv.Stop()
}
