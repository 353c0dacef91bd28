package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/blocksync/am"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/logger"
)

// Start listens on port (or a fallback when it is taken) and serves until
// Stop. It returns the address actually bound.
func (s *Server) Start(port int) (string, error) {
	if s.getState() != ServerStateRunning {
		return "", errors.New("server already stopped")
	}
	s.Run()

	actualPort, err := findAvailablePort(port)
	if err != nil {
		return "", errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort,
		)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", actualPort))
	if err != nil {
		return "", errors.Wrapf(err, "failed to listen on port %d", actualPort)
	}
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTP server stopped", logger.FieldError, err)
		}
	}()

	addr := ln.Addr().String()
	logger.AddOpenSymbol(s.logger).Infow("Hub listening",
		"addr", addr,
		"coord", fmt.Sprintf("ws://localhost:%d/coord", actualPort),
		"dev_backend", s.backend != nil,
		"heartbeat", s.registry.HeartbeatInterval(),
		"leader_timeout", s.registry.LeaderTimeout(),
	)
	return addr, nil
}

// Stop gracefully shuts down the server and closes every connection.
func (s *Server) Stop() error {
	if s.getState() != ServerStateRunning {
		return nil
	}
	log := logger.AddCloseSymbol(s.logger)
	log.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	// Feed clients first so their pumps exit before the context goes
	s.mu.Lock()
	clientsToClose := make([]*feedClient, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()
	for _, client := range clientsToClose {
		client.close()
	}

	var shutdownErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		// Hijacked websockets are not tracked by Shutdown; their handlers
		// return once the context below is cancelled.
		shutdownErr = s.httpServer.Shutdown(ctx)
		cancel()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		log.Warnw("Goroutine shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	s.setState(ServerStateStopped)
	log.Infow("Server shutdown complete", "broadcast_drops", s.broadcastDrops.Load())
	if shutdownErr != nil {
		return errors.Wrap(shutdownErr, "http shutdown")
	}
	return nil
}

// isPortAvailable checks if a port is available for binding
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// findAvailablePort tries the requested port, then the configured
// fallbacks. Port 0 asks the kernel for any free port.
func findAvailablePort(requestedPort int) (int, error) {
	if requestedPort == 0 {
		return 0, nil
	}
	if isPortAvailable(requestedPort) {
		return requestedPort, nil
	}

	for _, port := range []int{am.DefaultServerPort, am.FallbackServerPort} {
		if port != requestedPort && isPortAvailable(port) {
			return port, nil
		}
	}

	return 0, errors.Newf("no available ports found (tried %d, %d, %d)",
		requestedPort, am.DefaultServerPort, am.FallbackServerPort)
}
