// Package node wires a bigset process together: storage, core server,
// replication, and the client endpoint, with lifecycle management.
package node

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cuemby/bigset/pkg/api"
	"github.com/cuemby/bigset/pkg/config"
	"github.com/cuemby/bigset/pkg/log"
	"github.com/cuemby/bigset/pkg/metrics"
	"github.com/cuemby/bigset/pkg/replication"
	"github.com/cuemby/bigset/pkg/server"
	"github.com/cuemby/bigset/pkg/storage"
	"github.com/rs/zerolog"
)

// Node is one bigset process: a storage engine, the core server, the
// replication manager and endpoint, and the client command endpoint.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      *storage.SQLiteStore
	core       *server.Server
	journal    *replication.Journal
	repl       *replication.Manager
	replServer *replication.Endpoint
	apiServer  *api.Server
	metricsSrv *http.Server
}

// New builds a node from configuration. The version vector is loaded from
// storage before anything serves.
func New(cfg *config.Config) (*Node, error) {
	store, err := storage.NewSQLiteStore(cfg.Server.DBPath, storage.Options{
		CacheSize:     cfg.Storage.CacheSize,
		BusyTimeoutMs: cfg.Storage.BusyTimeoutMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	core, err := server.New(cfg.ActorID(), store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	journal, err := replication.NewJournal(journalPath(cfg.Server.DBPath))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open replication journal: %w", err)
	}

	peers := make([]replication.Peer, len(cfg.Cluster.Peers))
	for i, p := range cfg.Cluster.Peers {
		peers[i] = replication.Peer{Actor: p.ActorID(), Addr: p.Addr}
	}

	repl := replication.NewManager(peers, journal, replication.ManagerOptions{
		BufferSize:   cfg.Replication.BufferSize,
		SendTimeout:  time.Duration(cfg.Replication.SendTimeoutMs) * time.Millisecond,
		MaxRetries:   cfg.Replication.MaxRetries,
		RetryBackoff: time.Duration(cfg.Replication.RetryBackoffMs) * time.Millisecond,
	})

	n := &Node{
		cfg:        cfg,
		logger:     log.WithComponent("node"),
		store:      store,
		core:       core,
		journal:    journal,
		repl:       repl,
		replServer: replication.NewEndpoint(cfg.Server.ReplicationAddr, core, repl.PendingBuffer()),
		apiServer:  api.NewServer(cfg.Server.APIAddr, core, repl),
	}
	return n, nil
}

// Start brings every subsystem up. Safe to call once.
func (n *Node) Start() error {
	n.logger.Info().
		Stringer("actor", n.core.ActorID()).
		Str("api", n.cfg.Server.APIAddr).
		Str("replication", n.cfg.Server.ReplicationAddr).
		Int("peers", len(n.repl.Peers())).
		Msg("starting node")

	if err := n.repl.LoadJournal(); err != nil {
		return fmt.Errorf("failed to recover journal: %w", err)
	}

	if err := n.replServer.Start(); err != nil {
		return fmt.Errorf("failed to start replication endpoint: %w", err)
	}
	metrics.RegisterComponent("replication", true, "")

	if err := n.apiServer.Start(); err != nil {
		n.replServer.Stop()
		return fmt.Errorf("failed to start api endpoint: %w", err)
	}
	metrics.RegisterComponent("api", true, "")
	metrics.RegisterComponent("storage", true, "")

	n.repl.StartRetry()

	if addr := n.cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		n.metricsSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
		n.logger.Info().Str("addr", addr).Msg("metrics listening")
	}

	return nil
}

// Stop shuts the node down, draining accepted connections best-effort. The
// pending buffer is dropped; the unacked journal survives for the next run.
func (n *Node) Stop() {
	n.logger.Info().Msg("stopping node")

	if n.metricsSrv != nil {
		n.metricsSrv.Close()
	}
	n.apiServer.Stop()
	n.replServer.Stop()
	n.repl.Stop()

	if err := n.journal.Close(); err != nil {
		n.logger.Error().Err(err).Msg("failed to close journal")
	}
	if err := n.store.Close(); err != nil {
		n.logger.Error().Err(err).Msg("failed to close storage")
	}
}

// APIAddr returns the bound client address. Valid after Start.
func (n *Node) APIAddr() string {
	return n.apiServer.Addr()
}

// ReplicationAddr returns the bound replication address. Valid after Start.
func (n *Node) ReplicationAddr() string {
	return n.replServer.Addr()
}

func journalPath(dbPath string) string {
	dir := filepath.Dir(dbPath)
	base := filepath.Base(dbPath)
	return filepath.Join(dir, base+".journal")
}
