// Copyright 2026 The firma-sign Authors
// This file is part of the firma-sign library.
//
// The firma-sign library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The firma-sign library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the firma-sign library. If not, see <http://www.gnu.org/licenses/>.

// Package node assembles the storage, transport and engine layers into one
// runnable service with an ordered lifecycle.
package node

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/firma-sign/go-firma-sign/anchor"
	"github.com/firma-sign/go-firma-sign/bus"
	"github.com/firma-sign/go-firma-sign/core"
	"github.com/firma-sign/go-firma-sign/errs"
	"github.com/firma-sign/go-firma-sign/storage"
	"github.com/firma-sign/go-firma-sign/storage/blob"
	"github.com/firma-sign/go-firma-sign/storage/relstore"
	"github.com/firma-sign/go-firma-sign/transport"
)

// Node owns every component of a running firma-sign instance. Start brings
// them up storage first; Stop tears them down in reverse.
type Node struct {
	cfg *Config

	mu      sync.Mutex
	started bool

	rel      *relstore.Store
	blobs    *blob.Store
	store    *storage.Coordinator
	bus      *bus.Bus
	registry *transport.Registry
	engine   *core.Engine
	metrics  *http.Server

	logger *log.Entry
}

// New validates the configuration and prepares an unstarted node.
func New(cfg *Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Node{cfg: cfg, logger: log.WithField("component", "node")}, nil
}

// Start brings the node up: relational store, blob store, coordinator, bus,
// transport registry, engine, then the metrics listener. Any failure unwinds
// what already started.
func (n *Node) Start(ctx context.Context) error {
	const op = "node.Start"
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errs.New(errs.OperationFailed, op, "already started")
	}
	if err := os.MkdirAll(n.cfg.DataDir, 0700); err != nil {
		return errs.Wrap(errs.OperationFailed, op, err)
	}

	rel, err := relstore.Open(n.cfg.databasePath())
	if err != nil {
		return err
	}
	maxSize, err := n.cfg.maxFileSizeBytes()
	if err != nil {
		rel.Close()
		return err
	}
	blobs, err := blob.New(n.cfg.blobRoot(), maxSize)
	if err != nil {
		rel.Close()
		return err
	}

	store := storage.NewCoordinator(rel, blobs)
	eventBus := bus.New()

	registry := transport.NewRegistry(n.transportConfigs())
	if err := registry.Start(ctx); err != nil {
		eventBus.Close()
		rel.Close()
		return err
	}

	engine := core.New(store, registry, eventBus, core.Config{
		Workers:          n.cfg.Engine.Workers,
		DeadlineInterval: time.Duration(n.cfg.Engine.DeadlineIntervalSeconds) * time.Second,
		Anchorer:         anchor.NewMemory(),
	})
	if err := engine.Start(); err != nil {
		registry.ShutdownAbrupt()
		eventBus.Close()
		rel.Close()
		return err
	}

	if n.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		n.metrics = &http.Server{Addr: n.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := n.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.logger.WithError(err).Warn("metrics listener stopped")
			}
		}()
	}

	n.rel = rel
	n.blobs = blobs
	n.store = store
	n.bus = eventBus
	n.registry = registry
	n.engine = engine
	n.started = true
	n.logger.WithField("dataDir", n.cfg.DataDir).Info("node started")
	return nil
}

// transportConfigs injects the data-dir derived defaults into the configured
// transport sections.
func (n *Node) transportConfigs() map[string]transport.Config {
	out := make(map[string]transport.Config, len(n.cfg.Transports))
	for name, section := range n.cfg.Transports {
		cfg := make(transport.Config, len(section)+2)
		for k, v := range section {
			cfg[k] = v
		}
		if name == "p2p" {
			if _, ok := cfg["keyFile"]; !ok {
				cfg["keyFile"] = n.cfg.keyFilePath()
			}
			if _, ok := cfg["peerDbPath"]; !ok {
				cfg["peerDbPath"] = n.cfg.peerDBPath()
			}
		}
		out[name] = cfg
	}
	return out
}

// Stop shuts the node down in reverse start order. The transports get a
// graceful window; everything else stops after the engine drains.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	if n.metrics != nil {
		n.metrics.Shutdown(ctx)
		n.metrics = nil
	}
	n.engine.Stop()
	err := n.registry.ShutdownGraceful(ctx)
	n.bus.Close()
	if cerr := n.rel.Close(); cerr != nil && err == nil {
		err = cerr
	}
	n.started = false
	n.logger.Info("node stopped")
	return err
}

// Engine exposes the running transfer engine. Nil before Start.
func (n *Node) Engine() *core.Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine
}

// Registry exposes the running transport registry. Nil before Start.
func (n *Node) Registry() *transport.Registry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry
}

// Usage reports blob store consumption.
func (n *Node) Usage() (*blob.Usage, error) {
	n.mu.Lock()
	store := n.store
	n.mu.Unlock()
	if store == nil {
		return nil, errs.New(errs.NotInitialized, "node.Usage", "node not started")
	}
	return store.Usage()
}
