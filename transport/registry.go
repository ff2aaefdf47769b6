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

package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/firma-sign/go-firma-sign/errs"
)

// Constructor builds an uninitialized transport. Plugins register one at
// compile time from an init function; the configuration selects which
// registered names to instantiate.
type Constructor func() Transport

var (
	buildersMu sync.RWMutex
	builders   = make(map[string]Constructor)
)

// Register makes a transport constructor available under name. It panics on
// duplicate registration, mirroring database/sql driver registration.
func Register(name string, c Constructor) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if _, dup := builders[name]; dup {
		panic("transport: Register called twice for " + name)
	}
	builders[name] = c
}

// Registered lists the compile-time registered transport names.
func Registered() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupervisorEvent surfaces a transport-level fault to the supervisor.
type SupervisorEvent struct {
	Transport string
	Err       error
	Time      time.Time
}

// Info describes one running transport for the facade.
type Info struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
	Status       Status       `json:"status"`
}

// GracefulTimeout is how long each plugin gets to quiesce on graceful
// shutdown before being abandoned.
const GracefulTimeout = 10 * time.Second

// Registry instantiates the configured transports, supervises them, and
// routes outgoing transfers to the plugin named by each recipient.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
	configs    map[string]Config
	envelopes  chan IncomingEnvelope
	events     chan SupervisorEvent
	started    bool
	logger     *log.Entry
}

// NewRegistry prepares a registry for the configured transport set.
func NewRegistry(configs map[string]Config) *Registry {
	return &Registry{
		transports: make(map[string]Transport),
		configs:    configs,
		envelopes:  make(chan IncomingEnvelope, 64),
		events:     make(chan SupervisorEvent, 16),
		logger:     log.WithField("component", "transport-registry"),
	}
}

// Start instantiates and initializes every configured transport. A name
// without a registered constructor, a missing required config key, or a
// rejected config fails startup.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errs.New(errs.OperationFailed, "registry.Start", "already started")
	}
	for name, cfg := range r.configs {
		buildersMu.RLock()
		build, ok := builders[name]
		buildersMu.RUnlock()
		if !ok {
			return errs.New(errs.TransportUnavailable, "registry.Start",
				"transport %q is not built into this binary", name)
		}
		t := build()
		for _, key := range t.Capabilities().RequiredConfig {
			if _, present := cfg[key]; !present {
				return errs.New(errs.InvalidConfig, "registry.Start",
					"transport %q: required config key %q missing", name, key)
			}
		}
		if err := t.ValidateConfig(cfg); err != nil {
			return errs.Wrap(errs.InvalidConfig, "registry.Start", err)
		}
		if err := t.Initialize(ctx, cfg); err != nil {
			return errs.Wrap(errs.OperationFailed, "registry.Start", err)
		}
		if err := t.Receive(r.envelopes); err != nil {
			t.Shutdown(ctx)
			return errs.Wrap(errs.OperationFailed, "registry.Start", err)
		}
		r.transports[name] = t
		r.logger.WithFields(log.Fields{
			"transport": name,
			"version":   t.Version(),
		}).Info("transport initialized")
	}
	r.started = true
	return nil
}

// Envelopes is the merged stream of incoming transfers from every transport.
func (r *Registry) Envelopes() <-chan IncomingEnvelope { return r.envelopes }

// Events is the supervisor channel carrying transport faults.
func (r *Registry) Events() <-chan SupervisorEvent { return r.events }

// ReportError surfaces a transport fault to the supervisor without blocking.
func (r *Registry) ReportError(transport string, err error) {
	transportErrors.WithLabelValues(transport).Inc()
	select {
	case r.events <- SupervisorEvent{Transport: transport, Err: err, Time: time.Now()}:
	default:
		r.logger.WithError(err).WithField("transport", transport).
			Warn("supervisor channel full, event dropped")
	}
}

// Get returns the running transport registered under name.
func (r *Registry) Get(name string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	if !ok {
		return nil, errs.New(errs.TransportUnavailable, "registry.Get", "transport %q", name)
	}
	if !t.Status().Initialized {
		return nil, errs.New(errs.TransportUnavailable, "registry.Get",
			"transport %q not initialized", name)
	}
	return t, nil
}

// List describes every running transport.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.transports))
	for name, t := range r.transports {
		infos = append(infos, Info{
			Name:         name,
			Version:      t.Version(),
			Capabilities: t.Capabilities(),
			Status:       t.Status(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Send routes out's recipients to the transports they name and merges the
// per-transport results back into the original recipient order. A recipient
// naming an absent or uninitialized transport fails with
// TransportUnavailable without affecting its siblings.
func (r *Registry) Send(ctx context.Context, out *OutgoingTransfer) (*Result, error) {
	merged := &Result{RecipientResults: make([]RecipientResult, len(out.Recipients))}

	// Group recipient indexes by transport name, keeping order stable.
	groups := make(map[string][]int)
	var order []string
	for i, rec := range out.Recipients {
		if _, seen := groups[rec.Transport]; !seen {
			order = append(order, rec.Transport)
		}
		groups[rec.Transport] = append(groups[rec.Transport], i)
	}

	for _, name := range order {
		idxs := groups[name]
		t, err := r.Get(name)
		if err != nil {
			for _, i := range idxs {
				merged.RecipientResults[i] = RecipientResult{
					Recipient: out.Recipients[i], Err: err,
				}
				recipientOutcomes.WithLabelValues(name, "unavailable").Inc()
			}
			continue
		}
		sub := &OutgoingTransfer{
			TransferID: out.TransferID,
			Documents:  out.Documents,
			Sender:     out.Sender,
			Options:    out.Options,
		}
		for _, i := range idxs {
			sub.Recipients = append(sub.Recipients, out.Recipients[i])
		}
		sendsTotal.WithLabelValues(name).Inc()
		res, err := t.Send(ctx, sub)
		if err != nil {
			// Transport-fatal: every routed recipient fails alike.
			r.ReportError(name, err)
			for _, i := range idxs {
				merged.RecipientResults[i] = RecipientResult{
					Recipient: out.Recipients[i], Err: err,
				}
				recipientOutcomes.WithLabelValues(name, "error").Inc()
			}
			continue
		}
		for k, i := range idxs {
			rr := res.RecipientResults[k]
			merged.RecipientResults[i] = rr
			if rr.Success {
				recipientOutcomes.WithLabelValues(name, "success").Inc()
			} else {
				recipientOutcomes.WithLabelValues(name, "failure").Inc()
			}
		}
	}

	for _, rr := range merged.RecipientResults {
		if rr.Success {
			merged.Success = true
			break
		}
	}
	return merged, nil
}

// ShutdownGraceful stops every transport in parallel, giving each up to
// GracefulTimeout to quiesce.
func (r *Registry) ShutdownGraceful(ctx context.Context) error {
	r.mu.Lock()
	transports := r.transports
	r.transports = make(map[string]Transport)
	r.started = false
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for name, t := range transports {
		name, t := name, t
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, GracefulTimeout)
			defer cancel()
			t.StopReceiving()
			if err := t.Shutdown(tctx); err != nil {
				r.logger.WithError(err).WithField("transport", name).
					Warn("transport shutdown failed")
				return err
			}
			r.logger.WithField("transport", name).Info("transport stopped")
			return nil
		})
	}
	return g.Wait()
}

// ShutdownAbrupt tells every transport to stop and drops the references
// without waiting for them to quiesce.
func (r *Registry) ShutdownAbrupt() {
	r.mu.Lock()
	transports := r.transports
	r.transports = make(map[string]Transport)
	r.started = false
	r.mu.Unlock()

	for _, t := range transports {
		t.StopReceiving()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		t.Shutdown(ctx)
		cancel()
	}
}
