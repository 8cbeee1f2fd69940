// Copyright 2024 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runtime wires the connection pools, tab registry, SFTP session
// manager, transfer engine, proxy resolver, latency probe and event bus
// into a single long-lived process, the equivalent of a daemon's service
// object.
package runtime

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/config"
	"github.com/hexterm/termcore/lib/eventbus"
	"github.com/hexterm/termcore/lib/latency"
	"github.com/hexterm/termcore/lib/pool"
	"github.com/hexterm/termcore/lib/proxy"
	"github.com/hexterm/termcore/lib/registry"
	"github.com/hexterm/termcore/lib/sftpsession"
	"github.com/hexterm/termcore/lib/transfer"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// poolStatsInterval is how often the runtime broadcasts connection pool
// stats on the event bus; poolStatsTopN bounds the top/last connection
// lists inside each snapshot.
const (
	poolStatsInterval = 5 * time.Second
	poolStatsTopN     = 5
)

// durationOrDefault converts a persisted seconds value to a Duration,
// falling back when the setting was absent (zero).
func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Config configures a Runtime at startup.
type Config struct {
	// ConfigPath is the on-disk path of the persisted JSON document.
	ConfigPath string
	// ConfigPassphrase derives the at-rest encryption key for secrets.
	ConfigPassphrase string
	Clock            clockwork.Clock
	Log              log.FieldLogger
}

// Runtime owns every long-lived subsystem and their shutdown order.
type Runtime struct {
	Store    *config.Store
	Bus      *eventbus.Bus
	SSHPool  *pool.Pool
	Telnet   *pool.Pool
	Registry *registry.Registry
	SFTP     *sftpsession.Manager
	Transfer *transfer.Engine
	Proxy    *proxy.Resolver
	Latency  *latency.Prober

	clock clockwork.Clock
	log   log.FieldLogger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Runtime and starts its background sweepers. Call
// Shutdown to tear it down.
func New(cfg Config) *Runtime {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.StandardLogger().WithField(trace.Component, "runtime")
	}

	store := config.NewStore(cfg.ConfigPath, cfg.ConfigPassphrase, config.WithLogger(logger))
	bus := eventbus.New()
	proxyResolver := proxy.New()

	// poolSettings overrides from the persisted document apply at startup
	// only; a load failure falls back to the compiled-in defaults rather
	// than preventing the daemon from coming up.
	var settings config.PoolSettings
	if doc, err := store.Load(); err != nil {
		logger.WithError(err).Warn("could not load persisted config, using default pool tuning")
	} else {
		settings = doc.PoolSettings
	}

	sshDialer := &pool.SSHDialer{ConnectTimeout: 10 * time.Second, Resolver: proxyResolver}
	telnetDialer := &pool.TelnetDialer{ConnectTimeout: 10 * time.Second, Resolver: proxyResolver}

	sshPool := pool.New(sshDialer, pool.Config{
		MaxTotal:            settings.MaxTotal,
		IdleTimeout:         durationOrDefault(settings.IdleTimeoutSSHSec, 10*time.Minute),
		HealthCheckInterval: durationOrDefault(settings.HealthCheckIntervalSec, 0),
		Clock:               clock,
		Log:                 logger.WithField("pool", "ssh"),
	})
	telnetPool := pool.New(telnetDialer, pool.Config{
		MaxTotal:            settings.MaxTotal,
		IdleTimeout:         durationOrDefault(settings.IdleTimeoutTelnetSec, 30*time.Minute),
		HealthCheckInterval: durationOrDefault(settings.HealthCheckIntervalSec, 0),
		Clock:               clock,
		Log:                 logger.WithField("pool", "telnet"),
	})

	reg := registry.New(sshPool, telnetPool, bus)
	sftpMgr := sftpsession.New(reg, clock)

	// Forced teardown of a pooled SSH connection must purge any SFTP
	// sessions riding on it, not leave them to fail on next use.
	sshPool.OnClose = func(_ pool.Key, tabIDs []string) {
		for _, tabID := range tabIDs {
			sftpMgr.Close(tabID)
		}
	}

	transferEngine := transfer.New(sftpMgr, bus, clock)
	// Every chunk the engine moves rides an SFTP session bound to an SSH
	// pooled connection; feed the pool's bytes-transferred accumulator so
	// pool.stats can report it.
	transferEngine.OnBytes = sshPool.AddBytesTransferred
	latencyProber := latency.New(reg, bus, clock, proxyResolver)

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		Store:    store,
		Bus:      bus,
		SSHPool:  sshPool,
		Telnet:   telnetPool,
		Registry: reg,
		SFTP:     sftpMgr,
		Transfer: transferEngine,
		Proxy:    proxyResolver,
		Latency:  latencyProber,
		clock:    clock,
		log:      logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	sshPool.StartSweeper(ctx)
	telnetPool.StartSweeper(ctx)
	sftpMgr.StartSweeper(ctx)
	go rt.publishPoolStats(ctx)

	return rt
}

func (r *Runtime) publishPoolStats(ctx context.Context) {
	defer close(r.done)
	ticker := r.clock.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Bus.PublishPoolStats(r.SSHPool.GetStats(poolStatsTopN), r.Telnet.GetStats(poolStatsTopN))
		}
	}
}

// Shutdown tears every subsystem down in reverse-dependency order:
// highest-level consumers first (latency probes, registry tabs, SFTP
// sessions), then the pools they were built on. The transfer engine has no
// shutdown step of its own.
func (r *Runtime) Shutdown() {
	r.cancel()

	r.Latency.Shutdown()
	r.Registry.Shutdown()
	r.SFTP.Shutdown()
	r.SSHPool.Shutdown()
	r.Telnet.Shutdown()

	<-r.done
}
