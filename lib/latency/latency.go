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

// Package latency periodically measures round-trip latency to each
// registered tab's remote host, preferring a TCP probe (tunneled through
// the tab's explicit proxy, if any) and falling back to an SSH exec
// round-trip when that probe fails.
package latency

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/config"
	"github.com/hexterm/termcore/lib/proxy"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	probeInterval  = 60 * time.Second
	probeTimeout   = 5 * time.Second
	connectOnlyCap = 300 * time.Millisecond
	ringBufferSize = 10
)

// Status is a tab's probing state as last observed.
type Status string

const (
	StatusChecking  Status = "checking"
	StatusConnected Status = "connected"
	StatusError     Status = "error"
)

// Sample is one published measurement, carrying enough of the tab's
// LatencyRecord for the UI to render without a follow-up query.
type Sample struct {
	Host        string
	Port        string
	Latency     time.Duration
	LastCheckAt time.Time
	CheckCount  int
	Status      Status
}

// Sink receives latency updates and probe errors.
type Sink interface {
	LatencyUpdated(tabID string, sample Sample)
	LatencyError(tabID string, err error)
}

// SSHExecer runs a round-trip exec command over a tab's SSH connection,
// used as the fallback probe when the TCP probe fails.
type SSHExecer interface {
	SSHClientFor(tabID string) (*ssh.Client, bool)
}

// registration is one tab's latency-probing state.
type registration struct {
	tabID  string
	host   string
	port   string
	policy config.ProxyPolicy

	mu          sync.Mutex
	samples     []time.Duration
	lastCheckAt time.Time
	checkCount  int
	errorCount  int
	status      Status
}

func (r *registration) record(d time.Duration, now time.Time) Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, d)
	if excess := len(r.samples) - ringBufferSize; excess > 0 {
		r.samples = r.samples[excess:]
	}
	r.lastCheckAt = now
	r.checkCount++
	r.status = StatusConnected
	return Sample{
		Host:        r.host,
		Port:        r.port,
		Latency:     d,
		LastCheckAt: now,
		CheckCount:  r.checkCount,
		Status:      StatusConnected,
	}
}

func (r *registration) recordError(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCheckAt = now
	r.checkCount++
	r.errorCount++
	r.status = StatusError
}

func (r *registration) latest() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return 0, false
	}
	return r.samples[len(r.samples)-1], true
}

// Prober is the Latency Probe: one goroutine per registered tab, each
// measuring on probeInterval and on-demand via TestNow.
type Prober struct {
	execer   SSHExecer
	sink     Sink
	clock    clockwork.Clock
	log      log.FieldLogger
	resolver *proxy.Resolver

	mu    sync.Mutex
	regs  map[string]*registration
	stops map[string]context.CancelFunc
}

// New constructs a Prober. execer resolves a tab's SSH client for the exec
// fallback; resolver tunnels the TCP probe through a tab's proxy policy
// when it names an explicit proxy. A nil resolver probes directly.
func New(execer SSHExecer, sink Sink, clock clockwork.Clock, resolver *proxy.Resolver) *Prober {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Prober{
		execer:   execer,
		sink:     sink,
		clock:    clock,
		resolver: resolver,
		log:      log.StandardLogger().WithField(trace.Component, "latency"),
		regs:     make(map[string]*registration),
		stops:    make(map[string]context.CancelFunc),
	}
}

// Register starts probing tabID's host:port, with an immediate first
// measurement followed by one every probeInterval.
func (p *Prober) Register(tabID, host, port string, policy config.ProxyPolicy) {
	p.Unregister(tabID)

	reg := &registration{tabID: tabID, host: host, port: port, policy: policy, status: StatusChecking}
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.regs[tabID] = reg
	p.stops[tabID] = cancel
	p.mu.Unlock()

	go p.loop(ctx, reg)
}

// Unregister stops probing tabID.
func (p *Prober) Unregister(tabID string) {
	p.mu.Lock()
	cancel, ok := p.stops[tabID]
	delete(p.stops, tabID)
	delete(p.regs, tabID)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// TestNow runs an immediate out-of-cycle measurement for tabID, in
// addition to its periodic schedule.
func (p *Prober) TestNow(tabID string) {
	p.mu.Lock()
	reg, ok := p.regs[tabID]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.measure(reg)
}

// Latest returns the most recent sample recorded for tabID.
func (p *Prober) Latest(tabID string) (time.Duration, bool) {
	p.mu.Lock()
	reg, ok := p.regs[tabID]
	p.mu.Unlock()
	if !ok {
		return 0, false
	}
	return reg.latest()
}

func (p *Prober) loop(ctx context.Context, reg *registration) {
	p.measure(reg)

	ticker := p.clock.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.measure(reg)
		}
	}
}

func (p *Prober) measure(reg *registration) {
	d, err := p.measureTCP(reg)
	if err != nil {
		d, err = p.measureSSHExec(reg)
	}
	if err != nil {
		reg.recordError(p.clock.Now())
		p.log.WithError(err).WithField("tab", reg.tabID).Debug("latency probe failed on both paths")
		if p.sink != nil {
			p.sink.LatencyError(reg.tabID, err)
		}
		return
	}
	sample := reg.record(d, p.clock.Now())
	if p.sink != nil {
		p.sink.LatencyUpdated(reg.tabID, sample)
	}
}

// measureTCP measures the time from starting the TCP dial to the first
// inbound byte (the SSH banner on an SSH port), bounded by the 5s probe
// ceiling. When no banner arrives within the connectOnlyCap window, the
// connect-only time is returned instead, so probing a silent port still
// yields a sample. A tab registered with an explicit proxy policy is probed
// through that same tunnel, since a direct probe of the bare host would
// measure the wrong hop entirely.
func (p *Prober) measureTCP(reg *registration) (time.Duration, error) {
	start := p.clock.Now()

	var (
		conn net.Conn
		err  error
	)
	if p.resolver != nil && reg.policy.IsExplicit() {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		conn, err = p.resolver.OpenTunnel(ctx, reg.policy, reg.host, reg.port)
	} else {
		d := net.Dialer{Timeout: probeTimeout}
		conn, err = d.Dial("tcp", net.JoinHostPort(reg.host, reg.port))
	}
	if err != nil {
		return 0, trace.Wrap(err)
	}
	defer conn.Close()

	connectOnly := p.clock.Since(start)

	banner := make([]byte, 1)
	_ = conn.SetReadDeadline(time.Now().Add(connectOnlyCap))
	if _, err := conn.Read(banner); err == nil {
		return p.clock.Since(start), nil
	}
	return connectOnly, nil
}

// measureSSHExec falls back to a round-trip "echo latency_test" over the
// tab's existing SSH connection when the TCP probe fails.
func (p *Prober) measureSSHExec(reg *registration) (time.Duration, error) {
	client, ok := p.execer.SSHClientFor(reg.tabID)
	if !ok {
		return 0, trace.NotFound("no SSH connection for tab %q", reg.tabID)
	}

	session, err := client.NewSession()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	defer session.Close()

	start := p.clock.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run("echo latency_test") }()

	select {
	case err := <-done:
		if err != nil {
			return 0, trace.Wrap(err)
		}
		return p.clock.Since(start), nil
	case <-p.clock.After(probeTimeout):
		_ = session.Signal(ssh.SIGKILL)
		return 0, trace.Errorf("ssh latency probe timed out")
	}
}

// Shutdown stops every registered probe.
func (p *Prober) Shutdown() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.regs))
	for id := range p.regs {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Unregister(id)
	}
}
