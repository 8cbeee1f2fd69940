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

package pool

import (
	"github.com/hexterm/termcore/lib/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "pool_connections_created_total",
			Help:      "Number of transport connections the pools have dialed and authenticated.",
		},
	)
	connectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "pool_connections_closed_total",
			Help:      "Number of pooled connections torn down, by reason.",
		},
		[]string{"reason"},
	)
	healthChecksRun = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "pool_health_checks_total",
			Help:      "Number of health-check sweeps the pools have run.",
		},
	)

	poolCollectors = []prometheus.Collector{connectionsCreated, connectionsClosed, healthChecksRun}
)

// Teardown reasons recorded on connectionsClosed and logged by closeLocked.
const (
	closeReasonEvicted       = "evicted"
	closeReasonForced        = "forced"
	closeReasonIdle          = "idle"
	closeReasonDeadTransport = "dead_transport"
	closeReasonShutdown      = "shutdown"
)
