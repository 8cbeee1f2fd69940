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

package transfer

import (
	"github.com/hexterm/termcore/lib/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "transfer_tasks_finished_total",
			Help:      "Number of transfer tasks reaching a terminal state, by state.",
		},
		[]string{"state"},
	)
	bytesTransferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "transfer_bytes_total",
			Help:      "Total bytes moved by the transfer engine, uploads and downloads combined.",
		},
	)

	transferCollectors = []prometheus.Collector{tasksFinished, bytesTransferred}
)
