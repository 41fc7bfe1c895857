// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability exposes the gateway's Prometheus metrics and a
// bounded rolling-window percentile calculator, grounded on the
// teacher's orchestrator metrics.
package observability

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts admitted requests by tenant and outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_requests_total",
			Help: "Total requests admitted to the gateway, by tenant and outcome.",
		},
		[]string{"tenant_id", "outcome"},
	)

	// ChunksEmitted counts stream chunks delivered, by kind.
	ChunksEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_chunks_emitted_total",
			Help: "Total stream chunks emitted, by kind.",
		},
		[]string{"kind"},
	)

	// ToolProbeTransitions counts health status transitions, by tool and transition.
	ToolProbeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_tool_probe_transitions_total",
			Help: "Total tool health status transitions.",
		},
		[]string{"tool_id", "from", "to"},
	)

	// RequestLatencySeconds observes end-to-end request latency.
	RequestLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgateway_request_latency_seconds",
			Help:    "End-to-end request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant_id"},
	)

	// UpstreamLatencySeconds observes per-tool upstream call latency.
	UpstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgateway_upstream_latency_seconds",
			Help:    "Upstream tool call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool_id"},
	)

	// QueueDepth gauges in-flight requests awaiting dispatch.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpgateway_queue_depth",
			Help: "Requests admitted but not yet dispatched.",
		},
	)

	// OpenStreams gauges live SSE streams; WebSocket sessions are not
	// counted here.
	OpenStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpgateway_open_streams",
			Help: "Currently open streaming connections.",
		},
	)

	// CircuitState gauges each tool breaker's state (0=closed,1=half-open,2=open).
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpgateway_circuit_state",
			Help: "Current circuit breaker state per tool (0=closed,1=half-open,2=open).",
		},
		[]string{"tool_id"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		ChunksEmitted,
		ToolProbeTransitions,
		RequestLatencySeconds,
		UpstreamLatencySeconds,
		QueueDepth,
		OpenStreams,
		CircuitState,
	)
}

// CircuitStateValue maps a breaker state name to the gauge encoding.
func CircuitStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// maxSamples bounds the rolling window so percentile calculation stays
// O(window) instead of growing without limit, the same bounded-slice
// discipline as the teacher's orchestrator metrics.
const maxSamples = 1000

// LatencyWindow is a bounded rolling window of latency samples (in
// milliseconds) used to compute p50/p95/p99 without an external TSDB
// query, mirroring the teacher's calculateP50/P95/P99Orchestrator helpers.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64
}

// NewLatencyWindow constructs an empty window.
func NewLatencyWindow() *LatencyWindow {
	return &LatencyWindow{samples: make([]float64, 0, maxSamples)}
}

// Observe records one latency sample in milliseconds, evicting the
// oldest sample once the window is full.
func (w *LatencyWindow) Observe(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) >= maxSamples {
		w.samples = w.samples[1:]
	}
	w.samples = append(w.samples, ms)
}

// Percentiles returns p50, p95, p99 over the current window.
func (w *LatencyWindow) Percentiles() (p50, p95, p99 float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return 0, 0, 0
	}

	sorted := make([]float64, len(w.samples))
	copy(sorted, w.samples)
	sort.Float64s(sorted)

	return percentileOf(sorted, 0.50), percentileOf(sorted, 0.95), percentileOf(sorted, 0.99)
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
