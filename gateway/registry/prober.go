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

package registry

import (
	"context"
	"net/http"
	"time"

	"mcpgateway/platform/gateway/observability"
	"mcpgateway/platform/shared/logger"
)

// HealthChecker abstracts a tool's /health endpoint so the prober is
// testable without a live HTTP server.
type HealthChecker interface {
	Probe(ctx context.Context, baseURL string) (healthy bool, err error)
}

// HTTPHealthChecker issues a GET <base_url>/health with a bounded timeout,
// adapted from the teacher's MCPQueryRouter.IsHealthy HTTP client style.
type HTTPHealthChecker struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPHealthChecker builds a checker with a sane connection-pooled client.
func NewHTTPHealthChecker(timeout time.Duration) *HTTPHealthChecker {
	return &HTTPHealthChecker{
		Client: &http.Client{
			Transport: &http.Transport{MaxIdleConnsPerHost: 16},
		},
		Timeout: timeout,
	}
}

// Probe performs the HTTP health check.
func (h *HTTPHealthChecker) Probe(ctx context.Context, baseURL string) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false, err
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Prober wakes every probe_interval, calls each tool's /health and
// updates status. Transitions are logged and counted in
// observability.ToolProbeTransitions;
// the probe loop never affects in-flight requests.
type Prober struct {
	registry           *Registry
	checker            HealthChecker
	interval           time.Duration
	degradedThreshold  int
	unhealthyThreshold int
	log                *logger.Logger
}

// NewProber constructs a Prober bound to a Registry.
func NewProber(reg *Registry, checker HealthChecker, interval time.Duration, degradedThreshold, unhealthyThreshold int) *Prober {
	return &Prober{
		registry:           reg,
		checker:            checker,
		interval:           interval,
		degradedThreshold:  degradedThreshold,
		unhealthyThreshold: unhealthyThreshold,
		log:                logger.New("registry.prober"),
	}
}

// RunOnce performs a single synchronous pass over every registered tool.
// Used for the startup_probe_budget synchronous first pass.
func (p *Prober) RunOnce(ctx context.Context) {
	p.registry.mu.RLock()
	ids := make([]string, 0, len(p.registry.tools))
	urls := make(map[string]string, len(p.registry.tools))
	for id, rec := range p.registry.tools {
		ids = append(ids, id)
		urls[id] = rec.tool.BaseURL
	}
	p.registry.mu.RUnlock()

	for _, id := range ids {
		p.probeOne(ctx, id, urls[id])
	}
}

func (p *Prober) probeOne(ctx context.Context, toolID, baseURL string) {
	healthy, err := p.checker.Probe(ctx, baseURL)
	now := time.Now()

	before, _ := p.registry.Get(toolID)
	p.registry.applyProbeResult(toolID, healthy, now.UnixNano(), p.degradedThreshold, p.unhealthyThreshold)
	after, _ := p.registry.Get(toolID)

	if before.Status != after.Status {
		observability.ToolProbeTransitions.WithLabelValues(toolID, string(before.Status), string(after.Status)).Inc()
		fields := map[string]interface{}{"from": string(before.Status), "to": string(after.Status)}
		if err != nil {
			fields["error"] = err.Error()
		}
		p.log.Info("", toolID, "tool status transition", fields)
	}
}

// Run starts the background goroutine that wakes every interval, the
// same ticker-with-context-cancellation shape as the teacher's
// StartPeriodicReload.
func (p *Prober) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.RunOnce(ctx)
			}
		}
	}()
}
