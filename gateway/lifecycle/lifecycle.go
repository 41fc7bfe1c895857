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

// Package lifecycle drives the gateway's phased startup and
// reverse-order drain-then-exit shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mcpgateway/platform/shared/logger"
)

// ExitCode enumerates the gateway's documented process exit codes.
type ExitCode int

const (
	ExitOK                ExitCode = 0
	ExitConfigError       ExitCode = 1
	ExitDependencyTimeout ExitCode = 2
	ExitDrainTimeout      ExitCode = 3
	ExitSignal            ExitCode = 4
)

// Phase names one step of the readiness pipeline, in order.
type Phase string

const (
	PhaseLoadConfig      Phase = "load_config"
	PhaseOpenStores       Phase = "open_stores"
	PhaseBuildRegistry    Phase = "build_registry"
	PhaseFirstProbe       Phase = "first_probe"
	PhaseAcceptConnections Phase = "accept_connections"
	PhaseReady            Phase = "ready"
)

// Step is one unit of startup work. It must be idempotent-safe to fail
// and abort the whole sequence.
type Step struct {
	Phase Phase
	Run   func(ctx context.Context) error
}

// Controller sequences startup steps and coordinates graceful shutdown.
// Readers of Ready() never observe a partially started gateway.
type Controller struct {
	mu           sync.RWMutex
	ready        bool
	draining     bool
	openStreams  func() int
	drainDeadline time.Duration
	onDrainStart func()
	log          *logger.Logger
}

// New constructs a Controller. openStreams reports the current number
// of live streaming connections, used to decide when draining is done.
func New(drainDeadline time.Duration, openStreams func() int) *Controller {
	return &Controller{
		drainDeadline: drainDeadline,
		openStreams:   openStreams,
		log:           logger.New("gateway.lifecycle"),
	}
}

// Start runs every step in order. On the first failure it stops and
// returns that error along with the exit code the caller should use.
func (c *Controller) Start(ctx context.Context, steps []Step) (ExitCode, error) {
	for _, step := range steps {
		c.log.Info("", "", "starting phase", map[string]interface{}{"phase": string(step.Phase)})
		if err := step.Run(ctx); err != nil {
			c.log.Error("", "", "phase failed", map[string]interface{}{"phase": string(step.Phase), "error": err.Error()})
			return c.exitCodeFor(step.Phase), fmt.Errorf("lifecycle: phase %s: %w", step.Phase, err)
		}
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.log.Info("", "", "gateway ready", nil)
	return ExitOK, nil
}

func (c *Controller) exitCodeFor(phase Phase) ExitCode {
	switch phase {
	case PhaseLoadConfig:
		return ExitConfigError
	case PhaseOpenStores, PhaseBuildRegistry, PhaseFirstProbe:
		return ExitDependencyTimeout
	default:
		return ExitConfigError
	}
}

// SetOnDrainStart registers a callback fired once, synchronously, the
// moment Shutdown begins draining — before the drain-wait loop starts.
// Used to push a shutdown-tagged terminal chunk into active streams
// instead of leaving them to run to natural completion or be cut off.
func (c *Controller) SetOnDrainStart(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrainStart = fn
}

// Ready reports whether startup completed and the gateway accepts traffic.
func (c *Controller) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready && !c.draining
}

// Shutdown marks the controller draining, so Ready reports false; it does
// not itself refuse requests. It then waits for open streams to drain (or
// drain_deadline to elapse), then runs closeFns in order. It returns
// ExitDrainTimeout if the deadline elapsed with streams still open.
func (c *Controller) Shutdown(ctx context.Context, closeFns ...func(context.Context) error) ExitCode {
	c.mu.Lock()
	c.draining = true
	onDrainStart := c.onDrainStart
	c.mu.Unlock()
	c.log.Info("", "", "draining", map[string]interface{}{"drain_deadline_ms": c.drainDeadline.Milliseconds()})
	if onDrainStart != nil {
		onDrainStart()
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.drainDeadline)
	defer cancel()

	exitCode := ExitOK
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

drainLoop:
	for {
		if c.openStreams() == 0 {
			break
		}
		select {
		case <-drainCtx.Done():
			c.log.Warn("", "", "drain deadline exceeded", map[string]interface{}{"remaining_streams": c.openStreams()})
			exitCode = ExitDrainTimeout
			break drainLoop
		case <-ticker.C:
		}
	}

	for _, fn := range closeFns {
		if err := fn(ctx); err != nil {
			c.log.Error("", "", "shutdown step failed", map[string]interface{}{"error": err.Error()})
		}
	}

	c.log.Info("", "", "shutdown complete", map[string]interface{}{"exit_code": int(exitCode)})
	return exitCode
}
