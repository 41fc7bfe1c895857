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

// Package breaker implements the per-upstream circuit breaker and the
// deadline-aware retry-with-backoff middleware protecting each call to
// a specialist tool.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is rejected because the circuit is open.
type OpenError struct {
	ToolID string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for tool %q is open", e.ToolID)
}

// CircuitBreaker implements the per-tool closed/open/half-open state
// machine. State transitions are serialized per tool by mu; cross-tool
// transitions are independent (each tool gets its own CircuitBreaker).
type CircuitBreaker struct {
	toolID          string
	threshold       int
	cooldown        time.Duration
	halfOpenMax     int

	mu              sync.Mutex
	state           State
	failures        int
	lastTransition  time.Time
	trialInFlight   bool
	halfOpenSuccess int
}

// New creates a circuit breaker for one tool. threshold is the failure
// count within the closed state that trips to open; cooldown is how long
// the circuit stays open before one half-open trial is admitted.
func New(toolID string, threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		toolID:      toolID,
		threshold:   threshold,
		cooldown:    cooldown,
		halfOpenMax: 1,
		state:       Closed,
	}
}

// Execute runs fn through the breaker. At most one trial call is admitted
// while half-open; cleanup of the trial permit is guaranteed by releasing
// it in the same goroutine that acquired it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == HalfOpen {
		cb.trialInFlight = false
	}
	if err != nil {
		cb.recordFailureLocked()
		return err
	}
	cb.recordSuccessLocked()
	return nil
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) > cb.cooldown {
			cb.state = HalfOpen
			cb.lastTransition = time.Now()
			cb.halfOpenSuccess = 0
			cb.trialInFlight = true
			return nil
		}
		return &OpenError{ToolID: cb.toolID}
	case HalfOpen:
		if cb.trialInFlight {
			return &OpenError{ToolID: cb.toolID}
		}
		cb.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordFailureLocked() {
	cb.failures++
	if cb.state == HalfOpen || cb.failures >= cb.threshold {
		cb.state = Open
		cb.lastTransition = time.Now()
	}
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	if cb.state == HalfOpen {
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.halfOpenMax {
			cb.state = Closed
			cb.failures = 0
			cb.lastTransition = time.Now()
		}
		return
	}
	cb.failures = 0
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit back to closed, for administrative recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = Closed
	cb.failures = 0
	cb.halfOpenSuccess = 0
	cb.trialInFlight = false
}

// Registry owns one CircuitBreaker per tool_id, created lazily.
type Registry struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry constructs a breaker Registry with one shared threshold and
// cooldown, applied to every tool's breaker on first use.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// For returns the CircuitBreaker for toolID, creating one if needed.
func (r *Registry) For(toolID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[toolID]; ok {
		return cb
	}
	cb := New(toolID, r.threshold, r.cooldown)
	r.breakers[toolID] = cb
	return cb
}

// Snapshot returns the current state of every known breaker, for the
// circuit_state{tool} gauge.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for id, cb := range r.breakers {
		out[id] = cb.State()
	}
	return out
}
