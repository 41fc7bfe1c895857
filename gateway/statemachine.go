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

// Package gateway wires the admission, routing and streaming components
// into the HTTP/WebSocket front door described by the orchestration spec.
package gateway

import (
	"context"
	"fmt"

	"mcpgateway/platform/gateway/breaker"
	"mcpgateway/platform/gateway/flags"
	"mcpgateway/platform/gateway/registry"
	"mcpgateway/platform/shared/types"
)

// RequestState names one stage of the orchestration FSM. Transitions are
// strictly forward except for the single Calling<->Streaming loop that
// models multi-hop tool chains.
type RequestState string

const (
	StateReceived    RequestState = "received"
	StatePlanning    RequestState = "planning"
	StateDispatching RequestState = "dispatching"
	StateCalling     RequestState = "calling"
	StateStreaming   RequestState = "streaming"
	StateCompleting  RequestState = "completing"
	StateFailed      RequestState = "failed"
)

// ErrHopDepthExceeded is returned when a request chains through more
// tools than max_hop_depth allows.
var ErrHopDepthExceeded = fmt.Errorf("gateway: max hop depth exceeded")

// RoutingDecision names which tool a request should be dispatched to and
// whether that choice required falling back off the preferred path.
type RoutingDecision struct {
	Tool     types.Tool
	Fallback bool
}

// Router selects the tool a request is dispatched to under the
// single_entry_point_mode / enable_direct_tool_access policy, falling
// back to direct tool selection when the orchestrator is unhealthy.
type Router struct {
	reg         *registry.Registry
	flags       *flags.Evaluator
	breakers    *breaker.Registry
	maxHopDepth int
}

// NewRouter constructs a Router bound to the gateway's shared components.
func NewRouter(reg *registry.Registry, flagEval *flags.Evaluator, breakers *breaker.Registry, maxHopDepth int) *Router {
	return &Router{reg: reg, flags: flagEval, breakers: breakers, maxHopDepth: maxHopDepth}
}

// MaxHopDepth returns the configured bound a HopTracker for this router's
// requests should enforce.
func (rt *Router) MaxHopDepth() int {
	return rt.maxHopDepth
}

// Route picks the tool for req given the tenant's feature-flag context.
// If single-entry-point mode is on, or the request names no tool, or
// direct access is disabled, the request routes to the orchestrator when
// it is healthy. Otherwise (the flag is off and direct access is enabled
// for a named tool, or the orchestrator is unhealthy and direct access is
// enabled) the tool named by req.RequestedTool is selected directly.
func (rt *Router) Route(ctx context.Context, req types.Request, fc flags.Context) (RoutingDecision, error) {
	singleEntry := rt.flags.Evaluate(ctx, flags.SingleEntryPointMode, fc)
	directAccess := rt.flags.Evaluate(ctx, flags.EnableDirectToolAccess, fc)
	useOrchestrator := singleEntry || req.RequestedTool == "" || !directAccess

	if useOrchestrator {
		orch, ok := rt.reg.Get(types.OrchestratorToolID)
		orchHealthy := ok && orch.Status == types.ToolHealthy && rt.breakers.For(types.OrchestratorToolID).State() != breaker.Open
		if orchHealthy {
			return RoutingDecision{Tool: orch}, nil
		}
		if !directAccess {
			return RoutingDecision{}, NewError(KindToolUnavailable, "orchestrator unavailable and direct tool access is disabled", nil)
		}
		// fall through to direct selection as the documented fallback policy
	}

	if req.RequestedTool == "" {
		return RoutingDecision{}, NewError(KindBadRequest, "requested_tool is required when not using the orchestrator", nil)
	}

	tool, ok := rt.reg.Get(req.RequestedTool)
	if !ok || tool.Status != types.ToolHealthy {
		return RoutingDecision{}, NewError(KindToolUnavailable, fmt.Sprintf("tool %q is not available", req.RequestedTool), nil)
	}

	return RoutingDecision{Tool: tool, Fallback: useOrchestrator}, nil
}

// HopTracker enforces max_hop_depth across a single request's tool chain.
type HopTracker struct {
	depth int
	max   int
}

// NewHopTracker constructs a tracker bounded at max hops.
func NewHopTracker(max int) *HopTracker {
	return &HopTracker{max: max}
}

// Advance records one more hop, returning ErrHopDepthExceeded once the
// chain grows past the configured bound. Bounded iteration, not recursion:
// callers loop while this returns nil rather than calling themselves.
func (h *HopTracker) Advance() error {
	h.depth++
	if h.depth > h.max {
		return ErrHopDepthExceeded
	}
	return nil
}

// Depth reports the current hop count.
func (h *HopTracker) Depth() int {
	return h.depth
}

// transition validates that a RequestState move is legal. The only
// backward edge is Streaming -> Calling, modeling a tool hop mid-stream.
var validTransitions = map[RequestState][]RequestState{
	StateReceived:    {StatePlanning, StateFailed},
	StatePlanning:    {StateDispatching, StateFailed},
	StateDispatching: {StateCalling, StateFailed},
	StateCalling:     {StateStreaming, StateCompleting, StateFailed},
	StateStreaming:   {StateCalling, StateCompleting, StateFailed},
	StateCompleting:  {},
	StateFailed:      {},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to RequestState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves *cur to next if the move is legal, else leaves *cur
// untouched and returns a KindInternal error. Handlers drive the FSM
// through this rather than assigning RequestState directly, so an
// illegal move is caught instead of silently producing a corrupt trace.
func Transition(cur *RequestState, next RequestState) error {
	if !CanTransition(*cur, next) {
		return NewError(KindInternal, fmt.Sprintf("illegal state transition %s -> %s", *cur, next), nil)
	}
	*cur = next
	return nil
}
