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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mcpgateway/platform/gateway/auth"
	"mcpgateway/platform/gateway/breaker"
	"mcpgateway/platform/gateway/flags"
	"mcpgateway/platform/gateway/observability"
	"mcpgateway/platform/gateway/ratelimit"
	"mcpgateway/platform/gateway/stream"
	"mcpgateway/platform/shared/types"
)

// handleRoot answers GET / with a minimal identification payload, the
// same shape the teacher's services expose at their bare root path.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "mcp-gateway", "status": "ok"})
}

// handleHealth answers GET /health with the lifecycle controller's
// readiness and a per-tool status snapshot.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !g.lifecycle.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready": true,
		"tools": g.registry.Snapshot(),
	})
}

// handleMetricsJSON answers GET /metrics.json with the legacy
// human-readable snapshot, alongside the native /metrics Prometheus
// endpoint registered separately in run.go.
func (g *Gateway) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	p50, p95, p99 := g.latency.Percentiles()

	g.reportCircuitStates()
	circuitByTool := make(map[string]float64)
	for tool, state := range g.breakers.Snapshot() {
		circuitByTool[tool] = observability.CircuitStateValue(state.String())
	}

	writeJSON(w, http.StatusOK, observability.Snapshot{
		OpenStreams: g.hub.OpenCount() + g.streams.count(),
		QueueDepth:  g.queueDepth(),
		Tools:       circuitByTool,
		LatencyP50:  p50,
		LatencyP95:  p95,
		LatencyP99:  p99,
	})
}

// handleTools answers GET /tools with every registered tool; the listing
// is not filtered per tenant.
func (g *Gateway) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": g.registry.List()})
}

// handleFeatureFlagsClient answers GET /feature-flags/client with every
// flag in the table evaluated for the caller's tenant; no flag is withheld.
func (g *Gateway) handleFeatureFlagsClient(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	tenantID := ""
	if ok {
		tenantID = user.TenantID
	}

	fc := flags.Context{TenantID: tenantID, Now: time.Now()}
	out := make(map[string]bool)
	for name := range g.flags.Snapshot() {
		out[name] = g.flags.Evaluate(r.Context(), name, fc)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flags": out})
}

// messageRequest is the wire body for POST /v1/messages.
type messageRequest struct {
	SessionID     string         `json:"session_id"`
	Intent        map[string]any `json:"intent"`
	RequestedTool string         `json:"requested_tool,omitempty"`
	Stream        bool           `json:"stream"`
}

// retryClassifier tells breaker.WithBackoff which gateway error kinds are
// worth retrying, reusing the same taxonomy unaryResponse/streamResponse
// report to the client instead of a second, parallel notion of "transient".
func retryClassifier(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind.Retryable()
	}
	return true
}

// handleMessages answers POST /v1/messages, either as a unary JSON
// response or, when stream=true (or Accept: text/event-stream), as an
// SSE upgrade. WebSocket sessions are served separately at /ws.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, NewError(KindUnauthenticated, "authentication required", nil))
		return
	}

	var body messageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, NewError(KindBadRequest, "invalid request body", err))
		return
	}

	decision, err := g.rateLimiter.Admit(r.Context(), user.TenantID, ratelimit.ClassWrite, 1)
	if err != nil {
		writeError(w, NewError(KindInternal, "rate limiter failure", err))
		return
	}
	if !decision.Admitted {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", decision.RetryAfter.Seconds()))
		writeError(w, NewError(KindThrottled, "rate limit exceeded", nil))
		return
	}

	requestID := uuid.NewString()

	// Effective deadline = min(caller_deadline, default_upstream_timeout).
	deadline := time.Now().Add(g.cfg.DefaultUpstreamTimeout)
	if callerDeadline, ok := r.Context().Deadline(); ok && callerDeadline.Before(deadline) {
		deadline = callerDeadline
	}
	ctx, cancel := context.WithDeadline(r.Context(), deadline)
	g.cancels.Store(requestID, cancel)
	defer func() {
		cancel()
		g.cancels.Delete(requestID)
	}()

	req := types.Request{
		RequestID:     requestID,
		SessionID:     body.SessionID,
		TenantID:      user.TenantID,
		Intent:        body.Intent,
		Deadline:      deadline,
		TraceContext:  observability.TraceContext(r),
		IsStreaming:   body.Stream || r.Header.Get("Accept") == "text/event-stream",
		RequestedTool: body.RequestedTool,
	}

	state := StateReceived
	if err := Transition(&state, StatePlanning); err != nil {
		writeError(w, err)
		return
	}

	fc := flags.Context{TenantID: user.TenantID, Now: time.Now()}
	routed, err := g.router.Route(ctx, req, fc)
	if err != nil {
		_ = Transition(&state, StateFailed)
		writeError(w, err)
		return
	}
	if err := Transition(&state, StateDispatching); err != nil {
		writeError(w, err)
		return
	}

	if req.IsStreaming && g.flags.Evaluate(ctx, flags.StreamingEnabled, fc) {
		g.streamResponse(ctx, w, req, routed, state)
		return
	}

	g.unaryResponse(ctx, w, req, routed, state)
}

func (g *Gateway) unaryResponse(ctx context.Context, w http.ResponseWriter, req types.Request, routed RoutingDecision, state RequestState) {
	if err := Transition(&state, StateCalling); err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	cb := g.breakers.For(routed.Tool.ToolID)
	retryCfg := breaker.DefaultConfig()
	retryCfg.IsTransient = retryClassifier

	var body map[string]any
	err := cb.Execute(ctx, func(ctx context.Context) error {
		resp, callErr := breaker.WithBackoff(ctx, retryCfg, func(ctx context.Context) (map[string]any, error) {
			return g.toolClient.Call(ctx, routed.Tool, req)
		})
		if callErr != nil {
			return callErr
		}
		body = resp
		return nil
	})

	elapsed := time.Since(start)
	g.latency.Observe(float64(elapsed.Milliseconds()))
	observability.RequestLatencySeconds.WithLabelValues(req.TenantID).Observe(elapsed.Seconds())
	observability.UpstreamLatencySeconds.WithLabelValues(routed.Tool.ToolID).Observe(elapsed.Seconds())

	if err != nil {
		_ = Transition(&state, StateFailed)
		observability.RequestsTotal.WithLabelValues(req.TenantID, "error").Inc()
		writeError(w, classifyUpstreamError(routed.Tool.ToolID, err))
		return
	}

	_ = Transition(&state, StateCompleting)
	observability.RequestsTotal.WithLabelValues(req.TenantID, "ok").Inc()
	writeJSON(w, http.StatusOK, body)
}

// nextToolFromChunk extracts an orchestrator-requested continuation tool
// from a tool-hop chunk's body, distinct from the attribution-only hop
// chunks the gateway synthesizes itself for display (those carry only
// "tool_id", never "next_tool").
func nextToolFromChunk(chunk types.StreamChunk) string {
	if chunk.Kind != types.ChunkToolHop {
		return ""
	}
	body, ok := chunk.Body.(map[string]interface{})
	if !ok {
		return ""
	}
	next, _ := body["next_tool"].(string)
	return next
}

func writeStreamError(sw *stream.SSEWriter, toolID string, gwErr *GatewayError) {
	errChunk := types.StreamChunk{Kind: types.ChunkError, Producer: toolID, Body: gwErr.Frame()}
	if frame, ferr := stream.NewFrame(sw.NextSeq(), errChunk); ferr == nil {
		_ = sw.WriteFrame(frame)
	}
}

// streamResponse drives the Calling<->Streaming portion of the request
// FSM: it dispatches to routed.Tool, forwards every chunk as an SSE
// frame, and — when a chunk carries a next_tool hop — advances the hop
// tracker and continues the same SSE connection against the next tool,
// bounded by max_hop_depth. Bounded iteration, not recursion.
func (g *Gateway) streamResponse(ctx context.Context, w http.ResponseWriter, req types.Request, routed RoutingDecision, state RequestState) {
	sw, err := stream.NewSSEWriter(w)
	if err != nil {
		writeError(w, NewError(KindInternal, "streaming not supported by this connection", err))
		return
	}
	observability.OpenStreams.Inc()
	g.streams.add(sw)
	defer func() {
		observability.OpenStreams.Dec()
		g.streams.remove(sw)
	}()

	attribution := &stream.AttributionTracker{}
	fc := flags.Context{TenantID: req.TenantID, Now: time.Now()}
	emitAttribution := g.flags.Evaluate(ctx, flags.EmitAttribution, fc)

	heartbeat := time.NewTicker(stream.HeartbeatInterval)
	defer heartbeat.Stop()

	hops := NewHopTracker(g.router.MaxHopDepth())
	currentTool := routed.Tool
	currentReq := req

	for {
		if err := Transition(&state, StateCalling); err != nil {
			writeStreamError(sw, currentTool.ToolID, NewError(KindInternal, err.Error(), nil))
			return
		}
		if err := Transition(&state, StateStreaming); err != nil {
			writeStreamError(sw, currentTool.ToolID, NewError(KindInternal, err.Error(), nil))
			return
		}

		nextTool, streamErr := g.runStreamAttempt(ctx, sw, currentTool, currentReq, attribution, emitAttribution, heartbeat)
		if streamErr != nil {
			_ = Transition(&state, StateFailed)
			writeStreamError(sw, currentTool.ToolID, classifyUpstreamError(currentTool.ToolID, streamErr))
			return
		}

		if nextTool == "" {
			break
		}

		if err := hops.Advance(); err != nil {
			_ = Transition(&state, StateFailed)
			writeStreamError(sw, currentTool.ToolID, NewError(KindBadRequest, "max hop depth exceeded", err))
			return
		}

		tool, ok := g.registry.Get(nextTool)
		if !ok || tool.Status != types.ToolHealthy {
			_ = Transition(&state, StateFailed)
			writeStreamError(sw, nextTool, NewError(KindToolUnavailable, fmt.Sprintf("tool %q is not available", nextTool), nil))
			return
		}

		// Streaming -> Calling: the one documented backward edge, modeling
		// an orchestrator mid-stream hop to a specialist tool.
		currentTool = tool
		currentReq.RequestedTool = tool.ToolID
	}

	_ = Transition(&state, StateCompleting)
	terminal := types.StreamChunk{Kind: types.ChunkTerminal, Producer: currentTool.ToolID}
	if frame, ferr := stream.NewFrame(sw.NextSeq(), terminal); ferr == nil {
		_ = sw.WriteFrame(frame)
	}
}

// runStreamAttempt dispatches one tool call through its circuit breaker
// and retries the *connection* with backoff as long as no chunk has yet
// reached the client on this hop — once output has flowed, a failure is
// terminal rather than retried, since the client has already seen part
// of an answer it can't be silently replayed. It returns the next hop's
// tool_id if the tool emitted a tool-hop chunk naming one.
func (g *Gateway) runStreamAttempt(ctx context.Context, sw *stream.SSEWriter, tool types.Tool, req types.Request, attribution *stream.AttributionTracker, emitAttribution bool, heartbeat *time.Ticker) (string, error) {
	cb := g.breakers.For(tool.ToolID)
	outer := make(chan types.StreamChunk, 16)
	callErrCh := make(chan error, 1)

	go func() {
		sentAny := false
		retryCfg := breaker.DefaultConfig()
		retryCfg.IsTransient = func(err error) bool {
			if sentAny {
				return false
			}
			return retryClassifier(err)
		}

		_, retryErr := breaker.WithBackoff(ctx, retryCfg, func(ctx context.Context) (struct{}, error) {
			attemptChunks := make(chan types.StreamChunk, 16)
			attemptErrCh := make(chan error, 1)
			go func() {
				attemptErrCh <- cb.Execute(ctx, func(ctx context.Context) error {
					return g.toolClient.Stream(ctx, tool, req, attemptChunks)
				})
			}()
			for c := range attemptChunks {
				sentAny = true
				outer <- c
			}
			return struct{}{}, <-attemptErrCh
		})
		close(outer)
		callErrCh <- retryErr
	}()

	var nextTool string
	for {
		select {
		case chunk, ok := <-outer:
			if !ok {
				return nextTool, <-callErrCh
			}
			if emitAttribution && attribution.Track(chunk.Producer) {
				hop := types.StreamChunk{Kind: types.ChunkToolHop, Producer: chunk.Producer, Body: map[string]string{"tool_id": chunk.Producer}}
				if frame, ferr := stream.NewFrame(sw.NextSeq(), hop); ferr == nil {
					_ = sw.WriteFrame(frame)
				}
			}
			if next := nextToolFromChunk(chunk); next != "" {
				nextTool = next
			}
			frame, ferr := stream.NewFrame(sw.NextSeq(), chunk)
			if ferr == nil {
				_ = sw.WriteFrame(frame)
				observability.ChunksEmitted.WithLabelValues(string(chunk.Kind)).Inc()
			}
		case <-heartbeat.C:
			_ = sw.Heartbeat()
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// handleWebSocket answers the WS /ws upgrade. Authentication happens via
// the connection's required first hello frame, not HTTP middleware, so
// this route is intentionally outside the authMiddleware subrouter.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	authenticator := auth.New(g.cfg.AuthJWTSecret, g.userStore)

	err := g.hub.Accept(w, r, func(token string) error {
		_, err := authenticator.AuthenticateToken(token)
		return err
	})
	if err != nil {
		g.log.Warn("", "", "websocket handshake failed", map[string]interface{}{"error": err.Error()})
	}
}

func classifyUpstreamError(toolID string, err error) *GatewayError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, fmt.Sprintf("tool %q call exceeded its deadline", toolID), err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindCancelled, fmt.Sprintf("tool %q call was cancelled", toolID), err)
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return NewError(KindToolUnavailable, fmt.Sprintf("circuit open for tool %q", toolID), err)
	}
	var deadlineErr *breaker.DeadlineExceededError
	if errors.As(err, &deadlineErr) {
		return NewError(KindTimeout, fmt.Sprintf("tool %q retries abandoned before deadline", toolID), err)
	}
	return NewError(KindUpstreamError, fmt.Sprintf("tool %q call failed", toolID), err)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		gwErr = NewError(KindInternal, err.Error(), err)
	}
	writeJSON(w, gwErr.HTTPStatus(), gwErr.Frame())
}

type userContextKey struct{}

func contextWithUser(r *http.Request, u *types.User) *http.Request {
	return r.WithContext(withUserContext(r.Context(), u))
}

func userFromContext(ctx context.Context) (*types.User, bool) {
	u, ok := ctx.Value(userContextKey{}).(*types.User)
	return u, ok
}

func withUserContext(ctx context.Context, u *types.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// authMiddleware resolves the caller's identity and rejects unauthenticated
// requests to protected routes; /health and / remain open.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authenticator := auth.New(g.cfg.AuthJWTSecret, g.userStore)
		user, err := authenticator.Authenticate(r)
		if err != nil {
			writeError(w, NewError(KindUnauthenticated, "invalid or missing credentials", err))
			return
		}
		next.ServeHTTP(w, contextWithUser(r, user))
	})
}
