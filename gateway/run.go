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
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"mcpgateway/platform/gateway/auth"
	"mcpgateway/platform/gateway/breaker"
	"mcpgateway/platform/gateway/config"
	"mcpgateway/platform/gateway/flags"
	"mcpgateway/platform/gateway/lifecycle"
	"mcpgateway/platform/gateway/observability"
	"mcpgateway/platform/gateway/ratelimit"
	"mcpgateway/platform/gateway/registry"
	"mcpgateway/platform/gateway/stream"
	"mcpgateway/platform/shared/logger"
	"mcpgateway/platform/shared/types"
)

// circuitReportInterval is how often the Prometheus circuit_state gauge
// is refreshed from the breaker registry's live snapshot.
const circuitReportInterval = 5 * time.Second

// Gateway holds every component wired together by Run. All fields are
// set once at construction; concurrent-safe state lives inside each
// component (registry, flags, breakers, rate limiter).
type Gateway struct {
	cfg *config.Config
	log *logger.Logger

	flags       *flags.Evaluator
	rateLimiter *ratelimit.Limiter
	breakers    *breaker.Registry
	registry    *registry.Registry
	router      *Router
	hub         *stream.Hub
	lifecycle   *lifecycle.Controller
	latency     *observability.LatencyWindow

	toolClient ToolClient
	userStore  types.UserStore
	sessionStore types.SessionStore

	streams *sseTracker
	cancels sync.Map // requestID (string) -> context.CancelFunc

	queueCount int32
}

// queueDepth reports requests admitted but not yet dispatched.
func (g *Gateway) queueDepth() int {
	return int(g.queueCount)
}

// reportCircuitStates refreshes the circuit_state{tool} Prometheus gauge
// from the breaker registry's live snapshot.
func (g *Gateway) reportCircuitStates() {
	for tool, state := range g.breakers.Snapshot() {
		observability.CircuitState.WithLabelValues(tool).Set(observability.CircuitStateValue(state.String()))
	}
}

// openStreamCount counts both live WebSocket sessions and open SSE
// connections, so the lifecycle drain predicate waits on either kind of
// in-flight stream rather than only WebSocket connections.
func (g *Gateway) openStreamCount() int {
	return g.hub.OpenCount() + g.streams.count()
}

// New constructs a Gateway from configuration and its pluggable stores.
// toolClient and userStore may be swapped by callers (tests, alternate
// transports); sessionStore is currently unused by the HTTP surface but
// reserved for session persistence across replicas.
func New(cfg *config.Config, toolClient ToolClient, userStore types.UserStore, sessionStore types.SessionStore) *Gateway {
	reg := registry.New()
	reg.Register(types.Tool{ToolID: types.OrchestratorToolID, BaseURL: os.Getenv("ORCHESTRATOR_BASE_URL")})

	flagEval := flags.NewEvaluator()
	breakers := breaker.NewRegistry(cfg.CircuitFailureThreshold, cfg.CircuitCooldown)
	hub := stream.NewHub()

	g := &Gateway{
		cfg:          cfg,
		log:          logger.New("gateway"),
		flags:        flagEval,
		breakers:     breakers,
		registry:     reg,
		hub:          hub,
		latency:      observability.NewLatencyWindow(),
		toolClient:   toolClient,
		userStore:    userStore,
		sessionStore: sessionStore,
		streams:      newSSETracker(),
	}
	g.router = NewRouter(reg, flagEval, breakers, cfg.MaxHopDepth)

	hub.OnCancel(func(sessionID, requestID string) {
		if cancel, ok := g.cancels.Load(requestID); ok {
			cancel.(context.CancelFunc)()
		}
	})

	var store ratelimit.Store
	if cfg.CounterStoreURL != "" {
		redisStore, err := ratelimit.NewRedisStore(cfg.CounterStoreURL)
		if err != nil {
			g.log.Warn("", "", "counter store unavailable, rate limiting runs local-only", map[string]interface{}{"error": err.Error()})
		} else {
			store = redisStore
		}
	}
	g.rateLimiter = ratelimit.NewLimiter(store, nil)

	g.lifecycle = lifecycle.New(cfg.DrainDeadline, g.openStreamCount)
	g.lifecycle.SetOnDrainStart(g.streams.shutdownAll)
	return g
}

// Routes builds the gateway's mux.Router with every documented endpoint
// wired to its handler, auth middleware applied to protected routes.
func (g *Gateway) Routes() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/", g.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics.json", g.handleMetricsJSON).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(g.authMiddleware)
	protected.HandleFunc("/tools", g.handleTools).Methods(http.MethodGet)
	protected.HandleFunc("/feature-flags/client", g.handleFeatureFlagsClient).Methods(http.MethodGet)
	protected.HandleFunc("/v1/messages", g.handleMessages).Methods(http.MethodPost)

	// /ws is intentionally outside the protected subrouter: authentication
	// happens via the connection's required hello frame, not HTTP middleware.
	r.HandleFunc("/ws", g.handleWebSocket)

	r.Use(auth.SecurityHeaders)

	return r
}

// Run starts background goroutines (prober, hub), builds the HTTP
// server, and blocks until the process receives SIGINT/SIGTERM, then
// drains and shuts down per the lifecycle controller.
func Run(cfg *config.Config) error {
	toolClient := NewHTTPToolClient()
	g := New(cfg, toolClient, nil, nil)

	stopHub := make(chan struct{})
	g.hub.Run(stopHub)

	checker := registry.NewHTTPHealthChecker(cfg.ProbeTimeout)
	prober := registry.NewProber(g.registry, checker, cfg.ProbeInterval, 3, 5)

	ctx, cancelProber := context.WithCancel(context.Background())

	steps := []lifecycle.Step{
		{Phase: lifecycle.PhaseLoadConfig, Run: func(context.Context) error {
			if err := g.flags.Load(cfg.FlagsFilePath); err != nil {
				return err
			}
			g.flags.LoadEnvOverrides(config.EnvFlagOverrides(os.Environ()))
			return nil
		}},
		{Phase: lifecycle.PhaseOpenStores, Run: func(context.Context) error { return nil }},
		{Phase: lifecycle.PhaseBuildRegistry, Run: func(context.Context) error { return nil }},
		{Phase: lifecycle.PhaseFirstProbe, Run: func(ctx context.Context) error { prober.RunOnce(ctx); return nil }},
		{Phase: lifecycle.PhaseAcceptConnections, Run: func(context.Context) error { prober.Run(ctx); return nil }},
	}

	if _, err := g.lifecycle.Start(ctx, steps); err != nil {
		cancelProber()
		return err
	}

	go func() {
		ticker := time.NewTicker(circuitReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.reportCircuitStates()
			}
		}
	}()

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "X-API-Key", "Content-Type", observability.TraceHeader},
		AllowCredentials: true,
	})

	handler := corsMiddleware.Handler(g.Routes())

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler: handler,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		cancelProber()
		return err
	case <-sigCh:
	}

	g.lifecycle.Shutdown(context.Background(), func(shutdownCtx context.Context) error {
		cancelProber()
		close(stopHub)
		return srv.Shutdown(shutdownCtx)
	})

	return nil
}
