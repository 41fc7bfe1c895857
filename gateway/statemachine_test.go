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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway/platform/gateway/breaker"
	"mcpgateway/platform/gateway/flags"
	"mcpgateway/platform/gateway/registry"
	"mcpgateway/platform/shared/types"
)

func TestRouterPrefersOrchestratorInSingleEntryMode(t *testing.T) {
	reg := registry.New()
	reg.Register(types.Tool{ToolID: types.OrchestratorToolID, BaseURL: "http://orch"})
	probeHealthy(reg, types.OrchestratorToolID)

	br := breaker.NewRegistry(5, time.Second)
	fe := flags.NewEvaluator()
	rt := NewRouter(reg, fe, br, 4)

	decision, err := rt.Route(context.Background(), types.Request{}, flags.Context{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, types.OrchestratorToolID, decision.Tool.ToolID)
	assert.False(t, decision.Fallback)
}

func TestRouterFallsBackWhenOrchestratorUnhealthy(t *testing.T) {
	reg := registry.New()
	reg.Register(types.Tool{ToolID: types.OrchestratorToolID, BaseURL: "http://orch"})
	reg.Register(types.Tool{ToolID: "nutrition", BaseURL: "http://n", DeclaredCapabilities: []string{"nutrition"}})
	probeOnly(reg, "http://n")
	// orchestrator left unknown/unhealthy

	fe := flags.NewEvaluator()
	fe.LoadEnvOverrides([]string{"FF_ENABLE_DIRECT_TOOL_ACCESS=true"})
	br := breaker.NewRegistry(5, time.Second)
	rt := NewRouter(reg, fe, br, 4)

	decision, err := rt.Route(context.Background(), types.Request{RequestedTool: "nutrition"}, flags.Context{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "nutrition", decision.Tool.ToolID)
	assert.True(t, decision.Fallback)
}

func TestRouterRejectsWhenOrchestratorDownAndDirectAccessDisabled(t *testing.T) {
	reg := registry.New()
	reg.Register(types.Tool{ToolID: types.OrchestratorToolID, BaseURL: "http://orch"})
	fe := flags.NewEvaluator() // direct access default false
	br := breaker.NewRegistry(5, time.Second)
	rt := NewRouter(reg, fe, br, 4)

	_, err := rt.Route(context.Background(), types.Request{}, flags.Context{TenantID: "t1"})
	require.Error(t, err)
	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, KindToolUnavailable, gwErr.Kind)
}

func TestHopTrackerEnforcesMaxDepth(t *testing.T) {
	ht := NewHopTracker(2)
	require.NoError(t, ht.Advance())
	require.NoError(t, ht.Advance())
	err := ht.Advance()
	assert.ErrorIs(t, err, ErrHopDepthExceeded)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateReceived, StatePlanning))
	assert.True(t, CanTransition(StateStreaming, StateCalling))
	assert.False(t, CanTransition(StateReceived, StateCompleting))
	assert.False(t, CanTransition(StateCompleting, StateReceived))
}

func TestTransitionMovesOnLegalEdge(t *testing.T) {
	state := StateReceived
	require.NoError(t, Transition(&state, StatePlanning))
	assert.Equal(t, StatePlanning, state)
}

func TestTransitionRejectsIllegalEdgeAndLeavesStateUnchanged(t *testing.T) {
	state := StateReceived
	err := Transition(&state, StateCompleting)
	require.Error(t, err)
	assert.Equal(t, StateReceived, state)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, KindInternal, gwErr.Kind)
}

func TestRouterMaxHopDepthReportsConfiguredBound(t *testing.T) {
	reg := registry.New()
	flagEval := flags.NewEvaluator()
	breakers := breaker.NewRegistry(5, time.Second)
	rt := NewRouter(reg, flagEval, breakers, 7)
	assert.Equal(t, 7, rt.MaxHopDepth())
}

func probeHealthy(reg *registry.Registry, toolID string) {
	checker := &alwaysHealthy{}
	p := registry.NewProber(reg, checker, time.Second, 3, 5)
	p.RunOnce(context.Background())
	_ = toolID
}

// probeOnly probes the whole registry but only reports the given base
// URL as healthy, so other registered tools remain unknown/unhealthy.
func probeOnly(reg *registry.Registry, healthyBaseURL string) {
	checker := &selectiveHealthy{healthyBaseURL: healthyBaseURL}
	p := registry.NewProber(reg, checker, time.Second, 3, 5)
	p.RunOnce(context.Background())
}

type alwaysHealthy struct{}

func (a *alwaysHealthy) Probe(ctx context.Context, baseURL string) (bool, error) { return true, nil }

type selectiveHealthy struct {
	healthyBaseURL string
}

func (s *selectiveHealthy) Probe(ctx context.Context, baseURL string) (bool, error) {
	if baseURL == s.healthyBaseURL {
		return true, nil
	}
	return false, errors.New("unhealthy")
}
