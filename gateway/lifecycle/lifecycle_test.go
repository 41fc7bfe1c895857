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

package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRunsPhasesInOrderAndSetsReady(t *testing.T) {
	var order []Phase
	c := New(time.Second, func() int { return 0 })

	steps := []Step{
		{Phase: PhaseLoadConfig, Run: func(context.Context) error { order = append(order, PhaseLoadConfig); return nil }},
		{Phase: PhaseOpenStores, Run: func(context.Context) error { order = append(order, PhaseOpenStores); return nil }},
		{Phase: PhaseBuildRegistry, Run: func(context.Context) error { order = append(order, PhaseBuildRegistry); return nil }},
	}

	assert.False(t, c.Ready())
	code, err := c.Start(context.Background(), steps)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.True(t, c.Ready())
	assert.Equal(t, []Phase{PhaseLoadConfig, PhaseOpenStores, PhaseBuildRegistry}, order)
}

func TestStartAbortsOnFirstFailure(t *testing.T) {
	c := New(time.Second, func() int { return 0 })
	ran := 0

	steps := []Step{
		{Phase: PhaseLoadConfig, Run: func(context.Context) error { ran++; return errors.New("bad config") }},
		{Phase: PhaseOpenStores, Run: func(context.Context) error { ran++; return nil }},
	}

	code, err := c.Start(context.Background(), steps)
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, code)
	assert.Equal(t, 1, ran)
	assert.False(t, c.Ready())
}

func TestStartDependencyTimeoutExitCode(t *testing.T) {
	c := New(time.Second, func() int { return 0 })
	steps := []Step{
		{Phase: PhaseOpenStores, Run: func(context.Context) error { return errors.New("store unreachable") }},
	}
	code, err := c.Start(context.Background(), steps)
	require.Error(t, err)
	assert.Equal(t, ExitDependencyTimeout, code)
}

func TestShutdownWaitsForDrainThenCloses(t *testing.T) {
	var open int32 = 2
	c := New(2*time.Second, func() int { return int(atomic.LoadInt32(&open)) })

	go func() {
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&open, 0)
	}()

	closed := false
	code := c.Shutdown(context.Background(), func(context.Context) error {
		closed = true
		return nil
	})

	assert.Equal(t, ExitOK, code)
	assert.True(t, closed)
}

func TestShutdownTimesOutIfStreamsNeverDrain(t *testing.T) {
	c := New(20*time.Millisecond, func() int { return 5 })
	code := c.Shutdown(context.Background())
	assert.Equal(t, ExitDrainTimeout, code)
}

func TestShutdownInvokesOnDrainStartBeforeWaiting(t *testing.T) {
	c := New(time.Second, func() int { return 0 })

	var fired int32
	c.SetOnDrainStart(func() { atomic.StoreInt32(&fired, 1) })

	code := c.Shutdown(context.Background())
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}
