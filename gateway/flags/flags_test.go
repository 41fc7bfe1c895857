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

package flags

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFlags(t *testing.T) {
	e := NewEvaluator()
	ctx := context.Background()

	assert.True(t, e.Evaluate(ctx, SingleEntryPointMode, Context{TenantID: "t1"}))
	assert.False(t, e.Evaluate(ctx, EnableDirectToolAccess, Context{TenantID: "t1"}))
	assert.False(t, e.Evaluate(ctx, "unknown_flag", Context{TenantID: "t1"}))
}

func TestLoadAtomicSwap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
flags:
  - name: single_entry_point_mode
    kind: boolean
    default: false
`), 0o644))

	e := NewEvaluator()
	require.NoError(t, e.Load(path))

	ctx := context.Background()
	assert.False(t, e.Evaluate(ctx, SingleEntryPointMode, Context{TenantID: "t1"}))
	assert.Equal(t, int64(1), e.ReloadCount())
}

func TestPercentageFlagIsStable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
flags:
  - name: canary
    kind: percentage
    threshold: 50
`), 0o644))

	e := NewEvaluator()
	require.NoError(t, e.Load(path))

	ctx := context.Background()
	first := e.Evaluate(ctx, "canary", Context{TenantID: "tenant-42"})
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Evaluate(ctx, "canary", Context{TenantID: "tenant-42"}))
	}
}

func TestScheduleFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	now := time.Now()
	require.NoError(t, os.WriteFile(path, []byte(`
flags:
  - name: maintenance_window
    kind: schedule
    starts_at: `+now.Add(-time.Hour).Format(time.RFC3339)+`
    ends_at: `+now.Add(time.Hour).Format(time.RFC3339)+`
`), 0o644))

	e := NewEvaluator()
	require.NoError(t, e.Load(path))

	ctx := context.Background()
	assert.True(t, e.Evaluate(ctx, "maintenance_window", Context{TenantID: "t1", Now: now}))
	assert.False(t, e.Evaluate(ctx, "maintenance_window", Context{TenantID: "t1", Now: now.Add(2 * time.Hour)}))
}

func TestAllowListFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
flags:
  - name: beta_access
    kind: allow-list
    allowed_ids: ["t1", "t2"]
`), 0o644))

	e := NewEvaluator()
	require.NoError(t, e.Load(path))

	ctx := context.Background()
	assert.True(t, e.Evaluate(ctx, "beta_access", Context{TenantID: "t1"}))
	assert.False(t, e.Evaluate(ctx, "beta_access", Context{TenantID: "t3"}))
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	e := NewEvaluator()
	require.NoError(t, e.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")))

	ctx := context.Background()
	assert.True(t, e.Evaluate(ctx, SingleEntryPointMode, Context{TenantID: "t1"}))
}

func TestEnvOverrides(t *testing.T) {
	e := NewEvaluator()
	e.LoadEnvOverrides([]string{"FF_SINGLE_ENTRY_POINT_MODE=false", "IRRELEVANT=true"})

	ctx := context.Background()
	assert.False(t, e.Evaluate(ctx, SingleEntryPointMode, Context{TenantID: "t1"}))
}
