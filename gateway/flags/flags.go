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

// Package flags implements the feature-flag evaluator: boolean,
// percentage, schedule, allow-list and kill-switch flags evaluated
// against an atomically-swapped in-memory table.
package flags

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind names a flag's evaluation semantics.
type Kind string

const (
	Boolean    Kind = "boolean"
	Percentage Kind = "percentage"
	Schedule   Kind = "schedule"
	AllowList  Kind = "allow-list"
	KillSwitch Kind = "kill-switch"
)

// Default names of the flags the gateway itself consults.
const (
	SingleEntryPointMode   = "single_entry_point_mode"
	EnableDirectToolAccess = "enable_direct_tool_access"
	EmitAttribution        = "emit_attribution"
	StreamingEnabled       = "streaming_enabled"
	CacheEnabled           = "cache_enabled"
)

// SchedulePayload is the payload shape for a Schedule-kind flag.
type SchedulePayload struct {
	StartsAt time.Time `yaml:"starts_at"`
	EndsAt   time.Time `yaml:"ends_at"`
}

// Flag is a named toggle. The evaluator replaces its flag table when Load
// or Reload is called; it does not reload on a schedule of its own.
type Flag struct {
	Name       string   `yaml:"name"`
	Kind       Kind     `yaml:"kind"`
	Default    bool     `yaml:"default"`
	Threshold  float64  `yaml:"threshold,omitempty"` // percentage: [0,100)
	AllowedIDs []string `yaml:"allowed_ids,omitempty"`
	StartsAt   time.Time `yaml:"starts_at,omitempty"`
	EndsAt     time.Time `yaml:"ends_at,omitempty"`
	Payload    string   `yaml:"payload,omitempty"`
	Version    int      `yaml:"-"`
}

// Context is the request context a flag is evaluated against.
type Context struct {
	TenantID string
	UserID   string
	Now      time.Time
}

type flagFile struct {
	Flags []Flag `yaml:"flags"`
}

// Evaluator holds the current flag table and supports atomic reload.
// Readers always observe one consistent table; reload builds a new map
// and swaps the pointer, following the registry's atomic-snapshot-swap
// idiom instead of a pub/sub "flag changed" notification.
type Evaluator struct {
	mu      sync.RWMutex
	table   map[string]Flag
	path    string
	reloads int64
}

// NewEvaluator constructs an Evaluator seeded with the gateway's compile-time
// defaults. Load or LoadEnvOverrides may be called afterward.
func NewEvaluator() *Evaluator {
	e := &Evaluator{table: make(map[string]Flag)}
	for _, f := range defaultFlags() {
		e.table[f.Name] = f
	}
	return e
}

func defaultFlags() []Flag {
	return []Flag{
		{Name: SingleEntryPointMode, Kind: Boolean, Default: true},
		{Name: EnableDirectToolAccess, Kind: Boolean, Default: false},
		{Name: EmitAttribution, Kind: Boolean, Default: true},
		{Name: StreamingEnabled, Kind: Boolean, Default: true},
		{Name: CacheEnabled, Kind: Boolean, Default: true},
	}
}

// Load reads a YAML flag file and atomically swaps it in. An empty or
// missing file is not an error — the evaluator keeps its compile-time
// defaults, mirroring the registry's "empty directory is valid" rule.
func (e *Evaluator) Load(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			e.mu.Lock()
			e.path = path
			e.mu.Unlock()
			return nil
		}
		return fmt.Errorf("flags: failed to read %s: %w", path, err)
	}

	var file flagFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("flags: failed to parse %s: %w", path, err)
	}

	newTable := make(map[string]Flag, len(file.Flags))
	for _, f := range file.Flags {
		f.Version++
		newTable[f.Name] = f
	}
	// Backfill any gateway default not present in the file so the
	// evaluator always has an entry for the flags it consults itself.
	for _, d := range defaultFlags() {
		if _, exists := newTable[d.Name]; !exists {
			newTable[d.Name] = d
		}
	}

	e.mu.Lock()
	e.path = path
	e.table = newTable
	e.reloads++
	e.mu.Unlock()

	return nil
}

// Reload re-reads the previously loaded file path. Never blocks requests;
// on any error it leaves the current table untouched.
func (e *Evaluator) Reload() error {
	e.mu.RLock()
	path := e.path
	e.mu.RUnlock()
	return e.Load(path)
}

// LoadEnvOverrides applies FF_<NAME>=true|false boolean overrides from the
// environment, applied after the file load per the external-interfaces
// env var table.
func (e *Evaluator) LoadEnvOverrides(environ []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], "FF_") {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(parts[0], "FF_"))
		enabled, err := strconv.ParseBool(parts[1])
		if err != nil {
			continue
		}
		f := e.table[name]
		f.Name = name
		f.Kind = Boolean
		f.Default = enabled
		f.Version++
		e.table[name] = f
	}
}

// Evaluate returns whether the named flag is enabled for the given context.
// Never fails the request: on any evaluator error it returns the
// compile-time default for that flag (denied-by-default for kill-switches).
func (e *Evaluator) Evaluate(ctx context.Context, name string, rc Context) bool {
	e.mu.RLock()
	f, ok := e.table[name]
	e.mu.RUnlock()

	if !ok {
		return false
	}

	if rc.Now.IsZero() {
		rc.Now = time.Now()
	}

	switch f.Kind {
	case Boolean:
		return f.Default
	case KillSwitch:
		return f.Default
	case Percentage:
		return percentageBucket(rc.TenantID) < f.Threshold
	case Schedule:
		return !rc.Now.Before(f.StartsAt) && rc.Now.Before(f.EndsAt)
	case AllowList:
		for _, id := range f.AllowedIDs {
			if id == rc.TenantID {
				return true
			}
		}
		return false
	default:
		return f.Default
	}
}

// percentageBucket deterministically hashes an id into [0,100), stable
// across processes without any shared state.
func percentageBucket(id string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return float64(h.Sum32() % 100)
}

// Snapshot returns a copy of the whole current flag table, as served by
// the client flags endpoint.
func (e *Evaluator) Snapshot() map[string]Flag {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]Flag, len(e.table))
	for k, v := range e.table {
		out[k] = v
	}
	return out
}

// ReloadCount reports how many times the table has been swapped, for tests
// and diagnostics.
func (e *Evaluator) ReloadCount() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reloads
}
