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

package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatencyWindowPercentiles(t *testing.T) {
	w := NewLatencyWindow()
	for i := 1; i <= 100; i++ {
		w.Observe(float64(i))
	}

	p50, p95, p99 := w.Percentiles()
	assert.InDelta(t, 50, p50, 2)
	assert.InDelta(t, 95, p95, 2)
	assert.InDelta(t, 99, p99, 2)
}

func TestLatencyWindowEvictsOldest(t *testing.T) {
	w := NewLatencyWindow()
	for i := 0; i < maxSamples+10; i++ {
		w.Observe(float64(i))
	}
	w.mu.Lock()
	n := len(w.samples)
	first := w.samples[0]
	w.mu.Unlock()

	assert.Equal(t, maxSamples, n)
	assert.Equal(t, float64(10), first)
}

func TestLatencyWindowEmpty(t *testing.T) {
	w := NewLatencyWindow()
	p50, p95, p99 := w.Percentiles()
	assert.Equal(t, 0.0, p50)
	assert.Equal(t, 0.0, p95)
	assert.Equal(t, 0.0, p99)
}

func TestCircuitStateValue(t *testing.T) {
	assert.Equal(t, 0.0, CircuitStateValue("closed"))
	assert.Equal(t, 1.0, CircuitStateValue("half-open"))
	assert.Equal(t, 2.0, CircuitStateValue("open"))
}

func TestTraceContextGeneratesWhenAbsent(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	tc := TraceContext(req)
	assert.NotEmpty(t, tc)
}

func TestTraceContextPropagatesExisting(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(TraceHeader, "trace-123")
	assert.Equal(t, "trace-123", TraceContext(req))
}
