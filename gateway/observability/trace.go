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
	"net/http"

	"github.com/google/uuid"
)

// TraceHeader is the inbound/outbound header carrying the trace context
// across the gateway and its tool calls.
const TraceHeader = "X-Trace-Context"

// TraceContext extracts the caller-supplied trace context, generating a
// new one if absent so every request is traceable end to end.
func TraceContext(r *http.Request) string {
	if tc := r.Header.Get(TraceHeader); tc != "" {
		return tc
	}
	return uuid.NewString()
}

// Snapshot is the JSON body served at /metrics.json, the legacy
// human-readable counterpart to the Prometheus /metrics endpoint.
type Snapshot struct {
	OpenStreams int                `json:"open_streams"`
	QueueDepth  int                `json:"queue_depth"`
	Tools       map[string]float64 `json:"circuit_state_by_tool"`
	LatencyP50  float64            `json:"latency_p50_ms"`
	LatencyP95  float64            `json:"latency_p95_ms"`
	LatencyP99  float64            `json:"latency_p99_ms"`
}
