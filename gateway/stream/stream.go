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

// Package stream implements the gateway's streaming transports: an SSE
// writer for unary-upgrade-to-stream responses and a WebSocket hub for
// long-lived bidirectional sessions.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"mcpgateway/platform/shared/types"
)

// Frame is the wire representation of a types.StreamChunk, shared by both
// the SSE and WebSocket transports.
type Frame struct {
	Seq      uint64          `json:"seq"`
	Kind     string          `json:"kind"`
	Producer string          `json:"producer"`
	Body     json.RawMessage `json:"body"`
	TS       int64           `json:"ts"`
}

// NewFrame builds the wire Frame for a chunk with the given sequence
// number (callers take it from a SeqCounter).
func NewFrame(seq uint64, chunk types.StreamChunk) (Frame, error) {
	body, err := json.Marshal(chunk.Body)
	if err != nil {
		return Frame{}, fmt.Errorf("stream: marshal chunk body: %w", err)
	}
	return Frame{
		Seq:      seq,
		Kind:     string(chunk.Kind),
		Producer: chunk.Producer,
		Body:     body,
		TS:       time.Now().UnixMilli(),
	}, nil
}

// SeqCounter hands out a monotonically increasing sequence number per
// session. Not safe for concurrent use by design: a session has exactly
// one writer goroutine.
type SeqCounter struct {
	next uint64
}

// Next returns the next sequence number, starting at 1.
func (c *SeqCounter) Next() uint64 {
	c.next++
	return c.next
}

// AttributionTracker inserts a tool-hop chunk whenever the producer
// changes, per the emit_attribution feature flag.
type AttributionTracker struct {
	lastProducer string
	started      bool
}

// Track reports whether the given producer differs from the last one
// seen, and records it as the new baseline.
func (a *AttributionTracker) Track(producer string) (changed bool) {
	if !a.started {
		a.started = true
		a.lastProducer = producer
		return true
	}
	if producer == a.lastProducer {
		return false
	}
	a.lastProducer = producer
	return true
}
