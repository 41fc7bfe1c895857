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
	"sync"

	"mcpgateway/platform/gateway/stream"
	"mcpgateway/platform/shared/types"
)

// sseTracker registers every active SSE connection so the lifecycle
// controller's drain predicate can see streams the WebSocket hub's
// OpenCount knows nothing about, and so a draining gateway can push a
// shutdown-tagged terminal chunk into each of them.
type sseTracker struct {
	mu      sync.Mutex
	writers map[*stream.SSEWriter]struct{}
}

func newSSETracker() *sseTracker {
	return &sseTracker{writers: make(map[*stream.SSEWriter]struct{})}
}

func (t *sseTracker) add(w *stream.SSEWriter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writers[w] = struct{}{}
}

func (t *sseTracker) remove(w *stream.SSEWriter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.writers, w)
}

func (t *sseTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writers)
}

// shutdownAll pushes a terminal chunk tagged reason=shutdown to every
// currently open SSE connection, called once at the moment draining
// begins so in-flight requests don't just run to natural completion or
// get cut off by the server's own Shutdown.
func (t *sseTracker) shutdownAll() {
	t.mu.Lock()
	writers := make([]*stream.SSEWriter, 0, len(t.writers))
	for w := range t.writers {
		writers = append(writers, w)
	}
	t.mu.Unlock()

	chunk := types.StreamChunk{Kind: types.ChunkTerminal, Body: map[string]string{"reason": "shutdown"}}
	for _, w := range writers {
		if frame, err := stream.NewFrame(w.NextSeq(), chunk); err == nil {
			_ = w.WriteFrame(frame)
		}
	}
}
