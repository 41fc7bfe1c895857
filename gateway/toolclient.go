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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"mcpgateway/platform/shared/types"
)

// ToolClient dispatches admitted requests to a specialist tool's HTTP
// endpoint, adapted from the teacher's Connector.Query/Command contract.
// Stream must close the chunks channel exactly once, whether it returns
// nil or an error.
type ToolClient interface {
	Call(ctx context.Context, tool types.Tool, req types.Request) (map[string]any, error)
	Stream(ctx context.Context, tool types.Tool, req types.Request, chunks chan<- types.StreamChunk) error
}

// HTTPToolClient calls a tool's /invoke (unary) or /invoke/stream (NDJSON)
// endpoint over a pooled HTTP client, the same transport shape as the
// teacher's connector HTTP calls.
type HTTPToolClient struct {
	Client *http.Client
}

// NewHTTPToolClient constructs a client with a connection-pooled transport.
func NewHTTPToolClient() *HTTPToolClient {
	return &HTTPToolClient{Client: &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 32}}}
}

// Call performs one unary tool invocation.
func (c *HTTPToolClient) Call(ctx context.Context, tool types.Tool, req types.Request) (map[string]any, error) {
	payload, err := json.Marshal(req.Intent)
	if err != nil {
		return nil, NewError(KindInternal, "failed to encode intent", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tool.BaseURL+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return nil, NewError(KindInternal, "failed to build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Trace-Context", req.TraceContext)

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, NewError(KindUpstreamError, fmt.Sprintf("tool %q unreachable", tool.ToolID), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, NewError(KindUpstreamError, fmt.Sprintf("tool %q returned %d", tool.ToolID, resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, NewError(KindBadRequest, fmt.Sprintf("tool %q rejected request: %d", tool.ToolID, resp.StatusCode), nil)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, NewError(KindUpstreamError, "failed to decode upstream response", err)
	}
	return body, nil
}

// Stream performs a streaming tool invocation, reading newline-delimited
// JSON chunks from the upstream response and forwarding each as a
// types.StreamChunk. The channel is always closed before returning.
func (c *HTTPToolClient) Stream(ctx context.Context, tool types.Tool, req types.Request, chunks chan<- types.StreamChunk) error {
	defer close(chunks)

	payload, err := json.Marshal(req.Intent)
	if err != nil {
		return NewError(KindInternal, "failed to encode intent", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tool.BaseURL+"/invoke/stream", bytes.NewReader(payload))
	if err != nil {
		return NewError(KindInternal, "failed to build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	httpReq.Header.Set("X-Trace-Context", req.TraceContext)

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return NewError(KindUpstreamError, fmt.Sprintf("tool %q unreachable", tool.ToolID), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return NewError(KindUpstreamError, fmt.Sprintf("tool %q returned %d", tool.ToolID, resp.StatusCode), nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk types.StreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Producer == "" {
			chunk.Producer = tool.ToolID
		}
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
