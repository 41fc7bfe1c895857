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

package breaker

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Classifier tells the retry loop whether an error is Transient (network,
// 5xx-equivalent, ToolUnavailable with half-open hint — retryable) or
// Permanent (auth failure, bad request — never retried).
type Classifier func(error) bool

// Config configures the bounded retry loop. Retries are expressed as
// bounded iteration with an explicit deadline check, never recursion.
type Config struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	MinUpstreamLatency time.Duration
	IsTransient        Classifier
}

// DefaultConfig makes up to 3 attempts (the first call plus 2 retries)
// with exponential delay base*2^n plus random jitter in [0, base).
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		BaseDelay:          100 * time.Millisecond,
		MinUpstreamLatency: 50 * time.Millisecond,
		IsTransient:        func(error) bool { return true },
	}
}

// Func is the operation retried by WithBackoff.
type Func[T any] func(ctx context.Context) (T, error)

// DeadlineExceededError is surfaced when the next attempt's earliest
// start would be after deadline - MinUpstreamLatency; the retry is
// abandoned and the original error is returned wrapped in this type.
type DeadlineExceededError struct {
	Attempts int
	Last     error
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("retry abandoned before deadline after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *DeadlineExceededError) Unwrap() error { return e.Last }

// WithBackoff executes fn with exponential backoff plus jitter, retrying
// only Transient errors, and stops before the request's deadline rather
// than let the context simply cancel mid-wait.
func WithBackoff[T any](ctx context.Context, cfg Config, fn Func[T]) (T, error) {
	var zero T

	deadline, hasDeadline := ctx.Deadline()
	delay := cfg.BaseDelay
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.IsTransient(err) {
			return zero, err
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		wait := delay + time.Duration(rand.Int63n(int64(cfg.BaseDelay)+1))

		if hasDeadline && time.Now().Add(wait).After(deadline.Add(-cfg.MinUpstreamLatency)) {
			return zero, &DeadlineExceededError{Attempts: attempt + 1, Last: lastErr}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
	}

	return zero, lastErr
}
