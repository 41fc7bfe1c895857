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

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is the distributed counter store backing the rate limiter
// across gateway replicas. Adapted from the teacher's sliding-window
// ZADD/ZREMRANGEBYSCORE/ZCARD pipeline, generalized from a fixed
// per-minute window to an arbitrary (tenant, endpoint-class) bucket
// with the window length derived from the tenant's refill rate.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore opens a Redis connection pool and verifies connectivity.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Admit performs the sliding-window check-and-record atomically via a
// Redis MULTI/EXEC transaction pipeline, implementing the Store contract.
func (s *RedisStore) Admit(ctx context.Context, key string, cost float64, plan RatePlan) (bool, time.Duration, error) {
	window := time.Second
	if plan.RefillRate > 0 {
		window = time.Duration(plan.Capacity/plan.RefillRate*float64(time.Second)) + time.Second
	}

	now := time.Now()
	redisKey := "ratelimit:" + key

	pipe := s.client.TxPipeline()
	minScore := now.Add(-window).UnixNano()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", minScore))
	cardCmd := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, redisKey, 2*window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis pipeline failed: %w", err)
	}

	count := cardCmd.Val()
	limit := int64(plan.Capacity)
	if count >= limit {
		return false, window, nil
	}

	return true, 0, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
