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

// Package ratelimit implements the per-(tenant, endpoint-class) token
// bucket, backed by a distributed counter store so limits hold across
// gateway replicas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EndpointClass distinguishes non-destructive reads from write-class
// endpoints for fail-open/fail-closed semantics on store failure.
type EndpointClass string

const (
	ClassRead  EndpointClass = "read"
	ClassWrite EndpointClass = "write"
)

// Decision is the outcome of an admit() call.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
}

// Bucket is the in-process read-through cache of a RateBucket. The
// external counter store remains authoritative; this cache is strictly
// an optimistic refresh, never the source of truth.
type Bucket struct {
	Tokens       float64
	RefillRate   float64
	Capacity     float64
	PenaltyUntil time.Time
	lastUpdate   time.Time
}

// localBucket is the in-process token bucket math, adapted from the
// teacher's sdk.RateLimiter token-bucket refill formula.
type localBucket struct {
	mu sync.Mutex
	b  Bucket
}

func newLocalBucket(rate, capacity float64) *localBucket {
	return &localBucket{b: Bucket{
		Tokens:     capacity, // cold start: seeded at full capacity
		RefillRate: rate,
		Capacity:   capacity,
		lastUpdate: time.Now(),
	}}
}

func (l *localBucket) tryAcquire(cost float64, now time.Time) (Decision, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.b.PenaltyUntil) {
		return Decision{Admitted: false, RetryAfter: l.b.PenaltyUntil.Sub(now)}, true
	}

	elapsed := now.Sub(l.b.lastUpdate).Seconds()
	l.b.Tokens = min(l.b.Capacity, l.b.Tokens+elapsed*l.b.RefillRate)
	l.b.lastUpdate = now

	if l.b.Tokens >= cost {
		l.b.Tokens -= cost
		return Decision{Admitted: true}, false
	}

	deficit := cost - l.b.Tokens
	retryAfter := time.Duration(deficit / l.b.RefillRate * float64(time.Second))
	return Decision{Admitted: false, RetryAfter: retryAfter}, false
}

func (l *localBucket) applyPenalty(base time.Duration, cap time.Duration, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.b.PenaltyUntil.Sub(now)
	next := base
	if current > 0 {
		next = current * 2
	}
	if next > cap {
		next = cap
	}
	l.b.PenaltyUntil = now.Add(next)
}

// RatePlan configures refill rate, capacity and the progressive-penalty
// schedule for one tenant's rate plan.
type RatePlan struct {
	RefillRate   float64
	Capacity     float64
	PenaltyBase  time.Duration
	PenaltyCap   time.Duration
}

// DefaultRatePlan is used when a tenant has no specific plan configured.
var DefaultRatePlan = RatePlan{
	RefillRate:  10,
	Capacity:    10,
	PenaltyBase: 1 * time.Second,
	PenaltyCap:  8 * time.Second,
}

// Store is the external distributed counter store contract. A Redis
// implementation is provided in redis.go; it is the only required
// implementation but the interface keeps the limiter testable without Redis.
type Store interface {
	// Admit atomically checks and records one request for key and reports
	// whether it is admitted and, if not, how long to wait before retrying
	// (or an error on store failure).
	Admit(ctx context.Context, key string, cost float64, plan RatePlan) (admitted bool, retryAfter time.Duration, err error)
}

// Limiter admits requests per (tenant_id, endpoint_class), keyed by a
// token bucket whose authoritative state lives in Store. On store
// failure it fails open for read-class endpoints and closed for
// write-class endpoints, per the component's explicit classification.
type Limiter struct {
	store Store
	plans func(tenantID string) RatePlan

	mu      sync.Mutex
	local   map[string]*localBucket
}

// NewLimiter constructs a Limiter. planFn resolves a tenant's RatePlan;
// pass nil to always use DefaultRatePlan.
func NewLimiter(store Store, planFn func(tenantID string) RatePlan) *Limiter {
	if planFn == nil {
		planFn = func(string) RatePlan { return DefaultRatePlan }
	}
	return &Limiter{
		store: store,
		plans: planFn,
		local: make(map[string]*localBucket),
	}
}

// Admit implements admit(tenant_id, endpoint_class, cost) -> Admitted | Throttled(retry_after).
func (l *Limiter) Admit(ctx context.Context, tenantID string, class EndpointClass, cost float64) (Decision, error) {
	key := fmt.Sprintf("%s:%s", tenantID, class)
	plan := l.plans(tenantID)
	now := time.Now()

	lb := l.localBucketFor(key, plan)

	if decision, penalized := lb.tryAcquire(0, now); penalized {
		return decision, nil
	}

	if l.store == nil {
		decision, _ := lb.tryAcquire(cost, now)
		if !decision.Admitted {
			lb.applyPenalty(plan.PenaltyBase, plan.PenaltyCap, now)
		}
		return decision, nil
	}

	admitted, retryAfter, err := l.store.Admit(ctx, key, cost, plan)
	if err != nil {
		if class == ClassRead {
			// fails open for non-destructive reads
			return Decision{Admitted: true}, nil
		}
		// fails closed for write-class endpoints
		return Decision{Admitted: false, RetryAfter: plan.PenaltyBase}, nil
	}

	if !admitted {
		lb.applyPenalty(plan.PenaltyBase, plan.PenaltyCap, now)
		return Decision{Admitted: false, RetryAfter: retryAfter}, nil
	}

	return Decision{Admitted: true}, nil
}

func (l *Limiter) localBucketFor(key string, plan RatePlan) *localBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lb, ok := l.local[key]; ok {
		return lb
	}
	lb := newLocalBucket(plan.RefillRate, plan.Capacity)
	l.local[key] = lb
	return lb
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
