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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitTripsAndRecovers(t *testing.T) {
	cb := New("spec_b", 3, 50*time.Millisecond)
	ctx := context.Background()
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return failing })
		assert.ErrorIs(t, err, failing)
	}
	assert.Equal(t, Open, cb.State())

	var openErr *OpenError
	err := cb.Execute(ctx, func(context.Context) error {
		t.Fatal("network call must not happen while circuit is open")
		return nil
	})
	require.ErrorAs(t, err, &openErr)

	time.Sleep(60 * time.Millisecond)

	called := 0
	err = cb.Execute(ctx, func(context.Context) error {
		called++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
	assert.Equal(t, Closed, cb.State())
}

func TestHalfOpenAdmitsOnlyOneTrial(t *testing.T) {
	cb := New("spec_c", 1, 20*time.Millisecond)
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("fail") })
	assert.Equal(t, Open, cb.State())

	time.Sleep(30 * time.Millisecond)

	blocked := 0
	done := make(chan struct{})
	go func() {
		_ = cb.Execute(ctx, func(context.Context) error {
			time.Sleep(15 * time.Millisecond)
			return nil
		})
		close(done)
	}()
	time.Sleep(2 * time.Millisecond)

	var openErr *OpenError
	err := cb.Execute(ctx, func(context.Context) error { return nil })
	if errors.As(err, &openErr) {
		blocked++
	}
	<-done

	assert.Equal(t, 1, blocked)
}

func TestRegistryPerToolIsolation(t *testing.T) {
	reg := NewRegistry(2, time.Second)
	a := reg.For("tool-a")
	b := reg.For("tool-b")

	_ = a.Execute(context.Background(), func(context.Context) error { return errors.New("x") })
	_ = a.Execute(context.Background(), func(context.Context) error { return errors.New("x") })

	assert.Equal(t, Open, reg.For("tool-a").State())
	assert.Equal(t, Closed, b.State())
}

func TestWithBackoffRetriesTransientOnly(t *testing.T) {
	attempts := 0
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.IsTransient = func(err error) bool { return err.Error() == "transient" }

	_, err := WithBackoff(context.Background(), cfg, func(context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	_, err = WithBackoff(context.Background(), cfg, func(context.Context) (string, error) {
		attempts++
		return "", errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithBackoffRespectsDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxAttempts = 5

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := WithBackoff(ctx, cfg, func(context.Context) (string, error) {
		return "", errors.New("transient")
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
