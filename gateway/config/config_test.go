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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 4, cfg.MaxHopDepth)
	assert.Equal(t, 10*time.Second, cfg.ProbeInterval)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	cfg, err := Load([]string{
		"GATEWAY_PORT=9090",
		"MAX_HOP_DEPTH=6",
		"ALLOWED_ORIGINS=https://a.example.com,https://b.example.com",
		"AUTH_JWT_SECRET=shh",
	})
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 6, cfg.MaxHopDepth)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, []byte("shh"), cfg.AuthJWTSecret)
}

func TestLoadRequiresSecretInProduction(t *testing.T) {
	_, err := Load([]string{"GATEWAY_PRODUCTION=true"})
	assert.Error(t, err)
}

func TestLoadRequiresCounterStoreInProduction(t *testing.T) {
	_, err := Load([]string{"GATEWAY_PRODUCTION=true", "AUTH_JWT_SECRET=shh"})
	assert.Error(t, err)
}

func TestLoadProductionWithAllRequiredSucceeds(t *testing.T) {
	cfg, err := Load([]string{
		"GATEWAY_PRODUCTION=true",
		"AUTH_JWT_SECRET=shh",
		"COUNTER_STORE_URL=redis://localhost:6379",
	})
	require.NoError(t, err)
	assert.True(t, cfg.Production)
}

func TestEnvFlagOverridesFiltersPrefix(t *testing.T) {
	overrides := EnvFlagOverrides([]string{
		"FF_STREAMING_ENABLED=true",
		"GATEWAY_PORT=8080",
		"FF_CACHE_ENABLED=false",
	})
	assert.ElementsMatch(t, []string{"FF_STREAMING_ENABLED=true", "FF_CACHE_ENABLED=false"}, overrides)
}
