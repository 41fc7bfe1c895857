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

// Package config loads the gateway's process configuration from
// environment variables, the same env-var-driven layering the teacher
// uses, layered with an optional YAML file for feature flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the gateway reads at startup. All fields
// are resolved once during Load and never mutated afterward; flags and
// the tool registry have their own independent reload paths.
type Config struct {
	Host string
	Port string

	TLSCertFile string
	TLSKeyFile  string

	AuthJWTSecret []byte
	Production    bool

	CounterStoreURL string
	SessionStoreURL string

	AllowedOrigins []string

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	CircuitFailureThreshold int
	CircuitCooldown         time.Duration

	MaxHopDepth            int
	DefaultUpstreamTimeout time.Duration

	DrainDeadline time.Duration

	FlagsFilePath string
}

// Load builds a Config from the process environment. Required variables
// missing in Production mode cause an error (exit code config_error).
func Load(environ []string) (*Config, error) {
	env := toMap(environ)

	cfg := &Config{
		Host:                    getString(env, "GATEWAY_HOST", "0.0.0.0"),
		Port:                    getString(env, "GATEWAY_PORT", "8080"),
		TLSCertFile:             getString(env, "GATEWAY_TLS_CERT", ""),
		TLSKeyFile:              getString(env, "GATEWAY_TLS_KEY", ""),
		Production:              getBool(env, "GATEWAY_PRODUCTION", false),
		CounterStoreURL:         getString(env, "COUNTER_STORE_URL", ""),
		SessionStoreURL:         getString(env, "SESSION_STORE_URL", ""),
		AllowedOrigins:          getStringList(env, "ALLOWED_ORIGINS", []string{"*"}),
		ProbeInterval:           getDurationMS(env, "PROBE_INTERVAL_MS", 10_000),
		ProbeTimeout:            getDurationMS(env, "PROBE_TIMEOUT_MS", 2_000),
		CircuitFailureThreshold: getInt(env, "CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitCooldown:         getDurationMS(env, "CIRCUIT_COOLDOWN_MS", 30_000),
		MaxHopDepth:             getInt(env, "MAX_HOP_DEPTH", 4),
		DefaultUpstreamTimeout:  getDurationMS(env, "DEFAULT_UPSTREAM_TIMEOUT_MS", 15_000),
		DrainDeadline:           getDurationMS(env, "DRAIN_DEADLINE_MS", 10_000),
		FlagsFilePath:           getString(env, "FEATURE_FLAGS_FILE", ""),
	}

	secret := getString(env, "AUTH_JWT_SECRET", "")
	if secret == "" && cfg.Production {
		return nil, fmt.Errorf("config: AUTH_JWT_SECRET is required in production")
	}
	cfg.AuthJWTSecret = []byte(secret)

	if cfg.CounterStoreURL == "" && cfg.Production {
		return nil, fmt.Errorf("config: COUNTER_STORE_URL is required in production")
	}

	return cfg, nil
}

// EnvFlagOverrides returns the FF_<NAME>=bool entries from the process
// environment, passed through to flags.Evaluator.LoadEnvOverrides.
func EnvFlagOverrides(environ []string) []string {
	out := make([]string, 0)
	for _, kv := range environ {
		if strings.HasPrefix(kv, "FF_") {
			out = append(out, kv)
		}
	}
	return out
}

func toMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			m[kv[:idx]] = kv[idx+1:]
		}
	}
	return m
}

func getString(env map[string]string, key, def string) string {
	if v, ok := env[key]; ok && v != "" {
		return v
	}
	return def
}

func getBool(env map[string]string, key string, def bool) bool {
	if v, ok := env[key]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getInt(env map[string]string, key string, def int) int {
	if v, ok := env[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDurationMS(env map[string]string, key string, defMS int) time.Duration {
	ms := getInt(env, key, defMS)
	return time.Duration(ms) * time.Millisecond
}

func getStringList(env map[string]string, key string, def []string) []string {
	v, ok := env[key]
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func init() {
	// Honor an explicit INSTANCE_ID for multi-replica log correlation,
	// matching the shared logger's expectation; generate one otherwise.
	if os.Getenv("INSTANCE_ID") == "" {
		os.Setenv("INSTANCE_ID", strconv.FormatInt(time.Now().UnixNano(), 36))
	}
}
