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

// Package auth validates bearer tokens and API keys, extracts tenant
// identity and scopes, and applies the gateway's fixed security headers.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"mcpgateway/platform/shared/types"
)

// ErrNoCredentials is returned when neither a bearer token nor an API
// key is present on the request.
var ErrNoCredentials = fmt.Errorf("no credentials presented")

// Authenticator validates inbound credentials and extracts the caller's
// identity, following the same JWT-claims extraction shape as the
// teacher's validateUserToken.
type Authenticator struct {
	jwtSecret []byte
	userStore types.UserStore // nil if API keys are not configured
}

// New constructs an Authenticator. userStore may be nil if only bearer
// tokens are accepted.
func New(jwtSecret []byte, userStore types.UserStore) *Authenticator {
	return &Authenticator{jwtSecret: jwtSecret, userStore: userStore}
}

// Authenticate reads Authorization: Bearer <token> or X-API-Key: <key>
// from the request and resolves a types.User. Returns ErrNoCredentials
// if neither header is present; any other error is a validation failure.
func (a *Authenticator) Authenticate(r *http.Request) (*types.User, error) {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return a.authenticateAPIKey(apiKey)
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, ErrNoCredentials
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return nil, fmt.Errorf("malformed Authorization header")
	}

	return a.authenticateBearer(strings.TrimPrefix(authHeader, prefix))
}

// AuthenticateToken resolves a types.User from a bare token string, the
// credential carried in a WebSocket hello frame rather than HTTP headers.
// It tries bearer JWT validation first, then falls back to an API-key
// lookup when a userStore is configured.
func (a *Authenticator) AuthenticateToken(token string) (*types.User, error) {
	if token == "" {
		return nil, ErrNoCredentials
	}
	if user, err := a.authenticateBearer(token); err == nil {
		return user, nil
	}
	if a.userStore != nil {
		return a.authenticateAPIKey(token)
	}
	return nil, fmt.Errorf("invalid token")
}

func (a *Authenticator) authenticateAPIKey(key string) (*types.User, error) {
	if a.userStore == nil {
		return nil, fmt.Errorf("api key authentication not configured")
	}
	return a.userStore.LookupAPIKey(key)
}

func (a *Authenticator) authenticateBearer(tokenString string) (*types.User, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token required")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	tenantID := getClaimString(claims, "tenant_id")
	if tenantID == "" {
		return nil, fmt.Errorf("token missing tenant_id claim")
	}

	return &types.User{
		TenantID: tenantID,
		Scopes:   getClaimStringArray(claims, "scopes"),
		Subject:  getClaimString(claims, "sub"),
	}, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

func getClaimStringArray(claims jwt.MapClaims, key string) []string {
	if val, ok := claims[key].(string); ok {
		if val == "" {
			return []string{}
		}
		return strings.Split(val, ",")
	}
	if arr, ok := claims[key].([]interface{}); ok {
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

// HasScope reports whether the user carries the given scope.
func HasScope(u *types.User, scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// SecurityHeaders applies the gateway's fixed response headers: no-sniff,
// frame-deny, strict transport, referrer policy, permissions policy, CSP.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

// OriginValidator validates the Origin header against a configured
// allow-list. A mismatched origin fails closed when Production is true.
type OriginValidator struct {
	AllowedOrigins []string
	Production     bool
}

// Validate reports whether the given origin is acceptable. An empty
// origin (non-browser client) is always accepted.
func (o *OriginValidator) Validate(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range o.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return !o.Production
}
