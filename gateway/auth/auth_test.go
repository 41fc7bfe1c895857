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

package auth

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway/platform/shared/types"
)

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestAuthenticateBearerValidToken(t *testing.T) {
	secret := []byte("test-secret")
	a := New(secret, nil)

	tok := signToken(t, secret, jwt.MapClaims{
		"tenant_id": "tenant-1",
		"sub":       "user-1",
		"scopes":    "read,write",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	user, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", user.TenantID)
	assert.Equal(t, "user-1", user.Subject)
	assert.True(t, HasScope(user, "read"))
	assert.True(t, HasScope(user, "write"))
}

func TestAuthenticateBearerMissingTenant(t *testing.T) {
	secret := []byte("test-secret")
	a := New(secret, nil)

	tok := signToken(t, secret, jwt.MapClaims{"sub": "user-1"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	_, err := a.Authenticate(req)
	assert.Error(t, err)
}

func TestAuthenticateBearerWrongSecret(t *testing.T) {
	a := New([]byte("real-secret"), nil)
	tok := signToken(t, []byte("wrong-secret"), jwt.MapClaims{"tenant_id": "t1"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	_, err := a.Authenticate(req)
	assert.Error(t, err)
}

func TestAuthenticateNoCredentials(t *testing.T) {
	a := New([]byte("secret"), nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := a.Authenticate(req)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

type fakeUserStore struct {
	users map[string]*types.User
}

func (f *fakeUserStore) LookupAPIKey(key string) (*types.User, error) {
	if u, ok := f.users[key]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("unknown api key")
}

func TestAuthenticateAPIKey(t *testing.T) {
	store := &fakeUserStore{users: map[string]*types.User{
		"key-abc": {TenantID: "tenant-2", Subject: "svc-account"},
	}}
	a := New([]byte("secret"), store)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "key-abc")

	user, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "tenant-2", user.TenantID)
}

func TestAuthenticateAPIKeyNotConfigured(t *testing.T) {
	a := New([]byte("secret"), nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "key-abc")

	_, err := a.Authenticate(req)
	assert.Error(t, err)
}

func TestAuthenticateTokenBearer(t *testing.T) {
	secret := []byte("test-secret")
	a := New(secret, nil)
	tok := signToken(t, secret, jwt.MapClaims{"tenant_id": "tenant-1", "exp": time.Now().Add(time.Hour).Unix()})

	user, err := a.AuthenticateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", user.TenantID)
}

func TestAuthenticateTokenFallsBackToAPIKey(t *testing.T) {
	store := &fakeUserStore{users: map[string]*types.User{"key-abc": {TenantID: "tenant-2"}}}
	a := New([]byte("secret"), store)

	user, err := a.AuthenticateToken("key-abc")
	require.NoError(t, err)
	assert.Equal(t, "tenant-2", user.TenantID)
}

func TestAuthenticateTokenEmpty(t *testing.T) {
	a := New([]byte("secret"), nil)
	_, err := a.AuthenticateToken("")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestOriginValidator(t *testing.T) {
	v := &OriginValidator{AllowedOrigins: []string{"https://app.example.com"}, Production: true}

	assert.True(t, v.Validate(""))
	assert.True(t, v.Validate("https://app.example.com"))
	assert.False(t, v.Validate("https://evil.example.com"))

	v.Production = false
	assert.True(t, v.Validate("https://evil.example.com"))
}

func TestOriginValidatorWildcard(t *testing.T) {
	v := &OriginValidator{AllowedOrigins: []string{"*"}, Production: true}
	assert.True(t, v.Validate("https://anything.example.com"))
}
