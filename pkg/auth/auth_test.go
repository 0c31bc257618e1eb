package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex/pkg/storage"
	"github.com/cortexhub/cortex/pkg/types"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mintFor(t *testing.T, store storage.Store, scopes ...types.Scope) (string, *types.Identity) {
	t.Helper()
	identity := &types.Identity{Name: "tester", Scopes: scopes}
	require.NoError(t, store.CreateIdentity(identity))

	token, key, err := Mint(identity.ID)
	require.NoError(t, err)
	require.NoError(t, store.PutAPIKey(key))
	return token, identity
}

func TestMintAndResolve(t *testing.T) {
	store := newStore(t)
	token, identity := mintFor(t, store, types.ScopeChat)

	assert.True(t, strings.HasPrefix(token, "ck-"))

	resolved, err := New(store, false).Resolve(token)
	require.NoError(t, err)
	assert.Equal(t, identity.ID, resolved.ID)
	assert.True(t, resolved.HasScope(types.ScopeChat))
	assert.False(t, resolved.HasScope(types.ScopeEmbeddings))
}

func TestResolveRejectsBadTokens(t *testing.T) {
	store := newStore(t)
	mintFor(t, store, types.ScopeChat)
	a := New(store, false)

	for _, token := range []string{"", "ck-notreal", "garbage"} {
		_, err := a.Resolve(token)
		require.Error(t, err)
		assert.Equal(t, types.CodeUnauthenticated, types.AsAPIError(err).Code)
	}
}

func TestDevBypass(t *testing.T) {
	a := New(newStore(t), true)

	identity, err := a.Resolve("anything")
	require.NoError(t, err)
	assert.Equal(t, "dev-bypass", identity.Name)
	assert.True(t, identity.HasScope(types.ScopeChat))
	assert.True(t, identity.HasScope(types.ScopeCompletions))
	assert.True(t, identity.HasScope(types.ScopeEmbeddings))
}

func TestRequiredScope(t *testing.T) {
	tests := []struct {
		path  string
		scope types.Scope
		known bool
	}{
		{"/v1/chat/completions", types.ScopeChat, true},
		{"/v1/completions", types.ScopeCompletions, true},
		{"/v1/embeddings", types.ScopeEmbeddings, true},
		{"/v1/models", "", true},
		{"/v1/other", "", false},
	}
	for _, tt := range tests {
		scope, known := RequiredScope(tt.path)
		assert.Equal(t, tt.scope, scope, tt.path)
		assert.Equal(t, tt.known, known, tt.path)
	}
}

func TestMiddlewareScopeEnforcement(t *testing.T) {
	store := newStore(t)
	token, _ := mintFor(t, store, types.ScopeChat)

	var errCode string
	writeError := func(w http.ResponseWriter, err *types.APIError) {
		errCode = err.Code
		w.WriteHeader(err.HTTPStatus())
	}

	var sawIdentity *types.Identity
	handler := New(store, false).Middleware(writeError)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sawIdentity = IdentityFrom(r.Context())
		}))

	// Correct scope passes and attaches the identity.
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sawIdentity)
	assert.Equal(t, "tester", sawIdentity.Name)

	// Missing scope is a 403.
	errCode = ""
	req = httptest.NewRequest(http.MethodPost, "/v1/embeddings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, types.CodeForbiddenScope, errCode)

	// No credential is a 401.
	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
