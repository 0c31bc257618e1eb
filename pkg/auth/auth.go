package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cortexhub/cortex/pkg/storage"
	"github.com/cortexhub/cortex/pkg/types"
)

// prefixLen is the number of hex characters used as the store lookup key.
const prefixLen = 8

type contextKey int

const identityKey contextKey = iota

// Authenticator resolves bearer tokens to identities.
type Authenticator struct {
	store storage.Store

	// bypass accepts any token and resolves a synthetic full-scope
	// identity. Development only; the production self-check refuses it.
	bypass bool
}

// New creates an authenticator over the persistence store.
func New(store storage.Store, devBypass bool) *Authenticator {
	return &Authenticator{store: store, bypass: devBypass}
}

// HashToken returns the hex SHA-256 of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Mint generates a fresh credential for an identity and returns the raw
// token alongside the storable key record. The raw token is shown once and
// never persisted.
func Mint(identityID uint64) (string, *types.APIKey, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := "ck-" + hex.EncodeToString(raw)
	hash := HashToken(token)
	return token, &types.APIKey{
		HashPrefix: hash[:prefixLen],
		Hash:       hash,
		IdentityID: identityID,
	}, nil
}

// Resolve validates a bearer token and loads its identity.
func (a *Authenticator) Resolve(token string) (*types.Identity, error) {
	if token == "" {
		return nil, types.NewAPIError(types.CodeUnauthenticated, "missing bearer token")
	}

	if a.bypass {
		return &types.Identity{
			ID:     0,
			Name:   "dev-bypass",
			Scopes: []types.Scope{types.ScopeChat, types.ScopeCompletions, types.ScopeEmbeddings},
		}, nil
	}

	hash := HashToken(token)
	key, err := a.store.GetAPIKeyByPrefix(hash[:prefixLen])
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, types.NewAPIError(types.CodeUnauthenticated, "invalid api key")
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(hash), []byte(key.Hash)) != 1 {
		return nil, types.NewAPIError(types.CodeUnauthenticated, "invalid api key")
	}

	identity, err := a.store.GetIdentity(key.IdentityID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, types.NewAPIError(types.CodeUnauthenticated, "api key has no identity")
		}
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	return identity, nil
}

// RequiredScope maps a client path to the scope it needs. The models
// listing is readable by any authenticated identity (empty scope).
func RequiredScope(path string) (types.Scope, bool) {
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		return types.ScopeChat, true
	case strings.HasSuffix(path, "/completions"):
		return types.ScopeCompletions, true
	case strings.HasSuffix(path, "/embeddings"):
		return types.ScopeEmbeddings, true
	case strings.HasSuffix(path, "/models"):
		return "", true
	default:
		return "", false
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// WithIdentity attaches the resolved identity to the request context.
func WithIdentity(ctx context.Context, identity *types.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFrom returns the identity attached to the context, or nil.
func IdentityFrom(ctx context.Context) *types.Identity {
	identity, _ := ctx.Value(identityKey).(*types.Identity)
	return identity
}
