package auth

import (
	"net/http"

	"github.com/cortexhub/cortex/pkg/types"
)

// ErrorWriter encodes a structured error onto the response. Supplied by
// the gateway so auth does not depend on its encoding.
type ErrorWriter func(w http.ResponseWriter, err *types.APIError)

// Middleware authenticates the request, checks the path's required scope
// and attaches the identity to the context.
func (a *Authenticator) Middleware(writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r.Header.Get("Authorization"))

			identity, err := a.Resolve(token)
			if err != nil {
				if ae := types.AsAPIError(err); ae != nil {
					writeError(w, ae)
				} else {
					writeError(w, types.NewAPIError(types.CodeUnauthenticated, "authentication failed"))
				}
				return
			}

			scope, known := RequiredScope(r.URL.Path)
			if !known {
				writeError(w, types.NewAPIError(types.CodeNotFound, "unknown endpoint"))
				return
			}
			if scope != "" && !identity.HasScope(scope) {
				writeError(w, types.NewAPIError(types.CodeForbiddenScope,
					"identity %s lacks scope %s", identity.Name, scope))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}
