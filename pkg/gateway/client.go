package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cortexhub/cortex/pkg/metrics"
	"github.com/cortexhub/cortex/pkg/proxy"
	"github.com/cortexhub/cortex/pkg/types"
)

// writeJSON encodes a response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeAPIError is the single error encoder shared by middleware and
// handlers.
func writeAPIError(w http.ResponseWriter, err *types.APIError) {
	if err == nil {
		err = &types.APIError{Code: "INTERNAL", Message: "internal error"}
	}
	switch err.Code {
	case types.CodeUnauthenticated, types.CodeForbiddenScope:
		metrics.AuthFailuresTotal.WithLabelValues(err.Code).Inc()
	}
	proxy.WriteError(w, err)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.proxy.Handle(w, r, types.TaskGenerate)
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	s.proxy.Handle(w, r, types.TaskEmbed)
}

// handleListServed is the OpenAI-compatible model listing: one entry per
// routable served name.
func (s *Server) handleListServed(w http.ResponseWriter, r *http.Request) {
	type servedModel struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	names := s.registry.ServedNames()
	data := make([]servedModel, 0, len(names))
	for _, name := range names {
		created := time.Now().Unix()
		if model, err := s.store.GetModelByServedName(name); err == nil {
			created = model.CreatedAt.Unix()
		}
		data = append(data, servedModel{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "cortex",
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}
