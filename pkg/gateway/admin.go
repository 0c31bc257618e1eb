package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cortexhub/cortex/pkg/auth"
	"github.com/cortexhub/cortex/pkg/health"
	"github.com/cortexhub/cortex/pkg/storage"
	"github.com/cortexhub/cortex/pkg/types"
)

// writeErr maps any error onto the structured encoding, translating store
// misses to NOT_FOUND.
func writeErr(w http.ResponseWriter, err error) {
	if ae := types.AsAPIError(err); ae != nil {
		writeAPIError(w, ae)
		return
	}
	if storage.IsNotFound(err) {
		writeAPIError(w, types.NewAPIError(types.CodeNotFound, "%s", err.Error()))
		return
	}
	writeAPIError(w, &types.APIError{Code: "INTERNAL", Message: err.Error()})
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, types.NewAPIError(types.CodeNotFound, "invalid id in path")
	}
	return id, nil
}

// Model declarations

type createModelRequest struct {
	Name       string             `json:"name"`
	ServedName string             `json:"served_name"`
	Engine     types.EngineKind   `json:"engine"`
	Task       types.Task         `json:"task"`
	RepoID     string             `json:"repo_id"`
	LocalPath  string             `json:"local_path"`
	Params     types.EngineParams `json:"params"`
}

func (req *createModelRequest) validate() error {
	if req.ServedName == "" {
		return types.NewAPIError(types.CodeInvalidState, "served_name is required")
	}
	switch req.Engine {
	case types.EngineTransformer, types.EngineQuantized:
	default:
		return types.NewAPIError(types.CodeInvalidState, "engine must be transformer or quantized")
	}
	switch req.Task {
	case types.TaskGenerate, types.TaskEmbed:
	default:
		return types.NewAPIError(types.CodeInvalidState, "task must be generate or embed")
	}
	if req.Engine == types.EngineQuantized && req.LocalPath == "" {
		return types.NewAPIError(types.CodeInvalidState, "quantized engine requires local_path")
	}
	if req.RepoID == "" && req.LocalPath == "" {
		return types.NewAPIError(types.CodeInvalidState, "one of repo_id or local_path is required")
	}
	if req.RepoID != "" && req.LocalPath != "" {
		return types.NewAPIError(types.CodeInvalidState, "repo_id and local_path are mutually exclusive")
	}
	return nil
}

func (s *Server) handleAdminCreateModel(w http.ResponseWriter, r *http.Request) {
	var req createModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, types.NewAPIError(types.CodeInvalidRequest, "invalid request body"))
		return
	}
	if err := req.validate(); err != nil {
		writeErr(w, err)
		return
	}

	name := req.Name
	if name == "" {
		name = req.ServedName
	}
	model := &types.Model{
		Name:       name,
		ServedName: req.ServedName,
		Engine:     req.Engine,
		Task:       req.Task,
		RepoID:     req.RepoID,
		LocalPath:  req.LocalPath,
		Params:     req.Params,
		State:      types.ModelStateStopped,
	}
	if err := s.store.CreateModel(model); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, model)
}

func (s *Server) handleAdminListModels(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	models, err := s.store.ListModels(includeArchived)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleAdminGetModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	model, err := s.store.GetModel(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) handleAdminReconfigure(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var body struct {
		Params types.EngineParams `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, types.NewAPIError(types.CodeInvalidRequest, "invalid request body"))
		return
	}
	if err := s.manager.Reconfigure(r.Context(), id, body.Params); err != nil {
		writeErr(w, err)
		return
	}
	model, err := s.store.GetModel(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) handleAdminDeleteModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.manager.Delete(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Model actions

func (s *Server) modelAction(w http.ResponseWriter, r *http.Request, action func(uint64) error) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := action(id); err != nil {
		writeErr(w, err)
		return
	}
	model, err := s.store.GetModel(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) handleAdminStart(w http.ResponseWriter, r *http.Request) {
	s.modelAction(w, r, func(id uint64) error { return s.manager.Start(r.Context(), id) })
}

func (s *Server) handleAdminStop(w http.ResponseWriter, r *http.Request) {
	s.modelAction(w, r, func(id uint64) error { return s.manager.Stop(r.Context(), id) })
}

func (s *Server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	s.modelAction(w, r, func(id uint64) error { return s.manager.Cancel(r.Context(), id) })
}

func (s *Server) handleAdminArchive(w http.ResponseWriter, r *http.Request) {
	s.modelAction(w, r, s.manager.Archive)
}

func (s *Server) handleAdminUnarchive(w http.ResponseWriter, r *http.Request) {
	s.modelAction(w, r, s.manager.Unarchive)
}

func (s *Server) handleAdminDryRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	result, err := s.manager.DryRun(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminTestModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	result, err := s.manager.Test(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}
	lines, err := s.manager.Logs(r.Context(), id, tail)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

// Routing and health

func (s *Server) handleAdminUpstreams(w http.ResponseWriter, r *http.Request) {
	views := s.poller.Views()
	breakers := make(map[string]health.BreakerState, len(views))
	for url, view := range views {
		breakers[url] = view.Breaker
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"now":            time.Now(),
		"health_ttl_sec": s.cfg.HealthTTL.Seconds(),
		"registry":       s.registry.All(),
		"health":         views,
		"breakers":       breakers,
	})
}

func (s *Server) handleAdminRefreshHealth(w http.ResponseWriter, r *http.Request) {
	s.poller.ProbeAll(r.Context())
	s.handleAdminUpstreams(w, r)
}

func (s *Server) handleAdminImages(w http.ResponseWriter, r *http.Request) {
	statuses, ready, err := s.images.Report(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"images":  statuses,
		"ready":   ready,
		"offline": s.images.Offline(),
	})
}

// Identities and credentials

func (s *Server) handleAdminCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string        `json:"name"`
		Scopes    []types.Scope `json:"scopes"`
		RateRPS   float64       `json:"rate_rps"`
		RateBurst int           `json:"rate_burst"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, types.NewAPIError(types.CodeInvalidRequest, "invalid request body"))
		return
	}
	if req.Name == "" {
		writeAPIError(w, types.NewAPIError(types.CodeInvalidState, "name is required"))
		return
	}

	identity := &types.Identity{
		Name:      req.Name,
		Scopes:    req.Scopes,
		RateRPS:   req.RateRPS,
		RateBurst: req.RateBurst,
	}
	if err := s.store.CreateIdentity(identity); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

func (s *Server) handleAdminListIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := s.store.ListIdentities()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": identities})
}

func (s *Server) handleAdminGetIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	identity, err := s.store.GetIdentity(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleAdminDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.DeleteIdentity(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminMintKey issues a credential for an identity. The raw token
// appears in this response only.
func (s *Server) handleAdminMintKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := s.store.GetIdentity(id); err != nil {
		writeErr(w, err)
		return
	}

	token, key, err := auth.Mint(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.PutAPIKey(key); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":       token,
		"hash_prefix": key.HashPrefix,
		"identity_id": key.IdentityID,
	})
}

func (s *Server) handleAdminRevokeKey(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")
	if err := s.store.DeleteAPIKey(prefix); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Usage

func (s *Server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeAPIError(w, types.NewAPIError(types.CodeInvalidState, "since must be RFC3339"))
			return
		}
		since = t
	}

	rows, err := s.store.ListUsage(since, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": rows})
}
