package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cortexhub/cortex/pkg/auth"
	"github.com/cortexhub/cortex/pkg/cache"
	"github.com/cortexhub/cortex/pkg/config"
	"github.com/cortexhub/cortex/pkg/health"
	"github.com/cortexhub/cortex/pkg/images"
	"github.com/cortexhub/cortex/pkg/lifecycle"
	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/metrics"
	"github.com/cortexhub/cortex/pkg/proxy"
	"github.com/cortexhub/cortex/pkg/ratelimit"
	"github.com/cortexhub/cortex/pkg/registry"
	"github.com/cortexhub/cortex/pkg/storage"
	"github.com/cortexhub/cortex/pkg/types"
)

// Server is the HTTP surface: the OpenAI-compatible client plane under /v1
// and the operator plane under /admin.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	registry *registry.Registry
	poller   *health.Poller
	manager  *lifecycle.Manager
	proxy    *proxy.Proxy
	limiter  *ratelimit.Limiter
	auth     *auth.Authenticator
	images   *images.Cache
	cache    *cache.Client
	usage    *proxy.Recorder

	draining atomic.Bool
	httpSrv  *http.Server
}

// Deps collects the wired components the server serves.
type Deps struct {
	Store    storage.Store
	Registry *registry.Registry
	Poller   *health.Poller
	Manager  *lifecycle.Manager
	Proxy    *proxy.Proxy
	Limiter  *ratelimit.Limiter
	Auth     *auth.Authenticator
	Images   *images.Cache
	Cache    *cache.Client
	Usage    *proxy.Recorder
}

// New creates the server and its router.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		registry: deps.Registry,
		poller:   deps.Poller,
		manager:  deps.Manager,
		proxy:    deps.Proxy,
		limiter:  deps.Limiter,
		auth:     deps.Auth,
		images:   deps.Images,
		cache:    deps.Cache,
		usage:    deps.Usage,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Liveness and metrics stay reachable while draining.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.drainMiddleware)
		r.Use(s.auth.Middleware(writeAPIError))
		r.Use(s.rateLimitMiddleware)

		r.Post("/chat/completions", s.handleGenerate)
		r.Post("/completions", s.handleGenerate)
		r.Post("/embeddings", s.handleEmbed)
		r.Get("/models", s.handleListServed)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.drainMiddleware)
		r.Use(s.adminAuthMiddleware)

		r.Route("/models", func(r chi.Router) {
			r.Get("/", s.handleAdminListModels)
			r.Post("/", s.handleAdminCreateModel)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleAdminGetModel)
				r.Patch("/", s.handleAdminReconfigure)
				r.Delete("/", s.handleAdminDeleteModel)
				r.Post("/start", s.handleAdminStart)
				r.Post("/stop", s.handleAdminStop)
				r.Post("/cancel", s.handleAdminCancel)
				r.Post("/archive", s.handleAdminArchive)
				r.Post("/unarchive", s.handleAdminUnarchive)
				r.Post("/dry-run", s.handleAdminDryRun)
				r.Post("/test", s.handleAdminTestModel)
				r.Get("/logs", s.handleAdminLogs)
			})
		})

		r.Get("/upstreams", s.handleAdminUpstreams)
		r.Post("/upstreams/refresh-health", s.handleAdminRefreshHealth)
		r.Get("/system/docker-images", s.handleAdminImages)

		r.Route("/identities", func(r chi.Router) {
			r.Get("/", s.handleAdminListIdentities)
			r.Post("/", s.handleAdminCreateIdentity)
			r.Get("/{id}", s.handleAdminGetIdentity)
			r.Delete("/{id}", s.handleAdminDeleteIdentity)
			r.Post("/{id}/keys", s.handleAdminMintKey)
		})
		r.Delete("/keys/{prefix}", s.handleAdminRevokeKey)

		r.Get("/usage", s.handleAdminUsage)
	})

	return r
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.WithComponent("gateway").Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown runs the ordered drain: refuse new work, let in-flight requests
// finish within the drain budget, stop every model, stop the poller, close
// the stores.
func (s *Server) Shutdown(ctx context.Context) {
	logger := log.WithComponent("gateway")
	logger.Info().Dur("drain_timeout", s.cfg.DrainTimeout).Msg("shutting down")

	s.draining.Store(true)

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("drain deadline exceeded, closing connections")
		_ = s.httpSrv.Close()
	}

	s.manager.StopAll(ctx)
	s.manager.Shutdown()
	s.poller.Stop()
	s.usage.Close()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			logger.Warn().Err(err).Msg("cache close failed")
		}
	}
	if err := s.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("store close failed")
	}
	logger.Info().Msg("shutdown complete")
}

func (s *Server) drainMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			writeAPIError(w, types.NewAPIError(types.CodeDraining, "gateway is shutting down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware admits inference requests against the identity's
// budget. Read-only endpoints are not limited.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			identity := auth.IdentityFrom(r.Context())
			if err := s.limiter.Allow(r.Context(), identity); err != nil {
				metrics.RateLimitedTotal.Inc()
				writeAPIError(w, types.AsAPIError(err))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuthMiddleware guards the operator plane with the shared internal
// key. An empty key leaves the plane open, which the production self-check
// refuses.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.UpstreamInternalKey != "" {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.UpstreamInternalKey)) != 1 {
				metrics.AuthFailuresTotal.WithLabelValues(types.CodeUnauthenticated).Inc()
				writeAPIError(w, types.NewAPIError(types.CodeUnauthenticated, "invalid admin credential"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.draining.Load() {
		status = "draining"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
