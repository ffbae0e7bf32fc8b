// Package api is the HTTP surface of the key backup service: thin
// handlers over the registries and the transition engine, with
// request-scoped authentication.
package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/keybackup/internal/auth"
	"github.com/org/keybackup/internal/registry"
	"github.com/org/keybackup/internal/storage"
	"github.com/org/keybackup/internal/transition"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string
	TLSCertFile   string
	TLSKeyFile    string
	DBUrl         string
	MigrationsDir string
}

// Server is the API server.
type Server struct {
	be       storage.Backend
	configs  *registry.RecoveryConfigs
	rtokens  *registry.RecoveryTokens
	tokens   *registry.PIVTokens
	history  *registry.History
	engine   *transition.Engine
	verifier *auth.Verifier
	cfg      Config
	httpSrv  *http.Server
}

// NewServer wires the registries, engine and verifier over the given
// backend and tasker.
func NewServer(be storage.Backend, tasker transition.NodeTasker, cfg Config) *Server {
	configs := registry.NewRecoveryConfigs(be)
	rtokens := registry.NewRecoveryTokens(be)
	history := registry.NewHistory(be)
	tokens := registry.NewPIVTokens(be, configs, rtokens, history)
	engine := transition.NewEngine(be, configs, rtokens, tasker, ownerID())

	return &Server{
		be:       be,
		configs:  configs,
		rtokens:  rtokens,
		tokens:   tokens,
		history:  history,
		engine:   engine,
		verifier: auth.NewVerifier(auth.RegistryKeys{PIVTokens: tokens}),
		cfg:      cfg,
	}
}

// ownerID identifies this process as a transition owner.
func ownerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "/" + strconv.Itoa(os.Getpid())
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)
	r.Use(logMiddleware)

	r.Handle("/metrics", MetricsHandler())
	r.Get("/health", s.HealthHandler)

	r.Route("/pivtokens", func(r chi.Router) {
		r.Post("/", s.PIVTokenCreateHandler)
		r.Get("/", s.PIVTokenListHandler)
		r.Route("/{guid}", func(r chi.Router) {
			r.Get("/", s.PIVTokenGetHandler)
			r.Put("/", s.PIVTokenUpdateHandler)
			r.Delete("/", s.PIVTokenDeleteHandler)
			r.Get("/history", s.PIVTokenHistoryHandler)
			r.With(authMiddleware(s.verifier, auth.SchemeSignature)).
				Get("/pin", s.PIVTokenGetPinHandler)
			r.With(authMiddleware(s.verifier, auth.SchemeHmac)).
				Post("/recover", s.PIVTokenRecoverHandler)
		})
	})

	r.Route("/recovery-configurations", func(r chi.Router) {
		r.Post("/", s.RecoveryConfigCreateHandler)
		r.Get("/", s.RecoveryConfigListHandler)
		r.Route("/{uuid}", func(r chi.Router) {
			r.Get("/", s.RecoveryConfigGetHandler)
			r.Put("/", s.RecoveryConfigUpdateHandler)
			r.Delete("/", s.RecoveryConfigDeleteHandler)
			r.Post("/reactivate", s.RecoveryConfigReactivateHandler)
			r.Post("/{action}", s.RecoveryConfigActionHandler)
		})
	})

	r.Route("/transitions", func(r chi.Router) {
		r.Get("/", s.TransitionListHandler)
		r.Get("/{uuid}", s.TransitionGetHandler)
		r.Post("/{uuid}/abort", s.TransitionAbortHandler)
	})

	return r
}

// HealthHandler reports liveness and storage reachability.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.be.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
