// Package api serves a read-only HTTP view of the running sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/device"
	"github.com/srg/fireble/internal/fireboard"
	"github.com/srg/fireble/internal/platform"
	"github.com/srg/fireble/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Source is what the router reports on
type Source interface {
	Sessions() []session.Snapshot
	Session(address string) (session.Snapshot, bool)
	Devices() []device.Observation
	Entities() []platform.Record
}

// Router serves the status endpoints
type Router struct {
	router chi.Router
	src    Source
	logger *logrus.Logger
}

// SetupRouter registers the status routes on chiRouter
func SetupRouter(chiRouter chi.Router, src Source, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Router{
		router: chiRouter,
		src:    src,
		logger: logger,
	}

	chiRouter.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger, NoColor: true}))
	chiRouter.Use(middleware.Recoverer)

	chiRouter.Get("/health", r.health)
	chiRouter.Route("/api", func(api chi.Router) {
		api.Get("/sessions", r.sessions)
		api.Get("/sessions/{address}", r.session)
		api.Get("/devices", r.devices)
		api.Get("/entities", r.entities)
	})

	return r
}

// New creates a Router on a fresh chi mux
func New(src Source, logger *logrus.Logger) *Router {
	return SetupRouter(chi.NewRouter(), src, logger)
}

// Handler returns the http.Handler of the router
func (r *Router) Handler() http.Handler { return r.router }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
func (r *Router) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.serve(ctx, ln)
}

func (r *Router) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           r.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.logger.WithField("addr", ln.Addr().String()).Info("Status API listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (r *Router) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) sessions(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.src.Sessions())
}

func (r *Router) session(w http.ResponseWriter, req *http.Request) {
	address := chi.URLParam(req, "address")
	snap, ok := r.src.Session(address)
	if !ok {
		r.writeJSON(w, http.StatusNotFound, errorBody{Error: "no session for " + address})
		return
	}
	r.writeJSON(w, http.StatusOK, snap)
}

// devices lists what the radio sees; ?all=true includes non-FireBoard peripherals
func (r *Router) devices(w http.ResponseWriter, req *http.Request) {
	seen := r.src.Devices()
	out := make([]device.Observation, 0, len(seen))
	all := req.URL.Query().Get("all") == "true"
	for _, obs := range seen {
		if all || fireboard.Matches(obs) {
			out = append(out, obs)
		}
	}
	r.writeJSON(w, http.StatusOK, out)
}

func (r *Router) entities(w http.ResponseWriter, _ *http.Request) {
	records := r.src.Entities()
	if records == nil {
		records = []platform.Record{}
	}
	r.writeJSON(w, http.StatusOK, records)
}

type errorBody struct {
	Error string `json:"error"`
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.WithError(err).Warn("Failed to write response")
	}
}
