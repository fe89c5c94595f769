// Package web provides the HTTP server of rdtmgr: the status page, the
// process query API, catalog administration and metrics.
package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/process"
	"github.com/robertosilvah/rdtmgr/internal/shift"
	"github.com/robertosilvah/rdtmgr/internal/status"
	"github.com/robertosilvah/rdtmgr/internal/store"
)

// Lines is the live process registry.
type Lines interface {
	List(ctx context.Context) ([]process.Line, error)
	Query(ctx context.Context, id int64, req process.QueryRequest) (process.Result, error)
	SetStandard(ctx context.Context, id, productID int64) (logic.Standard, error)
	SetScrap(ctx context.Context, id int64, amount int) error
	Refresh(ctx context.Context, id int64) error
	Ensure(ctx context.Context, loc model.Location) error
	Retire(id int64) bool
	UpdateDefinition(ctx context.Context, def shift.Definition) error
}

// Realtime tracks which locations a websocket client follows live.
type Realtime interface {
	SetRealtime(clientID string, locationID int64, realtime bool) bool
}

// Observer records served requests.
type Observer interface {
	ObserveHTTP(method, route string, status int, d time.Duration)
}

// Options wires the server to the rest of the service. Tracker, Lines and
// Store are required.
type Options struct {
	Tracker  *status.Tracker
	Lines    Lines
	Store    store.Store
	Realtime Realtime
	Observer Observer

	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// WS is served at /ws when set.
	WS http.Handler

	Logger *slog.Logger
}

// Server serves the status page and API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	lines      Lines
	store      store.Store
	realtime   Realtime
	log        *slog.Logger
	handler    http.Handler
}

// New creates a Server listening on addr.
func New(addr string, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		tracker:  opts.Tracker,
		lines:    opts.Lines,
		store:    opts.Store,
		realtime: opts.Realtime,
		log:      log.With("component", "http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /index.html", s.handleIndex)
	mux.HandleFunc("GET /index.json", s.handleJSON)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.WS != nil {
		mux.Handle("GET /ws", opts.WS)
	}
	s.routeProcess(mux)
	s.routeCatalog(mux)

	s.handler = instrument(mux, opts.Observer, s.log)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.log.Error("render status page", "error", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap)) //nolint:errcheck
}
