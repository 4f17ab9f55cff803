// Package server exposes the store over HTTP for a UI collaborator: the
// catalog, install requests, the current state and a websocket stream of
// log lines and install reports.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luddite-os/installer/internal/appstore"
	"github.com/luddite-os/installer/internal/catalog"
	"github.com/luddite-os/installer/internal/logging"
)

var log = logging.L("server")

// Store is the part of appstore.Store the server drives.
type Store interface {
	Refresh(ctx context.Context) (catalog.Snapshot, error)
	InstallPackage(ctx context.Context, pkg catalog.Package, onResult func(appstore.Report)) error
	State() appstore.State
	Current() (catalog.Package, bool)
}

// Config wires the server.
type Config struct {
	Addr    string
	Store   Store
	Lines   *logging.Broadcaster
	Version string
}

// Server serves the HTTP API.
type Server struct {
	cfg     Config
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	reports map[chan appstore.Report]struct{}
}

// New creates a server. Installs it starts run under a context that is
// cancelled by Shutdown, not by the HTTP request.
func New(cfg Config) *Server {
	if cfg.Lines == nil {
		cfg.Lines = logging.NewBroadcaster()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		baseCtx: ctx,
		cancel:  cancel,
		reports: make(map[chan appstore.Report]struct{}),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/catalog", s.handleCatalog)
	mux.HandleFunc("POST /api/install", s.handleInstall)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	return recovery(requestID(mux))
}

// ListenAndServe serves on cfg.Addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown cancels installs started through the API.
func (s *Server) Shutdown() {
	s.cancel()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.cfg.Version})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Store.Refresh(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Warn("catalog unavailable", logging.KeyError, err)
		writeError(w, http.StatusBadGateway, "CATALOG_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, catalogResponse{Packages: snap.Packages, FetchedAt: snap.FetchedAt})
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	l := logging.FromContext(r.Context())

	var body installRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	key := strings.TrimSpace(body.ObjectName)
	if key == "" {
		key = strings.TrimSpace(body.Name)
	}
	if key == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PACKAGE", "objectName or name is required")
		return
	}

	snap, err := s.cfg.Store.Refresh(r.Context())
	if err != nil {
		l.Warn("catalog unavailable", logging.KeyError, err)
		writeError(w, http.StatusBadGateway, "CATALOG_UNAVAILABLE", err.Error())
		return
	}
	pkg, ok := snap.Lookup(key)
	if !ok {
		l.Info("install requested for unknown package", logging.KeyPackage, key)
		writeError(w, http.StatusNotFound, "UNKNOWN_PACKAGE", "no catalog entry for "+key)
		return
	}

	l = l.With(logging.KeyPackage, pkg.ObjectName)
	err = s.cfg.Store.InstallPackage(s.baseCtx, pkg, s.publishReport)
	if errors.Is(err, appstore.ErrBusy) {
		l.Info("install rejected, store busy")
		writeError(w, http.StatusConflict, "BUSY", err.Error())
		return
	}
	if err != nil {
		l.Error("install request failed", logging.KeyError, err)
		writeError(w, http.StatusInternalServerError, "INSTALL_FAILED", err.Error())
		return
	}
	l.Info("install accepted")
	writeJSON(w, http.StatusAccepted, installResponse{Status: "accepted", Package: pkg})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{State: s.cfg.Store.State()}
	if pkg, ok := s.cfg.Store.Current(); ok {
		resp.Package = &pkg
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) subscribeReports() (<-chan appstore.Report, func()) {
	ch := make(chan appstore.Report, 16)
	s.mu.Lock()
	s.reports[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.reports, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *Server) publishReport(rep appstore.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.reports {
		select {
		case ch <- rep:
		default:
			log.Warn("report dropped for slow event client", logging.KeyRequestID, rep.RequestID)
		}
	}
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("handler panicked", "panic", err, "stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		l := log.With(logging.KeyRequestID, id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(logging.NewContext(r.Context(), l)))
		l.Debug("request served", "method", r.Method, "path", r.URL.Path, logging.KeyDurationMs, time.Since(start).Milliseconds())
	})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: errorInfo{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
