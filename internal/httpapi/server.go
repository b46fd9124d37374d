// Package httpapi exposes the daemon to probes over localhost HTTP: a
// message endpoint for request/response traffic, a websocket event stream
// for store changes and notifications, and a websocket probe channel that
// carries page snapshots in and click directives out.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/flowatch/flowatch/internal/watchd"
	"github.com/flowatch/flowatch/pkg/kv"
)

// Server serves the probe-facing API for a single daemon instance.
type Server struct {
	svc      *watchd.Service
	hub      *eventHub
	probes   *kv.Store[string, *probeConn]
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New creates a Server around a running watchd service.
func New(svc *watchd.Service, log zerolog.Logger) *Server {
	return &Server{
		svc:    svc,
		hub:    newEventHub(svc.Bus()),
		probes: kv.New[string, *probeConn](),
		log:    log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon binds to loopback, but browser contexts still send
			// an Origin header; accept any origin whose host resolves back
			// to this listener and non-browser clients that omit it.
			CheckOrigin: func(r *http.Request) bool {
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host) || isExtensionOrigin(u)
			},
		},
	}
}

// isExtensionOrigin accepts browser-extension origins, which never match the
// listener host.
func isExtensionOrigin(u *url.URL) bool {
	switch u.Scheme {
	case "chrome-extension", "moz-extension", "safari-web-extension":
		return true
	}
	return false
}

// Router builds the HTTP mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/healthz", s.handleHealth)
	r.Post("/v1/messages", s.handleMessages)
	r.Get("/v1/events", s.handleEvents)
	r.Get("/v1/probe", s.handleProbe)

	return r
}

// ListenAndServe runs the API until ctx is cancelled, then drains with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"probes": s.probes.Len(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req watchd.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Type == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "type is required")
		return
	}
	respondJSON(w, http.StatusOK, s.svc.Handle(r.Context(), req))
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
