// Package web exposes the provisioning HTTP API the companion application
// talks to while associated with the device hotspot. It is JSON-only; the
// companion app is the user interface.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"provisiond/internal/orchestrator"
	"provisiond/internal/store"
)

// Orchestrator is the state-machine surface the API consumes.
type Orchestrator interface {
	GetState() orchestrator.Status
	Attempts() []store.AttemptRecord
	SubmitCredentials(ssid, psk string) error
	RequestManualReset() error
	NotifyMiningReady() error
	Events() *orchestrator.EventBus
}

// Hotspot is the read-only view of the access point controller used by the
// hotspot info endpoint.
type Hotspot interface {
	SSID() string
	IsActive(ctx context.Context) bool
	ConnectedClients() (int, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithHotspot enables the hotspot info endpoint.
func WithHotspot(h Hotspot) ServerOption {
	return func(s *Server) {
		s.hotspot = h
	}
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the provisioning HTTP server.
type Server struct {
	orch           Orchestrator
	hotspot        Hotspot
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	unsubEvents    func()
}

// NewServer creates the provisioning API server and starts its websocket
// hub. Call Stop when shutting down.
func NewServer(orch Orchestrator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		orch:    orch,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	go s.wsHub.Run()
	s.unsubEvents = orch.Events().OnAll(func(evt orchestrator.Event) {
		s.wsHub.Broadcast(evt)
	})

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/attempts", s.handleAttempts)
	s.mux.HandleFunc("POST /setup/wifi", s.handleSetupWifi)
	s.mux.HandleFunc("POST /api/reset", s.handleReset)
	s.mux.HandleFunc("POST /api/mining/ready", s.handleMiningReady)
	s.mux.HandleFunc("GET /api/hotspot", s.handleHotspotInfo)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	return s
}

// Stop unsubscribes from orchestrator events and shuts down the ws hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The companion app calls from a captive-portal webview; permissive
	// CORS on the provisioning subnet is intentional.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.apiKey != "" && !strings.HasPrefix(r.URL.Path, "/health") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
	}

	s.mux.ServeHTTP(w, r)
}
