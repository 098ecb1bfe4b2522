// Package web serves the JSON API and the WebSocket event stream.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"lockhub/internal/automation"
	"lockhub/internal/fleet"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed origin patterns for CORS and WebSocket
// upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version string reported by the health endpoint.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the fleet API.
type Server struct {
	orch           *fleet.Orchestrator
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new API server bound to the orchestrator.
func NewServer(orch *fleet.Orchestrator, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	s := &Server{
		orch:   orch,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Every orchestrator notification goes out over the WebSocket stream.
	s.unsubEvents = orch.Events().OnAll(func(event fleet.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s, nil
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Scan lifecycle
	s.mux.HandleFunc("GET /api/scan", s.handleScanState)
	s.mux.HandleFunc("POST /api/scan/start", s.handleScanStart)
	s.mux.HandleFunc("POST /api/scan/stop", s.handleScanStop)

	// Devices
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/devices/unpaired", s.handleListUnpaired)
	s.mux.HandleFunc("GET /api/devices/{addr}", s.handleGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{addr}", s.handleRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{addr}", s.handleResetDevice)
	s.mux.HandleFunc("POST /api/devices/{addr}/pair", s.handlePairDevice)
	s.mux.HandleFunc("POST /api/devices/{addr}/lock", s.handleLockDevice)
	s.mux.HandleFunc("POST /api/devices/{addr}/unlock", s.handleUnlockDevice)
	s.mux.HandleFunc("PUT /api/devices/{addr}/autolock", s.handleSetAutoLock)
	s.mux.HandleFunc("PUT /api/devices/{addr}/audio", s.handleSetAudio)
	s.mux.HandleFunc("GET /api/devices/{addr}/log", s.handleOperationLog)

	// Credentials
	s.mux.HandleFunc("GET /api/devices/{addr}/credentials", s.handleCredentialSummary)
	s.mux.HandleFunc("GET /api/devices/{addr}/passcodes", s.handleListPasscodes)
	s.mux.HandleFunc("POST /api/devices/{addr}/passcodes", s.handleAddPasscode)
	s.mux.HandleFunc("PUT /api/devices/{addr}/passcodes/{id}", s.handleUpdatePasscode)
	s.mux.HandleFunc("DELETE /api/devices/{addr}/passcodes/{id}", s.handleDeletePasscode)
	s.mux.HandleFunc("GET /api/devices/{addr}/cards", s.handleListCards)
	s.mux.HandleFunc("POST /api/devices/{addr}/cards", s.handleAddCard)
	s.mux.HandleFunc("PUT /api/devices/{addr}/cards/{id}", s.handleUpdateCard)
	s.mux.HandleFunc("DELETE /api/devices/{addr}/cards/{id}", s.handleDeleteCard)
	s.mux.HandleFunc("GET /api/devices/{addr}/fingerprints", s.handleListFingerprints)
	s.mux.HandleFunc("POST /api/devices/{addr}/fingerprints", s.handleAddFingerprint)
	s.mux.HandleFunc("PUT /api/devices/{addr}/fingerprints/{id}", s.handleUpdateFingerprint)
	s.mux.HandleFunc("DELETE /api/devices/{addr}/fingerprints/{id}", s.handleDeleteFingerprint)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleCreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleRunAutomation)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		// The key may arrive as a header or, for clients that cannot set
		// headers, as a query parameter.
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

// writeOpError maps an orchestrator failure onto an HTTP status. The
// failure kinds carry presentable messages; anything outside the
// taxonomy is an internal fault and stays opaque.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fleet.ErrUnsupported):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, fleet.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, fleet.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, fleet.ErrTransport):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
