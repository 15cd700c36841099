package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"homehelpers/internal/ha"

	"go.uber.org/zap"
)

// UserHeader attributes a REST service call to a user. The id ends up in
// the context of every state the call changes.
const UserHeader = "X-HH-User"

// maxBodyBytes bounds service call bodies
const maxBodyBytes = 1 << 20

// Server provides the HTTP and WebSocket API over a Hass instance
type Server struct {
	hass   *ha.Hass
	logger *zap.Logger
	token  string
	mux    *http.ServeMux
	server *http.Server
	ws     *wsHub
}

// NewServer creates a new API server. An empty token disables
// authentication.
func NewServer(hass *ha.Hass, logger *zap.Logger, port int, token string) *Server {
	s := &Server{
		hass:   hass,
		logger: logger,
		token:  token,
		mux:    http.NewServeMux(),
	}
	s.ws = newWSHub(hass, logger.Named("websocket"), token)

	s.mux.HandleFunc("GET /{$}", s.handleSitemap)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/states", s.requireToken(s.handleGetStates))
	s.mux.HandleFunc("GET /api/states/{entity_id}", s.requireToken(s.handleGetState))
	s.mux.HandleFunc("GET /api/services", s.requireToken(s.handleGetServices))
	s.mux.HandleFunc("POST /api/services/{domain}/{service}", s.requireToken(s.handleCallService))
	s.mux.HandleFunc("GET /api/websocket", s.ws.handleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the request router
func (s *Server) Handler() http.Handler {
	return s.mux
}

// requireToken rejects requests without the configured bearer token
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.token {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Message: "401: Unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

type errorResponse struct {
	Message string `json:"message"`
}

// handleGetStates returns every entity state
func (s *Server) handleGetStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hass.States.All())

	s.logger.Debug("States request served",
		zap.String("remote_addr", r.RemoteAddr))
}

// handleGetState returns one entity state
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity_id")

	state := s.hass.States.Get(entityID)
	if state == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Message: "Entity not found."})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ServiceDomain lists the services of one domain
type ServiceDomain struct {
	Domain   string   `json:"domain"`
	Services []string `json:"services"`
}

// handleGetServices lists registered services by domain
func (s *Server) handleGetServices(w http.ResponseWriter, r *http.Request) {
	services := s.hass.Services.Services()

	domains := make([]string, 0, len(services))
	for domain := range services {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	out := make([]ServiceDomain, 0, len(domains))
	for _, domain := range domains {
		out = append(out, ServiceDomain{Domain: domain, Services: services[domain]})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCallService runs a service and waits for it. The response lists the
// states changed by the call.
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	service := r.PathValue("service")

	data := map[string]interface{}{}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "Failed to read body."})
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Message: "Data should be valid JSON."})
			return
		}
	}

	hctx := ha.NewContext(r.Header.Get(UserHeader))
	if err := s.hass.CallService(r.Context(), domain, service, data, true, hctx); err != nil {
		status := statusForError(err)
		s.logger.Warn("Service call failed",
			zap.String("domain", domain),
			zap.String("service", service),
			zap.Int("status", status),
			zap.Error(err))
		writeJSON(w, status, errorResponse{Message: err.Error()})
		return
	}

	changed := make([]*ha.State, 0)
	for _, state := range s.hass.States.All() {
		if state.Context != nil && state.Context.ID == hctx.ID {
			changed = append(changed, state)
		}
	}
	writeJSON(w, http.StatusOK, changed)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ha.ErrServiceNotFound),
		errors.Is(err, ha.ErrInvalidServiceData):
		return http.StatusBadRequest
	case errors.Is(err, ha.ErrStopping):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"core_state": string(s.hass.State()),
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint"},
	{Path: "/api/states", Method: "GET", Description: "Get all entity states"},
	{Path: "/api/states/{entity_id}", Method: "GET", Description: "Get one entity state"},
	{Path: "/api/services", Method: "GET", Description: "List services by domain"},
	{Path: "/api/services/{domain}/{service}", Method: "POST", Description: "Call a service; returns the changed states"},
	{Path: "/api/websocket", Method: "GET", Description: "WebSocket API"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Home Helpers API\n")
	fmt.Fprintf(w, "================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-34s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  Toggle a helper:\n")
	fmt.Fprintf(w, "    curl -X POST -d '{\"entity_id\": \"input_boolean.test_1\"}' http://localhost:8123/api/services/input_boolean/toggle\n\n")

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	// Bind before returning so a busy port is reported to the caller
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop closes WebSocket connections and gracefully shuts down the HTTP
// server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")
	s.ws.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
