// Package api provides the REST API server for controller data.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"njlink/config"
	"njlink/gateway"
	"njlink/logging"
)

// Server is the REST API server.
type Server struct {
	manager *gateway.Manager
	config  *config.RESTConfig
	server  *http.Server
	hub     *sseHub
	running bool
	mu      sync.RWMutex
}

// NewServer creates a new REST API server.
func NewServer(manager *gateway.Manager, cfg *config.RESTConfig) *Server {
	return &Server{
		manager: manager,
		config:  cfg,
		hub:     newSSEHub(),
	}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Get("/", s.handleListPLCs)
	r.Get("/events", s.handleSSE)

	r.Route("/{plc}", func(r chi.Router) {
		r.Get("/", s.handlePLCDetails)
		r.Get("/variables", s.handleAllVariables)
		r.Get("/variables/*", s.handleSingleVariable)
		r.Post("/write", s.handleWrite)
		r.Get("/health", s.handleHealth)
	})

	return r
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logging.DebugError("api", "listen "+addr, err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	logging.DebugLog("api", "listening on %s", addr)
	return nil
}

// Stop halts the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	s.hub.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// lookupPLC resolves the {plc} URL parameter, writing a 404 when absent.
func (s *Server) lookupPLC(w http.ResponseWriter, r *http.Request) *gateway.ManagedPLC {
	name := chi.URLParam(r, "plc")
	plc := s.manager.GetPLC(name)
	if plc == nil {
		s.writeError(w, http.StatusNotFound, "controller not found")
		return nil
	}
	return plc
}

// PLCResponse is the JSON response for a controller.
type PLCResponse struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Status    string `json:"status"`
	Variables int    `json:"variables"`
	Error     string `json:"error,omitempty"`
}

// VariableResponse is the JSON response for a variable value.
type VariableResponse struct {
	PLC       string      `json:"plc"`
	Name      string      `json:"name"`
	Type      string      `json:"type,omitempty"`
	Value     interface{} `json:"value"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// HealthResponse is the JSON structure for controller health status.
type HealthResponse struct {
	PLC       string `json:"plc"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

func plcResponse(plc *gateway.ManagedPLC) PLCResponse {
	resp := PLCResponse{
		Name:      plc.Config.Name,
		Host:      plc.Config.Host,
		Status:    plc.GetStatus().String(),
		Variables: plc.GetRegistry().Len(),
	}
	if err := plc.GetError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) handleListPLCs(w http.ResponseWriter, r *http.Request) {
	plcs := s.manager.ListPLCs()
	response := make([]PLCResponse, 0, len(plcs))
	for _, plc := range plcs {
		response = append(response, plcResponse(plc))
	}
	s.writeJSON(w, response)
}

func (s *Server) handlePLCDetails(w http.ResponseWriter, r *http.Request) {
	plc := s.lookupPLC(w, r)
	if plc == nil {
		return
	}
	s.writeJSON(w, plcResponse(plc))
}

func (s *Server) handleAllVariables(w http.ResponseWriter, r *http.Request) {
	plc := s.lookupPLC(w, r)
	if plc == nil {
		return
	}

	reg := plc.GetRegistry()
	names := reg.UserNames()
	if r.URL.Query().Get("system") != "" {
		names = append(names, reg.SystemNames()...)
	}

	values := plc.GetValues()
	response := make([]VariableResponse, 0, len(names))
	for _, name := range names {
		resp := VariableResponse{
			PLC:  plc.Config.Name,
			Name: name,
		}
		if v, ok := values[name]; ok {
			resp.Type = v.Type
			resp.Value = v.GoValue()
			resp.Timestamp = v.Timestamp.Format(time.RFC3339)
			if v.Error != nil {
				resp.Error = v.Error.Error()
			}
		} else if found, tn := plc.GetVariableInfo(name); found {
			resp.Type = tn
		}
		response = append(response, resp)
	}

	s.writeJSON(w, response)
}

func (s *Server) handleSingleVariable(w http.ResponseWriter, r *http.Request) {
	plc := s.lookupPLC(w, r)
	if plc == nil {
		return
	}

	varName := chi.URLParam(r, "*")
	if varName == "" {
		s.writeError(w, http.StatusBadRequest, "missing variable name")
		return
	}

	// Cached value first
	values := plc.GetValues()
	if v, ok := values[varName]; ok {
		resp := VariableResponse{
			PLC:       plc.Config.Name,
			Name:      varName,
			Type:      v.Type,
			Value:     v.GoValue(),
			Timestamp: v.Timestamp.Format(time.RFC3339),
		}
		if v.Error != nil {
			resp.Error = v.Error.Error()
		}
		s.writeJSON(w, resp)
		return
	}

	if found, _ := plc.GetVariableInfo(varName); !found {
		s.writeError(w, http.StatusNotFound, "variable not found")
		return
	}

	// Not polled yet, read through to the controller
	v, err := s.manager.ReadVariable(plc.Config.Name, varName)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, VariableResponse{
		PLC:       plc.Config.Name,
		Name:      varName,
		Type:      v.Type,
		Value:     v.GoValue(),
		Timestamp: v.Timestamp.Format(time.RFC3339),
	})
}

// WriteRequest is the JSON request for writing a variable value. It matches
// the broker write request format.
type WriteRequest struct {
	PLC      string      `json:"plc,omitempty"`
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
}

// WriteResponse is the JSON response after writing a variable value.
type WriteResponse struct {
	PLC       string      `json:"plc"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	plc := s.lookupPLC(w, r)
	if plc == nil {
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.PLC == "" {
		req.PLC = plc.Config.Name
	}

	writeResp := func(status int, errMsg string) {
		resp := WriteResponse{
			PLC:       req.PLC,
			Variable:  req.Variable,
			Value:     req.Value,
			Success:   errMsg == "",
			Error:     errMsg,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
		}
		s.writeJSON(w, resp)
	}

	if req.PLC != plc.Config.Name {
		writeResp(http.StatusBadRequest, fmt.Sprintf("controller name mismatch: URL has %q, request has %q", plc.Config.Name, req.PLC))
		return
	}
	if req.Variable == "" {
		writeResp(http.StatusBadRequest, "missing variable name")
		return
	}

	if plc.GetStatus() != gateway.StatusConnected {
		writeResp(http.StatusServiceUnavailable, "controller not connected")
		return
	}

	if found, _ := plc.GetVariableInfo(req.Variable); !found {
		writeResp(http.StatusNotFound, "variable not found")
		return
	}

	// Run the write with a timeout so a wedged controller cannot pin the
	// HTTP handler.
	resultChan := make(chan error, 1)
	go func() {
		resultChan <- s.manager.WriteVariable(plc.Config.Name, req.Variable, req.Value)
	}()

	var writeErr error
	select {
	case writeErr = <-resultChan:
	case <-time.After(3 * time.Second):
		writeErr = fmt.Errorf("write timeout: controller did not respond within 3 seconds")
	}

	if writeErr != nil {
		writeResp(http.StatusInternalServerError, writeErr.Error())
		return
	}
	writeResp(http.StatusOK, "")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	plc := s.lookupPLC(w, r)
	if plc == nil {
		return
	}

	health := plc.GetHealthStatus()
	s.writeJSON(w, HealthResponse{
		PLC:       plc.Config.Name,
		Online:    health.Online,
		Status:    health.Status,
		Error:     health.Error,
		Timestamp: health.Timestamp.Format(time.RFC3339),
	})
}
