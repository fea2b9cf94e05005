package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fentz26/flotilla/internal/filter"
	"github.com/fentz26/flotilla/internal/models"
	"github.com/fentz26/flotilla/internal/versions"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Pinger checks a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConfigOpener serves configuration bundle files to agents.
type ConfigOpener interface {
	Open(environment string, spec models.ConfigSpec, relPath string) ([]byte, error)
}

// Server provides the HTTP API for the coordinator.
type Server struct {
	coordinator *Coordinator
	db          Pinger
	configs     ConfigOpener
	addr        string
	logger      *zap.Logger
	server      *http.Server
}

// NewServer creates a new HTTP server. db may be nil.
func NewServer(coordinator *Coordinator, db Pinger, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		coordinator: coordinator,
		db:          db,
		addr:        addr,
		logger:      logger,
	}
}

// ServeConfig enables /v1/config/ backed by configs.
func (s *Server) ServeConfig(configs ConfigOpener) {
	s.configs = configs
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Slot endpoints
	mux.HandleFunc("/v1/slot", s.handleSlots)
	mux.HandleFunc("/v1/slot/lifecycle", s.handleLifecycle)
	mux.HandleFunc("/v1/slot/assignment", s.handleAssignment)
	mux.HandleFunc("/v1/slot/expected-state", s.handleExpectedState)

	// Agent endpoints
	mux.HandleFunc("/v1/agent", s.handleAgents)
	mux.HandleFunc("/v1/agent/", s.handleAgentByID)
	mux.HandleFunc("/v1/announce", s.handleAnnounce)

	mux.HandleFunc("/v1/serviceInventory", s.handleServiceInventory)
	mux.HandleFunc("/v1/config/", s.handleConfig)

	// Health check
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.coordinator.Registry(), promhttp.HandlerOpts{}))

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("starting coordinator", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			health.OK = false
			health.DB = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, health)
}

// SlotRepresentation is a slot as returned by the API.
type SlotRepresentation struct {
	models.SlotStatus
	ShortID string `json:"short_id"`
}

// writeSlots responds with slots and their fleet version.
func (s *Server) writeSlots(w http.ResponseWriter, status int, slots []models.SlotStatus) {
	size := s.coordinator.UniquePrefixSize()
	reps := make([]SlotRepresentation, 0, len(slots))
	var live []models.SlotStatus
	for _, slot := range slots {
		reps = append(reps, SlotRepresentation{SlotStatus: slot, ShortID: filter.Shorten(slot.ID, size)})
		if slot.State != models.SlotStateTerminated {
			live = append(live, slot)
		}
	}
	w.Header().Set(versions.SlotsVersionHeader, versions.SlotsVersion(live))
	writeJSON(w, status, reps)
}

// handleSlots handles GET, POST and DELETE /v1/slot
func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.showSlots(w, r)
	case http.MethodPost:
		s.installSlots(w, r)
	case http.MethodDelete:
		s.terminateSlots(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) showSlots(w http.ResponseWriter, r *http.Request) {
	f, err := filter.SlotFilterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, filterError(err))
		return
	}
	slots, err := s.coordinator.Show(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSlots(w, http.StatusOK, slots)
}

// InstallRequest is the body of POST /v1/slot.
type InstallRequest struct {
	Count      int               `json:"count"`
	Assignment models.Assignment `json:"assignment"`
}

func (s *Server) installSlots(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	f := filter.AgentFilterFromQuery(r.URL.Query())
	slots, err := s.coordinator.Install(r.Context(), f, req.Count, req.Assignment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSlots(w, http.StatusOK, slots)
}

func (s *Server) terminateSlots(w http.ResponseWriter, r *http.Request) {
	f, err := filter.SlotFilterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, filterError(err))
		return
	}
	slots, err := s.coordinator.Terminate(r.Context(), f, r.Header.Get(versions.SlotsVersionHeader))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSlots(w, http.StatusOK, slots)
}

// handleLifecycle handles PUT /v1/slot/lifecycle. The body is the target
// state as a JSON string, e.g. "running".
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var target string
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	f, err := filter.SlotFilterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, filterError(err))
		return
	}

	slots, err := s.coordinator.SetState(r.Context(), f, target, r.Header.Get(versions.SlotsVersionHeader))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSlots(w, http.StatusOK, slots)
}

// handleAssignment handles PUT /v1/slot/assignment with an UpgradeVersions body.
func (s *Server) handleAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req models.UpgradeVersions
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	f, err := filter.SlotFilterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, filterError(err))
		return
	}

	slots, err := s.coordinator.Upgrade(r.Context(), f, req, r.Header.Get(versions.SlotsVersionHeader))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSlots(w, http.StatusOK, slots)
}

// handleExpectedState handles DELETE /v1/slot/expected-state, which resets
// the expected state to the observed state.
func (s *Server) handleExpectedState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := filter.SlotFilterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, filterError(err))
		return
	}

	slots, err := s.coordinator.ResetExpectedState(r.Context(), f, r.Header.Get(versions.SlotsVersionHeader))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSlots(w, http.StatusOK, slots)
}

// --- Agent Handlers ---

// ProvisionRequest is the body of POST /v1/agent.
type ProvisionRequest struct {
	Count            int    `json:"count"`
	InstanceType     string `json:"instance_type"`
	AvailabilityZone string `json:"availability_zone"`
}

// handleAgents handles GET and POST /v1/agent
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := s.coordinator.ShowAgents(r.Context(), filter.AgentFilterFromQuery(r.URL.Query()))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case http.MethodPost:
		var req ProvisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Count == 0 {
			req.Count = 1
		}
		agents, err := s.coordinator.ProvisionAgents(r.Context(), req.Count, req.InstanceType, req.AvailabilityZone)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, agents)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAgentByID handles GET and DELETE /v1/agent/{id}
func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	agentID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/agent/"), "/")
	if agentID == "" || strings.Contains(agentID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		agent, err := s.coordinator.GetAgent(r.Context(), agentID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case http.MethodDelete:
		agent, err := s.coordinator.TerminateAgent(r.Context(), agentID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAnnounce handles PUT /v1/announce, a full status push from an agent.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var status models.AgentStatus
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if status.ID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}
	if err := s.coordinator.SetAgentStatus(r.Context(), status); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleServiceInventory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.coordinator.ServiceInventory(r.Context()))
}

// handleConfig handles GET /v1/config/{env}/{component}/{pool}/{version}/{path...}
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.configs == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/v1/config/"), "/", 5)
	if len(parts) < 5 || parts[4] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	spec := models.ConfigSpec{Component: parts[1], Pool: parts[2], Version: parts[3]}
	data, err := s.configs.Open(parts[0], spec, parts[4])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// writeError maps coordinator failures onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var conflict *VersionConflictError
	switch {
	case errors.As(err, &conflict):
		w.Header().Set(conflict.Name, conflict.Version)
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidFilter),
		errors.Is(err, filter.ErrAmbiguousSelector),
		errors.Is(err, ErrUnknownLifecycleCommand),
		errors.Is(err, ErrInvalidAssignment),
		errors.Is(err, ErrConfigNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAgentHasSlots):
		status = http.StatusConflict
	case errors.Is(err, ErrNoProvisioner):
		status = http.StatusNotImplemented
	case errors.Is(err, ErrDurableStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
