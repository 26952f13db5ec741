// Package monitor serves the operator diagnostic endpoints on the HTTP lure
// port. The sensor routes the system paths here without inspecting them, so
// nothing served from this package ever produces an observation. Handlers
// marked debug-only answer 404 unless debug mode is enabled, a production
// deployment reveals nothing beyond the lure.
package monitor

import (
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/hivetrap/hivetrap/backend"
	"github.com/hivetrap/hivetrap/config"
	"github.com/hivetrap/hivetrap/logger"
	"github.com/hivetrap/hivetrap/throttle"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ModuleState is one row of the per-listener status table. The supervisor
// fills these from its registry.
type ModuleState struct {
	Name   string `json:"name"`
	Port   int    `json:"port"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Server answers the diagnostic endpoints.
type Server struct {
	cfg     *config.Config
	client  *backend.Client
	cache   *throttle.Cache
	hub     *Hub
	modules func() []ModuleState
	started time.Time
}

// NewServer wires the diagnostic surface. modules may be nil when no
// listener registry exists, eg. in tests.
func NewServer(cfg *config.Config, client *backend.Client, cache *throttle.Cache, hub *Hub, modules func() []ModuleState) *Server {
	return &Server{
		cfg:     cfg,
		client:  client,
		cache:   cache,
		hub:     hub,
		modules: modules,
		started: time.Now(),
	}
}

// Hub returns the live feed hub so the supervisor pipeline can publish to it.
func (s *Server) Hub() *Hub { return s.hub }

// Handler mounts the diagnostic routes. The sensor passes every request on a
// system path here, unmatched ones fall through to the mux's own 404.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/monitor", s.handleStatus)
	mux.HandleFunc("/monitor/live", s.debugOnly(s.handleLive))
	mux.HandleFunc("/api-diagnostics", s.debugOnly(s.handleDiagnostics))
	mux.HandleFunc("/test-heartbeat", s.handleTestHeartbeat)
	mux.HandleFunc("/offline-attacks", s.debugOnly(s.handleOfflineAttacks))
	mux.HandleFunc("/upload-offline-attacks", s.debugOnly(s.handleUpload))
	return mux
}

// debugOnly hides a handler behind logger.DebugMode.
func (s *Server) debugOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !logger.DebugMode {
			http.NotFound(w, r)
			return
		}
		next(w, r)
	}
}

type statusAPI struct {
	Endpoint      string `json:"endpoint"`
	LastHeartbeat string `json:"lastHeartbeat,omitempty"`
	OfflineMode   bool   `json:"offlineMode"`
}

type statusHoneypot struct {
	ID      string        `json:"id"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
	API     statusAPI     `json:"api"`
	Modules []ModuleState `json:"modules"`
}

type statusResponse struct {
	Honeypot statusHoneypot `json:"honeypot"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	response := statusResponse{Honeypot: statusHoneypot{
		ID:      s.client.HoneypotID(),
		Version: config.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		API: statusAPI{
			Endpoint:    s.client.BaseURL,
			OfflineMode: s.client.Offline(),
		},
		Modules: s.moduleStates(),
	}}
	if last := s.client.Diagnostics().LastHeartbeatSuccess(); !last.IsZero() {
		response.Honeypot.API.LastHeartbeat = last.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) moduleStates() []ModuleState {
	if s.modules == nil {
		return []ModuleState{}
	}
	return s.modules()
}

type configSummary struct {
	HoneypotID        string   `json:"honeypot_id"`
	APIEndpoint       string   `json:"api_endpoint"`
	OfflineMode       bool     `json:"offline_mode"`
	HeartbeatInterval string   `json:"heartbeat_interval"`
	MaxReportsPerIP   int      `json:"max_reports_per_ip"`
	IPCacheTTL        string   `json:"ip_cache_ttl"`
	ScanDuration      string   `json:"scan_duration"`
	DebugMode         bool     `json:"debug_mode"`
	EnabledModules    []string `json:"enabled_modules"`
}

type spoolSummary struct {
	Path    string `json:"path"`
	Total   int    `json:"total"`
	Pending int    `json:"pending"`
}

type diagnosticsResponse struct {
	Config    configSummary               `json:"config"`
	Heartbeat backend.DiagnosticsSnapshot `json:"heartbeat"`
	Cache     throttle.Stats              `json:"cache"`
	Spool     spoolSummary                `json:"spool"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	spool := spoolSummary{Path: s.client.Spool().Path()}
	total, pending, err := s.client.Spool().Stats()
	if err != nil {
		logger.GetLogger().Warn().Err(err).Msg("unable to read spool stats for diagnostics")
	} else {
		spool.Total = total
		spool.Pending = pending
	}

	writeJSON(w, http.StatusOK, diagnosticsResponse{
		Config: configSummary{
			HoneypotID:        s.cfg.Env.HoneypotID,
			APIEndpoint:       s.cfg.Env.APIEndpoint,
			OfflineMode:       s.cfg.Env.OfflineMode,
			HeartbeatInterval: s.cfg.Env.HeartbeatInterval.String(),
			MaxReportsPerIP:   s.cfg.Env.MaxReportsPerIP,
			IPCacheTTL:        s.cfg.Env.IPCacheTTL.String(),
			ScanDuration:      s.cfg.Env.ScanDuration.String(),
			DebugMode:         logger.DebugMode,
			EnabledModules:    enabledModules(s.cfg.Env.Modules),
		},
		Heartbeat: s.client.Diagnostics().Snapshot(),
		Cache:     s.cache.Stats(),
		Spool:     spool,
	})
}

// enabledModules renders the configured listener set as name:port strings.
// The API key never appears anywhere in the diagnostics output.
func enabledModules(m config.Modules) []string {
	names := []string{}
	for _, mod := range []struct {
		name   string
		module config.Module
	}{
		{"http", m.HTTP},
		{"https", m.HTTPS},
		{"ssh", m.SSH},
		{"ftp", m.FTP},
		{"smtp", m.SMTP},
		{"smtp-submission", m.SMTPSubmission},
		{"pop3", m.POP3},
		{"imap", m.IMAP},
		{"mysql", m.MySQL},
	} {
		if mod.module.Enabled {
			names = append(names, fmt.Sprintf("%s:%d", mod.name, mod.module.Port))
		}
	}
	return names
}

func (s *Server) handleTestHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	err := s.client.Heartbeat(r.Context())
	diag := s.client.Diagnostics()

	response := map[string]interface{}{
		"ok":                   err == nil,
		"offline":              s.client.Offline(),
		"consecutive_failures": diag.HeartbeatFailures(),
	}
	if err != nil {
		response["error"] = err.Error()
	}
	if last := diag.LastHeartbeatSuccess(); !last.IsZero() {
		response["last_success"] = last.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleOfflineAttacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	entries, err := s.client.Spool().All()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"attacks": entries,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.client.Offline() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "offline mode is enabled, spooled attacks cannot be uploaded",
		})
		return
	}

	uploaded, remaining, err := s.client.Replay(r.Context())
	response := map[string]interface{}{
		"uploaded":  uploaded,
		"remaining": remaining,
	}
	if err != nil {
		response["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.NotFound(w, r)
		return
	}
	s.hub.ServeWS(w, r)
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, fmt.Sprintf("%s required", allow), http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "response encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
