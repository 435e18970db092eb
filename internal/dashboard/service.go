package dashboard

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/smenaquispe/observatory/internal/config"
	"github.com/smenaquispe/observatory/internal/logger"
	"github.com/smenaquispe/observatory/internal/replay"
	"github.com/smenaquispe/observatory/internal/static"
	"github.com/smenaquispe/observatory/internal/storage"
)

const (
	indexPageName     = "index.html"
	configPlaceholder = "<!--OBSERVATORY_CONFIG-->"
	contentTypeJSON   = "application/json"
	contentTypeHTML   = "text/html; charset=utf-8"
	timestampLayout   = "2006-01-02T15:04:05.000Z07:00"
)

// Service exposes the observation record stream: incremental polling,
// record detail, replay invocation and a live websocket feed.
type Service struct {
	cfg      *config.DashboardConfig
	logger   logger.Logger
	store    storage.Store
	engine   *replay.Engine
	hub      *WebsocketHub
	staticFS fs.FS
}

// NewService builds a Service from configuration.
func NewService(cfg *config.DashboardConfig, log logger.Logger, store storage.Store, engine *replay.Engine) *Service {
	return &Service{
		cfg:      cfg,
		logger:   log,
		store:    store,
		engine:   engine,
		hub:      NewWebsocketHub(log),
		staticFS: static.Assets,
	}
}

// RegisterRoutes wires the dashboard routes under the reserved namespace.
func (s *Service) RegisterRoutes(router *mux.Router) {
	if s == nil || !s.cfg.Enable {
		return
	}

	base := config.NormalizePath(s.cfg.Path)

	router.HandleFunc(base, s.redirectTo(base+"/")).Methods(http.MethodGet)
	router.HandleFunc(base+"/", s.handleIndex).Methods(http.MethodGet)

	api := router.PathPrefix(base + "/api").Subrouter()
	api.HandleFunc("/requests", s.handleRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id:[0-9]+}", s.handleRequestDetail).Methods(http.MethodGet)
	api.HandleFunc("/reprocess/{id:[0-9]+}", s.handleReprocess).Methods(http.MethodPost)
	api.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
}

// Close releases websocket resources.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.hub.Close()
}

// ObservationCreated pushes a pending record to live clients.
func (s *Service) ObservationCreated(rec *storage.StoredRecord) {
	if s == nil || !s.cfg.Enable {
		return
	}
	s.hub.Broadcast("observation.created", summarize(rec))
}

// ObservationCompleted pushes the completed facet to live clients. Polling
// clients pick the same transition up by diffing on id.
func (s *Service) ObservationCompleted(rec *storage.StoredRecord) {
	if s == nil || !s.cfg.Enable {
		return
	}
	s.hub.Broadcast("observation.completed", summarize(rec))
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	content, err := fs.ReadFile(s.staticFS, indexPageName)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	base := config.NormalizePath(s.cfg.Path)
	settings := map[string]interface{}{
		"apiBase":      base + "/api",
		"wsEndpoint":   base + "/api/ws",
		"defaultLimit": s.cfg.DefaultLimit,
	}
	payload, _ := json.Marshal(settings)
	script := fmt.Sprintf(`<script>window.__OBSERVATORY__=%s;</script>`, payload)
	content = []byte(strings.Replace(string(content), configPlaceholder, script, 1))

	w.Header().Set("Content-Type", contentTypeHTML)
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Upgrade(w, r); err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
	}
}

func (s *Service) redirectTo(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusPermanentRedirect)
	}
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Service) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
