// Package api implements the bridge's HTTP status and ingest API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/omada-bridge/internal/buildinfo"
	"github.com/nugget/omada-bridge/internal/connwatch"
	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/omada"
	"github.com/nugget/omada-bridge/internal/sensor"
)

// maxSnapshotBytes bounds a POSTed snapshot. A large site with a few
// thousand clients stays well under this.
const maxSnapshotBytes = 8 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// OptionStore persists option overrides made through the API.
type OptionStore interface {
	SaveOptions(site string, opts omada.Options) error
	ClearOptions(site string) error
}

// Config wires a [Server] to the rest of the bridge. Controller and
// Platform are required; the rest may be nil.
type Config struct {
	Address string
	Port    int

	Controller *omada.Controller
	Platform   *sensor.Platform
	Health     *connwatch.Manager
	Bus        *events.Bus

	// Options persists overrides; Defaults is what DELETE /v1/options
	// reverts to.
	Options  OptionStore
	Defaults omada.Options

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	ctrl     *omada.Controller
	platform *sensor.Platform
	health   *connwatch.Manager
	bus      *events.Bus
	options  OptionStore
	defaults omada.Options
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  cfg.Address,
		port:     cfg.Port,
		ctrl:     cfg.Controller,
		platform: cfg.Platform,
		health:   cfg.Health,
		bus:      cfg.Bus,
		options:  cfg.Options,
		defaults: cfg.Defaults,
		logger:   logger,
	}
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Controller state
	mux.HandleFunc("GET /v1/devices", s.handleDevices)
	mux.HandleFunc("GET /v1/clients", s.handleClients)
	mux.HandleFunc("POST /v1/snapshot", s.handleSnapshot)

	// Sensor entities
	mux.HandleFunc("GET /v1/entities", s.handleEntities)
	mux.HandleFunc("GET /v1/entities/{id}", s.handleEntity)

	// Options
	mux.HandleFunc("GET /v1/options", s.handleOptionsGet)
	mux.HandleFunc("PUT /v1/options", s.handleOptionsPut)
	mux.HandleFunc("DELETE /v1/options", s.handleOptionsDelete)

	// Live event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /v1/events holds its connection open and
		// sets its own per-message write deadlines.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{
		"name":    "omada-bridge",
		"version": buildinfo.Version,
		"site":    s.ctrl.Site(),
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, buildinfo.Info())
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status     string                             `json:"status"`
	Controller controllerHealth                   `json:"controller"`
	Services   map[string]connwatch.ServiceStatus `json:"services,omitempty"`
	Down       []string                           `json:"down,omitempty"`
	Entities   int                                `json:"entities"`
}

type controllerHealth struct {
	Site         string    `json:"site"`
	Available    bool      `json:"available"`
	LastSnapshot time.Time `json:"last_snapshot,omitzero"`
	Devices      int       `json:"devices"`
	Clients      int       `json:"clients"`
}

// handleHealth reports 200 when every watched service is ready and
// 503 otherwise, so it can back a container health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "healthy",
		Controller: controllerHealth{
			Site:         s.ctrl.Site(),
			Available:    s.ctrl.Available(),
			LastSnapshot: s.ctrl.LastSnapshot(),
			Devices:      len(s.ctrl.DeviceMACs()),
			Clients:      len(s.ctrl.ClientMACs()),
		},
		Entities: len(s.platform.Entities()),
	}

	code := http.StatusOK
	if s.health != nil {
		resp.Services = s.health.Status()
		if ok, down := s.health.Healthy(); !ok {
			resp.Status = "degraded"
			resp.Down = down
			code = http.StatusServiceUnavailable
		}
	}
	s.respond(w, code, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{
		"site":    s.ctrl.Site(),
		"devices": nonNil(s.ctrl.Devices()),
	})
}

// clientView is a known client annotated with whether it appeared in
// the latest snapshot.
type clientView struct {
	omada.Client
	Online bool `json:"online"`
}

// handleClients lists connected clients. With ?known=true it lists
// every client ever seen, flagging which are online.
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if !queryBool(r, "known") {
		s.respond(w, http.StatusOK, map[string]any{
			"site":    s.ctrl.Site(),
			"clients": nonNil(s.ctrl.Clients()),
		})
		return
	}

	macs := s.ctrl.KnownClientMACs()
	views := make([]clientView, 0, len(macs))
	for _, mac := range macs {
		c, ok := s.ctrl.KnownClient(mac)
		if !ok {
			continue
		}
		_, online := s.ctrl.Client(mac)
		views = append(views, clientView{Client: c, Online: online})
	}
	s.respond(w, http.StatusOK, map[string]any{
		"site":    s.ctrl.Site(),
		"clients": views,
	})
}

// handleSnapshot accepts a snapshot from an external poller. It is the
// HTTP twin of the MQTT snapshot topic.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "snapshot too large")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	snap, err := omada.DecodeSnapshot(body)
	if err != nil {
		s.logger.Warn("http snapshot rejected", "error", err)
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ctrl.Ingest(snap); err != nil {
		if errors.Is(err, omada.ErrSiteMismatch) {
			s.logger.Warn("http snapshot ignored", "error", err)
			s.errorResponse(w, http.StatusConflict, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Debug("http snapshot ingested",
		"devices", len(snap.Devices),
		"clients", len(snap.Clients),
	)
	s.respond(w, http.StatusAccepted, map[string]any{
		"devices": len(snap.Devices),
		"clients": len(snap.Clients),
	})
}

// entityView is the API representation of a sensor entity.
type entityView struct {
	UniqueID   string      `json:"unique_id"`
	Kind       sensor.Kind `json:"kind"`
	Key        string      `json:"key"`
	MAC        string      `json:"mac"`
	Name       string      `json:"name"`
	Device     string      `json:"device"`
	State      string      `json:"state"`
	Unit       string      `json:"unit,omitempty"`
	Available  bool        `json:"available"`
	DeviceInfo any         `json:"device_info,omitempty"`
}

func newEntityView(e *sensor.Entity, detail bool) entityView {
	d := e.Description()
	info := e.DeviceInfo()
	v := entityView{
		UniqueID:  e.UniqueID(),
		Kind:      d.Kind,
		Key:       d.Key,
		MAC:       e.MAC(),
		Name:      e.Name(),
		Device:    info.Name,
		State:     e.State(),
		Unit:      d.Unit,
		Available: e.Available(),
	}
	if detail {
		v.DeviceInfo = info
	}
	return v
}

// handleEntities lists sensor entities, optionally filtered by
// ?kind=client|device and ?mac=.
func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	kind := sensor.Kind(strings.ToLower(r.URL.Query().Get("kind")))
	mac := r.URL.Query().Get("mac")
	if mac != "" {
		mac = omada.NormalizeMAC(mac)
	}

	entities := s.platform.Entities()
	views := make([]entityView, 0, len(entities))
	for _, e := range entities {
		if kind != "" && e.Description().Kind != kind {
			continue
		}
		if mac != "" && e.MAC() != mac {
			continue
		}
		views = append(views, newEntityView(e, false))
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":    len(views),
		"entities": views,
	})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	e, ok := s.platform.Entity(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "entity not found")
		return
	}
	s.respond(w, http.StatusOK, newEntityView(e, true))
}

func (s *Server) handleOptionsGet(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.ctrl.Options())
}

// handleOptionsPut replaces the sensor options. The platform reacts to
// the resulting options signal by adding and removing entities.
func (s *Server) handleOptionsPut(w http.ResponseWriter, r *http.Request) {
	var opts omada.Options
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid options: "+err.Error())
		return
	}
	mode := strings.ToLower(opts.ClientFilterMode)
	if mode != "" && mode != omada.FilterInclude && mode != omada.FilterExclude {
		s.errorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("client_filter_mode must be %q or %q", omada.FilterInclude, omada.FilterExclude))
		return
	}
	opts.ClientFilterMode = mode

	if s.options != nil {
		if err := s.options.SaveOptions(s.ctrl.Site(), opts); err != nil {
			s.logger.Error("failed to persist options", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to persist options")
			return
		}
	}
	s.ctrl.SetOptions(opts)
	s.logger.Info("options updated via API", "site", s.ctrl.Site())
	s.respond(w, http.StatusOK, s.ctrl.Options())
}

// handleOptionsDelete drops any override and reverts to the configured
// options.
func (s *Server) handleOptionsDelete(w http.ResponseWriter, r *http.Request) {
	if s.options != nil {
		if err := s.options.ClearOptions(s.ctrl.Site()); err != nil {
			s.logger.Error("failed to clear options", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to clear options")
			return
		}
	}
	s.ctrl.SetOptions(s.defaults)
	s.logger.Info("options reset to configured defaults", "site", s.ctrl.Site())
	s.respond(w, http.StatusOK, s.ctrl.Options())
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
