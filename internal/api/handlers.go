package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/session"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/storage"
)

// ========== Auth handlers ==========

// HandleLogin exchanges the operator credentials for an access token
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required,max=64"`
		Password string `json:"password" validate:"required,max=72"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.config.API.AdminPasswordHash == "" ||
		req.Username != s.config.API.AdminUser ||
		!s.auth.VerifyPassword(req.Password, s.config.API.AdminPasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.auth.GenerateToken(req.Username)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate token")
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_in":   int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":   "Bearer",
	})
}

// ========== Bridge state handlers ==========

type tenantView struct {
	ApplicationID     string `json:"applicationId"`
	MQTTApplicationID string `json:"mqttApplicationId"`
	Connected         *bool  `json:"connected,omitempty"`
	Reconnects        *int64 `json:"reconnects,omitempty"`
}

type deviceView struct {
	DeviceID      string `json:"deviceId"`
	ApplicationID string `json:"applicationId"`
}

func newTenantView(t session.Tenant) tenantView {
	v := tenantView{ApplicationID: t.ApplicationID, MQTTApplicationID: t.MQTTApplicationID}
	if c, ok := t.Bus.(interface{ IsConnected() bool }); ok {
		connected := c.IsConnected()
		v.Connected = &connected
	}
	if c, ok := t.Bus.(interface{ Reconnects() int64 }); ok {
		reconnects := c.Reconnects()
		v.Reconnects = &reconnects
	}
	return v
}

// HandleStatus reports sessions, pending correlations and worker statistics
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"tenants":  s.deps.Sessions.TenantCount(),
		"devices":  s.deps.Sessions.DeviceCount(),
		"sessions": s.tenantViews(),
	}
	if s.deps.Correlations != nil {
		status["pendingDownlinks"] = s.deps.Correlations.Len()
	}
	if s.deps.Pool != nil {
		status["workers"] = s.deps.Pool.Stats()
	}
	if s.deps.Fleet != nil {
		status["fleet"] = s.deps.Fleet.LastResults()
	}

	s.respondJSON(w, http.StatusOK, status)
}

func (s *RESTServer) tenantViews() []tenantView {
	tenants := s.deps.Sessions.Tenants()
	out := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, newTenantView(t))
	}
	return out
}

// HandleListTenants lists application bus sessions
func (s *RESTServer) HandleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants := s.tenantViews()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenants": tenants,
		"total":   len(tenants),
	})
}

// HandleListDevices lists online devices, optionally filtered by application
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	appID := r.URL.Query().Get("application_id")

	devices := make([]deviceView, 0)
	for _, d := range s.deps.Sessions.Devices() {
		if appID != "" && d.ApplicationID != appID {
			continue
		}
		devices = append(devices, deviceView{DeviceID: d.DeviceID, ApplicationID: d.ApplicationID})
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   len(devices),
	})
}

// HandleGetDevice gets an online device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deps.Sessions.LookupDevice(chi.URLParam(r, "device_id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}

	s.respondJSON(w, http.StatusOK, deviceView{DeviceID: d.DeviceID, ApplicationID: d.ApplicationID})
}

// HandleListEvents lists events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event log disabled")
		return
	}

	q := r.URL.Query()
	query := struct {
		Limit int    `json:"limit" validate:"max=1000"`
		Level string `json:"level" validate:"oneof=DEBUG INFO WARNING ERROR"`
	}{Level: q.Get("level")}
	query.Limit, _ = strconv.Atoi(q.Get("limit"))
	if query.Limit <= 0 {
		query.Limit = 20
	}
	if err := s.validator.Validate(query); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	filters := storage.EventLogFilters{}
	if appID := q.Get("application_id"); appID != "" {
		filters.ApplicationID = &appID
	}
	if deviceID := q.Get("device_id"); deviceID != "" {
		filters.DeviceID = &deviceID
	}
	if eventType := q.Get("type"); eventType != "" {
		t := models.EventType(strings.ToUpper(eventType))
		filters.Type = &t
	}
	if query.Level != "" {
		l := models.EventLevel(strings.ToUpper(query.Level))
		filters.Level = &l
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since")
			return
		}
		filters.StartTime = &ts
	}

	events, total, err := s.deps.Store.ListEventLogs(r.Context(), filters, query.Limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// HandleMetrics serves the Prometheus collectors
func (s *RESTServer) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	g := s.deps.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	promhttp.HandlerFor(g, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
