package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/config"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/correlation"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/metrics"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/session"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/storage"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/worker"
	"github.com/lorawan-server/lorawan-cloud-bridge/pkg/crypto"
)

type staticPool struct{}

func (staticPool) Stats() worker.Stats { return worker.Stats{Workers: 4, QueueSize: 10} }

type busStub struct{}

func (busStub) Publish(context.Context, string, []byte) error { return nil }
func (busStub) Close() error                                  { return nil }
func (busStub) IsConnected() bool                             { return true }

func newTestServer(t *testing.T) (*RESTServer, *storage.MemoryStore) {
	t.Helper()

	hash, err := crypto.HashPassword("s3cret")
	require.NoError(t, err)

	cfg := &config.Config{
		API: config.APIConfig{AdminUser: "admin", AdminPasswordHash: hash},
		JWT: config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Hour},
	}

	sessions := session.NewManager()
	require.NoError(t, sessions.AddTenant(&session.Tenant{ApplicationID: "app-1", MQTTApplicationID: "app-1@ttn", Bus: busStub{}}))
	require.NoError(t, sessions.AddDevice(&session.Device{DeviceID: "dev-1", ApplicationID: "app-1"}))
	require.NoError(t, sessions.AddDevice(&session.Device{DeviceID: "dev-2", ApplicationID: "app-2"}))

	correlations := correlation.NewRegistry()
	_, err = correlations.Register(correlation.Entry{Token: "tok", DeviceID: "dev-1"})
	require.NoError(t, err)

	store := storage.NewMemoryStore(10)
	require.NoError(t, store.CreateEventLog(context.Background(), &models.EventLog{
		ApplicationID: "app-1", DeviceID: "dev-1", Type: models.EventTypeUplink, Level: models.EventLevelInfo,
	}))
	require.NoError(t, store.CreateEventLog(context.Background(), &models.EventLog{
		ApplicationID: "app-1", DeviceID: "dev-1", Type: models.EventTypeDownlinkAck, Level: models.EventLevelInfo,
	}))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Uplinks.WithLabelValues("app-1", "forwarded").Inc()

	return NewRESTServer(cfg, Dependencies{
		Sessions:     sessions,
		Correlations: correlations,
		Store:        store,
		Pool:         staticPool{},
		Gatherer:     reg,
	}), store
}

func login(t *testing.T, s *RESTServer) string {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"username":"admin","password":"s3cret"}`))
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	token, ok := body["access_token"].(string)
	require.True(t, ok)
	return token
}

func get(t *testing.T, s *RESTServer, path, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	s.Handler().ServeHTTP(rec, req)

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := get(t, s, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"username":"admin","password":"wrong"}`))
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`not json`))
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s, _ := newTestServer(t)

	rec, _ := get(t, s, "/api/v1/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = get(t, s, "/api/v1/devices", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec, body := get(t, s, "/api/v1/status", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["tenants"])
	assert.Equal(t, float64(2), body["devices"])
	assert.Equal(t, float64(1), body["pendingDownlinks"])

	workers, ok := body["workers"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(4), workers["workers"])

	sessions, ok := body["sessions"].([]interface{})
	require.True(t, ok)
	require.Len(t, sessions, 1)
	assert.Equal(t, true, sessions[0].(map[string]interface{})["connected"])
}

func TestDevices(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec, body := get(t, s, "/api/v1/devices?application_id=app-1", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])

	rec, body = get(t, s, "/api/v1/devices/dev-2", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "app-2", body["applicationId"])

	rec, _ = get(t, s, "/api/v1/devices/ghost", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec, body := get(t, s, "/api/v1/events?type=DOWNLINK_ACK", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])

	rec, body = get(t, s, "/api/v1/events?level=info&device_id=dev-1", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["total"])

	rec, _ = get(t, s, "/api/v1/events?since=yesterday", token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = get(t, s, "/api/v1/events?level=TRACE", token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = get(t, s, "/api/v1/events?limit=5000", token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `lorawan_bridge_uplinks_total{application="app-1",result="forwarded"} 1`)
}
