package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
)

const sample = `
bus:
  server: tls://eu1.cloud.thethings.network:8883
  tenant_id: ttn
  tls: true
registry:
  api_base_url: https://eu1.cloud.thethings.network/api/v3
  api_key: NNSXS.key
device_integration_default: true
applications:
  app-1:
    mqtt_access_key: NNSXS.mqtt
    connection_string: HostName=hub.example.com;SharedAccessKey=c2VjcmV0
    device_integration_default: false
    methods:
      Reboot:
        port: 20
        confirmed: true
        priority: high
        queue: Replace
  app-2:
    application_id: custom-app
    mqtt_access_key: NNSXS.mqtt2
    device_provisioning:
      id_scope: 0ne00000001
      group_enrollment_key: Z3JvdXA=
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "v3", cfg.Bus.TopicPrefix)
	assert.Equal(t, 5*time.Second, cfg.Bus.AutoReconnectDelay)
	assert.Equal(t, 10, cfg.Registry.PageSize)
	assert.Equal(t, time.Minute, cfg.Cloud.AckWait)
	assert.Equal(t, 10, cfg.Provisioning.MaxPolls)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestApplicationResolution(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, []string{"app-1", "app-2"}, cfg.ApplicationKeys())
	assert.Equal(t, "app-1@ttn", cfg.MQTTApplicationID("app-1"))
	assert.Equal(t, "custom-app", cfg.MQTTApplicationID("app-2"))
	assert.Equal(t, "app-1@ttn", cfg.DownlinkApplicationID("app-1"))
	assert.Equal(t, "app-2@ttn", cfg.DownlinkApplicationID("app-2"))

	assert.False(t, cfg.IntegrationDefault("app-1"))
	assert.True(t, cfg.IntegrationDefault("app-2"))
}

func TestMethodLookup(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	m, ok := cfg.Method("app-1", "reboot")
	require.True(t, ok)
	assert.Equal(t, uint8(20), m.Port)
	assert.True(t, m.Confirmed)
	assert.Equal(t, models.PriorityHigh, m.Priority)
	assert.Equal(t, models.QueueReplace, m.Queue)

	_, ok = cfg.Method("app-1", "unknown")
	assert.False(t, ok)
	_, ok = cfg.Method("app-9", "reboot")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	cfg, err := Parse([]byte("bus:\n  server: tcp://localhost:1883\n"))
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), ErrNoApplications)

	cfg, err = Parse([]byte(sample))
	require.NoError(t, err)
	app := cfg.Applications["app-1"]
	app.ConnectionString = ""
	cfg.Applications["app-1"] = app
	assert.Error(t, cfg.Validate())

	cfg, err = Parse([]byte(sample))
	require.NoError(t, err)
	app = cfg.Applications["app-1"]
	app.Methods["Reboot"] = MethodSetting{Port: 224}
	assert.Error(t, cfg.Validate())
}

func TestInvalidPriority(t *testing.T) {
	_, err := Parse([]byte("applications:\n  a:\n    methods:\n      m:\n        priority: urgent\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_LOG_LEVEL", "debug")
	t.Setenv("BRIDGE_REGISTRY_API_KEY", "from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "from-env", cfg.Registry.APIKey)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
