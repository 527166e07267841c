package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
)

// ErrNoApplications is returned when no application is configured
var ErrNoApplications = errors.New("no applications configured")

// Config represents the bridge configuration
type Config struct {
	Log                      LogConfig                    `yaml:"log"`
	Bus                      BusConfig                    `yaml:"bus"`
	Registry                 RegistryConfig               `yaml:"registry"`
	Cloud                    CloudConfig                  `yaml:"cloud"`
	Provisioning             ProvisioningConfig           `yaml:"provisioning"`
	DeviceIntegrationDefault bool                         `yaml:"device_integration_default"`
	Applications             map[string]ApplicationConfig `yaml:"applications"`
	Workers                  WorkersConfig                `yaml:"workers"`
	API                      APIConfig                    `yaml:"api"`
	JWT                      JWTConfig                    `yaml:"jwt"`
	Database                 DatabaseConfig               `yaml:"database"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BusConfig represents the network server MQTT connection
type BusConfig struct {
	Server             string        `yaml:"server"`
	TenantID           string        `yaml:"tenant_id"`
	TopicPrefix        string        `yaml:"topic_prefix"`
	ClientID           string        `yaml:"client_id"`
	TLS                bool          `yaml:"tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	AutoReconnectDelay time.Duration `yaml:"auto_reconnect_delay"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
}

// RegistryConfig represents the end device registry HTTP API
type RegistryConfig struct {
	APIBaseURL string        `yaml:"api_base_url"`
	APIKey     string        `yaml:"api_key"`
	PageSize   int           `yaml:"page_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CloudConfig represents the device messaging backend
type CloudConfig struct {
	Stream  string        `yaml:"stream"`
	AckWait time.Duration `yaml:"ack_wait"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProvisioningConfig represents the device provisioning service
type ProvisioningConfig struct {
	GlobalEndpoint string        `yaml:"global_endpoint"`
	APIVersion     string        `yaml:"api_version"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxPolls       int           `yaml:"max_polls"`
	Timeout        time.Duration `yaml:"timeout"`
}

// ApplicationConfig represents one network server application (tenant)
type ApplicationConfig struct {
	// ApplicationID overrides the MQTT application id; defaults to the map key
	ApplicationID            string                   `yaml:"application_id"`
	MQTTAccessKey            string                   `yaml:"mqtt_access_key"`
	ConnectionString         string                   `yaml:"connection_string"`
	DeviceProvisioning       *DeviceProvisioning      `yaml:"device_provisioning"`
	DeviceIntegrationDefault *bool                    `yaml:"device_integration_default"`
	Methods                  map[string]MethodSetting `yaml:"methods"`
}

// DeviceProvisioning holds group enrollment settings
type DeviceProvisioning struct {
	IDScope            string `yaml:"id_scope"`
	GroupEnrollmentKey string `yaml:"group_enrollment_key"`
}

// MethodSetting maps a cloud method name to downlink properties
type MethodSetting struct {
	Port      uint8           `yaml:"port"`
	Confirmed bool            `yaml:"confirmed"`
	Priority  models.Priority `yaml:"priority"`
	Queue     models.Queue    `yaml:"queue"`
}

// WorkersConfig sizes the routing worker pool
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// APIConfig represents the operator API
type APIConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// DatabaseConfig represents the optional audit log database
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applies environment overrides and defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("BRIDGE_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}

	if key := os.Getenv("BRIDGE_REGISTRY_API_KEY"); key != "" {
		c.Registry.APIKey = key
	}

	if dsn := os.Getenv("BRIDGE_DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if secret := os.Getenv("BRIDGE_JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Bus.TopicPrefix == "" {
		c.Bus.TopicPrefix = "v3"
	}
	if c.Bus.AutoReconnectDelay == 0 {
		c.Bus.AutoReconnectDelay = 5 * time.Second
	}
	if c.Bus.PublishTimeout == 0 {
		c.Bus.PublishTimeout = 10 * time.Second
	}

	if c.Registry.PageSize <= 0 {
		c.Registry.PageSize = 10
	}
	if c.Registry.Timeout == 0 {
		c.Registry.Timeout = 30 * time.Second
	}

	if c.Cloud.Stream == "" {
		c.Cloud.Stream = "DEVICEBOUND"
	}
	if c.Cloud.AckWait == 0 {
		c.Cloud.AckWait = time.Minute
	}
	if c.Cloud.Timeout == 0 {
		c.Cloud.Timeout = 10 * time.Second
	}

	if c.Provisioning.GlobalEndpoint == "" {
		c.Provisioning.GlobalEndpoint = "https://global.azure-devices-provisioning.net"
	}
	if c.Provisioning.APIVersion == "" {
		c.Provisioning.APIVersion = "2019-03-31"
	}
	if c.Provisioning.PollInterval == 0 {
		c.Provisioning.PollInterval = 2 * time.Second
	}
	if c.Provisioning.MaxPolls <= 0 {
		c.Provisioning.MaxPolls = 10
	}
	if c.Provisioning.Timeout == 0 {
		c.Provisioning.Timeout = 30 * time.Second
	}

	if c.Workers.Count <= 0 {
		c.Workers.Count = 8
	}
	if c.Workers.QueueSize <= 0 {
		c.Workers.QueueSize = 1000
	}

	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.API.AdminUser == "" {
		c.API.AdminUser = "admin"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
}

// Validate checks the settings the bridge cannot start without
func (c *Config) Validate() error {
	if len(c.Applications) == 0 {
		return ErrNoApplications
	}

	if c.Bus.Server == "" {
		return fmt.Errorf("bus.server is required")
	}
	if c.Registry.APIBaseURL == "" {
		return fmt.Errorf("registry.api_base_url is required")
	}

	for key, app := range c.Applications {
		if app.MQTTAccessKey == "" {
			return fmt.Errorf("application %s: mqtt_access_key is required", key)
		}
		if app.ConnectionString == "" && app.DeviceProvisioning == nil {
			return fmt.Errorf("application %s: connection_string or device_provisioning is required", key)
		}
		if p := app.DeviceProvisioning; p != nil && (p.IDScope == "" || p.GroupEnrollmentKey == "") {
			return fmt.Errorf("application %s: device_provisioning needs id_scope and group_enrollment_key", key)
		}
		for name, m := range app.Methods {
			if m.Port > models.MaxFPort {
				return fmt.Errorf("application %s: method %s: port %d out of range", key, name, m.Port)
			}
		}
	}

	if c.API.Enabled && c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required when the api is enabled")
	}

	return nil
}

// DownlinkApplicationID returns the application id of downlink topics. Downlinks
// always address <key>@<tenant>, ignoring the application_id override.
func (c *Config) DownlinkApplicationID(key string) string {
	if c.Bus.TenantID != "" {
		return key + "@" + c.Bus.TenantID
	}
	return key
}

// MQTTApplicationID returns the application id used in subscriptions and MQTT credentials
func (c *Config) MQTTApplicationID(key string) string {
	app := c.Applications[key]
	if app.ApplicationID != "" {
		return app.ApplicationID
	}
	if c.Bus.TenantID != "" {
		return key + "@" + c.Bus.TenantID
	}
	return key
}

// IntegrationDefault resolves the device integration default for an application
func (c *Config) IntegrationDefault(key string) bool {
	if app, ok := c.Applications[key]; ok && app.DeviceIntegrationDefault != nil {
		return *app.DeviceIntegrationDefault
	}
	return c.DeviceIntegrationDefault
}

// Method looks a method name up in the application's method table, case-insensitive
func (c *Config) Method(key, name string) (MethodSetting, bool) {
	app, ok := c.Applications[key]
	if !ok {
		return MethodSetting{}, false
	}
	if m, ok := app.Methods[name]; ok {
		return m.withDefaults(), true
	}
	for n, m := range app.Methods {
		if strings.EqualFold(n, name) {
			return m.withDefaults(), true
		}
	}
	return MethodSetting{}, false
}

func (m MethodSetting) withDefaults() MethodSetting {
	if m.Priority == "" {
		m.Priority = models.PriorityNormal
	}
	if m.Queue == "" {
		m.Queue = models.QueuePush
	}
	return m
}

// ApplicationKeys returns the configured application keys in sorted order
func (c *Config) ApplicationKeys() []string {
	keys := make([]string, 0, len(c.Applications))
	for k := range c.Applications {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PrintConfigSummary prints a configuration summary
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== LoRaWAN Cloud Bridge Configuration ===\n")
	fmt.Printf("Bus: %s (tls=%v, prefix=%s, reconnect=%s)\n",
		c.Bus.Server, c.Bus.TLS, c.Bus.TopicPrefix, c.Bus.AutoReconnectDelay)
	fmt.Printf("Registry: %s (page size %d)\n", c.Registry.APIBaseURL, c.Registry.PageSize)
	fmt.Printf("Cloud: stream %s, ack wait %s\n", c.Cloud.Stream, c.Cloud.AckWait)
	fmt.Printf("Device integration default: %v\n", c.DeviceIntegrationDefault)
	fmt.Printf("Workers: %d (queue %d)\n", c.Workers.Count, c.Workers.QueueSize)

	for _, key := range c.ApplicationKeys() {
		app := c.Applications[key]
		strategy := "connection string"
		if app.ConnectionString == "" && app.DeviceProvisioning != nil {
			strategy = "group enrollment (" + app.DeviceProvisioning.IDScope + ")"
		}
		fmt.Printf("Application %s -> %s\n", key, c.MQTTApplicationID(key))
		fmt.Printf("  Credentials: %s\n", strategy)
		fmt.Printf("  Integration default: %v\n", c.IntegrationDefault(key))
		fmt.Printf("  Methods: %d\n", len(app.Methods))
	}

	if c.API.Enabled {
		fmt.Printf("API: %s:%d\n", c.API.Host, c.API.Port)
	}
	if c.Database.DSN != "" {
		fmt.Printf("Audit log: enabled\n")
	}

	fmt.Printf("==========================================\n")
}
