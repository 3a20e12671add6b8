package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGetDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "crm",
		Password: "secret",
		Name:     "agent_crm",
		SSLMode:  "disable",
	}
	want := "host=db.internal port=5433 user=crm password=secret dbname=agent_crm sslmode=disable"
	if got := cfg.GetDSN(); got != want {
		t.Errorf("GetDSN() = %q, want %q", got, want)
	}
}

func TestGetAddress(t *testing.T) {
	tests := []struct {
		cfg  ServerConfig
		want string
	}{
		{ServerConfig{Host: "0.0.0.0", Port: 8080}, "0.0.0.0:8080"},
		{ServerConfig{Host: "", Port: 8080}, ":8080"},
	}
	for _, tt := range tests {
		if got := tt.cfg.GetAddress(); got != tt.want {
			t.Errorf("GetAddress() = %q, want %q", got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func minimalValidConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Host: "localhost", Name: "agent_crm", User: "crm"},
		Auth:     AuthConfig{APIKeys: APIKeyConfig{Namespace: "va", BcryptCost: 12}},
		Security: SecurityConfig{RateLimiting: RateLimitingConfig{Enabled: true, RequestsPerMinute: 120, Burst: 30}},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true, PrometheusPort: 9090},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"minimal config is valid", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"missing db host", func(c *Config) { c.Database.Host = "" }, "database.host"},
		{"missing db name", func(c *Config) { c.Database.Name = "" }, "database.name"},
		{"missing db user", func(c *Config) { c.Database.User = "" }, "database.user"},
		{"empty namespace", func(c *Config) { c.Auth.APIKeys.Namespace = "" }, "namespace"},
		{"namespace with separator", func(c *Config) { c.Auth.APIKeys.Namespace = "v_a" }, "namespace"},
		{"bcrypt cost too low", func(c *Config) { c.Auth.APIKeys.BcryptCost = 4 }, "bcrypt_cost"},
		{"bcrypt cost too high", func(c *Config) { c.Auth.APIKeys.BcryptCost = 15 }, "bcrypt_cost"},
		{"bcrypt cost lower bound", func(c *Config) { c.Auth.APIKeys.BcryptCost = 10 }, ""},
		{"bcrypt cost upper bound", func(c *Config) { c.Auth.APIKeys.BcryptCost = 14 }, ""},
		{"zero rate limit", func(c *Config) { c.Security.RateLimiting.RequestsPerMinute = 0 }, "rate_limiting"},
		{"rate limit disabled ignores values", func(c *Config) {
			c.Security.RateLimiting = RateLimitingConfig{Enabled: false}
		}, ""},
		{"tls without cert", func(c *Config) { c.Security.TLS = TLSConfig{Enabled: true, KeyFile: "k"} }, "cert_file"},
		{"tls without key", func(c *Config) { c.Security.TLS = TLSConfig{Enabled: true, CertFile: "c"} }, "key_file"},
		{"redis without addr", func(c *Config) { c.Redis = RedisConfig{Enabled: true} }, "redis.addr"},
		{"metrics port clash", func(c *Config) { c.Telemetry.Metrics.PrometheusPort = 8080 }, "must differ"},
		{"metrics disabled ignores port", func(c *Config) {
			c.Telemetry.Metrics = MetricsConfig{Enabled: false}
		}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid logging level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid logging format"},
		{"notifications without smtp host", func(c *Config) {
			c.Notifications = NotificationsConfig{Enabled: true, SMTP: SMTPConfig{From: "a@b"}, Recipients: []string{"ops@b"}}
		}, "smtp.host"},
		{"notifications without recipients", func(c *Config) {
			c.Notifications = NotificationsConfig{Enabled: true, SMTP: SMTPConfig{Host: "smtp", From: "a@b"}}
		}, "recipients"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil || !strings.Contains(err.Error(), "error reading config file") {
		t.Fatalf("Load() error = %v, want read error", err)
	}
}

func TestLoad_DefaultsFromMinimalFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("server.shutdown_timeout = %v, want 30s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Auth.APIKeys.Namespace != "va" {
		t.Errorf("namespace = %q, want va", cfg.Auth.APIKeys.Namespace)
	}
	if cfg.Auth.APIKeys.BcryptCost != 12 {
		t.Errorf("bcrypt_cost = %d, want 12", cfg.Auth.APIKeys.BcryptCost)
	}
	if cfg.Auth.APIKeys.AuditFailedAttempts {
		t.Error("audit_failed_attempts should default to false")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Notifications.APIKeyExpiryWarningDays != 7 {
		t.Errorf("warning days = %d, want 7", cfg.Notifications.APIKeyExpiryWarningDays)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "database:\n  host: from-file\nauth:\n  api_keys:\n    bcrypt_cost: 11\n")
	t.Setenv("CRM_DATABASE_HOST", "from-env")
	t.Setenv("CRM_AUTH_API_KEYS_AUDIT_FAILED_ATTEMPTS", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Host != "from-env" {
		t.Errorf("database.host = %q, want from-env", cfg.Database.Host)
	}
	if cfg.Auth.APIKeys.BcryptCost != 11 {
		t.Errorf("bcrypt_cost = %d, want 11 from file", cfg.Auth.APIKeys.BcryptCost)
	}
	if !cfg.Auth.APIKeys.AuditFailedAttempts {
		t.Error("audit_failed_attempts should be enabled by env")
	}
}

func TestLoad_ExpandsSecrets(t *testing.T) {
	t.Setenv("CONFIG_TEST_DB_PASSWORD", "s3cret")
	t.Setenv("CONFIG_TEST_STREAM_PASSWORD", "r3dis")
	path := writeConfig(t, `
database:
  password: ${CONFIG_TEST_DB_PASSWORD}
audit:
  shippers:
    - enabled: true
      type: redis
      redis:
        addr: localhost:6379
        password: ${CONFIG_TEST_STREAM_PASSWORD}
        stream: crm:usage
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Password != "s3cret" {
		t.Errorf("database.password = %q, want expanded value", cfg.Database.Password)
	}
	if len(cfg.Audit.Shippers) != 1 || cfg.Audit.Shippers[0].Redis == nil {
		t.Fatalf("audit shippers = %+v, want one redis shipper", cfg.Audit.Shippers)
	}
	if got := cfg.Audit.Shippers[0].Redis.Password; got != "r3dis" {
		t.Errorf("redis shipper password = %q, want expanded value", got)
	}
	if got := cfg.Audit.Shippers[0].Redis.Stream; got != "crm:usage" {
		t.Errorf("redis stream = %q, want crm:usage", got)
	}
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "auth:\n  api_keys:\n    bcrypt_cost: 4\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Fatalf("Load() error = %v, want invalid configuration", err)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")

	changes := make(chan *Config, 4)
	if err := Watch(path, func(c *Config) { changes <- c }); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	if err := os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Logging.Level == "warn" {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}

func TestWatch_RequiresFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if err := Watch("", func(*Config) {}); err == nil {
		t.Error("Watch() with no config file should fail")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CONFIG_TEST_SECRET", "super-secret")
	if got := expandEnv("${CONFIG_TEST_SECRET}"); got != "super-secret" {
		t.Errorf("expandEnv() = %q, want super-secret", got)
	}
	if got := expandEnv("no-vars-here"); got != "no-vars-here" {
		t.Errorf("expandEnv() = %q, want passthrough", got)
	}
}
