package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"],
			"max_body_bytes": 2097152
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"totp_issuer": "Resonat Dev"
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db"
		},
		"relay": {
			"max_frame_bytes": 32768,
			"write_timeout": "3s",
			"max_conns_per_user": 4
		},
		"upload": {
			"dir": "./files",
			"max_file_bytes": 5242880
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v, want [http://localhost:3000]", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.MaxBodyBytes != 2097152 {
		t.Errorf("Server.MaxBodyBytes: got %d, want 2097152", cfg.Server.MaxBodyBytes)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.TOTPIssuer != "Resonat Dev" {
		t.Errorf("Auth.TOTPIssuer: got %q", cfg.Auth.TOTPIssuer)
	}
	if cfg.Relay.MaxFrameBytes != 32768 {
		t.Errorf("Relay.MaxFrameBytes: got %d, want 32768", cfg.Relay.MaxFrameBytes)
	}
	if cfg.Relay.WriteTimeout.Duration != 3*time.Second {
		t.Errorf("Relay.WriteTimeout: got %v, want 3s", cfg.Relay.WriteTimeout.Duration)
	}
	if cfg.Relay.MaxConnsPerUser != 4 {
		t.Errorf("Relay.MaxConnsPerUser: got %d, want 4", cfg.Relay.MaxConnsPerUser)
	}
	if cfg.Upload.Dir != "./files" {
		t.Errorf("Upload.Dir: got %q", cfg.Upload.Dir)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.TOTPIssuer != "Resonat" {
		t.Errorf("default TOTPIssuer: got %q", cfg.Auth.TOTPIssuer)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "resonat.db" {
		t.Errorf("default storage: got %+v", cfg.Storage)
	}
	if cfg.Relay.MaxFrameBytes != 64*1024 {
		t.Errorf("default MaxFrameBytes: got %d", cfg.Relay.MaxFrameBytes)
	}
	if cfg.Relay.WriteTimeout.Duration != 5*time.Second {
		t.Errorf("default WriteTimeout: got %v", cfg.Relay.WriteTimeout.Duration)
	}
	if cfg.Relay.MaxConnsPerUser != 10 {
		t.Errorf("default MaxConnsPerUser: got %d", cfg.Relay.MaxConnsPerUser)
	}
	if cfg.Upload.MaxFileBytes != 10*1024*1024 {
		t.Errorf("default MaxFileBytes: got %d", cfg.Upload.MaxFileBytes)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default MaxBodyBytes: got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("default rate limit: got %+v", cfg.RateLimit)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"missing addr", `{"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}}`},
		{"missing secret", `{"server": {"addr": ":8080"}}`},
		{"short secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`},
		{"weak secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "super-secret-change-me"}}`},
		{"bad json", `{not json`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.json)
			if _, err := Load(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestDurationNumericSeconds(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32", "jwt_expiry": 3600}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTExpiry.Duration != time.Hour {
		t.Errorf("numeric expiry: got %v, want 1h", cfg.Auth.JWTExpiry.Duration)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Errorf("secret length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
}
