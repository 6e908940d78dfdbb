// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:3300"

sessions:
  dir: "./sessions"
  client_name: "ursender"
  max_retries: 5
  reconnect_interval: "10s"

network:
  relay_url: "wss://relay.example.com/ws"

backend:
  url: "https://hub.example.com"

outbound:
  send_delay: "2s"

database:
  path: "./data/ursender.db"

license:
  key: "site-key"
  app_url: "https://gw.example.com"
  check_url: "https://devapi.lpress.xyz/api/verify-check"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:3300" {
		t.Errorf("http_addr: %q", cfg.Server.HTTPAddr)
	}
	if cfg.Sessions.MaxRetries != 5 {
		t.Errorf("max_retries: %d", cfg.Sessions.MaxRetries)
	}
	if cfg.Sessions.ReconnectInterval != 10*time.Second {
		t.Errorf("reconnect_interval: %v", cfg.Sessions.ReconnectInterval)
	}
	if cfg.Outbound.SendDelay != 2*time.Second {
		t.Errorf("send_delay: %v", cfg.Outbound.SendDelay)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging format: %q", cfg.Logging.Format)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("URSENDER_TEST_KEY", "expanded-key")

	path := writeConfig(t, `
sessions:
  dir: "./sessions"
network:
  relay_url: "wss://relay.example.com/ws"
backend:
  url: "https://hub.example.com"
database:
  path: "./data/ursender.db"
license:
  key: "${URSENDER_TEST_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.License.Key != "expanded-key" {
		t.Errorf("expected env expansion, got %q", cfg.License.Key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
sessions:
  dir: "./sessions"
network:
  relay_url: "wss://relay.example.com/ws"
backend:
  url: "https://hub.example.com"
database:
  path: "./data/ursender.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:3300" {
		t.Errorf("default http_addr: %q", cfg.Server.HTTPAddr)
	}
	if cfg.Sessions.ReconnectInterval != 5*time.Second {
		t.Errorf("default reconnect_interval: %v", cfg.Sessions.ReconnectInterval)
	}
	if cfg.Outbound.SendDelay != time.Second {
		t.Errorf("default send_delay: %v", cfg.Outbound.SendDelay)
	}
	if cfg.License.EnvFile != ".env" {
		t.Errorf("default env_file: %q", cfg.License.EnvFile)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing sessions dir",
			content: `
network:
  relay_url: "wss://relay.example.com/ws"
backend:
  url: "https://hub.example.com"
database:
  path: "./db"
`,
			wantErr: "sessions.dir",
		},
		{
			name: "missing relay url",
			content: `
sessions:
  dir: "./sessions"
backend:
  url: "https://hub.example.com"
database:
  path: "./db"
`,
			wantErr: "network.relay_url",
		},
		{
			name: "missing backend url",
			content: `
sessions:
  dir: "./sessions"
network:
  relay_url: "wss://relay.example.com/ws"
database:
  path: "./db"
`,
			wantErr: "backend.url",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q should mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
sessions:
  dir: "./sessions"
  reconnect_interval: "not-a-duration"
network:
  relay_url: "wss://relay.example.com/ws"
backend:
  url: "https://hub.example.com"
database:
  path: "./db"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "reconnect_interval") {
		t.Errorf("expected duration parse error, got %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
