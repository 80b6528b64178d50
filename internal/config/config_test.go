package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(noEnvFile(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.CDPURL(); got != "http://127.0.0.1:9220" {
		t.Fatalf("CDPURL() = %q", got)
	}
	if cfg.ConnectTimeout() != 5*time.Second || cfg.IdleTimeout() != 5*time.Second {
		t.Fatalf("timeouts = %v/%v; want 5s/5s", cfg.ConnectTimeout(), cfg.IdleTimeout())
	}
	if cfg.DisallowedSchemes != nil {
		t.Fatalf("DisallowedSchemes = %v; want nil for the built-in default", cfg.DisallowedSchemes)
	}
	if got := cfg.StatusPageURL("127.0.0.1:8190"); got != "http://127.0.0.1:8190/status" {
		t.Fatalf("StatusPageURL() = %q", got)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CHROMIUM_CDP_PORT", "9333")
	t.Setenv("BRIDGE_BIND_ADDR", "0.0.0.0:7000")
	t.Setenv("BRIDGE_PORT_CANDIDATES", "7001, 7002")
	t.Setenv("BRIDGE_LOG_LEVEL", "DEBUG")
	t.Setenv("BRIDGE_CONNECT_TIMEOUT_MS", "10")
	t.Setenv("BRIDGE_IDLE_TIMEOUT_MS", "2500")
	t.Setenv("BRIDGE_LAUNCH_BROWSER", "true")
	t.Setenv("BRIDGE_STATUS_URL", "http://status.test/")

	cfg, err := Load(noEnvFile(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPPort != 9333 || cfg.LogLevel != "debug" || !cfg.LaunchBrowser {
		t.Fatalf("cfg = %+v", cfg)
	}
	if want := []string{"0.0.0.0:7001", "0.0.0.0:7002"}; !reflect.DeepEqual(cfg.PortCandidates, want) {
		t.Fatalf("PortCandidates = %v; want %v", cfg.PortCandidates, want)
	}
	if cfg.ConnectTimeoutMS != 100 {
		t.Fatalf("ConnectTimeoutMS = %d; want clamped to 100", cfg.ConnectTimeoutMS)
	}
	if cfg.IdleTimeout() != 2500*time.Millisecond {
		t.Fatalf("IdleTimeout() = %v", cfg.IdleTimeout())
	}
	if got := cfg.StatusPageURL("ignored"); got != "http://status.test/" {
		t.Fatalf("StatusPageURL() = %q", got)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("BRIDGE_IDLE_TIMEOUT_MS=1234\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("BRIDGE_IDLE_TIMEOUT_MS") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.IdleTimeoutMS != 1234 {
		t.Fatalf("IdleTimeoutMS = %d; want 1234", cfg.IdleTimeoutMS)
	}
}

func TestLoadRejectsBadPortCandidate(t *testing.T) {
	t.Setenv("BRIDGE_PORT_CANDIDATES", "8191,http")
	if _, err := Load(noEnvFile(t)); err == nil || !strings.Contains(err.Error(), "invalid port") {
		t.Fatalf("Load() error = %v; want invalid port", err)
	}
}

func TestApplyFile(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    []string
		wantErr string
	}{
		{name: "normalizes schemes", yaml: "disallowed_schemes: [Chrome, 'about:']\nstatus_url: http://s.test/\n", want: []string{"chrome:", "about:"}},
		{name: "empty scheme", yaml: "disallowed_schemes: ['']\n", wantErr: "disallowed_schemes[0] is empty"},
		{name: "bad yaml", yaml: "disallowed_schemes: [\n", wantErr: "bridge config"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bridge.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
				t.Fatalf("write yaml: %v", err)
			}
			cfg := &Config{}
			err := cfg.ApplyFile(path)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("ApplyFile() error = %v; want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyFile() error = %v", err)
			}
			if !reflect.DeepEqual(cfg.DisallowedSchemes, tc.want) {
				t.Fatalf("DisallowedSchemes = %v; want %v", cfg.DisallowedSchemes, tc.want)
			}
			if cfg.StatusURL != "http://s.test/" {
				t.Fatalf("StatusURL = %q", cfg.StatusURL)
			}
		})
	}
}

func TestApplyFileMissing(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ApplyFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("ApplyFile() error = nil; want missing file error")
	}
}

func TestHistoryDirFromEnvAndFile(t *testing.T) {
	t.Setenv("BRIDGE_HISTORY_DIR", "/var/lib/bridge/history")
	cfg, err := Load(noEnvFile(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HistoryDir != "/var/lib/bridge/history" {
		t.Fatalf("HistoryDir = %q", cfg.HistoryDir)
	}

	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte("history_dir: ./history\n"), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if err := cfg.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile() error = %v", err)
	}
	if cfg.HistoryDir != "./history" {
		t.Fatalf("HistoryDir = %q; want file override", cfg.HistoryDir)
	}
}
