package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9090\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	// Untouched sections keep their defaults.
	if cfg.RateLimits.DefaultRPM != 60 || cfg.RateLimits.DefaultTPM != 90_000 {
		t.Errorf("key limits = %d/%d", cfg.RateLimits.DefaultRPM, cfg.RateLimits.DefaultTPM)
	}
	if cfg.RateLimits.IPRPM != 30 || cfg.RateLimits.IPTPM != 45_000 {
		t.Errorf("ip limits = %d/%d", cfg.RateLimits.IPRPM, cfg.RateLimits.IPTPM)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.Cooldown != 300*time.Second {
		t.Errorf("breaker = %+v", cfg.Breaker)
	}
	if cfg.Quota.DefaultMonthlyTokens != 1_000_000 {
		t.Errorf("quota tokens = %d", cfg.Quota.DefaultMonthlyTokens)
	}
	if cfg.Upstream.RequestTimeout != 300*time.Second || cfg.Upstream.ConnectTimeout != 30*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.Upstream.RequestTimeout, cfg.Upstream.ConnectTimeout)
	}
	if cfg.Logging.PromptBody {
		t.Error("prompt body logging on by default")
	}
	if cfg.UpstreamType() != proxy.UpstreamNative {
		t.Errorf("upstream type = %q", cfg.UpstreamType())
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	path := writeConfig(t, `
security:
  encryption_key: ${TEST_ENCRYPTION_KEY}
redis:
  addr: ${TEST_MISSING_VAR}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Security.EncryptionKey != "0123456789abcdef0123456789abcdef" {
		t.Errorf("encryption key = %q", cfg.Security.EncryptionKey)
	}
	// Unset variables are left as-is, not replaced with empty strings.
	if cfg.Redis.Addr != "${TEST_MISSING_VAR}" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
}

func TestUpstreamTypeDeployment(t *testing.T) {
	path := writeConfig(t, `
upstream:
  type: deployment-scoped
  api_version: "2024-02-01"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UpstreamType() != proxy.UpstreamDeployment {
		t.Errorf("upstream type = %q", cfg.UpstreamType())
	}
}
