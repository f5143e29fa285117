package doctor

import (
	"context"
	"testing"

	"github.com/basket/groupmux/internal/config"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestRun_NilConfigFailsConfigCheck(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if len(d.Results) == 0 {
		t.Fatal("no results")
	}
	if d.Results[0].Name != "Config" || d.Results[0].Status != "FAIL" {
		t.Fatalf("config check = %+v", d.Results[0])
	}
	if !d.Failed() {
		t.Fatal("diagnosis should report failure")
	}
}

func TestRun_HealthyHomePassesStoreChecks(t *testing.T) {
	cfg := loadTestConfig(t)
	d := Run(context.Background(), cfg, "test")

	byName := map[string]CheckResult{}
	for _, r := range d.Results {
		byName[r.Name] = r
	}
	if byName["Config"].Status != "PASS" {
		t.Fatalf("config = %+v", byName["Config"])
	}
	if byName["Permissions"].Status != "PASS" {
		t.Fatalf("permissions = %+v", byName["Permissions"])
	}
	if byName["Database"].Status != "PASS" {
		t.Fatalf("database = %+v", byName["Database"])
	}
	// Docker may legitimately be absent on test hosts; only assert it ran.
	if _, ok := byName["Docker"]; !ok {
		t.Fatal("docker check missing")
	}
}

func TestCheckChannels_WarnsOnMissingSecrets(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Channels.Telegram.Enabled = true

	r := checkChannels(context.Background(), cfg)
	if r.Status != "WARN" {
		t.Fatalf("expected WARN for tokenless telegram, got %+v", r)
	}

	cfg.Channels.Telegram.Token = "123:abc"
	r = checkChannels(context.Background(), cfg)
	if r.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", r)
	}
}
