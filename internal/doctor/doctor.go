// Package doctor runs host diagnostics: config, store, permissions, docker
// and channel readiness.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/groupmux/internal/config"
	"github.com/basket/groupmux/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkDocker,
		checkChannels,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("timezone=%s, main_group=%s", cfg.Timezone, cfg.MainGroupFolder),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir not creatable: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Data dir: %v", err)}
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	groups, err := store.ListGroups(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("%d groups registered", len(groups)),
	}
}

func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "FAIL",
			Message: "docker binary not found",
			Detail:  "workers run in containers; install docker and start the daemon",
		}
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: fmt.Sprintf("daemon unreachable: %v", err)}
	}
	detail := ""
	if cfg != nil {
		detail = fmt.Sprintf("image=%s, network=%s", cfg.ContainerImage, cfg.ContainerNetwork)
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: "daemon reachable", Detail: detail}
}

func checkChannels(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channels", Status: "SKIP", Message: "Config missing"}
	}
	var enabled, warnings []string
	if cfg.Channels.Telegram.Enabled {
		enabled = append(enabled, "telegram")
		if cfg.Channels.Telegram.Token == "" {
			warnings = append(warnings, "telegram enabled without token (set TELEGRAM_BOT_TOKEN)")
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		enabled = append(enabled, "whatsapp")
		if cfg.Channels.WhatsApp.BridgeURL == "" {
			warnings = append(warnings, "whatsapp enabled without bridge_url")
		}
	}

	switch {
	case len(warnings) > 0:
		return CheckResult{Name: "Channels", Status: "WARN", Message: fmt.Sprintf("%v", warnings)}
	case len(enabled) == 0:
		return CheckResult{
			Name:    "Channels",
			Status:  "WARN",
			Message: "no channels enabled",
			Detail:  "inbound messages unavailable; scheduled tasks still run",
		}
	default:
		return CheckResult{Name: "Channels", Status: "PASS", Message: fmt.Sprintf("enabled: %v", enabled)}
	}
}
