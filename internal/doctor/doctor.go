// Package doctor runs offline diagnostic checks against a trustchain
// installation: config, database, chain integrity, permissions, and runner
// reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/petro1eum/TrustChain-Agent/internal/bus"
	"github.com/petro1eum/TrustChain-Agent/internal/config"
	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
	"github.com/petro1eum/TrustChain-Agent/internal/trustchain"
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

// Healthy reports whether no check failed.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
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
		checkAuthToken,
		checkPermissions,
		checkDatabase,
		checkChain,
		checkRunner,
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
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.AuthToken == "" {
		return CheckResult{
			Name:    "Auth Token",
			Status:  "WARN",
			Message: "auth_token not set; every API request will be rejected",
			Detail:  "Set auth_token in config.yaml or TRUSTCHAIN_AUTH_TOKEN",
		}
	}
	return CheckResult{Name: "Auth Token", Status: "PASS", Message: "auth_token is set"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
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

	store, err := persistence.Open(cfg.DatabasePath, bus.New())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("tasks=%d pending=%d running=%d", stats.Total, stats.Pending, stats.Running),
	}
}

func checkChain(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Trust Chain", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DatabasePath, bus.New())
	if err != nil {
		return CheckResult{Name: "Trust Chain", Status: "SKIP", Message: fmt.Sprintf("Store unavailable: %v", err)}
	}
	defer store.Close()

	chain, err := trustchain.New(ctx, trustchain.Config{Store: store})
	if err != nil {
		return CheckResult{Name: "Trust Chain", Status: "FAIL", Message: fmt.Sprintf("Chain load failed: %v", err)}
	}
	defer chain.Close()

	report, err := chain.VerifyChain(ctx)
	if err != nil {
		return CheckResult{Name: "Trust Chain", Status: "FAIL", Message: fmt.Sprintf("Verification error: %v", err)}
	}
	if !report.Valid {
		return CheckResult{
			Name:    "Trust Chain",
			Status:  "FAIL",
			Message: fmt.Sprintf("Chain invalid: %d broken links", len(report.BrokenLinks)),
			Detail:  fmt.Sprintf("broken_links=%v", report.BrokenLinks),
		}
	}
	return CheckResult{
		Name:    "Trust Chain",
		Status:  "PASS",
		Message: fmt.Sprintf("%d operations verified", report.Length),
		Detail:  fmt.Sprintf("key_id=%s", chain.KeyInfo().KeyID),
	}
}

func checkRunner(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Runner", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.RunnerURL == "" {
		return CheckResult{Name: "Runner", Status: "PASS", Message: "No runner_url configured (echo processor)"}
	}

	u, err := url.Parse(cfg.RunnerURL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Runner", Status: "FAIL", Message: fmt.Sprintf("Invalid runner_url %q", cfg.RunnerURL)}
	}

	host := u.Hostname()
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Runner",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Runner",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
