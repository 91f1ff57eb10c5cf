package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"aiconsole/internal/adapter/store"
	"aiconsole/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM credentials", Fn: checkLLMCredentials},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Store", Fn: checkStore},
		{Name: "Assets", Fn: checkAssets},
		{Name: "Code runners", Fn: checkCodeRunners},
		{Name: "Cluster", Fn: checkCluster},
	}

	return report(os.Stdout, checks, cfg)
}

// report runs checks and prints one line per result. It fails when any
// check failed.
func report(w io.Writer, checks []Check, cfg *config.Config) error {
	fmt.Fprintln(w, "aiconsole doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var configNotLoaded = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

// checkConfigFile returns a check that verifies the config file parses.
// A missing file is only a warning since defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check the syntax of %s", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and AICONSOLE_* variables", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkLLMCredentials verifies every openai-compatible provider has a key.
// Bedrock resolves credentials through the AWS chain and is not checked.
func checkLLMCredentials(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add at least one provider under llm.providers",
		}
	}

	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		switch {
		case p.Type == "bedrock", p.APIKey != "":
			withKey = append(withKey, p.Name)
		default:
			withoutKey = append(withoutKey, p.Name)
		}
	}

	switch {
	case len(withKey) == 0:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys found for providers: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set API keys via environment variables (e.g. AICONSOLE_LLM_OPENAI_API_KEY)",
		}
	case len(withoutKey) > 0:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("credentials for [%s]; missing for [%s]", strings.Join(withKey, ", "), strings.Join(withoutKey, ", ")),
		}
	default:
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("credentials configured for: %s", strings.Join(withKey, ", "))}
	}
}

// checkLLMConnectivity tests if the default provider's endpoint answers.
func checkLLMConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}

	var provider *config.ProviderConfig
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
			provider = &cfg.LLM.Providers[i]
			break
		}
	}
	if provider == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q not found in config", cfg.LLM.DefaultProvider),
		}
	}

	endpoint := providerEndpoint(provider)
	if endpoint == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no known endpoint for provider type %q, skipping connectivity test", provider.Type),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check your internet connection and firewall settings",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, latency.Milliseconds()),
	}
}

// providerEndpoint returns a URL to probe for the given provider.
func providerEndpoint(p *config.ProviderConfig) string {
	switch p.Type {
	case "openai", "":
		if p.BaseURL != "" {
			return strings.TrimRight(p.BaseURL, "/") + "/models"
		}
		return "https://api.openai.com/v1/models"
	case "bedrock":
		if p.Region == "" {
			return ""
		}
		return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/", p.Region)
	default:
		return ""
	}
}

// checkStore opens the database, which also runs the schema migration.
func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	st, err := store.Open(cfg.Store.Path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s: %v", cfg.Store.Path, err),
			Fix:     fmt.Sprintf("Check permissions of %s", filepath.Dir(cfg.Store.Path)),
		}
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("database %s is usable", cfg.Store.Path)}
}

// checkAssets verifies the asset directory exists.
func checkAssets(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	info, err := os.Stat(cfg.Assets.Dir)
	switch {
	case os.IsNotExist(err):
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("asset directory %s does not exist; only the built-in director is available", cfg.Assets.Dir),
			Fix:     fmt.Sprintf("mkdir -p %s/agents %s/materials", cfg.Assets.Dir, cfg.Assets.Dir),
		}
	case err != nil:
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot stat asset directory: %v", err)}
	case !info.IsDir():
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s exists but is not a directory", cfg.Assets.Dir)}
	}

	var found []string
	for _, sub := range []string{"agents", "materials", "users"} {
		if fi, err := os.Stat(filepath.Join(cfg.Assets.Dir, sub)); err == nil && fi.IsDir() {
			found = append(found, sub)
		}
	}
	if len(found) == 0 {
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("%s has no agents, materials or users subdirectory", cfg.Assets.Dir)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s (%s)", cfg.Assets.Dir, strings.Join(found, ", "))}
}

// checkCodeRunners looks up the interpreters accepted code runs with.
func checkCodeRunners(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	runners := []struct{ language, bin string }{
		{"python", cfg.CodeRun.Python},
		{"shell", cfg.CodeRun.Shell},
		{"applescript", cfg.CodeRun.AppleScript},
	}
	var missing []string
	for _, r := range runners {
		if r.bin == "" {
			continue
		}
		if _, err := exec.LookPath(r.bin); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", r.language, r.bin))
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("not found: %s; those tool calls will fail", strings.Join(missing, ", ")),
		}
	}
	return CheckResult{Status: StatusPass, Message: "all configured interpreters found"}
}

// checkCluster pings Redis when cluster mode is enabled.
func checkCluster(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if !cfg.Cluster.Enabled {
		return CheckResult{Status: StatusPass, Message: "standalone mode"}
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Cluster.RedisAddr,
		Password: cfg.Cluster.RedisPassword,
		DB:       cfg.Cluster.RedisDB,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("redis %s unreachable: %v", cfg.Cluster.RedisAddr, err),
			Fix:     "Start Redis or disable cluster mode",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("redis %s reachable", cfg.Cluster.RedisAddr)}
}
