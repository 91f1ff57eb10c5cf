package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateLLM(cfg, ve)
	validateStore(cfg, ve)
	validateAssets(cfg, ve)
	validateSandbox(cfg, ve)
	validateCodeRun(cfg, ve)
	validateCluster(cfg, ve)
	validateScheduler(cfg, ve)
	validateObservability(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var gptModes = []string{"quality", "speed", "cost"}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.Addr == "" {
		ve.Add("gateway.addr is required")
	} else if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", g.Addr)
	}
	if g.RateLimit.Enabled && (g.RateLimit.RPS <= 0 || g.RateLimit.Burst <= 0) {
		ve.Add("gateway.rate_limit.rps and burst must be > 0 when enabled")
	}
	if g.SendBuffer <= 0 {
		ve.Add("gateway.send_buffer must be > 0")
	}
	if g.WriteTimeout <= 0 {
		ve.Add("gateway.write_timeout must be > 0")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	llm := cfg.LLM
	if len(llm.Providers) == 0 {
		ve.Add("llm.providers must have at least one entry")
	}
	names := make(map[string]bool, len(llm.Providers))
	for i, p := range llm.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name is required", i)
			continue
		}
		if names[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		names[p.Name] = true
		switch p.Type {
		case "openai", "":
		case "bedrock":
			if p.Region == "" {
				ve.Add("llm.providers[%d].region is required for bedrock", i)
			}
		default:
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, bedrock)", i, p.Type)
		}
		if p.Model == "" {
			ve.Add("llm.providers[%d].model is required", i)
		}
		if p.ContextSize < 0 {
			ve.Add("llm.providers[%d].context_size must be >= 0", i)
		}
	}
	if llm.DefaultProvider != "" && !names[llm.DefaultProvider] {
		ve.Add("llm.default_provider %q does not match any provider", llm.DefaultProvider)
	}
	for mode, name := range llm.GPTModes {
		if !contains(gptModes, mode) {
			ve.Add("llm.gpt_modes: unknown mode %q (want: quality, speed, cost)", mode)
		}
		if !names[name] {
			ve.Add("llm.gpt_modes.%s: provider %q is not configured", mode, name)
		}
	}
	for _, name := range llm.Fallbacks {
		if !names[name] {
			ve.Add("llm.fallbacks: provider %q is not configured", name)
		}
	}
	if llm.MaxRestarts < 0 {
		ve.Add("llm.max_restarts must be >= 0")
	}
	if llm.MinTokens <= 0 {
		ve.Add("llm.min_tokens must be > 0")
	}
	if llm.PreferredTokens < llm.MinTokens {
		ve.Add("llm.preferred_tokens must be >= min_tokens")
	}
	if llm.Temperature < 0 || llm.Temperature > 2 {
		ve.Add("llm.temperature must be between 0 and 2 (got %g)", llm.Temperature)
	}
	if llm.MaxAutoRuns <= 0 {
		ve.Add("llm.max_auto_runs must be > 0")
	}
	if llm.CircuitBreaker.Enabled && llm.CircuitBreaker.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path is required")
	}
}

func validateAssets(cfg *Config, ve *ValidationError) {
	if cfg.Assets.ReloadSchedule != "" {
		validateSchedule("assets.reload_schedule", cfg.Assets.ReloadSchedule, ve)
	}
}

func validateSandbox(cfg *Config, ve *ValidationError) {
	if cfg.Sandbox.ExecTimeout <= 0 {
		ve.Add("sandbox.exec_timeout must be > 0")
	}
	if cfg.Sandbox.WASMMemoryPage > 65536 {
		ve.Add("sandbox.wasm_memory_pages must be <= 65536 (got %d)", cfg.Sandbox.WASMMemoryPage)
	}
}

func validateCodeRun(cfg *Config, ve *ValidationError) {
	if cfg.CodeRun.Timeout <= 0 {
		ve.Add("coderun.timeout must be > 0")
	}
	if cfg.CodeRun.MaxOutputBytes <= 0 {
		ve.Add("coderun.max_output_bytes must be > 0")
	}
}

func validateCluster(cfg *Config, ve *ValidationError) {
	if !cfg.Cluster.Enabled {
		return
	}
	if cfg.Cluster.RedisAddr == "" {
		ve.Add("cluster.redis_addr is required when cluster mode is enabled")
	}
	if cfg.Cluster.LockTTL <= 0 {
		ve.Add("cluster.lock_ttl must be > 0 when cluster mode is enabled")
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if cfg.Scheduler.Enabled && cfg.Scheduler.CompactionSchedule != "" {
		validateSchedule("scheduler.compaction_schedule", cfg.Scheduler.CompactionSchedule, ve)
	}
}

func validateObservability(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if cfg.Tracer.Enabled {
		switch cfg.Tracer.Exporter {
		case "stdout", "noop", "":
		case "otlp":
			if cfg.Tracer.Endpoint == "" {
				ve.Add("tracer.endpoint is required for the otlp exporter")
			}
		default:
			ve.Add("tracer.exporter %q is invalid (want: stdout, otlp, noop)", cfg.Tracer.Exporter)
		}
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		ve.Add("metrics.path must start with /")
	}
}

func validateSchedule(field, spec string, ve *ValidationError) {
	if _, err := cron.ParseStandard(spec); err != nil {
		ve.Add("%s %q is not a valid cron expression: %v", field, spec, err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
