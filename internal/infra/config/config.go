package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"aiconsole/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	LLM       LLMConfig       `yaml:"llm"`
	Store     StoreConfig     `yaml:"store"`
	Assets    AssetsConfig    `yaml:"assets"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	CodeRun   CodeRunConfig   `yaml:"coderun"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// GatewayConfig holds the HTTP/websocket server settings.
type GatewayConfig struct {
	Addr           string          `yaml:"addr"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	// ClientRate limits client messages per connection (messages/second).
	ClientRate   float64       `yaml:"client_rate"`
	ClientBurst  int           `yaml:"client_burst"`
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxMessage   int64         `yaml:"max_message_bytes"`
	// LockWait bounds how long a turn waits for the chat lock.
	LockWait time.Duration `yaml:"lock_wait"`
}

// RateLimitConfig holds per-IP HTTP rate limit settings.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// LLMConfig holds inference settings.
type LLMConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	// GPTModes maps quality/speed/cost to a provider name.
	GPTModes        map[string]string    `yaml:"gpt_modes"`
	DefaultProvider string               `yaml:"default_provider"`
	Fallbacks       []string             `yaml:"fallbacks"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	MaxRestarts     int                  `yaml:"max_restarts"`
	MinTokens       int                  `yaml:"min_tokens"`
	PreferredTokens int                  `yaml:"preferred_tokens"`
	Temperature     float64              `yaml:"temperature"`
	MaxAutoRuns     int                  `yaml:"max_auto_runs"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // openai | bedrock
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ContextSize int           `yaml:"context_size"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AssetsConfig holds asset seed settings.
type AssetsConfig struct {
	Dir string `yaml:"dir"`
	// ReloadSchedule is a cron expression; empty disables reloads.
	ReloadSchedule string `yaml:"reload_schedule"`
}

// SandboxConfig bounds dynamic material evaluation.
type SandboxConfig struct {
	MaxSteps       uint64        `yaml:"max_steps"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	WASMMemoryPage uint32        `yaml:"wasm_memory_pages"`
	Concurrency    int           `yaml:"concurrency"`
}

// CodeRunConfig holds settings for running accepted tool calls.
type CodeRunConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	WorkDir        string        `yaml:"work_dir"`
	Python         string        `yaml:"python"`
	Shell          string        `yaml:"shell"`
	AppleScript    string        `yaml:"applescript"`
}

// ClusterConfig holds multi-node settings.
type ClusterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	NodeID        string        `yaml:"node_id"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
}

// SchedulerConfig holds periodic job settings.
type SchedulerConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CompactionSchedule string `yaml:"compaction_schedule"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// defaultDataDir returns the persistent data directory under $HOME/.aiconsole.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".aiconsole")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Gateway: GatewayConfig{
			Addr:           "127.0.0.1:8000",
			AllowedOrigins: []string{"http://localhost:3000"},
			RateLimit:      RateLimitConfig{Enabled: true, RPS: 20, Burst: 40},
			ClientRate:     50,
			ClientBurst:    100,
			SendBuffer:     256,
			WriteTimeout:   10 * time.Second,
			MaxMessage:     1 << 20,
			LockWait:       10 * time.Second,
		},
		LLM: LLMConfig{
			Providers: []ProviderConfig{{
				Name:        "openai",
				Type:        "openai",
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o",
				ContextSize: 128000,
				ConnTimeout: 10 * time.Second,
				RespTimeout: 120 * time.Second,
			}},
			GPTModes: map[string]string{
				"quality": "openai",
				"speed":   "openai",
				"cost":    "openai",
			},
			DefaultProvider: "openai",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			MaxRestarts:     2,
			MinTokens:       250,
			PreferredTokens: 2000,
			Temperature:     0.2,
			MaxAutoRuns:     5,
		},
		Store: StoreConfig{Path: filepath.Join(dataDir, "aiconsole.db")},
		Assets: AssetsConfig{
			Dir:            filepath.Join(dataDir, "assets"),
			ReloadSchedule: "@every 1m",
		},
		Sandbox: SandboxConfig{
			MaxSteps:       1_000_000,
			ExecTimeout:    5 * time.Second,
			WASMMemoryPage: 256,
			Concurrency:    4,
		},
		CodeRun: CodeRunConfig{
			Timeout:        60 * time.Second,
			MaxOutputBytes: 64 * 1024,
			WorkDir:        filepath.Join(dataDir, "workspace"),
			Python:         "python3",
			Shell:          "/bin/sh",
			AppleScript:    "osascript",
		},
		Cluster: ClusterConfig{
			RedisAddr: "127.0.0.1:6379",
			LockTTL:   30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			CompactionSchedule: "@every 10m",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w: %w", domain.ErrConfigLoad, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Re-read the main file so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "second pass: "+err.Error())
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("AICONSOLE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w: %w", domain.ErrDecryption, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps AICONSOLE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AICONSOLE_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("AICONSOLE_GATEWAY_ALLOWED_ORIGINS"); v != "" {
		cfg.Gateway.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("AICONSOLE_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("AICONSOLE_LLM_FALLBACKS"); v != "" {
		cfg.LLM.Fallbacks = splitAndTrim(v, ",")
	}
	if v := os.Getenv("AICONSOLE_LLM_MAX_RESTARTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.MaxRestarts = n
		}
	}
	// AICONSOLE_LLM_<NAME>_API_KEY sets the key of the provider called <name>.
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		env := "AICONSOLE_LLM_" + strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(env); v != "" {
			p.APIKey = v
		}
	}
	if v := os.Getenv("AICONSOLE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AICONSOLE_ASSETS_DIR"); v != "" {
		cfg.Assets.Dir = v
	}
	if v := os.Getenv("AICONSOLE_CLUSTER_ENABLED"); v != "" {
		cfg.Cluster.Enabled = v == "true"
	}
	if v := os.Getenv("AICONSOLE_CLUSTER_REDIS_ADDR"); v != "" {
		cfg.Cluster.RedisAddr = v
	}
	if v := os.Getenv("AICONSOLE_CLUSTER_REDIS_PASSWORD"); v != "" {
		cfg.Cluster.RedisPassword = v
	}
	if v := os.Getenv("AICONSOLE_CLUSTER_NODE_ID"); v != "" {
		cfg.Cluster.NodeID = v
	}
	if v := os.Getenv("AICONSOLE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AICONSOLE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AICONSOLE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AICONSOLE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AICONSOLE_TRACER_ENDPOINT"); v != "" {
		cfg.Tracer.Endpoint = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
			}
			cfg.LLM.Providers[i].APIKey = decrypted
		}
	}

	if strings.HasPrefix(cfg.Cluster.RedisPassword, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Cluster.RedisPassword, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("cluster redis_password: %w", err)
		}
		cfg.Cluster.RedisPassword = decrypted
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: generate salt: %w", domain.ErrEncryption, err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %w", domain.ErrEncryption, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	salt, data, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, saltBytes))
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file is not writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
