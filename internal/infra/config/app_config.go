// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEnvVar overrides upstream.apiKey when set.
const APIKeyEnvVar = "RELAY_FMP_API_KEY"

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

const defaultBroadcastWorkers = 8

// WorkerSetting encapsulates a worker count that accepts both numeric and symbolic values.
type WorkerSetting struct {
	kind  workerKind
	value int
}

// Workers returns an explicit worker count setting.
func Workers(n int) WorkerSetting {
	if n <= 0 {
		return WorkerSetting{kind: workerDefault, value: 0}
	}
	return WorkerSetting{kind: workerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{kind: workerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = workerUnset
		s.value = 0
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		s.kind = workerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = workerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("maxWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("maxWorkers: numeric value must be > 0")
	}
	s.kind = workerExplicit
	s.value = val
	return nil
}

// MarshalYAML renders the setting back to its symbolic or numeric form.
func (s WorkerSetting) MarshalYAML() (any, error) {
	switch s.kind {
	case workerExplicit:
		return s.value, nil
	case workerAuto:
		return "auto", nil
	default:
		return "default", nil
	}
}

// Count returns the effective worker count.
func (s WorkerSetting) Count() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return defaultBroadcastWorkers
	default:
		return defaultBroadcastWorkers
	}
}

// ServerConfig configures the websocket and ops HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	Path              string        `yaml:"path"`
	ReadLimit         int64         `yaml:"readLimit"`
	SendBuffer        int           `yaml:"sendBuffer"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
	PingInterval      time.Duration `yaml:"pingInterval"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	// OriginPatterns lists extra hosts allowed to open cross-origin websocket connections.
	OriginPatterns []string `yaml:"originPatterns"`
}

func (c *ServerConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = ":9502"
	}
	c.Path = strings.TrimSpace(c.Path)
	if c.Path == "" {
		c.Path = "/ws"
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 16
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	patterns := c.OriginPatterns[:0]
	for _, pattern := range c.OriginPatterns {
		if trimmed := strings.TrimSpace(pattern); trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	c.OriginPatterns = patterns
}

func (c ServerConfig) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr required")
	}
	if c.Path == "/" || c.Path == "/healthz" || c.Path == "/status" {
		return fmt.Errorf("path %q collides with an ops route", c.Path)
	}
	if c.ReadLimit <= 0 {
		return fmt.Errorf("readLimit must be >0")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("sendBuffer must be >0")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("writeTimeout must be >0")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("pingInterval must be >0")
	}
	for _, pattern := range c.OriginPatterns {
		if _, err := path.Match(strings.ToLower(pattern), ""); err != nil {
			return fmt.Errorf("originPatterns: invalid pattern %q", pattern)
		}
	}
	return nil
}

// BroadcastConfig controls the recurring price push.
type BroadcastConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxWorkers WorkerSetting `yaml:"maxWorkers"`
}

// UpstreamConfig configures the Financial Modeling Prep quote client.
type UpstreamConfig struct {
	BaseURL           string        `yaml:"baseURL"`
	APIKey            string        `yaml:"apiKey"`
	Timeout           time.Duration `yaml:"timeout"`
	BatchSize         int           `yaml:"batchSize"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	MaxCooldown       time.Duration `yaml:"maxCooldown"`
}

func (c *UpstreamConfig) applyDefaults() {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	if c.BaseURL == "" {
		c.BaseURL = "https://financialmodelingprep.com/api/v3/"
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = time.Minute
	}
}

func (c UpstreamConfig) validate() error {
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("baseURL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("baseURL must use http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("baseURL host required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be >0")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be >0")
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requestsPerSecond must be >0")
	}
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be >0")
	}
	if c.MaxCooldown <= 0 {
		return fmt.Errorf("maxCooldown must be >0")
	}
	return nil
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified relay configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Broadcast   BroadcastConfig `yaml:"broadcast"`
	Upstream    UpstreamConfig  `yaml:"upstream"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns a fully populated configuration suitable for local development.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Server: ServerConfig{
			Addr:              "",
			Path:              "",
			ReadLimit:         0,
			SendBuffer:        0,
			WriteTimeout:      0,
			PingInterval:      0,
			ReadHeaderTimeout: 0,
			OriginPatterns:    nil,
		},
		Broadcast: BroadcastConfig{
			Interval:   0,
			MaxWorkers: Workers(0),
		},
		Upstream: UpstreamConfig{
			BaseURL:           "",
			APIKey:            "",
			Timeout:           0,
			BatchSize:         0,
			RequestsPerSecond: 0,
			Burst:             0,
			MaxCooldown:       0,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "price-relay",
			OTLPInsecure:  false,
			EnableMetrics: false,
		},
	}
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the file does not exist.
// The boolean result reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg = Default()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

// Redacted returns a copy of the configuration with secrets masked.
func (c AppConfig) Redacted() AppConfig {
	out := c
	if out.Upstream.APIKey != "" {
		out.Upstream.APIKey = "REDACTED"
	}
	out.Server.OriginPatterns = append([]string(nil), c.Server.OriginPatterns...)
	return out
}

// Encode renders cfg in the YAML layout accepted by Load.
func Encode(cfg AppConfig) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

func (c *AppConfig) normalise() {
	c.Environment = normalizeEnvironment(c.Environment)
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Server.applyDefaults()

	if c.Broadcast.Interval <= 0 {
		c.Broadcast.Interval = 5 * time.Second
	}

	if key := strings.TrimSpace(os.Getenv(APIKeyEnvVar)); key != "" {
		c.Upstream.APIKey = key
	}
	c.Upstream.applyDefaults()

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "price-relay"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := c.Server.validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if c.Broadcast.Interval <= 0 {
		return fmt.Errorf("broadcast interval must be >0")
	}
	if c.Broadcast.MaxWorkers.Count() <= 0 {
		return fmt.Errorf("broadcast maxWorkers must be >0")
	}

	if err := c.Upstream.validate(); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	if c.Environment == EnvProd && c.Upstream.APIKey == "" {
		return fmt.Errorf("upstream: apiKey required in prod (set %s)", APIKeyEnvVar)
	}

	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics are enabled")
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
