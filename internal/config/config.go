// Package config loads Listener and Worker configuration from an optional
// YAML file layered under environment variables, mirroring the orchestrator
// pattern this module descends from: viper resolves the file, envconfig
// overlays FLEETRUNNER_* environment variables, and struct tags carry
// defaults so a bare environment still produces a usable configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration tree shared by the Listener and
// Worker binaries. Both read the same file; each only consumes the
// sections relevant to it.
type Config struct {
	Runner     RunnerConfig     `yaml:"runner" envconfig:"RUNNER"`
	API        APIConfig        `yaml:"api" envconfig:"API"`
	Listener   ListenerConfig   `yaml:"listener" envconfig:"LISTENER"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" envconfig:"DISPATCHER"`
	Worker     WorkerConfig     `yaml:"worker" envconfig:"WORKER"`
	Container  ContainerConfig  `yaml:"container" envconfig:"CONTAINER"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Monitoring MonitoringConfig `yaml:"monitoring" envconfig:"MONITORING"`
	Dedup      DedupConfig      `yaml:"dedup" envconfig:"DEDUP"`
	Tracing    TracingConfig    `yaml:"tracing" envconfig:"TRACING"`
}

// RunnerConfig identifies this runner instance, surfaced as the `runner`
// expression context and in log fields.
type RunnerConfig struct {
	Name        string `yaml:"name" envconfig:"NAME" default:"auto"`
	Environment string `yaml:"environment" envconfig:"ENVIRONMENT" default:"self-hosted"`
	TempDir     string `yaml:"tempDir" envconfig:"TEMP_DIR" default:"/tmp/fleetrunner"`
	ToolCache   string `yaml:"toolCache" envconfig:"TOOL_CACHE" default:"/opt/fleetrunner/tool-cache"`
	Workspace   string `yaml:"workspace" envconfig:"WORKSPACE" default:"/opt/fleetrunner/work"`
}

// APIConfig defines the orchestration service session.
type APIConfig struct {
	Endpoint         string        `yaml:"endpoint" envconfig:"ENDPOINT" required:"true"`
	Token            string        `yaml:"token" envconfig:"TOKEN"`
	TLSNoVerify      bool          `yaml:"tlsNoVerify" envconfig:"TLS_NO_VERIFY" default:"false"`
	HTTPProxy        string        `yaml:"httpProxy" envconfig:"HTTP_PROXY"`
	HTTPSProxy       string        `yaml:"httpsProxy" envconfig:"HTTPS_PROXY"`
	NoProxy          string        `yaml:"noProxy" envconfig:"NO_PROXY"`
	ServerTimeout    time.Duration `yaml:"serverTimeout" envconfig:"SERVER_TIMEOUT" default:"50s"`
	LocalSafetyMargin time.Duration `yaml:"localSafetyMargin" envconfig:"LOCAL_SAFETY_MARGIN" default:"10s"`
	Retry            RetryConfig   `yaml:"retry" envconfig:"RETRY"`
}

// ListenerConfig defines the message loop's poll behavior.
type ListenerConfig struct {
	PollInterval   time.Duration `yaml:"pollInterval" envconfig:"POLL_INTERVAL" default:"0s"`
	ShutdownGrace  time.Duration `yaml:"shutdownGrace" envconfig:"SHUTDOWN_GRACE" default:"30s"`
}

// DispatcherConfig defines Worker subprocess lifecycle bounds.
type DispatcherConfig struct {
	WorkerBinary    string        `yaml:"workerBinary" envconfig:"WORKER_BINARY" default:"runner-worker"`
	AcceptTimeout   time.Duration `yaml:"acceptTimeout" envconfig:"ACCEPT_TIMEOUT" default:"30s"`
	CancelGrace     time.Duration `yaml:"cancelGrace" envconfig:"CANCEL_GRACE" default:"45s"`
	SocketDir       string        `yaml:"socketDir" envconfig:"SOCKET_DIR" default:"/tmp"`
}

// WorkerConfig holds Worker settings loaded with the rest of the file. The
// Worker does not read them: a step without timeout_minutes gets the Steps
// Runner's fixed 10-minute timeout, and debug output follows
// logging.DebugEnabled.
type WorkerConfig struct {
	StepTimeout    time.Duration `yaml:"stepTimeout" envconfig:"STEP_TIMEOUT" default:"6h"`
	DebugLogging   bool          `yaml:"debugLogging" envconfig:"DEBUG_LOGGING" default:"false"`
}

// ContainerConfig defines the Docker daemon settings used by the container
// Handler.
type ContainerConfig struct {
	Docker    DockerConfig   `yaml:"docker" envconfig:"DOCKER"`
	Resources ResourceLimits `yaml:"resources" envconfig:"RESOURCES"`
}

// DockerConfig defines Docker daemon connectivity.
type DockerConfig struct {
	Host      string `yaml:"host" envconfig:"HOST" default:"unix:///var/run/docker.sock"`
	APIVersion string `yaml:"apiVersion" envconfig:"API_VERSION" default:"1.44"`
}

// ResourceLimits bounds container Handler resource usage.
type ResourceLimits struct {
	CPU    float64 `yaml:"cpu" envconfig:"CPU" default:"1.0"`
	Memory string  `yaml:"memory" envconfig:"MEMORY" default:"1GB"`
}

// LoggingConfig defines logrus setup.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"text"`
}

// MonitoringConfig defines the Prometheus exposition endpoint.
type MonitoringConfig struct {
	Enabled     bool `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	MetricsPort int  `yaml:"metricsPort" envconfig:"METRICS_PORT" default:"9090"`
}

// DedupConfig defines the optional Redis-backed job-id dedup store.
type DedupConfig struct {
	RedisAddr string        `yaml:"redisAddr" envconfig:"REDIS_ADDR"`
	TTL       time.Duration `yaml:"ttl" envconfig:"TTL" default:"10m"`
}

// TracingConfig defines the OpenTelemetry exporter for Listener→Dispatcher→
// Worker spans.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	Endpoint string `yaml:"endpoint" envconfig:"ENDPOINT"`
}

// RetryConfig holds HTTP retry settings. Validate checks them, but the
// Listener's client does not apply them: each request is made once.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts" envconfig:"MAX_ATTEMPTS" default:"3"`
	InitialDelay time.Duration `yaml:"initialDelay" envconfig:"INITIAL_DELAY" default:"1s"`
	MaxDelay     time.Duration `yaml:"maxDelay" envconfig:"MAX_DELAY" default:"30s"`
}

// Load reads configuration from configPath (if non-empty) or the standard
// search locations, layers environment variables over it, and validates
// the result.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("fleetrunner")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/fleetrunner")
		viper.AddConfigPath("$HOME/.fleetrunner")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("FLEETRUNNER", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	applyProxyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("runner.name", "auto")
	viper.SetDefault("runner.environment", "self-hosted")
	viper.SetDefault("listener.pollInterval", "0s")
	viper.SetDefault("listener.shutdownGrace", "30s")
	viper.SetDefault("dispatcher.acceptTimeout", "30s")
	viper.SetDefault("dispatcher.cancelGrace", "45s")
	viper.SetDefault("worker.stepTimeout", "6h")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metricsPort", 9090)
}

// applyProxyEnv honors the standard HTTP_PROXY/HTTPS_PROXY/NO_PROXY
// variables when the config file didn't set them explicitly.
func applyProxyEnv(cfg *Config) {
	if cfg.API.HTTPProxy == "" {
		cfg.API.HTTPProxy = os.Getenv("HTTP_PROXY")
	}
	if cfg.API.HTTPSProxy == "" {
		cfg.API.HTTPSProxy = os.Getenv("HTTPS_PROXY")
	}
	if cfg.API.NoProxy == "" {
		cfg.API.NoProxy = os.Getenv("NO_PROXY")
	}
	if os.Getenv("GITHUB_ACTIONS_RUNNER_TLS_NO_VERIFY") != "" {
		cfg.API.TLSNoVerify = true
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var problems []string

	if c.API.Endpoint == "" {
		problems = append(problems, "api.endpoint is required")
	}
	if c.Monitoring.MetricsPort < 1 || c.Monitoring.MetricsPort > 65535 {
		problems = append(problems, "monitoring.metricsPort must be a valid port number")
	}
	if c.API.Retry.MaxAttempts < 1 {
		problems = append(problems, "api.retry.maxAttempts must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("validation errors: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Print writes the configuration as YAML with the API token redacted.
func (c *Config) Print(w io.Writer) error {
	safe := *c
	if safe.API.Token != "" {
		safe.API.Token = "***hidden***"
	}

	data, err := yaml.Marshal(&safe)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ConfigPath returns the file viper resolved, or the first standard
// location that exists on disk.
func ConfigPath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}

	locations := []string{
		"fleetrunner.yaml",
		"/etc/fleetrunner/fleetrunner.yaml",
		filepath.Join(os.Getenv("HOME"), ".fleetrunner", "fleetrunner.yaml"),
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}
