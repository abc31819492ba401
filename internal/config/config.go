package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort                    = 8000
	defaultSadTalkerDir            = "/workspace/SadTalker"
	defaultOutputDir               = "/workspace/iAvatar/outputs"
	defaultTempDir                 = "/workspace/iAvatar/temp"
	defaultDataDir                 = "/workspace/iAvatar/data"
	defaultPythonBin               = "python"
	defaultGenerateTimeoutSeconds  = 120
	defaultBootstrapTimeoutSeconds = 300
	defaultProbeTimeoutSeconds     = 20
	defaultMaxConcurrentJobs       = 1
	defaultQueueDepth              = 8
	defaultMaxUploadBytes          = 50 << 20
)

// Config describes runtime configuration for the service.
type Config struct {
	Port                    int    `yaml:"port"`
	SadTalkerDir            string `yaml:"sadtalker_dir"`
	OutputDir               string `yaml:"output_dir"`
	TempDir                 string `yaml:"temp_dir"`
	DataDir                 string `yaml:"data_dir"`
	PythonBin               string `yaml:"python_bin"`
	GenerateTimeoutSeconds  int    `yaml:"generate_timeout_seconds"`
	BootstrapTimeoutSeconds int    `yaml:"bootstrap_timeout_seconds"`
	ProbeTimeoutSeconds     int    `yaml:"probe_timeout_seconds"`
	MaxConcurrentJobs       int    `yaml:"max_concurrent_jobs"`
	QueueDepth              int    `yaml:"queue_depth"`
	MaxUploadBytes          int64  `yaml:"max_upload_bytes"`
}

// Default returns the built-in defaults, matching the paths the container
// image lays out under /workspace.
func Default() Config {
	return Config{
		Port:                    defaultPort,
		SadTalkerDir:            defaultSadTalkerDir,
		OutputDir:               defaultOutputDir,
		TempDir:                 defaultTempDir,
		DataDir:                 defaultDataDir,
		PythonBin:               defaultPythonBin,
		GenerateTimeoutSeconds:  defaultGenerateTimeoutSeconds,
		BootstrapTimeoutSeconds: defaultBootstrapTimeoutSeconds,
		ProbeTimeoutSeconds:     defaultProbeTimeoutSeconds,
		MaxConcurrentJobs:       defaultMaxConcurrentJobs,
		QueueDepth:              defaultQueueDepth,
		MaxUploadBytes:          defaultMaxUploadBytes,
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error. Environment variables
// (SADTALKER_PATH, OUTPUT_DIR, TEMP_DIR, PORT) override the file either way.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	cfg, err = applyEnv(cfg)
	if err != nil {
		return cfg, err
	}
	// basic normalization
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.SadTalkerDir == "" {
		cfg.SadTalkerDir = defaultSadTalkerDir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = defaultOutputDir
	}
	if cfg.TempDir == "" {
		cfg.TempDir = defaultTempDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.PythonBin == "" {
		cfg.PythonBin = defaultPythonBin
	}
	if cfg.GenerateTimeoutSeconds == 0 {
		cfg.GenerateTimeoutSeconds = defaultGenerateTimeoutSeconds
	}
	if cfg.BootstrapTimeoutSeconds == 0 {
		cfg.BootstrapTimeoutSeconds = defaultBootstrapTimeoutSeconds
	}
	if cfg.ProbeTimeoutSeconds == 0 {
		cfg.ProbeTimeoutSeconds = defaultProbeTimeoutSeconds
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	return cfg, validate(cfg)
}

func validate(cfg Config) error {
	// validate concurrency explicitly: values < 1 are not allowed
	if cfg.MaxConcurrentJobs < 1 {
		return fmt.Errorf("invalid max_concurrent_jobs: %d (must be >= 1)", cfg.MaxConcurrentJobs)
	}
	if cfg.QueueDepth < 1 {
		return fmt.Errorf("invalid queue_depth: %d (must be >= 1)", cfg.QueueDepth)
	}
	if cfg.GenerateTimeoutSeconds < 1 {
		return fmt.Errorf("invalid generate_timeout_seconds: %d (must be >= 1)", cfg.GenerateTimeoutSeconds)
	}
	if cfg.BootstrapTimeoutSeconds < 1 {
		return fmt.Errorf("invalid bootstrap_timeout_seconds: %d (must be >= 1)", cfg.BootstrapTimeoutSeconds)
	}
	if cfg.ProbeTimeoutSeconds < 1 {
		return fmt.Errorf("invalid probe_timeout_seconds: %d (must be >= 1)", cfg.ProbeTimeoutSeconds)
	}
	if cfg.MaxUploadBytes < 1 {
		return fmt.Errorf("invalid max_upload_bytes: %d (must be >= 1)", cfg.MaxUploadBytes)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	return nil
}

// applyEnv keeps the environment variable names the deployment scripts
// already export for the container.
func applyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("SADTALKER_PATH")); v != "" {
		cfg.SadTalkerDir = v
	}
	if v := strings.TrimSpace(os.Getenv("OUTPUT_DIR")); v != "" {
		cfg.OutputDir = v
	}
	if v := strings.TrimSpace(os.Getenv("TEMP_DIR")); v != "" {
		cfg.TempDir = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	return cfg, nil
}

// GenerateTimeout bounds one inference subprocess run.
func (c Config) GenerateTimeout() time.Duration {
	return time.Duration(c.GenerateTimeoutSeconds) * time.Second
}

// BootstrapTimeout bounds the startup checkpoint download script.
func (c Config) BootstrapTimeout() time.Duration {
	return time.Duration(c.BootstrapTimeoutSeconds) * time.Second
}

// ProbeTimeout bounds the accelerator capability probe.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// LedgerPath is the SQLite database holding job state.
func (c Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "jobs.db")
}

// LockPath is the single-instance lock file.
func (c Config) LockPath() string {
	return filepath.Join(c.DataDir, "iavatar.lock")
}
