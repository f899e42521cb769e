// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Orchestrator and worker configuration: defaults, TOML file, environment.

package control

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/momentics/hioload-relay/api"
)

// Environment variables recognised by relayd.
const (
	EnvListenAddr = "RELAY_LISTEN_ADDR"
	EnvBacklog    = "RELAY_BACKLOG"
	EnvWorkers    = "RELAY_WORKERS"
	EnvWorkerPath = "RELAY_WORKER_PATH"
	EnvPinWorkers = "RELAY_PIN_WORKERS"
)

// Environment variables relayd sets for each relay-worker child.
const (
	EnvWorkerIndex        = "RELAY_WORKER_INDEX"
	EnvWorkerReadBuffer   = "RELAY_WORKER_READ_BUFFER"
	EnvWorkerDrainTimeout = "RELAY_WORKER_DRAIN_TIMEOUT"
)

const minReadBuffer = 512

// Config holds orchestrator configuration.
type Config struct {
	ListenAddr      string        // public TCP endpoint, e.g. "0.0.0.0:7000"
	Backlog         int           // listen(2) backlog
	Workers         int           // pool size, 0 = host CPU count
	WorkerPath      string        // worker executable, resolved through PATH when bare
	PinWorkers      bool          // pin worker i to CPU i mod CPUs
	ReadBuffer      int           // worker per-read buffer size
	ShutdownTimeout time.Duration // grace period for children before kill
	DrainTimeout    time.Duration // worker bound on flushing writes after channel EOF
	MetricsInterval time.Duration // periodic metrics log, 0 disables
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "0.0.0.0:7000",
		Backlog:         128,
		Workers:         0,
		WorkerPath:      "relay-worker",
		PinWorkers:      false,
		ReadBuffer:      64 * 1024,
		ShutdownTimeout: 5 * time.Second,
		DrainTimeout:    2 * time.Second,
		MetricsInterval: 0,
	}
}

type fileConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	Backlog         int    `toml:"backlog"`
	Workers         int    `toml:"workers"`
	WorkerPath      string `toml:"worker_path"`
	PinWorkers      bool   `toml:"pin_workers"`
	ReadBuffer      int    `toml:"read_buffer"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	DrainTimeout    string `toml:"drain_timeout"`
	MetricsInterval string `toml:"metrics_interval"`
}

// Load builds a Config from defaults, the optional TOML file at path and the
// environment, in that order of precedence (later wins).
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		var err error
		cfg, err = LoadFile(path)
		if err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the keys defined in the TOML file on DefaultConfig.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load relay config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load relay config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("backlog") {
		cfg.Backlog = raw.Backlog
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("worker_path") {
		cfg.WorkerPath = strings.TrimSpace(raw.WorkerPath)
	}
	if meta.IsDefined("pin_workers") {
		cfg.PinWorkers = raw.PinWorkers
	}
	if meta.IsDefined("read_buffer") {
		cfg.ReadBuffer = raw.ReadBuffer
	}
	if meta.IsDefined("shutdown_timeout") {
		if cfg.ShutdownTimeout, err = parseDuration("shutdown_timeout", raw.ShutdownTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("drain_timeout") {
		if cfg.DrainTimeout, err = parseDuration("drain_timeout", raw.DrainTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("metrics_interval") {
		if cfg.MetricsInterval, err = parseDuration("metrics_interval", raw.MetricsInterval); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from RELAY_* variables that are set and non-empty.
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvListenAddr)); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvWorkerPath)); v != "" {
		c.WorkerPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBacklog)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvBacklog, err)
		}
		c.Backlog = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvWorkers)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvWorkers, err)
		}
		c.Workers = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvPinWorkers)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvPinWorkers, err)
		}
		c.PinWorkers = b
	}
	return nil
}

// Validate rejects configurations the orchestrator cannot start with.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.ListenAddr) == "":
		return fmt.Errorf("listen_addr is empty: %w", api.ErrInvalidArgument)
	case c.Backlog <= 0:
		return fmt.Errorf("backlog must be positive, got %d: %w", c.Backlog, api.ErrInvalidArgument)
	case c.Workers < 0:
		return fmt.Errorf("workers must not be negative, got %d: %w", c.Workers, api.ErrInvalidArgument)
	case strings.TrimSpace(c.WorkerPath) == "":
		return fmt.Errorf("worker_path is empty: %w", api.ErrInvalidArgument)
	case c.ReadBuffer < minReadBuffer:
		return fmt.Errorf("read_buffer must be at least %d, got %d: %w", minReadBuffer, c.ReadBuffer, api.ErrInvalidArgument)
	case c.ShutdownTimeout < 0 || c.DrainTimeout < 0 || c.MetricsInterval < 0:
		return fmt.Errorf("durations must not be negative: %w", api.ErrInvalidArgument)
	}
	return nil
}

// WorkerConfig is what a relay-worker learns from its environment.
type WorkerConfig struct {
	Index        int
	PinCPU       bool
	ReadBuffer   int
	DrainTimeout time.Duration
}

// WorkerEnv returns the variables relayd appends to the environment of
// worker index.
func (c Config) WorkerEnv(index int) []string {
	return []string{
		EnvWorkerIndex + "=" + strconv.Itoa(index),
		EnvPinWorkers + "=" + strconv.FormatBool(c.PinWorkers),
		EnvWorkerReadBuffer + "=" + strconv.Itoa(c.ReadBuffer),
		EnvWorkerDrainTimeout + "=" + c.DrainTimeout.String(),
	}
}

// LoadWorkerEnv reads the worker contract. Missing variables fall back to
// DefaultConfig so a worker can be started by hand for debugging.
func LoadWorkerEnv() (WorkerConfig, error) {
	def := DefaultConfig()
	wc := WorkerConfig{
		Index:        0,
		PinCPU:       def.PinWorkers,
		ReadBuffer:   def.ReadBuffer,
		DrainTimeout: def.DrainTimeout,
	}
	if v := strings.TrimSpace(os.Getenv(EnvWorkerIndex)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return WorkerConfig{}, fmt.Errorf("parse %s=%q: %w", EnvWorkerIndex, v, api.ErrInvalidArgument)
		}
		wc.Index = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvPinWorkers)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return WorkerConfig{}, fmt.Errorf("parse %s: %w", EnvPinWorkers, err)
		}
		wc.PinCPU = b
	}
	if v := strings.TrimSpace(os.Getenv(EnvWorkerReadBuffer)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minReadBuffer {
			return WorkerConfig{}, fmt.Errorf("parse %s=%q: %w", EnvWorkerReadBuffer, v, api.ErrInvalidArgument)
		}
		wc.ReadBuffer = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvWorkerDrainTimeout)); v != "" {
		d, err := parseDuration(EnvWorkerDrainTimeout, v)
		if err != nil {
			return WorkerConfig{}, err
		}
		wc.DrainTimeout = d
	}
	return wc, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration: %w", key, api.ErrInvalidArgument)
	}
	return d, nil
}
