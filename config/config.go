// Package config loads the small set of tunables the core consumes:
// the iteration watchdog timeout, the optional admission rate limit, and
// the optional distributed leader-election key. Environment variables take
// precedence over a YAML file so deployments can override a shared config
// map with a pod-level env var.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable read by the supervisor and its optional
// expansions. Zero values mean "disabled" for every optional field.
type Config struct {
	// IterationTimeout bounds a single engine-step wait cycle (§6).
	// Defaults to 60 seconds, matching ENGINE_ITERATION_TIMEOUT_S.
	IterationTimeout time.Duration `yaml:"-"`

	// SubmitRateLimit, if positive, enables the token-bucket admission
	// limiter (requests/sec). Zero disables it.
	SubmitRateLimit float64 `yaml:"submit_rate_limit"`

	// LeaderLockKey, if non-empty, enables Redis-backed leader election
	// before the background loop starts.
	LeaderLockKey string `yaml:"leader_lock_key"`

	// Temporal, GRPC, Mongo, and Redis hold adapter-specific settings; all
	// are optional. They are only parsed: the engine adapters, the stats
	// sink, and the supervisor take their own Options and do not read them.
	Temporal TemporalConfig `yaml:"temporal"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Redis    RedisConfig    `yaml:"redis"`
}

// TemporalConfig configures the temporal-backed Engine adapter.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

// GRPCConfig configures the remote-executor Engine adapter.
type GRPCConfig struct {
	Target string `yaml:"target"`
}

// MongoConfig configures the optional Mongo-backed stats sink.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// RedisConfig holds the Redis address for deployments that use the leader
// lock or the Pulse-backed stream transport; those take a *redis.Client
// from their callers and do not read it.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

const (
	envIterationTimeout = "ENGINE_ITERATION_TIMEOUT_S"
	envSubmitRateLimit  = "ENGINE_SUBMIT_RATE_LIMIT"
	envLeaderLockKey    = "ENGINE_LEADER_LOCK_KEY"

	defaultIterationTimeoutSeconds = 60
)

// Load reads an optional YAML file at path (skipped entirely if path is
// empty or the file does not exist) and overlays recognized environment
// variables on top of it.
func Load(path string) (*Config, error) {
	cfg := &Config{IterationTimeout: defaultIterationTimeoutSeconds * time.Second}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// no config file is a valid, common configuration
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if v := os.Getenv(envIterationTimeout); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: %s must be an integer number of seconds: %w", envIterationTimeout, err)
		}
		cfg.IterationTimeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv(envSubmitRateLimit); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: %s must be a float: %w", envSubmitRateLimit, err)
		}
		cfg.SubmitRateLimit = rate
	}
	if v := os.Getenv(envLeaderLockKey); v != "" {
		cfg.LeaderLockKey = v
	}

	return cfg, nil
}
