// Package config loads the TOML configuration shared by the mapcluster
// binaries.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"web/mapcluster/cluster"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration written as a string ("30m", "5s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Server struct {
	// HTTPAddr is where the gin API listens.
	HTTPAddr string `toml:"http_addr"`
	// GRPCAddr is where the runner listens, or where the API dials it.
	GRPCAddr string `toml:"grpc_addr"`
	// AllowOrigin is returned in Access-Control-Allow-Origin.
	AllowOrigin     string   `toml:"allow_origin"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// BuildRate is the sustained number of cluster builds per second the
	// API accepts; BuildBurst bounds short spikes.
	BuildRate  float64 `toml:"build_rate"`
	BuildBurst int     `toml:"build_burst"`
}

type Runner struct {
	DataDir         string   `toml:"data_dir"`
	MaxClusters     int      `toml:"max_clusters"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	CleanupInterval Duration `toml:"cleanup_interval"`
	Preload         bool     `toml:"preload"`
	// DefaultCluster is used by routes that take no id.
	DefaultCluster string `toml:"default_cluster"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Server  Server                      `toml:"server"`
	Runner  Runner                      `toml:"runner"`
	Cluster cluster.SuperclusterOptions `toml:"cluster"`
	Log     Log                         `toml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr:        ":8000",
			GRPCAddr:        "localhost:50051",
			AllowOrigin:     "*",
			ShutdownTimeout: Duration{10 * time.Second},
			BuildRate:       1,
			BuildBurst:      3,
		},
		Runner: Runner{
			DataDir:         "data/clusters",
			MaxClusters:     5,
			IdleTimeout:     Duration{30 * time.Minute},
			CleanupInterval: Duration{5 * time.Minute},
		},
		Cluster: cluster.DefaultOptions(),
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. Keys the file sets override the
// defaults; unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults.
func Parse(data string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	return fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Runner.DataDir == "" {
		return fmt.Errorf("%w: runner.data_dir is empty", ErrInvalid)
	}
	if c.Runner.MaxClusters < 1 {
		return fmt.Errorf("%w: runner.max_clusters must be at least 1", ErrInvalid)
	}
	if c.Runner.IdleTimeout.Duration < 0 || c.Runner.CleanupInterval.Duration < 0 {
		return fmt.Errorf("%w: runner durations must not be negative", ErrInvalid)
	}
	if c.Server.BuildRate < 0 || c.Server.BuildBurst < 0 {
		return fmt.Errorf("%w: server build limits must not be negative", ErrInvalid)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}
