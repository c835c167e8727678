// Package config loads application configuration from defaults, an
// optional YAML config file, environment variables and runtime
// overrides, in increasing order of precedence.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// envPrefix namespaces environment overrides, e.g. HPCMETER_SERVER_PORT.
const envPrefix = "HPCMETER"

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// DirectoryConfig configures the people-directory enrichment client.
type DirectoryConfig struct {
	BaseURL   string  `mapstructure:"base_url"`
	Domain    string  `mapstructure:"domain"`
	RateLimit float64 `mapstructure:"rate_limit"`
}

// Config is the full application configuration.
type Config struct {
	// JobsDB and UsageDB are the SQLite database paths.
	JobsDB  string `mapstructure:"jobs_db"`
	UsageDB string `mapstructure:"usage_db"`

	// Scheduler selects the job source ("lsf").
	Scheduler string `mapstructure:"scheduler"`

	// Workers bounds parallel aggregation windows.
	Workers int `mapstructure:"workers"`

	// PolicyFile optionally overrides the built-in footprint policy.
	PolicyFile string `mapstructure:"policy_file"`

	// CustomUsers is an optional JSON file of user metadata overrides.
	CustomUsers string `mapstructure:"custom_users"`

	Directory DirectoryConfig `mapstructure:"directory"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("jobs_db", "jobs.db")
	v.SetDefault("usage_db", "usage.db")
	v.SetDefault("scheduler", "lsf")
	v.SetDefault("workers", 1)

	v.SetDefault("directory.base_url", "https://www.ebi.ac.uk/ebisearch/ws/rest/ebiweb_people/")
	v.SetDefault("directory.domain", "ebi.ac.uk")
	v.SetDefault("directory.rate_limit", 0)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "cli")
}

// Load builds the configuration. configFile may be empty, in which case
// only defaults, environment and overrides apply. Later overrides win.
func Load(ctx context.Context, configFile string, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	for _, o := range overrides {
		if err := v.MergeConfigMap(o); err != nil {
			return nil, fmt.Errorf("merge overrides: %w", err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be >= 1, got %d", cfg.Workers)
	}
	return &cfg, nil
}
