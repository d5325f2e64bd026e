package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "AWF"

type Config struct {
	DNSServers     []string      `mapstructure:"dns_servers"`
	SquidImage     string        `mapstructure:"squid_image"`
	AgentImage     string        `mapstructure:"agent_image"`
	PullImages     bool          `mapstructure:"pull_images"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
	HealthRetries  int           `mapstructure:"health_retries"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	WorkDirBase    string        `mapstructure:"work_dir_base"`
	KeepWorkDir    bool          `mapstructure:"keep_workdir"`
	HostLock       bool          `mapstructure:"host_lock"`
	LockPath       string        `mapstructure:"lock_path"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	// LogFile, when set, receives a rotated copy of the diagnostics.
	LogFile string `mapstructure:"log_file"`
	// MetricsTextfile, when set, receives the run's metrics at exit.
	MetricsTextfile string  `mapstructure:"metrics_textfile"`
	Archive         Archive `mapstructure:"archive"`
	// OneShotTokenLibrary is the preload library path inside the agent
	// image. OneShotTokens needs it.
	OneShotTokenLibrary string   `mapstructure:"one_shot_token_library"`
	OneShotTokens       []string `mapstructure:"one_shot_tokens"`
}

// Archive selects where preserved proxy logs are copied. Kind is "", "local"
// or "s3".
type Archive struct {
	Kind      string `mapstructure:"kind"`
	Dir       string `mapstructure:"dir"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// SetDefaults registers every key so environment variables bind even when no
// config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("dns_servers", []string{"8.8.8.8", "8.8.4.4"})
	v.SetDefault("squid_image", "ubuntu/squid:latest")
	v.SetDefault("agent_image", "ubuntu:24.04")
	v.SetDefault("pull_images", true)
	v.SetDefault("health_timeout", 60*time.Second)
	v.SetDefault("health_retries", 30)
	v.SetDefault("health_interval", 2*time.Second)
	v.SetDefault("stop_timeout", 10*time.Second)
	v.SetDefault("work_dir_base", "")
	v.SetDefault("keep_workdir", false)
	v.SetDefault("host_lock", true)
	v.SetDefault("lock_path", "/tmp/awf-iptables.lock")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "auto")
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_textfile", "")
	v.SetDefault("archive.kind", "")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.prefix", "awf")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("one_shot_token_library", "")
	v.SetDefault("one_shot_tokens", []string{})
}

// New returns a viper instance with defaults and AWF_* environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file when given, otherwise looks for awf.yaml in the usual
// places, and decodes the merged settings.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("awf")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/awf")
		v.AddConfigPath("/etc/awf")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.SquidImage == "" || c.AgentImage == "" {
		return errors.New("config: squid_image and agent_image are required")
	}
	if c.HealthTimeout <= 0 || c.HealthInterval <= 0 || c.HealthRetries <= 0 {
		return errors.New("config: health_timeout, health_interval and health_retries must be positive")
	}
	if c.StopTimeout < 0 {
		return errors.New("config: stop_timeout must not be negative")
	}
	if len(c.OneShotTokens) > 0 && c.OneShotTokenLibrary == "" {
		return errors.New("config: one_shot_tokens requires one_shot_token_library")
	}
	for _, name := range c.OneShotTokens {
		if !validEnvName(name) {
			return fmt.Errorf("config: one_shot_tokens: %q is not an environment variable name", name)
		}
	}
	switch c.Archive.Kind {
	case "":
	case "local":
		if c.Archive.Dir == "" {
			return errors.New("config: archive.dir is required for a local archive")
		}
	case "s3":
		if c.Archive.Bucket == "" {
			return errors.New("config: archive.bucket is required for an s3 archive")
		}
	default:
		return fmt.Errorf("config: unknown archive kind %q", c.Archive.Kind)
	}
	return nil
}

func validEnvName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
