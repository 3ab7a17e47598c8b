package config

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "drs"
	DefaultConfigName = "config"
	DefaultConfigDir  = "drs-orchestrator"
)

var defaultConfigPaths = []string{
	".",
	"./config",
	path.Join("/etc", DefaultConfigDir),
}

// Config holds the orchestrator process configuration
type Config struct {
	App          AppConfig
	Log          LogConfig
	NATS         NATSConfig
	Recovery     RecoveryConfig
	Store        StoreConfig
	Orchestrator OrchestratorConfig
	Poll         PollConfig
	Pause        PauseConfig
	Plans        PlansConfig
	Trigger      TriggerConfig
	Monitor      MonitorConfig
}

type AppConfig struct {
	Name string
}

type LogConfig struct {
	Level       string
	Development bool
}

type NATSConfig struct {
	URL            string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

type RecoveryConfig struct {
	SubjectPrefix string
}

type StoreConfig struct {
	Path string
}

type OrchestratorConfig struct {
	MaxWaitTime   time.Duration
	DefaultRegion string
}

type PollConfig struct {
	Schedule string
}

type PauseConfig struct {
	TokenTTL        time.Duration
	CallbackBaseURL string
}

type PlansConfig struct {
	File string
}

type TriggerConfig struct {
	SubjectPrefix string
}

type MonitorConfig struct {
	Interval time.Duration
	// Regions defaults to the orchestrator default region
	Regions []string
}

// SetDefaults registers the default value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "drs-orchestrator")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.request_timeout", 10*time.Second)
	v.SetDefault("recovery.subject_prefix", "recovery")
	v.SetDefault("store.path", "drs.db")
	v.SetDefault("orchestrator.max_wait_time", 1800*time.Second)
	v.SetDefault("orchestrator.default_region", "us-east-1")
	v.SetDefault("poll.schedule", "@every 30s")
	v.SetDefault("pause.token_ttl", 168*time.Hour)
	v.SetDefault("pause.callback_base_url", "http://localhost:8080/executions/callback")
	v.SetDefault("plans.file", "")
	v.SetDefault("trigger.subject_prefix", "drs")
	v.SetDefault("monitor.interval", time.Minute)
	v.SetDefault("monitor.regions", []string{})
}

// Load reads configuration from file (explicit or discovered) and the environment.
// An explicit file must exist; a missing discovered file falls back to defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		for _, dir := range defaultConfigPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return FromViper(v)
}

// FromViper builds a validated Config from v
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{Name: v.GetString("app.name")},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
		NATS: NATSConfig{
			URL:            v.GetString("nats.url"),
			MaxReconnects:  v.GetInt("nats.max_reconnects"),
			ReconnectWait:  v.GetDuration("nats.reconnect_wait"),
			ConnectTimeout: v.GetDuration("nats.connect_timeout"),
			RequestTimeout: v.GetDuration("nats.request_timeout"),
		},
		Recovery: RecoveryConfig{SubjectPrefix: v.GetString("recovery.subject_prefix")},
		Store:    StoreConfig{Path: v.GetString("store.path")},
		Orchestrator: OrchestratorConfig{
			MaxWaitTime:   v.GetDuration("orchestrator.max_wait_time"),
			DefaultRegion: v.GetString("orchestrator.default_region"),
		},
		Poll: PollConfig{Schedule: v.GetString("poll.schedule")},
		Pause: PauseConfig{
			TokenTTL:        v.GetDuration("pause.token_ttl"),
			CallbackBaseURL: v.GetString("pause.callback_base_url"),
		},
		Plans:   PlansConfig{File: v.GetString("plans.file")},
		Trigger: TriggerConfig{SubjectPrefix: v.GetString("trigger.subject_prefix")},
		Monitor: MonitorConfig{
			Interval: v.GetDuration("monitor.interval"),
			Regions:  v.GetStringSlice("monitor.regions"),
		},
	}
	if len(cfg.Monitor.Regions) == 0 {
		cfg.Monitor.Regions = []string{cfg.Orchestrator.DefaultRegion}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default sensibly
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.RequestTimeout <= 0 {
		return fmt.Errorf("nats.request_timeout must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Orchestrator.MaxWaitTime <= 0 {
		return fmt.Errorf("orchestrator.max_wait_time must be positive")
	}
	if c.Pause.TokenTTL <= 0 {
		return fmt.Errorf("pause.token_ttl must be positive")
	}
	if c.Poll.Schedule == "" {
		return fmt.Errorf("poll.schedule is required")
	}
	return nil
}
