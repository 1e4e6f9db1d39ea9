package core

import (
	"fmt"
	"strings"
	"time"
)

type DirectoryConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl" mapstructure:"cache_ttl"`
}

type ConsentConfig struct {
	TTL         time.Duration `koanf:"ttl" mapstructure:"ttl"`
	RedirectURI string        `koanf:"redirect_uri" mapstructure:"redirect_uri"`
}

type TokenConfig struct {
	RefreshLead time.Duration `koanf:"refresh_lead" mapstructure:"refresh_lead"`
	LockTTL     time.Duration `koanf:"lock_ttl" mapstructure:"lock_ttl"`
}

type SyncConfig struct {
	MaxPages            int           `koanf:"max_pages" mapstructure:"max_pages"`
	PageSize            int           `koanf:"page_size" mapstructure:"page_size"`
	BootstrapLookback   time.Duration `koanf:"bootstrap_lookback" mapstructure:"bootstrap_lookback"`
	IncrementalLookback time.Duration `koanf:"incremental_lookback" mapstructure:"incremental_lookback"`
	DefaultFrequency    time.Duration `koanf:"default_frequency" mapstructure:"default_frequency"`
}

type SchedulerConfig struct {
	PlannerInterval  time.Duration `koanf:"planner_interval" mapstructure:"planner_interval"`
	Workers          int           `koanf:"workers" mapstructure:"workers"`
	RetryInitial     time.Duration `koanf:"retry_initial" mapstructure:"retry_initial"`
	RetryMax         time.Duration `koanf:"retry_max" mapstructure:"retry_max"`
	MaxAttempts      int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	BreakerThreshold int           `koanf:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

type CategorizeConfig struct {
	BatchSize    int           `koanf:"batch_size" mapstructure:"batch_size"`
	MaxAttempts  int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	RetryInitial time.Duration `koanf:"retry_initial" mapstructure:"retry_initial"`
}

type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name"`
	Directory   DirectoryConfig  `koanf:"directory" mapstructure:"directory"`
	Consent     ConsentConfig    `koanf:"consent" mapstructure:"consent"`
	Token       TokenConfig      `koanf:"token" mapstructure:"token"`
	Sync        SyncConfig       `koanf:"sync" mapstructure:"sync"`
	Scheduler   SchedulerConfig  `koanf:"scheduler" mapstructure:"scheduler"`
	Categorize  CategorizeConfig `koanf:"categorize" mapstructure:"categorize"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "banksync",
		Directory: DirectoryConfig{
			CacheTTL: 12 * time.Hour,
		},
		Consent: ConsentConfig{
			TTL: 15 * time.Minute,
		},
		Token: TokenConfig{
			RefreshLead: 2 * time.Minute,
			LockTTL:     30 * time.Second,
		},
		Sync: SyncConfig{
			MaxPages:            20,
			PageSize:            100,
			BootstrapLookback:   30 * 24 * time.Hour,
			IncrementalLookback: 7 * 24 * time.Hour,
			DefaultFrequency:    4 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			PlannerInterval:  time.Minute,
			Workers:          4,
			RetryInitial:     60 * time.Second,
			RetryMax:         15 * time.Minute,
			MaxAttempts:      3,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Minute,
		},
		Categorize: CategorizeConfig{
			BatchSize:    50,
			MaxAttempts:  3,
			RetryInitial: 30 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Directory.CacheTTL < 0 {
		return fmt.Errorf("core: directory.cache_ttl must not be negative")
	}
	if c.Consent.TTL < 0 {
		return fmt.Errorf("core: consent.ttl must not be negative")
	}
	if c.Token.RefreshLead < 0 {
		return fmt.Errorf("core: token.refresh_lead must not be negative")
	}
	if c.Sync.MaxPages < 0 {
		return fmt.Errorf("core: sync.max_pages must not be negative")
	}
	if c.Sync.PageSize < 0 {
		return fmt.Errorf("core: sync.page_size must not be negative")
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("core: scheduler.workers must not be negative")
	}
	if c.Scheduler.BreakerThreshold < 0 {
		return fmt.Errorf("core: scheduler.breaker_threshold must not be negative")
	}
	return nil
}
