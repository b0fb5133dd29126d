// Package config loads the settlement engine configuration from a YAML file
// and SETTLE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/atmx/settlement-engine/internal/calendar"
	"github.com/atmx/settlement-engine/internal/cycle"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Calendar  CalendarConfig  `mapstructure:"calendar"`

	// Tenants each own a database. When empty, a single tenant named
	// App.DefaultTenant uses DB.DatabaseURL.
	Tenants []TenantConfig `mapstructure:"tenants"`
}

type AppConfig struct {
	Env           string `mapstructure:"env"`
	DefaultTenant string `mapstructure:"default_tenant"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DatabaseURL     string        `mapstructure:"database_url"` // empty → in-memory store
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Migrate         bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"` // empty → no cache
	TTL time.Duration `mapstructure:"ttl"`
}

type SchedulerConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Cron     string   `mapstructure:"cron"` // six fields, seconds first
	Timezone string   `mapstructure:"timezone"`
	Cycles   []string `mapstructure:"cycles"`
}

type CalendarConfig struct {
	Holidays []string `mapstructure:"holidays"` // YYYY-MM-DD
}

type TenantConfig struct {
	ID          string `mapstructure:"id"`
	DatabaseURL string `mapstructure:"database_url"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.default_tenant", "default")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.database_url", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.migrate", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", "0 10 0 * * *")
	v.SetDefault("scheduler.timezone", "Asia/Seoul")
	v.SetDefault("scheduler.cycles", []string{"D+1", "D+3"})
	v.SetDefault("calendar.holidays", []string{})

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail late, at the first
// scheduled run or on the first request of a tenant.
func (c Config) Validate() error {
	if _, err := cycle.ParseAll(c.Scheduler.Cycles); err != nil {
		return fmt.Errorf("scheduler.cycles: %w", err)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	if _, err := calendar.ParseHolidays(c.Calendar.Holidays); err != nil {
		return fmt.Errorf("calendar.holidays: %w", err)
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return errors.New("tenants: id is required")
		}
		if seen[t.ID] {
			return fmt.Errorf("tenants: duplicate id %q", t.ID)
		}
		seen[t.ID] = true
	}
	if len(c.Tenants) == 0 && c.App.DefaultTenant == "" {
		return errors.New("app.default_tenant is required when no tenants are configured")
	}
	return nil
}

// TenantDatabases returns the database URL of every tenant. With no tenants
// configured it yields the default tenant on DB.DatabaseURL.
func (c Config) TenantDatabases() map[string]string {
	if len(c.Tenants) == 0 {
		return map[string]string{c.App.DefaultTenant: c.DB.DatabaseURL}
	}
	out := make(map[string]string, len(c.Tenants))
	for _, t := range c.Tenants {
		url := t.DatabaseURL
		if url == "" {
			url = c.DB.DatabaseURL
		}
		out[t.ID] = url
	}
	return out
}
