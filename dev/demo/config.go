package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mqy/minichat/attachment"
	"github.com/mqy/minichat/connectivity"
)

// Config of the demo client, read from .minichat.yaml, MINICHAT_* env
// variables and command line flags.
type Config struct {
	Server          string
	Conversation    string
	UserID          string
	UserName        string
	CachePath       string
	ProbeInterval   time.Duration
	LocationTimeout time.Duration
	Latitude        float64
	Longitude       float64
}

func LoadConfig(v *viper.Viper) (*Config, error) {
	v.SetDefault("server", "http://127.0.0.1:8000")
	v.SetDefault("conversation", "lobby")
	v.SetDefault("user.name", "")
	v.SetDefault("cache.path", "minichat-cache.db")
	v.SetDefault("probe.interval", connectivity.DefaultProbeInterval)
	v.SetDefault("location.timeout", attachment.DefaultLocationTimeout)
	v.SetDefault("location.latitude", 52.52)
	v.SetDefault("location.longitude", 13.405)

	v.SetConfigName(".minichat") // .yaml is implicit
	v.SetEnvPrefix("MINICHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if override := os.Getenv("MINICHAT_CONFIG_PATH"); override != "" {
		v.AddConfigPath(override)
	}
	v.AddConfigPath("./")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Server:          strings.TrimRight(v.GetString("server"), "/"),
		Conversation:    v.GetString("conversation"),
		UserID:          v.GetString("user.id"),
		UserName:        v.GetString("user.name"),
		CachePath:       v.GetString("cache.path"),
		ProbeInterval:   v.GetDuration("probe.interval"),
		LocationTimeout: v.GetDuration("location.timeout"),
		Latitude:        v.GetFloat64("location.latitude"),
		Longitude:       v.GetFloat64("location.longitude"),
	}
	if !strings.HasPrefix(cfg.Server, "http://") && !strings.HasPrefix(cfg.Server, "https://") {
		return nil, fmt.Errorf("server: expect http(s) url, got `%s`", cfg.Server)
	}
	if cfg.Conversation == "" {
		return nil, fmt.Errorf("conversation is required")
	}
	return cfg, nil
}

// WebsocketURL is the /ws endpoint of Server.
func (c *Config) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(c.Server, "http") + "/ws"
}

func (c *Config) HealthURL() string {
	return c.Server + "/healthz"
}
