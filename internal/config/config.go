package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type RoomsConfig struct {
	SoftLimit         int           `mapstructure:"soft_limit"`
	HardLimit         int           `mapstructure:"hard_limit"`
	GraceDelay        time.Duration `mapstructure:"grace_delay"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

type WhipConfig struct {
	StaleTTL time.Duration `mapstructure:"stale_ttl"`
}

type GameConfig struct {
	SourceTimeout time.Duration `mapstructure:"source_timeout"`
}

type Config struct {
	Mode          string      `mapstructure:"mode"`
	Port          int         `mapstructure:"port"`
	PublicBaseURL string      `mapstructure:"public_base_url"`
	StaticPath    string      `mapstructure:"static_path"`
	DirectoryURL  string      `mapstructure:"directory_url"`
	Resolution    string      `mapstructure:"resolution"`
	Rooms         RoomsConfig `mapstructure:"rooms"`
	Whip          WhipConfig  `mapstructure:"whip"`
	Game          GameConfig  `mapstructure:"game"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("public_base_url", "http://localhost:8080")
	v.SetDefault("static_path", "./web")
	v.SetDefault("directory_url", "")
	v.SetDefault("resolution", "1280x720")
	v.SetDefault("rooms.soft_limit", 6)
	v.SetDefault("rooms.hard_limit", 10)
	v.SetDefault("rooms.grace_delay", "2m")
	v.SetDefault("rooms.inactivity_timeout", "5m")
	v.SetDefault("rooms.sweep_interval", "1s")
	v.SetDefault("whip.stale_ttl", "30s")
	v.SetDefault("game.source_timeout", "5s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
