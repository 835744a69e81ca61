package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	ReadLimit  int64  `mapstructure:"read_limit"`

	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`

	MaxUserConnections int           `mapstructure:"max_user_connections"`
	BuzzerGrace        time.Duration `mapstructure:"buzzer_grace"`
	MediaDebounce      time.Duration `mapstructure:"media_debounce"`
	LobbyIdleTTL       time.Duration `mapstructure:"lobby_idle_ttl"`
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
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "cult-pardy-dev-secret")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_interval", "5s")
	v.SetDefault("pong_timeout", "10s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("max_user_connections", 2)
	v.SetDefault("buzzer_grace", "2s")
	v.SetDefault("media_debounce", "250ms")
	v.SetDefault("lobby_idle_ttl", "30m")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
