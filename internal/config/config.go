package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	DisplayName string          `mapstructure:"display_name"`
	Signaling   SignalingConfig `mapstructure:"signaling"`
	ICE         ICEConfig       `mapstructure:"ice"`
	Turn        TurnConfig      `mapstructure:"turn"`
	Media       MediaConfig     `mapstructure:"media"`
}

// SignalingConfig configures the websocket signaling channel.
type SignalingConfig struct {
	URL               string        `mapstructure:"url"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
}

// ICEConfig points at the TURN provisioning endpoint. When URL is empty the
// session falls back to public STUN plus the embedded relay (see TurnConfig).
type ICEConfig struct {
	ProvisionURL string `mapstructure:"provision_url"`
	Username     string `mapstructure:"username"`
	Credential   string `mapstructure:"credential"`
}

// TurnConfig configures the embedded fallback STUN/TURN relay.
type TurnConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Port     int               `mapstructure:"port"`
	PublicIP string            `mapstructure:"public_ip"`
	Realm    string            `mapstructure:"realm"`
	Users    map[string]string `mapstructure:"users"`
	Threads  int               `mapstructure:"threads"`
}

// MediaConfig holds capture constraints for the local camera and microphone.
type MediaConfig struct {
	Width     int `mapstructure:"width"`
	Height    int `mapstructure:"height"`
	Framerate int `mapstructure:"framerate"`
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DisplayName: "anonymous",
		Signaling: SignalingConfig{
			URL:               "ws://localhost:7000/ws",
			ReconnectInterval: 2 * time.Second,
			MaxReconnects:     3,
		},
		Turn: TurnConfig{
			Port:    3478,
			Realm:   "meetrtc.local",
			Threads: 2,
		},
		Media: MediaConfig{
			Width:     1280,
			Height:    720,
			Framerate: 30,
		},
	}
}

// Load reads configuration from an optional yaml file and MEETRTC_* env vars,
// layered over the defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MEETRTC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := NewDefaultConfig()
	v.SetDefault("display_name", defaults.DisplayName)
	v.SetDefault("signaling.url", defaults.Signaling.URL)
	v.SetDefault("signaling.reconnect_interval", defaults.Signaling.ReconnectInterval)
	v.SetDefault("signaling.max_reconnects", defaults.Signaling.MaxReconnects)
	v.SetDefault("turn.port", defaults.Turn.Port)
	v.SetDefault("turn.realm", defaults.Turn.Realm)
	v.SetDefault("turn.threads", defaults.Turn.Threads)
	v.SetDefault("media.width", defaults.Media.Width)
	v.SetDefault("media.height", defaults.Media.Height)
	v.SetDefault("media.framerate", defaults.Media.Framerate)

	if path := os.Getenv("MEETRTC_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
