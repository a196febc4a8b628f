package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`

	ServerHost string `mapstructure:"server_host"`
	WSScheme   string `mapstructure:"ws_scheme"`
	WSPath     string `mapstructure:"ws_path"`
	RoomID     string `mapstructure:"room_id"`
	UID        string `mapstructure:"uid"`

	OpenTimeout    time.Duration `mapstructure:"open_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TrackTimeout   time.Duration `mapstructure:"track_timeout"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	ReadLimit      int64         `mapstructure:"read_limit"`

	// DisconnectOnBackpressure drops the connection when the send queue is full
	// instead of failing only the request.
	DisconnectOnBackpressure bool `mapstructure:"disconnect_on_backpressure"`

	ICEServers []string `mapstructure:"ice_servers"`

	Capture CaptureConfig `mapstructure:"capture"`
	Publish PublishConfig `mapstructure:"publish"`

	UnpublishFullClose bool   `mapstructure:"unpublish_full_close"`
	HTTPAddr           string `mapstructure:"http_addr"`
}

// CaptureConfig holds local UDP ports that receive RTP; 0 disables the kind.
type CaptureConfig struct {
	VideoPort int `mapstructure:"video_port"`
	AudioPort int `mapstructure:"audio_port"`
}

// PublishConfig selects what is published right after join. Both false
// means nothing is published automatically.
type PublishConfig struct {
	Video bool `mapstructure:"video"`
	Audio bool `mapstructure:"audio"`
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

	v.SetEnvPrefix("SFUCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Str("server", cfg.ServerHost).
		Str("room", cfg.RoomID).
		Str("uid", cfg.UID).
		Msg("config ready")
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("server_host", "localhost:4443")
	v.SetDefault("ws_scheme", "ws")
	v.SetDefault("ws_path", "/ws")
	v.SetDefault("room_id", "")
	v.SetDefault("uid", "")
	v.SetDefault("open_timeout", "10s")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("track_timeout", "15s")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("disconnect_on_backpressure", false)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("capture.video_port", 5004)
	v.SetDefault("capture.audio_port", 5006)
	v.SetDefault("publish.video", false)
	v.SetDefault("publish.audio", false)
	v.SetDefault("unpublish_full_close", false)
	v.SetDefault("http_addr", "127.0.0.1:8090")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values the client cannot start without.
func (c *Config) Validate() error {
	switch c.WSScheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("config: ws_scheme must be ws or wss, got %q", c.WSScheme)
	}
	if c.ServerHost == "" {
		return fmt.Errorf("config: server_host is required")
	}
	if c.OpenTimeout < 0 || c.RequestTimeout < 0 || c.TrackTimeout < 0 {
		return fmt.Errorf("config: timeouts must not be negative")
	}
	return nil
}
