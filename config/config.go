// Package config loads service configuration from config.yml, .env and the
// process environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/mrsingh-rishi/live-transcribe/logger"
)

// EnvPrefix prefixes every environment variable override, e.g. LIVE_ASR_API_KEY.
const EnvPrefix = "LIVE"

const (
	RoleHost   = "host"
	RoleViewer = "viewer"
)

type Config struct {
	Role      string          `mapstructure:"role" validate:"oneof=host viewer"`
	Server    ServerConfig    `mapstructure:"server"`
	Speaker   SpeakerConfig   `mapstructure:"speaker"`
	Audio     AudioConfig     `mapstructure:"audio"`
	ASR       ASRConfig       `mapstructure:"asr"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Log       logger.Config   `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type SpeakerConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

type AudioConfig struct {
	SampleRate     int           `mapstructure:"sample_rate" validate:"min=8000,max=48000"`
	Channels       int           `mapstructure:"channels" validate:"eq=1"`
	FrameDuration  time.Duration `mapstructure:"frame_duration" validate:"min=10ms,max=1s"`
	QueueSize      int           `mapstructure:"queue_size" validate:"min=1"`
	ResumeInterval time.Duration `mapstructure:"resume_interval" validate:"min=100ms"`
	File           string        `mapstructure:"file"`
	Loop           bool          `mapstructure:"loop"`
}

type ASRConfig struct {
	URL         string        `mapstructure:"url" validate:"required,url"`
	TokenURL    string        `mapstructure:"token_url" validate:"omitempty,url"`
	APIKey      string        `mapstructure:"api_key"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" validate:"min=1s,max=10m"`
	SendQueue   int           `mapstructure:"send_queue" validate:"min=1"`
	Reconnect   bool          `mapstructure:"reconnect"`
	FormatTurns bool          `mapstructure:"format_turns"`
}

type BroadcastConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=redis kafka memory"`
	ChannelPrefix string        `mapstructure:"channel_prefix" validate:"required"`
	SnapshotTTL   time.Duration `mapstructure:"snapshot_ttl"`
	Redis         RedisConfig   `mapstructure:"redis"`
	Kafka         KafkaConfig   `mapstructure:"kafka"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	GroupPrefix string   `mapstructure:"group_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("role", RoleHost)
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("speaker.id", "host")
	v.SetDefault("speaker.name", "Host")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.frame_duration", "50ms")
	v.SetDefault("audio.queue_size", 32)
	v.SetDefault("audio.resume_interval", "1s")
	v.SetDefault("audio.file", "")
	v.SetDefault("audio.loop", false)
	v.SetDefault("asr.url", "wss://streaming.assemblyai.com/v3/ws")
	v.SetDefault("asr.token_url", "https://streaming.assemblyai.com/v3/token")
	v.SetDefault("asr.api_key", "")
	v.SetDefault("asr.token_ttl", "60s")
	v.SetDefault("asr.send_queue", 64)
	v.SetDefault("asr.reconnect", false)
	v.SetDefault("asr.format_turns", true)
	v.SetDefault("broadcast.backend", "redis")
	v.SetDefault("broadcast.channel_prefix", "transcription")
	v.SetDefault("broadcast.snapshot_ttl", "6h")
	v.SetDefault("broadcast.redis.addr", "localhost:6379")
	v.SetDefault("broadcast.redis.password", "")
	v.SetDefault("broadcast.redis.db", 0)
	v.SetDefault("broadcast.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("broadcast.kafka.topic", "transcription-events")
	v.SetDefault("broadcast.kafka.group_prefix", "transcription-viewer")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configuration. A missing config file or .env file is not an error.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if c.Role == RoleHost && c.ASR.APIKey == "" {
		return fmt.Errorf("invalid config: asr.api_key is required for the host role")
	}
	switch c.Broadcast.Backend {
	case "redis":
		if c.Broadcast.Redis.Addr == "" {
			return fmt.Errorf("invalid config: broadcast.redis.addr is required")
		}
	case "kafka":
		if len(c.Broadcast.Kafka.Brokers) == 0 || c.Broadcast.Kafka.Topic == "" {
			return fmt.Errorf("invalid config: broadcast.kafka.brokers and topic are required")
		}
	}
	return nil
}
