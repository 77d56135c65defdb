// Package config provides configuration management for virtualme
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

// ErrInvalid is returned when the loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Server  ServerConfig  `mapstructure:"server"`
	Avatar  AvatarConfig  `mapstructure:"avatar"`
	LipSync LipSyncConfig `mapstructure:"lipsync"`
	Speech  SpeechConfig  `mapstructure:"speech"`
	Log     LogConfig     `mapstructure:"log"`
}

// APIConfig configures the question-answering backend
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Key     string        `mapstructure:"key"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	TopK    int           `mapstructure:"top_k" validate:"min=1,max=50"`
}

// ServerConfig configures the websocket server
type ServerConfig struct {
	Addr           string   `mapstructure:"addr" validate:"required"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AvatarConfig configures the rendered head
type AvatarConfig struct {
	ModelPath   string `mapstructure:"model_path"`
	HeadMesh    string `mapstructure:"head_mesh" validate:"required"`
	MorphTarget string `mapstructure:"morph_target" validate:"required"`
	FrameRate   int    `mapstructure:"frame_rate" validate:"min=1,max=240"`
}

// LipSyncConfig tunes the mouth-openness analyzer
type LipSyncConfig struct {
	FFTSize    int     `mapstructure:"fft_size" validate:"min=32,max=32768"`
	SpeechBins int     `mapstructure:"speech_bins" validate:"min=1"`
	Reference  float64 `mapstructure:"reference" validate:"gt=0"`
	Gain       float64 `mapstructure:"gain" validate:"gt=0"`
	Attack     float64 `mapstructure:"attack" validate:"gt=0,lte=1"`
	Decay      float64 `mapstructure:"decay" validate:"gte=0,lt=1"`
	Epsilon    float64 `mapstructure:"epsilon" validate:"gte=0"`
}

// SpeechConfig configures speech capture
type SpeechConfig struct {
	Language string `mapstructure:"language" validate:"required"`
}

// LogConfig configures logging
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Dir        string `mapstructure:"dir"`
	Console    bool   `mapstructure:"console"`
	MaxHistory int    `mapstructure:"max_history" validate:"gte=0"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
			TopK:    3,
		},
		Server: ServerConfig{
			Addr: ":8090",
		},
		Avatar: AvatarConfig{
			ModelPath:   "",
			HeadMesh:    "Wolf3D_Head",
			MorphTarget: "mouthOpen",
			FrameRate:   60,
		},
		LipSync: LipSyncConfig{
			FFTSize:    256,
			SpeechBins: 20,
			Reference:  128,
			Gain:       1.2,
			Attack:     0.5,
			Decay:      0.8,
			Epsilon:    0.01,
		},
		Speech: SpeechConfig{
			Language: "en-US",
		},
		Log: LogConfig{
			Level:      "info",
			Console:    true,
			MaxHistory: 500,
		},
	}
}

// FramePeriod is the interval between two render frames.
func (a AvatarConfig) FramePeriod() time.Duration {
	return time.Second / time.Duration(a.FrameRate)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return oops.
			In("config").
			Wrapf(errors.Join(ErrInvalid, err), "validate")
	}
	if c.LipSync.SpeechBins > c.LipSync.FFTSize/2 {
		return oops.
			In("config").
			With("speech_bins", c.LipSync.SpeechBins, "fft_size", c.LipSync.FFTSize).
			Wrapf(ErrInvalid, "speech_bins exceeds frequency bin count")
	}
	return nil
}

// Load reads configuration from file and environment. An explicit path wins
// over the default search locations (~/.virtualme and the working directory).
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := DefaultConfig()
	apply(v.SetDefault, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	// Environment variable overrides
	v.SetEnvPrefix("VIRTUALME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by the web frontend deployment
	_ = v.BindEnv("api.base_url", "VIRTUALME_API_BASE_URL", "NEXT_PUBLIC_API_BASE")
	_ = v.BindEnv("api.key", "VIRTUALME_API_KEY", "NEXT_PUBLIC_API_SECRET_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, oops.In("config").With("path", path).Wrapf(err, "read config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, oops.In("config").Wrapf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, or to ~/.virtualme/config.yaml when
// path is empty. It returns the path written.
func Save(cfg *Config, path string) (string, error) {
	if path == "" {
		dir, err := GetConfigDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", oops.In("config").Wrapf(err, "create config directory")
	}

	v := viper.New()
	apply(v.Set, cfg)
	if err := v.WriteConfigAs(path); err != nil {
		return "", oops.In("config").With("path", path).Wrapf(err, "write config")
	}
	return path, nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".virtualme"), nil
}

func apply(set func(string, any), cfg *Config) {
	set("api.base_url", cfg.API.BaseURL)
	set("api.key", cfg.API.Key)
	set("api.timeout", cfg.API.Timeout.String())
	set("api.top_k", cfg.API.TopK)

	set("server.addr", cfg.Server.Addr)
	set("server.allowed_origins", cfg.Server.AllowedOrigins)

	set("avatar.model_path", cfg.Avatar.ModelPath)
	set("avatar.head_mesh", cfg.Avatar.HeadMesh)
	set("avatar.morph_target", cfg.Avatar.MorphTarget)
	set("avatar.frame_rate", cfg.Avatar.FrameRate)

	set("lipsync.fft_size", cfg.LipSync.FFTSize)
	set("lipsync.speech_bins", cfg.LipSync.SpeechBins)
	set("lipsync.reference", cfg.LipSync.Reference)
	set("lipsync.gain", cfg.LipSync.Gain)
	set("lipsync.attack", cfg.LipSync.Attack)
	set("lipsync.decay", cfg.LipSync.Decay)
	set("lipsync.epsilon", cfg.LipSync.Epsilon)

	set("speech.language", cfg.Speech.Language)

	set("log.level", cfg.Log.Level)
	set("log.dir", cfg.Log.Dir)
	set("log.console", cfg.Log.Console)
	set("log.max_history", cfg.Log.MaxHistory)
}
