package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appdefaults "github.com/qq1064990473/open-xiaoai/config"
	"github.com/qq1064990473/open-xiaoai/internal/logger"
)

const (
	envPrefix  = "open_xiaoai"
	envRootDir = "OPEN_XIAOAI_ROOT_DIR"
)

// XiaoZhiConfig represents a xiaoZhiConfig.
type XiaoZhiConfig struct {
	WebsocketURL     string        `mapstructure:"websocket_url" yaml:"websocket_url"`
	AccessToken      string        `mapstructure:"access_token" yaml:"access_token"`
	DeviceID         string        `mapstructure:"device_id" yaml:"device_id"`
	ClientID         string        `mapstructure:"client_id" yaml:"client_id"`
	ProtocolVersion  int           `mapstructure:"protocol_version" yaml:"protocol_version"`
	AudioFormat      string        `mapstructure:"audio_format" yaml:"audio_format"`
	SampleRate       int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels         int           `mapstructure:"channels" yaml:"channels"`
	FrameDuration    int           `mapstructure:"frame_duration" yaml:"frame_duration"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

// SpeakerConfig represents a speakerConfig.
type SpeakerConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	BlockingPoll   time.Duration `mapstructure:"blocking_poll" yaml:"blocking_poll"`
}

// PlaybackConfig represents a playbackConfig.
type PlaybackConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	DirectivePoll     time.Duration `mapstructure:"directive_poll" yaml:"directive_poll"`
	FinishWaitTimeout time.Duration `mapstructure:"finish_wait_timeout" yaml:"finish_wait_timeout"`
}

// MusicConfig represents a musicConfig.
type MusicConfig struct {
	SearchURL   string        `mapstructure:"search_url" yaml:"search_url"`
	PlayURLBase string        `mapstructure:"play_url_base" yaml:"play_url_base"`
	PageSize    int           `mapstructure:"page_size" yaml:"page_size"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent   string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// AssistantConfig represents an assistantConfig.
type AssistantConfig struct {
	Keywords          []string      `mapstructure:"keywords" yaml:"keywords"`
	SummonPhrase      string        `mapstructure:"summon_phrase" yaml:"summon_phrase"`
	MusicPrefix       string        `mapstructure:"music_prefix" yaml:"music_prefix"`
	WakeGreeting      string        `mapstructure:"wake_greeting" yaml:"wake_greeting"`
	SummonGreeting    string        `mapstructure:"summon_greeting" yaml:"summon_greeting"`
	Farewell          string        `mapstructure:"farewell" yaml:"farewell"`
	MusicAnnouncement string        `mapstructure:"music_announcement" yaml:"music_announcement"`
	MusicFailure      string        `mapstructure:"music_failure" yaml:"music_failure"`
	AbortSettle       time.Duration `mapstructure:"abort_settle" yaml:"abort_settle"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// Config represents a config.
type Config struct {
	RootDir     string          `mapstructure:"-" yaml:"-"`
	ConfigFile  string          `mapstructure:"-" yaml:"-"`
	HTTPAddr    string          `mapstructure:"http_addr" yaml:"http_addr"`
	TLSCertPath string          `mapstructure:"tls_cert_path" yaml:"tls_cert_path"`
	TLSKeyPath  string          `mapstructure:"tls_key_path" yaml:"tls_key_path"`
	XiaoZhi     XiaoZhiConfig   `mapstructure:"xiaozhi" yaml:"xiaozhi"`
	Speaker     SpeakerConfig   `mapstructure:"speaker" yaml:"speaker"`
	Playback    PlaybackConfig  `mapstructure:"playback" yaml:"playback"`
	Music       MusicConfig     `mapstructure:"music" yaml:"music"`
	Assistant   AssistantConfig `mapstructure:"assistant" yaml:"assistant"`
	Log         logger.Config   `mapstructure:"log" yaml:"log"`
}

// Load reads the embedded defaults, then conf.yaml from the root directory if
// present, then OPEN_XIAOAI_* environment variables.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigName("conf")
	v.SetConfigType("yaml")
	v.AddConfigPath(rootDir)

	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}
	return decode(v, rootDir)
}

// LoadConfig loads configPath on top of the defaults. An empty path falls back to Load.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv(envRootDir))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
		if filepath.Base(rootDir) == "config" {
			rootDir = filepath.Dir(rootDir)
		}
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, err
	}
	return decode(v, rootDir)
}

// Dump renders cfg as YAML with secrets masked.
func Dump(cfg Config) ([]byte, error) {
	if cfg.XiaoZhi.AccessToken != "" {
		cfg.XiaoZhi.AccessToken = "******"
	}
	return yaml.Marshal(cfg)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return nil, fmt.Errorf("load embedded config: %w", err)
	}

	v.SetDefault("http_addr", ":4399")
	v.SetDefault("xiaozhi.protocol_version", 1)
	v.SetDefault("xiaozhi.audio_format", "opus")
	v.SetDefault("xiaozhi.sample_rate", 16000)
	v.SetDefault("xiaozhi.channels", 1)
	v.SetDefault("xiaozhi.frame_duration", 60)
	v.SetDefault("xiaozhi.handshake_timeout", "10s")
	v.SetDefault("playback.finish_wait_timeout", "10m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.name", "open-xiaoai.log")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func decode(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.RootDir = rootDir
	cfg.ConfigFile = v.ConfigFileUsed()
	derivePaths(&cfg)
	deriveIdentity(&cfg)
	return cfg, nil
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv(envRootDir)); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func derivePaths(cfg *Config) {
	cfg.Log.File.Path = resolvePath(cfg.RootDir, cfg.Log.File.Path, filepath.Join("data", "logs"))
	if cfg.TLSCertPath != "" {
		cfg.TLSCertPath = resolvePath(cfg.RootDir, cfg.TLSCertPath, "")
	}
	if cfg.TLSKeyPath != "" {
		cfg.TLSKeyPath = resolvePath(cfg.RootDir, cfg.TLSKeyPath, "")
	}
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
