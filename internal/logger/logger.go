package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Bridge components that get their own named logger.
const (
	ComponentSpeaker   = "speaker"
	ComponentXiaoZhi   = "xiaozhi"
	ComponentPlayback  = "playback"
	ComponentMusic     = "music"
	ComponentAssistant = "assistant"
	ComponentHTTP      = "http"
)

const defaultFileName = "open-xiaoai.log"

// Config selects the level, encoding and sinks of the bridge logs.
type Config struct {
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "json" or "console".
	Format string     `mapstructure:"format" yaml:"format"`
	Stdout bool       `mapstructure:"stdout" yaml:"stdout"`
	File   FileConfig `mapstructure:"file" yaml:"file"`
	// Components overrides Level per component, e.g. xiaozhi: debug while
	// the rest of the bridge stays at info. An empty value inherits Level.
	Components map[string]string `mapstructure:"components" yaml:"components"`
}

// FileConfig controls the rotating log file.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	Name       string `mapstructure:"name" yaml:"name"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Loggers hands out one named logger per bridge component. All of them share
// the encoder and sinks; only the level differs.
type Loggers struct {
	base   *zap.Logger
	root   *zap.Logger
	levels map[string]zapcore.Level
}

// New builds the shared core from cfg.
func New(cfg Config) (*Loggers, error) {
	rootLevel := parseLevel(cfg.Level)
	levels := make(map[string]zapcore.Level, len(cfg.Components))
	lowest := rootLevel
	for name, raw := range cfg.Components {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		level := parseLevel(raw)
		levels[strings.ToLower(strings.TrimSpace(name))] = level
		if level < lowest {
			lowest = level
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}
	sinks, err := buildSinks(cfg)
	if err != nil {
		return nil, err
	}

	// The core admits the most verbose configured level; each logger raises it
	// back to its own.
	base := zap.New(zapcore.NewCore(newEncoder(cfg.Format, encoderCfg), sinks, lowest), zap.AddCaller())
	return &Loggers{
		base:   base,
		root:   base.WithOptions(zap.IncreaseLevel(rootLevel)),
		levels: levels,
	}, nil
}

// Wrap serves every component from logger. Per-component levels are not applied.
func Wrap(logger *zap.Logger) *Loggers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loggers{base: logger, root: logger, levels: map[string]zapcore.Level{}}
}

// Root returns the logger for messages that belong to no component.
func (l *Loggers) Root() *zap.Logger {
	return l.root
}

// For returns the named logger of component at its configured level.
func (l *Loggers) For(component string) *zap.Logger {
	level, ok := l.levels[component]
	if !ok {
		return l.root.Named(component)
	}
	return l.base.Named(component).WithOptions(zap.IncreaseLevel(level))
}

// Levels lists the effective level of every overridden component, sorted by name.
func (l *Loggers) Levels() []string {
	out := make([]string, 0, len(l.levels))
	for name, level := range l.levels {
		out = append(out, name+"="+level.String())
	}
	sort.Strings(out)
	return out
}

// Sync flushes the shared sinks.
func (l *Loggers) Sync() error {
	return l.base.Sync()
}

func newEncoder(format string, encoderCfg zapcore.EncoderConfig) zapcore.Encoder {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// buildSinks falls back to stdout when both stdout and the file are off.
func buildSinks(cfg Config) (zapcore.WriteSyncer, error) {
	var sinks []zapcore.WriteSyncer
	if cfg.Stdout {
		sinks = append(sinks, zapcore.AddSync(os.Stdout))
	}
	if cfg.File.Enabled {
		fileWriter, err := newFileWriter(cfg.File)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, zapcore.AddSync(fileWriter))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, zapcore.AddSync(os.Stdout))
	}
	return zapcore.NewMultiWriteSyncer(sinks...), nil
}

func newFileWriter(fileCfg FileConfig) (*lumberjack.Logger, error) {
	dir := strings.TrimSpace(fileCfg.Path)
	if dir == "" {
		dir = filepath.Join("data", "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	name := strings.TrimSpace(fileCfg.Name)
	if name == "" {
		name = defaultFileName
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    positiveOr(fileCfg.MaxSizeMB, 100),
		MaxBackups: max(fileCfg.MaxBackups, 0),
		MaxAge:     max(fileCfg.MaxAgeDays, 0),
		Compress:   fileCfg.Compress,
		LocalTime:  true,
	}, nil
}

func positiveOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// parseLevel maps unknown names to info so a typo never silences the bridge.
func parseLevel(raw string) zapcore.Level {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "warning" {
		normalized = "warn"
	}
	level, err := zapcore.ParseLevel(normalized)
	if err != nil || normalized == "" {
		return zapcore.InfoLevel
	}
	return level
}
