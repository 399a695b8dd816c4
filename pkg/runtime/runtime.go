package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/qq1064990473/open-xiaoai/internal/assistant"
	appconfig "github.com/qq1064990473/open-xiaoai/internal/config"
	apphttp "github.com/qq1064990473/open-xiaoai/internal/http"
	applogger "github.com/qq1064990473/open-xiaoai/internal/logger"
	"github.com/qq1064990473/open-xiaoai/internal/metrics"
	"github.com/qq1064990473/open-xiaoai/internal/music"
	"github.com/qq1064990473/open-xiaoai/internal/playback"
	"github.com/qq1064990473/open-xiaoai/internal/speaker"
	"github.com/qq1064990473/open-xiaoai/pkg/xiaozhi"
)

// Server represents a server.
type Server struct {
	cfg       appconfig.Config
	logs      *applogger.Loggers
	logger    *zap.Logger
	server    *http.Server
	device    *speaker.Device
	assistant *assistant.Assistant
}

// New loads configPath and wires the speaker bridge.
func New(configPath string) (*Server, error) {
	cfg, err := appconfig.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load open-xiaoai config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig wires the speaker bridge from an already loaded config.
func NewWithConfig(cfg appconfig.Config) (*Server, error) {
	logs, err := applogger.New(cfg.Log)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Warn("logger config rejected; using production defaults", zap.Error(err))
		logs = applogger.Wrap(fallback)
	}
	logger := logs.Root()
	logger.Info("logger configured",
		zap.String("level", cfg.Log.Level),
		zap.String("format", cfg.Log.Format),
		zap.Bool("stdout", cfg.Log.Stdout),
		zap.Bool("file_enabled", cfg.Log.File.Enabled),
		zap.String("file_path", cfg.Log.File.Path),
		zap.String("file_name", cfg.Log.File.Name),
		zap.Strings("component_levels", logs.Levels()),
	)
	logger.Info("config loaded",
		zap.String("config_file", cfg.ConfigFile),
		zap.String("root_dir", cfg.RootDir),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("xiaozhi_url", cfg.XiaoZhi.WebsocketURL),
		zap.String("device_id", cfg.XiaoZhi.DeviceID),
	)

	device := speaker.NewDevice(speaker.Config{
		RequestTimeout: cfg.Speaker.RequestTimeout,
		BlockingPoll:   cfg.Speaker.BlockingPoll,
	}, logs.For(applogger.ComponentSpeaker))

	catalog := music.NewQQCatalog(music.QQConfig{
		SearchURL:   cfg.Music.SearchURL,
		PlayURLBase: cfg.Music.PlayURLBase,
		PageSize:    cfg.Music.PageSize,
		Timeout:     cfg.Music.Timeout,
		UserAgent:   cfg.Music.UserAgent,
	}, nil, logs.For(applogger.ComponentMusic))
	stats := metrics.New("open_xiaoai")
	instrumented := stats.InstrumentCatalog(catalog)

	monitor := playback.NewMonitor(device, playback.MonitorConfig{
		PollInterval:      cfg.Playback.PollInterval,
		SettleDelay:       cfg.Playback.SettleDelay,
		DirectivePoll:     cfg.Playback.DirectivePoll,
		FinishWaitTimeout: cfg.Playback.FinishWaitTimeout,
	}, nil, logs.For(applogger.ComponentPlayback))
	walker := playback.NewWalker(instrumented, monitor, logs.For(applogger.ComponentPlayback))

	assist := assistant.New(assistantConfig(cfg.Assistant), device, stats.InstrumentPlayer(walker), logs.For(applogger.ComponentAssistant))
	channel := xiaozhi.NewWebsocketProtocol(xiaozhi.Config{
		Endpoint:        cfg.XiaoZhi.WebsocketURL,
		AccessToken:     cfg.XiaoZhi.AccessToken,
		DeviceID:        cfg.XiaoZhi.DeviceID,
		ClientID:        cfg.XiaoZhi.ClientID,
		ProtocolVersion: cfg.XiaoZhi.ProtocolVersion,
		AudioParams: xiaozhi.AudioParams{
			Format:        cfg.XiaoZhi.AudioFormat,
			SampleRate:    cfg.XiaoZhi.SampleRate,
			Channels:      cfg.XiaoZhi.Channels,
			FrameDuration: cfg.XiaoZhi.FrameDuration,
		},
		HandshakeTimeout: cfg.XiaoZhi.HandshakeTimeout,
	}, assist, logs.For(applogger.ComponentXiaoZhi))
	assist.SetChannel(channel)
	device.SetObserver(assist)

	stats.RegisterGauge("speaker_connected", "Speaker agent connected", device.Connected)
	stats.RegisterGauge("channel_open", "Cloud audio channel open", channel.IsAudioChannelOpened)

	handler := speaker.NewHandler(device, logs.For(applogger.ComponentSpeaker))
	router := apphttp.NewRouter(device, assist, http.HandlerFunc(handler.Handle), stats.Handler(), logs.For(applogger.ComponentHTTP))
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	return &Server{
		cfg:       cfg,
		logs:      logs,
		logger:    logger,
		server:    httpServer,
		device:    device,
		assistant: assist,
	}, nil
}

// Run executes the run method.
func (s *Server) Run() error {
	if s == nil || s.server == nil {
		return nil
	}

	err := listen(s.server, s.cfg, s.logger)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr executes the addr method.
func (s *Server) Addr() string {
	if s == nil || s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Logger returns the configured logger.
func (s *Server) Logger() *zap.Logger {
	if s == nil || s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// Shutdown stops the walk and the cloud channel, then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	if s.assistant != nil {
		s.assistant.StopMusic()
		s.assistant.Close()
	}
	err := ignoreServerClosed(s.server.Shutdown(ctx))
	if s.logs != nil {
		_ = s.logs.Sync()
	}
	return err
}

func assistantConfig(cfg appconfig.AssistantConfig) assistant.Config {
	out := assistant.DefaultConfig()
	if len(cfg.Keywords) > 0 {
		out.Keywords = cfg.Keywords
	}
	setString(&out.SummonPhrase, cfg.SummonPhrase)
	setString(&out.MusicPrefix, cfg.MusicPrefix)
	setString(&out.WakeGreeting, cfg.WakeGreeting)
	setString(&out.SummonGreeting, cfg.SummonGreeting)
	setString(&out.Farewell, cfg.Farewell)
	setString(&out.MusicAnnouncement, cfg.MusicAnnouncement)
	setString(&out.MusicFailure, cfg.MusicFailure)
	if cfg.AbortSettle > 0 {
		out.AbortSettle = cfg.AbortSettle
	}
	if cfg.IdleTimeout > 0 {
		out.IdleTimeout = cfg.IdleTimeout
	}
	return out
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func ignoreServerClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// listen serves TLS only when both the cert and key files exist.
func listen(server *http.Server, cfg appconfig.Config, logger *zap.Logger) error {
	if cfg.TLSCertPath != "" || cfg.TLSKeyPath != "" {
		certPath := filepath.Clean(cfg.TLSCertPath)
		keyPath := filepath.Clean(cfg.TLSKeyPath)
		if fileExists(certPath) && fileExists(keyPath) {
			logger.Info("starting https server", zap.String("addr", cfg.HTTPAddr))
			return server.ListenAndServeTLS(certPath, keyPath)
		}
		logger.Warn("tls files missing; serving plain http",
			zap.String("cert", certPath),
			zap.String("key", keyPath),
		)
	}

	logger.Info("starting http server", zap.String("addr", cfg.HTTPAddr))
	return server.ListenAndServe()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
