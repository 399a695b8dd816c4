package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qq1064990473/open-xiaoai/internal/playback"
	"github.com/qq1064990473/open-xiaoai/internal/protocol"
	"github.com/qq1064990473/open-xiaoai/internal/speaker"
	"github.com/qq1064990473/open-xiaoai/pkg/xiaozhi"
)

// Config holds the phrases and timings of the voice assistant.
type Config struct {
	// Keywords accepted from the wake word detector. Empty accepts any keyword.
	Keywords          []string
	SummonPhrase      string
	MusicPrefix       string
	WakeGreeting      string
	SummonGreeting    string
	Farewell          string
	MusicAnnouncement string
	MusicFailure      string
	// AbortSettle is the pause after interrupting the built-in assistant so
	// its TTS becomes usable again.
	AbortSettle time.Duration
	// IdleTimeout closes the channel after this long without cloud traffic.
	IdleTimeout time.Duration
}

// DefaultConfig returns the stock phrases.
func DefaultConfig() Config {
	return Config{
		Keywords:          []string{"天猫精灵", "小度小度", "豆包豆包", "你好小智", "你好小爱", "hi siri", "hey siri"},
		SummonPhrase:      "召唤小智",
		MusicPrefix:       "播放歌曲",
		WakeGreeting:      "你好主人，我是小智，请问有什么吩咐？",
		SummonGreeting:    "小智来了，主人有什么吩咐？",
		Farewell:          "主人再见，拜拜",
		MusicAnnouncement: "正在为您播放歌曲：%s",
		MusicFailure:      "抱歉，播放歌曲时出错了。",
		AbortSettle:       2 * time.Second,
		IdleTimeout:       20 * time.Second,
	}
}

// Device is the speaker surface the assistant drives. *speaker.Device satisfies it.
type Device interface {
	playback.Speaker
	StartRecording(ctx context.Context, cfg *protocol.AudioConfig) error
	StopRecording(ctx context.Context) error
	StartPlay(ctx context.Context, cfg *protocol.AudioConfig) error
	StopPlay(ctx context.Context) error
	SendStream(tag string, data []byte) error
}

// Player runs a playlist walk. *playback.Walker satisfies it.
type Player interface {
	PlayQuery(ctx context.Context, query string) error
}

// Status is a snapshot for diagnostics.
type Status struct {
	ChannelOpen bool   `json:"channel_open"`
	MusicQuery  string `json:"music_query,omitempty"`
}

var (
	_ xiaozhi.Listener = (*Assistant)(nil)
	_ speaker.Observer = (*Assistant)(nil)
)

// Assistant bridges the speaker and the cloud voice channel. It observes
// device events and channel events.
type Assistant struct {
	cfg    Config
	device Device
	player Player
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	channel    xiaozhi.Protocol
	idleTimer  *time.Timer
	walkCancel context.CancelFunc
	walkSeq    uint64
	walkQuery  string
}

// New creates an assistant. The channel is attached with SetChannel because
// the channel needs the assistant as its listener.
func New(cfg Config, device Device, player Player, logger *zap.Logger) *Assistant {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Assistant{
		cfg:    cfg,
		device: device,
		player: player,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetChannel attaches the cloud channel.
func (a *Assistant) SetChannel(channel xiaozhi.Protocol) {
	a.mu.Lock()
	a.channel = channel
	a.mu.Unlock()
}

func (a *Assistant) currentChannel() xiaozhi.Protocol {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel
}

// Close stops any walk and closes the channel.
func (a *Assistant) Close() {
	a.cancel()
	a.stopIdleTimer()
	if channel := a.currentChannel(); channel != nil && channel.IsAudioChannelOpened() {
		channel.CloseAudioChannel()
	}
}

// Status returns a snapshot.
func (a *Assistant) Status() Status {
	channel := a.currentChannel()
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		ChannelOpen: channel != nil && channel.IsAudioChannelOpened(),
		MusicQuery:  a.walkQuery,
	}
}

// OnKeyword wakes the assistant for a configured wake word.
func (a *Assistant) OnKeyword(keyword string) {
	if !a.acceptsKeyword(keyword) {
		a.logger.Debug("assistant keyword ignored", zap.String("keyword", keyword))
		return
	}
	ctx := a.ctx
	a.say(ctx, a.cfg.WakeGreeting, true)
	a.OpenChannel(ctx)
}

// OnRecognizeResult reacts to a final recognition of the built-in assistant.
func (a *Assistant) OnRecognizeResult(text string) {
	ctx := a.ctx
	switch {
	case a.cfg.SummonPhrase != "" && text == a.cfg.SummonPhrase:
		a.abortXiaoai(ctx)
		a.say(ctx, a.cfg.SummonGreeting, true)
		a.OpenChannel(ctx)
	case a.cfg.MusicPrefix != "" && strings.HasPrefix(text, a.cfg.MusicPrefix):
		song := strings.TrimSpace(strings.TrimPrefix(text, a.cfg.MusicPrefix))
		if song == "" {
			return
		}
		a.abortXiaoai(ctx)
		if a.cfg.MusicAnnouncement != "" {
			a.say(ctx, fmt.Sprintf(a.cfg.MusicAnnouncement, song), true)
		}
		a.PlayMusic(song)
	}
}

// OnRecord forwards microphone audio while the channel is open.
func (a *Assistant) OnRecord(data []byte) {
	channel := a.currentChannel()
	if channel == nil || !channel.IsAudioChannelOpened() {
		return
	}
	channel.SendAudio(a.ctx, data)
}

func (a *Assistant) OnDeviceConnected() {
	a.logger.Info("assistant device connected")
}

func (a *Assistant) OnDeviceDisconnected() {
	a.logger.Info("assistant device disconnected")
	a.StopMusic()
	if channel := a.currentChannel(); channel != nil && channel.IsAudioChannelOpened() {
		channel.CloseAudioChannel()
	}
}

// OpenChannel opens the cloud channel and starts the device audio streams.
func (a *Assistant) OpenChannel(ctx context.Context) bool {
	channel := a.currentChannel()
	if channel == nil {
		return false
	}
	if channel.IsAudioChannelOpened() {
		a.touch()
		return true
	}
	if !channel.OpenAudioChannel(ctx) {
		a.logger.Warn("assistant channel open failed")
		return false
	}
	if err := a.device.StartPlay(ctx, nil); err != nil {
		a.logger.Warn("assistant start play failed", zap.Error(err))
	}
	if err := a.device.StartRecording(ctx, nil); err != nil {
		a.logger.Warn("assistant start recording failed", zap.Error(err))
	}
	channel.SendText(ctx, listenStartMessage)
	a.touch()
	return true
}

// CloseChannel closes the cloud channel and says goodbye.
func (a *Assistant) CloseChannel(ctx context.Context) {
	a.stopIdleTimer()
	channel := a.currentChannel()
	if channel == nil || !channel.IsAudioChannelOpened() {
		return
	}
	channel.CloseAudioChannel()
	a.say(ctx, a.cfg.Farewell, false)
}

// PlayMusic starts a playlist walk for query in the background. A running
// walk is cancelled first.
func (a *Assistant) PlayMusic(query string) {
	ctx, cancel := context.WithCancel(a.ctx)
	a.mu.Lock()
	if a.walkCancel != nil {
		a.walkCancel()
	}
	a.walkSeq++
	seq := a.walkSeq
	a.walkCancel = cancel
	a.walkQuery = query
	a.mu.Unlock()

	go func() {
		defer a.finishWalk(seq, cancel)
		err := a.player.PlayQuery(ctx, query)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		a.logger.Error("assistant music walk failed", zap.String("query", query), zap.Error(err))
		a.say(a.ctx, a.cfg.MusicFailure, false)
	}()
}

// StopMusic cancels the running walk, if any.
func (a *Assistant) StopMusic() {
	a.mu.Lock()
	cancel := a.walkCancel
	a.walkCancel = nil
	a.walkQuery = ""
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Assistant) finishWalk(seq uint64, cancel context.CancelFunc) {
	a.mu.Lock()
	if a.walkSeq == seq {
		a.walkCancel = nil
		a.walkQuery = ""
	}
	a.mu.Unlock()
	cancel()
}

// OnAudioChannelOpened implements xiaozhi.Listener.
func (a *Assistant) OnAudioChannelOpened() {
	a.logger.Info("assistant channel opened")
}

// OnAudioChannelClosed implements xiaozhi.Listener.
func (a *Assistant) OnAudioChannelClosed() {
	a.stopIdleTimer()
	a.logger.Info("assistant channel closed")
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
		defer cancel()
		if err := a.device.StopRecording(ctx); err != nil {
			a.logger.Debug("assistant stop recording failed", zap.Error(err))
		}
		if err := a.device.StopPlay(ctx); err != nil {
			a.logger.Debug("assistant stop play failed", zap.Error(err))
		}
	}()
}

// OnNetworkError implements xiaozhi.Listener.
func (a *Assistant) OnNetworkError(message string) {
	a.logger.Warn("assistant channel error", zap.String("error", message))
}

// OnIncomingAudio plays cloud audio on the speaker.
func (a *Assistant) OnIncomingAudio(data []byte) {
	a.touch()
	if err := a.device.SendStream(protocol.StreamTagPlay, data); err != nil {
		a.logger.Debug("assistant play stream dropped", zap.Error(err))
	}
}

// OnIncomingJSON handles cloud control messages.
func (a *Assistant) OnIncomingJSON(message map[string]any) {
	a.touch()
	messageType, _ := message["type"].(string)
	switch messageType {
	case "tts", "stt", "llm":
		text, _ := message["text"].(string)
		state, _ := message["state"].(string)
		a.logger.Info("assistant cloud message",
			zap.String("type", messageType),
			zap.String("state", state),
			zap.String("text", text),
		)
	case "goodbye":
		go a.CloseChannel(a.ctx)
	default:
		if data, err := json.Marshal(message); err == nil {
			a.logger.Debug("assistant cloud message", zap.String("type", messageType), zap.ByteString("raw", data))
		}
	}
}

func (a *Assistant) touch() {
	if a.cfg.IdleTimeout <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	a.idleTimer = time.AfterFunc(a.cfg.IdleTimeout, func() {
		a.logger.Info("assistant idle timeout", zap.Duration("timeout", a.cfg.IdleTimeout))
		a.CloseChannel(a.ctx)
	})
}

func (a *Assistant) stopIdleTimer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
}

func (a *Assistant) acceptsKeyword(keyword string) bool {
	if len(a.cfg.Keywords) == 0 {
		return true
	}
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	for _, k := range a.cfg.Keywords {
		if strings.ToLower(k) == keyword {
			return true
		}
	}
	return false
}

func (a *Assistant) abortXiaoai(ctx context.Context) {
	if err := a.device.AbortXiaoai(ctx); err != nil {
		a.logger.Warn("assistant abort xiaoai failed", zap.Error(err))
	}
	if a.cfg.AbortSettle <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(a.cfg.AbortSettle):
	}
}

func (a *Assistant) say(ctx context.Context, text string, blocking bool) {
	if text == "" {
		return
	}
	if err := a.device.Play(ctx, playback.PlayRequest{Text: text, Blocking: blocking}); err != nil {
		a.logger.Warn("assistant speak failed", zap.String("text", text), zap.Error(err))
	}
}

const listenStartMessage = `{"session_id":"","type":"listen","state":"start","mode":"auto"}`
