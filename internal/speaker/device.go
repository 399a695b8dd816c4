package speaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qq1064990473/open-xiaoai/internal/playback"
	"github.com/qq1064990473/open-xiaoai/internal/protocol"
)

var (
	// ErrNoDevice reports that no speaker agent is connected.
	ErrNoDevice = errors.New("speaker: no device connected")
	// ErrRequestTimeout reports a command the device did not answer in time.
	ErrRequestTimeout = errors.New("speaker: request timed out")
)

// RPCError is a non-zero response code returned by the device.
type RPCError struct {
	Command string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("speaker: %s failed with code %d: %s", e.Command, e.Code, e.Message)
}

// Shell scripts run on the speaker.
const (
	scriptAbortXiaoai = "/etc/init.d/mico_aivs_lab restart >/dev/null 2>&1"
	scriptMuteStat    = "mphelper mute_stat"
	scriptTTS         = "/usr/sbin/tts_play.sh"
)

// Config tunes device RPCs.
type Config struct {
	RequestTimeout time.Duration
	BlockingPoll   time.Duration
}

// Observer receives device events. OnKeyword and OnRecognizeResult run on
// their own goroutine so they may call back into the Device.
type Observer interface {
	OnDeviceConnected()
	OnDeviceDisconnected()
	OnKeyword(keyword string)
	OnRecognizeResult(text string)
	OnRecord(data []byte)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnDeviceConnected()       {}
func (NopObserver) OnDeviceDisconnected()    {}
func (NopObserver) OnKeyword(string)         {}
func (NopObserver) OnRecognizeResult(string) {}
func (NopObserver) OnRecord([]byte)          {}

// Status is a snapshot of the device connection.
type Status struct {
	Connected     bool            `json:"connected"`
	SessionID     string          `json:"session_id,omitempty"`
	RemoteAddr    string          `json:"remote_addr,omitempty"`
	ConnectedAt   time.Time       `json:"connected_at,omitempty"`
	Playing       playback.Status `json:"playing"`
	LastDirective string          `json:"last_directive,omitempty"`
	ReceivedPause bool            `json:"received_pause"`
}

var _ playback.Speaker = (*Device)(nil)

// Device is the speaker reachable through the connected agent.
type Device struct {
	cfg    Config
	logger *zap.Logger

	observerMu sync.RWMutex
	observer   Observer

	mu      sync.Mutex
	session *session
	waiters map[string]chan *protocol.Response

	stateMu       sync.Mutex
	status        playback.Status
	lastDirective string
	receivedPause bool
}

// NewDevice creates a device without a connection.
func NewDevice(cfg Config, logger *zap.Logger) *Device {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.BlockingPoll <= 0 {
		cfg.BlockingPoll = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{
		cfg:      cfg,
		logger:   logger,
		observer: NopObserver{},
		waiters:  make(map[string]chan *protocol.Response),
		status:   playback.StatusIdle,
	}
}

// SetObserver replaces the event observer. nil restores NopObserver.
func (d *Device) SetObserver(observer Observer) {
	if observer == nil {
		observer = NopObserver{}
	}
	d.observerMu.Lock()
	d.observer = observer
	d.observerMu.Unlock()
}

func (d *Device) obs() Observer {
	d.observerMu.RLock()
	defer d.observerMu.RUnlock()
	return d.observer
}

// Connected reports whether an agent is attached.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil
}

// Status returns a snapshot for diagnostics.
func (d *Device) Status() Status {
	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()

	d.stateMu.Lock()
	st := Status{
		Playing:       d.status,
		LastDirective: d.lastDirective,
		ReceivedPause: d.receivedPause,
	}
	d.stateMu.Unlock()

	if sess != nil {
		st.Connected = true
		st.SessionID = sess.id
		st.RemoteAddr = sess.remoteAddr
		st.ConnectedAt = sess.connectedAt
	}
	return st
}

// Call sends a command and waits for its response.
func (d *Device) Call(ctx context.Context, command string, payload any) (*protocol.Response, error) {
	d.mu.Lock()
	sess := d.session
	if sess == nil {
		d.mu.Unlock()
		return nil, ErrNoDevice
	}
	id := uuid.NewString()
	ch := make(chan *protocol.Response, 1)
	d.waiters[id] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.waiters, id)
		d.mu.Unlock()
	}()

	req := protocol.Envelope{Request: &protocol.Request{ID: id, Command: command, Payload: payload}}
	if err := sess.sendJSON(req); err != nil {
		return nil, fmt.Errorf("speaker: send %s: %w", command, err)
	}

	timer := time.NewTimer(d.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNoDevice
		}
		if !resp.Success() {
			return resp, &RPCError{Command: command, Code: *resp.Code, Message: resp.Message()}
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, command, d.cfg.RequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunShell runs script on the speaker.
func (d *Device) RunShell(ctx context.Context, script string) (protocol.ShellResult, error) {
	resp, err := d.Call(ctx, protocol.CommandRunShell, script)
	if err != nil {
		return protocol.ShellResult{}, err
	}
	var result protocol.ShellResult
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &result); err != nil {
			return protocol.ShellResult{}, fmt.Errorf("speaker: decode run_shell result: %w", err)
		}
	}
	return result, nil
}

// StartRecording asks the agent to stream microphone audio.
func (d *Device) StartRecording(ctx context.Context, cfg *protocol.AudioConfig) error {
	_, err := d.Call(ctx, protocol.CommandStartRecording, audioPayload(cfg))
	return err
}

// StopRecording executes the stopRecording method.
func (d *Device) StopRecording(ctx context.Context) error {
	_, err := d.Call(ctx, protocol.CommandStopRecording, nil)
	return err
}

// StartPlay asks the agent to accept play streams.
func (d *Device) StartPlay(ctx context.Context, cfg *protocol.AudioConfig) error {
	_, err := d.Call(ctx, protocol.CommandStartPlay, audioPayload(cfg))
	return err
}

// StopPlay executes the stopPlay method.
func (d *Device) StopPlay(ctx context.Context) error {
	_, err := d.Call(ctx, protocol.CommandStopPlay, nil)
	return err
}

// Version returns the agent version.
func (d *Device) Version(ctx context.Context) (string, error) {
	resp, err := d.Call(ctx, protocol.CommandGetVersion, nil)
	if err != nil {
		return "", err
	}
	var version string
	if err := json.Unmarshal(resp.Data, &version); err != nil {
		return "", fmt.Errorf("speaker: decode version: %w", err)
	}
	return version, nil
}

// SendStream writes one binary stream frame to the agent.
func (d *Device) SendStream(tag string, data []byte) error {
	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()
	if sess == nil {
		return ErrNoDevice
	}
	payload, err := json.Marshal(protocol.Stream{ID: uuid.NewString(), Tag: tag, Bytes: data})
	if err != nil {
		return err
	}
	return sess.sendBinary(payload)
}

// Play plays a URL or speaks a text. A blocking play returns once the
// speaker is idle again.
func (d *Device) Play(ctx context.Context, req playback.PlayRequest) error {
	var script string
	switch {
	case req.URL != "":
		body, err := json.Marshal(map[string]any{"url": req.URL, "type": 1})
		if err != nil {
			return err
		}
		script = "ubus call mediaplayer player_play_url " + shellQuote(string(body))
	case req.Text != "":
		script = scriptTTS + " " + shellQuote(req.Text)
	default:
		return errors.New("speaker: play request without url or text")
	}

	result, err := d.RunShell(ctx, script)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		d.logger.Warn("speaker play command failed",
			zap.Int("exit_code", result.ExitCode),
			zap.String("stderr", strings.TrimSpace(result.Stderr)),
		)
	}
	if !req.Blocking {
		return nil
	}
	return d.waitIdle(ctx)
}

func (d *Device) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.BlockingPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		status, err := d.Playing(ctx, true)
		if err != nil {
			return err
		}
		if status == playback.StatusIdle {
			return nil
		}
	}
}

// AbortXiaoai restarts the built-in assistant so it stops talking.
func (d *Device) AbortXiaoai(ctx context.Context) error {
	_, err := d.RunShell(ctx, scriptAbortXiaoai)
	return err
}

// Playing returns the playback status. With sync the device is asked;
// otherwise the status from the latest playing event is returned.
func (d *Device) Playing(ctx context.Context, sync bool) (playback.Status, error) {
	if !sync {
		d.stateMu.Lock()
		defer d.stateMu.Unlock()
		return d.status, nil
	}
	result, err := d.RunShell(ctx, scriptMuteStat)
	if err != nil {
		return "", err
	}
	status := parseMuteStat(result.Stdout)
	d.setStatus(status)
	return status, nil
}

func (d *Device) LastDirective() string {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.lastDirective
}

func (d *Device) ReceivedPause() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.receivedPause
}

func (d *Device) SetReceivedPause(v bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.receivedPause = v
}

func (d *Device) setStatus(status playback.Status) {
	d.stateMu.Lock()
	d.status = status
	d.stateMu.Unlock()
}

func (d *Device) setDirective(name string) {
	d.stateMu.Lock()
	d.lastDirective = name
	if name == playback.DirectivePause {
		d.receivedPause = true
	}
	d.stateMu.Unlock()
}

func (d *Device) attach(sess *session) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	previous := d.session
	d.session = sess
	return previous
}

// detach forgets sess and fails its pending requests. It reports whether
// sess was the current session.
func (d *Device) detach(sess *session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != sess {
		return false
	}
	d.session = nil
	for id, ch := range d.waiters {
		close(ch)
		delete(d.waiters, id)
	}
	return true
}

func (d *Device) resolve(resp *protocol.Response) {
	d.mu.Lock()
	ch, ok := d.waiters[resp.ID]
	if ok {
		delete(d.waiters, resp.ID)
	}
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("speaker response without waiter", zap.String("request_id", resp.ID))
		return
	}
	ch <- resp
}

func parseMuteStat(stdout string) playback.Status {
	switch strings.TrimSpace(stdout) {
	case "1":
		return playback.StatusPlaying
	case "2":
		return playback.StatusPaused
	default:
		return playback.StatusIdle
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func audioPayload(cfg *protocol.AudioConfig) any {
	if cfg == nil {
		return nil
	}
	return cfg
}
