package xiaozhi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qq1064990473/open-xiaoai/internal/session/fsm"
)

var _ Protocol = (*WebsocketProtocol)(nil)

// WebsocketProtocol is the websocket variant of Protocol.
type WebsocketProtocol struct {
	cfg      Config
	listener Listener
	logger   *zap.Logger
	state    *fsm.Machine

	mu               sync.Mutex
	conn             Conn
	serverSampleRate int

	writeMu sync.Mutex
}

// NewWebsocketProtocol creates an unconnected channel. A nil listener ignores all events.
func NewWebsocketProtocol(cfg Config, listener Listener, logger *zap.Logger) *WebsocketProtocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	if listener == nil {
		listener = NopListener{}
	}
	return &WebsocketProtocol{
		cfg:              normalizeConfig(cfg),
		listener:         listener,
		logger:           logger,
		state:            fsm.New(),
		serverSampleRate: defaultSampleRate,
	}
}

// Connect dials the service, sends the hello and waits for the server hello.
func (p *WebsocketProtocol) Connect(ctx context.Context) bool {
	// The previous socket is detached before the new handshake starts so its
	// reader cannot reset the state of this attempt.
	p.mu.Lock()
	previous := p.conn
	p.conn = nil
	hs := p.state.BeginHandshake()
	p.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.cfg.AccessToken)
	headers.Set("Protocol-Version", strconv.Itoa(p.cfg.ProtocolVersion))
	headers.Set("Device-Id", p.cfg.DeviceID)
	headers.Set("Client-Id", p.cfg.ClientID)

	p.logger.Info("xiaozhi connecting",
		zap.String("endpoint", p.cfg.Endpoint),
		zap.String("device_id", p.cfg.DeviceID),
		zap.String("client_id", p.cfg.ClientID),
	)
	conn, err := p.cfg.Dial(ctx, p.cfg.Endpoint, headers)
	if err != nil {
		p.state.AbandonHandshake(hs)
		p.reportNetworkError("xiaozhi connect failed", fmt.Errorf("%w: connect %s: %v", ErrTransport, p.cfg.Endpoint, err))
		return false
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	go p.dispatch(conn)

	if !p.sendHello(ctx, conn) {
		p.state.AbandonHandshake(hs)
		return false
	}

	timer := time.NewTimer(p.cfg.HandshakeTimeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-hs.Done():
		p.logger.Info("xiaozhi connected",
			zap.String("endpoint", p.cfg.Endpoint),
			zap.Int("server_sample_rate", p.ServerSampleRate()),
		)
		return true
	case <-timer.C:
		waitErr = fmt.Errorf("%w after %s", ErrHandshakeTimeout, p.cfg.HandshakeTimeout)
	case <-ctx.Done():
		waitErr = fmt.Errorf("%w: %v", ErrHandshakeTimeout, ctx.Err())
	}

	if !p.state.AbandonHandshake(hs) {
		// The hello won the race against the deadline.
		<-hs.Done()
		return true
	}
	p.reportNetworkError("xiaozhi server hello not received", waitErr)
	return false
}

// IsAudioChannelOpened reports whether a socket exists and the handshake completed.
func (p *WebsocketProtocol) IsAudioChannelOpened() bool {
	return p.currentConn() != nil && p.state.Connected()
}

// OpenAudioChannel connects unless the channel is already connected.
func (p *WebsocketProtocol) OpenAudioChannel(ctx context.Context) bool {
	if p.state.Connected() {
		return true
	}
	return p.Connect(ctx)
}

// SendAudio writes one binary frame. It does nothing while the channel is not open.
func (p *WebsocketProtocol) SendAudio(ctx context.Context, data []byte) {
	if !p.IsAudioChannelOpened() {
		return
	}
	conn := p.currentConn()
	if conn == nil {
		return
	}
	if err := p.write(ctx, conn, websocket.BinaryMessage, data); err != nil {
		p.reportNetworkError("xiaozhi send audio failed", fmt.Errorf("%w: send audio: %v", ErrTransport, err))
	}
}

// SendText writes one text frame. A failed write tears the channel down.
func (p *WebsocketProtocol) SendText(ctx context.Context, text string) {
	conn := p.currentConn()
	if conn == nil {
		return
	}
	p.sendText(ctx, conn, text)
}

// CloseAudioChannel closes the socket and forgets it.
func (p *WebsocketProtocol) CloseAudioChannel() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	if conn != nil {
		p.state.Disconnect()
	}
	p.mu.Unlock()
	if conn == nil {
		return
	}

	p.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	p.writeMu.Unlock()

	if err := conn.Close(); err != nil {
		p.logger.Error("xiaozhi close failed", zap.Error(err))
		return
	}
	p.logger.Info("xiaozhi audio channel closed", zap.String("endpoint", p.cfg.Endpoint))
	p.listener.OnAudioChannelClosed()
}

// ServerSampleRate returns the output sample rate announced by the server.
func (p *WebsocketProtocol) ServerSampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serverSampleRate
}

func (p *WebsocketProtocol) sendHello(ctx context.Context, conn Conn) bool {
	payload, err := json.Marshal(newHelloMessage(p.cfg))
	if err != nil {
		p.reportNetworkError("xiaozhi hello encode failed", err)
		return false
	}
	return p.sendText(ctx, conn, string(payload))
}

func (p *WebsocketProtocol) sendText(ctx context.Context, conn Conn, text string) bool {
	if err := p.write(ctx, conn, websocket.TextMessage, []byte(text)); err != nil {
		p.CloseAudioChannel()
		p.reportNetworkError("xiaozhi send text failed", fmt.Errorf("%w: send text: %v", ErrTransport, err))
		return false
	}
	return true
}

func (p *WebsocketProtocol) write(ctx context.Context, conn Conn, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

func (p *WebsocketProtocol) dispatch(conn Conn) {
	defer func() {
		if r := recover(); r != nil {
			if !p.detach(conn) {
				p.logger.Error("xiaozhi reader panicked on replaced connection", zap.Any("panic", r))
				return
			}
			_ = conn.Close()
			p.reportNetworkError("xiaozhi reader failed", fmt.Errorf("%w: dispatch: %v", ErrTransport, r))
		}
	}()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			p.handleReadError(conn, err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			p.handleTextMessage(conn, data)
		case websocket.BinaryMessage:
			p.listener.OnIncomingAudio(data)
		}
	}
}

func (p *WebsocketProtocol) handleReadError(conn Conn, err error) {
	if !p.detach(conn) {
		p.logger.Debug("xiaozhi reader stopped for replaced connection", zap.Error(err))
		return
	}
	_ = conn.Close()

	if isClosure(err) {
		p.logger.Info("xiaozhi connection closed", zap.Error(err))
		p.listener.OnAudioChannelClosed()
		return
	}
	p.reportNetworkError("xiaozhi reader failed", fmt.Errorf("%w: receive: %v", ErrTransport, err))
}

func (p *WebsocketProtocol) handleTextMessage(conn Conn, data []byte) {
	var message map[string]any
	if err := json.Unmarshal(data, &message); err != nil || message == nil {
		if err == nil {
			err = errors.New("not a json object")
		}
		p.logger.Warn("xiaozhi message dropped",
			zap.Error(fmt.Errorf("%w: %v", ErrMalformedMessage, err)),
			zap.Int("bytes", len(data)),
		)
		return
	}
	if messageType, _ := message["type"].(string); messageType == messageTypeHello {
		p.handleServerHello(conn, data)
		return
	}
	p.listener.OnIncomingJSON(message)
}

func (p *WebsocketProtocol) handleServerHello(conn Conn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.reportNetworkError("xiaozhi server hello handling failed", fmt.Errorf("handle server hello: %v", r))
		}
	}()

	var hello ServerHello
	if err := json.Unmarshal(data, &hello); err != nil {
		p.logger.Warn("xiaozhi server hello dropped", zap.Error(fmt.Errorf("%w: %v", ErrMalformedMessage, err)))
		return
	}
	if hello.Transport != transportWebsocket {
		p.logger.Error("xiaozhi server hello rejected",
			zap.Error(fmt.Errorf("%w: unsupported transport %q", ErrProtocolViolation, hello.Transport)),
		)
		return
	}
	rate := 0
	if hello.AudioParams != nil && hello.AudioParams.SampleRate > 0 {
		rate = hello.AudioParams.SampleRate
	}

	// The rate only changes for a hello that completes the current handshake
	// or repeats one on an already connected socket.
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		p.logger.Debug("xiaozhi server hello ignored on replaced connection")
		return
	}
	hs, ok := p.state.AcceptHello()
	connected := p.state.Connected()
	if rate > 0 && (ok || connected) {
		p.serverSampleRate = rate
	}
	p.mu.Unlock()

	if rate > 0 && (ok || connected) && rate != p.cfg.AudioParams.SampleRate {
		p.logger.Warn("xiaozhi server sample rate differs from local input",
			zap.Int("server_sample_rate", rate),
			zap.Int("local_sample_rate", p.cfg.AudioParams.SampleRate),
		)
	}
	if !ok {
		p.logger.Debug("xiaozhi server hello ignored", zap.String("state", string(p.state.State())))
		return
	}
	defer hs.Signal()
	p.listener.OnAudioChannelOpened()
	p.logger.Info("xiaozhi server hello accepted", zap.Int("server_sample_rate", p.ServerSampleRate()))
}

// detach forgets conn and resets the handshake state if conn is still the
// current socket. It reports whether it did.
func (p *WebsocketProtocol) detach(conn Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != conn {
		return false
	}
	p.conn = nil
	p.state.Disconnect()
	return true
}

func (p *WebsocketProtocol) currentConn() Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *WebsocketProtocol) reportNetworkError(msg string, err error) {
	p.logger.Error(msg, zap.Error(err))
	p.listener.OnNetworkError(err.Error())
}

func isClosure(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func dialWebsocket(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
