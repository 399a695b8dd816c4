package xiaozhi

import (
	"context"
	"net/http"
	"time"
)

const (
	defaultProtocolVersion  = 1
	defaultSampleRate       = 16000
	defaultHandshakeTimeout = 10 * time.Second

	transportWebsocket = "websocket"
	messageTypeHello   = "hello"
)

// AudioParams describes the audio format announced in a hello.
type AudioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// HelloMessage is the first frame a client sends after dialing.
type HelloMessage struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	Transport   string      `json:"transport"`
	AudioParams AudioParams `json:"audio_params"`
}

// ServerHello is the server's answer to HelloMessage.
type ServerHello struct {
	Type        string       `json:"type"`
	Transport   string       `json:"transport"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
}

// Conn is the transport a Protocol reads and writes. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a Conn to endpoint with the given handshake headers.
type DialFunc func(ctx context.Context, endpoint string, header http.Header) (Conn, error)

// Config holds the connection settings of a channel.
type Config struct {
	Endpoint         string
	AccessToken      string
	DeviceID         string
	ClientID         string
	ProtocolVersion  int
	AudioParams      AudioParams
	HandshakeTimeout time.Duration
	// Dial defaults to a gorilla websocket dialer.
	Dial DialFunc
}

func normalizeConfig(cfg Config) Config {
	if cfg.ProtocolVersion <= 0 {
		cfg.ProtocolVersion = defaultProtocolVersion
	}
	if cfg.AudioParams.Format == "" {
		cfg.AudioParams.Format = "opus"
	}
	if cfg.AudioParams.SampleRate <= 0 {
		cfg.AudioParams.SampleRate = defaultSampleRate
	}
	if cfg.AudioParams.Channels <= 0 {
		cfg.AudioParams.Channels = 1
	}
	if cfg.AudioParams.FrameDuration <= 0 {
		cfg.AudioParams.FrameDuration = 60
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = dialWebsocket
	}
	return cfg
}

func newHelloMessage(cfg Config) HelloMessage {
	return HelloMessage{
		Type:        messageTypeHello,
		Version:     cfg.ProtocolVersion,
		Transport:   transportWebsocket,
		AudioParams: cfg.AudioParams,
	}
}
