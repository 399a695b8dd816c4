package xiaozhi

import (
	"context"
	"errors"
)

var (
	// ErrTransport reports a connect, send or receive failure at the socket layer.
	ErrTransport = errors.New("xiaozhi transport error")
	// ErrHandshakeTimeout reports that no valid server hello arrived in time.
	ErrHandshakeTimeout = errors.New("xiaozhi handshake timeout")
	// ErrMalformedMessage reports a text frame that is not a JSON object.
	ErrMalformedMessage = errors.New("xiaozhi malformed message")
	// ErrProtocolViolation reports a server hello with an unsupported transport.
	ErrProtocolViolation = errors.New("xiaozhi protocol violation")
)

// Protocol is the channel surface a dialogue controller drives.
type Protocol interface {
	Connect(ctx context.Context) bool
	OpenAudioChannel(ctx context.Context) bool
	IsAudioChannelOpened() bool
	SendAudio(ctx context.Context, data []byte)
	SendText(ctx context.Context, text string)
	CloseAudioChannel()
	ServerSampleRate() int
}

// Listener receives channel lifecycle events.
//
// Inbound frames and the opened hook run on the channel's reader goroutine.
// Consumers that need delivery elsewhere must hand the event off themselves.
type Listener interface {
	OnIncomingJSON(message map[string]any)
	OnIncomingAudio(data []byte)
	OnAudioChannelOpened()
	OnAudioChannelClosed()
	OnNetworkError(message string)
}

// NopListener ignores every event. Embed it to implement only some hooks.
type NopListener struct{}

func (NopListener) OnIncomingJSON(map[string]any) {}
func (NopListener) OnIncomingAudio([]byte)        {}
func (NopListener) OnAudioChannelOpened()         {}
func (NopListener) OnAudioChannelClosed()         {}
func (NopListener) OnNetworkError(string)         {}
