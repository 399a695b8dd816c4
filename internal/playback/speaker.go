package playback

import "context"

// Status is the coarse playback state reported by the speaker.
type Status string

const (
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
	StatusIdle    Status = "idle"
)

// Directive names observed in the speaker's instruction log.
const (
	DirectiveFinish = "Finish"
	DirectivePause  = "Pause"
)

// PlayRequest asks the speaker to play a URL or speak a text.
type PlayRequest struct {
	URL      string
	Text     string
	Blocking bool
}

// Speaker is the device the monitor drives.
type Speaker interface {
	Play(ctx context.Context, req PlayRequest) error
	AbortXiaoai(ctx context.Context) error
	// Playing reports the playback status. With sync set the device is queried
	// instead of returning the last reported state.
	Playing(ctx context.Context, sync bool) (Status, error)
	LastDirective() string
	ReceivedPause() bool
	SetReceivedPause(v bool)
}
