package speaker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/qq1064990473/open-xiaoai/internal/playback"
	"github.com/qq1064990473/open-xiaoai/internal/protocol"
)

type recordingObserver struct {
	NopObserver
	keywords   chan string
	recognized chan string
	records    chan []byte
	lifecycle  chan string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		keywords:   make(chan string, 4),
		recognized: make(chan string, 4),
		records:    make(chan []byte, 4),
		lifecycle:  make(chan string, 4),
	}
}

func (o *recordingObserver) OnDeviceConnected()         { o.lifecycle <- "connected" }
func (o *recordingObserver) OnDeviceDisconnected()      { o.lifecycle <- "disconnected" }
func (o *recordingObserver) OnKeyword(k string)         { o.keywords <- k }
func (o *recordingObserver) OnRecognizeResult(s string) { o.recognized <- s }
func (o *recordingObserver) OnRecord(data []byte)       { o.records <- data }

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func instructionLine(namespace, name string, payload any) string {
	line, _ := json.Marshal(map[string]any{
		"header":  map[string]string{"namespace": namespace, "name": name},
		"payload": payload,
	})
	return string(line)
}

func TestInstructionEventsTrackDirective(t *testing.T) {
	device := NewDevice(Config{}, nil)
	agent := startAgent(t, device, nil)

	agent.sendEvent(protocol.EventInstruction, instructionLine("AudioPlayer", playback.DirectivePause, map[string]any{}))
	eventually(t, func() bool { return device.LastDirective() == playback.DirectivePause }, "pause directive not recorded")
	if !device.ReceivedPause() {
		t.Fatal("ReceivedPause=false after Pause, want true")
	}

	device.SetReceivedPause(false)
	agent.sendEvent(protocol.EventInstruction, instructionLine("AudioPlayer", playback.DirectiveFinish, map[string]any{}))
	eventually(t, func() bool { return device.LastDirective() == playback.DirectiveFinish }, "finish directive not recorded")
	if device.ReceivedPause() {
		t.Fatal("ReceivedPause=true after Finish, want false")
	}
}

func TestPlayingEventUpdatesCachedStatus(t *testing.T) {
	device := NewDevice(Config{}, nil)
	agent := startAgent(t, device, nil)

	agent.sendEvent(protocol.EventPlaying, "Playing")
	eventually(t, func() bool { return device.Status().Playing == playback.StatusPlaying }, "playing status not recorded")
	agent.sendEvent(protocol.EventPlaying, "Idle")
	eventually(t, func() bool { return device.Status().Playing == playback.StatusIdle }, "idle status not recorded")
}

func TestObserverReceivesDeviceEvents(t *testing.T) {
	device := NewDevice(Config{}, nil)
	observer := newRecordingObserver()
	device.SetObserver(observer)
	agent := startAgent(t, device, nil)

	if got := receive(t, observer.lifecycle, "connect"); got != "connected" {
		t.Fatalf("lifecycle=%s, want connected", got)
	}

	agent.sendEvent(protocol.EventKws, "你好小智")
	if got := receive(t, observer.keywords, "keyword"); got != "你好小智" {
		t.Fatalf("keyword=%q, want 你好小智", got)
	}

	agent.sendEvent(protocol.EventInstruction, instructionLine("SpeechRecognizer", "RecognizeResult", map[string]any{
		"is_final": false,
		"results":  []map[string]string{{"text": "播放"}},
	}))
	agent.sendEvent(protocol.EventInstruction, instructionLine("SpeechRecognizer", "RecognizeResult", map[string]any{
		"is_final": true,
		"results":  []map[string]string{{"text": "播放歌曲晴天"}},
	}))
	if got := receive(t, observer.recognized, "recognize result"); got != "播放歌曲晴天" {
		t.Fatalf("recognized=%q, want 播放歌曲晴天", got)
	}
	if device.LastDirective() != "" {
		t.Fatalf("LastDirective=%q, want recognize results ignored", device.LastDirective())
	}

	agent.sendRecord([]byte{1, 2, 3})
	if got := receive(t, observer.records, "record"); string(got) != "\x01\x02\x03" {
		t.Fatalf("record=%v, want [1 2 3]", got)
	}

	_ = agent.conn.Close()
	if got := receive(t, observer.lifecycle, "disconnect"); got != "disconnected" {
		t.Fatalf("lifecycle=%s, want disconnected", got)
	}
}

func TestNewConnectionReplacesPrevious(t *testing.T) {
	device := NewDevice(Config{}, nil)
	first := startAgent(t, device, nil)
	firstID := device.Status().SessionID

	startAgent(t, device, nil)
	eventually(t, func() bool { return device.Status().SessionID != firstID }, "second session not attached")

	select {
	case <-first.done:
	case <-time.After(2 * time.Second):
		t.Fatal("first connection not closed after replacement")
	}
	if !device.Connected() {
		t.Fatal("Connected=false after replacement, want true")
	}
}
