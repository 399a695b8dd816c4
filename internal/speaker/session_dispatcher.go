package speaker

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/qq1064990473/open-xiaoai/internal/playback"
	"github.com/qq1064990473/open-xiaoai/internal/protocol"
)

const instructionRecognizeResult = "RecognizeResult"

type eventHandler func(*session, *protocol.Event)

func (h *Handler) dispatchEvent(sess *session, event *protocol.Event) {
	handlers := map[string]eventHandler{
		protocol.EventPlaying:     h.onPlaying,
		protocol.EventInstruction: h.onInstruction,
		protocol.EventKws:         h.onKws,
	}

	if handler, ok := handlers[event.Event]; ok {
		handler(sess, event)
		return
	}
	h.logger.Debug("speaker unknown event",
		zap.String("session_id", sess.id),
		zap.String("event", event.Event),
	)
}

func (h *Handler) onPlaying(_ *session, event *protocol.Event) {
	var status playback.Status
	switch strings.ToLower(event.StringData()) {
	case "playing":
		status = playback.StatusPlaying
	case "paused":
		status = playback.StatusPaused
	default:
		status = playback.StatusIdle
	}
	h.device.setStatus(status)
}

func (h *Handler) onInstruction(sess *session, event *protocol.Event) {
	line, ok := event.InstructionLine()
	if !ok {
		return
	}
	name := line.Header.Name
	h.logger.Debug("speaker instruction",
		zap.String("session_id", sess.id),
		zap.String("namespace", line.Header.Namespace),
		zap.String("name", name),
	)
	if name != instructionRecognizeResult {
		h.device.setDirective(name)
		return
	}

	var result protocol.RecognizeResult
	if err := json.Unmarshal(line.Payload, &result); err != nil || !result.IsFinal {
		return
	}
	observer := h.device.obs()
	for _, r := range result.Results {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		go observer.OnRecognizeResult(text)
	}
}

func (h *Handler) onKws(sess *session, event *protocol.Event) {
	keyword := event.StringData()
	h.logger.Info("speaker keyword detected", zap.String("session_id", sess.id), zap.String("keyword", keyword))
	go h.device.obs().OnKeyword(keyword)
}
