package speaker

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qq1064990473/open-xiaoai/internal/protocol"
)

// Handler accepts the on-device agent connection. Only one agent is served
// at a time; a new connection replaces the previous one.
type Handler struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	device   *Device
}

type session struct {
	conn        *websocket.Conn
	sendMu      sync.Mutex
	id          string
	remoteAddr  string
	connectedAt time.Time
}

// NewHandler executes the newHandler function.
func NewHandler(device *Device, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger: logger,
		device: device,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handle executes the handle method.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("speaker upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess := &session{
		conn:        conn,
		id:          uuid.NewString(),
		remoteAddr:  r.RemoteAddr,
		connectedAt: time.Now(),
	}
	if previous := h.device.attach(sess); previous != nil {
		h.logger.Info("speaker session replaced", zap.String("session_id", previous.id))
		_ = previous.conn.Close()
	}
	h.logger.Info("speaker session opened",
		zap.String("session_id", sess.id),
		zap.String("remote_addr", sess.remoteAddr),
	)
	h.device.obs().OnDeviceConnected()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("speaker connection closed", zap.String("session_id", sess.id), zap.Error(err))
			break
		}
		switch messageType {
		case websocket.TextMessage:
			h.handleText(sess, data)
		case websocket.BinaryMessage:
			h.handleBinary(sess, data)
		}
	}

	if h.device.detach(sess) {
		h.device.obs().OnDeviceDisconnected()
	}
	h.logger.Info("speaker session closed", zap.String("session_id", sess.id))
}

func (h *Handler) handleText(sess *session, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		h.logger.Warn("speaker message dropped", zap.String("session_id", sess.id), zap.Error(err))
		return
	}
	switch {
	case env.Response != nil:
		h.device.resolve(env.Response)
	case env.Event != nil:
		h.dispatchEvent(sess, env.Event)
	case env.Request != nil:
		// The bridge exposes no commands to the agent.
		code := -1
		msg := "unsupported command"
		_ = sess.sendJSON(protocol.Envelope{Response: &protocol.Response{ID: env.Request.ID, Code: &code, Msg: &msg}})
	}
}

func (h *Handler) handleBinary(sess *session, data []byte) {
	var stream protocol.Stream
	if err := json.Unmarshal(data, &stream); err != nil {
		h.logger.Warn("speaker stream dropped", zap.String("session_id", sess.id), zap.Error(err))
		return
	}
	if stream.Tag != protocol.StreamTagRecord {
		h.logger.Debug("speaker stream ignored", zap.String("tag", stream.Tag))
		return
	}
	h.device.obs().OnRecord(stream.Bytes)
}

func (s *session) sendJSON(payload any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *session) sendBinary(data []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}
