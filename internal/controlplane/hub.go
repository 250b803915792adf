// Package controlplane is the reference control-plane counterpart to
// internal/dispatch: it accepts runner WebSocket connections, tracks
// which device each connection belongs to, and routes execution
// intents and cancels to the right connection. This is the
// reference/test collaborator described in the store package's own
// doc comment, not a production control plane.
package controlplane

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vkrunner/runner/internal/protocol"
)

const heartbeatTimeout = 90 * time.Second

// Connection is one connected runner.
type Connection struct {
	DeviceID string
	RunnerID string
	Slots    int

	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *Connection) send(msgType string, payload interface{}) error {
	data, err := protocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// LogSink receives every log line a connected runner streams back.
type LogSink func(msg protocol.LogMessage)

// StatusSink receives every status report a connected runner streams
// back.
type StatusSink func(msg protocol.StatusMessage)

// Hub tracks connected runners by device ID and routes intents to
// them.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection // device ID -> connection

	onLog    LogSink
	onStatus StatusSink
}

// New creates a Hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger,
		conns:    make(map[string]*Connection),
	}
}

// OnLog registers a callback invoked for every log chunk a runner
// streams back.
func (h *Hub) OnLog(fn LogSink) { h.onLog = fn }

// OnStatus registers a callback invoked for every status report a
// runner streams back.
func (h *Hub) OnStatus(fn StatusSink) { h.onStatus = fn }

// ServeWS upgrades an inbound HTTP request to a WebSocket and handles
// the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}
	go h.handle(conn)
}

func (h *Hub) handle(conn *websocket.Conn) {
	var deviceID string
	defer func() {
		conn.Close()
		if deviceID != "" {
			h.mu.Lock()
			delete(h.conns, deviceID)
			h.mu.Unlock()
			h.logger.Info("runner disconnected", slog.String("deviceId", deviceID))
		}
	}()

	conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))

	c := &Connection{conn: conn}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))

		var env protocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			h.logger.Warn("invalid envelope from runner", slog.Any("err", err))
			continue
		}

		switch env.Type {
		case protocol.TypeEnroll:
			var enroll protocol.EnrollMessage
			if err := json.Unmarshal(env.Payload, &enroll); err != nil {
				continue
			}
			deviceID = enroll.DeviceID
			c.DeviceID = enroll.DeviceID
			c.RunnerID = enroll.RunnerID
			h.mu.Lock()
			h.conns[deviceID] = c
			h.mu.Unlock()
			h.logger.Info("runner enrolled", slog.String("deviceId", deviceID), slog.String("runnerId", enroll.RunnerID))

		case protocol.TypeReady:
			var ready protocol.ReadyMessage
			if err := json.Unmarshal(env.Payload, &ready); err == nil {
				c.Slots = ready.Slots
			}

		case protocol.TypeLog:
			var logMsg protocol.LogMessage
			if err := json.Unmarshal(env.Payload, &logMsg); err == nil && h.onLog != nil {
				h.onLog(logMsg)
			}

		case protocol.TypeStatus:
			var status protocol.StatusMessage
			if err := json.Unmarshal(env.Payload, &status); err == nil && h.onStatus != nil {
				h.onStatus(status)
			}

		case protocol.TypeError:
			var errMsg protocol.ExecutionErrorMessage
			if err := json.Unmarshal(env.Payload, &errMsg); err == nil {
				h.logger.Warn("execution rejected by runner",
					slog.String("executionId", errMsg.ExecutionID),
					slog.String("kind", errMsg.Kind),
					slog.String("message", errMsg.Message))
			}
		}
	}
}

// Dispatch sends an execution intent to the connected runner for
// intent.TargetDeviceID.
func (h *Hub) Dispatch(intent protocol.IntentMessage) error {
	h.mu.Lock()
	c, ok := h.conns[intent.TargetDeviceID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connected runner for device %s", intent.TargetDeviceID)
	}
	return c.send(protocol.TypeIntent, intent)
}

// Cancel sends a cancellation for executionID to every connected
// runner; only the one actually running it acts on it.
func (h *Hub) Cancel(executionID string) {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.send(protocol.TypeCancel, protocol.CancelMessage{ExecutionID: executionID})
	}
}

// ConnectedDevices lists the device IDs with a live connection.
func (h *Hub) ConnectedDevices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}
