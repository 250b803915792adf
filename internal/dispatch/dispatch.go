// Package dispatch is the runner's outbound connection to the control
// plane: it dials a WebSocket, enrolls the local device, and turns
// inbound execution intents into calls against an Executor after
// validating device binding, TTL, and nonce replay.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vkrunner/runner/internal/domain"
	"github.com/vkrunner/runner/internal/noncecache"
	"github.com/vkrunner/runner/internal/protocol"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2

	pingWait  = 90 * time.Second
	writeWait = 10 * time.Second
)

func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Executor is the callback surface the dispatch client drives when an
// intent is accepted. It is implemented by internal/runtime's Runtime,
// which drives the orchestrator.
type Executor interface {
	Execute(ctx context.Context, intent protocol.IntentMessage, onLog func(stream, line string))
	Cancel(executionID string)
}

// AuthStore backs the per-intent authorization checks in validateIntent:
// device revocation and principal-to-workspace authorization. It is
// satisfied by internal/store.Store; a Client with no AuthStore set
// skips these checks and relies on device binding, TTL, and nonce
// freshness alone.
type AuthStore interface {
	IsDeviceEnrolled(ctx context.Context, deviceID string) (bool, error)
	IsPrincipalAuthorizedForWorkspace(ctx context.Context, principal, workspaceID string) (bool, error)
}

// Config configures the Client.
type Config struct {
	ControlPlaneURL string
	DeviceID        string
	RunnerID        string
	MaxSlots        int
}

func (c Config) validate() error {
	if c.ControlPlaneURL == "" {
		return fmt.Errorf("control_plane_url is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if c.MaxSlots <= 0 {
		return fmt.Errorf("max_slots must be positive")
	}
	return nil
}

// Client is the runner's persistent connection to the control plane.
type Client struct {
	config    Config
	executor  Executor
	nonces    *noncecache.Cache
	logger    *slog.Logger
	authStore AuthStore

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	slotsMu sync.Mutex
	active  int
}

// New creates a Client.
func New(config Config, executor Executor, nonces *noncecache.Cache, logger *slog.Logger) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:   config,
		executor: executor,
		nonces:   nonces,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// WithAuthStore attaches the store used for per-intent device-revocation
// and principal/workspace-authorization checks. Optional: without it,
// validateIntent only checks device binding, TTL, and nonce freshness.
func (c *Client) WithAuthStore(s AuthStore) *Client {
	c.authStore = s
	return c
}

// Connect dials the control plane and enrolls the local device.
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.config.ControlPlaneURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		deadline := time.Now().Add(writeWait)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return c.send(protocol.TypeEnroll, protocol.EnrollMessage{
		DeviceID: c.config.DeviceID,
		RunnerID: c.config.RunnerID,
	})
}

// Run reads and dispatches messages until the connection drops or the
// client is stopped.
func (c *Client) Run() error {
	if err := c.sendReady(); err != nil {
		return err
	}

	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		c.conn.SetReadDeadline(time.Now().Add(pingWait))

		var env protocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid envelope", slog.Any("err", err))
			continue
		}

		switch env.Type {
		case protocol.TypeIntent:
			var intent protocol.IntentMessage
			if err := json.Unmarshal(env.Payload, &intent); err != nil {
				c.logger.Warn("invalid intent message", slog.Any("err", err))
				continue
			}
			go c.handleIntent(intent)

		case protocol.TypeCancel:
			var cancel protocol.CancelMessage
			if err := json.Unmarshal(env.Payload, &cancel); err != nil {
				c.logger.Warn("invalid cancel message", slog.Any("err", err))
				continue
			}
			c.executor.Cancel(cancel.ExecutionID)

		case protocol.TypePing:
			c.send(protocol.TypePong, nil)
		}
	}
}

// validateIntent applies the replay-resistant dispatch checks: device
// binding, TTL, nonce freshness, device revocation, and principal
// authorization, in that order, matching the cheapest-check-first shape
// of the checks in this package. The last two only run when an
// AuthStore is attached, since enrollment and workspace ownership
// changed after this runner started must still be caught per intent,
// not just once at connect time.
func (c *Client) validateIntent(ctx context.Context, intent protocol.IntentMessage) error {
	if intent.TargetDeviceID != c.config.DeviceID {
		return fmt.Errorf("%w: intent targets %q, this runner is %q", domain.ErrDeviceMismatch, intent.TargetDeviceID, c.config.DeviceID)
	}

	issuedAt := time.UnixMilli(intent.IssuedAtMs)
	ttl := time.Duration(intent.TTLMs) * time.Millisecond
	if time.Since(issuedAt) > ttl {
		return fmt.Errorf("%w: intent %s issued at %v, ttl %v", domain.ErrTTLExpired, intent.IntentID, issuedAt, ttl)
	}

	seen, err := c.nonces.CheckAndInsert(intent.Nonce)
	if err != nil {
		return fmt.Errorf("checking nonce: %w", err)
	}
	if seen {
		return fmt.Errorf("%w: nonce %s", domain.ErrReplayedNonce, intent.Nonce)
	}

	if c.authStore == nil {
		return nil
	}

	enrolled, err := c.authStore.IsDeviceEnrolled(ctx, c.config.DeviceID)
	if err != nil {
		return fmt.Errorf("checking device enrollment: %w", err)
	}
	if !enrolled {
		return fmt.Errorf("%w: device %s is no longer enrolled", domain.ErrNotAuthorized, c.config.DeviceID)
	}

	if intent.Principal != "" && intent.WorkspaceID != "" {
		authorized, err := c.authStore.IsPrincipalAuthorizedForWorkspace(ctx, intent.Principal, intent.WorkspaceID)
		if err != nil {
			return fmt.Errorf("checking workspace authorization: %w", err)
		}
		if !authorized {
			return fmt.Errorf("%w: principal %q not authorized for workspace %q", domain.ErrNotAuthorized, intent.Principal, intent.WorkspaceID)
		}
	}

	return nil
}

func (c *Client) handleIntent(intent protocol.IntentMessage) {
	if err := c.validateIntent(c.ctx, intent); err != nil {
		c.send(protocol.TypeError, protocol.ExecutionErrorMessage{
			ExecutionID: intent.ExecutionID,
			Kind:        "rejected",
			Message:     err.Error(),
		})
		return
	}

	if !c.acquireSlot() {
		c.send(protocol.TypeError, protocol.ExecutionErrorMessage{
			ExecutionID: intent.ExecutionID,
			Kind:        "no_capacity",
			Message:     "no execution slots available",
		})
		return
	}
	defer func() {
		c.releaseSlot()
		c.sendReady()
	}()

	var seq int64
	c.executor.Execute(c.ctx, intent, func(stream, line string) {
		seq++
		c.send(protocol.TypeLog, protocol.LogMessage{
			ExecutionID: intent.ExecutionID,
			Seq:         seq,
			Stream:      stream,
			Bytes:       line,
		})
	})
}

func (c *Client) acquireSlot() bool {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	if c.active >= c.config.MaxSlots {
		return false
	}
	c.active++
	return true
}

func (c *Client) releaseSlot() {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	c.active--
}

func (c *Client) availableSlots() int {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	return c.config.MaxSlots - c.active
}

func (c *Client) sendReady() error {
	return c.send(protocol.TypeReady, protocol.ReadyMessage{Slots: c.availableSlots()})
}

func (c *Client) send(msgType string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := protocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Stop gracefully shuts down the client.
func (c *Client) Stop() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// RunWithReconnect runs the client with exponential-backoff automatic
// reconnection until Stop is called.
func (c *Client) RunWithReconnect() error {
	attempt := 0

	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		if err := c.Connect(); err != nil {
			delay := calculateBackoff(attempt)
			c.logger.Warn("connection failed, retrying", slog.Any("err", err), slog.Duration("delay", delay))
			attempt++
			select {
			case <-c.ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		c.logger.Info("connected to control plane")

		err := c.Run()

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("disconnected", slog.Any("err", err))
		}

		select {
		case <-c.ctx.Done():
			return nil
		default:
		}
	}
}
