package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// CaptureSource produces audio chunks from a microphone or other input.
// Start returns a channel that is closed when capture stops. MimeType
// declares the encoding of every chunk on the channel.
type CaptureSource interface {
	Start() (<-chan []byte, error)
	Stop()
	MimeType() string
}

// Player renders one audio clip. Play blocks until the clip has finished
// or failed; the controller serializes calls so at most one clip plays
// at a time.
type Player interface {
	Play(wav []byte) error
	Stop()
}

// Config holds controller settings.
type Config struct {
	// URL is the relay WebSocket endpoint, e.g. ws://host:8080/ws/voice.
	URL string

	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration

	// WriteTimeout bounds individual frame writes.
	WriteTimeout time.Duration

	// QueueSize is the playback queue capacity. Clips arriving while the
	// queue is full are dropped with a warning.
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
}

// Events carries the controller's callbacks into the UI layer. All
// callbacks are optional and invoked from controller goroutines.
type Events struct {
	// OnTranscript delivers a transcript line. isUser is true for the
	// speaker's own words, false for the model's.
	OnTranscript func(text string, isUser bool)

	// OnError delivers a non-fatal error message from the relay.
	OnError func(message string)

	// OnSessionEnded fires once when the session is over, whatever the
	// trigger.
	OnSessionEnded func(reason string)
}

// clientMessage is an outbound relay frame.
type clientMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// serverMessage is an inbound relay frame.
type serverMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
	IsUser    *bool  `json:"isUser,omitempty"`
	Audio     string `json:"audio,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Controller owns one live voice session on behalf of a UI: the
// WebSocket transport, the capture source and the playback queue.
// A failed session is not retried automatically; call Reconnect to
// start a fresh one.
type Controller struct {
	config  Config
	capture CaptureSource
	player  Player
	events  Events
	logger  *slog.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	recording bool
	speaking  bool
	sessionID string
	endedOnce *sync.Once

	playQueue chan []byte
	group     *errgroup.Group
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewController creates a controller. capture and player must not be nil.
func NewController(config Config, capture CaptureSource, player Player, events Events, logger *slog.Logger) (*Controller, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	if capture == nil {
		return nil, fmt.Errorf("capture source cannot be nil")
	}
	if player == nil {
		return nil, fmt.Errorf("player cannot be nil")
	}
	config.applyDefaults()

	return &Controller{
		config:  config,
		capture: capture,
		player:  player,
		events:  events,
		logger:  logger,
	}, nil
}

// Connected reports whether a session transport is up.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Recording reports whether the capture source is streaming.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Speaking reports whether a response clip is currently playing.
func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// SessionID returns the relay session identifier, empty until the
// session_started message arrives.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect dials the relay and starts the read and playback loops.
// It is an error to call Connect while a session is already up.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	groupCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(groupCtx)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.sessionID = ""
	c.endedOnce = new(sync.Once)
	c.playQueue = make(chan []byte, c.config.QueueSize)
	c.group = group
	c.ctx = groupCtx
	c.cancel = cancel
	c.mu.Unlock()

	group.Go(func() error { return c.readLoop(conn) })
	group.Go(func() error { return c.playbackLoop(groupCtx) })

	c.logger.Info("Connected to relay", slog.String("url", c.config.URL))
	return nil
}

// Reconnect tears down any current session and starts a fresh one.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.Teardown("reconnect requested")
	return c.Connect(ctx)
}

// StartRecording begins streaming microphone chunks to the relay.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return errors.New("not connected")
	}
	if c.recording {
		c.mu.Unlock()
		return errors.New("already recording")
	}
	c.mu.Unlock()

	chunks, err := c.capture.Start()
	if err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	c.mu.Lock()
	c.recording = true
	group := c.group
	ctx := c.ctx
	c.mu.Unlock()

	group.Go(func() error { return c.captureLoop(ctx, chunks, c.capture.MimeType()) })

	c.logger.Info("Recording started", slog.String("mime_type", c.capture.MimeType()))
	return nil
}

// StopRecording stops the capture source and signals the end of the
// speaker's turn so the model can respond.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return nil
	}
	c.recording = false
	c.mu.Unlock()

	c.capture.Stop()

	if err := c.send(clientMessage{Type: "end_turn"}); err != nil {
		return fmt.Errorf("failed to signal end of turn: %w", err)
	}

	c.logger.Info("Recording stopped, turn ended")
	return nil
}

// Ping sends a liveness probe. The relay answers with pong and refreshes
// the session's idle clock.
func (c *Controller) Ping() error {
	return c.send(clientMessage{Type: "ping"})
}

// Teardown ends the session: it stops recording, stops and releases
// playback, closes the transport and resets all state flags. Safe to
// call more than once and from callbacks.
func (c *Controller) Teardown(reason string) {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	wasConnected := c.connected
	wasRecording := c.recording
	once := c.endedOnce
	c.conn = nil
	c.cancel = nil
	c.connected = false
	c.recording = false
	c.speaking = false
	c.mu.Unlock()

	if wasRecording {
		c.capture.Stop()
	}
	c.player.Stop()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}

	if wasConnected {
		c.logger.Info("Session torn down", slog.String("reason", reason))
	}

	if once != nil && c.events.OnSessionEnded != nil {
		once.Do(func() { c.events.OnSessionEnded(reason) })
	}
}

// teardownConn tears the session down only if conn is still the active
// transport, so a stale read loop cannot kill a successor session.
func (c *Controller) teardownConn(conn *websocket.Conn, reason string) {
	c.mu.Lock()
	current := c.conn == conn
	c.mu.Unlock()
	if current {
		c.Teardown(reason)
	}
}

// send marshals and writes one frame under the write deadline.
func (c *Controller) send(msg clientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// captureLoop forwards chunks from the capture source until the channel
// closes or the session ends.
func (c *Controller) captureLoop(ctx context.Context, chunks <-chan []byte, mimeType string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			msg := clientMessage{
				Type:     "audio_chunk",
				Data:     base64.StdEncoding.EncodeToString(chunk),
				MimeType: mimeType,
			}
			if err := c.send(msg); err != nil {
				return fmt.Errorf("audio send failed: %w", err)
			}
		}
	}
}

// readLoop receives relay frames until the connection drops.
func (c *Controller) readLoop(conn *websocket.Conn) error {
	defer c.teardownConn(conn, "connection closed")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Dropping unparseable frame", slog.String("error", err.Error()))
			continue
		}

		c.handleServerMessage(&msg)
	}
}

func (c *Controller) handleServerMessage(msg *serverMessage) {
	switch msg.Type {
	case "session_started":
		c.mu.Lock()
		c.sessionID = msg.SessionID
		c.mu.Unlock()
		c.logger.Info("Session started", slog.String("session_id", msg.SessionID))

	case "transcript":
		isUser := msg.IsUser != nil && *msg.IsUser
		if c.events.OnTranscript != nil {
			c.events.OnTranscript(msg.Text, isUser)
		}

	case "audio":
		clip, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			c.logger.Warn("Dropping undecodable audio clip", slog.String("error", err.Error()))
			return
		}
		c.enqueueClip(clip)

	case "error":
		c.logger.Warn("Relay reported error", slog.String("message", msg.Message))
		if c.events.OnError != nil {
			c.events.OnError(msg.Message)
		}

	case "session_ended":
		c.Teardown("session ended by relay")

	case "pong", "session_info":
		// Liveness and diagnostics, nothing to surface.

	default:
		c.logger.Debug("Ignoring unknown message type", slog.String("type", msg.Type))
	}
}

// enqueueClip adds a response clip to the playback queue, dropping it if
// the queue is full.
func (c *Controller) enqueueClip(clip []byte) {
	c.mu.Lock()
	queue := c.playQueue
	c.mu.Unlock()

	if queue == nil {
		return
	}

	select {
	case queue <- clip:
	default:
		c.logger.Warn("Playback queue full, dropping clip", slog.Int("bytes", len(clip)))
	}
}

// playbackLoop plays queued clips strictly one at a time. The next clip
// is dequeued only after the previous one finishes or errors.
func (c *Controller) playbackLoop(ctx context.Context) error {
	c.mu.Lock()
	queue := c.playQueue
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case clip := <-queue:
			c.mu.Lock()
			c.speaking = true
			c.mu.Unlock()

			if err := c.player.Play(clip); err != nil {
				c.logger.Warn("Clip playback failed", slog.String("error", err.Error()))
			}

			c.mu.Lock()
			c.speaking = false
			c.mu.Unlock()
		}
	}
}
