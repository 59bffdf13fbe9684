package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bezaspace/finvoice/internal/audio"
	"github.com/bezaspace/finvoice/internal/metrics"
	"github.com/bezaspace/finvoice/internal/session"
	"github.com/bezaspace/finvoice/internal/upstream"
)

// ClientConn is the relay's view of the mobile client transport. The
// WebSocket server provides the real implementation; tests provide fakes.
type ClientConn interface {
	Send(data []byte) error
	Close() error
}

// Config contains per-handler relay parameters.
type Config struct {
	// Model is the upstream model identifier.
	Model string

	// SystemPrompt primes the upstream conversation.
	SystemPrompt string

	// OutputSampleRate is the upstream model's declared output rate used
	// when framing response audio as WAV (24kHz in the reference model).
	OutputSampleRate int
}

// Handler is the per-connection protocol state machine. It demultiplexes
// client control/audio messages, forwards normalized audio upstream, and
// reassembles streamed model output back to the client. Exactly one
// handler owns each session; upstream callbacks synchronize through the
// handler mutex.
type Handler struct {
	cfg      Config
	sess     *session.Session
	client   ClientConn
	dialer   upstream.Dialer
	norm     *audio.Normalizer
	registry *session.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// ctx spans the session; cancelling it aborts any in-flight
	// transcoder subprocess.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	upstreamConn upstream.Handle

	// turnBuffer accumulates raw PCM fragments of the current model turn.
	// Non-empty only between the first audio byte of a turn and the
	// turn-complete flush.
	turnBuffer [][]byte
}

// NewHandler creates a protocol handler for one client connection. The
// session must already be registered; Start opens the upstream side.
func NewHandler(cfg Config, sess *session.Session, client ClientConn, dialer upstream.Dialer,
	norm *audio.Normalizer, registry *session.Registry, logger *slog.Logger, m *metrics.Metrics) *Handler {

	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = 24000
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		cfg:      cfg,
		sess:     sess,
		client:   client,
		dialer:   dialer,
		norm:     norm,
		registry: registry,
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}

	// Idle eviction and explicit close share this one teardown path.
	sess.SetTeardown(h.teardown)

	return h
}

// Start synchronously opens the upstream streaming connection. A dial or
// handshake failure is fatal: the client is notified and the session is
// torn down.
func (h *Handler) Start() error {
	handle, err := h.dialer.Connect(h.ctx, h.cfg.Model, h.cfg.SystemPrompt, upstream.Callbacks{
		OnOpen:    h.onUpstreamOpen,
		OnMessage: h.onUpstreamMessage,
		OnError:   h.onUpstreamError,
		OnClose:   h.onUpstreamClose,
	})
	if err != nil {
		connErr := &ConnectionError{Op: "connect", Err: err}

		h.logger.Error("Upstream connect failed",
			slog.String("session_id", h.sess.ID),
			slog.String("error", err.Error()),
		)

		h.sendToClient(&ServerMessage{Type: TypeError, Message: "failed to reach voice service"})
		h.sess.SetState(session.StateError)
		h.sess.Teardown(connErr)

		return connErr
	}

	h.mu.Lock()
	h.upstreamConn = handle
	h.mu.Unlock()

	h.metrics.SessionStarted()

	return nil
}

// HandleFrame processes one transport frame from the client. Frames may
// contain several concatenated JSON objects; each is handled
// independently so one malformed fragment cannot fail the rest.
func (h *Handler) HandleFrame(frame []byte) {
	objects := SplitFrames(frame)
	if len(objects) == 0 {
		h.logger.Warn("Client frame contained no JSON objects",
			slog.String("session_id", h.sess.ID),
			slog.Int("bytes", len(frame)),
		)
		return
	}

	for _, obj := range objects {
		msg, err := ParseClientMessage(obj)
		if err != nil {
			// ProtocolError: logged and ignored; session continues.
			h.logger.Warn("Ignoring malformed client message",
				slog.String("session_id", h.sess.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		h.handleMessage(msg)
	}
}

// ClientGone tears the session down after the client transport dropped.
func (h *Handler) ClientGone() {
	h.sess.Teardown(nil)
}

// handleMessage dispatches one parsed client message.
func (h *Handler) handleMessage(msg *ClientMessage) {
	if h.sess.Terminal() {
		// closing/closed are terminal: drop, never queue.
		return
	}

	h.sess.Touch()

	switch msg.Type {
	case TypeAudioChunk:
		h.handleAudioChunk(msg)

	case TypeEndTurn:
		h.handleEndTurn()

	case TypePing:
		h.sendToClient(&ServerMessage{Type: TypePong})

	case TypeSessionInfo:
		h.sendToClient(&ServerMessage{
			Type:        TypeSessionInfoResponse,
			SessionInfo: h.sessionInfo(),
		})

	case TypeStop:
		h.sendToClient(&ServerMessage{Type: TypeSessionStopped})
		h.sess.Teardown(nil)

	default:
		h.logger.Warn("Ignoring unknown client message type",
			slog.String("session_id", h.sess.ID),
			slog.String("type", msg.Type),
		)
	}
}

// handleAudioChunk normalizes one microphone chunk and forwards it
// upstream. Audio is accepted while connecting as well as connected so
// capture started before the upstream handshake completes is not dropped.
func (h *Handler) handleAudioChunk(msg *ClientMessage) {
	state := h.sess.State()
	if state != session.StateConnecting && state != session.StateConnected {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		h.recoverAudioError(&AudioProcessingError{MimeType: msg.MimeType,
			Err: fmt.Errorf("invalid base64 payload: %w", err)})
		return
	}

	normalized, err := h.norm.Normalize(h.ctx, raw, msg.MimeType)
	if err != nil {
		h.recoverAudioError(&AudioProcessingError{MimeType: msg.MimeType, Err: err})
		return
	}

	h.mu.Lock()
	handle := h.upstreamConn
	h.mu.Unlock()

	if handle == nil {
		h.recoverAudioError(&AudioProcessingError{MimeType: msg.MimeType,
			Err: errors.New("upstream session not available")})
		return
	}

	if err := handle.SendAudio(normalized, audio.TargetMimeType); err != nil {
		h.fatal(&ConnectionError{Op: "send audio", Err: err})
		return
	}

	h.metrics.AudioChunkForwarded(len(raw))
}

// handleEndTurn signals end of the user's utterance. Policy: an explicit
// turn-complete is forwarded upstream. Ending a turn must never close the
// upstream session.
func (h *Handler) handleEndTurn() {
	h.mu.Lock()
	handle := h.upstreamConn
	h.mu.Unlock()

	if handle == nil {
		return
	}

	if err := handle.SendTurnComplete(); err != nil {
		h.fatal(&ConnectionError{Op: "signal turn complete", Err: err})
	}
}

// onUpstreamOpen moves the session to connected and tells the client.
func (h *Handler) onUpstreamOpen() {
	h.sess.SetState(session.StateConnected)

	h.logger.Info("Upstream session opened",
		slog.String("session_id", h.sess.ID),
		slog.String("model", h.cfg.Model),
	)

	h.sendToClient(&ServerMessage{
		Type:      TypeSessionStarted,
		SessionID: h.sess.ID,
	})
}

// onUpstreamMessage forwards transcripts immediately and buffers audio
// fragments until the turn completes.
func (h *Handler) onUpstreamMessage(content upstream.ServerContent) {
	if h.sess.Terminal() {
		return
	}

	if content.UserText != "" {
		h.sendToClient(&ServerMessage{
			Type:   TypeTranscript,
			Text:   content.UserText,
			IsUser: boolPtr(true),
		})
	}

	if content.ModelText != "" {
		h.sendToClient(&ServerMessage{
			Type:   TypeTranscript,
			Text:   content.ModelText,
			IsUser: boolPtr(false),
		})
	}

	if len(content.Audio) > 0 {
		// Streamed fragments are not independently playable; hold them
		// until the turn completes.
		h.mu.Lock()
		h.turnBuffer = append(h.turnBuffer, content.Audio)
		h.mu.Unlock()
	}

	if content.TurnComplete {
		h.flushTurn()
	}
}

// flushTurn concatenates the buffered turn audio, frames it as a single
// WAV clip, and sends it to the client. An empty buffer emits nothing.
func (h *Handler) flushTurn() {
	h.mu.Lock()
	fragments := h.turnBuffer
	h.turnBuffer = nil
	h.mu.Unlock()

	if len(fragments) == 0 {
		return
	}

	pcm := bytes.Join(fragments, nil)

	wav, err := audio.FrameWAV(pcm, h.cfg.OutputSampleRate)
	if err != nil {
		h.recoverAudioError(&AudioProcessingError{MimeType: "audio/pcm",
			Err: fmt.Errorf("frame response audio: %w", err)})
		return
	}

	h.sendToClient(&ServerMessage{
		Type:  TypeAudio,
		Audio: base64.StdEncoding.EncodeToString(wav),
	})

	h.metrics.TurnCompleted(len(pcm))

	h.logger.Debug("Flushed model turn audio",
		slog.String("session_id", h.sess.ID),
		slog.Int("fragments", len(fragments)),
		slog.Int("pcm_bytes", len(pcm)),
	)
}

// onUpstreamError is fatal to the session.
func (h *Handler) onUpstreamError(err error) {
	h.metrics.UpstreamError()
	h.fatal(&ConnectionError{Op: "stream", Err: err})
}

// onUpstreamClose notifies the client and tears down.
func (h *Handler) onUpstreamClose(reason string) {
	if !h.sess.Terminal() {
		h.sendToClient(&ServerMessage{Type: TypeSessionEnded})
	}

	h.logger.Info("Upstream session closed",
		slog.String("session_id", h.sess.ID),
		slog.String("reason", reason),
	)

	h.sess.Teardown(nil)
}

// fatal handles session-fatal errors: notify the client, mark the session
// errored, tear down.
func (h *Handler) fatal(err error) {
	h.logger.Error("Fatal session error",
		slog.String("session_id", h.sess.ID),
		slog.String("error", err.Error()),
	)

	if !h.sess.Terminal() {
		h.sendToClient(&ServerMessage{Type: TypeError, Message: "voice session failed"})
	}

	h.sess.SetState(session.StateError)
	h.sess.Teardown(err)
}

// recoverAudioError handles non-fatal audio failures: log, tell the
// client, keep the session alive.
func (h *Handler) recoverAudioError(err *AudioProcessingError) {
	h.metrics.NormalizeFailure()

	h.logger.Warn("Audio chunk dropped",
		slog.String("session_id", h.sess.ID),
		slog.String("mime_type", err.MimeType),
		slog.String("error", err.Error()),
	)

	h.sendToClient(&ServerMessage{Type: TypeError, Message: "could not process audio chunk"})
}

// teardown releases all session resources. Registered with the session so
// every termination trigger (stop, disconnect, upstream close, idle
// eviction) runs this exact path, at most once.
func (h *Handler) teardown(reason error) {
	h.sess.SetState(session.StateClosing)

	// Abort any in-flight transcoder subprocess for this session.
	h.cancel()

	h.mu.Lock()
	handle := h.upstreamConn
	h.upstreamConn = nil
	h.turnBuffer = nil
	h.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			h.logger.Warn("Error closing upstream connection",
				slog.String("session_id", h.sess.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := h.client.Close(); err != nil {
		h.logger.Debug("Error closing client transport",
			slog.String("session_id", h.sess.ID),
			slog.String("error", err.Error()),
		)
	}

	h.sess.SetState(session.StateClosed)
	h.registry.Remove(h.sess.ID)
	h.metrics.SessionEnded(h.sess.Uptime())

	attrs := []any{
		slog.String("session_id", h.sess.ID),
		slog.Duration("uptime", h.sess.Uptime()),
	}
	if reason != nil {
		attrs = append(attrs, slog.String("reason", reason.Error()))
	}
	h.logger.Info("Session torn down", attrs...)
}

// sessionInfo snapshots diagnostic metadata for session_info_response.
func (h *Handler) sessionInfo() *SessionInfo {
	return &SessionInfo{
		SessionID:     h.sess.ID,
		State:         string(h.sess.State()),
		CreatedAt:     h.sess.CreatedAt().UTC().Format(time.RFC3339),
		LastActivity:  h.sess.LastActivity().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(h.sess.Uptime().Seconds()),
	}
}

// sendToClient encodes and sends one outbound message, logging failures.
func (h *Handler) sendToClient(msg *ServerMessage) {
	data, err := EncodeServerMessage(msg)
	if err != nil {
		h.logger.Error("Failed to encode server message",
			slog.String("session_id", h.sess.ID),
			slog.String("type", msg.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := h.client.Send(data); err != nil {
		h.logger.Debug("Failed to send message to client",
			slog.String("session_id", h.sess.ID),
			slog.String("type", msg.Type),
			slog.String("error", err.Error()),
		)
	}
}
