package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Callbacks are invoked from the upstream read goroutine as the streaming
// session progresses. All fields are optional.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(ServerContent)
	OnError   func(error)
	OnClose   func(reason string)
}

// ServerContent is the decoded payload of one upstream message, reduced to
// the parts the relay cares about. The upstream wire format stays inside
// this package.
type ServerContent struct {
	// ModelText is a text part attributed to the model.
	ModelText string

	// UserText is an echoed transcription of the user's own utterance.
	UserText string

	// Audio is a raw PCM fragment of the model's spoken response.
	Audio []byte

	// TurnComplete signals the end of the model's turn.
	TurnComplete bool
}

// Handle is an open streaming session with the upstream model.
type Handle interface {
	// SendAudio forwards one base64 PCM frame as realtime audio input.
	SendAudio(dataBase64, mimeType string) error

	// SendTurnComplete signals the end of the user's utterance. It must
	// never close the underlying session.
	SendTurnComplete() error

	// Close shuts the session down. Safe to call multiple times and from
	// inside error/close callbacks.
	Close() error
}

// Dialer opens streaming sessions. The relay depends on this interface so
// tests can substitute a fake upstream.
type Dialer interface {
	Connect(ctx context.Context, model, systemPrompt string, cb Callbacks) (Handle, error)
}

// Config contains upstream client configuration.
type Config struct {
	Endpoint       string
	APIKey         string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Client dials the third-party streaming audio API over WebSocket.
type Client struct {
	config Config
	logger *slog.Logger
}

// NewClient creates an upstream dialer.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 15 * time.Second
	}

	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	return &Client{config: config, logger: logger}, nil
}

// Connect dials the upstream endpoint and sends the session setup message.
// OnOpen fires from the read goroutine once the upstream acknowledges
// setup; OnClose fires exactly once when the connection ends.
func (c *Client) Connect(ctx context.Context, model, systemPrompt string, cb Callbacks) (Handle, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.APIKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.config.Endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial upstream (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial upstream: %w", err)
	}

	h := &wsHandle{
		conn:         conn,
		cb:           cb,
		writeTimeout: c.config.WriteTimeout,
		logger:       c.logger,
		done:         make(chan struct{}),
	}

	setup := setupMessage{}
	setup.Setup.Model = model
	if systemPrompt != "" {
		setup.Setup.SystemInstruction = &textContent{
			Parts: []textPart{{Text: systemPrompt}},
		}
	}
	setup.Setup.GenerationConfig.ResponseModalities = []string{"AUDIO"}

	if err := h.writeJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send session setup: %w", err)
	}

	go h.readLoop()

	return h, nil
}

// wsHandle implements Handle over one gorilla WebSocket connection.
type wsHandle struct {
	conn         *websocket.Conn
	cb           Callbacks
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closedCb  sync.Once
	done      chan struct{}
}

// SendAudio forwards one realtime audio frame.
func (h *wsHandle) SendAudio(dataBase64, mimeType string) error {
	msg := realtimeInputMessage{}
	msg.RealtimeInput.MediaChunks = []mediaChunk{{
		MimeType: mimeType,
		Data:     dataBase64,
	}}

	return h.writeJSON(msg)
}

// SendTurnComplete signals turn completion without touching the connection
// lifecycle.
func (h *wsHandle) SendTurnComplete() error {
	msg := clientContentMessage{}
	msg.ClientContent.TurnComplete = true

	return h.writeJSON(msg)
}

// Close shuts down the connection. Idempotent.
func (h *wsHandle) Close() error {
	h.closeOnce.Do(func() {
		h.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		h.writeMu.Unlock()

		close(h.done)
		_ = h.conn.Close()
	})

	return nil
}

// writeJSON serializes one outbound message under the write lock.
func (h *wsHandle) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal upstream message: %w", err)
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write upstream message: %w", err)
	}

	return nil
}

// readLoop pumps upstream messages into the callbacks until the
// connection ends.
func (h *wsHandle) readLoop() {
	defer h.notifyClose("connection closed")

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			select {
			case <-h.done:
				// Local close; not an error.
			default:
				if h.cb.OnError != nil {
					h.cb.OnError(fmt.Errorf("upstream read: %w", err))
				}
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if h.logger != nil {
				h.logger.Warn("Dropping unparseable upstream message",
					slog.Int("bytes", len(data)),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		if msg.SetupComplete != nil {
			if h.cb.OnOpen != nil {
				h.cb.OnOpen()
			}
			continue
		}

		if msg.ServerContent == nil {
			continue
		}

		content, err := msg.ServerContent.decode()
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("Dropping malformed upstream content",
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		if h.cb.OnMessage != nil {
			h.cb.OnMessage(content)
		}
	}
}

// notifyClose fires OnClose exactly once.
func (h *wsHandle) notifyClose(reason string) {
	h.closedCb.Do(func() {
		if h.cb.OnClose != nil {
			h.cb.OnClose(reason)
		}
	})
}

// Wire format types. Opaque outside this package.

type textPart struct {
	Text string `json:"text"`
}

type textContent struct {
	Parts []textPart `json:"parts"`
}

type setupMessage struct {
	Setup struct {
		Model             string       `json:"model"`
		SystemInstruction *textContent `json:"systemInstruction,omitempty"`
		GenerationConfig  struct {
			ResponseModalities []string `json:"responseModalities"`
		} `json:"generationConfig"`
	} `json:"setup"`
}

type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput struct {
		MediaChunks []mediaChunk `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type clientContentMessage struct {
	ClientContent struct {
		TurnComplete bool `json:"turnComplete"`
	} `json:"clientContent"`
}

type inlinePart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData,omitempty"`
}

type serverContentPayload struct {
	TurnComplete bool `json:"turnComplete,omitempty"`
	ModelTurn    *struct {
		Parts []inlinePart `json:"parts"`
	} `json:"modelTurn,omitempty"`
	InputTranscription *struct {
		Text string `json:"text"`
	} `json:"inputTranscription,omitempty"`
	OutputTranscription *struct {
		Text string `json:"text"`
	} `json:"outputTranscription,omitempty"`
}

type serverMessage struct {
	SetupComplete *struct{}             `json:"setupComplete,omitempty"`
	ServerContent *serverContentPayload `json:"serverContent,omitempty"`
}

// decode reduces a wire payload to the relay-facing ServerContent.
func (p *serverContentPayload) decode() (ServerContent, error) {
	content := ServerContent{TurnComplete: p.TurnComplete}

	if p.InputTranscription != nil {
		content.UserText = p.InputTranscription.Text
	}

	if p.OutputTranscription != nil {
		content.ModelText = p.OutputTranscription.Text
	}

	if p.ModelTurn != nil {
		for _, part := range p.ModelTurn.Parts {
			if part.Text != "" {
				content.ModelText += part.Text
			}

			if part.InlineData != nil && part.InlineData.Data != "" {
				audio, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					return ServerContent{}, fmt.Errorf("decode inline audio: %w", err)
				}
				content.Audio = append(content.Audio, audio...)
			}
		}
	}

	return content, nil
}
