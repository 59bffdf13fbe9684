package relay

import (
	"encoding/json"
	"fmt"
)

// Client-to-relay message types
const (
	TypeAudioChunk  = "audio_chunk"
	TypeEndTurn     = "end_turn"
	TypePing        = "ping"
	TypeSessionInfo = "session_info"
	TypeStop        = "stop"
)

// Relay-to-client message types
const (
	TypeSessionStarted      = "session_started"
	TypeTranscript          = "transcript"
	TypeAudio               = "audio"
	TypeError               = "error"
	TypePong                = "pong"
	TypeSessionStopped      = "session_stopped"
	TypeSessionEnded        = "session_ended"
	TypeSessionInfoResponse = "session_info_response"
)

// ClientMessage is the envelope for all inbound client messages.
type ClientMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ServerMessage is the envelope for all outbound relay messages.
type ServerMessage struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"sessionId,omitempty"`
	Text        string       `json:"text,omitempty"`
	IsUser      *bool        `json:"isUser,omitempty"`
	Audio       string       `json:"audio,omitempty"`
	Message     string       `json:"message,omitempty"`
	SessionInfo *SessionInfo `json:"sessionInfo,omitempty"`
}

// SessionInfo carries diagnostic session metadata for session_info_response.
type SessionInfo struct {
	SessionID     string `json:"sessionId"`
	State         string `json:"state"`
	CreatedAt     string `json:"createdAt"`
	LastActivity  string `json:"lastActivity"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// boolPtr is a helper for the isUser field.
func boolPtr(b bool) *bool { return &b }

// SplitFrames splits a transport frame that may contain several
// concatenated JSON objects (an artifact of client-side buffering) into
// individual object slices. Splitting is purely structural: each fragment
// covers one balanced top-level object, so a malformed fragment does not
// prevent extraction of its neighbours. Bytes outside object boundaries
// are discarded.
func SplitFrames(frame []byte) [][]byte {
	var frames [][]byte

	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, b := range frame {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					frames = append(frames, frame[start:i+1])
					start = -1
				}
			}
		}
	}

	return frames
}

// ParseClientMessage decodes a single client JSON object.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Detail: "unparseable client message", Err: err}
	}

	if msg.Type == "" {
		return nil, &ProtocolError{Detail: "client message missing type"}
	}

	return &msg, nil
}

// EncodeServerMessage marshals an outbound message. Marshal failures here
// mean a programming error, surfaced loudly rather than silently dropped.
func EncodeServerMessage(msg *ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return data, nil
}
