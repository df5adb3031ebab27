package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// MessageType identifies websocket control payload variants.
type MessageType string

// Client to server.
const (
	TypeStart        MessageType = "start"
	TypeEndUtterance MessageType = "end_utterance"
	TypeInterrupt    MessageType = "interrupt"
	TypePing         MessageType = "ping"
	TypeStop         MessageType = "stop"
)

// Server to client.
const (
	TypeReady           MessageType = "ready"
	TypeStarted         MessageType = "started"
	TypeTranscript      MessageType = "transcript"
	TypeAgentReply      MessageType = "agent_reply"
	TypeTTSStart        MessageType = "tts_start"
	TypeTTSEnd          MessageType = "tts_end"
	TypeTTSDone         MessageType = "tts_done"
	TypeVADSpeechStart  MessageType = "vad_speech_start"
	TypeVADUtteranceEnd MessageType = "vad_utterance_end"
	TypeProcessingStart MessageType = "processing_start"
	TypeInterrupted     MessageType = "interrupted"
	TypeWarning         MessageType = "warning"
	TypeError           MessageType = "error"
	TypeSTTError        MessageType = "stt_error"
	TypeAgentError      MessageType = "agent_error"
	TypeTTSError        MessageType = "tts_error"
	TypePong            MessageType = "pong"
	TypeBye             MessageType = "bye"
)

const (
	PipelineAgent = "agent"
	PipelineSTT   = "stt"

	VADModeClient = "client"
	VADModeServer = "server"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientMessage is the closed set of control frames a client may send.
type ClientMessage interface {
	clientMessage()
}

type Start struct {
	Type         MessageType    `json:"type"`
	Pipeline     string         `json:"pipeline,omitempty"`
	GraphID      string         `json:"graph_id,omitempty"`
	BranchID     string         `json:"branch_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	IsScribeMode bool           `json:"is_scribe_mode,omitempty"`
	VADMode      string         `json:"vad_mode,omitempty"`
	VADConfig    map[string]any `json:"vad_config,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	InputFormat  string         `json:"input_format,omitempty"`
}

type EndUtterance struct {
	Type          MessageType `json:"type"`
	ClientStartMs *int64      `json:"client_start_ms,omitempty"`
	ClientEndMs   *int64      `json:"client_end_ms,omitempty"`
}

type Interrupt struct {
	Type MessageType `json:"type"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type Stop struct {
	Type MessageType `json:"type"`
}

func (Start) clientMessage()        {}
func (EndUtterance) clientMessage() {}
func (Interrupt) clientMessage()    {}
func (Ping) clientMessage()         {}
func (Stop) clientMessage()         {}

// ParseClientMessage decodes one text frame. Unknown types return
// ErrUnsupportedType; malformed payloads wrap ErrInvalidMessage.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case TypeStart:
		var msg Start
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: start: %v", ErrInvalidMessage, err)
		}
		return msg, nil
	case TypeEndUtterance:
		var msg EndUtterance
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: end_utterance: %v", ErrInvalidMessage, err)
		}
		if msg.ClientStartMs != nil && msg.ClientEndMs != nil && *msg.ClientEndMs < *msg.ClientStartMs {
			return nil, fmt.Errorf("%w: end_utterance: client_end_ms before client_start_ms", ErrInvalidMessage)
		}
		return msg, nil
	case TypeInterrupt:
		return Interrupt{Type: env.Type}, nil
	case TypePing:
		return Ping{Type: env.Type}, nil
	case TypeStop:
		return Stop{Type: env.Type}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}
