package protocol

import "github.com/bytedance/sonic"

// ServerMessage is any control frame the server sends.
type ServerMessage interface {
	MessageType() MessageType
}

type Ready struct {
	Type MessageType `json:"type"`
}

type Started struct {
	Type      MessageType `json:"type"`
	GraphID   string      `json:"graph_id"`
	BranchID  string      `json:"branch_id"`
	SessionID string      `json:"session_id"`
	Pipeline  string      `json:"pipeline"`
}

type Transcript struct {
	Type  MessageType `json:"type"`
	Text  string      `json:"text"`
	Final bool        `json:"final"`
}

type AgentReply struct {
	Type          MessageType    `json:"type"`
	Transcript    string         `json:"transcript"`
	AgentResponse string         `json:"agent_response"`
	ShouldSpeak   bool           `json:"should_speak"`
	SpeechRate    float64        `json:"speech_rate,omitempty"`
	Policy        map[string]any `json:"policy,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type TTSStart struct {
	Type   MessageType `json:"type"`
	Seq    int         `json:"seq"`
	Format string      `json:"format"`
	Voice  string      `json:"voice"`
	Text   string      `json:"text"`
}

type TTSEnd struct {
	Type MessageType `json:"type"`
	Seq  int         `json:"seq"`
}

type TTSDone struct {
	Type MessageType `json:"type"`
}

type VADSpeechStart struct {
	Type         MessageType `json:"type"`
	StartEpochMs int64       `json:"start_epoch_ms"`
}

type VADUtteranceEnd struct {
	Type         MessageType `json:"type"`
	StartEpochMs int64       `json:"start_epoch_ms"`
	EndEpochMs   int64       `json:"end_epoch_ms"`
	SpeechMs     int64       `json:"speech_ms"`
}

type ProcessingStart struct {
	Type         MessageType `json:"type"`
	StartEpochMs int64       `json:"start_epoch_ms"`
	EndEpochMs   int64       `json:"end_epoch_ms"`
	SpeechMs     int64       `json:"speech_ms"`
	Bytes        int         `json:"bytes"`
	QueueDepth   int         `json:"queue_depth"`
}

type Interrupted struct {
	Type MessageType `json:"type"`
}

// Notice covers warning, error, stt_error and agent_error frames.
type Notice struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type TTSError struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Seq     int         `json:"seq"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

type Bye struct {
	Type MessageType `json:"type"`
}

func (m Ready) MessageType() MessageType           { return m.Type }
func (m Started) MessageType() MessageType         { return m.Type }
func (m Transcript) MessageType() MessageType      { return m.Type }
func (m AgentReply) MessageType() MessageType      { return m.Type }
func (m TTSStart) MessageType() MessageType        { return m.Type }
func (m TTSEnd) MessageType() MessageType          { return m.Type }
func (m TTSDone) MessageType() MessageType         { return m.Type }
func (m VADSpeechStart) MessageType() MessageType  { return m.Type }
func (m VADUtteranceEnd) MessageType() MessageType { return m.Type }
func (m ProcessingStart) MessageType() MessageType { return m.Type }
func (m Interrupted) MessageType() MessageType     { return m.Type }
func (m Notice) MessageType() MessageType          { return m.Type }
func (m TTSError) MessageType() MessageType        { return m.Type }
func (m Pong) MessageType() MessageType            { return m.Type }
func (m Bye) MessageType() MessageType             { return m.Type }

func NewReady() Ready             { return Ready{Type: TypeReady} }
func NewTTSDone() TTSDone         { return TTSDone{Type: TypeTTSDone} }
func NewInterrupted() Interrupted { return Interrupted{Type: TypeInterrupted} }
func NewPong() Pong               { return Pong{Type: TypePong} }
func NewBye() Bye                 { return Bye{Type: TypeBye} }

func NewWarning(msg string) Notice    { return Notice{Type: TypeWarning, Message: msg} }
func NewError(msg string) Notice      { return Notice{Type: TypeError, Message: msg} }
func NewSTTError(msg string) Notice   { return Notice{Type: TypeSTTError, Message: msg} }
func NewAgentError(msg string) Notice { return Notice{Type: TypeAgentError, Message: msg} }

// Encode marshals a server frame.
func Encode(msg ServerMessage) ([]byte, error) {
	return sonic.Marshal(msg)
}

// Decode reads a server frame back into a generic map. Used by clients and
// tests that only inspect fields.
func Decode(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
