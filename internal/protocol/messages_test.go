package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageStart(t *testing.T) {
	raw := []byte(`{"type":"start","pipeline":"stt","vad_mode":"server","graph_id":"g1","vad_config":{"end_silence_ms":"500","speech_threshold":0.4},"metadata":{"lang":"en"}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	start, ok := msg.(Start)
	if !ok {
		t.Fatalf("message type = %T, want Start", msg)
	}
	if start.Pipeline != PipelineSTT || start.VADMode != VADModeServer || start.GraphID != "g1" {
		t.Fatalf("unexpected start: %+v", start)
	}
	if start.VADConfig["end_silence_ms"] != "500" {
		t.Fatalf("VADConfig[end_silence_ms] = %v, want raw string", start.VADConfig["end_silence_ms"])
	}
}

func TestParseClientMessageEndUtteranceTimestamps(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"end_utterance","client_start_ms":1000,"client_end_ms":2500}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	end, ok := msg.(EndUtterance)
	if !ok {
		t.Fatalf("message type = %T, want EndUtterance", msg)
	}
	if end.ClientStartMs == nil || *end.ClientStartMs != 1000 {
		t.Fatalf("ClientStartMs = %v, want 1000", end.ClientStartMs)
	}
	if end.ClientEndMs == nil || *end.ClientEndMs != 2500 {
		t.Fatalf("ClientEndMs = %v, want 2500", end.ClientEndMs)
	}

	msg, err = ParseClientMessage([]byte(`{"type":"end_utterance"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if end := msg.(EndUtterance); end.ClientStartMs != nil || end.ClientEndMs != nil {
		t.Fatalf("timestamps = %v/%v, want nil", end.ClientStartMs, end.ClientEndMs)
	}
}

func TestParseClientMessageRejectsReversedTimestamps(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"end_utterance","client_start_ms":2000,"client_end_ms":1000}`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("error = %v, want ErrInvalidMessage", err)
	}
}

func TestParseClientMessageBareControls(t *testing.T) {
	cases := map[string]ClientMessage{
		`{"type":"interrupt"}`: Interrupt{Type: TypeInterrupt},
		`{"type":"ping"}`:      Ping{Type: TypePing},
		`{"type":"stop"}`:      Stop{Type: TypeStop},
	}
	for raw, want := range cases {
		got, err := ParseClientMessage([]byte(raw))
		if err != nil {
			t.Fatalf("ParseClientMessage(%s) error = %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseClientMessage(%s) = %#v, want %#v", raw, got, want)
		}
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`{"type":`, `{}`, `[1,2]`} {
		_, err := ParseClientMessage([]byte(raw))
		if !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("ParseClientMessage(%s) error = %v, want ErrInvalidMessage", raw, err)
		}
	}
}

func TestEncodeTTSError(t *testing.T) {
	raw, err := Encode(TTSError{Type: TypeTTSError, Message: "boom", Seq: 3})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got["type"] != "tts_error" || got["message"] != "boom" || got["seq"] != float64(3) {
		t.Fatalf("decoded = %v", got)
	}
}
