package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ent0n29/parley/internal/audio"
	"github.com/sashabaranov/go-openai"
)

type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	STTModel string
	TTSModel string
	Language string
}

// OpenAI implements both Transcriber and Synthesizer on the audio endpoints.
type OpenAI struct {
	client   *openai.Client
	sttModel string
	ttsModel openai.SpeechModel
	language string
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	stt := cfg.STTModel
	if stt == "" {
		stt = openai.Whisper1
	}
	tts := openai.SpeechModel(cfg.TTSModel)
	if tts == "" {
		tts = openai.TTSModel1
	}
	return &OpenAI{
		client:   openai.NewClientWithConfig(clientCfg),
		sttModel: stt,
		ttsModel: tts,
		language: cfg.Language,
	}, nil
}

func (o *OpenAI) Transcribe(ctx context.Context, data []byte, mime string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.sttModel,
		FilePath: "utterance" + audio.FileExtension(mime),
		Reader:   bytes.NewReader(data),
		Language: o.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (o *OpenAI) Synthesize(ctx context.Context, req SynthesisRequest) (Audio, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Audio{}, ErrEmptyText
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          o.ttsModel,
		Input:          text,
		Voice:          openai.SpeechVoice(req.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          speed,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return Audio{}, fmt.Errorf("read openai speech: %w", err)
	}
	return Audio{Data: data, Format: o.Format()}, nil
}

func (o *OpenAI) Format() string { return "mp3" }
