package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/speech"
)

type speechSetup struct {
	transcriber     speech.Transcriber
	synthesizer     speech.Synthesizer
	transcriberName string
	synthesizerName string
	detail          string
}

func resolveSpeechProviders(cfg config.Config) (speechSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.SpeechProvider))
	if mode == "" {
		mode = "auto"
	}

	tryOpenAI := func() (*speech.OpenAI, bool, error) {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, false, nil
		}
		p, err := speech.NewOpenAI(speech.OpenAIConfig{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			STTModel: cfg.OpenAISTTModel,
			TTSModel: cfg.OpenAITTSModel,
		})
		if err != nil {
			return nil, false, fmt.Errorf("openai speech init failed: %w", err)
		}
		return p, true, nil
	}

	tryWhisper := func() (*speech.WhisperServer, bool, error) {
		if strings.TrimSpace(cfg.WhisperServerURL) == "" {
			return nil, false, nil
		}
		w, err := speech.NewWhisperServer(cfg.WhisperServerURL, "", 0)
		if err != nil {
			return nil, false, fmt.Errorf("whisper server init failed: %w", err)
		}
		return w, true, nil
	}

	mock := speech.NewMock()
	mockSetup := func(detail string) speechSetup {
		return speechSetup{
			transcriber:     mock,
			synthesizer:     mock,
			transcriberName: "mock",
			synthesizerName: "mock",
			detail:          detail,
		}
	}

	switch mode {
	case "mock":
		return mockSetup("mock"), nil
	case "openai":
		p, ok, err := tryOpenAI()
		if err != nil {
			return speechSetup{}, err
		}
		if !ok {
			return speechSetup{}, fmt.Errorf("SPEECH_PROVIDER=openai but OPENAI_API_KEY is not set")
		}
		return speechSetup{
			transcriber:     p,
			synthesizer:     p,
			transcriberName: "openai",
			synthesizerName: "openai",
			detail:          "openai stt + tts",
		}, nil
	case "whisper":
		w, ok, err := tryWhisper()
		if err != nil {
			return speechSetup{}, err
		}
		if !ok {
			return speechSetup{}, fmt.Errorf("SPEECH_PROVIDER=whisper but WHISPER_SERVER_URL is not set")
		}
		setup := speechSetup{
			transcriber:     w,
			synthesizer:     mock,
			transcriberName: "whisper",
			synthesizerName: "mock",
			detail:          "whisper server stt (mock tts)",
		}
		if p, ok, err := tryOpenAI(); err == nil && ok {
			setup.synthesizer, setup.synthesizerName = p, "openai"
			setup.detail = "whisper server stt + openai tts"
		}
		return setup, nil
	case "auto":
		p, hasOpenAI, err := tryOpenAI()
		if err != nil {
			return speechSetup{}, err
		}
		w, hasWhisper, err := tryWhisper()
		if err != nil {
			return speechSetup{}, err
		}
		switch {
		case hasOpenAI && hasWhisper:
			return speechSetup{
				transcriber:     speech.NewFailoverTranscriber(w, p),
				synthesizer:     p,
				transcriberName: "whisper",
				synthesizerName: "openai",
				detail:          "whisper server stt (openai fallback) + openai tts",
			}, nil
		case hasOpenAI:
			return speechSetup{
				transcriber:     p,
				synthesizer:     p,
				transcriberName: "openai",
				synthesizerName: "openai",
				detail:          "openai stt + tts",
			}, nil
		case hasWhisper:
			return speechSetup{
				transcriber:     w,
				synthesizer:     mock,
				transcriberName: "whisper",
				synthesizerName: "mock",
				detail:          "whisper server stt (mock tts)",
			}, nil
		default:
			return mockSetup("mock (no OPENAI_API_KEY or WHISPER_SERVER_URL)"), nil
		}
	default:
		return speechSetup{}, fmt.Errorf("invalid SPEECH_PROVIDER: %q (expected auto|openai|whisper|mock)", cfg.SpeechProvider)
	}
}
