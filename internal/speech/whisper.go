package speech

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/audio"
	"github.com/ent0n29/parley/internal/reliability"
	"github.com/go-resty/resty/v2"
)

// WhisperServer transcribes through a whisper.cpp compatible HTTP server
// (POST /inference, multipart field "file"). Compressed input requires the
// server to run with --convert.
type WhisperServer struct {
	client   *resty.Client
	url      string
	language string
}

type whisperResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

func NewWhisperServer(baseURL, language string, timeout time.Duration) (*WhisperServer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("whisper server url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// No retries: multipart readers are consumed by the first attempt.
	client := resty.New().SetTimeout(timeout)
	return &WhisperServer{
		client:   client,
		url:      baseURL + "/inference",
		language: language,
	}, nil
}

func (w *WhisperServer) Transcribe(ctx context.Context, data []byte, mime string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	form := map[string]string{
		"response_format": "json",
		"temperature":     "0",
	}
	if w.language != "" {
		form["language"] = w.language
	}
	var out whisperResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetFileReader("file", "utterance"+audio.FileExtension(mime), bytes.NewReader(data)).
		SetFormData(form).
		SetResult(&out).
		SetError(&out).
		Post(w.url)
	if err != nil {
		return "", fmt.Errorf("whisper request: %w", err)
	}
	if resp.IsError() {
		return "", &reliability.HTTPError{Status: resp.StatusCode(), Body: firstNonEmpty(out.Error, resp.String())}
	}
	if out.Error != "" {
		return "", fmt.Errorf("whisper: %s", out.Error)
	}
	return strings.TrimSpace(out.Text), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
