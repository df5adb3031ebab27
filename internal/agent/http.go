package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ent0n29/parley/internal/reliability"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cast"
)

// HTTPAdapter posts each turn as JSON to an agent endpoint.
type HTTPAdapter struct {
	url    string
	client *resty.Client
}

func NewHTTPAdapter(url string, timeout time.Duration, retries int) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			attempt := 0
			if resp != nil && resp.Request != nil {
				attempt = resp.Request.Attempt
			}
			return reliability.ExponentialBackoff(attempt-1, 200*time.Millisecond, 2*time.Second), nil
		}).
		AddRetryCondition(reliability.RestyRetryCondition)
	return &HTTPAdapter{url: strings.TrimSpace(url), client: client}
}

func (a *HTTPAdapter) Respond(ctx context.Context, req Request) (Reply, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(req).
		Post(a.url)
	if err != nil {
		return Reply{}, fmt.Errorf("agent request: %w", err)
	}
	if resp.IsError() {
		return Reply{}, fmt.Errorf("agent: %w", &reliability.HTTPError{Status: resp.StatusCode(), Body: resp.String()})
	}
	return parseReply(resp.Body())
}

// parseReply accepts loosely typed agent payloads. A plain text body is
// treated as a spoken reply.
func parseReply(body []byte) (Reply, error) {
	var obj map[string]any
	if err := sonic.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		return Reply{AgentResponse: text, ShouldSpeak: text != ""}, nil
	}

	text := ""
	for _, k := range []string{"agent_response", "response", "text", "output", "message"} {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			text = strings.TrimSpace(s)
			break
		}
	}
	reply := Reply{
		AgentResponse: text,
		ShouldSpeak:   text != "",
		SpeechRate:    cast.ToFloat64(obj["speech_rate"]),
	}
	if v, ok := obj["should_speak"]; ok {
		speak, err := cast.ToBoolE(v)
		if err != nil {
			return Reply{}, fmt.Errorf("agent reply should_speak: %w", err)
		}
		reply.ShouldSpeak = speak
	}
	if m, err := cast.ToStringMapE(obj["policy"]); err == nil && len(m) > 0 {
		reply.Policy = m
	}
	if m, err := cast.ToStringMapE(obj["metadata"]); err == nil && len(m) > 0 {
		reply.Metadata = m
	}
	return reply, nil
}
