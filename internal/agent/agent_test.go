package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAdapterSendsTurnAndParsesReply(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = sonic.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"agent_response":"Sure thing.","should_speak":"true","speech_rate":"1.2","policy":{"tone":"calm"}}`)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, time.Second, 0)
	reply, err := a.Respond(context.Background(), Request{GraphID: "g", SessionID: "s", Transcript: "hello", StartMs: 10, EndMs: 20})
	require.NoError(t, err)

	assert.Equal(t, "Sure thing.", reply.AgentResponse)
	assert.True(t, reply.ShouldSpeak)
	assert.InDelta(t, 1.2, reply.SpeechRate, 1e-9)
	assert.Equal(t, "calm", reply.Policy["tone"])
	assert.Equal(t, "hello", got.Transcript)
	assert.Equal(t, int64(20), got.EndMs)
}

func TestHTTPAdapterRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "plain text reply")
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, time.Second, 2)
	reply, err := a.Respond(context.Background(), Request{Transcript: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "plain text reply", reply.AgentResponse)
	assert.True(t, reply.ShouldSpeak)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPAdapterReportsClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad graph", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewHTTPAdapter(srv.URL, time.Second, 2).Respond(context.Background(), Request{Transcript: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestParseReplyShouldSpeakFalse(t *testing.T) {
	reply, err := parseReply([]byte(`{"text":"logged","should_speak":false}`))
	require.NoError(t, err)
	assert.Equal(t, "logged", reply.AgentResponse)
	assert.False(t, reply.ShouldSpeak)

	_, err = parseReply([]byte(`{"text":"x","should_speak":"maybe"}`))
	require.Error(t, err)
}

func TestMockAdapter(t *testing.T) {
	reply, err := NewMockAdapter().Respond(context.Background(), Request{Transcript: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "You said: hello", reply.AgentResponse)
	assert.True(t, reply.ShouldSpeak)

	reply, err = NewMockAdapter().Respond(context.Background(), Request{Transcript: "note this", IsScribeMode: true})
	require.NoError(t, err)
	assert.False(t, reply.ShouldSpeak)
}

func TestNewAdapterModes(t *testing.T) {
	_, name, err := NewAdapter(Config{})
	require.NoError(t, err)
	assert.Equal(t, "mock", name)

	_, name, err = NewAdapter(Config{HTTPURL: "http://agent.local/turn"})
	require.NoError(t, err)
	assert.Equal(t, "http", name)

	_, _, err = NewAdapter(Config{Mode: "http"})
	require.Error(t, err)

	_, _, err = NewAdapter(Config{Mode: "carrier"})
	require.Error(t, err)
}
