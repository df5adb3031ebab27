package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/agent"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/speech"
	"github.com/ent0n29/parley/internal/style"
	"github.com/ent0n29/parley/internal/transcode"
	"github.com/ent0n29/parley/internal/vad"
)

// passthrough is a transcoder whose input already is PCM16LE.
type passthrough struct {
	mu    sync.Mutex
	procs []*pipeProcess
}

func (p *passthrough) Start(ctx context.Context, opts transcode.Options) (transcode.Process, error) {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	proc := &pipeProcess{in: outW, out: outR, errR: errR, errW: errW}
	p.mu.Lock()
	p.procs = append(p.procs, proc)
	p.mu.Unlock()
	return proc, nil
}

func (p *passthrough) started() []*pipeProcess {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*pipeProcess(nil), p.procs...)
}

type pipeProcess struct {
	in      *io.PipeWriter
	out     *io.PipeReader
	errR    *io.PipeReader
	errW    *io.PipeWriter
	once    sync.Once
	stopped atomic.Bool
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.in }
func (p *pipeProcess) Stdout() io.Reader     { return p.out }
func (p *pipeProcess) Stderr() io.Reader     { return p.errR }

func (p *pipeProcess) Stop(time.Duration) error {
	p.once.Do(func() {
		_ = p.in.Close()
		_ = p.errW.Close()
		p.stopped.Store(true)
	})
	return nil
}

// kill simulates the process exiting on its own: output streams end while
// the session is still live.
func (p *pipeProcess) kill() {
	_ = p.out.Close()
	_ = p.errW.Close()
}

type failingStarter struct{}

func (failingStarter) Start(context.Context, transcode.Options) (transcode.Process, error) {
	return nil, errors.New("ffmpeg not found")
}

// echoTranscriber returns the audio bytes as text.
type echoTranscriber struct{}

func (echoTranscriber) Transcribe(ctx context.Context, audio []byte, _ string) (string, error) {
	return string(audio), ctx.Err()
}

// gatedTranscriber holds every call until release is closed.
type gatedTranscriber struct {
	entered chan struct{}
	release chan struct{}
}

func newGatedTranscriber() *gatedTranscriber {
	return &gatedTranscriber{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedTranscriber) Transcribe(ctx context.Context, audio []byte, _ string) (string, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return string(audio), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type panicTranscriber struct{}

func (panicTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	panic("decoder exploded")
}

// blockingSynth blocks its first call until cancelled and echoes text after.
type blockingSynth struct {
	calls   atomic.Int32
	entered chan struct{}
}

func newBlockingSynth() *blockingSynth {
	return &blockingSynth{entered: make(chan struct{}, 1)}
}

func (s *blockingSynth) Synthesize(ctx context.Context, req speech.SynthesisRequest) (speech.Audio, error) {
	if s.calls.Add(1) == 1 {
		s.entered <- struct{}{}
		<-ctx.Done()
		return speech.Audio{}, ctx.Err()
	}
	return speech.Audio{Data: []byte(req.Text), Format: "raw"}, nil
}

func (s *blockingSynth) Format() string { return "raw" }

type failingSynth struct{}

func (failingSynth) Synthesize(context.Context, speech.SynthesisRequest) (speech.Audio, error) {
	return speech.Audio{}, errors.New("voice unavailable")
}

func (failingSynth) Format() string { return "mp3" }

// recordingSynth captures the voice and speed of every request.
type recordingSynth struct {
	mu   sync.Mutex
	reqs []speech.SynthesisRequest
}

func (s *recordingSynth) Synthesize(_ context.Context, req speech.SynthesisRequest) (speech.Audio, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return speech.Audio{Data: []byte(req.Text), Format: "raw"}, nil
}

func (s *recordingSynth) Format() string { return "raw" }

func (s *recordingSynth) requests() []speech.SynthesisRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]speech.SynthesisRequest(nil), s.reqs...)
}

type fixedAgent struct {
	reply agent.Reply
}

func (a fixedAgent) Respond(context.Context, agent.Request) (agent.Reply, error) {
	return a.reply, nil
}

// stubLearner hands out voices from a list, one per call.
type stubLearner struct {
	mu            sync.Mutex
	voices        []string
	voiceErr      error
	voiceCalls    int
	saved         []string
	interruptions atomic.Int32
	observed      atomic.Int32
}

func (l *stubLearner) AdjustVAD(_ context.Context, _ string, cfg vad.Config) (vad.Config, error) {
	return cfg, nil
}

func (l *stubLearner) PreferredVoice(context.Context, string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.voiceCalls++
	if l.voiceErr != nil {
		err := l.voiceErr
		l.voiceErr = nil
		return "", err
	}
	if len(l.voices) == 0 {
		return "", nil
	}
	v := l.voices[0]
	l.voices = l.voices[1:]
	return v, nil
}

func (l *stubLearner) Observe(context.Context, style.Observation) error {
	l.observed.Add(1)
	return nil
}

func (l *stubLearner) RecordInterruption(context.Context, string, string) error {
	l.interruptions.Add(1)
	return nil
}

// SetVoice makes voice the answer to every later lookup.
func (l *stubLearner) SetVoice(_ context.Context, _, _, voice string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved = append(l.saved, voice)
	l.voices = []string{voice, voice}
	return nil
}

func (l *stubLearner) savedVoices() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.saved...)
}

func (l *stubLearner) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.voiceCalls
}

func testDeps() Deps {
	opts := DefaultOptions()
	opts.InterruptWait = time.Second
	opts.ShutdownWait = 2 * time.Second
	return Deps{
		Manager:     NewManager(time.Minute),
		Transcoder:  &passthrough{},
		Transcriber: speech.NewMock(),
		Synthesizer: speech.NewMock(),
		Agent:       agent.NewMockAdapter(),
		Metrics:     observability.NewMetrics("test"),
		Logger:      zap.NewNop(),
		Options:     opts,
	}
}

type harness struct {
	t    *testing.T
	conn *websocket.Conn
	done chan error
}

func newHarness(t *testing.T, deps Deps) *harness {
	t.Helper()
	h := &harness{t: t, done: make(chan error, 1)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ctrl := NewController(deps, conn, Principal{UserID: "u1", TenantID: "t1"})
		h.done <- ctrl.Run(context.Background())
	}))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	h.conn = conn
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Close()
	})
	h.expect("ready")
	return h
}

type frame struct {
	kind int
	msg  map[string]any
	data []byte
}

func (f frame) typ() string {
	if f.kind == websocket.BinaryMessage {
		return "<binary>"
	}
	s, _ := f.msg["type"].(string)
	return s
}

func (h *harness) send(raw string) {
	h.t.Helper()
	require.NoError(h.t, h.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (h *harness) sendBinary(data []byte) {
	h.t.Helper()
	require.NoError(h.t, h.conn.WriteMessage(websocket.BinaryMessage, data))
}

func (h *harness) read() frame {
	h.t.Helper()
	require.NoError(h.t, h.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := h.conn.ReadMessage()
	require.NoError(h.t, err)
	f := frame{kind: kind, data: data}
	if kind == websocket.TextMessage {
		f.msg, err = protocol.Decode(data)
		require.NoError(h.t, err)
	}
	return f
}

// expect reads exactly len(types) frames and checks their order.
func (h *harness) expect(types ...string) []frame {
	h.t.Helper()
	frames := make([]frame, 0, len(types))
	got := make([]string, 0, len(types))
	for range types {
		f := h.read()
		frames = append(frames, f)
		got = append(got, f.typ())
	}
	require.Equal(h.t, types, got)
	return frames
}

// readError waits for the server to close the socket and returns the read
// error.
func (h *harness) readError() error {
	h.t.Helper()
	require.NoError(h.t, h.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := h.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func (h *harness) waitDone() {
	h.t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Fatalf("controller did not return")
	}
}

// pcmTone renders a 440 Hz tone at 16 kHz.
func pcmTone(ms int) []byte {
	n := 16 * ms
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func pcmSilence(ms int) []byte {
	return make([]byte, 16*ms*2)
}

// chunks splits b into 100 ms pieces at 16 kHz.
func chunks(b []byte) [][]byte {
	const size = 3200
	var out [][]byte
	for len(b) > size {
		out = append(out, b[:size])
		b = b[size:]
	}
	if len(b) > 0 {
		out = append(out, b)
	}
	return out
}
