package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/parley/internal/agent"
)

func TestClientModeTranscribeOnly(t *testing.T) {
	h := newHarness(t, testDeps())

	h.send(`{"type":"start","pipeline":"stt","vad_mode":"client"}`)
	started := h.expect("started")[0]
	assert.Equal(t, "stt", started.msg["pipeline"])
	assert.NotEmpty(t, started.msg["session_id"])

	h.sendBinary([]byte("chunk-1"))
	h.sendBinary([]byte("chunk-2"))
	h.send(`{"type":"end_utterance","client_start_ms":1000,"client_end_ms":1800}`)

	frames := h.expect("processing_start", "transcript")
	assert.Equal(t, float64(1000), frames[0].msg["start_epoch_ms"])
	assert.Equal(t, float64(1800), frames[0].msg["end_epoch_ms"])
	assert.Equal(t, float64(len("chunk-1chunk-2")), frames[0].msg["bytes"])
	assert.Equal(t, "simulated voice input", frames[1].msg["text"])
	assert.Equal(t, true, frames[1].msg["final"])

	// Nothing else was emitted for the stt pipeline.
	h.send(`{"type":"ping"}`)
	h.expect("pong")
}

func TestServerVADAgentTurn(t *testing.T) {
	deps := testDeps()
	h := newHarness(t, deps)

	h.send(`{"type":"start","pipeline":"agent","vad_mode":"server","vad_config":{"end_silence_ms":"300","min_speech_ms":100}}`)
	h.expect("started")

	stream := append(pcmSilence(200), pcmTone(600)...)
	stream = append(stream, pcmSilence(600)...)
	for _, c := range chunks(stream) {
		h.sendBinary(c)
	}

	frames := h.expect(
		"vad_speech_start",
		"vad_utterance_end",
		"processing_start",
		"transcript",
		"agent_reply",
		"tts_start",
		"<binary>",
		"tts_end",
		"tts_done",
	)
	speechStart := frames[0].msg["start_epoch_ms"].(float64)
	end := frames[1].msg
	assert.GreaterOrEqual(t, end["start_epoch_ms"].(float64), speechStart-250)
	assert.Greater(t, end["end_epoch_ms"].(float64), end["start_epoch_ms"].(float64))
	assert.Greater(t, end["speech_ms"].(float64), float64(0))

	assert.Equal(t, "simulated voice input", frames[3].msg["text"])
	assert.Equal(t, true, frames[4].msg["should_speak"])
	assert.Equal(t, "You said: simulated voice input", frames[4].msg["agent_response"])
	assert.Equal(t, float64(1), frames[5].msg["seq"])
	assert.Equal(t, "mock_text_bytes", frames[5].msg["format"])
	assert.Equal(t, "alloy", frames[5].msg["voice"])
	assert.Equal(t, "You said: simulated voice input", string(frames[6].data))
	assert.Equal(t, float64(1), frames[7].msg["seq"])

	require.Len(t, deps.Transcoder.(*passthrough).started(), 1)
}

func TestServerVADFlushOnEndUtterance(t *testing.T) {
	h := newHarness(t, testDeps())

	h.send(`{"type":"start","pipeline":"stt","vad_mode":"server","vad_config":{"min_speech_ms":100}}`)
	h.expect("started")
	for _, c := range chunks(pcmTone(400)) {
		h.sendBinary(c)
	}
	h.expect("vad_speech_start")
	// Let the decoder consume every chunk before flushing.
	time.Sleep(200 * time.Millisecond)

	h.send(`{"type":"end_utterance"}`)
	var got []string
	for {
		f := h.read()
		if f.typ() == "vad_speech_start" {
			continue
		}
		got = append(got, f.typ())
		if f.typ() == "transcript" {
			break
		}
	}
	assert.Equal(t, []string{"vad_utterance_end", "processing_start", "transcript"}, got)
}

func TestRepeatedStartKeepsOneTranscoder(t *testing.T) {
	deps := testDeps()
	h := newHarness(t, deps)

	h.send(`{"type":"start","vad_mode":"server","graph_id":"g1"}`)
	first := h.expect("started")[0]
	h.send(`{"type":"start","vad_mode":"server","graph_id":"g2"}`)
	second := h.expect("started")[0]

	assert.Equal(t, "g2", second.msg["graph_id"])
	assert.Equal(t, first.msg["session_id"], second.msg["session_id"])
	assert.Len(t, deps.Transcoder.(*passthrough).started(), 1)
}

func TestStartRejectsUnknownPipeline(t *testing.T) {
	h := newHarness(t, testDeps())

	h.send(`{"type":"start","pipeline":"telepathy"}`)
	h.expect("error")

	h.sendBinary([]byte("early"))
	h.expect("warning")
}

func TestTranscoderFailureStaysScoped(t *testing.T) {
	deps := testDeps()
	deps.Transcoder = failingStarter{}
	h := newHarness(t, deps)

	h.send(`{"type":"start","vad_mode":"server"}`)
	f := h.expect("error")[0]
	assert.Contains(t, f.msg["message"], "decoder unavailable")

	// The socket is still usable.
	h.send(`{"type":"start","pipeline":"stt","vad_mode":"client"}`)
	h.expect("started")
}

func TestTranscoderExitMidSessionRespawnsOnStart(t *testing.T) {
	deps := testDeps()
	h := newHarness(t, deps)
	transcoder := deps.Transcoder.(*passthrough)

	h.send(`{"type":"start","pipeline":"stt","vad_mode":"server","vad_config":{"end_silence_ms":"300","min_speech_ms":100}}`)
	h.expect("started")
	require.Len(t, transcoder.started(), 1)
	dead := transcoder.started()[0]

	dead.kill()
	f := h.expect("error")[0]
	assert.Contains(t, f.msg["message"], "audio decoder failed")
	require.Eventually(t, dead.stopped.Load, 2*time.Second, 10*time.Millisecond)

	// Audio with no live decoder is reported rather than silently queued.
	h.sendBinary(pcmSilence(100))
	f = h.expect("warning")[0]
	assert.Contains(t, f.msg["message"], "decoder unavailable")

	h.send(`{"type":"start","pipeline":"stt","vad_mode":"server","vad_config":{"end_silence_ms":"300","min_speech_ms":100}}`)
	h.expect("started")
	require.Len(t, transcoder.started(), 2)

	stream := append(pcmSilence(200), pcmTone(600)...)
	stream = append(stream, pcmSilence(900)...)
	for _, c := range chunks(stream) {
		h.sendBinary(c)
	}
	frames := h.expect("vad_speech_start", "vad_utterance_end", "processing_start", "transcript")
	assert.Equal(t, "simulated voice input", frames[3].msg["text"])
}

func TestInterruptDuringSynthesis(t *testing.T) {
	deps := testDeps()
	synth := newBlockingSynth()
	deps.Synthesizer = synth
	learner := &stubLearner{}
	deps.Learner = learner
	h := newHarness(t, deps)

	h.send(`{"type":"start","pipeline":"agent"}`)
	h.expect("started")
	h.sendBinary([]byte("audio"))
	h.send(`{"type":"end_utterance"}`)
	h.expect("processing_start", "transcript", "agent_reply", "tts_start")

	<-synth.entered
	h.send(`{"type":"interrupt"}`)
	h.expect("tts_done", "interrupted")

	// The next stream re-arms the signal and plays normally.
	h.sendBinary([]byte("audio"))
	h.send(`{"type":"end_utterance"}`)
	frames := h.expect("processing_start", "transcript", "agent_reply", "tts_start", "<binary>", "tts_end", "tts_done")
	assert.Equal(t, "You said: simulated voice input", string(frames[4].data))

	require.Eventually(t, func() bool { return learner.interruptions.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestInterruptWithoutStreamDrainsQueue(t *testing.T) {
	deps := testDeps()
	stt := newGatedTranscriber()
	deps.Transcriber = stt
	h := newHarness(t, deps)

	h.send(`{"type":"start","pipeline":"stt"}`)
	h.expect("started")

	h.sendBinary([]byte("first"))
	h.send(`{"type":"end_utterance"}`)
	h.expect("processing_start")
	<-stt.entered

	for _, text := range []string{"second", "third"} {
		h.sendBinary([]byte(text))
		h.send(`{"type":"end_utterance"}`)
	}
	h.send(`{"type":"interrupt"}`)
	h.expect("interrupted")

	close(stt.release)
	f := h.expect("transcript")[0]
	assert.Equal(t, "first", f.msg["text"])

	h.send(`{"type":"ping"}`)
	h.expect("pong")
}

func TestUtteranceQueueDropsOldest(t *testing.T) {
	deps := testDeps()
	stt := newGatedTranscriber()
	deps.Transcriber = stt
	h := newHarness(t, deps)

	h.send(`{"type":"start","pipeline":"stt"}`)
	h.expect("started")

	h.sendBinary([]byte("u1"))
	h.send(`{"type":"end_utterance"}`)
	h.expect("processing_start")
	<-stt.entered

	for i := 2; i <= 6; i++ {
		h.sendBinary([]byte(fmt.Sprintf("u%d", i)))
		h.send(`{"type":"end_utterance"}`)
	}
	h.expect("warning")

	close(stt.release)
	var texts []string
	for i := 0; i < 5; i++ {
		frames := h.expect("transcript")
		texts = append(texts, frames[0].msg["text"].(string))
		if i < 4 {
			h.expect("processing_start")
		}
	}
	assert.Equal(t, []string{"u1", "u3", "u4", "u5", "u6"}, texts)
}

func TestVoiceResolvedOncePerSession(t *testing.T) {
	deps := testDeps()
	synth := &recordingSynth{}
	deps.Synthesizer = synth
	learner := &stubLearner{voices: []string{"nova", "echo"}}
	deps.Learner = learner
	h := newHarness(t, deps)

	h.send(`{"type":"start"}`)
	h.expect("started")
	for i := 0; i < 2; i++ {
		h.sendBinary([]byte("audio"))
		h.send(`{"type":"end_utterance"}`)
		f := h.expect("processing_start", "transcript", "agent_reply", "tts_start", "<binary>", "tts_end", "tts_done")
		assert.Equal(t, "nova", f[3].msg["voice"])
	}

	assert.Equal(t, 1, learner.calls())
	for _, req := range synth.requests() {
		assert.Equal(t, "nova", req.Voice)
	}
}

func TestStartMetadataVoiceIsSaved(t *testing.T) {
	deps := testDeps()
	learner := &stubLearner{voices: []string{"nova"}}
	deps.Learner = learner
	h := newHarness(t, deps)

	h.send(`{"type":"start","metadata":{"voice":"fable"}}`)
	h.expect("started")
	h.sendBinary([]byte("audio"))
	h.send(`{"type":"end_utterance"}`)
	f := h.expect("processing_start", "transcript", "agent_reply", "tts_start", "<binary>", "tts_end", "tts_done")
	assert.Equal(t, "fable", f[3].msg["voice"])

	// A new choice is stored for later sessions, but this one keeps its voice.
	h.send(`{"type":"start","metadata":{"voice":"onyx"}}`)
	h.expect("started")
	h.sendBinary([]byte("audio"))
	h.send(`{"type":"end_utterance"}`)
	f = h.expect("processing_start", "transcript", "agent_reply", "tts_start", "<binary>", "tts_end", "tts_done")
	assert.Equal(t, "fable", f[3].msg["voice"])

	assert.Equal(t, []string{"fable", "onyx"}, learner.savedVoices())
}

func TestVoiceLookupFailureIsNotPinned(t *testing.T) {
	deps := testDeps()
	learner := &stubLearner{voiceErr: errors.New("db down"), voices: []string{"shimmer"}}
	deps.Learner = learner
	h := newHarness(t, deps)

	h.send(`{"type":"start"}`)
	h.expect("started")
	h.sendBinary([]byte("audio"))
	h.send(`{"type":"end_utterance"}`)
	f := h.expect("processing_start", "transcript", "agent_reply", "tts_start", "<binary>", "tts_end", "tts_done")
	assert.Equal(t, "shimmer", f[3].msg["voice"])
	assert.Equal(t, 2, learner.calls())
}

func TestReplyMarkupIsNotSpoken(t *testing.T) {
	deps := testDeps()
	synth := &recordingSynth{}
	deps.Synthesizer = synth
	deps.Agent = fixedAgent{reply: agent.Reply{AgentResponse: "Hello **there**, see [the docs](https://example.com).", ShouldSpeak: true}}
	h := newHarness(t, deps)

	h.send(`{"type":"start"}`)
	h.expect("started")
	h.sendBinary([]byte("audio"))
	h.send(`{"type":"end_utterance"}`)
	f := h.expect("processing_start", "transcript", "agent_reply", "tts_start", "<binary>", "tts_end", "tts_done")

	reqs := synth.requests()
	require.Len(t, reqs, 1)
	for _, spoken := range []string{reqs[0].Text, f[3].msg["text"].(string)} {
		assert.Contains(t, spoken, "Hello")
		assert.Contains(t, spoken, "the docs")
		assert.NotContains(t, spoken, "*")
		assert.NotContains(t, spoken, "https://")
	}
}

func TestSpeechRateClamped(t *testing.T) {
	deps := testDeps()
	synth := &recordingSynth{}
	deps.Synthesizer = synth
	deps.Agent = fixedAgent{reply: agent.Reply{AgentResponse: "Slow down.", ShouldSpeak: true, SpeechRate: 5}}
	h := newHarness(t, deps)

	h.send(`{"type":"start"}`)
	h.expect("started")
	h.sendBinary([]byte("audio"))
	h.send(`{"type":"end_utterance"}`)
	h.expect("processing_start", "transcript", "agent_reply", "tts_start", "<binary>", "tts_end", "tts_done")

	reqs := synth.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 2.0, reqs[0].Speed)
}

func TestSynthesisErrorContinuesStream(t *testing.T) {
	deps := testDeps()
	deps.Synthesizer = failingSynth{}
	deps.Agent = fixedAgent{reply: agent.Reply{AgentResponse: "Hello there.", ShouldSpeak: true}}
	h := newHarness(t, deps)

	h.send(`{"type":"start"}`)
	h.expect("started")
	h.sendBinary([]byte("audio"))
	h.send(`{"type":"end_utterance"}`)
	f := h.expect("processing_start", "transcript", "agent_reply", "tts_start", "tts_error", "tts_done")
	assert.Equal(t, float64(1), f[4].msg["seq"])
	assert.Equal(t, "voice unavailable", f[4].msg["message"])
}

func TestSilentReplySkipsSpeech(t *testing.T) {
	h := newHarness(t, testDeps())

	h.send(`{"type":"start","is_scribe_mode":true}`)
	h.expect("started")
	h.sendBinary([]byte("audio"))
	h.send(`{"type":"end_utterance"}`)
	f := h.expect("processing_start", "transcript", "agent_reply")
	assert.Equal(t, false, f[2].msg["should_speak"])

	h.send(`{"type":"ping"}`)
	h.expect("pong")
}

func TestClientBufferCap(t *testing.T) {
	deps := testDeps()
	deps.Options.MaxClientBufferBytes = 16
	h := newHarness(t, deps)

	h.send(`{"type":"start","pipeline":"stt"}`)
	h.expect("started")
	h.sendBinary(make([]byte, 10))
	h.sendBinary(make([]byte, 10))
	h.expect("error")

	h.send(`{"type":"end_utterance"}`)
	h.expect("warning")
}

func TestOversizedUtteranceDropped(t *testing.T) {
	deps := testDeps()
	deps.Options.MaxCompressedBytes = 8
	deps.Transcriber = echoTranscriber{}
	h := newHarness(t, deps)

	h.send(`{"type":"start","pipeline":"stt"}`)
	h.expect("started")
	h.sendBinary(make([]byte, 32))
	h.send(`{"type":"end_utterance"}`)
	f := h.expect("processing_start", "warning")
	assert.Contains(t, f[1].msg["message"], "exceeds")
}

func TestControlsBeforeStart(t *testing.T) {
	h := newHarness(t, testDeps())

	h.send(`{"type":"end_utterance"}`)
	h.expect("error")
	h.send(`{"type":"interrupt"}`)
	h.expect("error")
	h.send(`{"type":"dance"}`)
	h.expect("error")
	h.send(`not json`)
	h.expect("error")
	h.send(`{"type":"ping"}`)
	h.expect("pong")
}

func TestStopSendsByeAndCloses(t *testing.T) {
	deps := testDeps()
	h := newHarness(t, deps)

	h.send(`{"type":"start","vad_mode":"server"}`)
	h.expect("started")
	h.send(`{"type":"stop"}`)
	h.expect("bye")

	err := h.readError()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)
	h.waitDone()

	procs := deps.Transcoder.(*passthrough).started()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].stopped.Load())
	assert.Equal(t, 0, deps.Manager.ActiveCount())
}

func TestClientDisconnectReleasesResources(t *testing.T) {
	deps := testDeps()
	h := newHarness(t, deps)

	h.send(`{"type":"start","vad_mode":"server"}`)
	h.expect("started")
	require.NoError(t, h.conn.Close())
	h.waitDone()

	procs := deps.Transcoder.(*passthrough).started()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].stopped.Load())
	assert.Equal(t, 0, deps.Manager.ActiveCount())
}

func TestWorkerPanicClosesWithInternalError(t *testing.T) {
	deps := testDeps()
	deps.Transcriber = panicTranscriber{}
	h := newHarness(t, deps)

	h.send(`{"type":"start","pipeline":"stt"}`)
	h.expect("started")
	h.sendBinary([]byte("audio"))
	h.send(`{"type":"end_utterance"}`)
	f := h.expect("processing_start", "error")
	assert.Equal(t, "internal error", f[1].msg["message"])

	err := h.readError()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "err = %v", err)
	h.waitDone()
}

func TestIdleSessionExpires(t *testing.T) {
	deps := testDeps()
	deps.Manager = NewManager(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deps.Manager.StartJanitor(ctx, 10*time.Millisecond)
	h := newHarness(t, deps)

	require.Error(t, h.readError())
	h.waitDone()
	assert.Equal(t, 0, deps.Manager.ActiveCount())
}
