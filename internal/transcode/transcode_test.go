package transcode

import (
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/ent0n29/parley/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"
)

func TestFFmpegArgs(t *testing.T) {
	f := NewFFmpeg("")
	args := f.Args(Options{SampleRate: 24000, InputFormat: "ogg"})
	assert.Equal(t, "ffmpeg", f.Path)
	assert.Contains(t, args, "24000")
	assert.Equal(t, "pipe:1", args[len(args)-1])

	idx := indexOf(args, "-i")
	require.Positive(t, idx)
	assert.Equal(t, "ogg", args[idx-1], "demuxer must precede the input")

	args = f.Args(Options{})
	assert.Contains(t, args, "16000")
	assert.NotContains(t, args[:indexOf(args, "-i")], "-f")
}

func TestSelectorRoutesG711(t *testing.T) {
	sel := NewSelector("/nonexistent/ffmpeg")
	p, err := sel.Start(context.Background(), Options{SampleRate: 16000, InputFormat: "PCMU"})
	require.NoError(t, err)
	_, ok := p.(*g711Process)
	assert.True(t, ok, "process = %T, want *g711Process", p)
	require.NoError(t, p.Stop(time.Second))

	_, err = sel.Start(context.Background(), Options{InputFormat: "webm"})
	assert.Error(t, err, "missing ffmpeg binary must fail to start")
}

func TestG711DecodesAndResamples(t *testing.T) {
	p, err := G711{}.Start(context.Background(), Options{SampleRate: 16000, InputFormat: "mulaw"})
	require.NoError(t, err)

	pcm := audio.PCMBytes([]int16{1000, -1000, 2000, -2000, 0, 500, -500, 3000})
	encoded := g711.EncodeUlaw(pcm)

	go func() {
		_, _ = p.Stdin().Write(encoded)
		_ = p.Stdin().Close()
	}()
	go func() { _, _ = io.Copy(io.Discard, p.Stderr()) }()

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	// 8 samples at 8 kHz become 16 samples at 16 kHz.
	assert.Len(t, out, 32)
	require.NoError(t, p.Stop(time.Second))
}

func TestG711StopUnblocksIdleProcess(t *testing.T) {
	p, err := G711{}.Start(context.Background(), Options{InputFormat: "alaw"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = p.Stop(50 * time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestFFmpegDecodesWAV(t *testing.T) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	p, err := NewFFmpeg(path).Start(context.Background(), Options{SampleRate: 16000, InputFormat: "wav"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop(DefaultGrace) })

	wav, err := audio.EncodeWAVPCM16LE(make([]byte, 32000), 16000)
	require.NoError(t, err)
	go func() {
		_, _ = p.Stdin().Write(wav)
		_ = p.Stdin().Close()
	}()
	go func() { _, _ = io.Copy(io.Discard, p.Stderr()) }()

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.InDelta(t, 32000, len(out), 64)
	assert.NoError(t, p.Stop(DefaultGrace))
}

func indexOf(items []string, want string) int {
	for i, v := range items {
		if v == want {
			return i
		}
	}
	return -1
}
