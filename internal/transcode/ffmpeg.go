package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

type FFmpeg struct {
	Path string
}

func NewFFmpeg(path string) *FFmpeg {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path}
}

// Args returns the ffmpeg command line for opts.
func (f *FFmpeg) Args(opts Options) []string {
	rate := opts.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-fflags", "+nobuffer"}
	if demuxer := demuxerFor(opts.InputFormat); demuxer != "" {
		args = append(args, "-f", demuxer)
	}
	return append(args,
		"-i", "pipe:0",
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-acodec", "pcm_s16le",
		"-f", "s16le",
		"pipe:1",
	)
}

func demuxerFor(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "webm":
		return "webm"
	case "ogg", "opus":
		return "ogg"
	case "mp3":
		return "mp3"
	case "wav":
		return "wav"
	}
	return ""
}

// Start launches ffmpeg. The process is not bound to ctx: its lifetime is
// owned by the caller through Stop so that shutdown can be graceful.
func (f *FFmpeg) Start(ctx context.Context, opts Options) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(f.Path, f.Args(opts)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	// io.Pipe instead of StdoutPipe: Wait then blocks until every byte has
	// been handed to the reader, so trailing PCM is never lost.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &ffmpegProcess{
		cmd:     cmd,
		stdin:   stdin,
		stdoutR: stdoutR,
		stderrR: stderrR,
		done:    make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		_ = stdoutW.CloseWithError(io.EOF)
		_ = stderrW.CloseWithError(io.EOF)
		close(p.done)
	}()
	return p, nil
}

type ffmpegProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdoutR *io.PipeReader
	stderrR *io.PipeReader

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

func (p *ffmpegProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *ffmpegProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *ffmpegProcess) Stderr() io.Reader     { return p.stderrR }

func (p *ffmpegProcess) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(grace)
	})
	return p.stopErr
}

func (p *ffmpegProcess) stop(grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGrace
	}
	_ = p.stdin.Close()

	select {
	case <-p.done:
		return p.exitErr()
	default:
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	select {
	case <-p.done:
		return p.exitErr()
	case <-time.After(grace):
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	// Unblock output copies nobody is reading anymore.
	_ = p.stdoutR.Close()
	_ = p.stderrR.Close()
	<-p.done
	return errors.New("ffmpeg did not exit within grace period; killed")
}

func (p *ffmpegProcess) exitErr() error {
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		// Interrupted ffmpeg exits 255; that is a normal stop.
		if code := exitErr.ExitCode(); code == 255 || code == -1 {
			return nil
		}
	}
	return p.waitErr
}
