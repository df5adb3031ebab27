package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/agent"
	"github.com/ent0n29/parley/internal/audio"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/speech"
	"github.com/ent0n29/parley/internal/transcode"
	"github.com/ent0n29/parley/internal/utterance"
	"github.com/ent0n29/parley/internal/vad"
)

var errStopped = errors.New("client requested stop")

// Conn is the subset of *websocket.Conn the controller drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Deps are the collaborators shared by every controller of one server.
type Deps struct {
	Manager     *Manager
	Transcoder  transcode.Starter
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	Agent       agent.Adapter
	// Learner is optional.
	Learner StyleLearner
	Metrics *observability.Metrics
	Logger  *zap.Logger
	Options Options
}

// params is what the latest start message configured.
type params struct {
	GraphID      string
	BranchID     string
	SessionID    string
	Pipeline     string
	VADMode      string
	IsScribeMode bool
	Metadata     map[string]any
	InputFormat  string
}

// Controller owns one websocket connection and every resource it spawns.
type Controller struct {
	deps      Deps
	opts      Options
	conn      Conn
	principal Principal
	log       *zap.Logger

	connID string
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	writeMu     sync.Mutex
	writeClosed bool

	mu      sync.Mutex
	params  params
	decoder *decoder

	// Client-delimited buffer. Touched only by the read loop.
	buf      []byte
	bufFirst time.Time
	bufLast  time.Time

	queue      *utterance.Queue
	workerOnce sync.Once
	interrupt  *interruptSignal

	voiceMu    sync.Mutex
	voice      string
	voiceFixed bool

	streamMu   sync.Mutex
	streamDone chan struct{}

	lastDropWarn atomic.Int64

	bg        sync.WaitGroup
	closeOnce sync.Once
}

func NewController(deps Deps, conn Conn, principal Principal) *Controller {
	opts := deps.Options.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		deps:      deps,
		opts:      opts,
		conn:      conn,
		principal: principal,
		log:       logger,
		queue:     utterance.NewQueue(opts.UtteranceQueueSize),
		interrupt: newInterruptSignal(),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	if c.deps.Manager != nil && c.connID != "" {
		_ = c.deps.Manager.SetState(c.connID, s)
	}
}

// Run serves the connection until the client stops, the socket fails, the
// idle janitor expires it, or ctx ends. It always releases every resource
// the session acquired before returning.
func (c *Controller) Run(ctx context.Context) (err error) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	if c.deps.Manager != nil {
		c.connID = c.deps.Manager.Register(c.principal.UserID, c.principal.TenantID, c.cancel).ID
	} else {
		c.connID = uuid.NewString()
	}
	c.log = c.log.With(
		zap.String("connection_id", c.connID),
		zap.String("user_id", c.principal.UserID),
		zap.String("tenant_id", c.principal.TenantID),
	)
	c.sessionEvent("connected")
	c.updateActiveGauge()

	defer c.shutdown()
	defer func() {
		if r := recover(); r != nil {
			c.fail(r)
			err = fmt.Errorf("session panic: %v", r)
		}
	}()

	// Unblocks ReadMessage when the session is cancelled from elsewhere.
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		<-c.ctx.Done()
		_ = c.conn.Close()
	}()
	c.goSafe("keepalive", c.keepalive)

	c.conn.SetReadLimit(c.opts.ReadLimitBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
		c.touch()
		return nil
	})

	if err := c.send(protocol.NewReady()); err != nil {
		return err
	}
	c.setState(StateReady)

	return c.readLoop()
}

func (c *Controller) readLoop() error {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
		c.touch()

		switch kind {
		case websocket.BinaryMessage:
			c.countInbound("binary")
			c.handleBinary(data)
		case websocket.TextMessage:
			if err := c.handleText(data); err != nil {
				if errors.Is(err, errStopped) {
					return nil
				}
				return err
			}
		}
	}
}

func (c *Controller) handleText(data []byte) error {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		c.countInbound("invalid")
		_ = c.send(protocol.NewError(err.Error()))
		return nil
	}

	switch m := msg.(type) {
	case protocol.Start:
		c.countInbound(string(protocol.TypeStart))
		c.handleStart(m)
	case protocol.EndUtterance:
		c.countInbound(string(protocol.TypeEndUtterance))
		c.handleEndUtterance(m)
	case protocol.Interrupt:
		c.countInbound(string(protocol.TypeInterrupt))
		c.handleInterrupt()
	case protocol.Ping:
		c.countInbound(string(protocol.TypePing))
		_ = c.send(protocol.NewPong())
	case protocol.Stop:
		c.countInbound(string(protocol.TypeStop))
		c.setState(StateClosing)
		_ = c.send(protocol.NewBye())
		c.closeWith(websocket.CloseNormalClosure, "bye")
		return errStopped
	}
	return nil
}

func (c *Controller) handleStart(m protocol.Start) {
	pipeline := m.Pipeline
	if pipeline == "" {
		pipeline = protocol.PipelineAgent
	}
	if pipeline != protocol.PipelineAgent && pipeline != protocol.PipelineSTT {
		_ = c.send(protocol.NewError(fmt.Sprintf("unknown pipeline %q", m.Pipeline)))
		return
	}
	mode := m.VADMode
	if mode == "" {
		mode = protocol.VADModeClient
	}
	if mode != protocol.VADModeClient && mode != protocol.VADModeServer {
		_ = c.send(protocol.NewError(fmt.Sprintf("unknown vad_mode %q", m.VADMode)))
		return
	}

	c.mu.Lock()
	hasDecoder := c.decoder != nil
	c.mu.Unlock()

	if mode == protocol.VADModeServer && !hasDecoder {
		cfg, err := vad.DefaultConfig().Merge(m.VADConfig)
		if err != nil {
			_ = c.send(protocol.NewError(fmt.Sprintf("invalid vad_config: %v", err)))
			return
		}
		cfg = c.adjustVAD(cfg)
		seg, err := vad.New(cfg)
		if err != nil {
			_ = c.send(protocol.NewError(err.Error()))
			return
		}
		if err := c.startDecoder(seg, cfg.Normalize().SampleRateHz, m.InputFormat); err != nil {
			c.log.Warn("transcoder start failed", zap.Error(err))
			_ = c.send(protocol.NewError("audio decoder unavailable"))
			return
		}
	}

	c.mu.Lock()
	p := c.params
	p.Pipeline = pipeline
	p.VADMode = mode
	p.IsScribeMode = m.IsScribeMode
	if m.GraphID != "" {
		p.GraphID = m.GraphID
	}
	if m.BranchID != "" {
		p.BranchID = m.BranchID
	}
	if m.SessionID != "" {
		p.SessionID = m.SessionID
	}
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}
	if m.Metadata != nil {
		p.Metadata = m.Metadata
	}
	if m.InputFormat != "" {
		p.InputFormat = m.InputFormat
	}
	c.params = p
	c.mu.Unlock()

	c.workerOnce.Do(func() { c.goSafe("worker", c.runWorker) })
	if v := strings.TrimSpace(cast.ToString(m.Metadata["voice"])); v != "" {
		c.savePreferredVoice(v)
	}
	c.resolveVoice(c.ctx)

	c.setState(StateActive)
	c.sessionEvent("started")
	c.log.Info("session started",
		zap.String("session_id", p.SessionID),
		zap.String("pipeline", p.Pipeline),
		zap.String("vad_mode", p.VADMode),
	)
	_ = c.send(protocol.Started{
		Type:      protocol.TypeStarted,
		GraphID:   p.GraphID,
		BranchID:  p.BranchID,
		SessionID: p.SessionID,
		Pipeline:  p.Pipeline,
	})
}

func (c *Controller) adjustVAD(cfg vad.Config) vad.Config {
	if c.deps.Learner == nil {
		return cfg
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.LearningTimeout)
	defer cancel()
	adjusted, err := c.deps.Learner.AdjustVAD(ctx, c.principal.UserID, cfg)
	if err != nil {
		c.log.Warn("style lookup failed", zap.Error(err))
		return cfg
	}
	return adjusted
}

func (c *Controller) handleBinary(data []byte) {
	if c.State() != StateActive {
		_ = c.send(protocol.NewWarning("audio received before start; chunk ignored"))
		return
	}
	p := c.snapshot()
	if p.VADMode == protocol.VADModeServer {
		c.mu.Lock()
		d := c.decoder
		c.mu.Unlock()
		if d == nil {
			_ = c.send(protocol.NewWarning("audio decoder unavailable; chunk ignored"))
			return
		}
		if d.enqueue(data) {
			c.countDrop("transcode")
			c.warnDropped()
		}
		return
	}

	if len(c.buf)+len(data) > c.opts.MaxClientBufferBytes {
		c.resetBuffer()
		_ = c.send(protocol.NewError(fmt.Sprintf("client audio buffer exceeded %d bytes; buffer reset", c.opts.MaxClientBufferBytes)))
		return
	}
	now := time.Now()
	if len(c.buf) == 0 {
		c.bufFirst = now
	}
	c.bufLast = now
	c.buf = append(c.buf, data...)
}

// warnDropped emits at most one transcoder-overflow warning per second.
func (c *Controller) warnDropped() {
	now := time.Now().UnixMilli()
	last := c.lastDropWarn.Load()
	if now-last < 1000 || !c.lastDropWarn.CompareAndSwap(last, now) {
		return
	}
	_ = c.send(protocol.NewWarning("audio decoder is behind; dropped oldest chunk"))
}

func (c *Controller) handleEndUtterance(m protocol.EndUtterance) {
	if c.State() != StateActive {
		_ = c.send(protocol.NewError("end_utterance before start"))
		return
	}
	p := c.snapshot()

	if p.VADMode == protocol.VADModeServer {
		c.mu.Lock()
		d := c.decoder
		c.mu.Unlock()
		if d == nil {
			return
		}
		if seg := d.flush(); seg != nil {
			c.emitSegment(d, seg)
		}
		return
	}

	if len(c.buf) == 0 {
		_ = c.send(protocol.NewWarning("end_utterance with no buffered audio"))
		return
	}
	data := c.buf
	start, end := c.bufFirst.UnixMilli(), c.bufLast.UnixMilli()
	c.buf, c.bufFirst, c.bufLast = nil, time.Time{}, time.Time{}

	if m.ClientStartMs != nil {
		start = *m.ClientStartMs
	}
	if m.ClientEndMs != nil {
		end = *m.ClientEndMs
	}
	if end < start {
		end = start
	}
	c.submit(utterance.Utterance{
		Audio:        data,
		Format:       audio.ContainerMIME(p.InputFormat, data),
		StartEpochMs: start,
		EndEpochMs:   end,
		SpeechMs:     end - start,
	})
}

func (c *Controller) resetBuffer() {
	c.buf, c.bufFirst, c.bufLast = nil, time.Time{}, time.Time{}
}

// submit hands an utterance to the worker, evicting the oldest waiting one
// when the queue is full.
func (c *Controller) submit(u utterance.Utterance) {
	_, evicted, err := c.queue.Push(u)
	if err != nil {
		return
	}
	if c.deps.Manager != nil {
		_ = c.deps.Manager.RecordUtterance(c.connID)
	}
	if evicted {
		c.countDrop("utterance")
		_ = c.send(protocol.NewWarning("utterance queue full; dropped oldest utterance"))
	}
}

func (c *Controller) handleInterrupt() {
	if c.State() != StateActive {
		_ = c.send(protocol.NewError("interrupt before start"))
		return
	}
	c.interrupt.Fire()
	if n := c.queue.Drain(); n > 0 {
		c.log.Debug("interrupt drained queue", zap.Int("utterances", n))
	}

	c.streamMu.Lock()
	done := c.streamDone
	c.streamMu.Unlock()
	if done != nil {
		timer := time.NewTimer(c.opts.InterruptWait)
		select {
		case <-done:
		case <-timer.C:
			c.log.Warn("tts stream did not stop within interrupt wait")
		case <-c.ctx.Done():
		}
		timer.Stop()
	}

	_ = c.send(protocol.NewInterrupted())
	c.sessionEvent("interrupted")
	if c.deps.Manager != nil {
		_ = c.deps.Manager.Interrupt(c.connID)
	}
	if c.deps.Learner != nil {
		userID, tenantID := c.principal.UserID, c.principal.TenantID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.LearningTimeout)
			defer cancel()
			if err := c.deps.Learner.RecordInterruption(ctx, userID, tenantID); err != nil {
				c.log.Debug("record interruption failed", zap.Error(err))
			}
		}()
	}
}

// savePreferredVoice stores a client-chosen voice on the user's profile. A
// session whose voice is already pinned keeps it; the choice applies from
// the next lookup on.
func (c *Controller) savePreferredVoice(voice string) {
	if c.deps.Learner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.LearningTimeout)
	defer cancel()
	if err := c.deps.Learner.SetVoice(ctx, c.principal.UserID, c.principal.TenantID, voice); err != nil {
		c.log.Warn("save preferred voice failed", zap.Error(err))
	}
}

// resolveVoice returns the session voice, looking it up once. A failed
// lookup falls back to the default without pinning it, so a later stream
// may still pick up the preferred voice.
func (c *Controller) resolveVoice(ctx context.Context) string {
	c.voiceMu.Lock()
	defer c.voiceMu.Unlock()
	if c.voiceFixed {
		return c.voice
	}
	if c.deps.Learner == nil {
		c.voice, c.voiceFixed = c.opts.DefaultVoice, true
		return c.voice
	}
	lookupCtx, cancel := context.WithTimeout(ctx, c.opts.LearningTimeout)
	defer cancel()
	v, err := c.deps.Learner.PreferredVoice(lookupCtx, c.principal.UserID)
	if err != nil {
		c.log.Warn("voice lookup failed; using default", zap.Error(err))
		return c.opts.DefaultVoice
	}
	if v == "" {
		v = c.opts.DefaultVoice
	}
	c.voice, c.voiceFixed = v, true
	return v
}

func (c *Controller) snapshot() params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

func (c *Controller) send(msg protocol.ServerMessage) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, raw, string(msg.MessageType()))
}

func (c *Controller) sendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data, "binary")
}

// write serializes every outbound frame. The first failure marks the socket
// dead and cancels the session.
func (c *Controller) write(kind int, data []byte, label string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeClosed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(kind, data); err != nil {
		c.writeClosed = true
		if c.cancel != nil {
			c.cancel()
		}
		return err
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.WSMessages.WithLabelValues("outbound", label).Inc()
	}
	return nil
}

func (c *Controller) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeClosed {
		return
	}
	c.writeClosed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
}

func (c *Controller) keepalive() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			closed := c.writeClosed
			var err error
			if !closed {
				err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			}
			c.writeMu.Unlock()
			if closed || err != nil {
				return
			}
		}
	}
}

// goSafe runs fn in a tracked goroutine whose panic ends the session
// instead of the process.
func (c *Controller) goSafe(name string, fn func()) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("session goroutine panic", zap.String("goroutine", name))
				c.fail(r)
			}
		}()
		fn()
	}()
}

// fail reports an unexpected failure and closes the socket with 1011.
func (c *Controller) fail(r any) {
	c.log.Error("session failed", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
	c.sessionEvent("panic")
	_ = c.send(protocol.NewError("internal error"))
	c.closeWith(websocket.CloseInternalServerErr, "internal error")
	if c.cancel != nil {
		c.cancel()
	}
}

// shutdown releases everything in order. Each step runs regardless of how
// the previous one went.
func (c *Controller) shutdown() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.step("cancel", func() error { c.cancel(); return nil })
		c.step("queue", func() error { c.queue.Close(); return nil })
		c.step("decoder", func() error {
			c.mu.Lock()
			d := c.decoder
			c.mu.Unlock()
			if d == nil {
				return nil
			}
			return d.stop(c.opts.TranscodeGrace)
		})
		c.step("goroutines", func() error {
			done := make(chan struct{})
			go func() {
				c.bg.Wait()
				close(done)
			}()
			timer := time.NewTimer(c.opts.ShutdownWait)
			defer timer.Stop()
			select {
			case <-done:
				return nil
			case <-timer.C:
				return errors.New("timed out waiting for session goroutines")
			}
		})
		c.step("socket", func() error { return c.conn.Close() })
		c.setState(StateClosed)
		c.step("registry", func() error {
			if c.deps.Manager == nil {
				return nil
			}
			_, err := c.deps.Manager.End(c.connID)
			return err
		})
		c.updateActiveGauge()
		c.sessionEvent("closed")
		c.log.Info("session closed")
	})
}

func (c *Controller) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("shutdown step panicked", zap.String("step", name), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		c.log.Debug("shutdown step failed", zap.String("step", name), zap.Error(err))
	}
}

func (c *Controller) touch() {
	if c.deps.Manager != nil {
		_ = c.deps.Manager.Touch(c.connID)
	}
}

func (c *Controller) countInbound(label string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.WSMessages.WithLabelValues("inbound", label).Inc()
	}
}

func (c *Controller) countDrop(queue string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.CountQueueDrop(queue)
	}
}

func (c *Controller) sessionEvent(event string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (c *Controller) updateActiveGauge() {
	if c.deps.Metrics != nil && c.deps.Manager != nil {
		c.deps.Metrics.ActiveSessions.Set(float64(c.deps.Manager.ActiveCount()))
	}
}
