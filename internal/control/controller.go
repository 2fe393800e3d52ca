// Package control implements the Control Worker (B): the session state
// machine of §3/§4.3, the client side of the §6 wire protocol, and the
// reconnect/backoff and drain-wait behaviour B is responsible for.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"hitony/internal/pipeline"
	"hitony/internal/pool"
	"hitony/internal/transport"
)

// State is one of the five session states of §3.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateSpeaking
	StateMusic
	StateError
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateSpeaking:
		return "speaking"
	case StateMusic:
		return "music"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Display receives expression changes driven by the server (§6 "expression").
// A headless implementation is fine for tests; the board wires this to its
// LED/screen driver.
type Display interface {
	SetExpression(expr string, duration time.Duration)
}

// Session is the subset of *transport.Client the controller drives. Accepting
// an interface here (rather than the concrete type) lets the session loop be
// exercised against a fake in tests, without a real socket.
type Session interface {
	Connect(ctx context.Context, addr, deviceID, deviceToken string) error
	SendText(v any) error
	SendBinary(payload []byte) error
	Receive() <-chan transport.Message
	Close()
}

const (
	handshakeTimeout   = 5 * time.Second
	recordingHardCap   = 15 * time.Second
	thinkingIdleCap    = 10 * time.Second
	speakingSilenceCap = 8 * time.Second
	speakingWarn1      = 2 * time.Second
	speakingWarn2      = 4 * time.Second
	drainQuietWindow   = 100 * time.Millisecond
	tickInterval       = 20 * time.Millisecond
)

// defaultBackoff is the reconnect schedule of §4.3: 3s, 6s, 12s, 24s, capped.
var defaultBackoff = []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second}

// Config configures a Controller.
type Config struct {
	ServerAddr  string
	DeviceID    string
	DeviceToken string
	Backoff     []time.Duration // nil uses defaultBackoff
}

// Controller is the Control Worker (B).
type Controller struct {
	cfg     Config
	tp      Session
	work    *pipeline.Worker
	pool    *pool.Pool
	display Display
	log     *log.Logger

	backoff          []time.Duration
	transportFactory func() Session

	suppressReconnect boolFlag

	state          State
	thinkingActive bool
	thinkingStart  time.Time
	recordingStart time.Time
	speakingWarned1, speakingWarned2 bool
	lastAudioAt    time.Time
	draining       bool
	drainEmptySince time.Time
	sessionID      string
	musicWasPlaying bool
}

// boolFlag is a tiny atomic bool over an int32; it is only ever touched by
// one writer (SetSuppressReconnect) and read from the run loop.
type boolFlag struct{ v int32 }

func (b *boolFlag) Store(val bool) {
	var v int32
	if val {
		v = 1
	}
	atomic.StoreInt32(&b.v, v)
}
func (b *boolFlag) Load() bool { return atomic.LoadInt32(&b.v) != 0 }

// New wires a Controller. transportFactory must return a fresh Session
// (Connect not yet called) on every call; Run takes a new one for every
// reconnect attempt, per the client's own documented contract. p backs the pool-sourced copies this
// Controller makes of incoming downlink packets before queuing them on work.
func New(cfg Config, transportFactory func() Session, work *pipeline.Worker, p *pool.Pool, display Display, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}
	c := &Controller{
		cfg:     cfg,
		work:    work,
		pool:    p,
		display: display,
		log:     logger.With("component", "control"),
		backoff: backoff,
	}
	c.transportFactory = transportFactory
	c.tp = transportFactory()
	return c
}

// SetSuppressReconnect sets the flag that, when set, tells Run to stop instead
// of reconnecting the next time the session drops — used to quiesce the device during a
// firmware update.
func (c *Controller) SetSuppressReconnect(v bool) { c.suppressReconnect.Store(v) }

// State returns the current session state.
func (c *Controller) State() State { return c.state }

// Run drives connect/session/reconnect until ctx is cancelled or a session
// ends while SuppressReconnect is set.
func (c *Controller) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := c.connectAndHandshake(ctx); err != nil {
			c.log.Warn("connect failed", "err", err, "attempt", attempt)
			c.state = StateError
			if !c.sleepBackoff(ctx, &attempt) {
				return nil
			}
			c.tp = c.transportFactory()
			continue
		}
		attempt = 0

		c.sessionLoop(ctx)

		if c.suppressReconnect.Load() {
			c.log.Info("reconnect suppressed, stopping control worker")
			return nil
		}
		if !c.sleepBackoff(ctx, &attempt) {
			return nil
		}
		c.tp = c.transportFactory()
	}
}

// sleepBackoff waits out the reconnect schedule's current step, surfacing
// the remaining wait to Display so the UI can show a reconnect countdown.
func (c *Controller) sleepBackoff(ctx context.Context, attempt *int) bool {
	idx := *attempt
	if idx >= len(c.backoff) {
		idx = len(c.backoff) - 1
	}
	wait := c.backoff[idx]
	*attempt++
	if c.display != nil {
		c.display.SetExpression("reconnecting", wait)
	}
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

// connectAndHandshake dials, sends hello, and blocks until the server's hello
// reply arrives or handshakeTimeout elapses. No outbound listen{start} is
// possible before this returns, satisfying the §8 handshake-ordering property.
func (c *Controller) connectAndHandshake(ctx context.Context) error {
	if err := c.tp.Connect(ctx, c.cfg.ServerAddr, c.cfg.DeviceID, c.cfg.DeviceToken); err != nil {
		return err
	}

	hello := transport.ControlMessage{
		Type:     transport.TypeHello,
		DeviceID: c.cfg.DeviceID,
		FW:       "hitony-firmware",
	}
	if err := c.tp.SendText(hello); err != nil {
		c.tp.Close()
		return fmt.Errorf("control: send hello: %w", err)
	}

	deadline := time.After(handshakeTimeout)
	for {
		select {
		case msg := <-c.tp.Receive():
			if msg.Kind == transport.KindText {
				var cm transport.ControlMessage
				if err := json.Unmarshal(msg.Data, &cm); err == nil && cm.Type == transport.TypeHello {
					c.sessionID = cm.SessionID
					c.state = StateIdle
					c.log.Info("handshake complete", "session_id", c.sessionID)
					return nil
				}
			}
			msg.Release()
		case <-deadline:
			c.tp.Close()
			return fmt.Errorf("control: handshake timeout")
		case <-ctx.Done():
			c.tp.Close()
			return ctx.Err()
		}
	}
}

// sessionLoop runs one connected session until disconnect, close, or error.
func (c *Controller) sessionLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.tp.Receive():
			if !ok {
				return
			}
			if done := c.handleTransportMessage(msg); done {
				return
			}

		case ev := <-c.work.Events():
			c.handleWorkerEvent(ev)

		case blk := <-c.work.Uplink():
			if c.state == StateRecording {
				if err := c.tp.SendBinary(blk.Data); err != nil {
					c.log.Warn("uplink send failed", "err", err)
				}
			}
			blk.Release()

		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Controller) handleTransportMessage(msg transport.Message) (sessionDone bool) {
	defer msg.Release()

	switch msg.Kind {
	case transport.KindDisconnected, transport.KindClosed:
		c.log.Info("session ended", "kind", msg.Kind)
		c.work.Commands() <- pipeline.CmdStopPlayback
		c.state = StateError
		return true

	case transport.KindText:
		var cm transport.ControlMessage
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			c.log.Debug("malformed control message", "err", err)
			return false
		}
		c.dispatchControl(cm)
		return false

	case transport.KindBinary:
		packets, truncated := transport.ParseBatch(msg.Data)
		if truncated {
			c.log.Warn("downlink batch truncated, discarding tail")
		}
		for _, p := range packets {
			blk := c.pool.Acquire(len(p))
			if blk == nil {
				c.log.Debug("pool exhausted, dropping downlink packet")
				continue
			}
			copy(blk.Data, p)
			select {
			case c.work.PlaybackQueue() <- blk:
			default:
				blk.Release()
				c.log.Debug("playback queue full, dropping packet")
			}
		}
		if len(packets) > 0 {
			c.lastAudioAt = time.Now()
		}
		return false
	}
	return false
}

func (c *Controller) dispatchControl(cm transport.ControlMessage) {
	switch cm.Type {
	case transport.TypeAbort:
		c.log.Info("server abort", "reason", cm.Reason)
		c.work.Commands() <- pipeline.CmdStopPlayback
		c.state = StateIdle
		c.draining = false

	case transport.TypeTTSStart:
		c.enterPlayback(StateSpeaking)

	case transport.TypeTTSEnd, transport.TypeMusicEnd:
		c.beginDrain()

	case transport.TypeMusicStart, transport.TypeMusicRes:
		c.enterPlayback(StateMusic)

	case transport.TypeASRText:
		c.log.Debug("asr text", "text", cm.Text)

	case transport.TypeExpression:
		if c.display != nil {
			c.display.SetExpression(cm.Expr, time.Duration(cm.DurationMs)*time.Millisecond)
		}

	case transport.TypeError:
		c.log.Error("server error", "message", cm.Message)
		c.state = StateError
		c.work.Commands() <- pipeline.CmdStopPlayback
		c.state = StateIdle

	case transport.TypePong:
		// app-level ping disabled; an unsolicited pong is just logged.
		c.log.Debug("pong received")

	case transport.TypeOTANotify:
		c.log.Info("firmware update available", "version", cm.Version, "url", cm.URL)
	}
}

func (c *Controller) enterPlayback(target State) {
	c.state = target
	c.draining = false
	c.lastAudioAt = time.Now()
	c.speakingWarned1, c.speakingWarned2 = false, false
	c.work.Commands() <- pipeline.CmdStartPlayback
}

func (c *Controller) beginDrain() {
	c.draining = true
	c.drainEmptySince = time.Time{}
}

func (c *Controller) handleWorkerEvent(ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventWake:
		c.onWake(ev.Touch)
	case pipeline.EventVadEnd:
		c.onVadEnd()
	case pipeline.EventEncodeReady:
		// uplink readiness is observed directly on work.Uplink(); nothing to do.
	}
}

func (c *Controller) onWake(touch bool) {
	switch c.state {
	case StateIdle:
		c.startRecording()
	case StateSpeaking:
		if touch {
			_ = c.tp.SendText(transport.ControlMessage{
				Type:   transport.TypeAbort,
				Reason: transport.ReasonWakeWord,
			})
			c.work.FlushPlaybackQueue()
			c.work.Commands() <- pipeline.CmdStopPlayback
			c.startRecording()
		}
	case StateMusic:
		if touch {
			_ = c.tp.SendText(transport.ControlMessage{
				Type:   transport.TypeMusicCtrl,
				Action: transport.MusicPause,
			})
			c.musicWasPlaying = true
			c.work.FlushPlaybackQueue()
			c.work.Commands() <- pipeline.CmdStopPlayback
			c.startRecording()
		}
	}
}

// startRecording sends the two-message listen sequence of S1: a detect
// message carrying the matched wake phrase, followed by the start message
// that actually opens the utterance. text is only meaningful on detect.
func (c *Controller) startRecording() {
	c.state = StateRecording
	c.thinkingActive = false
	c.recordingStart = time.Now()
	c.work.Commands() <- pipeline.CmdStartRecording
	_ = c.tp.SendText(transport.ControlMessage{
		Type:  transport.TypeListen,
		State: transport.ListenDetect,
		Text:  transport.DefaultWakePhrase,
	})
	_ = c.tp.SendText(transport.ControlMessage{
		Type:  transport.TypeListen,
		State: transport.ListenStart,
		Mode:  transport.ModeAuto,
	})
}

func (c *Controller) onVadEnd() {
	if c.state != StateRecording {
		return
	}
	c.stopRecording()
}

func (c *Controller) stopRecording() {
	c.work.Commands() <- pipeline.CmdStopRecording
	_ = c.tp.SendText(transport.ControlMessage{Type: transport.TypeListen, State: transport.ListenStop})
	c.state = StateIdle
	c.thinkingActive = true
	c.thinkingStart = time.Now()
	if c.musicWasPlaying {
		_ = c.tp.SendText(transport.ControlMessage{
			Type:   transport.TypeMusicCtrl,
			Action: transport.MusicResume,
		})
		c.musicWasPlaying = false
	}
}

// tick advances all time-based transitions: recording hard cap, thinking
// idle cap, speaking/music silence timeout, and drain-wait.
func (c *Controller) tick() {
	now := time.Now()

	if c.state == StateRecording && now.Sub(c.recordingStart) > recordingHardCap {
		c.stopRecording()
		return
	}

	if c.thinkingActive && now.Sub(c.thinkingStart) > thinkingIdleCap {
		c.thinkingActive = false
	}

	if c.state == StateSpeaking || c.state == StateMusic {
		elapsed := now.Sub(c.lastAudioAt)
		if !c.speakingWarned1 && elapsed > speakingWarn1 {
			c.log.Warn("no downlink audio", "elapsed", elapsed)
			c.speakingWarned1 = true
		}
		if !c.speakingWarned2 && elapsed > speakingWarn2 {
			c.log.Warn("no downlink audio, approaching timeout", "elapsed", elapsed)
			c.speakingWarned2 = true
		}
		if elapsed > speakingSilenceCap {
			c.log.Warn("speaking timeout, aborting")
			_ = c.tp.SendText(transport.ControlMessage{Type: transport.TypeAbort, Reason: transport.ReasonSpeakingTimout})
			c.work.Commands() <- pipeline.CmdStopPlayback
			c.state = StateIdle
			c.draining = false
			return
		}
	}

	if c.draining {
		if c.work.PlaybackDepth() == 0 {
			if c.drainEmptySince.IsZero() {
				c.drainEmptySince = now
			} else if now.Sub(c.drainEmptySince) >= drainQuietWindow {
				c.work.Commands() <- pipeline.CmdStopPlayback
				c.state = StateIdle
				c.draining = false
			}
		} else {
			c.drainEmptySince = time.Time{}
		}
	}
}
