// Package pipeline implements the Capture & Pipeline Worker (A) of §4.1: it
// turns microphone PCM into encoded uplink packets during Recording, and
// decoded downlink packets into speaker output during Speaking/Music, while
// always keeping the wake detector fed.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"hitony/internal/codec"
	"hitony/internal/frontend"
	"hitony/internal/pool"
	"hitony/internal/ring"
)

// SubMode is A's internal sub-mode, independent of B's session state.
type SubMode int

const (
	Idle SubMode = iota
	Recording
	Thinking
	Playing
)

func (m SubMode) String() string {
	switch m {
	case Recording:
		return "recording"
	case Thinking:
		return "thinking"
	case Playing:
		return "playing"
	default:
		return "idle"
	}
}

// Command is posted by B on the A-command queue.
type Command int

const (
	CmdStartRecording Command = iota
	CmdStopRecording
	CmdStartPlayback
	CmdStopPlayback
)

// EventKind is one bit of the A→B event set.
type EventKind int

const (
	EventWake EventKind = iota
	EventVadEnd
	EventEncodeReady
)

// Event is posted by A on its event queue to B.
type Event struct {
	Kind  EventKind
	Touch bool // true if this wake event bypassed acoustic gating (touch-sourced)
}

const (
	recordingHardCapA  = 10 * time.Second // §4.1 step 5: A's own recording cap
	thinkingTimeout    = 15 * time.Second // §4.1 step 6
	vadSilenceWindow   = 800 * time.Millisecond
	shortUtteranceCap  = 500 * time.Millisecond
	aecConvergeWindow  = 300 * time.Millisecond
	zeroBlockFailLimit = 100
	playbackWaitStep   = 10 * time.Millisecond
	statsInterval      = 10 * time.Second
)

// Config configures a Worker's fixed behaviour.
type Config struct {
	Frontend frontend.Config
}

// Worker is the Capture & Pipeline Worker (A).
type Worker struct {
	cfg Config

	capture  CaptureDevice
	playback PlaybackDevice
	front    *frontend.Processor
	enc      codec.Encoder
	dec      codec.Decoder
	pool     *pool.Pool

	mic0, mic1, ref *ring.Buffer

	cmds   chan Command
	events chan Event
	uplink chan *pool.Block
	playQ  chan *pool.Block

	log *log.Logger

	subMode          SubMode
	codecAccum       []int16
	recordingStart   time.Time
	thinkingDeadline time.Time
	vadSilenceStart  time.Time
	vadCooldownUntil time.Time
	aecConvergeUntil time.Time
	vadEndPosted     bool

	consecutiveZero uint64
	underrunCount   uint64
	droppedUplink   uint64
	droppedEvents   uint64
	shortCancels    uint64

	lastStats time.Time
}

// NewWorker wires a Worker from its collaborators. ringCapacity sizes each
// PCM ring in samples. p backs every hot-path scratch and packet buffer;
// callers share a single Pool across A, B, and the transport layer.
func NewWorker(cfg Config, capture CaptureDevice, playback PlaybackDevice, enc codec.Encoder, dec codec.Decoder, ringCapacity int, p *pool.Pool, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		cfg:      cfg,
		capture:  capture,
		playback: playback,
		front:    frontend.New(cfg.Frontend),
		enc:      enc,
		dec:      dec,
		pool:     p,
		mic0:     ring.New(ringCapacity),
		mic1:     ring.New(ringCapacity),
		ref:      ring.New(ringCapacity),
		cmds:     make(chan Command, 4),
		events:   make(chan Event, 32),
		uplink:   make(chan *pool.Block, 64),
		playQ:    make(chan *pool.Block, 64),
		log:      logger.With("component", "pipeline"),
		lastStats: time.Now(),
	}
}

// Commands returns the send side of A's command queue (B writes here).
func (w *Worker) Commands() chan<- Command { return w.cmds }

// Events returns the receive side of A's event queue (B reads here).
func (w *Worker) Events() <-chan Event { return w.events }

// Uplink returns the receive side of A's encoded-packet queue (B reads
// here). Each Block must be released by the receiver once sent.
func (w *Worker) Uplink() <-chan *pool.Block { return w.uplink }

// PlaybackQueue returns the send side of the decoded-packet queue (B writes
// pool-backed opus payloads here during Speaking/Music). Ownership of each
// Block passes to the Worker; it is released after decode or on flush.
func (w *Worker) PlaybackQueue() chan<- *pool.Block { return w.playQ }

// PlaybackDepth reports the current queue depth, used by B's drain-wait.
func (w *Worker) PlaybackDepth() int { return len(w.playQ) }

// FlushPlaybackQueue drains and releases any queued-but-undelivered packets,
// used when B interrupts Speaking/Music on wake.
func (w *Worker) FlushPlaybackQueue() {
	for {
		select {
		case blk := <-w.playQ:
			blk.Release()
		default:
			return
		}
	}
}

// NotifyTouchWake posts a touch-sourced wake event. Exempt from the acoustic
// gating in handleFrontendOutput since it is delivered out of band.
func (w *Worker) NotifyTouchWake() {
	w.postEvent(Event{Kind: EventWake, Touch: true})
}

func (w *Worker) postEvent(e Event) {
	select {
	case w.events <- e:
	default:
		w.droppedEvents++
	}
}

// Run drives the main loop until ctx is cancelled. One pass per iteration,
// per §4.1.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.capture.Start(); err != nil {
		return fmt.Errorf("pipeline: start capture: %w", err)
	}
	if err := w.playback.Start(); err != nil {
		return fmt.Errorf("pipeline: start playback: %w", err)
	}
	defer w.capture.Stop()
	defer w.playback.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		w.playbackDispatch()
		w.captureRead()
		w.pollCommand()
		w.frontendFeed()
		w.frontendFetch()
		w.checkThinkingTimeout()
		w.periodicStats()
	}
}

// 1. Playback dispatch.
func (w *Worker) playbackDispatch() {
	if w.subMode != Playing {
		return
	}
	select {
	case blk := <-w.playQ:
		pcmBlk, pcm := w.pool.AcquireInt16(codec.DownlinkFrameSamples)
		if pcmBlk == nil {
			blk.Release()
			w.log.Debug("pool exhausted, dropping downlink packet")
			return
		}
		n, err := w.dec.Decode(blk.Data, pcm)
		blk.Release()
		if err != nil {
			pcmBlk.Release()
			w.log.Debug("decode failed, dropping packet", "err", err)
			return
		}
		pcm = pcm[:n]
		copy(w.playback.Buffer(), pcm)
		if err := w.playback.Write(); err != nil {
			w.log.Warn("speaker write failed", "err", err)
		}
		w.ref.Write(pcm)
		pcmBlk.Release()
	case <-time.After(playbackWaitStep):
		w.underrunCount++
	}
}

// 2. Capture read.
func (w *Worker) captureRead() {
	if err := w.capture.Read(); err != nil {
		w.log.Debug("capture read failed", "err", err)
		return
	}
	buf := w.capture.Buffer() // interleaved stereo
	n := len(buf) / 2

	m0Blk, m0 := w.pool.AcquireInt16(n)
	m1Blk, m1 := w.pool.AcquireInt16(n)
	if m0Blk == nil || m1Blk == nil {
		m0Blk.Release()
		m1Blk.Release()
		w.log.Debug("pool exhausted, dropping capture block")
		return
	}
	defer m0Blk.Release()
	defer m1Blk.Release()

	for i := 0; i < n; i++ {
		m0[i] = buf[2*i]
		m1[i] = buf[2*i+1]
	}
	w.mic0.Write(m0)
	w.mic1.Write(m1)
}

// 3. Command poll (non-blocking).
func (w *Worker) pollCommand() {
	select {
	case cmd := <-w.cmds:
		w.applyCommand(cmd)
	default:
	}
}

func (w *Worker) applyCommand(cmd Command) {
	switch cmd {
	case CmdStartRecording:
		w.mic0.Reset()
		w.mic1.Reset()
		w.ref.Reset()
		w.recordingStart = time.Now()
		w.front.SetEchoCancelEnabled(false)
		w.codecAccum = w.codecAccum[:0]
		w.subMode = Recording
		w.vadSilenceStart = time.Time{}
		w.vadEndPosted = false

	case CmdStopRecording:
		w.enterThinking()
		w.codecAccum = w.codecAccum[:0]

	case CmdStartPlayback:
		w.subMode = Playing
		w.underrunCount = 0
		w.consecutiveZero = 0
		if w.cfg.Frontend.EchoCancel {
			w.front.SetEchoCancelEnabled(true)
			w.aecConvergeUntil = time.Now().Add(aecConvergeWindow)
		}

	case CmdStopPlayback:
		w.subMode = Idle
		w.ref.Reset()
		w.mic1.Reset()
		w.front.SetEchoCancelEnabled(false)
		w.vadCooldownUntil = time.Now().Add(400 * time.Millisecond)
	}
}

func (w *Worker) enterThinking() {
	w.subMode = Thinking
	w.thinkingDeadline = time.Now().Add(thinkingTimeout)
	if !w.vadEndPosted {
		w.postEvent(Event{Kind: EventVadEnd})
		w.vadEndPosted = true
	}
}

// 4. Front-end feed.
func (w *Worker) frontendFeed() {
	chunk := w.front.ChunkSamples()
	if w.mic0.Available() < chunk || w.mic1.Available() < chunk {
		return
	}

	m0Blk, m0 := w.pool.AcquireInt16(chunk)
	m1Blk, m1 := w.pool.AcquireInt16(chunk)
	if m0Blk == nil || m1Blk == nil {
		m0Blk.Release()
		m1Blk.Release()
		w.log.Debug("pool exhausted, dropping front-end chunk")
		return
	}
	defer m0Blk.Release()
	defer m1Blk.Release()
	w.mic0.Read(m0)
	w.mic1.Read(m1)

	channels := w.front.Channels()
	var refChunk []int16
	if channels == 3 {
		var refBlk *pool.Block
		refBlk, refChunk = w.pool.AcquireInt16(chunk)
		if refBlk == nil {
			w.log.Debug("pool exhausted, dropping front-end chunk")
			return
		}
		defer refBlk.Release()
		for i := range refChunk { // zero-fill: Read may under-supply when the ref ring is starved
			refChunk[i] = 0
		}
		w.ref.Read(refChunk)
	}

	blockBlk, block := w.pool.AcquireInt16(chunk * channels)
	if blockBlk == nil {
		w.log.Debug("pool exhausted, dropping front-end chunk")
		return
	}
	for i := 0; i < chunk; i++ {
		block[i*channels] = m0[i]
		block[i*channels+1] = m1[i]
		if channels == 3 {
			block[i*channels+2] = refChunk[i]
		}
	}
	w.front.FeedReleasable(block, blockBlk.Release)
}

// 5. Front-end fetch: drain up to 10 blocks per pass.
func (w *Worker) frontendFetch() {
	for i := 0; i < 10; i++ {
		out, ok := w.front.Fetch()
		if !ok {
			return
		}
		w.handleFrontendOutput(out)
	}
}

func (w *Worker) handleFrontendOutput(out frontend.Output) {
	if w.subMode == Playing {
		if allZero(out.PCM) {
			w.consecutiveZero++
			if w.consecutiveZero >= zeroBlockFailLimit {
				w.front.SetEchoCancelEnabled(false)
				w.log.Warn("echo canceller diverged, disabling as fallback")
				w.consecutiveZero = 0
			}
		} else {
			w.consecutiveZero = 0
		}
	}

	if w.subMode == Recording {
		if time.Since(w.recordingStart) > recordingHardCapA {
			w.enterThinking()
			return
		}

		if out.Meta.Vad == frontend.VadSilence {
			if w.vadSilenceStart.IsZero() {
				w.vadSilenceStart = time.Now()
			} else if time.Since(w.vadSilenceStart) >= vadSilenceWindow {
				if time.Since(w.recordingStart) < shortUtteranceCap {
					w.subMode = Idle
					w.shortCancels++
				} else {
					w.enterThinking()
				}
				return
			}
		} else {
			w.vadSilenceStart = time.Time{}
		}

		w.accumulateCodecFrame(out.PCM)
	}

	w.evaluateWake(out)
}

func (w *Worker) accumulateCodecFrame(pcm []int16) {
	w.codecAccum = append(w.codecAccum, pcm...)
	for len(w.codecAccum) >= codec.UplinkFrameSamples {
		frameBlk, frame := w.pool.AcquireInt16(codec.UplinkFrameSamples)
		if frameBlk == nil {
			w.codecAccum = w.codecAccum[codec.UplinkFrameSamples:]
			w.log.Debug("pool exhausted, dropping uplink frame")
			continue
		}
		copy(frame, w.codecAccum[:codec.UplinkFrameSamples])
		w.codecAccum = w.codecAccum[codec.UplinkFrameSamples:]

		applyPreamp(frame)

		packetBlk := w.pool.Acquire(codec.MaxPacketBytes)
		if packetBlk == nil {
			frameBlk.Release()
			w.log.Debug("pool exhausted, dropping encoded packet")
			continue
		}
		n, err := w.enc.Encode(frame, packetBlk.Data)
		frameBlk.Release()
		if err != nil {
			packetBlk.Release()
			w.log.Debug("encode failed, dropping frame", "err", err)
			continue
		}
		packetBlk.Data = packetBlk.Data[:n]
		select {
		case w.uplink <- packetBlk:
			w.postEvent(Event{Kind: EventEncodeReady})
		default:
			packetBlk.Release()
			w.droppedUplink++
			w.log.Debug("uplink queue full, dropping packet")
		}
	}
}

// applyPreamp applies the fixed 3x software gain with saturation (§6).
func applyPreamp(frame []int16) {
	const gain = 3
	for i, s := range frame {
		v := int32(s) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		frame[i] = int16(v)
	}
}

func (w *Worker) evaluateWake(out frontend.Output) {
	if out.Meta.Wake != frontend.WakeDetected {
		return
	}
	now := time.Now()
	if w.subMode == Playing {
		return // acoustically muted during Playing (covers both Speaking and Music)
	}
	if now.Before(w.aecConvergeUntil) {
		return
	}
	if now.Before(w.vadCooldownUntil) {
		return
	}
	w.postEvent(Event{Kind: EventWake})
}

// 6. Thinking timeout.
func (w *Worker) checkThinkingTimeout() {
	if w.subMode == Thinking && time.Now().After(w.thinkingDeadline) {
		w.subMode = Idle
	}
}

// 7. Periodic stats.
func (w *Worker) periodicStats() {
	if time.Since(w.lastStats) < statsInterval {
		return
	}
	w.lastStats = time.Now()
	w.log.Info("pipeline stats",
		"mode", w.subMode.String(),
		"mic0_depth", w.mic0.Available(),
		"mic1_depth", w.mic1.Available(),
		"ref_depth", w.ref.Available(),
		"underruns", w.underrunCount,
		"dropped_uplink", w.droppedUplink,
		"dropped_events", w.droppedEvents,
		"short_cancels", w.shortCancels,
	)
}

func allZero(pcm []int16) bool {
	for _, s := range pcm {
		if s != 0 {
			return false
		}
	}
	return true
}
