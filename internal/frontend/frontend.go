// Package frontend implements the front-end processor contract of §4.2: a
// self-scheduled worker that consumes interleaved multi-channel PCM chunks
// (two mic channels, optionally plus the playback reference) and produces
// single-channel processed chunks plus per-chunk metadata (wake state, VAD
// state, volume).
//
// The processing chain per chunk is: acoustic echo cancellation against the
// reference channel (internal/aec), spectral noise suppression (this
// package, gonum-based), a hard noise gate (internal/noisegate), automatic
// gain control (internal/agc), voice-activity classification (internal/vad),
// and wake-word detection (this package). Each stage has its own boolean in
// Config, mirroring §4.2's configuration contract, except the noise gate,
// which follows NoiseSuppression. AEC and wake detection can also be toggled
// at runtime; the other flags are fixed when New applies the Config.
package frontend

import (
	"sync"
	"sync/atomic"

	"hitony/internal/aec"
	"hitony/internal/agc"
	"hitony/internal/noisegate"
	"hitony/internal/vad"
)

// VadState is the per-chunk voice-activity classification.
type VadState int

const (
	VadSilence VadState = iota
	VadSpeech
)

// WakeState reports whether the wake phrase fired on this chunk.
type WakeState int

const (
	WakeNone WakeState = iota
	WakeDetected
)

// VAD sensitivity levels, 0 = lenient/quality .. 3 = aggressive.
const (
	SensitivityLenient = iota
	SensitivityBalancedLow
	SensitivityBalancedHigh
	SensitivityAggressive
)

// Config is the front-end's enumerated configuration contract (§4.2).
type Config struct {
	SampleRate    int  // Hz; 16000 per §6
	ChunkSamples  int  // samples per channel per chunk
	WithReference bool // channel layout: (mic0,mic1) or (mic0,mic1,ref)

	EchoCancel       bool
	NoiseSuppression bool
	AGC              bool
	VAD              bool
	WakeDetection    bool

	VADSensitivity int // 0..3

	AGCTargetLevel int // 0..100, mapped onto agc.AGC's RMS target
	AGCGain        int // 0..100; carried in the config but not applied: agc.AGC's gain ceiling stays agc.MaxGain

	WakeModelID string
}

// DefaultConfig returns the documented default front-end configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		ChunkSamples:     160, // 10 ms @ 16 kHz
		WithReference:    true,
		EchoCancel:       true,
		NoiseSuppression: true,
		AGC:              true,
		VAD:              true,
		WakeDetection:    true,
		VADSensitivity:   SensitivityBalancedLow,
		AGCTargetLevel:   50,
		AGCGain:          60,
		WakeModelID:      "hitony-default",
	}
}

// Meta is the per-chunk metadata record produced alongside each output block.
type Meta struct {
	Vad       VadState
	Wake      WakeState
	WakeIndex int
	Volume    float32
}

// Output is one processed chunk plus its metadata.
type Output struct {
	PCM  []int16
	Meta Meta
}

// Processor runs the front-end's internal worker on its own goroutine,
// consuming via Feed and producing via Fetch, both of which are
// non-blocking from the caller's perspective as required by §4.2.
type Processor struct {
	cfg atomic.Pointer[Config]

	aecProc *aec.AEC
	gate    *noisegate.Gate
	agcProc *agc.AGC
	vadProc *vad.VAD
	noise   *spectralSuppressor
	wake    Detector

	in   chan feedItem
	out  chan Output
	done chan struct{}
	wg   sync.WaitGroup

	fedDropped   atomic.Uint64
	fetchDropped atomic.Uint64
}

// feedItem carries an input block alongside an optional release callback,
// invoked once the worker is done reading the block's contents. Feed does
// not copy its input, so a pool-backed block handed to FeedReleasable can
// only be released from inside the worker, after process() has consumed it
// — never synchronously by the caller.
type feedItem struct {
	data    []int16
	release func()
}

// New creates a Processor from cfg and starts its internal worker.
func New(cfg Config) *Processor {
	p := &Processor{
		aecProc: aec.NewWithParams(cfg.ChunkSamples, aecDelayFor(cfg), aecTapsFor(cfg)),
		gate:    noisegate.New(),
		agcProc: agc.New(),
		vadProc: vad.New(),
		noise:   newSpectralSuppressor(cfg.ChunkSamples),
		wake:    newEnergyWakeDetector(cfg.SampleRate, cfg.ChunkSamples),
		in:      make(chan feedItem, 8),
		out:     make(chan Output, 16),
		done:    make(chan struct{}),
	}
	p.cfg.Store(&cfg)
	p.applyConfig(cfg)

	p.wg.Add(1)
	go p.run()
	return p
}

// aecDelayFor/aecTapsFor scale the NLMS filter's bulk-delay and tap-count
// parameters to the configured chunk rate, preserving the ~40 ms delay
// window and ~10 ms tap window the teacher tuned at 48 kHz/20 ms.
func aecDelayFor(cfg Config) int {
	return cfg.SampleRate * 40 / 1000
}

func aecTapsFor(cfg Config) int {
	return cfg.SampleRate * 10 / 1000
}

func (p *Processor) applyConfig(cfg Config) {
	p.aecProc.SetEnabled(cfg.EchoCancel)
	p.gate.SetEnabled(cfg.NoiseSuppression)
	p.agcProc.SetTarget(cfg.AGCTargetLevel)
	p.vadProc.SetEnabled(cfg.VAD)
	p.vadProc.SetThreshold(sensitivityToVadLevel(cfg.VADSensitivity))
}

// sensitivityToVadLevel maps the spec's 0(lenient)..3(aggressive) enum onto
// the vad package's 0..100 threshold scale used by SetThreshold.
func sensitivityToVadLevel(level int) int {
	switch {
	case level <= SensitivityLenient:
		return 15
	case level == SensitivityBalancedLow:
		return 35
	case level == SensitivityBalancedHigh:
		return 55
	default:
		return 80
	}
}

// ChunkSamples reports the configured per-channel chunk length.
func (p *Processor) ChunkSamples() int { return p.cfg.Load().ChunkSamples }

// Channels reports the effective input channel count (2 or 3).
func (p *Processor) Channels() int {
	if p.cfg.Load().WithReference {
		return 3
	}
	return 2
}

// SetEchoCancelEnabled toggles AEC at runtime (§4.2 lifecycle contract).
func (p *Processor) SetEchoCancelEnabled(enabled bool) {
	p.aecProc.SetEnabled(enabled)
	cfg := *p.cfg.Load()
	cfg.EchoCancel = enabled
	p.cfg.Store(&cfg)
}

// SetWakeEnabled toggles wake-word detection at runtime.
func (p *Processor) SetWakeEnabled(enabled bool) {
	cfg := *p.cfg.Load()
	cfg.WakeDetection = enabled
	p.cfg.Store(&cfg)
}

// Feed hands off one interleaved input block. Non-blocking: returns false
// (and counts a drop) if the internal queue has not been drained in time.
// The block is retained and read asynchronously by the worker; callers that
// need it back must use FeedReleasable instead of reusing or releasing it
// after Feed returns.
func (p *Processor) Feed(block []int16) bool {
	return p.feed(block, nil)
}

// FeedReleasable is Feed for a pool-backed block: release is invoked exactly
// once, either by the worker after it finishes reading block (success path)
// or synchronously here if the queue is full (drop path) — never both.
func (p *Processor) FeedReleasable(block []int16, release func()) bool {
	return p.feed(block, release)
}

func (p *Processor) feed(block []int16, release func()) bool {
	select {
	case p.in <- feedItem{data: block, release: release}:
		return true
	default:
		if release != nil {
			release()
		}
		p.fedDropped.Add(1)
		return false
	}
}

// Fetch returns zero-or-one output blocks without blocking.
func (p *Processor) Fetch() (Output, bool) {
	select {
	case o := <-p.out:
		return o, true
	default:
		return Output{}, false
	}
}

// Close stops the internal worker and releases any blocks still queued and
// unread at shutdown.
func (p *Processor) Close() {
	close(p.done)
	p.wg.Wait()
	for {
		select {
		case item := <-p.in:
			if item.release != nil {
				item.release()
			}
		default:
			return
		}
	}
}

// FeedDropped/FetchDropped expose queue-overflow counters for diagnostics.
func (p *Processor) FeedDropped() uint64  { return p.fedDropped.Load() }
func (p *Processor) FetchDropped() uint64 { return p.fetchDropped.Load() }

func (p *Processor) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case item := <-p.in:
			out := p.process(item.data)
			if item.release != nil {
				item.release()
			}
			select {
			case p.out <- out:
			default:
				p.fetchDropped.Add(1)
				// Drop the oldest queued output to make room rather than
				// stall the worker, which would back up Feed in turn.
				select {
				case <-p.out:
					p.out <- out
				default:
				}
			}
		}
	}
}

func (p *Processor) process(block []int16) Output {
	cfg := *p.cfg.Load()
	chunk := cfg.ChunkSamples

	mic0 := make([]float32, chunk)
	mic1 := make([]float32, chunk)
	ref := make([]float32, chunk)

	channels := 2
	if cfg.WithReference {
		channels = 3
	}
	for i := 0; i < chunk; i++ {
		base := i * channels
		if base+1 < len(block) {
			mic0[i] = int16ToFloat(block[base])
			mic1[i] = int16ToFloat(block[base+1])
		}
		if channels == 3 && base+2 < len(block) {
			ref[i] = int16ToFloat(block[base+2])
		}
	}
	_ = mic1 // reserved for future multi-mic beamforming; mic0 is the primary voice channel.

	if cfg.EchoCancel {
		p.aecProc.FeedFarEnd(ref)
		p.aecProc.Process(mic0)
	}
	if cfg.NoiseSuppression {
		p.noise.Process(mic0)
	}
	rms := p.gate.Process(mic0)
	if cfg.AGC {
		mic0 = p.agcProc.Process(mic0)
	}

	vadState := VadSilence
	if p.vadProc.ShouldSend(rms) {
		vadState = VadSpeech
	}

	wakeState := WakeNone
	wakeIdx := 0
	if cfg.WakeDetection {
		if triggered, idx := p.wake.Detect(mic0, rms); triggered {
			wakeState = WakeDetected
			wakeIdx = idx
		}
	}

	pcm := make([]int16, chunk)
	for i, s := range mic0 {
		pcm[i] = floatToInt16(s)
	}

	return Output{
		PCM: pcm,
		Meta: Meta{
			Vad:       vadState,
			Wake:      wakeState,
			WakeIndex: wakeIdx,
			Volume:    rms,
		},
	}
}

func int16ToFloat(s int16) float32 { return float32(s) / 32768.0 }

func floatToInt16(f float32) int16 {
	if f > 1.0 {
		f = 1.0
	} else if f < -1.0 {
		f = -1.0
	}
	return int16(f * 32767)
}
