package frontend

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkSamples = 160
	cfg.SampleRate = 16000
	return cfg
}

func silentBlock(p *Processor) []int16 {
	return make([]int16, p.ChunkSamples()*p.Channels())
}

func tonalBlock(p *Processor, amplitude float32) []int16 {
	n := p.ChunkSamples()
	channels := p.Channels()
	block := make([]int16, n*channels)
	for i := 0; i < n; i++ {
		v := amplitude * float32(math.Sin(2*math.Pi*440*float64(i)/16000))
		block[i*channels] = floatToInt16(v)
		block[i*channels+1] = floatToInt16(v * 0.9)
	}
	return block
}

func fetchOutput(t *testing.T, p *Processor) Output {
	t.Helper()
	for i := 0; i < 100; i++ {
		if out, ok := p.Fetch(); ok {
			return out
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no output produced in time")
	return Output{}
}

func TestFeedFetchRoundTrip(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	require.True(t, p.Feed(silentBlock(p)))
	out := fetchOutput(t, p)
	require.Len(t, out.PCM, p.ChunkSamples())
}

func TestFeedNeverBlocks(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	block := silentBlock(p)
	start := time.Now()
	for i := 0; i < 1000; i++ {
		p.Feed(block)
	}
	require.Less(t, time.Since(start), time.Second, "Feed must never block the caller")
}

func TestFeedReleasableReleasesAfterProcessing(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	var released atomic.Bool
	ok := p.FeedReleasable(silentBlock(p), func() { released.Store(true) })
	require.True(t, ok)
	fetchOutput(t, p)

	require.Eventually(t, released.Load, time.Second, time.Millisecond)
}

func TestFeedReleasableReleasesImmediatelyOnDrop(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	block := silentBlock(p)
	var releases atomic.Int64
	for i := 0; i < 1000; i++ {
		p.FeedReleasable(block, func() { releases.Add(1) })
	}
	// Every call that did not enqueue must have released synchronously; the
	// ones that did enqueue release once drained by the worker.
	require.Eventually(t, func() bool { return releases.Load() == 1000 }, time.Second, time.Millisecond)
}

func TestCloseReleasesQueuedBlocks(t *testing.T) {
	p := New(testConfig())
	var released atomic.Int64
	p.FeedReleasable(silentBlock(p), func() { released.Add(1) })
	p.Close()
	require.Eventually(t, func() bool { return released.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestSilenceClassifiesAsVadSilence(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.Feed(silentBlock(p))
		out := fetchOutput(t, p)
		require.Equal(t, VadSilence, out.Meta.Vad)
	}
}

func TestLoudToneClassifiesAsVadSpeech(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	var sawSpeech bool
	for i := 0; i < 10; i++ {
		p.Feed(tonalBlock(p, 0.8))
		out := fetchOutput(t, p)
		if out.Meta.Vad == VadSpeech {
			sawSpeech = true
		}
	}
	require.True(t, sawSpeech, "expected at least one speech-classified chunk from a loud tone")
}

func TestSetEchoCancelEnabledTogglesRuntime(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	p.SetEchoCancelEnabled(false)
	require.False(t, p.cfg.Load().EchoCancel)
	p.SetEchoCancelEnabled(true)
	require.True(t, p.cfg.Load().EchoCancel)
}

func TestChannelsReflectsReferenceConfig(t *testing.T) {
	cfg := testConfig()
	cfg.WithReference = false
	p := New(cfg)
	defer p.Close()
	require.Equal(t, 2, p.Channels())
}
