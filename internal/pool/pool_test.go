package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAcquireReleaseBalance(t *testing.T) {
	p := New()
	b := p.Acquire(100)
	require.NotNil(t, b)
	require.Len(t, b.Data, 100)

	stats := p.Stats(100)
	require.EqualValues(t, 1, stats.Acquires)
	require.EqualValues(t, 0, stats.Releases)

	p.Release(b)
	stats = p.Stats(100)
	require.EqualValues(t, 1, stats.Releases)
	require.Zero(t, stats.Leak())
}

func TestAcquirePicksSmallestFittingClass(t *testing.T) {
	p := New()
	b := p.Acquire(1)
	require.NotNil(t, b)
	require.Len(t, b.Data, 1)
	require.Equal(t, ClassSizes()[0], cap(b.Data))
	p.Release(b)
}

func TestAcquireExhaustedClassReturnsNil(t *testing.T) {
	p := New()
	var blocks []*Block
	for i := 0; i < 64; i++ { // matches classCaps[0]
		b := p.Acquire(64)
		require.NotNil(t, b)
		blocks = append(blocks, b)
	}
	require.Nil(t, p.Acquire(64))
	for _, b := range blocks {
		p.Release(b)
	}
}

func TestAcquireOversizeReturnsNil(t *testing.T) {
	p := New()
	require.Nil(t, p.Acquire(100000))
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New()
	b := p.Acquire(64)
	p.Release(b)
	p.Release(b) // double release must not double-count

	stats := p.Stats(64)
	require.EqualValues(t, 1, stats.Releases)
}

func TestReleaseNilIsNoop(t *testing.T) {
	p := New()
	p.Release(nil)
}

func TestReleaseBySize(t *testing.T) {
	p := New()
	b := p.Acquire(128)
	p.ReleaseBySize(b.Data)
	require.EqualValues(t, 1, p.Stats(128).Releases)
}

func TestPeakTracksHighWaterMark(t *testing.T) {
	p := New()
	a := p.Acquire(64)
	b := p.Acquire(64)
	p.Release(a)
	c := p.Acquire(64)
	require.Equal(t, 2, p.Stats(64).Peak)
	p.Release(b)
	p.Release(c)
}

func TestBlockReleaseReturnsToOwningPool(t *testing.T) {
	p := New()
	b := p.Acquire(64)
	require.NotNil(t, b)
	b.Release()
	require.EqualValues(t, 1, p.Stats(64).Releases)
	b.Release() // idempotent, same as Pool.Release
	require.EqualValues(t, 1, p.Stats(64).Releases)
}

func TestBlockReleaseNilIsNoop(t *testing.T) {
	var b *Block
	b.Release()
}

func TestAcquireInt16ViewsSameBytes(t *testing.T) {
	p := New()
	b, samples := p.AcquireInt16(32)
	require.NotNil(t, b)
	require.Len(t, samples, 32)
	require.Len(t, b.Data, 64)

	samples[0] = 0x1234
	require.EqualValues(t, 0x34, b.Data[0])
	require.EqualValues(t, 0x12, b.Data[1])
	b.Release()
}

func TestAcquireInt16ZeroOrOversizeReturnsNil(t *testing.T) {
	p := New()
	b, samples := p.AcquireInt16(0)
	require.Nil(t, b)
	require.Nil(t, samples)

	b, samples = p.AcquireInt16(1 << 20)
	require.Nil(t, b)
	require.Nil(t, samples)
}

// TestPoolBalanceProperty exercises the pool-balance invariant: across any
// sequence of acquire/release operations, acquires and releases the test
// itself performs stay matched (no implicit drop or double-free effect).
func TestPoolBalanceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := New()
		var held []*Block
		steps := rapid.IntRange(1, 200).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if len(held) == 0 || rapid.Bool().Draw(rt, "acquire") {
				size := rapid.SampledFrom(ClassSizes()).Draw(rt, "size")
				if b := p.Acquire(size); b != nil {
					held = append(held, b)
				}
			} else {
				idx := rapid.IntRange(0, len(held)-1).Draw(rt, "idx")
				p.Release(held[idx])
				held = append(held[:idx], held[idx+1:]...)
			}
		}
		for _, b := range held {
			p.Release(b)
		}
		for _, s := range p.AllStats() {
			require.Zero(t, s.Leak())
		}
	})
}
