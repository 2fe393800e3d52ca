package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(8)
	n := b.Write([]int16{1, 2, 3})
	require.Equal(t, 3, n)
	require.Equal(t, 3, b.Available())

	out := make([]int16, 3)
	n = b.Read(out)
	require.Equal(t, 3, n)
	require.Equal(t, []int16{1, 2, 3}, out)
	require.Equal(t, 0, b.Available())
}

func TestWriteNeverBlocksOnFull(t *testing.T) {
	b := New(4)
	n := b.Write([]int16{1, 2, 3, 4, 5, 6})
	require.Equal(t, 4, n)
	require.EqualValues(t, 2, b.Dropped())
}

func TestReadNeverBlocksOnEmpty(t *testing.T) {
	b := New(4)
	out := make([]int16, 4)
	n := b.Read(out)
	require.Equal(t, 0, n)
}

func TestWrapAround(t *testing.T) {
	b := New(4)
	b.Write([]int16{1, 2, 3})
	out := make([]int16, 2)
	b.Read(out)
	n := b.Write([]int16{4, 5, 6})
	require.Equal(t, 3, n)

	rest := make([]int16, 4)
	n = b.Read(rest)
	require.Equal(t, 4, n)
	require.Equal(t, []int16{3, 4, 5, 6}, rest)
}

func TestReset(t *testing.T) {
	b := New(4)
	b.Write([]int16{1, 2})
	b.Reset()
	require.Equal(t, 0, b.Available())
	n := b.Write([]int16{9, 9, 9})
	require.Equal(t, 3, n)
}

func TestCapacityExcludesReservedSlot(t *testing.T) {
	b := New(10)
	require.Equal(t, 10, b.Capacity())
}

// TestFIFOOrderingProperty exercises the ordering guarantee of §8: samples
// read out are always a prefix of samples written, in order, regardless of
// how writes and reads are interleaved in chunk sizes.
func TestFIFOOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(4, 256).Draw(rt, "capacity")
		b := New(capacity)

		var written, read []int16
		var next int16
		steps := rapid.IntRange(1, 50).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, "isWrite") {
				n := rapid.IntRange(1, capacity).Draw(rt, "writeLen")
				chunk := make([]int16, n)
				for j := range chunk {
					chunk[j] = next
					next++
				}
				got := b.Write(chunk)
				written = append(written, chunk[:got]...)
			} else {
				n := rapid.IntRange(1, capacity).Draw(rt, "readLen")
				out := make([]int16, n)
				got := b.Read(out)
				read = append(read, out[:got]...)
			}
		}
		// Drain whatever remains.
		for {
			out := make([]int16, capacity)
			got := b.Read(out)
			if got == 0 {
				break
			}
			read = append(read, out[:got]...)
		}

		require.LessOrEqual(t, len(read), len(written))
		require.Equal(t, written[:len(read)], read)
	})
}
