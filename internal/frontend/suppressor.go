package frontend

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// spectralSuppressor is a magnitude-domain spectral-subtraction noise
// suppressor built on gonum's real FFT. It replaces the teacher's cgo
// RNNoise canceller, which is hardcoded to 48 kHz/480-sample native frames
// and therefore cannot serve this front-end's configurable, 16 kHz-default
// chunk size (see DESIGN.md).
//
// The noise magnitude estimate is a slow-decaying per-bin minimum tracker:
// it is biased toward quiet chunks, so it converges on the noise floor
// without a separate VAD-gated training phase.
type spectralSuppressor struct {
	fft  *fourier.FFT
	n    int
	buf  []float64
	freq []complex128
	mag  []float64

	noiseMag []float64
	warm     bool

	overSubtraction float64
	floorRatio      float64
}

func newSpectralSuppressor(chunkSamples int) *spectralSuppressor {
	if chunkSamples < 2 {
		chunkSamples = 2
	}
	return &spectralSuppressor{
		fft:             fourier.NewFFT(chunkSamples),
		n:               chunkSamples,
		buf:             make([]float64, chunkSamples),
		mag:             make([]float64, chunkSamples/2+1),
		noiseMag:        make([]float64, chunkSamples/2+1),
		overSubtraction: 1.5,
		floorRatio:      0.05,
	}
}

// Process applies spectral subtraction to frame in place.
func (s *spectralSuppressor) Process(frame []float32) {
	if len(frame) != s.n {
		return
	}
	for i, v := range frame {
		s.buf[i] = float64(v)
	}

	s.freq = s.fft.Coefficients(s.freq, s.buf)

	for i, c := range s.freq {
		s.mag[i] = cmplx.Abs(c)
	}

	if !s.warm {
		copy(s.noiseMag, s.mag)
		s.warm = true
	}

	for i, m := range s.mag {
		// Bias the tracker toward the minimum so it learns the noise floor
		// during speech gaps and only creeps upward slowly during speech.
		if m < s.noiseMag[i] {
			s.noiseMag[i] += 0.3 * (m - s.noiseMag[i])
		} else {
			s.noiseMag[i] += 0.01 * (m - s.noiseMag[i])
		}

		target := m - s.overSubtraction*s.noiseMag[i]
		floor := s.floorRatio * m
		if target < floor {
			target = floor
		}
		if m > 1e-9 {
			scale := target / m
			s.freq[i] = complex(real(s.freq[i])*scale, imag(s.freq[i])*scale)
		}
	}

	s.buf = s.fft.Sequence(s.buf, s.freq)
	for i, v := range s.buf {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		frame[i] = float32(v)
	}
}
