package pipeline

import "github.com/gordonklaus/portaudio"

// CaptureDevice abstracts the microphone codec/DMA read of §4.1 step 2.
// Implementations must fill the bound buffer with one fixed-byte frame of
// interleaved stereo int16 PCM per Read call, blocking up to the DMA
// period — the real board reads I2S via DMA; this interface lets the
// pipeline worker be driven by a fake in tests.
type CaptureDevice interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Buffer() []int16
}

// PlaybackDevice abstracts the speaker codec/DMA write of §4.1 step 1.
type PlaybackDevice interface {
	Start() error
	Stop() error
	Close() error
	Write() error
	Buffer() []int16
}

// portaudioCapture wraps a portaudio stream delivering interleaved stereo
// frames, standing in for the board's I2S capture DMA per SPEC_FULL.md.
type portaudioCapture struct {
	stream *portaudio.Stream
	buf    []int16
}

func newPortaudioCapture(sampleRate, chunkSamples int, device *portaudio.DeviceInfo) (*portaudioCapture, error) {
	buf := make([]int16, chunkSamples*2) // stereo interleaved
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 2,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: chunkSamples,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, err
	}
	return &portaudioCapture{stream: stream, buf: buf}, nil
}

func (c *portaudioCapture) Start() error      { return c.stream.Start() }
func (c *portaudioCapture) Stop() error       { return c.stream.Stop() }
func (c *portaudioCapture) Close() error      { return c.stream.Close() }
func (c *portaudioCapture) Read() error       { return c.stream.Read() }
func (c *portaudioCapture) Buffer() []int16   { return c.buf }

// portaudioPlayback wraps a portaudio stream delivering mono downlink
// frames to the speaker.
type portaudioPlayback struct {
	stream *portaudio.Stream
	buf    []int16
}

func newPortaudioPlayback(sampleRate, frameSamples int, device *portaudio.DeviceInfo) (*portaudioPlayback, error) {
	buf := make([]int16, frameSamples)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  device.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: frameSamples,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, err
	}
	return &portaudioPlayback{stream: stream, buf: buf}, nil
}

func (p *portaudioPlayback) Start() error    { return p.stream.Start() }
func (p *portaudioPlayback) Stop() error     { return p.stream.Stop() }
func (p *portaudioPlayback) Close() error    { return p.stream.Close() }
func (p *portaudioPlayback) Write() error    { return p.stream.Write() }
func (p *portaudioPlayback) Buffer() []int16 { return p.buf }

// OpenDefaultDevices opens the system default input/output devices at the
// given rates. Used by cmd/hitonyd; tests drive Worker with fakes instead.
func OpenDefaultDevices(sampleRate, chunkSamples, downlinkFrameSamples int) (CaptureDevice, PlaybackDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, nil, err
	}
	in, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, nil, err
	}
	out, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, nil, err
	}
	cap, err := newPortaudioCapture(sampleRate, chunkSamples, in)
	if err != nil {
		return nil, nil, err
	}
	play, err := newPortaudioPlayback(sampleRate, downlinkFrameSamples, out)
	if err != nil {
		cap.Close()
		return nil, nil, err
	}
	return cap, play, nil
}
