// Package codec wraps Opus encoding and decoding for the uplink/downlink
// audio framing numerics of §6: mono 16 kHz, 20 ms (320 sample) uplink
// frames and 60 ms (960 sample) downlink frames. The encoder/decoder
// interfaces mirror the teacher's opusEncoder/opusDecoder abstractions so
// the pipeline worker can be exercised against fakes in tests without
// linking libopus.
package codec

import "gopkg.in/hraban/opus.v2"

const (
	// SampleRate is the fixed mono sample rate used on both directions.
	SampleRate = 16000
	// Channels is always 1 (mono mic, mono speaker).
	Channels = 1

	// UplinkFrameSamples is the codec frame the encoder consumes: 20 ms @ 16 kHz.
	UplinkFrameSamples = 320
	// DownlinkFrameSamples is the decoder's native frame: 60 ms @ 16 kHz.
	DownlinkFrameSamples = 960

	// Bitrate is the documented default encoder target; tuning beyond this
	// is explicitly out of scope.
	Bitrate = 16000

	// MaxPacketBytes bounds a single compressed packet (RFC 6716 max is
	// 1275; the pool serves it from its 2048-byte class, the smallest that
	// holds it).
	MaxPacketBytes = 1275
)

// Encoder abstracts Opus encoding for testing.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
	SetInBandFEC(fec bool) error
	SetPacketLossPerc(lossPerc int) error
}

// Decoder abstracts Opus decoding for testing.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodeFEC(data []byte, pcm []int16) error
}

// NewEncoder returns an Opus encoder tuned for the uplink voice path.
func NewEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(Bitrate); err != nil {
		return nil, err
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, err
	}
	if err := enc.SetPacketLossPerc(5); err != nil {
		return nil, err
	}
	return enc, nil
}

// NewDecoder returns an Opus decoder for the downlink playback path.
func NewDecoder() (Decoder, error) {
	return opus.NewDecoder(SampleRate, Channels)
}
