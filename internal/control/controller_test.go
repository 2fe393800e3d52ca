package control

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hitony/internal/codec"
	"hitony/internal/frontend"
	"hitony/internal/pipeline"
	"hitony/internal/pool"
	"hitony/internal/transport"
)

// fakeSession is a Session implementation driven entirely by the test, so
// the state machine can be exercised without a real socket.
type fakeSession struct {
	recv       chan transport.Message
	sentText   []transport.ControlMessage
	sentBinary [][]byte
	closed     bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{recv: make(chan transport.Message, 16)}
}

func (s *fakeSession) Connect(ctx context.Context, addr, deviceID, deviceToken string) error {
	return nil
}
func (s *fakeSession) SendText(v any) error {
	cm, ok := v.(transport.ControlMessage)
	if !ok {
		return nil
	}
	s.sentText = append(s.sentText, cm)
	return nil
}
func (s *fakeSession) SendBinary(p []byte) error {
	s.sentBinary = append(s.sentBinary, p)
	return nil
}
func (s *fakeSession) Receive() <-chan transport.Message { return s.recv }
func (s *fakeSession) Close()                            { s.closed = true }

func (s *fakeSession) pushText(t *testing.T, cm transport.ControlMessage) {
	t.Helper()
	data, err := json.Marshal(cm)
	require.NoError(t, err)
	s.recv <- transport.Message{Kind: transport.KindText, Data: data}
}

// fakeCapture/fakePlayback/fakeEncoder/fakeDecoder are the minimal
// collaborators pipeline.NewWorker needs; the controller tests never drive
// the worker's Run loop, so these are never exercised beyond construction.
type fakeCapture struct{ buf []int16 }

func (c *fakeCapture) Start() error    { return nil }
func (c *fakeCapture) Stop() error     { return nil }
func (c *fakeCapture) Close() error    { return nil }
func (c *fakeCapture) Read() error     { return nil }
func (c *fakeCapture) Buffer() []int16 { return c.buf }

type fakePlayback struct{ buf []int16 }

func (p *fakePlayback) Start() error    { return nil }
func (p *fakePlayback) Stop() error     { return nil }
func (p *fakePlayback) Close() error    { return nil }
func (p *fakePlayback) Write() error    { return nil }
func (p *fakePlayback) Buffer() []int16 { return p.buf }

type fakeEncoder struct{}

func (fakeEncoder) Encode(pcm []int16, data []byte) (int, error) { return 0, nil }
func (fakeEncoder) SetBitrate(int) error                         { return nil }
func (fakeEncoder) SetInBandFEC(bool) error                       { return nil }
func (fakeEncoder) SetPacketLossPerc(int) error                   { return nil }

type fakeDecoder struct{}

func (fakeDecoder) Decode(data []byte, pcm []int16) (int, error) { return 0, nil }
func (fakeDecoder) DecodeFEC(data []byte, pcm []int16) error     { return nil }

func newTestController() (*Controller, *fakeSession) {
	sess := newFakeSession()
	cfg := frontend.DefaultConfig()
	cfg.SampleRate = codec.SampleRate
	cfg.ChunkSamples = 160
	p := pool.New()
	work := pipeline.NewWorker(
		pipeline.Config{Frontend: cfg},
		&fakeCapture{buf: make([]int16, 320)},
		&fakePlayback{buf: make([]int16, codec.DownlinkFrameSamples)},
		fakeEncoder{}, fakeDecoder{}, 16000, p, nil,
	)
	c := New(Config{ServerAddr: "localhost:8080", DeviceID: "hitony-test"}, func() Session { return sess }, work, p, nil, nil)
	return c, sess
}

func TestHandshakeBlocksUntilHelloReply(t *testing.T) {
	c, sess := newTestController()

	done := make(chan error, 1)
	go func() { done <- c.connectAndHandshake(context.Background()) }()

	// give the goroutine a moment to send hello and start waiting
	time.Sleep(10 * time.Millisecond)
	sess.pushText(t, transport.ControlMessage{Type: transport.TypeHello, SessionID: "abc123"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handshake did not complete")
	}
	require.Equal(t, StateIdle, c.State())
	require.Equal(t, "abc123", c.sessionID)
	require.NotEmpty(t, sess.sentText)
	require.Equal(t, transport.TypeHello, sess.sentText[0].Type)
}

func TestHandshakeTimesOutWithoutReply(t *testing.T) {
	c, _ := newTestController()
	// no hello reply is ever pushed, so this waits out the real handshakeTimeout
	err := make(chan error, 1)
	go func() { err <- c.connectAndHandshake(context.Background()) }()
	select {
	case e := <-err:
		require.Error(t, e)
	case <-time.After(handshakeTimeout + time.Second):
		t.Fatal("handshake should have timed out")
	}
}

func TestWakeFromIdleStartsRecording(t *testing.T) {
	c, sess := newTestController()
	c.state = StateIdle

	c.onWake(false)

	require.Equal(t, StateRecording, c.state)
	require.Len(t, sess.sentText, 2)
	require.Equal(t, transport.TypeListen, sess.sentText[0].Type)
	require.Equal(t, transport.ListenDetect, sess.sentText[0].State)
	require.Equal(t, transport.DefaultWakePhrase, sess.sentText[0].Text)
	require.Equal(t, transport.TypeListen, sess.sentText[1].Type)
	require.Equal(t, transport.ListenStart, sess.sentText[1].State)
	require.Equal(t, transport.ModeAuto, sess.sentText[1].Mode)
}

func TestAcousticWakeIgnoredWhileSpeaking(t *testing.T) {
	c, _ := newTestController()
	c.state = StateSpeaking

	c.onWake(false)

	require.Equal(t, StateSpeaking, c.state)
}

func TestTouchWakeInterruptsSpeakingSendsAbort(t *testing.T) {
	c, sess := newTestController()
	c.state = StateSpeaking

	c.onWake(true)

	require.Equal(t, StateRecording, c.state)
	require.NotEmpty(t, sess.sentText)
	abort := sess.sentText[0]
	require.Equal(t, transport.TypeAbort, abort.Type)
	require.Equal(t, transport.ReasonWakeWord, abort.Reason)
}

func TestTouchWakeInterruptsMusicSendsPauseAndTracksResume(t *testing.T) {
	c, sess := newTestController()
	c.state = StateMusic

	c.onWake(true)

	require.Equal(t, StateRecording, c.state)
	pause := sess.sentText[0]
	require.Equal(t, transport.TypeMusicCtrl, pause.Type)
	require.Equal(t, transport.MusicPause, pause.Action)
	require.True(t, c.musicWasPlaying)

	c.onVadEnd()
	require.False(t, c.musicWasPlaying)
	last := sess.sentText[len(sess.sentText)-1]
	require.Equal(t, transport.TypeMusicCtrl, last.Type)
	require.Equal(t, transport.MusicResume, last.Action)
}

func TestTouchWakeInterruptsSpeakingFlushesPlaybackQueue(t *testing.T) {
	c, _ := newTestController()
	c.state = StateSpeaking

	p := pool.New()
	blk := p.Acquire(64)
	c.work.PlaybackQueue() <- blk

	c.onWake(true)

	require.Zero(t, c.work.PlaybackDepth())
}

func TestVadEndStopsRecordingAndEntersThinking(t *testing.T) {
	c, sess := newTestController()
	c.state = StateRecording
	c.recordingStart = time.Now()

	c.onVadEnd()

	require.Equal(t, StateIdle, c.state)
	require.True(t, c.thinkingActive)
	last := sess.sentText[len(sess.sentText)-1]
	require.Equal(t, transport.ListenStop, last.State)
}

func TestVadEndIgnoredOutsideRecording(t *testing.T) {
	c, sess := newTestController()
	c.state = StateIdle

	c.onVadEnd()

	require.Equal(t, StateIdle, c.state)
	require.Empty(t, sess.sentText)
}

func TestTickEnforcesRecordingHardCap(t *testing.T) {
	c, sess := newTestController()
	c.state = StateRecording
	c.recordingStart = time.Now().Add(-recordingHardCap - time.Second)

	c.tick()

	require.Equal(t, StateIdle, c.state)
	require.True(t, c.thinkingActive)
	require.NotEmpty(t, sess.sentText)
}

func TestTickSpeakingSilenceTimeoutSendsAbort(t *testing.T) {
	c, sess := newTestController()
	c.state = StateSpeaking
	c.lastAudioAt = time.Now().Add(-speakingSilenceCap - time.Second)

	c.tick()

	require.Equal(t, StateIdle, c.state)
	last := sess.sentText[len(sess.sentText)-1]
	require.Equal(t, transport.TypeAbort, last.Type)
	require.Equal(t, transport.ReasonSpeakingTimout, last.Reason)
}

func TestDrainWaitRequiresContinuousEmptyWindow(t *testing.T) {
	c, _ := newTestController()
	c.state = StateSpeaking
	c.draining = true
	c.lastAudioAt = time.Now()

	c.tick() // first empty observation: starts the window, does not yet transition
	require.Equal(t, StateSpeaking, c.state)
	require.False(t, c.drainEmptySince.IsZero())

	// Simulate the quiet window having elapsed.
	c.drainEmptySince = time.Now().Add(-drainQuietWindow - time.Millisecond)
	c.tick()
	require.Equal(t, StateIdle, c.state)
	require.False(t, c.draining)
}

func TestDispatchControlTTSStartEntersSpeaking(t *testing.T) {
	c, _ := newTestController()
	c.dispatchControl(transport.ControlMessage{Type: transport.TypeTTSStart})
	require.Equal(t, StateSpeaking, c.state)
}

func TestDispatchControlAbortReturnsToIdle(t *testing.T) {
	c, _ := newTestController()
	c.state = StateSpeaking
	c.dispatchControl(transport.ControlMessage{Type: transport.TypeAbort, Reason: transport.ReasonWakeWord})
	require.Equal(t, StateIdle, c.state)
}

func TestHandleBinaryQueuesPoolBackedPacket(t *testing.T) {
	c, _ := newTestController()

	payload := transport.MarshalBatch([][]byte{{1, 2, 3, 4}})
	done := c.handleTransportMessage(transport.Message{Kind: transport.KindBinary, Data: payload})

	require.False(t, done)
	require.Equal(t, 1, c.work.PlaybackDepth())
}

func TestDisconnectTransitionsToError(t *testing.T) {
	c, _ := newTestController()
	c.state = StateSpeaking

	done := c.handleTransportMessage(transport.Message{Kind: transport.KindDisconnected})

	require.True(t, done)
	require.Equal(t, StateError, c.state)
}

func TestAtMostOneConcurrentSessionProperty(t *testing.T) {
	// A wake while already Recording must not re-enter recording (no duplicate
	// listen{start}), satisfying the §8 at-most-one-concurrent-session property.
	c, sess := newTestController()
	c.state = StateRecording
	before := len(sess.sentText)

	c.onWake(false)

	require.Equal(t, StateRecording, c.state)
	require.Equal(t, before, len(sess.sentText))
}
