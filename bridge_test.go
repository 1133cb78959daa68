package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archerline/bridge/codec"
	"github.com/archerline/bridge/shared"
)

func TestFrameQueueDropsOldestWhenFull(t *testing.T) {
	q := newFrameQueue(4)
	totalDropped := 0
	for i := 0; i < 6; i++ {
		totalDropped += q.Push(outFrame{payload: []byte{byte(i)}})
	}
	assert.Equal(t, 2, totalDropped)

	// The oldest two frames are gone; order of the rest is preserved.
	for i := 2; i < 6; i++ {
		frame, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, byte(i), frame.payload[0])
	}
}

func TestFrameQueueCloseUnblocksPop(t *testing.T) {
	q := newFrameQueue(4)
	popped := make(chan bool)
	go func() {
		_, ok := q.Pop()
		popped <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-popped:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock on Close")
	}

	// Pushes after close are silently discarded.
	assert.Equal(t, 0, q.Push(outFrame{payload: []byte{0x01}}))
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestFrameQueueClearForBargeIn(t *testing.T) {
	q := newFrameQueue(8)
	for i := 0; i < 5; i++ {
		q.Push(outFrame{payload: []byte{byte(i)}})
	}
	assert.Equal(t, 5, q.Clear())
	assert.Equal(t, 0, q.Clear())
}

// Test fixtures for full bridge runs: mu-law 8 kHz on the telephony leg,
// PCM16 24 kHz on the voice-service leg, 20 ms frames.

func newTestBridge(t *testing.T, sess *Session, d *Dispatcher, drainTimeout time.Duration) *Bridge {
	t.Helper()
	cdc, err := codec.New(
		codec.Format{Encoding: codec.EncodingMulaw, SampleRate: 8000, Channels: 1},
		codec.Format{Encoding: codec.EncodingPCM16, SampleRate: 24000, Channels: 1},
	)
	require.NoError(t, err)
	b, err := NewBridge(sess, cdc, d, BridgeConfig{
		FrameDuration: 20 * time.Millisecond,
		QueueFrames:   64,
		DrainTimeout:  drainTimeout,
	})
	require.NoError(t, err)
	return b
}

func mediaMessage(seq int, payload []byte) *StreamMessage {
	return &StreamMessage{
		Event:          StreamEventMedia,
		SequenceNumber: fmt.Sprintf("%d", seq),
		Media: &StreamMedia{
			Track:   "inbound",
			Payload: base64.StdEncoding.EncodeToString(payload),
		},
	}
}

func stopMessage() *StreamMessage {
	return &StreamMessage{
		Event: StreamEventStop,
		Stop:  &StreamStop{CallSid: "CA1"},
	}
}

func audioDeltaEvent(pcm []byte) *ServerEvent {
	return &ServerEvent{
		EventId: "ev_delta",
		Type:    ServerEventTypeResponseOutputAudioDelta,
		Param: &ServerEventParamOutputAudioDelta{
			ResponseId: "resp_1",
			Delta:      base64.StdEncoding.EncodeToString(pcm),
		},
	}
}

func functionCallEvent(name, callId, args string) *ServerEvent {
	return &ServerEvent{
		EventId: "ev_fn",
		Type:    ServerEventTypeResponseFunctionCallArgumentsDone,
		Param: &ServerEventParamFunctionCallArgumentsDone{
			CallId:    callId,
			Name:      name,
			Arguments: args,
		},
	}
}

func TestBridgeHappyPath(t *testing.T) {
	sess := newTestSession(t, "CA20")
	tele := newFakeTelephonyConn()
	ai := newFakeAIConn()
	sess.SetConns(tele, ai)

	d := newTestDispatcher(t, time.Second)
	require.NoError(t, d.Register(Tool{
		Name: "verify_account",
		Run: func(context.Context, *Session, []byte) (any, error) {
			return map[string]any{"verified": true}, nil
		},
	}))

	b := newTestBridge(t, sess, d, time.Second)
	causeC := make(chan CloseCause, 1)
	go func() { causeC <- b.Run(context.Background()) }()

	// 4 x 80 mu-law bytes assemble into two 160-byte (20 ms) frames.
	for i := 1; i <= 4; i++ {
		tele.feed(mediaMessage(i, make([]byte, 80)))
	}
	assert.Eventually(t, func() bool {
		return len(ai.audioFrames()) == 2
	}, time.Second, 5*time.Millisecond, "assembled frames reach the voice service")
	for _, frame := range ai.audioFrames() {
		assert.Equal(t, 960, len(frame), "20 ms of PCM16 at 24 kHz")
	}

	// One 20 ms PCM response frame comes back as 160 mu-law bytes.
	ai.feed(audioDeltaEvent(make([]byte, 960)))
	assert.Eventually(t, func() bool {
		return len(tele.mediaFrames()) == 1
	}, time.Second, 5*time.Millisecond, "response audio reaches the caller")
	assert.Equal(t, 160, len(tele.mediaFrames()[0]))

	// A tool invocation completes and its result goes back upstream.
	ai.feed(functionCallEvent("verify_account", "call_1", `{"account_last4":"1234"}`))
	res := awaitResult(t, ai)
	assert.Equal(t, "call_1", res.callId)
	assert.JSONEq(t, `{"verified":true}`, res.output)

	// Caller hangs up.
	tele.feed(stopMessage())
	select {
	case cause := <-causeC:
		assert.Equal(t, CauseCallerHangup, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop after the stop frame")
	}

	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, 1, tele.closes(), "telephony socket closed exactly once")
	assert.Equal(t, 1, ai.closes(), "realtime socket closed exactly once")
	require.Len(t, sess.ToolLog(), 1)
	assert.Equal(t, "verify_account", sess.ToolLog()[0].Tool)
}

func TestBridgeBargeInFlushesPlayback(t *testing.T) {
	sess := newTestSession(t, "CA21")
	tele := newFakeTelephonyConn()
	ai := newFakeAIConn()
	sess.SetConns(tele, ai)

	b := newTestBridge(t, sess, nil, time.Second)
	causeC := make(chan CloseCause, 1)
	go func() { causeC <- b.Run(context.Background()) }()

	ai.feed(&ServerEvent{
		EventId: "ev_speech",
		Type:    ServerEventTypeInputAudioBufferSpeechStarted,
		Param:   &ServerEventParamSpeechBoundary{AudioStartMs: 100},
	})
	assert.Eventually(t, func() bool {
		return tele.clearCount() == 1 && ai.cancelCount() == 1
	}, time.Second, 5*time.Millisecond)

	tele.feed(stopMessage())
	select {
	case <-causeC:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestBridgeDrainCancelsHungTool(t *testing.T) {
	sess := newTestSession(t, "CA22")
	tele := newFakeTelephonyConn()
	ai := newFakeAIConn()
	sess.SetConns(tele, ai)

	d := newTestDispatcher(t, time.Minute)
	started := make(chan struct{})
	require.NoError(t, d.Register(Tool{
		Name: "hung",
		Run: func(ctx context.Context, sess *Session, input []byte) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	b := newTestBridge(t, sess, d, 50*time.Millisecond)
	causeC := make(chan CloseCause, 1)
	go func() { causeC <- b.Run(context.Background()) }()

	ai.feed(functionCallEvent("hung", "call_9", `{}`))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("tool never started")
	}

	// The voice-service leg dies while the tool is still in flight.
	require.NoError(t, ai.Close())

	var cause CloseCause
	select {
	case cause = <-causeC:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not drain")
	}
	assert.Equal(t, CauseAIClosed, cause)
	assert.Equal(t, StateClosed, sess.State())

	// The hung tool was canceled and its failure recorded.
	require.Len(t, sess.ToolLog(), 1)
	assert.Contains(t, sess.ToolLog()[0].Err, shared.ErrToolExecutionFailed.Error())
	assert.Contains(t, sess.ToolLog()[0].Err, context.Canceled.Error())
}

func TestBridgeAIDisconnect(t *testing.T) {
	sess := newTestSession(t, "CA25")
	tele := newFakeTelephonyConn()
	ai := newFakeAIConn()
	sess.SetConns(tele, ai)

	b := newTestBridge(t, sess, nil, 100*time.Millisecond)
	causeC := make(chan CloseCause, 1)
	go func() { causeC <- b.Run(context.Background()) }()

	// The voice-service socket drops mid-call with no close handshake.
	require.NoError(t, ai.Close())

	select {
	case cause := <-causeC:
		assert.Equal(t, CauseAIClosed, cause)
		assert.Equal(t, OutcomeDisconnected, outcomeForCause(cause))
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
	assert.Equal(t, StateClosed, sess.State())
}

func TestBridgeTelephonyDisconnect(t *testing.T) {
	sess := newTestSession(t, "CA23")
	tele := newFakeTelephonyConn()
	ai := newFakeAIConn()
	sess.SetConns(tele, ai)

	b := newTestBridge(t, sess, nil, 100*time.Millisecond)
	causeC := make(chan CloseCause, 1)
	go func() { causeC <- b.Run(context.Background()) }()

	require.NoError(t, tele.Close())

	select {
	case cause := <-causeC:
		assert.Equal(t, CauseTelephonyError, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
	assert.Equal(t, StateClosed, sess.State())
}

func TestBridgeContextCancellation(t *testing.T) {
	sess := newTestSession(t, "CA24")
	tele := newFakeTelephonyConn()
	ai := newFakeAIConn()
	sess.SetConns(tele, ai)

	b := newTestBridge(t, sess, nil, 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	causeC := make(chan CloseCause, 1)
	go func() { causeC <- b.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case cause := <-causeC:
		assert.Equal(t, CauseCanceled, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop on context cancellation")
	}
}

// slowTelephonyConn stalls every media write until the gate opens.
type slowTelephonyConn struct {
	*fakeTelephonyConn
	gate chan struct{}
}

func (s *slowTelephonyConn) WriteMedia(frame []byte) error {
	<-s.gate
	return s.fakeTelephonyConn.WriteMedia(frame)
}

func TestBridgeSlowTelephonyConsumerDropsNotStalls(t *testing.T) {
	sess := newTestSession(t, "CA26")
	tele := &slowTelephonyConn{
		fakeTelephonyConn: newFakeTelephonyConn(),
		gate:              make(chan struct{}),
	}
	ai := newFakeAIConn()
	sess.SetConns(tele, ai)

	cdc, err := codec.New(
		codec.Format{Encoding: codec.EncodingMulaw, SampleRate: 8000, Channels: 1},
		codec.Format{Encoding: codec.EncodingPCM16, SampleRate: 24000, Channels: 1},
	)
	require.NoError(t, err)
	b, err := NewBridge(sess, cdc, nil, BridgeConfig{
		FrameDuration: 20 * time.Millisecond,
		QueueFrames:   4,
		DrainTimeout:  100 * time.Millisecond,
	})
	require.NoError(t, err)

	causeC := make(chan CloseCause, 1)
	go func() { causeC <- b.Run(context.Background()) }()

	// Far more response audio than the stalled writer and the queue can
	// hold. The read loop must keep consuming events and drop the excess.
	const fed = 12
	for i := 0; i < fed; i++ {
		ai.feed(audioDeltaEvent(make([]byte, 960)))
	}
	assert.Eventually(t, func() bool {
		return len(ai.events) == 0
	}, time.Second, 5*time.Millisecond, "read loop drained every event despite the stalled writer")

	close(tele.gate)
	tele.feed(stopMessage())

	select {
	case cause := <-causeC:
		assert.Equal(t, CauseCallerHangup, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
	assert.Less(t, len(tele.mediaFrames()), fed, "overflow frames were dropped, not delivered late")
}

func TestOutcomeForCause(t *testing.T) {
	assert.Equal(t, OutcomeCompleted, outcomeForCause(CauseCallerHangup))
	assert.Equal(t, OutcomeDisconnected, outcomeForCause(CauseTelephonyError))
	assert.Equal(t, OutcomeDisconnected, outcomeForCause(CauseAIClosed))
	assert.Equal(t, OutcomeFailed, outcomeForCause(CauseCanceled))
}
