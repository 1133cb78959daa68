package bridge

import (
	"context"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archerline/bridge/codec"
	"github.com/archerline/bridge/shared"
)

// CloseCause names why a bridge stopped pumping. Lifecycle maps it to the
// call outcome reported downstream.
type CloseCause string

const (
	CauseCallerHangup   CloseCause = "caller_hangup"
	CauseTelephonyError CloseCause = "telephony_error"
	CauseAIClosed       CloseCause = "ai_closed"
	CauseCanceled       CloseCause = "canceled"
)

// outFrame is one queued item for the telephony leg. Mark items carry no
// audio; they keep playback acknowledgments ordered behind the media that
// precedes them.
type outFrame struct {
	payload []byte
	mark    string
}

// frameQueue is a bounded frame buffer between a producer loop and a
// consumer loop. When full it drops the oldest frames, keeping latency
// bounded on a live call.
type frameQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []outFrame
	cap    int
	closed bool
}

func newFrameQueue(capFrames int) *frameQueue {
	q := &frameQueue{
		frames: make([]outFrame, 0, capFrames),
		cap:    capFrames,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *frameQueue) Push(f outFrame) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	for len(q.frames) >= q.cap {
		q.frames = q.frames[1:]
		dropped++
	}
	q.frames = append(q.frames, f)
	q.cond.Signal()
	return dropped
}

// Pop blocks until a frame is available or the queue is closed. The
// second return is false once the queue is closed and drained of nothing.
func (q *frameQueue) Pop() (outFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) == 0 {
		return outFrame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// Clear drops all pending frames, for barge-in.
func (q *frameQueue) Clear() (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped = len(q.frames)
	q.frames = q.frames[:0]
	return dropped
}

// Close drops pending frames and unblocks any Pop.
func (q *frameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.frames = nil
	q.cond.Broadcast()
}

type BridgeConfig struct {
	// FrameDuration is the size of the audio frames pushed to the voice
	// service, assembled from whatever chunking the telephony side uses.
	FrameDuration time.Duration
	// QueueFrames bounds each direction's queue.
	QueueFrames int
	// DrainTimeout bounds how long teardown waits for in-flight tools.
	DrainTimeout time.Duration
}

func (c BridgeConfig) withDefaults() BridgeConfig {
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.QueueFrames <= 0 {
		c.QueueFrames = 256
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	return c
}

// Bridge pumps audio between the two legs of a session and lifts tool
// invocations off the realtime stream. One Bridge per session; Run blocks
// until the call ends.
type Bridge struct {
	logger     shared.LoggerAdapter
	sess       *Session
	codec      *codec.Codec
	dispatcher *Dispatcher
	cfg        BridgeConfig

	toTele *frameQueue
	toAI   *frameQueue
	asm    *codec.Assembler

	drainOnce sync.Once
	drained   chan struct{}
	cause     CloseCause
}

func NewBridge(sess *Session, cdc *codec.Codec, dispatcher *Dispatcher, cfg BridgeConfig) (*Bridge, error) {
	if sess == nil {
		return nil, shared.ErrSessionNotFound
	}
	if cdc == nil {
		return nil, shared.ErrNoConfig
	}
	cfg = cfg.withDefaults()
	return &Bridge{
		logger:     sess.Logger().With(zap.String("component", "bridge")),
		sess:       sess,
		codec:      cdc,
		dispatcher: dispatcher,
		cfg:        cfg,
		toTele:     newFrameQueue(cfg.QueueFrames),
		toAI:       newFrameQueue(cfg.QueueFrames),
		asm:        codec.NewAssembler(cdc.Telephony().FrameBytes(cfg.FrameDuration)),
		drained:    make(chan struct{}),
	}, nil
}

// Cause reports why the bridge stopped. Valid after Run returns.
func (b *Bridge) Cause() CloseCause {
	return b.cause
}

// Run pumps both directions until one leg ends, then drains: waits for
// in-flight tools up to DrainTimeout, closes both sockets exactly once,
// and moves the session to closed.
func (b *Bridge) Run(ctx context.Context) CloseCause {
	if _, err := b.sess.Transition(StateStreaming); err != nil {
		b.logger.Error("entering streaming state", err)
		b.beginDrain(CauseCanceled)
	}

	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	defer dispatchCancel()

	tele, ai := b.sess.Conns()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); b.pumpTelephonyRead(tele) }()
	go func() { defer wg.Done(); b.pumpAIRead(dispatchCtx, tele, ai) }()
	go func() { defer wg.Done(); b.pumpTelephonyWrite(tele) }()
	go func() { defer wg.Done(); b.pumpAIWrite(ai) }()

	select {
	case <-b.drained:
	case <-ctx.Done():
		b.beginDrain(CauseCanceled)
	}

	if !b.sess.WaitInflight(b.cfg.DrainTimeout) {
		b.logger.Warn("drain timeout, canceling in-flight tools",
			zap.Duration("timeout", b.cfg.DrainTimeout),
		)
		dispatchCancel()
		b.sess.WaitInflight(b.cfg.DrainTimeout)
	}

	b.sess.CloseSockets()
	wg.Wait()

	if _, err := b.sess.Transition(StateClosed); err != nil {
		b.logger.Error("entering closed state", err)
	}
	b.logger.Info("bridge stopped", zap.String("cause", string(b.cause)))
	return b.cause
}

// beginDrain moves the session to closing and shuts the queues. The first
// cause wins.
func (b *Bridge) beginDrain(cause CloseCause) {
	b.drainOnce.Do(func() {
		b.cause = cause
		if _, err := b.sess.Transition(StateClosing); err != nil {
			b.logger.Error("entering closing state", err)
		}
		b.toTele.Close()
		b.toAI.Close()
		close(b.drained)
	})
}

func (b *Bridge) pumpTelephonyRead(tele TelephonyConn) {
	lastSeq := 0
	for {
		msg, err := tele.ReadMessage()
		if err != nil {
			if b.sess.State() < StateClosing {
				b.logger.Warn("telephony connection dropped", zap.Error(err))
			}
			b.beginDrain(CauseTelephonyError)
			return
		}
		if msg.SequenceNumber != "" {
			if seq, err := strconv.Atoi(msg.SequenceNumber); err == nil {
				if lastSeq != 0 && seq != lastSeq+1 {
					b.logger.Warn("sequence gap on telephony stream",
						zap.Int("expected", lastSeq+1),
						zap.Int("got", seq),
					)
				}
				lastSeq = seq
			}
		}
		switch msg.Event {
		case StreamEventMedia:
			if msg.Media == nil {
				continue
			}
			if !b.sess.Bridging() {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				b.logger.Warn("undecodable media payload", zap.Error(err))
				continue
			}
			for _, frame := range b.asm.Push(raw) {
				converted, err := b.codec.ToAI(frame)
				if err != nil {
					b.logger.Warn("converting inbound frame", zap.Error(err))
					continue
				}
				if dropped := b.toAI.Push(outFrame{payload: converted}); dropped > 0 {
					b.logger.Warn("dropped inbound frames",
						zap.Int("dropped", dropped),
					)
				}
			}
		case StreamEventStop:
			b.logger.Info("telephony stream stopped")
			b.beginDrain(CauseCallerHangup)
			return
		case StreamEventDTMF:
			if msg.DTMF != nil {
				b.logger.Info("dtmf received", zap.String("digit", msg.DTMF.Digit))
			}
		case StreamEventMark:
			if msg.Mark != nil {
				b.logger.Trace("mark acknowledged", zap.String("name", msg.Mark.Name))
			}
		default:
			b.logger.Trace("ignoring stream event", zap.String("event", string(msg.Event)))
		}
	}
}

func (b *Bridge) pumpAIRead(dispatchCtx context.Context, tele TelephonyConn, ai AIConn) {
	for {
		event, err := ai.ReadEvent()
		if err != nil {
			// A dropped voice-service leg drains the call the same way a
			// dropped telephony leg does.
			if b.sess.State() < StateClosing {
				b.logger.Warn("realtime connection dropped", zap.Error(err))
			}
			b.beginDrain(CauseAIClosed)
			return
		}
		switch event.Type {
		case ServerEventTypeResponseOutputAudioDelta:
			param := event.Param.(*ServerEventParamOutputAudioDelta)
			if !b.sess.Bridging() {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(param.Delta)
			if err != nil {
				b.logger.Warn("undecodable audio delta", zap.Error(err))
				continue
			}
			converted, err := b.codec.ToTelephony(raw)
			if err != nil {
				b.logger.Warn("converting outbound frame", zap.Error(err))
				continue
			}
			if dropped := b.toTele.Push(outFrame{payload: converted}); dropped > 0 {
				b.logger.Warn("dropped outbound frames",
					zap.Int("dropped", dropped),
				)
			}
		case ServerEventTypeResponseOutputAudioDone:
			// Mark rides the queue so it lands after the audio it follows.
			b.toTele.Push(outFrame{mark: uuid.NewString()})
		case ServerEventTypeInputAudioBufferSpeechStarted:
			b.bargeIn(tele, ai)
		case ServerEventTypeResponseFunctionCallArgumentsDone:
			param := event.Param.(*ServerEventParamFunctionCallArgumentsDone)
			b.logger.Info("tool invocation requested",
				zap.String("tool", param.Name),
				zap.String("call_id", param.CallId),
			)
			if b.dispatcher == nil {
				b.logger.Warn("no dispatcher configured, dropping invocation")
				continue
			}
			b.dispatcher.Dispatch(dispatchCtx, b.sess, ai, ToolInvocation{
				Name:  param.Name,
				Token: param.CallId,
				Input: []byte(param.Arguments),
			})
		case ServerEventTypeResponseOutputAudioTranscriptDone:
			param := event.Param.(*ServerEventParamOutputAudioTranscriptDone)
			b.logger.Info("assistant transcript", zap.String("transcript", param.Transcript))
		case ServerEventTypeError:
			param := event.Param.(*ServerEventParamError)
			b.logger.Warn("realtime error event",
				zap.String("code", param.Error.Code),
				zap.String("message", param.Error.Message),
			)
		default:
			b.logger.Trace("ignoring realtime event", zap.String("type", string(event.Type)))
		}
	}
}

// bargeIn reacts to the caller speaking over the assistant: flush our
// queue, tell the provider to flush its playback buffer, and cancel the
// response being generated.
func (b *Bridge) bargeIn(tele TelephonyConn, ai AIConn) {
	dropped := b.toTele.Clear()
	if err := tele.WriteClear(); err != nil {
		b.logger.Warn("clearing telephony playback failed", zap.Error(err))
	}
	if err := ai.CancelResponse(); err != nil {
		b.logger.Warn("canceling realtime response failed", zap.Error(err))
	}
	b.logger.Info("barge-in", zap.Int("flushed_frames", dropped))
}

func (b *Bridge) pumpTelephonyWrite(tele TelephonyConn) {
	for {
		frame, ok := b.toTele.Pop()
		if !ok {
			return
		}
		// A frame popped in the instant drain began must not go out.
		if !b.sess.Bridging() {
			continue
		}
		var err error
		if frame.mark != "" {
			err = tele.WriteMark(frame.mark)
		} else {
			err = tele.WriteMedia(frame.payload)
		}
		if err != nil {
			if b.sess.State() < StateClosing {
				b.logger.Warn("telephony write failed", zap.Error(err))
			}
			b.beginDrain(CauseTelephonyError)
			return
		}
	}
}

func (b *Bridge) pumpAIWrite(ai AIConn) {
	for {
		frame, ok := b.toAI.Pop()
		if !ok {
			return
		}
		if !b.sess.Bridging() {
			continue
		}
		if err := ai.SendAudio(frame.payload); err != nil {
			if b.sess.State() < StateClosing {
				b.logger.Warn("realtime write failed", zap.Error(err))
			}
			b.beginDrain(CauseAIClosed)
			return
		}
	}
}
