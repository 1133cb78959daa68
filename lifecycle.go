package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archerline/bridge/codec"
	"github.com/archerline/bridge/shared"
)

// CallStore is the call-record collaborator: creates the call record at
// session start, enriches it with customer context, and finalizes it
// exactly once at teardown.
type CallStore interface {
	CreateCall(ctx context.Context, callId, customerRef, direction string) error
	FinalizeCall(ctx context.Context, callId string, duration time.Duration, outcome string, toolLog []ToolCallRecord) error
	Customer(ctx context.Context, customerRef string) (CustomerContext, error)
}

// AIDialer opens the voice-service leg for a session, advertising the
// given tool schemas.
type AIDialer func(ctx context.Context, sess *Session, tools []map[string]any) (AIConn, error)

// Call outcomes reported to the call store.
const (
	OutcomeCompleted    = "completed"
	OutcomeDisconnected = "disconnected"
	OutcomeFailed       = "failed"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	collaboratorTimeout     = 5 * time.Second
)

type ManagerConfig struct {
	// AIFormat is the audio format negotiated with the voice service.
	AIFormat codec.Format
	// HandshakeTimeout bounds the wait for the telephony start frame.
	HandshakeTimeout time.Duration
	Bridge           BridgeConfig
}

// Manager owns the lifecycle of every bridged call: handshake, registry
// membership, collaborator bookkeeping, and teardown.
type Manager struct {
	logger     shared.LoggerAdapter
	registry   *Registry
	dispatcher *Dispatcher
	store      CallStore
	dial       AIDialer
	cfg        ManagerConfig
}

func NewManager(logger shared.LoggerAdapter, registry *Registry, dispatcher *Dispatcher, store CallStore, dial AIDialer, cfg ManagerConfig) (*Manager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if dial == nil {
		return nil, errors.New("dialer is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Manager{
		logger:     logger,
		registry:   registry,
		dispatcher: dispatcher,
		store:      store,
		dial:       dial,
		cfg:        cfg,
	}, nil
}

func (m *Manager) ActiveSessions() int {
	return m.registry.Len()
}

// HandleConnection drives one telephony connection from handshake to
// teardown. Blocks until the call is over; the caller owns the goroutine.
func (m *Manager) HandleConnection(ctx context.Context, tele TelephonyConn) error {
	start, err := m.awaitStart(ctx, tele)
	if err != nil {
		m.logger.Warn("telephony handshake failed", zap.Error(err))
		if cerr := tele.Close(); cerr != nil {
			m.logger.Warn("closing telephony socket failed", zap.Error(cerr))
		}
		return err
	}

	callId := start.CallSid
	if callId == "" {
		callId = uuid.NewString()
	}
	customerRef := start.CustomParameters[ParamCustomerRef]
	direction := start.CustomParameters[ParamDirection]
	if direction == "" {
		direction = "inbound"
	}

	teleFormat, err := streamFormat(start.MediaFormat)
	if err != nil {
		m.logger.Error("unsupported telephony media format", err,
			zap.String("call_id", callId),
		)
		if cerr := tele.Close(); cerr != nil {
			m.logger.Warn("closing telephony socket failed", zap.Error(cerr))
		}
		return err
	}
	cdc, err := codec.New(teleFormat, m.cfg.AIFormat)
	if err != nil {
		if cerr := tele.Close(); cerr != nil {
			m.logger.Warn("closing telephony socket failed", zap.Error(cerr))
		}
		return err
	}

	sess, err := NewSession(m.logger, callId, customerRef, direction)
	if err != nil {
		if cerr := tele.Close(); cerr != nil {
			m.logger.Warn("closing telephony socket failed", zap.Error(cerr))
		}
		return err
	}
	sess.StreamSid = start.StreamSid

	// The duplicate loses; the registered session is untouched.
	if err := m.registry.Register(sess); err != nil {
		m.logger.Warn("rejecting duplicate session",
			zap.String("call_id", callId),
			zap.Error(err),
		)
		if cerr := tele.Close(); cerr != nil {
			m.logger.Warn("closing telephony socket failed", zap.Error(cerr))
		}
		return err
	}

	log := sess.Logger()
	log.Info("session registered",
		zap.String("stream_sid", start.StreamSid),
		zap.String("customer_ref", customerRef),
		zap.String("direction", direction),
		zap.String("media_format", teleFormat.String()),
	)

	m.enrich(ctx, sess)

	ai, err := m.dial(ctx, sess, m.toolSchemas())
	if err != nil {
		log.Error("dialing voice service", err)
		sess.SetConns(tele, nil)
		sess.CloseSockets()
		m.teardown(sess, OutcomeFailed)
		return err
	}
	sess.SetConns(tele, ai)

	bridge, err := NewBridge(sess, cdc, m.dispatcher, m.cfg.Bridge)
	if err != nil {
		sess.CloseSockets()
		m.teardown(sess, OutcomeFailed)
		return err
	}
	cause := bridge.Run(ctx)
	m.teardown(sess, outcomeForCause(cause))
	return nil
}

func (m *Manager) toolSchemas() []map[string]any {
	if m.dispatcher == nil {
		return nil
	}
	return m.dispatcher.Schemas()
}

// awaitStart reads protocol messages until the start frame arrives. The
// provider sends a connected frame first; anything else before start is
// noise.
func (m *Manager) awaitStart(ctx context.Context, tele TelephonyConn) (*StreamStart, error) {
	type result struct {
		start *StreamStart
		err   error
	}
	resC := make(chan result, 1)
	go func() {
		for {
			msg, err := tele.ReadMessage()
			if err != nil {
				resC <- result{err: fmt.Errorf("%w: %v", shared.ErrHandshakeFailed, err)}
				return
			}
			switch msg.Event {
			case StreamEventConnected:
				continue
			case StreamEventStart:
				if msg.Start == nil {
					resC <- result{err: fmt.Errorf("%w: start frame without body", shared.ErrHandshakeFailed)}
					return
				}
				resC <- result{start: msg.Start}
				return
			default:
				m.logger.Trace("ignoring pre-start event", zap.String("event", string(msg.Event)))
			}
		}
	}()
	select {
	case res := <-resC:
		return res.start, res.err
	case <-time.After(m.cfg.HandshakeTimeout):
		return nil, fmt.Errorf("%w: no start frame within %s", shared.ErrHandshakeFailed, m.cfg.HandshakeTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enrich attaches customer context and opens the call record. Both are
// best-effort; the call proceeds without them.
func (m *Manager) enrich(ctx context.Context, sess *Session) {
	if m.store == nil {
		return
	}
	log := sess.Logger()
	lookupCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	if sess.CustomerRef != "" {
		customer, err := m.store.Customer(lookupCtx, sess.CustomerRef)
		if err != nil {
			log.Warn("customer lookup failed, proceeding without context",
				zap.String("customer_ref", sess.CustomerRef),
				zap.Error(err),
			)
		} else {
			sess.SetCustomer(customer)
		}
	}
	if err := m.store.CreateCall(lookupCtx, sess.Id, sess.CustomerRef, sess.Direction); err != nil {
		log.Warn("creating call record failed", zap.Error(err))
	}
}

// teardown removes the session from the registry and finalizes the call
// record. Runs at most once per session no matter how many paths reach it.
func (m *Manager) teardown(sess *Session, outcome string) {
	sess.Finalize(func() {
		m.registry.Remove(sess.Id)
		log := sess.Logger()
		// Sessions torn down before the bridge ran still end up closed.
		if _, err := sess.Transition(StateClosed); err != nil {
			log.Warn("forcing session closed", zap.Error(err))
		}
		if m.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
			defer cancel()
			if err := m.store.FinalizeCall(ctx, sess.Id, sess.Duration(), outcome, sess.ToolLog()); err != nil {
				log.Error("finalizing call record", err)
			}
		}
		log.Info("session finalized",
			zap.String("outcome", outcome),
			zap.Duration("duration", sess.Duration()),
			zap.Int("tool_calls", len(sess.ToolLog())),
		)
	})
}

// outcomeForCause maps why the bridge stopped to the outcome written on
// the call record. Either leg dropping mid-call is a disconnect, not a
// failure.
func outcomeForCause(cause CloseCause) string {
	switch cause {
	case CauseCallerHangup:
		return OutcomeCompleted
	case CauseAIClosed, CauseTelephonyError:
		return OutcomeDisconnected
	default:
		return OutcomeFailed
	}
}

// streamFormat maps the provider's media format declaration onto a codec
// format. Unknown encodings are a handshake failure, not a guess.
func streamFormat(mf StreamMediaFormat) (codec.Format, error) {
	var enc codec.Encoding
	switch mf.Encoding {
	case "audio/x-mulaw", "mulaw", "g711_ulaw":
		enc = codec.EncodingMulaw
	case "audio/l16", "pcm16":
		enc = codec.EncodingPCM16
	default:
		return codec.Format{}, fmt.Errorf("%w: encoding %q", shared.ErrFormatMismatch, mf.Encoding)
	}
	rate := mf.SampleRate
	if rate == 0 {
		rate = 8000
	}
	channels := mf.Channels
	if channels == 0 {
		channels = 1
	}
	return codec.Format{Encoding: enc, SampleRate: rate, Channels: channels}, nil
}
