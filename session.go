package bridge

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/archerline/bridge/shared"
)

type SessionState int

const (
	StateConnecting SessionState = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// CustomerContext is what the call-record service knows about the person
// on the line. Zero value means the lookup failed or found nothing; the
// call proceeds without it.
type CustomerContext struct {
	CustomerId  string  `json:"customer_id"`
	Name        string  `json:"name"`
	Phone       string  `json:"phone"`
	Balance     float64 `json:"balance"`
	DaysOverdue int     `json:"days_overdue"`
}

// ToolCallRecord captures one tool invocation for the post-call report.
type ToolCallRecord struct {
	Tool        string    `json:"tool"`
	Token       string    `json:"token"`
	Input       string    `json:"input"`
	Output      string    `json:"output,omitempty"`
	Err         string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Session is the shared state of one bridged call. Its state only moves
// forward: connecting, streaming, closing, closed.
type Session struct {
	Id          string
	StreamSid   string
	CustomerRef string
	Direction   string
	Customer    CustomerContext
	StartedAt   time.Time

	logger shared.LoggerAdapter

	mu       sync.Mutex
	state    SessionState
	toolLog  []ToolCallRecord
	tele     TelephonyConn
	ai       AIConn
	inflight sync.WaitGroup

	closeOnce    sync.Once
	finalizeOnce sync.Once
}

func NewSession(logger shared.LoggerAdapter, id, customerRef, direction string) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	return &Session{
		Id:          id,
		CustomerRef: customerRef,
		Direction:   direction,
		StartedAt:   time.Now(),
		logger: logger.With(
			zap.String("session_id", id),
		),
		state: StateConnecting,
	}, nil
}

func (s *Session) Logger() shared.LoggerAdapter {
	return s.logger
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to the given state. Returns whether the
// state actually changed; moving to the current state is a no-op, moving
// backwards is ErrBadTransition.
func (s *Session) Transition(to SessionState) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to < s.state {
		return false, fmt.Errorf("%w: %s -> %s", shared.ErrBadTransition, s.state, to)
	}
	if to == s.state {
		return false, nil
	}
	s.logger.Info(
		"session state changed",
		zap.String("prev", s.state.String()),
		zap.String("new", to.String()),
	)
	s.state = to
	return true, nil
}

func (s *Session) Bridging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStreaming
}

func (s *Session) SetConns(tele TelephonyConn, ai AIConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tele = tele
	s.ai = ai
}

func (s *Session) Conns() (TelephonyConn, AIConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tele, s.ai
}

func (s *Session) SetCustomer(c CustomerContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Customer = c
}

func (s *Session) AppendToolCall(rec ToolCallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolLog = append(s.toolLog, rec)
}

func (s *Session) ToolLog() []ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolCallRecord, len(s.toolLog))
	copy(out, s.toolLog)
	return out
}

// TrackInflight registers one in-flight tool invocation. The returned
// func must be called exactly once when the invocation completes.
func (s *Session) TrackInflight() func() {
	s.inflight.Add(1)
	var once sync.Once
	return func() { once.Do(s.inflight.Done) }
}

// WaitInflight blocks until all in-flight tool invocations complete or
// the timeout elapses. Reports whether the wait completed cleanly.
func (s *Session) WaitInflight(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.inflight.Wait()
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// CloseSockets closes both legs of the call. Safe to call more than
// once; the sockets are closed exactly once.
func (s *Session) CloseSockets() {
	s.closeOnce.Do(func() {
		tele, ai := s.Conns()
		if tele != nil {
			if err := tele.Close(); err != nil {
				s.logger.Warn("closing telephony socket failed", zap.Error(err))
			}
		}
		if ai != nil {
			if err := ai.Close(); err != nil {
				s.logger.Warn("closing realtime socket failed", zap.Error(err))
			}
		}
	})
}

// Finalize runs fn at most once over the session's lifetime.
func (s *Session) Finalize(fn func()) {
	s.finalizeOnce.Do(fn)
}

func (s *Session) Duration() time.Duration {
	return time.Since(s.StartedAt)
}
