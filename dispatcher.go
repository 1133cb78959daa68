package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/archerline/bridge/shared"
)

// ToolInvocation is one function call lifted off the realtime stream.
// Token is the call id the result must be correlated with.
type ToolInvocation struct {
	Name  string
	Token string
	Input []byte
}

// ToolFunc executes one tool against its collaborator. The returned value
// is serialized as the tool output.
type ToolFunc func(ctx context.Context, sess *Session, input []byte) (any, error)

type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Run         ToolFunc
}

const DefaultToolTimeout = 10 * time.Second

// Dispatcher routes tool invocations to registered tools. Each dispatch
// runs on its own goroutine so the media loops never wait on a
// collaborator.
type Dispatcher struct {
	logger  shared.LoggerAdapter
	timeout time.Duration

	mu    sync.RWMutex
	tools map[string]Tool
}

func NewDispatcher(logger shared.LoggerAdapter, timeout time.Duration) (*Dispatcher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Dispatcher{
		logger:  logger,
		timeout: timeout,
		tools:   make(map[string]Tool),
	}, nil
}

func (d *Dispatcher) Register(tool Tool) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.Run == nil {
		return fmt.Errorf("tool %s has no run func", tool.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tools[tool.Name]; ok {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	d.tools[tool.Name] = tool
	return nil
}

// Schemas returns the function declarations advertised to the voice
// service in session.update.
func (d *Dispatcher) Schemas() []map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	schemas := make([]map[string]any, 0, len(d.tools))
	for _, tool := range d.tools {
		schemas = append(schemas, map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		})
	}
	return schemas
}

// Dispatch runs the invocation asynchronously and returns immediately.
// The result, success or failure, is always sent back to the voice
// service so the model can voice what happened. Results may complete in
// any order.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, conn AIConn, inv ToolInvocation) {
	d.mu.RLock()
	tool, ok := d.tools[inv.Name]
	d.mu.RUnlock()

	log := sess.Logger().With(
		zap.String("tool", inv.Name),
		zap.String("call_id", inv.Token),
	)

	rec := ToolCallRecord{
		Tool:      inv.Name,
		Token:     inv.Token,
		Input:     string(inv.Input),
		StartedAt: time.Now(),
	}

	if !ok {
		rec.Err = shared.ErrUnknownTool.Error()
		rec.CompletedAt = time.Now()
		sess.AppendToolCall(rec)
		log.Warn("unknown tool requested")
		// The refusal still goes back asynchronously; the read loop that
		// called us never waits on a socket write.
		done := sess.TrackInflight()
		go func() {
			defer done()
			d.reply(log, conn, inv.Token, failurePayload("unknown tool"))
		}()
		return
	}

	done := sess.TrackInflight()
	go func() {
		defer done()
		runCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		out, err := tool.Run(runCtx, sess, inv.Input)
		rec.CompletedAt = time.Now()
		if err != nil {
			// Timeouts, drain cancellation, and collaborator errors all
			// land in the log under the same sentinel.
			failure := fmt.Errorf("%w: %v", shared.ErrToolExecutionFailed, err)
			rec.Err = failure.Error()
			sess.AppendToolCall(rec)
			log.Error("tool execution failed", failure,
				zap.Duration("elapsed", rec.CompletedAt.Sub(rec.StartedAt)),
			)
			d.reply(log, conn, inv.Token, failurePayload(err.Error()))
			return
		}

		payload, err := sonic.Marshal(out)
		if err != nil {
			rec.Err = fmt.Errorf("%w: %v", shared.ErrToolExecutionFailed, err).Error()
			sess.AppendToolCall(rec)
			log.Error("marshaling tool output", err)
			d.reply(log, conn, inv.Token, failurePayload("internal error"))
			return
		}
		rec.Output = string(payload)
		sess.AppendToolCall(rec)
		log.Info("tool completed",
			zap.Duration("elapsed", rec.CompletedAt.Sub(rec.StartedAt)),
		)
		d.reply(log, conn, inv.Token, payload)
	}()
}

func (d *Dispatcher) reply(log shared.LoggerAdapter, conn AIConn, token string, payload []byte) {
	if err := conn.SendToolResult(token, payload); err != nil {
		log.Warn("sending tool result failed", zap.Error(err))
	}
}

// failurePayload is what the model hears when a tool cannot produce a
// real answer. Structured so the model can apologize coherently instead
// of hallucinating a result.
func failurePayload(reason string) []byte {
	payload, _ := sonic.Marshal(map[string]any{
		"status": "error",
		"reason": reason,
	})
	return payload
}
