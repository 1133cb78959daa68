package collab

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/archerline/bridge"
)

// CallRecords talks to the call-record service. Implements
// bridge.CallStore.
type CallRecords struct {
	client *Client
}

var _ bridge.CallStore = (*CallRecords)(nil)

func NewCallRecords(client *Client) *CallRecords {
	return &CallRecords{client: client}
}

type createCallRequest struct {
	CallId      string `json:"call_id"`
	CustomerRef string `json:"customer_ref,omitempty"`
	Direction   string `json:"direction"`
	StartedAt   string `json:"started_at"`
}

func (c *CallRecords) CreateCall(ctx context.Context, callId, customerRef, direction string) error {
	return c.client.do(ctx, fasthttp.MethodPost, "/calls", createCallRequest{
		CallId:      callId,
		CustomerRef: customerRef,
		Direction:   direction,
		StartedAt:   time.Now().UTC().Format(time.RFC3339),
	}, nil)
}

type finalizeCallRequest struct {
	DurationSeconds int                     `json:"duration_seconds"`
	Outcome         string                  `json:"outcome"`
	ToolLog         []bridge.ToolCallRecord `json:"tool_log"`
}

func (c *CallRecords) FinalizeCall(ctx context.Context, callId string, duration time.Duration, outcome string, toolLog []bridge.ToolCallRecord) error {
	if toolLog == nil {
		toolLog = []bridge.ToolCallRecord{}
	}
	return c.client.do(ctx, fasthttp.MethodPost, "/calls/"+callId+"/finalize", finalizeCallRequest{
		DurationSeconds: int(duration.Round(time.Second) / time.Second),
		Outcome:         outcome,
		ToolLog:         toolLog,
	}, nil)
}

func (c *CallRecords) Customer(ctx context.Context, customerRef string) (bridge.CustomerContext, error) {
	var out bridge.CustomerContext
	if err := c.client.do(ctx, fasthttp.MethodGet, "/customers/"+customerRef, nil, &out); err != nil {
		return bridge.CustomerContext{}, err
	}
	return out, nil
}
