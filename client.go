package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/openai/openai-go/v3/realtime"
	"go.uber.org/zap"

	"github.com/archerline/bridge/shared"
)

// AIConn is the voice-service side of a bridged call: a stream of typed
// server events in, audio frames and tool results out.
type AIConn interface {
	ReadEvent() (*ServerEvent, error)
	SendAudio(frame []byte) error
	SendToolResult(callId string, output []byte) error
	CancelResponse() error
	Close() error
}

type ClientState int

const (
	ClientStateNew ClientState = iota
	ClientStateConnecting
	ClientStateConnected
	ClientStateClosed
)

const dialTimeout = 10 * time.Second

// Client speaks the realtime WebSocket protocol to the voice service.
// Implements AIConn.
type Client struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	apiKey  string
	cfg     *realtime.RealtimeSessionCreateRequestParam

	mu      sync.Mutex
	writeMu sync.Mutex
	ws      *websocket.Conn
	state   ClientState

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewClient(ctx context.Context, logger shared.LoggerAdapter, apiKey, baseUrl string) (c *Client, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	var baseUrl_ *url.URL
	if baseUrl != "" {
		baseUrl_, err = url.Parse(baseUrl)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
	} else {
		baseUrl_ = &url.URL{
			Scheme: "https",
			Host:   "api.openai.com",
			Path:   "/v1",
		}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c = &Client{
		logger:  logger,
		baseUrl: baseUrl_,
		apiKey:  apiKey,
		state:   ClientStateNew,
		ctx:     ctx,
		cancel:  cancel,
	}
	return c, nil
}

func (c *Client) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	return nil
}

func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SetConfig(cfg *realtime.RealtimeSessionCreateRequestParam) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientStateNew {
		return shared.ErrSessionClosed
	}
	c.cfg = cfg
	return nil
}

// Connect dials the realtime endpoint, waits for session.created, pushes
// the session configuration with the given tool schemas, and requests the
// opening response. The greeting instructs the model what to say first.
func (c *Client) Connect(ctx context.Context, tools []map[string]any, greeting string) error {
	c.mu.Lock()
	if c.state != ClientStateNew {
		c.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if c.cfg == nil {
		c.mu.Unlock()
		return shared.ErrNoConfig
	}
	c.state = ClientStateConnecting
	c.mu.Unlock()

	wsUrl := *c.baseUrl.JoinPath("/realtime")
	switch wsUrl.Scheme {
	case "https":
		wsUrl.Scheme = "wss"
	case "http":
		wsUrl.Scheme = "ws"
	}
	q := wsUrl.Query()
	q.Set("model", c.cfg.Model)
	wsUrl.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, resp, err := dialer.DialContext(ctx, wsUrl.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.cancel(shared.ErrUnauthorized)
			return shared.ErrUnauthorized
		}
		c.cancel(fmt.Errorf("dialing realtime endpoint: %w", err))
		return fmt.Errorf("dialing realtime endpoint: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = ClientStateConnected
	c.mu.Unlock()

	created, err := c.ReadEvent()
	if err != nil {
		return fmt.Errorf("waiting for session.created: %w", err)
	}
	if created.Type != ServerEventTypeSessionCreated {
		return fmt.Errorf("%w: expected session.created, got %s", shared.ErrHandshakeFailed, created.Type)
	}
	c.logger.Info("realtime session created", zap.String("event_id", created.EventId))

	if err := c.sendSessionUpdate(tools); err != nil {
		return fmt.Errorf("sending session.update: %w", err)
	}
	if greeting != "" {
		if err := c.send(NewClientEvent(ClientEventTypeResponseCreate, map[string]any{
			"response": map[string]any{
				"instructions": greeting,
			},
		})); err != nil {
			return fmt.Errorf("requesting greeting response: %w", err)
		}
	}
	return nil
}

func (c *Client) sendSessionUpdate(tools []map[string]any) error {
	cfgBytes, err := c.cfg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling session config: %w", err)
	}
	session := map[string]any{}
	if err := sonic.Unmarshal(cfgBytes, &session); err != nil {
		return fmt.Errorf("unmarshaling session config: %w", err)
	}
	// Model is fixed by the dial query, not the update payload.
	delete(session, "model")
	if len(tools) > 0 {
		session["tools"] = tools
	}
	return c.send(NewClientEvent(ClientEventTypeSessionUpdate, map[string]any{
		"session": session,
	}))
}

// ReadEvent returns the next server event the bridge understands. Event
// types outside the taxonomy are skipped at trace level, not surfaced as
// errors.
func (c *Client) ReadEvent() (*ServerEvent, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil, shared.ErrSessionClosed
	}
	for {
		if err := c.respectCtx(); err != nil {
			return nil, err
		}
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("reading realtime message: %w", err)
		}
		if msgType != websocket.TextMessage {
			c.logger.Warn("skipping non-text realtime message", zap.Int("message_type", msgType))
			continue
		}
		event := new(ServerEvent)
		if err := event.UnmarshalJSON(data); err != nil {
			if errors.Is(err, ErrUnknownServerEvent) {
				c.logger.Trace("skipping realtime event", zap.String("type", string(event.Type)))
				continue
			}
			c.logger.Error("unmarshaling realtime event", err, zap.ByteString("data", data))
			continue
		}
		return event, nil
	}
}

func (c *Client) SendAudio(frame []byte) error {
	return c.send(ClientEvent{
		// Append events are too frequent to carry ids.
		Type: ClientEventTypeInputAudioBufferAppend,
		Payload: map[string]any{
			"audio": base64.StdEncoding.EncodeToString(frame),
		},
	})
}

// SendToolResult delivers a function call output and asks the model to
// continue the conversation with it.
func (c *Client) SendToolResult(callId string, output []byte) error {
	if err := c.send(NewClientEvent(ClientEventTypeConversationItemCreate, map[string]any{
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callId,
			"output":  string(output),
		},
	})); err != nil {
		return err
	}
	return c.send(NewClientEvent(ClientEventTypeResponseCreate, map[string]any{}))
}

func (c *Client) CancelResponse() error {
	return c.send(NewClientEvent(ClientEventTypeResponseCancel, map[string]any{}))
}

func (c *Client) send(event ClientEvent) error {
	if err := c.respectCtx(); err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return shared.ErrSessionClosed
	}
	data, err := sonic.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", event.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s event: %w", event.Type, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ClientStateClosed {
		return nil
	}
	c.state = ClientStateClosed
	if c.ws != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) && !strings.Contains(err.Error(), "use of closed") {
			c.logger.Warn("writing close frame failed", zap.Error(err))
		}
		if err := c.ws.Close(); err != nil {
			c.logger.Error("closing realtime socket failed", err)
		}
		c.ws = nil
	}
	if c.cancel != nil {
		c.cancel(errors.New("client closed"))
		c.cancel = nil
	}
	return nil
}
