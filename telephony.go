package bridge

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/archerline/bridge/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Telephony media-stream wire protocol: JSON messages over a WebSocket, in
// the shape Twilio Media Streams uses. Audio payloads are base64.

type StreamEventType string

const (
	StreamEventConnected StreamEventType = "connected"
	StreamEventStart     StreamEventType = "start"
	StreamEventMedia     StreamEventType = "media"
	StreamEventMark      StreamEventType = "mark"
	StreamEventStop      StreamEventType = "stop"
	StreamEventDTMF      StreamEventType = "dtmf"
	StreamEventClear     StreamEventType = "clear"
)

type StreamMessage struct {
	Event          StreamEventType `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	StreamSid      string          `json:"streamSid,omitempty"`
	Start          *StreamStart    `json:"start,omitempty"`
	Media          *StreamMedia    `json:"media,omitempty"`
	Mark           *StreamMark     `json:"mark,omitempty"`
	Stop           *StreamStop     `json:"stop,omitempty"`
	DTMF           *StreamDTMF     `json:"dtmf,omitempty"`
}

type StreamStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      StreamMediaFormat `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type StreamMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StreamMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type StreamMark struct {
	Name string `json:"name"`
}

type StreamStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

type StreamDTMF struct {
	Digit string `json:"digit"`
}

// Custom parameter keys the telephony provider embeds in the start frame.
const (
	ParamCustomerRef = "customer_ref"
	ParamDirection   = "direction"
)

// TelephonyConn is the session's view of the telephony socket.
type TelephonyConn interface {
	// ReadMessage blocks for the next protocol message.
	ReadMessage() (*StreamMessage, error)
	// WriteMedia sends one audio frame, already in the telephony encoding.
	WriteMedia(frame []byte) error
	// WriteMark requests a playback acknowledgment for buffered audio.
	WriteMark(name string) error
	// WriteClear discards the provider's buffered outbound audio.
	WriteClear() error
	Close() error
}

type telephonyConn struct {
	logger shared.LoggerAdapter
	ws     *websocket.Conn

	wmu       sync.Mutex
	streamSid string

	closeOnce sync.Once
	closeErr  error
}

var _ TelephonyConn = (*telephonyConn)(nil)

// NewTelephonyConn wraps an upgraded WebSocket in the media-stream protocol.
func NewTelephonyConn(logger shared.LoggerAdapter, ws *websocket.Conn) (TelephonyConn, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &telephonyConn{logger: logger, ws: ws}, nil
}

func (t *telephonyConn) ReadMessage() (*StreamMessage, error) {
	for {
		mt, data, err := t.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("reading telephony socket: %w", err)
		}
		if mt != websocket.TextMessage {
			t.logger.Warn("received non-text message on telephony socket")
			continue
		}
		msg := new(StreamMessage)
		if err := sonic.Unmarshal(data, msg); err != nil {
			t.logger.Error("can not unmarshal stream message", err, zap.ByteString("data", data))
			continue
		}
		if msg.Event == StreamEventStart && msg.Start != nil {
			t.wmu.Lock()
			t.streamSid = msg.Start.StreamSid
			t.wmu.Unlock()
		}
		return msg, nil
	}
}

func (t *telephonyConn) WriteMedia(frame []byte) error {
	msg := map[string]any{
		"event":     "media",
		"streamSid": t.sid(),
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(frame),
		},
	}
	return t.writeJSON(msg)
}

func (t *telephonyConn) WriteMark(name string) error {
	msg := map[string]any{
		"event":     "mark",
		"streamSid": t.sid(),
		"mark": map[string]string{
			"name": name,
		},
	}
	return t.writeJSON(msg)
}

func (t *telephonyConn) WriteClear() error {
	msg := map[string]any{
		"event":     "clear",
		"streamSid": t.sid(),
	}
	return t.writeJSON(msg)
}

func (t *telephonyConn) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.ws.Close()
	})
	return t.closeErr
}

func (t *telephonyConn) sid() string {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.streamSid
}

func (t *telephonyConn) writeJSON(msg map[string]any) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling stream message: %w", err)
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing telephony socket: %w", err)
	}
	return nil
}
