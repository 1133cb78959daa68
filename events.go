package bridge

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types the bridge acts on. The voice service emits many
// more; anything not listed here is skipped by the client's read loop.
const (
	ServerEventTypeError                             ServerEventType = "error"
	ServerEventTypeSessionCreated                    ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                    ServerEventType = "session.updated"
	ServerEventTypeInputAudioBufferSpeechStarted     ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped     ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeResponseOutputAudioDelta          ServerEventType = "response.output_audio.delta"
	ServerEventTypeResponseOutputAudioDone           ServerEventType = "response.output_audio.done"
	ServerEventTypeResponseOutputAudioTranscriptDone ServerEventType = "response.output_audio_transcript.done"
	ServerEventTypeResponseFunctionCallArgumentsDone ServerEventType = "response.function_call_arguments.done"
	ServerEventTypeResponseDone                      ServerEventType = "response.done"
)

// Client event types the bridge sends.
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeResponseCancel         ClientEventType = "response.cancel"
)

// ErrUnknownServerEvent marks event types outside the bridge's taxonomy.
// Callers skip these rather than failing the stream.
var ErrUnknownServerEvent = errors.New("unknown server event type")

type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

type EventParam interface {
	validate() error
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var envelope struct {
		EventId string `json:"event_id"`
		Type    string `json:"type"`
	}
	if err := sonic.Unmarshal(data, &envelope); err != nil {
		return err
	}
	if envelope.Type == "" {
		return errors.New("missing type")
	}
	e.EventId = envelope.EventId
	e.Type = ServerEventType(envelope.Type)
	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeSessionCreated, ServerEventTypeSessionUpdated:
		e.Param = new(ServerEventParamSession)
	case ServerEventTypeInputAudioBufferSpeechStarted, ServerEventTypeInputAudioBufferSpeechStopped:
		e.Param = new(ServerEventParamSpeechBoundary)
	case ServerEventTypeResponseOutputAudioDelta:
		e.Param = new(ServerEventParamOutputAudioDelta)
	case ServerEventTypeResponseOutputAudioDone:
		e.Param = new(ServerEventParamOutputAudioDone)
	case ServerEventTypeResponseOutputAudioTranscriptDone:
		e.Param = new(ServerEventParamOutputAudioTranscriptDone)
	case ServerEventTypeResponseFunctionCallArgumentsDone:
		e.Param = new(ServerEventParamFunctionCallArgumentsDone)
	case ServerEventTypeResponseDone:
		e.Param = new(ServerEventParamResponseDone)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownServerEvent, e.Type)
	}
	if err := sonic.Unmarshal(data, e.Param); err != nil {
		return err
	}
	return e.Param.validate()
}

type ServerEventParamError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   any    `json:"param"`
		EventId string `json:"event_id"`
	} `json:"error"`
}

func (p *ServerEventParamError) validate() error {
	if p.Error.Type == "" && p.Error.Message == "" {
		return errors.New("missing error")
	}
	return nil
}

type ServerEventParamSession struct {
	Session map[string]any `json:"session"`
}

func (p *ServerEventParamSession) validate() error {
	if p.Session == nil {
		return errors.New("missing session")
	}
	return nil
}

type ServerEventParamSpeechBoundary struct {
	ItemId       string `json:"item_id"`
	AudioStartMs int    `json:"audio_start_ms"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

func (p *ServerEventParamSpeechBoundary) validate() error {
	return nil
}

type ServerEventParamOutputAudioDelta struct {
	ResponseId   string `json:"response_id"`
	ItemId       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

func (p *ServerEventParamOutputAudioDelta) validate() error {
	if p.Delta == "" {
		return errors.New("missing delta")
	}
	return nil
}

type ServerEventParamOutputAudioDone struct {
	ResponseId   string `json:"response_id"`
	ItemId       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
}

func (p *ServerEventParamOutputAudioDone) validate() error {
	return nil
}

type ServerEventParamOutputAudioTranscriptDone struct {
	ResponseId   string `json:"response_id"`
	ItemId       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

func (p *ServerEventParamOutputAudioTranscriptDone) validate() error {
	return nil
}

type ServerEventParamFunctionCallArgumentsDone struct {
	ResponseId  string `json:"response_id"`
	ItemId      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallId      string `json:"call_id"`
	Name        string `json:"name"`
	Arguments   string `json:"arguments"`
}

func (p *ServerEventParamFunctionCallArgumentsDone) validate() error {
	if p.CallId == "" {
		return errors.New("missing call_id")
	}
	if p.Name == "" {
		return errors.New("missing name")
	}
	return nil
}

type ServerEventParamResponseDone struct {
	Response map[string]any `json:"response"`
}

func (p *ServerEventParamResponseDone) validate() error {
	return nil
}

// ClientEvent is one message to the voice service. Payload keys are merged
// with event_id and type at marshal time.
type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Payload map[string]any
}

func NewClientEvent(t ClientEventType, payload map[string]any) ClientEvent {
	return ClientEvent{
		EventId: uuid.NewString(),
		Type:    t,
		Payload: payload,
	}
}

func (e ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	resp := map[string]any{}
	for k, v := range e.Payload {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}
