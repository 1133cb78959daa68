package bridge

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archerline/bridge/shared"
)

var errFakeClosed = errors.New("fake connection closed")

// fakeTelephonyConn feeds scripted protocol messages and records writes.
type fakeTelephonyConn struct {
	msgs chan *StreamMessage
	done chan struct{}

	mu         sync.Mutex
	media      [][]byte
	marks      []string
	clears     int
	closeCount int
}

func newFakeTelephonyConn() *fakeTelephonyConn {
	return &fakeTelephonyConn{
		msgs: make(chan *StreamMessage, 64),
		done: make(chan struct{}),
	}
}

func (f *fakeTelephonyConn) feed(msg *StreamMessage) {
	f.msgs <- msg
}

func (f *fakeTelephonyConn) ReadMessage() (*StreamMessage, error) {
	select {
	case msg := <-f.msgs:
		return msg, nil
	case <-f.done:
		return nil, errFakeClosed
	}
}

func (f *fakeTelephonyConn) WriteMedia(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.media = append(f.media, cp)
	return nil
}

func (f *fakeTelephonyConn) WriteMark(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func (f *fakeTelephonyConn) WriteClear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeTelephonyConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	if f.closeCount == 1 {
		close(f.done)
	}
	return nil
}

func (f *fakeTelephonyConn) mediaFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.media))
	copy(out, f.media)
	return out
}

func (f *fakeTelephonyConn) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeTelephonyConn) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

type toolResult struct {
	callId string
	output string
}

// fakeAIConn feeds scripted server events and records everything sent.
type fakeAIConn struct {
	events chan *ServerEvent
	done   chan struct{}

	mu         sync.Mutex
	audio      [][]byte
	results    []toolResult
	resultC    chan toolResult
	cancels    int
	closeCount int
}

func newFakeAIConn() *fakeAIConn {
	return &fakeAIConn{
		events:  make(chan *ServerEvent, 64),
		done:    make(chan struct{}),
		resultC: make(chan toolResult, 16),
	}
}

func (f *fakeAIConn) feed(event *ServerEvent) {
	f.events <- event
}

func (f *fakeAIConn) ReadEvent() (*ServerEvent, error) {
	select {
	case event := <-f.events:
		return event, nil
	case <-f.done:
		return nil, errFakeClosed
	}
}

func (f *fakeAIConn) SendAudio(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.audio = append(f.audio, cp)
	return nil
}

func (f *fakeAIConn) SendToolResult(callId string, output []byte) error {
	res := toolResult{callId: callId, output: string(output)}
	f.mu.Lock()
	f.results = append(f.results, res)
	f.mu.Unlock()
	f.resultC <- res
	return nil
}

func (f *fakeAIConn) CancelResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeAIConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	if f.closeCount == 1 {
		close(f.done)
	}
	return nil
}

func (f *fakeAIConn) audioFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.audio))
	copy(out, f.audio)
	return out
}

func (f *fakeAIConn) toolResults() []toolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]toolResult, len(f.results))
	copy(out, f.results)
	return out
}

func (f *fakeAIConn) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeAIConn) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

func newTestSession(t *testing.T, id string) *Session {
	t.Helper()
	sess, err := NewSession(shared.NewNopLogger(), id, "ref-1", "inbound")
	require.NoError(t, err)
	return sess
}
