package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

type recordingSession struct {
	id string
	ch chan mcp.JSONRPCNotification
}

func (s *recordingSession) Initialize()       {}
func (s *recordingSession) Initialized() bool { return true }
func (s *recordingSession) SessionID() string { return s.id }
func (s *recordingSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.ch
}

func TestHubForwarder_ForwardsEvents(t *testing.T) {
	hub := streaming.NewMemoryHub(0)
	srv := NewServer(ServerDeps{Events: hub, Logger: discardLogger()})
	session := &recordingSession{id: "client-1", ch: make(chan mcp.JSONRPCNotification, 4)}
	require.NoError(t, srv.MCPServer().RegisterSession(context.Background(), session))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewHubForwarder(hub, srv.MCPServer(), discardLogger()).Run(ctx) }()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, time.Millisecond)

	payload := json.RawMessage(`{"action_type":"calendar.create@v1","to":"open"}`)
	require.NoError(t, hub.Publish(context.Background(), streaming.StreamEvent{
		EventType: schema.EventCircuitBreakerOpen,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, hub.Publish(context.Background(), streaming.StreamEvent{
		ExecutionID: "exec-1",
		StepAlias:   "greet",
		EventType:   schema.EventStepCompleted,
		Sequence:    3,
	}))

	first := receiveNotification(t, session.ch)
	assert.Equal(t, "notifications/message", first.Method)
	assert.Equal(t, "warning", first.Params.AdditionalFields["level"])
	assert.Equal(t, "chainflow", first.Params.AdditionalFields["logger"])
	data, ok := first.Params.AdditionalFields["data"].(streaming.StreamEvent)
	require.True(t, ok)
	assert.Equal(t, schema.EventCircuitBreakerOpen, data.EventType)
	assert.JSONEq(t, string(payload), string(data.Payload))

	second := receiveNotification(t, session.ch)
	assert.Equal(t, "info", second.Params.AdditionalFields["level"])
	data, ok = second.Params.AdditionalFields["data"].(streaming.StreamEvent)
	require.True(t, ok)
	assert.Equal(t, "exec-1", data.ExecutionID)
	assert.Equal(t, int64(3), data.Sequence)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
	assert.Equal(t, 0, hub.Subscribers())
}

func TestHubForwarder_SubscribeError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewHubForwarder(streaming.NewMemoryHub(0), NewServer(ServerDeps{}).MCPServer(), discardLogger()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEventLevel(t *testing.T) {
	assert.Equal(t, "warning", eventLevel(schema.EventChainFailed))
	assert.Equal(t, "warning", eventLevel(schema.EventStepFailed))
	assert.Equal(t, "info", eventLevel(schema.EventChainCompleted))
	assert.Equal(t, "info", eventLevel(schema.EventCircuitBreakerClosed))
}

func receiveNotification(t *testing.T, ch <-chan mcp.JSONRPCNotification) mcp.JSONRPCNotification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("no notification received")
		return mcp.JSONRPCNotification{}
	}
}
