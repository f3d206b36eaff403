package mcp

import (
	"context"
	"log/slog"

	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

const notificationMethod = "notifications/message"

// ClientNotifier pushes a notification to every connected client.
// *server.MCPServer satisfies it.
type ClientNotifier interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// HubForwarder relays lifecycle events from the hub to connected clients as
// MCP log messages. Circuit-breaker transitions only surface this way.
type HubForwarder struct {
	hub      streaming.EventHub
	notifier ClientNotifier
	filter   streaming.EventFilter
	logger   *slog.Logger
}

// NewHubForwarder creates a forwarder for every hub event.
func NewHubForwarder(hub streaming.EventHub, notifier ClientNotifier, logger *slog.Logger) *HubForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubForwarder{hub: hub, notifier: notifier, logger: logger}
}

// Run subscribes to the hub and forwards events until ctx is done or the
// subscription is closed.
func (f *HubForwarder) Run(ctx context.Context) error {
	events, cancel, err := f.hub.Subscribe(ctx, f.filter)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.notifier.SendNotificationToAllClients(notificationMethod, map[string]any{
				"level":  eventLevel(ev.EventType),
				"logger": "chainflow",
				"data":   ev,
			})
			f.logger.DebugContext(ctx, "event forwarded", "event_type", ev.EventType, "execution_id", ev.ExecutionID)
		}
	}
}

// eventLevel maps an event type to an MCP logging level.
func eventLevel(eventType string) string {
	switch eventType {
	case schema.EventChainFailed, schema.EventStepFailed, schema.EventCircuitBreakerOpen:
		return "warning"
	default:
		return "info"
	}
}
