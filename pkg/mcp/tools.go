package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/chainflow/internal/definitions"
	"github.com/rendis/chainflow/internal/diagram"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

const (
	defaultListLimit    = 50
	defaultWatchSeconds = 30
	maxWatchSeconds     = 300
)

// executionView is an execution with what its steps created.
type executionView struct {
	*store.ChainExecution
	Entities []*store.ChainEntityMapping `json:"entities"`
}

// handlePublishEvent triggers every chain matching the event.
func (s *Server) handlePublishEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventType, err := req.RequireString("event_type")
	if err != nil {
		return mcp.NewToolResultError("event_type is required"), nil
	}
	eventID := req.GetString("event_id", "")
	if eventID == "" {
		eventID = uuid.NewString()
	}

	event := schema.GenericEvent{Type: eventType, ID: eventID}
	if payload := mcp.ParseStringMap(req, "payload", nil); payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", err)), nil
		}
		event.Payload = raw
	}

	result, err := s.orch.TryTriggerChains(ctx, event)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trigger failed: %v", err)), nil
	}
	s.logger.InfoContext(ctx, "event published",
		"event_type", eventType, "event_id", eventID, "executions", len(result.ExecutionIDs))
	return marshalResult(result)
}

// handleResumeStep re-runs one step execution.
func (s *Server) handleResumeStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stepID, err := req.RequireString("step_execution_id")
	if err != nil {
		return mcp.NewToolResultError("step_execution_id is required"), nil
	}

	step, err := s.orch.ResumeStep(ctx, stepID)
	if step == nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	out := map[string]any{"step": step}
	if err != nil {
		out["error"] = err.Error()
	}
	return marshalResult(out)
}

// handleGetExecution returns an execution with its steps and entity mappings.
func (s *Server) handleGetExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, err := s.orch.GetExecution(ctx, execID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
	}
	entities, err := s.orch.ListEntityMappings(ctx, execID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("entity lookup failed: %v", err)), nil
	}
	if entities == nil {
		entities = []*store.ChainEntityMapping{}
	}
	return marshalResult(executionView{ChainExecution: exec, Entities: entities})
}

// handleListExecutions lists executions matching the filter arguments.
func (s *Server) handleListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ExecutionFilter{
		DefinitionID: req.GetString("definition_id", ""),
		FamilyID:     req.GetString("family_id", ""),
		Limit:        req.GetInt("limit", defaultListLimit),
		Offset:       req.GetInt("offset", 0),
	}
	if status := req.GetString("status", ""); status != "" {
		cs := schema.ChainStatus(status)
		filter.Status = &cs
	}
	if since := req.GetString("since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		filter.Since = &t
	}

	execs, err := s.orch.ListExecutions(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if execs == nil {
		execs = []*store.ChainExecution{}
	}
	return marshalResult(map[string]any{"executions": execs})
}

// handleGetEvents returns the event log of an execution.
func (s *Server) handleGetEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	events, err := s.orch.GetEvents(ctx, execID, int64(req.GetInt("since", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

// handleWatchExecution returns the events of an execution past since. When
// there are none yet it waits on the hub for the next one or the timeout.
func (s *Server) handleWatchExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if s.events == nil {
		return mcp.NewToolResultError("live events are not enabled"), nil
	}
	since := int64(req.GetInt("since", 0))
	seconds := req.GetInt("timeout_seconds", defaultWatchSeconds)
	if seconds <= 0 {
		seconds = defaultWatchSeconds
	}
	seconds = min(seconds, maxWatchSeconds)

	// Subscribe before reading the log so nothing lands between the two.
	wake, cancel, err := s.events.Subscribe(ctx, streaming.EventFilter{ExecutionID: execID})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("subscribe failed: %v", err)), nil
	}
	defer cancel()

	exec, err := s.orch.GetExecution(ctx, execID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
	}
	events, err := s.orch.GetEvents(ctx, execID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	timedOut := false
	if len(events) == 0 && !exec.Status.IsTerminal() {
		timer := time.NewTimer(time.Duration(seconds) * time.Second)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return mcp.NewToolResultError("watch cancelled"), nil
		case <-timer.C:
			timedOut = true
		case <-wake:
			events, err = s.orch.GetEvents(ctx, execID, since)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
			}
		}
	}
	if events == nil {
		events = []*store.Event{}
	}

	return marshalResult(map[string]any{
		"events":    events,
		"finished":  exec.Status.IsTerminal() || hasChainOutcome(events),
		"timed_out": timedOut,
	})
}

func hasChainOutcome(events []*store.Event) bool {
	for _, e := range events {
		switch e.Type {
		case schema.EventChainCompleted, schema.EventChainPartiallyCompleted, schema.EventChainFailed:
			return true
		}
	}
	return false
}

// handleDefineChain parses, validates and saves every definition in source.
// Definitions without an id get one; the first failure stops the batch.
func (s *Server) handleDefineChain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source")
	if err != nil || strings.TrimSpace(source) == "" {
		return mcp.NewToolResultError("source is required"), nil
	}
	if s.definer == nil {
		return mcp.NewToolResultError("defining chains is not enabled"), nil
	}

	defs, err := definitions.Parse([]byte(source))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.ID) == "" {
			def.ID = uuid.NewString()
		}
		if err := s.definer.Save(ctx, def); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("definition %q rejected: %v", def.Name, err)), nil
		}
		ids = append(ids, def.ID)
	}
	s.logger.InfoContext(ctx, "chain definitions registered", "ids", ids)
	return marshalResult(map[string]any{"definition_ids": ids})
}

// handleListDefinitions lists stored chain definitions.
func (s *Server) handleListDefinitions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.DefinitionFilter{
		FamilyID:         req.GetString("family_id", ""),
		TriggerEventType: req.GetString("trigger_event_type", ""),
		EnabledOnly:      req.GetBool("enabled_only", false),
		Limit:            req.GetInt("limit", defaultListLimit),
	}

	defs, err := s.definitions.ListDefinitions(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if defs == nil {
		defs = []*schema.ChainDefinition{}
	}
	return marshalResult(map[string]any{"definitions": defs})
}

// handleListActions lists registered handlers.
func (s *Server) handleListActions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.actions == nil {
		return marshalResult(map[string]any{"actions": []any{}})
	}
	return marshalResult(map[string]any{"actions": s.actions.List()})
}

// handleDiagram draws a definition, or the definition of an execution with
// its step statuses.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "mermaid" && format != "svg" && format != "png" {
		return mcp.NewToolResultError("format must be mermaid, svg, or png"), nil
	}

	defID := req.GetString("definition_id", "")
	execID := req.GetString("execution_id", "")
	if defID == "" && execID == "" {
		return mcp.NewToolResultError("one of definition_id or execution_id is required"), nil
	}

	var steps []*store.StepExecution
	if execID != "" {
		exec, err := s.orch.GetExecution(ctx, execID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
		}
		defID = exec.DefinitionID
		steps = exec.Steps
	}
	def, err := s.definitions.GetDefinition(ctx, defID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition lookup failed: %v", err)), nil
	}

	model, err := diagram.Build(def, steps)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg":
		svg, err := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		png, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
