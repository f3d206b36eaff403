package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 10)

	expected := []string{
		"chainflow.publish_event",
		"chainflow.resume_step",
		"chainflow.get_execution",
		"chainflow.list_executions",
		"chainflow.get_events",
		"chainflow.watch_execution",
		"chainflow.define_chain",
		"chainflow.list_definitions",
		"chainflow.list_actions",
		"chainflow.diagram",
	}
	for _, name := range expected {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
		required    []string
	}{
		{"publish", "chainflow.publish_event", "Publish a domain event and start every enabled chain it triggers", []string{"event_type"}},
		{"resume", "chainflow.resume_step", "Re-run a single step execution through the step pipeline", []string{"step_execution_id"}},
		{"get execution", "chainflow.get_execution", "Get a chain execution with its steps and created entities", []string{"execution_id"}},
		{"watch", "chainflow.watch_execution", "Wait for new lifecycle events of a chain execution. Returns as soon as events past since exist, or when the timeout elapses", []string{"execution_id"}},
		{"define", "chainflow.define_chain", "Validate and register chain definitions given as YAML or JSON", []string{"source"}},
		{"actions", "chainflow.list_actions", "List registered action handlers", nil},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}
