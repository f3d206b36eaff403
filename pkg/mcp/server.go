package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainflow/internal/actions"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// DefinitionStore is the definition side of the store the server reads.
type DefinitionStore interface {
	GetDefinition(ctx context.Context, id string) (*schema.ChainDefinition, error)
	ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*schema.ChainDefinition, error)
}

// Definer validates and persists a chain definition.
type Definer interface {
	Save(ctx context.Context, def *schema.ChainDefinition) error
}

// ActionLister lists registered action handlers.
type ActionLister interface {
	List() []actions.ActionInfo
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Orchestrator engine.Orchestrator
	Definitions  DefinitionStore
	Definer      Definer
	Actions      ActionLister
	Events       streaming.EventHub
	Logger       *slog.Logger
	Version      string
}

// Server exposes the orchestrator as MCP tools over stdio.
type Server struct {
	orch        engine.Orchestrator
	definitions DefinitionStore
	definer     Definer
	actions     ActionLister
	events      streaming.EventHub
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		orch:        deps.Orchestrator,
		definitions: deps.Definitions,
		definer:     deps.Definer,
		actions:     deps.Actions,
		events:      deps.Events,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"chainflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Chainflow runs event-triggered chains of actions. Use chainflow.publish_event to trigger chains, chainflow.get_execution to inspect a run, chainflow.resume_step to re-run a failed step, and chainflow.define_chain to register a chain definition."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
// With an event hub, lifecycle events are pushed to the client as log messages.
func (s *Server) Serve(ctx context.Context) error {
	if s.events != nil {
		fwdCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		fwd := NewHubForwarder(s.events, s.mcpServer, s.logger)
		go func() {
			if err := fwd.Run(fwdCtx); err != nil {
				s.logger.Warn("event forwarding stopped", "error", err.Error())
			}
		}()
	}

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: publishEventTool(), Handler: s.handlePublishEvent},
		{Tool: resumeStepTool(), Handler: s.handleResumeStep},
		{Tool: getExecutionTool(), Handler: s.handleGetExecution},
		{Tool: listExecutionsTool(), Handler: s.handleListExecutions},
		{Tool: getEventsTool(), Handler: s.handleGetEvents},
		{Tool: watchExecutionTool(), Handler: s.handleWatchExecution},
		{Tool: defineChainTool(), Handler: s.handleDefineChain},
		{Tool: listDefinitionsTool(), Handler: s.handleListDefinitions},
		{Tool: listActionsTool(), Handler: s.handleListActions},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func publishEventTool() mcp.Tool {
	return mcp.NewTool("chainflow.publish_event",
		mcp.WithDescription("Publish a domain event and start every enabled chain it triggers"),
		mcp.WithString("event_type", mcp.Required(), mcp.Description("Event type name, matched against trigger_event_type")),
		mcp.WithString("event_id", mcp.Description("Unique event id (generated when omitted)")),
		mcp.WithObject("payload", mcp.Description("Event payload, exposed to templates as trigger.*")),
	)
}

func resumeStepTool() mcp.Tool {
	return mcp.NewTool("chainflow.resume_step",
		mcp.WithDescription("Re-run a single step execution through the step pipeline"),
		mcp.WithString("step_execution_id", mcp.Required(), mcp.Description("ID of the step execution to resume")),
	)
}

func getExecutionTool() mcp.Tool {
	return mcp.NewTool("chainflow.get_execution",
		mcp.WithDescription("Get a chain execution with its steps and created entities"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the chain execution")),
	)
}

func listExecutionsTool() mcp.Tool {
	return mcp.NewTool("chainflow.list_executions",
		mcp.WithDescription("List chain executions, newest first"),
		mcp.WithString("definition_id", mcp.Description("Only executions of this definition")),
		mcp.WithString("family_id", mcp.Description("Only executions of this definition family")),
		mcp.WithString("status",
			mcp.Enum("pending", "running", "completed", "partially_completed", "failed"),
			mcp.Description("Only executions in this status"),
		),
		mcp.WithString("since", mcp.Description("RFC3339 lower bound on creation time")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Results to skip")),
	)
}

func getEventsTool() mcp.Tool {
	return mcp.NewTool("chainflow.get_events",
		mcp.WithDescription("Get the lifecycle event log of a chain execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the chain execution")),
		mcp.WithNumber("since", mcp.Description("Only events with a sequence greater than this")),
	)
}

func watchExecutionTool() mcp.Tool {
	return mcp.NewTool("chainflow.watch_execution",
		mcp.WithDescription("Wait for new lifecycle events of a chain execution. Returns as soon as events past since exist, or when the timeout elapses"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the chain execution")),
		mcp.WithNumber("since", mcp.Description("Only events with a sequence greater than this")),
		mcp.WithNumber("timeout_seconds", mcp.Description("How long to wait for new events (default 30, max 300)")),
	)
}

func defineChainTool() mcp.Tool {
	return mcp.NewTool("chainflow.define_chain",
		mcp.WithDescription("Validate and register chain definitions given as YAML or JSON"),
		mcp.WithString("source", mcp.Required(), mcp.Description("One or more YAML documents (or a JSON object) describing chain definitions")),
	)
}

func listDefinitionsTool() mcp.Tool {
	return mcp.NewTool("chainflow.list_definitions",
		mcp.WithDescription("List chain definitions"),
		mcp.WithString("family_id", mcp.Description("Only definitions of this family")),
		mcp.WithString("trigger_event_type", mcp.Description("Only definitions triggered by this event type")),
		mcp.WithBoolean("enabled_only", mcp.Description("Only enabled definitions")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
	)
}

func listActionsTool() mcp.Tool {
	return mcp.NewTool("chainflow.list_actions",
		mcp.WithDescription("List registered action handlers"),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("chainflow.diagram",
		mcp.WithDescription("Render a chain as a diagram. Returns Mermaid flowchart syntax, SVG markup, or a base64-encoded PNG image"),
		mcp.WithString("definition_id", mcp.Description("Chain definition to draw")),
		mcp.WithString("execution_id", mcp.Description("Chain execution to draw, with step status overlay")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "svg", "png"),
			mcp.Description("Output format"),
		),
	)
}
