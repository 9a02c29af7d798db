package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tutorwiseapp/cas/internal/checkpoint"
	"github.com/tutorwiseapp/cas/internal/orchestrator"
	"github.com/tutorwiseapp/cas/internal/store"
	"github.com/tutorwiseapp/cas/internal/streaming"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// Orchestrator is the task-control subset the tools call.
type Orchestrator interface {
	AssignTask(ctx context.Context, role schema.Role, task *schema.Task) (*schema.Task, error)
	CompleteTaskWithOutput(ctx context.Context, id string, output json.RawMessage) (*schema.Task, error)
	CancelTask(ctx context.Context, id, reason string) (*schema.Task, error)
	CreateFeaturePipeline(ctx context.Context, feature string, priority schema.TaskPriority) ([]*schema.Task, error)
	GetTask(ctx context.Context, id string) (*schema.Task, error)
	ListTasks(ctx context.Context, filter orchestrator.TaskFilter) ([]*schema.Task, error)
	WorkerStatuses(ctx context.Context) ([]*schema.WorkerStatus, error)
	Summary(ctx context.Context) (*orchestrator.Summary, error)
	Blockers(ctx context.Context) ([]*schema.Blocker, error)
	DetectBlockers(ctx context.Context) ([]*schema.Blocker, error)
	ResolveBlocker(ctx context.Context, index int) (*schema.Blocker, error)
}

// Breaker is the circuit-breaker inspection subset.
type Breaker interface {
	Snapshot(ctx context.Context, role schema.Role) (*store.BreakerRecord, error)
	Snapshots(ctx context.Context) ([]*store.BreakerRecord, error)
	History(ctx context.Context, role schema.Role, limit int) ([]*store.BreakerTransition, error)
	Reset(ctx context.Context, role schema.Role) error
}

// Checkpoints reads workflow checkpoints.
type Checkpoints interface {
	LoadLatest(ctx context.Context, workflowID string) (*store.Checkpoint, error)
	LoadVersion(ctx context.Context, workflowID string, version int) (*store.Checkpoint, error)
	ListVersions(ctx context.Context, workflowID string) ([]checkpoint.Version, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Orchestrator Orchestrator
	Breaker      Breaker
	Checkpoints  Checkpoints
	Hub          streaming.EventHub
	Logger       *slog.Logger
}

// Server exposes the control plane as MCP tools.
type Server struct {
	orch        Orchestrator
	breaker     Breaker
	checkpoints Checkpoints
	hub         streaming.EventHub
	sessions    *SessionRegistry
	notifier    AgentNotifier
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with all control-plane tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		orch:        deps.Orchestrator,
		breaker:     deps.Breaker,
		checkpoints: deps.Checkpoints,
		hub:         deps.Hub,
		sessions:    NewSessionRegistry(),
		logger:      logger.With("component", "mcp"),
	}

	mcpSrv := server.NewMCPServer(
		"cas",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.hooks()),
		server.WithInstructions("cas schedules work across the analyst, developer, tester, qa, security, engineer and marketer agents. Use cas.assign_task and cas.pipeline to queue work, cas.complete_task and cas.cancel_task to settle it, cas.status and cas.blockers to see what is stuck, cas.breaker for per-role circuit state and cas.checkpoints for saved workflow state."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// hooks drop session mappings when a client goes away.
func (s *Server) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})
	return h
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: assignTaskTool(), Handler: s.handleAssignTask},
		{Tool: completeTaskTool(), Handler: s.handleCompleteTask},
		{Tool: cancelTaskTool(), Handler: s.handleCancelTask},
		{Tool: pipelineTool(), Handler: s.handlePipeline},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: blockersTool(), Handler: s.handleBlockers},
		{Tool: breakerTool(), Handler: s.handleBreaker},
		{Tool: checkpointsTool(), Handler: s.handleCheckpoints},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func roleNames() []string {
	roles := schema.AllRoles()
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

var priorityNames = []string{
	string(schema.PriorityCritical),
	string(schema.PriorityHigh),
	string(schema.PriorityMedium),
	string(schema.PriorityLow),
}

func assignTaskTool() mcp.Tool {
	return mcp.NewTool("cas.assign_task",
		mcp.WithDescription("Queue a task for an agent role"),
		mcp.WithString("role", mcp.Required(), mcp.Enum(roleNames()...), mcp.Description("Role that will execute the task")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Short task name")),
		mcp.WithString("description", mcp.Description("Task details")),
		mcp.WithString("priority", mcp.Enum(priorityNames...), mcp.Description("Priority (default: medium)")),
		mcp.WithNumber("effort", mcp.Description("Capacity units the task occupies while running")),
		mcp.WithArray("depends_on", mcp.WithStringItems(), mcp.Description("IDs of tasks that must complete first")),
		mcp.WithString("workflow_id", mcp.Description("Workflow the task belongs to")),
		mcp.WithObject("input", mcp.Description("Input handed to the worker")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent, used for event notifications")),
	)
}

func completeTaskTool() mcp.Tool {
	return mcp.NewTool("cas.complete_task",
		mcp.WithDescription("Mark a task completed and unblock its dependents"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithObject("output", mcp.Description("Task output")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
	)
}

func cancelTaskTool() mcp.Tool {
	return mcp.NewTool("cas.cancel_task",
		mcp.WithDescription("Cancel a pending, blocked, running or failed task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("reason", mcp.Description("Why the task is cancelled")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
	)
}

func pipelineTool() mcp.Tool {
	return mcp.NewTool("cas.pipeline",
		mcp.WithDescription("Create the seven-stage feature pipeline from analysis to announcement"),
		mcp.WithString("feature", mcp.Required(), mcp.Description("Feature name")),
		mcp.WithString("priority", mcp.Enum(priorityNames...), mcp.Description("Priority for every stage (default: medium)")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("cas.status",
		mcp.WithDescription("Get a task, or the task summary, worker statuses and matching tasks"),
		mcp.WithString("task_id", mcp.Description("Return only this task")),
		mcp.WithString("role", mcp.Enum(roleNames()...), mcp.Description("Filter tasks by role")),
		mcp.WithString("status", mcp.Description("Filter tasks by status")),
		mcp.WithString("workflow_id", mcp.Description("Filter tasks by workflow")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
	)
}

func blockersTool() mcp.Tool {
	return mcp.NewTool("cas.blockers",
		mcp.WithDescription("List, re-detect or resolve blockers"),
		mcp.WithString("action", mcp.Enum("list", "detect", "resolve"), mcp.Description("Operation (default: detect)")),
		mcp.WithNumber("index", mcp.Description("Position in the detected list of the blocker to resolve")),
		mcp.WithBoolean("include_resolved", mcp.Description("With list, also return resolved blockers")),
	)
}

func breakerTool() mcp.Tool {
	return mcp.NewTool("cas.breaker",
		mcp.WithDescription("Inspect or reset per-role circuit breakers"),
		mcp.WithString("action", mcp.Enum("status", "history", "reset"), mcp.Description("Operation (default: status)")),
		mcp.WithString("role", mcp.Enum(roleNames()...), mcp.Description("Role; required for history and reset")),
		mcp.WithNumber("limit", mcp.Description("Maximum transitions returned by history (default: 20)")),
	)
}

func checkpointsTool() mcp.Tool {
	return mcp.NewTool("cas.checkpoints",
		mcp.WithDescription("List checkpoint versions of a workflow or load one"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithNumber("version", mcp.Description("Load this version; omit to list versions and load the latest")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("cas.diagram",
		mcp.WithDescription("Draw a workflow's task graph with each task's status"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow, as returned by cas.pipeline")),
		mcp.WithString("format", mcp.Enum("mermaid", "ascii"), mcp.Description("Output format (default: mermaid)")),
	)
}
