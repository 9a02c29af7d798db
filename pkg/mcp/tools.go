package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tutorwiseapp/cas/internal/diagram"
	"github.com/tutorwiseapp/cas/internal/orchestrator"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// defaultHistoryLimit bounds cas.breaker history when no limit is given.
const defaultHistoryLimit = 20

// handleAssignTask queues a task for a role.
func (s *Server) handleAssignTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	roleName, err := req.RequireString("role")
	if err != nil {
		return mcp.NewToolResultError("role is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	role, err := schema.ParseRole(roleName)
	if err != nil {
		return toolError(err), nil
	}
	input, err := rawArgument(req, "input")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", err)), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))

	task, err := s.orch.AssignTask(ctx, role, &schema.Task{
		Name:        name,
		Description: req.GetString("description", ""),
		Priority:    schema.TaskPriority(req.GetString("priority", "")),
		Effort:      req.GetInt("effort", 0),
		DependsOn:   req.GetStringSlice("depends_on", nil),
		WorkflowID:  req.GetString("workflow_id", ""),
		Input:       input,
	})
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(task)
}

// handleCompleteTask marks a task completed.
func (s *Server) handleCompleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	output, err := rawArgument(req, "output")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid output: %v", err)), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))

	task, err := s.orch.CompleteTaskWithOutput(ctx, taskID, output)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(task)
}

// handleCancelTask cancels a task that has not completed.
func (s *Server) handleCancelTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))

	task, err := s.orch.CancelTask(ctx, taskID, req.GetString("reason", ""))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(task)
}

// handlePipeline creates the feature pipeline.
func (s *Server) handlePipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	feature, err := req.RequireString("feature")
	if err != nil {
		return mcp.NewToolResultError("feature is required"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))

	tasks, err := s.orch.CreateFeaturePipeline(ctx, feature, schema.TaskPriority(req.GetString("priority", "")))
	if err != nil {
		return toolError(err), nil
	}
	workflowID := ""
	if len(tasks) > 0 {
		workflowID = tasks[0].WorkflowID
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"tasks":       tasks,
	})
}

// handleStatus returns one task, or the summary, worker statuses and a
// filtered task list.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.captureSession(ctx, req.GetString("agent_id", ""))

	if taskID := req.GetString("task_id", ""); taskID != "" {
		task, err := s.orch.GetTask(ctx, taskID)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(task)
	}

	filter := orchestrator.TaskFilter{
		Status:     schema.TaskStatus(req.GetString("status", "")),
		WorkflowID: req.GetString("workflow_id", ""),
	}
	if roleName := req.GetString("role", ""); roleName != "" {
		role, err := schema.ParseRole(roleName)
		if err != nil {
			return toolError(err), nil
		}
		filter.Role = role
	}

	summary, err := s.orch.Summary(ctx)
	if err != nil {
		return toolError(err), nil
	}
	workers, err := s.orch.WorkerStatuses(ctx)
	if err != nil {
		return toolError(err), nil
	}
	tasks, err := s.orch.ListTasks(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"summary": summary,
		"workers": workers,
		"tasks":   tasks,
	})
}

// handleBlockers lists, detects or resolves blockers.
func (s *Server) handleBlockers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	switch action := req.GetString("action", "detect"); action {
	case "detect":
		blockers, err := s.orch.DetectBlockers(ctx)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"blockers": blockers})
	case "list":
		blockers, err := s.orch.Blockers(ctx)
		if err != nil {
			return toolError(err), nil
		}
		if !req.GetBool("include_resolved", false) {
			active := blockers[:0]
			for _, b := range blockers {
				if b.ResolvedAt == nil {
					active = append(active, b)
				}
			}
			blockers = active
		}
		return marshalResult(map[string]any{"blockers": blockers})
	case "resolve":
		index := req.GetInt("index", -1)
		if index < 0 {
			return mcp.NewToolResultError("index is required to resolve a blocker"), nil
		}
		b, err := s.orch.ResolveBlocker(ctx, index)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(b)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleBreaker reports or resets circuit breakers.
func (s *Server) handleBreaker(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := req.GetString("action", "status")
	var role schema.Role
	if roleName := req.GetString("role", ""); roleName != "" {
		r, err := schema.ParseRole(roleName)
		if err != nil {
			return toolError(err), nil
		}
		role = r
	} else if action != "status" {
		return mcp.NewToolResultError(fmt.Sprintf("role is required for %s", action)), nil
	}

	switch action {
	case "status":
		if role == "" {
			recs, err := s.breaker.Snapshots(ctx)
			if err != nil {
				return toolError(err), nil
			}
			return marshalResult(map[string]any{"breakers": recs})
		}
		rec, err := s.breaker.Snapshot(ctx, role)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(rec)
	case "history":
		history, err := s.breaker.History(ctx, role, req.GetInt("limit", defaultHistoryLimit))
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"role": role, "transitions": history})
	case "reset":
		if err := s.breaker.Reset(ctx, role); err != nil {
			return toolError(err), nil
		}
		s.logger.Info("breaker reset over mcp", "role", role)
		return marshalResult(map[string]any{"ok": true, "role": role})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleCheckpoints lists a workflow's versions with the latest state, or
// loads one version.
func (s *Server) handleCheckpoints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if version := req.GetInt("version", 0); version > 0 {
		cp, err := s.checkpoints.LoadVersion(ctx, workflowID, version)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(cp)
	}

	versions, err := s.checkpoints.ListVersions(ctx, workflowID)
	if err != nil {
		return toolError(err), nil
	}
	if len(versions) == 0 {
		return toolError(schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoints for workflow %s", workflowID)), nil
	}
	latest, err := s.checkpoints.LoadLatest(ctx, workflowID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"versions":    versions,
		"latest":      latest,
	})
}

func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	tasks, err := s.orch.ListTasks(ctx, orchestrator.TaskFilter{WorkflowID: workflowID})
	if err != nil {
		return toolError(err), nil
	}
	if len(tasks) == 0 {
		return toolError(schema.NewErrorf(schema.ErrCodeNotFound, "no tasks for workflow %s", workflowID)), nil
	}

	model := diagram.FromTasks(workflowID, tasks)
	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q", format)), nil
	}
}

// --- Internal helpers ---

// rawArgument returns the JSON encoding of an optional argument.
func rawArgument(req mcp.CallToolRequest, key string) (json.RawMessage, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// toolError reports err to the client. CASError text already carries its code.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
