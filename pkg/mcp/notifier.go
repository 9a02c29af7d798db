package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/tutorwiseapp/cas/internal/streaming"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the agent's session. An agent that is not
// connected is skipped without error.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// ForwardEvents relays hub events to the agent registered under the
// event's role until ctx is done. Events without a role are not relayed.
func (s *Server) ForwardEvents(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
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
			if ev.Role == "" {
				continue
			}
			if err := s.notifier.Notify(ctx, ev.Role, eventPayload(ev)); err != nil {
				s.logger.Debug("event notification failed", "role", ev.Role, "type", ev.Type, "error", err)
			}
		}
	}
}

func eventPayload(ev streaming.StreamEvent) map[string]any {
	p := map[string]any{
		"level":  "info",
		"logger": "cas",
		"type":   ev.Type,
		"role":   ev.Role,
		"time":   ev.Timestamp,
	}
	if ev.TaskID != "" {
		p["task_id"] = ev.TaskID
	}
	if ev.WorkflowID != "" {
		p["workflow_id"] = ev.WorkflowID
	}
	if ev.Payload != nil {
		p["data"] = ev.Payload
	}
	return p
}
