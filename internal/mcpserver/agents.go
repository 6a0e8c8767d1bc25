package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/errs"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// registerAgentTools registers the registry-facing tools and returns how
// many it added.
func (s *Server) registerAgentTools(mcpServer *server.MCPServer) int {
	mcpServer.AddTool(
		mcp.NewTool("register_agent",
			mcp.WithDescription("Register this agent with the broker. Call this once on startup before polling for work. Re-registering the same agentId refreshes the registration."),
			mcp.WithString("agentId",
				mcp.Required(),
				mcp.Description("Stable identifier for this agent process"),
			),
			mcp.WithArray("capabilities",
				mcp.Required(),
				mcp.Description("Kinds of work this agent can perform: spec-writing, code-writing, test-writing, doc-writing, code-doctor"),
			),
			mcp.WithString("displayName",
				mcp.Description("Human-readable name. Generated when omitted."),
			),
			mcp.WithString("role",
				mcp.Description("Free-form role description, e.g. 'backend engineer'"),
			),
			mcp.WithObject("workspaceContext",
				mcp.Description("Where the agent operates: {kind: local|github, repoId, branch?, path?}"),
			),
			mcp.WithString("source",
				mcp.Description("How the agent connects: CLI or IDE (default IDE)"),
			),
		),
		s.registerAgentHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List registered agents with their derived status (PROCESSING, WAITING, or OFFLINE)."),
			mcp.WithString("capability",
				mcp.Description("Only list agents advertising this capability"),
			),
		),
		s.listAgentsHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("get_agent_status",
			mcp.WithDescription("Get one agent's registration and derived status. Accepts an agent id or display name."),
			mcp.WithString("agentId",
				mcp.Required(),
				mcp.Description("Agent id or display name"),
			),
		),
		s.getAgentStatusHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("admin_update_agent",
			mcp.WithDescription("Update an agent's registration. Omitted fields keep their current value."),
			mcp.WithString("agentId",
				mcp.Required(),
				mcp.Description("Agent id or display name"),
			),
			mcp.WithString("displayName", mcp.Description("New display name")),
			mcp.WithString("role", mcp.Description("New role")),
			mcp.WithArray("capabilities", mcp.Description("Replacement capability list")),
			mcp.WithObject("workspaceContext", mcp.Description("Replacement workspace context")),
			mcp.WithString("color", mcp.Description("New display color")),
		),
		s.adminUpdateAgentHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("admin_evict_agent",
			mcp.WithDescription("Ask an agent to disconnect. The signal is delivered on its next poll; a pending eviction can only be upgraded, never downgraded."),
			mcp.WithString("agentId",
				mcp.Required(),
				mcp.Description("Agent id or display name"),
			),
			mcp.WithString("reason",
				mcp.Required(),
				mcp.Description("Why the agent is being evicted"),
			),
			mcp.WithString("action",
				mcp.Description("What the agent should do after disconnecting: RESTART (default) or SHUTDOWN"),
			),
		),
		s.adminEvictAgentHandler(),
	)

	return 5
}

func (s *Server) registerAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agentId")
		if err != nil {
			return errorResult(errs.Validation("agentId is required"))
		}
		args := req.GetArguments()

		caps, err := capabilityList(args, "capabilities")
		if err != nil {
			return errorResult(err)
		}

		registration := &v1.RegisterAgentRequest{
			AgentID:      agentID,
			DisplayName:  req.GetString("displayName", ""),
			Role:         req.GetString("role", ""),
			Capabilities: caps,
			Source:       v1.AgentSource(req.GetString("source", "")),
		}
		var workspace v1.WorkspaceContext
		if ok, err := decodeArg(args, "workspaceContext", &workspace); err != nil {
			return errorResult(err)
		} else if ok {
			registration.WorkspaceContext = &workspace
		}

		agent, err := s.engine.Registry().Register(ctx, registration)
		if err != nil {
			return errorResult(err)
		}

		s.logger.Info("agent registered via tool",
			zap.String("agent_id", agent.ID),
			zap.String("display_name", agent.DisplayName))
		return jsonResult(agent)
	}
}

func (s *Server) listAgentsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var capability v1.Capability
		if raw := req.GetString("capability", ""); raw != "" {
			capability = v1.Capability(raw)
			if !capability.IsValid() {
				return errorResult(errs.Validation("unknown capability %q", raw))
			}
		}

		agents, err := s.engine.Registry().ListAgents(ctx, capability)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(agents)
	}
}

func (s *Server) getAgentStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := req.RequireString("agentId")
		if err != nil {
			return errorResult(errs.Validation("agentId is required"))
		}

		agent, err := s.engine.Registry().ResolveAgent(ctx, ref)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(agent)
	}
}

func (s *Server) adminUpdateAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := req.RequireString("agentId")
		if err != nil {
			return errorResult(errs.Validation("agentId is required"))
		}
		args := req.GetArguments()

		caps, err := capabilityList(args, "capabilities")
		if err != nil {
			return errorResult(err)
		}

		update := &v1.AgentUpdate{
			DisplayName:  req.GetString("displayName", ""),
			Role:         req.GetString("role", ""),
			Capabilities: caps,
			Color:        req.GetString("color", ""),
		}
		var workspace v1.WorkspaceContext
		if ok, err := decodeArg(args, "workspaceContext", &workspace); err != nil {
			return errorResult(err)
		} else if ok {
			update.WorkspaceContext = &workspace
		}

		agent, err := s.engine.Registry().ResolveAgent(ctx, ref)
		if err != nil {
			return errorResult(err)
		}
		updated, err := s.engine.Registry().UpdateAgent(ctx, agent.ID, update)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(updated)
	}
}

func (s *Server) adminEvictAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := req.RequireString("agentId")
		if err != nil {
			return errorResult(errs.Validation("agentId is required"))
		}
		reason := req.GetString("reason", "")
		if reason == "" {
			return errorResult(errs.Permission("eviction requires a reason"))
		}
		action := v1.EvictionAction(req.GetString("action", ""))

		agent, err := s.engine.Registry().ResolveAgent(ctx, ref)
		if err != nil {
			return errorResult(err)
		}
		evicted, err := s.engine.Registry().RequestEviction(ctx, agent.ID, reason, action)
		if err != nil {
			return errorResult(err)
		}

		s.logger.Info("eviction requested via tool",
			zap.String("agent_id", evicted.ID),
			zap.String("reason", reason))
		return jsonResult(evicted)
	}
}
