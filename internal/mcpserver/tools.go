package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/tracing"
	"github.com/dispatchd/dispatchd/internal/errs"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// bossSentinel is the sourceAgentId used for work delegated by a human
// operator. It is a literal sentinel, never a registered agent.
const bossSentinel = "Da Boss"

// registerTools registers every tool handler on the MCP server.
func (s *Server) registerTools(mcpServer *server.MCPServer) {
	count := 0
	count += s.registerAgentTools(mcpServer)
	count += s.registerWaitTools(mcpServer)
	count += s.registerTaskTools(mcpServer)
	count += s.registerReviewTools(mcpServer)
	s.logger.Info("registered MCP tools", zap.Int("count", count))
}

// tracingMiddleware wraps each tool call in an OTel span named after the
// tool. Without OTEL_EXPORTER_OTLP_ENDPOINT the tracer is a no-op.
func (s *Server) tracingMiddleware() server.ToolHandlerMiddleware {
	tracer := tracing.Tracer("dispatchd-mcp")
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			ctx, span := tracer.Start(ctx, "tool."+req.Params.Name)
			defer span.End()

			result, err := next(ctx, req)

			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			} else if result != nil && result.IsError {
				span.SetStatus(codes.Error, "tool returned error result")
			}
			return result, err
		}
	}
}

// heartbeatMiddleware refreshes lastSeen for any tool call that identifies
// its caller via agentId or sourceAgentId. The registry debounces the
// underlying write. Unknown ids and the operator sentinel are skipped.
func (s *Server) heartbeatMiddleware() server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id := req.GetString("agentId", "")
			if id == "" {
				id = req.GetString("sourceAgentId", "")
			}
			if id != "" && id != bossSentinel {
				if err := s.engine.Registry().Heartbeat(ctx, id); err != nil && !errs.IsNotFound(err) {
					s.logger.Debug("heartbeat failed",
						zap.String("agent_id", id), zap.Error(err))
				}
			}
			return next(ctx, req)
		}
	}
}

// jsonResult renders v as an indented JSON tool result.
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(errs.Internal(err, "failed to encode result"))
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult renders a coded error as "[CODE] message" with isError set.
// Errors that never passed through the errs package render as INTERNAL.
func errorResult(err error) (*mcp.CallToolResult, error) {
	var coded *errs.Error
	if errors.As(err, &coded) {
		return mcp.NewToolResultError(coded.Error()), nil
	}
	return mcp.NewToolResultError(fmt.Sprintf("[%s] %v", errs.CodeInternal, err)), nil
}

// stringList coerces an optional array argument into a string slice.
func stringList(args map[string]interface{}, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, errs.Validation("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, errs.Validation("%s must be an array of strings", key)
		}
		out = append(out, str)
	}
	return out, nil
}

// capabilityList parses an optional capability array argument, rejecting
// unknown capability names.
func capabilityList(args map[string]interface{}, key string) ([]v1.Capability, error) {
	names, err := stringList(args, key)
	if err != nil {
		return nil, err
	}
	return parseCapabilities(names)
}

func parseCapabilities(names []string) ([]v1.Capability, error) {
	if len(names) == 0 {
		return nil, nil
	}
	caps := make([]v1.Capability, 0, len(names))
	for _, name := range names {
		capability := v1.Capability(name)
		if !capability.IsValid() {
			return nil, errs.Validation("unknown capability %q", name)
		}
		caps = append(caps, capability)
	}
	return caps, nil
}

// parsePriority maps a priority argument to its enum, defaulting to normal.
func parsePriority(raw string) (v1.TaskPriority, error) {
	if raw == "" {
		return v1.TaskPriorityNormal, nil
	}
	priority := v1.TaskPriority(strings.ToLower(raw))
	if !priority.IsValid() {
		return "", errs.Validation("unknown priority %q", raw)
	}
	return priority, nil
}

// decodeArg unmarshals an optional structured argument into out via a
// JSON round trip. Returns false when the key is absent.
func decodeArg(args map[string]interface{}, key string, out interface{}) (bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return false, errs.Validation("%s is malformed: %v", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, errs.Validation("%s is malformed: %v", key, err)
	}
	return true, nil
}

// objectArg returns an optional free-form object argument as a map.
func objectArg(args map[string]interface{}, key string) (map[string]interface{}, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errs.Validation("%s must be an object", key)
	}
	return obj, nil
}

// taskOrigin attributes a delegated task to its source. The operator
// sentinel maps to a user origin, anything else to an agent origin.
func taskOrigin(sourceAgentID string) v1.TaskOrigin {
	if sourceAgentID == "" || sourceAgentID == bossSentinel {
		return v1.TaskOrigin{Type: v1.OriginUser, ID: bossSentinel, Name: bossSentinel}
	}
	return v1.TaskOrigin{Type: v1.OriginAgent, ID: sourceAgentID}
}
