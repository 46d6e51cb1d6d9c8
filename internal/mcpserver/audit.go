package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crewkit/crewkit/internal/bus"
)

// redactedKeys are the argument-key substrings whose values never reach
// the audit trail. Matching is case-insensitive.
var redactedKeys = []string{
	"session_id",
	"connection_id",
	"api_key",
	"token",
	"secret",
	"password",
	"authorization",
}

const redactedPlaceholder = "[redacted]"

// auditMiddleware appends one audit record per tools/call and, while a
// debug window is open, traces the full request and response JSON.
// Audit failures are logged and never fail the call itself.
func (s *Server) auditMiddleware(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		result, err := next(ctx, req)
		duration := time.Since(start)

		args := req.GetArguments()
		status := "ok"
		errMsg := ""
		switch {
		case err != nil:
			status = "error"
			errMsg = err.Error()
		case result != nil && result.IsError:
			status = "error"
			errMsg = resultText(result)
		}

		source := ""
		if v, ok := args["source"].(string); ok {
			source = v
		} else if v, ok := args["agent"].(string); ok {
			source = v
		}

		rec := bus.AuditRecord{
			Tool:       req.Params.Name,
			Status:     status,
			DurationMS: duration.Milliseconds(),
			Source:     source,
			Arguments:  redactArguments(args),
			Error:      errMsg,
		}
		if auditErr := s.engine.Bus().AppendAudit(rec); auditErr != nil {
			s.logger.Warn("failed to append audit record",
				zap.String("tool", req.Params.Name), zap.Error(auditErr))
		}

		if s.debug.consume() {
			reqJSON, _ := json.Marshal(args)
			respJSON := resultText(result)
			s.logger.Debug("tool call trace",
				zap.String("tool", req.Params.Name),
				zap.String("status", status),
				zap.Int64("duration_ms", duration.Milliseconds()),
				zap.String("request", string(reqJSON)),
				zap.String("response", respJSON))
		}

		return result, err
	}
}

// resultText extracts the first text content block of a tool result.
func resultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return ""
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range redactedKeys {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// redactArguments replaces sensitive values with a placeholder,
// recursing into nested objects and object-valued array elements. The
// input is never mutated.
func redactArguments(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for key, value := range args {
		if sensitiveKey(key) {
			out[key] = redactedPlaceholder
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		return redactArguments(typed)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = redactValue(item)
		}
		return out
	default:
		return value
	}
}
