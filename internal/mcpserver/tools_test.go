package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callRequest(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestPollEventsHandlerDefaultLimit(t *testing.T) {
	s, engine := newTestServer(t, Config{})

	root := engine.Root()
	_, err := engine.RegisterAgent("gemini", map[string]interface{}{
		"client":              "codex-cli",
		"model":               "gpt-5",
		"cwd":                 root,
		"project_root":        root,
		"permissions_mode":    "auto",
		"sandbox_mode":        "workspace-write",
		"session_id":          "sess-0001",
		"connection_id":       "conn-0001",
		"server_version":      "1.0.0",
		"verification_source": "mcp",
	})
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		_, err := engine.PublishEvent("tick", "codex", map[string]interface{}{"n": i}, nil)
		require.NoError(t, err)
	}

	result, err := s.pollEventsHandler()(context.Background(), callRequest(map[string]interface{}{
		"agent": "gemini",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload struct {
		Events     []map[string]interface{} `json:"events"`
		NextCursor int                      `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(result)), &payload))
	assert.Len(t, payload.Events, 50)
	assert.Equal(t, 50, payload.NextCursor)
}
