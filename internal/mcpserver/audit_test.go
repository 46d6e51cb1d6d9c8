package mcpserver

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensitiveKeyMatchesSubstringsCaseInsensitive(t *testing.T) {
	for _, key := range []string{
		"session_id",
		"Session_ID",
		"connection_id",
		"api_key",
		"MY_API_KEY",
		"access_token",
		"client_secret",
		"password",
		"Authorization",
	} {
		assert.True(t, sensitiveKey(key), key)
	}
	for _, key := range []string{"agent", "task_id", "title", "status"} {
		assert.False(t, sensitiveKey(key), key)
	}
}

func TestRedactArgumentsRecursesWithoutMutating(t *testing.T) {
	args := map[string]interface{}{
		"agent":      "claude_code",
		"session_id": "sess-secret",
		"metadata": map[string]interface{}{
			"connection_id": "conn-secret",
			"model":         "opus",
		},
		"batch": []interface{}{
			map[string]interface{}{"api_key": "k", "name": "ok"},
			"plain string",
		},
	}

	redacted := redactArguments(args)

	assert.Equal(t, "claude_code", redacted["agent"])
	assert.Equal(t, "[redacted]", redacted["session_id"])
	meta := redacted["metadata"].(map[string]interface{})
	assert.Equal(t, "[redacted]", meta["connection_id"])
	assert.Equal(t, "opus", meta["model"])
	batch := redacted["batch"].([]interface{})
	assert.Equal(t, "[redacted]", batch[0].(map[string]interface{})["api_key"])
	assert.Equal(t, "ok", batch[0].(map[string]interface{})["name"])
	assert.Equal(t, "plain string", batch[1])

	// Originals untouched.
	assert.Equal(t, "sess-secret", args["session_id"])
	assert.Equal(t, "conn-secret", args["metadata"].(map[string]interface{})["connection_id"])
	assert.Equal(t, "k", args["batch"].([]interface{})[0].(map[string]interface{})["api_key"])
}

func TestRedactArgumentsNilPassthrough(t *testing.T) {
	assert.Nil(t, redactArguments(nil))
}

func TestResultTextExtractsFirstTextBlock(t *testing.T) {
	assert.Equal(t, "", resultText(nil))

	result := mcp.NewToolResultText("hello")
	assert.Equal(t, "hello", resultText(result))

	errResult := mcp.NewToolResultError("boom")
	assert.Equal(t, "boom", resultText(errResult))
	require.True(t, errResult.IsError)
}

func TestJSONResultFormatting(t *testing.T) {
	result := jsonResult(map[string]interface{}{"b": 2, "a": "x <y>"})
	text := resultText(result)
	assert.Equal(t, "{\n  \"a\": \"x <y>\",\n  \"b\": 2\n}", text)
	assert.False(t, result.IsError)
}
