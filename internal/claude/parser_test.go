package claude

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantMsg     string
		errContains string
		wantErr     bool
	}{
		{
			name:    "result object",
			input:   `{"type":"result","subtype":"success","is_error":false,"result":"Hello, I can help with that.","session_id":"abc","duration_ms":1500}`,
			wantMsg: "Hello, I can help with that.",
		},
		{
			name:    "message field preferred over result",
			input:   `{"message":"from message","result":"from result"}`,
			wantMsg: "from message",
		},
		{
			name:    "fenced JSON",
			input:   "```json\n{\"result\":\"fenced\"}\n```",
			wantMsg: "fenced",
		},
		{
			name:    "fenced JSON without language tag",
			input:   "```\n{\"result\":\"bare fence\"}\n```",
			wantMsg: "bare fence",
		},
		{
			name:        "empty result",
			input:       `{"result":"","session_id":"abc"}`,
			wantErr:     true,
			errContains: "missing message/result field",
		},
		{
			name:    "plain text multiline",
			input:   "First line\n   Second line\n\nThird line",
			wantMsg: "First line Second line Third line",
		},
		{
			name:        "error prefix",
			input:       "error: Rate limit exceeded\n  Try again in 60 seconds",
			wantErr:     true,
			errContains: "Rate limit exceeded Try again in 60 seconds",
		},
		{
			name:        "is_error result",
			input:       `{"type":"result","is_error":true,"result":"tool crashed"}`,
			wantErr:     true,
			errContains: "tool crashed",
		},
		{
			name:        "whitespace only",
			input:       "  \n\t ",
			wantErr:     true,
			errContains: "empty or unparseable",
		},
		{
			name:    "malformed JSON falls back to plain text",
			input:   `{"result": "Incomplete JSON`,
			wantMsg: `{"result": "Incomplete JSON`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseOutput(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMsg, resp.Message)
		})
	}
}

func TestParseOutputMetadata(t *testing.T) {
	resp, err := ParseOutput(`{"result":"ok","session_id":"sess-9","model":"claude-sonnet","duration_ms":2500,"total_cost_usd":0.012,"usage":{"input_tokens":100,"output_tokens":40}}`)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", resp.SessionID)
	assert.Equal(t, "claude-sonnet", resp.Metadata.ModelVersion)
	assert.Equal(t, 2500*time.Millisecond, resp.Metadata.Latency)
	assert.Equal(t, 140, resp.Metadata.TokensUsed)
	assert.InDelta(t, 0.012, resp.Metadata.CostUSD, 1e-9)
}

func TestParseOutputAuthentication(t *testing.T) {
	for _, result := range []string{"Invalid API key · Please run /login", "Please run /login"} {
		_, err := ParseOutput(`{"type":"result","is_error":true,"result":"` + result + `"}`)
		require.Error(t, err)
		assert.True(t, IsAuthenticationError(err))
		assert.True(t, IsAuthenticationError(errors.Join(errors.New("wrapped"), err)))
	}
	assert.False(t, IsAuthenticationError(errors.New("other")))
}

func TestDescribeFailure(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"empty", "  ", "command produced no output"},
		{"json error", `{"is_error":true,"result":"model overloaded"}`, "model overloaded"},
		{"error lines", "starting\nError: permission denied\nfailed to open file", "Error: permission denied; failed to open file"},
		{"first line fallback", "\nsomething odd\nmore", "something odd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DescribeFailure(tt.output))
		})
	}
}
