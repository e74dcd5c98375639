// Package claude turns a conversation dispatch into a claude CLI invocation
// and parses what the CLI prints back.
package claude

import "time"

const (
	// DefaultCommand is the claude CLI binary name.
	DefaultCommand = "claude"
	// DefaultModel is passed to --model when none is configured.
	DefaultModel = "sonnet"
)

// Config holds configuration for claude CLI invocations.
type Config struct {
	Command       string
	Model         string
	MCPConfigPath string
	SystemPrompt  string
	WorkDir       string
	ExtraArgs     []string
	Env           []string
}

// Request is one dispatch for a session.
type Request struct {
	SessionID string
	Prompt    string
	// NewSession is true for the first run of a session id; the CLI is told
	// to create it rather than resume it.
	NewSession bool
}

// LLMResponse contains Claude's reply and metadata.
type LLMResponse struct {
	Message   string
	SessionID string
	Metadata  ResponseMetadata
}

// ResponseMetadata contains metadata about the reply.
type ResponseMetadata struct {
	ModelVersion string
	Latency      time.Duration
	TokensUsed   int
	CostUSD      float64
}
