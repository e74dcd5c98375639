package claude

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// jsonResponse is the result object printed by `claude --output-format json`.
type jsonResponse struct {
	Type       string    `json:"type"`
	Subtype    string    `json:"subtype"`
	Result     string    `json:"result"`
	Message    string    `json:"message"`
	SessionID  string    `json:"session_id"`
	Model      string    `json:"model"`
	Usage      jsonUsage `json:"usage"`
	DurationMs int       `json:"duration_ms"`
	TotalCost  float64   `json:"total_cost_usd"`
	IsError    bool      `json:"is_error"`
}

type jsonUsage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CacheReadTokens int `json:"cache_read_input_tokens"`
}

// ParseOutput decodes the CLI's stdout. JSON (optionally fenced in a
// markdown code block) is preferred; plain text is accepted as the reply.
// An error result mentioning login or an invalid key becomes an
// *AuthenticationError.
func ParseOutput(output string) (*LLMResponse, error) {
	resp, err := parseResponse(output)
	if err != nil {
		return nil, err
	}

	if isAuthenticationError(resp) {
		return nil, &AuthenticationError{Message: "Claude Code authentication required"}
	}
	if resp.IsError {
		return nil, fmt.Errorf("claude CLI error: %s", strings.TrimSpace(resp.Result))
	}

	message := extractMessage(resp)
	if message == "" {
		return nil, fmt.Errorf("%w: missing message/result field", ErrEmptyResponse)
	}

	return &LLMResponse{
		Message:   message,
		SessionID: resp.SessionID,
		Metadata: ResponseMetadata{
			ModelVersion: resp.Model,
			Latency:      time.Duration(resp.DurationMs) * time.Millisecond,
			TokensUsed:   resp.Usage.InputTokens + resp.Usage.OutputTokens,
			CostUSD:      resp.TotalCost,
		},
	}, nil
}

func parseResponse(output string) (*jsonResponse, error) {
	output = strings.TrimSpace(output)

	resp, jsonErr := tryParseJSON(output)
	if jsonErr == nil {
		return resp, nil
	}

	if err := tryExtractError(output); err != nil {
		return nil, err
	}

	if plainResp := tryParsePlainText(output); plainResp != nil {
		return plainResp, nil
	}

	return nil, ErrEmptyResponse
}

// tryParseJSON attempts to parse the output as JSON, unwrapping a markdown
// code fence if present.
func tryParseJSON(output string) (*jsonResponse, error) {
	if strings.HasPrefix(output, "```") && strings.HasSuffix(output, "```") {
		jsonStart := strings.Index(output, "\n") + 1
		jsonEnd := strings.LastIndex(output, "\n```")
		if jsonStart > 0 && jsonEnd > jsonStart {
			output = output[jsonStart:jsonEnd]
		}
	}

	var resp jsonResponse
	if err := json.Unmarshal([]byte(output), &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON response: %w", err)
	}
	return &resp, nil
}

// tryExtractError turns "error: ..." output into an error.
func tryExtractError(output string) error {
	if !strings.Contains(output, "error:") && !strings.Contains(output, "Error:") {
		return nil
	}

	lines := strings.Split(output, "\n")
	var msg strings.Builder
	foundError := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(line), "error:") {
			msg.WriteString(strings.TrimSpace(line[len("error:"):]))
			msg.WriteString(" ")
			foundError = true
		} else if foundError && line != "" {
			msg.WriteString(line)
			msg.WriteString(" ")
		}
	}

	if !foundError {
		return nil
	}
	return fmt.Errorf("claude CLI error: %s", strings.TrimSpace(msg.String()))
}

// tryParsePlainText joins non-empty lines of plain output.
func tryParsePlainText(output string) *jsonResponse {
	var msg strings.Builder
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if msg.Len() > 0 {
			msg.WriteString(" ")
		}
		msg.WriteString(line)
	}
	if msg.Len() == 0 {
		return nil
	}
	return &jsonResponse{Message: msg.String(), Model: "unknown"}
}

func extractMessage(resp *jsonResponse) string {
	message := strings.TrimSpace(resp.Message)
	if message == "" {
		message = strings.TrimSpace(resp.Result)
	}
	return message
}

func isAuthenticationError(resp *jsonResponse) bool {
	return resp.IsError && (strings.Contains(resp.Result, "Invalid API key") ||
		strings.Contains(resp.Result, "Please run /login"))
}

// DescribeFailure extracts a short human-readable reason from the output of
// a failed run, preferring lines that look like errors.
func DescribeFailure(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return "command produced no output"
	}

	if resp, err := tryParseJSON(output); err == nil && resp.IsError && resp.Result != "" {
		return strings.TrimSpace(resp.Result)
	}

	lines := strings.Split(output, "\n")
	var matched []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if line == "" {
			continue
		}
		if strings.Contains(lower, "error") ||
			strings.Contains(lower, "failed") ||
			strings.Contains(lower, "invalid") ||
			strings.Contains(lower, "not found") ||
			strings.Contains(lower, "permission denied") {
			matched = append(matched, line)
		}
	}
	if len(matched) > 0 {
		return strings.Join(matched, "; ")
	}

	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "command failed with unspecified error"
}
