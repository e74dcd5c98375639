package claude

import (
	"fmt"

	"github.com/joshsymonds/conductor/internal/executor"
)

// CommandBuilder builds executor specs for the claude CLI.
type CommandBuilder struct {
	config Config
}

// NewCommandBuilder validates cfg and fills defaults.
func NewCommandBuilder(config Config) (*CommandBuilder, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("command path cannot be empty")
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	return &CommandBuilder{config: config}, nil
}

// Command returns the process spec for req. The prompt travels on stdin so
// it is never limited by argv size or visible in the process table.
func (b *CommandBuilder) Command(req Request) (executor.Spec, error) {
	if req.Prompt == "" {
		return executor.Spec{}, fmt.Errorf("prompt cannot be empty")
	}
	if req.SessionID == "" {
		return executor.Spec{}, fmt.Errorf("session ID cannot be empty")
	}

	return executor.Spec{
		Name:  b.config.Command,
		Args:  buildCommandArgs(b.config, req),
		Dir:   b.config.WorkDir,
		Env:   b.config.Env,
		Stdin: []byte(prepareFinalPrompt(b.config.SystemPrompt, req.Prompt)),
	}, nil
}

// Parse decodes the CLI's stdout.
func (b *CommandBuilder) Parse(stdout string) (*LLMResponse, error) {
	return ParseOutput(stdout)
}

func buildCommandArgs(config Config, req Request) []string {
	args := []string{
		"--print", // Non-interactive mode
		"--output-format", "json",
		"--model", config.Model,
	}

	if req.NewSession {
		args = append(args, "--session-id", req.SessionID)
	} else {
		args = append(args, "--resume", req.SessionID)
	}

	if config.MCPConfigPath != "" {
		args = append(args, "--mcp-config", config.MCPConfigPath)
	}

	return append(args, config.ExtraArgs...)
}

func prepareFinalPrompt(systemPrompt, userPrompt string) string {
	if systemPrompt == "" {
		return userPrompt
	}
	return fmt.Sprintf("<system>\n%s\n</system>\n\n<user>\n%s\n</user>", systemPrompt, userPrompt)
}
