package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadSystemPrompt reads the system prompt prepended to every dispatch.
func LoadSystemPrompt(path string) (string, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("system prompt file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}

	prompt := string(content)
	if err := ValidateSystemPrompt(prompt); err != nil {
		return "", err
	}
	return strings.TrimSpace(prompt), nil
}

// ValidateSystemPrompt rejects prompts that are empty after trimming.
func ValidateSystemPrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("system prompt is empty")
	}
	return nil
}

// SystemPrompt loads claude.system_prompt_file, or returns "" when none is
// configured.
func (c *Config) SystemPrompt() (string, error) {
	if c.Claude.SystemPromptFile == "" {
		return "", nil
	}
	return LoadSystemPrompt(c.Claude.SystemPromptFile)
}
