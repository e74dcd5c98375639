package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSystemPrompt(t *testing.T) {
	tests := []struct {
		name        string
		content     *string
		want        string
		errContains string
	}{
		{name: "valid", content: ptr("You are a helpful assistant."), want: "You are a helpful assistant."},
		{name: "multiline trimmed", content: ptr("\nLine one\nLine two\n\n"), want: "Line one\nLine two"},
		{name: "missing", errContains: "system prompt file not found"},
		{name: "empty", content: ptr(""), errContains: "system prompt is empty"},
		{name: "whitespace", content: ptr(" \n\t "), errContains: "system prompt is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "prompt.md")
			if tt.content != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tt.content), 0o600))
			}

			got, err := LoadSystemPrompt(path)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigSystemPrompt(t *testing.T) {
	cfg := Defaults()
	prompt, err := cfg.SystemPrompt()
	require.NoError(t, err)
	assert.Empty(t, prompt)

	cfg.Claude.SystemPromptFile = writeFile(t, "prompt.md", "Be brief.")
	prompt, err = cfg.SystemPrompt()
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", prompt)
}

func ptr(s string) *string { return &s }
