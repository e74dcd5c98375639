package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600
)

// MCPConfig is the file format the claude CLI reads via --mcp-config.
type MCPConfig struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig is one MCP server entry.
type ServerConfig struct {
	Transport TransportConfig `json:"transport"`
}

// TransportConfig says how to reach an MCP server.
type TransportConfig struct {
	Type string `json:"type" mapstructure:"type"`           // "http" or "stdio"
	URL  string `json:"url,omitempty" mapstructure:"url"`   // http only
	Path string `json:"path,omitempty" mapstructure:"path"` // stdio only
}

// BuildMCPConfig wraps the configured servers in the CLI's file format.
func BuildMCPConfig(servers map[string]TransportConfig) MCPConfig {
	cfg := MCPConfig{MCPServers: make(map[string]ServerConfig, len(servers))}
	for name, transport := range servers {
		cfg.MCPServers[name] = ServerConfig{Transport: transport}
	}
	return cfg
}

// WriteMCPConfig validates cfg and writes it to path, creating parent
// directories.
func WriteMCPConfig(cfg MCPConfig, path string) error {
	if err := ValidateMCPConfig(cfg); err != nil {
		return fmt.Errorf("invalid MCP config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal MCP config: %w", err)
	}
	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write MCP config: %w", err)
	}
	return nil
}

// LoadMCPConfig reads and validates an MCP config file.
func LoadMCPConfig(path string) (MCPConfig, error) {
	var cfg MCPConfig
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("failed to read MCP config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse MCP config: %w", err)
	}
	if err := ValidateMCPConfig(cfg); err != nil {
		return cfg, fmt.Errorf("loaded MCP config is invalid: %w", err)
	}
	return cfg, nil
}

// ValidateMCPConfig checks every server has a usable transport. Servers are
// checked in name order so the reported error is stable.
func ValidateMCPConfig(cfg MCPConfig) error {
	if len(cfg.MCPServers) == 0 {
		return fmt.Errorf("no MCP servers configured")
	}

	names := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		transport := cfg.MCPServers[name].Transport
		switch transport.Type {
		case "http":
			if transport.URL == "" {
				return fmt.Errorf("server %s: http transport requires url", name)
			}
		case "stdio":
			if transport.Path == "" {
				return fmt.Errorf("server %s: stdio transport requires path", name)
			}
		default:
			return fmt.Errorf("server %s: invalid transport type %q (must be http or stdio)", name, transport.Type)
		}
	}
	return nil
}

// PrepareMCPConfig returns the --mcp-config path for the claude CLI. An
// explicit claude.mcp_config_path wins; otherwise claude.mcp_servers, if any,
// are written next to the session data. An empty result means no MCP
// servers.
func (c *Config) PrepareMCPConfig() (string, error) {
	if c.Claude.MCPConfigPath != "" {
		if _, err := LoadMCPConfig(c.Claude.MCPConfigPath); err != nil {
			return "", err
		}
		return c.Claude.MCPConfigPath, nil
	}
	if len(c.Claude.MCPServers) == 0 {
		return "", nil
	}

	dir := filepath.Dir(c.Sessions.Path)
	switch {
	case c.Sessions.Path == "":
		dir = filepath.Dir(defaultDataPath("mcp.json"))
	case c.Sessions.Store == StoreFile:
		dir = c.Sessions.Path
	}
	path := filepath.Join(dir, "mcp.json")
	if err := WriteMCPConfig(BuildMCPConfig(c.Claude.MCPServers), path); err != nil {
		return "", err
	}
	return path, nil
}
