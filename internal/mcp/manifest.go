package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Manifest is an mcp.json file: {"mcpServers": {"name": {...}}}.
type Manifest struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	Transport *TransportConfig  `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

// TransportConfig captures remote connection information for an MCP server.
type TransportConfig struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// EnabledValue reports whether the server should be used.
func (s ServerConfig) EnabledValue() bool {
	return s.Enabled == nil || *s.Enabled
}

// ManifestResult holds the merged servers of every manifest found.
type ManifestResult struct {
	Servers map[string]ServerConfig
	Order   []string
	Sources []string
}

// LoadManifests reads path when given (or MCP_CONFIG_PATH), otherwise merges
// ./.speech2text/mcp.json and $XDG_CONFIG_HOME/speech2text/mcp.json, the
// latter taking precedence. Missing files are skipped.
func LoadManifests(path string) (ManifestResult, error) {
	result := ManifestResult{Servers: make(map[string]ServerConfig)}
	if path == "" {
		path = os.Getenv("MCP_CONFIG_PATH")
	}
	var candidates []string
	if path != "" {
		p, err := expandPath(path)
		if err != nil {
			return result, err
		}
		candidates = []string{p}
	} else {
		if cwd, err := os.Getwd(); err == nil {
			candidates = append(candidates, filepath.Join(cwd, ".speech2text", "mcp.json"))
		}
		if base, err := userConfigDir(); err == nil {
			candidates = append(candidates, filepath.Join(base, "speech2text", "mcp.json"))
		}
	}

	for _, p := range candidates {
		m, err := readManifest(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && path == "" {
				continue
			}
			return result, err
		}
		for name, cfg := range m.Servers {
			result.Servers[name] = normalizeConfig(cfg)
		}
		result.Sources = append(result.Sources, p)
	}

	for name := range result.Servers {
		result.Order = append(result.Order, name)
	}
	sort.Strings(result.Order)
	return result, nil
}

// Select returns the named server, or the first enabled one in name order
// when name is empty.
func (r ManifestResult) Select(name string) (string, ServerConfig, error) {
	if name != "" {
		cfg, ok := r.Servers[name]
		if !ok {
			return "", ServerConfig{}, fmt.Errorf("mcp server %q not found in %v", name, r.Sources)
		}
		if !cfg.EnabledValue() {
			return "", ServerConfig{}, fmt.Errorf("mcp server %q is disabled", name)
		}
		return name, cfg, nil
	}
	for _, n := range r.Order {
		if cfg := r.Servers[n]; cfg.EnabledValue() {
			return n, cfg, nil
		}
	}
	return "", ServerConfig{}, errors.New("no enabled mcp server configured")
}

func normalizeConfig(cfg ServerConfig) ServerConfig {
	if cfg.Args != nil {
		out := make([]string, len(cfg.Args))
		for i, arg := range cfg.Args {
			out[i] = expandOrKeep(arg)
		}
		cfg.Args = out
	}
	cfg.Command = expandOrKeep(cfg.Command)
	if len(cfg.Env) > 0 {
		env := make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			env[k] = expandOrKeep(v)
		}
		cfg.Env = env
	}
	return cfg
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

func userConfigDir() (string, error) {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return base, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config"), nil
}

func expandOrKeep(v string) string {
	if out, err := expandPath(v); err == nil {
		return out
	}
	return v
}

func expandPath(value string) (string, error) {
	if value == "~" || strings.HasPrefix(value, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return value, err
		}
		return filepath.Join(home, strings.TrimPrefix(value, "~")), nil
	}
	return value, nil
}
