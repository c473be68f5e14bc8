package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrvs-ai/gateway/internal/mcp"
)

// Manifest is the client_config.json document: the servers to launch,
// plus staged entries that are listed but never connected.
type Manifest struct {
	MCPServers map[string]mcp.ServerSpec `json:"mcpServers"`
	Disabled   map[string]mcp.ServerSpec `json:"_disabled_servers,omitempty"`
}

// LoadManifest reads the server manifest. When the file does not
// exist, a starter manifest scoped to the workspace root is written in
// its place and returned.
func LoadManifest(path, workspace string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m := defaultManifest(workspace)
		if werr := writeManifest(path, m); werr != nil {
			return nil, fmt.Errorf("write default manifest: %w", werr)
		}
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	for name, spec := range m.MCPServers {
		if spec.Command == "" {
			return nil, fmt.Errorf("server %q: command is required", name)
		}
	}
	return &m, nil
}

// defaultManifest is the starter configuration: a filesystem server
// scoped to the workspace root enabled out of the box, and a github
// server staged until credentials are supplied.
func defaultManifest(workspace string) *Manifest {
	if workspace == "" {
		workspace = "."
	}
	return &Manifest{
		MCPServers: map[string]mcp.ServerSpec{
			"filesystem": {
				Command:     "npx",
				Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", workspace},
				Description: "Read and write files under the workspace root",
			},
		},
		Disabled: map[string]mcp.ServerSpec{
			"github": {
				Command:     "npx",
				Args:        []string{"-y", "@modelcontextprotocol/server-github"},
				Env:         map[string]string{"GITHUB_PERSONAL_ACCESS_TOKEN": "<your token>"},
				Description: "GitHub issues, PRs, and repository access (needs a token)",
			},
		},
	}
}

func writeManifest(path string, m *Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
