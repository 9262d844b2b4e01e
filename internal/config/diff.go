package config

import (
	"maps"

	"github.com/MrWong99/flowexec/internal/mcp"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// MCPChanges lists MCP servers that were added, removed or modified,
	// in the order of the new config followed by removals.
	MCPChanges []MCPServerDiff

	// RestartRequired is set when a section that is only read at start-up
	// changed.
	RestartRequired bool
}

// MCPServerDiff describes what changed for one MCP server.
type MCPServerDiff struct {
	Name     string
	Added    bool
	Removed  bool
	Modified bool

	// Config is the new server config. Zero for removals.
	Config mcp.ServerConfig
}

// Changed reports whether d carries any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.MCPChanges) > 0 || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServers := make(map[string]mcp.ServerConfig, len(old.MCP.Servers))
	for _, s := range old.MCP.Servers {
		oldServers[s.Name] = s
	}
	newNames := make(map[string]bool, len(new.MCP.Servers))
	for _, s := range new.MCP.Servers {
		newNames[s.Name] = true
		prev, existed := oldServers[s.Name]
		switch {
		case !existed:
			d.MCPChanges = append(d.MCPChanges, MCPServerDiff{Name: s.Name, Added: true, Config: s})
		case !sameServer(prev, s):
			d.MCPChanges = append(d.MCPChanges, MCPServerDiff{Name: s.Name, Modified: true, Config: s})
		}
	}
	for _, s := range old.MCP.Servers {
		if !newNames[s.Name] {
			d.MCPChanges = append(d.MCPChanges, MCPServerDiff{Name: s.Name, Removed: true})
		}
	}

	d.RestartRequired = old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Database != new.Database ||
		!sameProviders(old.Providers, new.Providers) ||
		old.Embeddings != new.Embeddings ||
		old.Search != new.Search ||
		old.Image != new.Image ||
		old.Vision != new.Vision

	return d
}

func sameServer(a, b mcp.ServerConfig) bool {
	return a.Name == b.Name &&
		a.Transport == b.Transport &&
		a.Command == b.Command &&
		a.URL == b.URL &&
		maps.Equal(a.Env, b.Env)
}

func sameProviders(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.APIKey != y.APIKey || x.BaseURL != y.BaseURL ||
			x.Model != y.Model || x.Timeout != y.Timeout || len(x.Options) != len(y.Options) {
			return false
		}
	}
	return true
}
