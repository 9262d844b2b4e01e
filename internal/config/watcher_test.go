package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/flowexec/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
database:
  postgres_dsn: "postgres://localhost/test"
providers:
  - id: qwen
mcp:
  servers:
    - name: search
      transport: streamable-http
      url: http://localhost:9000/mcp
`

const watcherUpdatedYAML = `
server:
  log_level: debug
database:
  postgres_dsn: "postgres://localhost/test"
providers:
  - id: qwen
mcp:
  servers:
    - name: search
      transport: streamable-http
      url: http://localhost:9001/mcp
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// quietPeriod is how long a test waits to be sure no callback fires.
const quietPeriod = 300 * time.Millisecond

type change struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// startWatcher writes initial to a temp config file and watches it with a
// short interval. Every callback is delivered on the returned channel.
func startWatcher(t *testing.T, initial string) (string, *config.Watcher, <-chan change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, initial)

	changes := make(chan change, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config, d config.ConfigDiff) {
		changes <- change{old: old, new: new, diff: d}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	// Let the first tick pass so the next write gets a distinct mtime.
	time.Sleep(50 * time.Millisecond)
	return path, w, changes
}

func expectNoChange(t *testing.T, changes <-chan change) {
	t.Helper()
	select {
	case c := <-changes:
		t.Errorf("unexpected callback with diff %+v", c.diff)
	case <-time.After(quietPeriod):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, watcherValidYAML)

	cfg := w.Current()
	if cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v, want log_level info", cfg)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path, w, changes := startWatcher(t, watcherValidYAML)
	writeFile(t, path, watcherUpdatedYAML)

	var c change
	select {
	case c = <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked")
	}

	if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log level %q -> %q, want info -> debug", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
	if !c.diff.LogLevelChanged || c.diff.NewLogLevel != config.LogDebug {
		t.Errorf("diff log level: %+v", c.diff)
	}
	if len(c.diff.MCPChanges) != 1 || !c.diff.MCPChanges[0].Modified {
		t.Errorf("diff mcp changes: %+v", c.diff.MCPChanges)
	}
	if c.diff.RestartRequired {
		t.Error("log level and mcp edits must not require a restart")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current() log_level = %q, want debug", got)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path, w, changes := startWatcher(t, watcherValidYAML)
	writeFile(t, path, watcherInvalidYAML)

	expectNoChange(t, changes)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log_level = %q, want the previous info", got)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path, _, changes := startWatcher(t, watcherValidYAML)

	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	expectNoChange(t, changes)
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	for range 3 {
		w.Stop()
	}
}
