package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/flowexec/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\n",
			wantErr: "server.log_level",
		},
		{
			name:    "incomplete tls",
			yaml:    "server:\n  tls:\n    cert_file: cert.pem\n",
			wantErr: "server.tls",
		},
		{
			name:    "unknown provider",
			yaml:    "providers:\n  - id: gemini\n",
			wantErr: "providers[0].id",
		},
		{
			name:    "duplicate provider",
			yaml:    "providers:\n  - id: qwen\n  - id: qwen\n",
			wantErr: "duplicate",
		},
		{
			name:    "dimension mismatch",
			yaml:    "database:\n  embedding_dimensions: 1536\nembeddings:\n  dimensions: 1024\n",
			wantErr: "does not match",
		},
		{
			name:    "negative max_conns",
			yaml:    "database:\n  max_conns: -2\n",
			wantErr: "database.max_conns",
		},
		{
			name:    "negative retry",
			yaml:    "embeddings:\n  retry:\n    max_retries: -1\n",
			wantErr: "embeddings.retry",
		},
		{
			name:    "top_k out of range",
			yaml:    "search:\n  default_top_k: 500\n",
			wantErr: "search.default_top_k",
		},
		{
			name:    "negative poll",
			yaml:    "image:\n  poll_interval: -1s\n",
			wantErr: "image.poll",
		},
		{
			name:    "vision model without provider",
			yaml:    "providers:\n  - id: qwen\nvision:\n  default_model: gpt-4o\n",
			wantErr: "vision.default_model",
		},
		{
			name:    "unknown vision model",
			yaml:    "vision:\n  default_model: llava\n",
			wantErr: "matches no provider",
		},
		{
			name:    "mcp missing command",
			yaml:    "mcp:\n  servers:\n    - name: files\n      transport: stdio\n",
			wantErr: "command is required",
		},
		{
			name:    "mcp missing url",
			yaml:    "mcp:\n  servers:\n    - name: web\n      transport: streamable-http\n",
			wantErr: "url is required",
		},
		{
			name:    "mcp invalid transport",
			yaml:    "mcp:\n  servers:\n    - name: x\n      transport: websocket\n      url: ws://x\n",
			wantErr: "transport",
		},
		{
			name:    "mcp duplicate name",
			yaml:    "mcp:\n  servers:\n    - name: x\n      command: a\n    - name: x\n      command: b\n",
			wantErr: "duplicate",
		},
		{
			name:    "mcp missing name",
			yaml:    "mcp:\n  servers:\n    - command: a\n",
			wantErr: "name is required",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error should mention %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
providers:
  - id: nobody
search:
  default_top_k: -3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "providers[0].id", "search.default_top_k"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error misses %q: %v", want, err)
		}
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "flowexec.yaml")
	writeFile(t, path, sampleYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Providers) != 3 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
}

// Not parallel: mutates the process environment.
func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "FLOWEXEC_TEST_DOTENV_A=from-file\nFLOWEXEC_TEST_DOTENV_B=from-file\n")

	t.Setenv("FLOWEXEC_TEST_DOTENV_B", "from-env")
	t.Cleanup(func() { os.Unsetenv("FLOWEXEC_TEST_DOTENV_A") })

	if err := config.LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("FLOWEXEC_TEST_DOTENV_A"); got != "from-file" {
		t.Errorf("A = %q, want from-file", got)
	}
	if got := os.Getenv("FLOWEXEC_TEST_DOTENV_B"); got != "from-env" {
		t.Errorf("B = %q, want existing value kept", got)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if len(cfg.Providers) != 4 || cfg.VisionModel() != "qwen-vl-plus" {
		t.Errorf("providers = %d, vision = %q", len(cfg.Providers), cfg.VisionModel())
	}
}
