package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/flowexec/internal/mcp"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
	"github.com/MrWong99/flowexec/pkg/search"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultEmbeddingsProvider  = "dashscope"
	DefaultEmbeddingDimensions = 1024
)

// ValidEmbeddingsProviders lists the embeddings provider names understood by
// the service. Used by [Validate] to warn about unrecognised names.
var ValidEmbeddingsProviders = []string{"dashscope", "openai"}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped and variables that are already set
// are kept. With no arguments ".env" is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
		slog.Debug("environment loaded", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Database.EmbeddingDimensions <= 0 {
		cfg.Database.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = DefaultEmbeddingsProvider
	}
	if cfg.Search.DefaultTopK == 0 {
		cfg.Search.DefaultTopK = search.DefaultTopK
	}
	for i := range cfg.MCP.Servers {
		if cfg.MCP.Servers[i].Transport == "" {
			cfg.MCP.Servers[i].Transport = mcp.TransportStdio
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; memories and knowledge search will not be available")
	}
	if cfg.Database.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("database.max_conns %d must not be negative", cfg.Database.MaxConns))
	}

	seen := make(map[llm.ProviderID]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if _, ok := llm.Lookup(p.ID); !ok {
			errs = append(errs, fmt.Errorf("%s.id %q is invalid; valid values: %v", prefix, p.ID, llm.Providers()))
			continue
		}
		if prev, ok := seen[p.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of providers[%d]", prefix, p.ID, prev))
		}
		seen[p.ID] = i
		if p.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must not be negative", prefix))
		}
	}
	if len(cfg.Providers) == 0 {
		slog.Warn("no providers configured; provider execution will not be available")
	}

	if !slices.Contains(ValidEmbeddingsProviders, cfg.Embeddings.Provider) {
		slog.Warn("unknown embeddings provider; may be a typo or a third-party provider",
			"name", cfg.Embeddings.Provider,
			"known", ValidEmbeddingsProviders,
		)
	}
	if cfg.Embeddings.Dimensions < 0 {
		errs = append(errs, errors.New("embeddings.dimensions must not be negative"))
	}
	if d := cfg.Embeddings.Dimensions; d > 0 && d != cfg.Database.EmbeddingDimensions {
		errs = append(errs, fmt.Errorf("embeddings.dimensions %d does not match database.embedding_dimensions %d", d, cfg.Database.EmbeddingDimensions))
	}
	if r := cfg.Embeddings.Retry; r.MaxRetries < 0 || r.InitialDelay < 0 || r.MaxDelay < 0 || r.Multiplier < 0 {
		errs = append(errs, errors.New("embeddings.retry values must not be negative"))
	}

	if k := cfg.Search.DefaultTopK; k < 1 || k > search.MaxTopK {
		errs = append(errs, fmt.Errorf("search.default_top_k %d is out of range [1, %d]", k, search.MaxTopK))
	}

	if cfg.Image.PollAttempts < 0 || cfg.Image.PollInterval < 0 {
		errs = append(errs, errors.New("image.poll_attempts and image.poll_interval must not be negative"))
	}

	if m := cfg.Vision.DefaultModel; m != "" {
		c, ok := llm.ResolveModel(m)
		if !ok {
			errs = append(errs, fmt.Errorf("vision.default_model %q matches no provider", m))
		} else if _, configured := seen[c.ID]; !configured {
			errs = append(errs, fmt.Errorf("vision.default_model %q needs provider %q in providers", m, c.ID))
		}
	}

	serverNames := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNames[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNames[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// VisionModel returns the configured default vision model or, when unset, the
// vision model of the first provider entry that has one. It returns "" when
// no configured provider can see.
func (c *Config) VisionModel() string {
	if c.Vision.DefaultModel != "" {
		return c.Vision.DefaultModel
	}
	for _, p := range c.Providers {
		if capability, ok := llm.Lookup(p.ID); ok && capability.VisionModel != "" {
			return capability.VisionModel
		}
	}
	return ""
}
