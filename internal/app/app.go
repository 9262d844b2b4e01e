// Package app wires all flowexec subsystems into a running HTTP service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithMemoryStore,
// WithKnowledgeStore, WithMCPHost, etc.). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/flowexec/internal/api"
	"github.com/MrWong99/flowexec/internal/config"
	"github.com/MrWong99/flowexec/internal/health"
	"github.com/MrWong99/flowexec/internal/mcp"
	"github.com/MrWong99/flowexec/internal/mcp/mcphost"
	"github.com/MrWong99/flowexec/internal/mcp/tools"
	"github.com/MrWong99/flowexec/internal/mcp/tools/imagetool"
	"github.com/MrWong99/flowexec/internal/mcp/tools/knowledgetool"
	"github.com/MrWong99/flowexec/internal/mcp/tools/memorytool"
	"github.com/MrWong99/flowexec/internal/mcp/tools/visiontool"
	"github.com/MrWong99/flowexec/internal/observe"
	"github.com/MrWong99/flowexec/internal/resilience"
	"github.com/MrWong99/flowexec/pkg/memory"
	"github.com/MrWong99/flowexec/pkg/memory/postgres"
	"github.com/MrWong99/flowexec/pkg/provider/embeddings"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
	"github.com/MrWong99/flowexec/pkg/search"
)

// imageAPIKeyEnv is consulted when image.api_key is empty.
const imageAPIKeyEnv = "DASHSCOPE_API_KEY"

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// builtinRegistrar is implemented by hosts that accept in-process tools.
// [*mcphost.Host] does; test doubles may not.
type builtinRegistrar interface {
	RegisterBuiltins(tools ...mcphost.BuiltinTool) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	level      *slog.LevelVar
	metrics    *observe.Metrics
	httpClient *http.Client

	// Subsystems, initialised in New and torn down in Shutdown.
	memories  memory.Store
	knowledge search.Store
	embedder  embeddings.Provider
	searcher  *search.Searcher
	mcpHost   mcp.Host
	executors map[llm.ProviderID]llm.Executor
	checkers  []health.Checker
	handler   http.Handler

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemoryStore injects the workflow memory store instead of opening
// PostgreSQL.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.memories = s }
}

// WithKnowledgeStore injects the knowledge chunk store instead of opening
// PostgreSQL.
func WithKnowledgeStore(s search.Store) Option {
	return func(a *App) { a.knowledge = s }
}

// WithEmbedder injects the embeddings provider instead of creating one from
// the registry.
func WithEmbedder(p embeddings.Provider) Option {
	return func(a *App) { a.embedder = p }
}

// WithMCPHost injects an MCP host instead of creating one.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the App the level variable of the process logger so that
// config reloads can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithHTTPClient sets the outbound client of the image tool.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.httpClient = hc }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg holds the
// provider factories registered by main.
//
// New performs all initialisation synchronously: database connection and
// migration, embeddings client, MCP server registration, builtin tools,
// provider executors and the HTTP router.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		registry:  reg,
		executors: make(map[llm.ProviderID]llm.Executor),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.httpClient == nil {
		a.httpClient = observe.HTTPClient(30 * time.Second)
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Embeddings + search ───────────────────────────────────────────
	a.initSearch()

	// ── 3. MCP host ─────────────────────────────────────────────────────
	if err := a.initMCP(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// ── 4. Provider executors ────────────────────────────────────────────
	describers, err := a.initExecutors()
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init executors: %w", err)
	}

	// ── 5. Builtin tools ─────────────────────────────────────────────────
	if err := a.initTools(describers); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 6. HTTP router ───────────────────────────────────────────────────
	a.initRouter()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStorage opens PostgreSQL for whichever store was not injected. Without
// a DSN the missing stores stay nil and their routes answer 503.
func (a *App) initStorage(ctx context.Context) error {
	if a.memories != nil && a.knowledge != nil {
		return nil
	}
	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		slog.Warn("database.postgres_dsn is empty; memory and knowledge routes are disabled")
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn, a.cfg.Database.EmbeddingDimensions,
		postgres.WithMaxConns(a.cfg.Database.MaxConns))
	if err != nil {
		return err
	}
	if a.memories == nil {
		a.memories = store.Memories()
	}
	if a.knowledge == nil {
		a.knowledge = store.Knowledge()
	}
	a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: store.Ping})
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("connected to postgres", "embedding_dimensions", a.cfg.Database.EmbeddingDimensions)
	return nil
}

// initSearch creates the embeddings client and the knowledge searcher. A
// failing embeddings factory only disables query ranking; tag searches keep
// working.
func (a *App) initSearch() {
	if a.embedder == nil && a.registry != nil {
		p, err := a.registry.CreateEmbeddings(a.cfg.Embeddings)
		if err != nil {
			slog.Warn("embeddings disabled", "provider", a.cfg.Embeddings.Provider, "err", err)
		} else {
			a.embedder = observe.InstrumentEmbedder(p, a.metrics)
			slog.Info("embeddings ready", "provider", a.cfg.Embeddings.Provider, "model", p.ModelID())
		}
	}
	if a.knowledge == nil {
		return
	}
	a.searcher = search.NewSearcher(
		search.NewExecutor(a.knowledge),
		a.embedder,
		search.WithDefaultTopK(a.cfg.Search.DefaultTopK),
	)
}

// initMCP creates the host and registers the configured servers.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		host := mcphost.New(mcphost.WithMetrics(a.metrics))
		a.mcpHost = host
	}
	a.closers = append(a.closers, a.mcpHost.Close)

	for _, srv := range a.cfg.MCP.Servers {
		if err := a.mcpHost.RegisterServer(ctx, srv); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
	}
	return nil
}

// initExecutors builds one executor per configured provider. Each is guarded
// by a circuit breaker and instrumented. The unwrapped executors that can
// describe images are returned for the vision tool.
func (a *App) initExecutors() (map[llm.ProviderID]visiontool.Describer, error) {
	describers := make(map[llm.ProviderID]visiontool.Describer)
	if len(a.cfg.Providers) == 0 {
		slog.Warn("no providers configured")
		return describers, nil
	}
	if a.registry == nil {
		return nil, errors.New("providers are configured but no registry was given")
	}

	for _, entry := range a.cfg.Providers {
		raw, err := a.registry.CreateLLM(entry, a.mcpHost)
		if err != nil {
			return nil, fmt.Errorf("create provider %q: %w", entry.ID, err)
		}
		if d, ok := raw.(visiontool.Describer); ok {
			describers[entry.ID] = d
		}
		guarded := resilience.Guard(raw, resilience.CircuitBreakerConfig{Name: string(entry.ID)})
		a.executors[entry.ID] = observe.InstrumentExecutor(guarded, a.metrics)
		slog.Info("provider ready", "provider", entry.ID, "model", entry.Model)
	}
	return describers, nil
}

// initTools registers the builtin tools whose dependencies are available.
func (a *App) initTools(describers map[llm.ProviderID]visiontool.Describer) error {
	reg, ok := a.mcpHost.(builtinRegistrar)
	if !ok {
		slog.Debug("mcp host does not accept builtin tools")
		return nil
	}

	var builtins []tools.Tool
	if a.memories != nil {
		builtins = append(builtins, memorytool.NewTools(a.memories)...)
	}
	if a.searcher != nil {
		builtins = append(builtins, knowledgetool.NewTools(a.searcher, a.metrics)...)
	}

	imageTools, err := a.imageTools()
	if err != nil {
		return err
	}
	builtins = append(builtins, imageTools...)

	if model := a.cfg.VisionModel(); model != "" && len(describers) > 0 {
		analyzer, err := visiontool.New(describers, model)
		if err != nil {
			return err
		}
		builtins = append(builtins, visiontool.NewTools(analyzer)...)
	}

	converted := make([]mcphost.BuiltinTool, len(builtins))
	for i, t := range builtins {
		converted[i] = mcphost.BuiltinTool(t)
	}
	if err := reg.RegisterBuiltins(converted...); err != nil {
		return err
	}
	slog.Info("builtin tools registered", "count", len(converted))
	return nil
}

// imageTools returns the image generation tool when an API key is available.
func (a *App) imageTools() ([]tools.Tool, error) {
	ic := a.cfg.Image
	key := ic.APIKey
	if key == "" {
		key = os.Getenv(imageAPIKeyEnv)
	}
	if key == "" {
		slog.Info("image generation disabled: no api key")
		return nil, nil
	}

	opts := []imagetool.Option{
		imagetool.WithPoll(ic.Poll()),
		imagetool.WithHTTPClient(a.httpClient),
	}
	if ic.BaseURL != "" {
		opts = append(opts, imagetool.WithBaseURL(ic.BaseURL))
	}
	if ic.Model != "" {
		opts = append(opts, imagetool.WithModel(ic.Model))
	}
	client, err := imagetool.New(key, opts...)
	if err != nil {
		return nil, err
	}
	return imagetool.NewTools(client), nil
}

// initRouter assembles the HTTP handler.
func (a *App) initRouter() {
	deps := api.Deps{
		Memories:  a.memories,
		Executors: a.executors,
		Tools:     a.mcpHost,
		Metrics:   a.metrics,
	}
	if a.searcher != nil {
		deps.Searcher = a.searcher
	}
	a.handler = api.NewRouter(api.New(deps), health.New(a.checkers...), observe.MetricsHandler())
}

// Handler returns the complete HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Executors returns the instrumented executors keyed by provider.
func (a *App) Executors() map[llm.ProviderID]llm.Executor { return a.executors }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves HTTP until ctx is
// cancelled or the server fails. When ctx is done, Run returns ctx.Err();
// the caller then invokes [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.server = srv
	a.addr = ln.Addr()
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Addr returns the bound listen address once Run has started, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change: the log level
// and the MCP server set. It is meant to be called from a [config.Watcher].
func (a *App) Reload(ctx context.Context, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	for _, c := range d.MCPChanges {
		switch {
		case c.Removed:
			if err := a.mcpHost.RemoveServer(c.Name); err != nil {
				slog.Warn("failed to remove mcp server", "server", c.Name, "err", err)
			}
		default:
			if err := a.mcpHost.RegisterServer(ctx, c.Config); err != nil {
				slog.Warn("failed to register mcp server", "server", c.Name, "err", err)
			}
		}
	}

	if d.RestartRequired {
		slog.Warn("config change needs a restart to take full effect")
	}

	a.mu.Lock()
	a.cfg.Server.LogLevel = next.Server.LogLevel
	a.cfg.MCP = next.MCP
	a.mu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the HTTP server, then tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
				shutdownErr = err
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New opened before failing.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
