package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"smarthub/internal/catalog"
	"smarthub/internal/config"
	"smarthub/internal/decision"
	"smarthub/internal/examples"
	"smarthub/internal/homeassistant"
	"smarthub/internal/index"
	"smarthub/internal/llm"
	"smarthub/internal/logging"
	"smarthub/internal/metrics"
	"smarthub/internal/ollama"
	"smarthub/internal/resolver"
	"smarthub/internal/session"
	"smarthub/internal/syncer"
	"smarthub/internal/turn"
)

// loadConfig resolves flags, files and env into a validated config.
func loadConfig(flags *GlobalFlags, req config.Requirements) (config.Config, config.Options, error) {
	overrides := &config.Overrides{}
	if flags.StateDir != "" {
		overrides.StateDir = &flags.StateDir
	}
	if flags.LogLevel != "" {
		overrides.LogLevel = &flags.LogLevel
	}
	if flags.LogFormat != "" {
		overrides.LogFormat = &flags.LogFormat
	}
	opts := config.Options{Path: flags.ConfigPath, Dir: flags.Dir, Overrides: overrides}
	cfg, err := config.Load(opts)
	if err != nil {
		return config.Config{}, opts, withExit(ExitConfigInvalid, err)
	}
	if err := config.Validate(cfg, req); err != nil {
		return config.Config{}, opts, withExit(ExitConfigInvalid, err)
	}
	return cfg, opts, nil
}

// app is the fully wired runtime shared by serve, ask, chat and the sync
// commands.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	ha       *homeassistant.Client
	ollama   *ollama.Client
	mirror   *catalog.Mirror
	catalog  *catalog.Store
	index    *index.SQLiteIndex
	engine   *syncer.Engine
	resolver *resolver.Resolver
	sessions *session.Store
	loop     *decision.Loop
	turns    *turn.Service
}

func newApp(ctx context.Context, cfg config.Config, component string) (*app, error) {
	logger := logging.Init(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: component})

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, withExit(ExitIndexLoadFailure, fmt.Errorf("create state dir: %w", err))
	}

	lib, err := examples.LoadOrDefault(cfg.ExamplesFile)
	if err != nil {
		return nil, withExit(ExitConfigInvalid, fmt.Errorf("load examples: %w", err))
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		catalog: catalog.NewStore(),
	}

	a.ha = homeassistant.NewClient(cfg.HABaseURL(), cfg.HomeAssistant.Token, cfg.HomeAssistant.Timeout.Duration)
	a.ha.Fields = a.catalog
	a.ha.Logger = logging.Component(logger, "homeassistant")

	a.ollama = ollama.NewClient(cfg.Ollama.URL, cfg.Ollama.Timeout.Duration)
	if cfg.Ollama.NumCtx > 0 {
		a.ollama.NumCtx = cfg.Ollama.NumCtx
	}

	a.index = index.NewSQLiteIndex(cfg.IndexPath())
	a.index.Logger = logging.Component(logger, "index")
	a.index.Metrics = &index.Metrics{}
	if err := a.index.Init(ctx); err != nil {
		return nil, withExit(ExitIndexLoadFailure, fmt.Errorf("open index: %w", err))
	}
	a.metrics.RegisterIndex(a.index.Metrics)

	a.sessions = session.NewStore(cfg.SessionPath())
	if err := a.sessions.Init(ctx); err != nil {
		_ = a.index.Close()
		return nil, withExit(ExitIndexLoadFailure, fmt.Errorf("open sessions: %w", err))
	}

	a.mirror = catalog.NewMirror(a.ha, logging.Component(logger, "catalog"))
	a.engine = syncer.NewEngine(a.mirror, a.catalog, a.index, a.ollama, syncer.Options{
		EmbedModel:   cfg.Ollama.EmbedModel,
		EmbedVersion: cfg.Ollama.EmbedVersion,
		BatchSize:    cfg.Sync.BatchSize,
	})
	a.engine.Logger = logging.Component(logger, "sync")
	a.engine.Observer = a.metrics

	a.resolver = resolver.New(a.index, a.ollama, a.catalog, lib, resolver.Options{
		Models:        a.engine,
		MaxCandidates: cfg.Decision.MaxCandidates,
		DeviceTopK:    cfg.Decision.DeviceTopK,
		ActionTopK:    cfg.Decision.ActionTopK,
	})
	a.resolver.SetLogger(logging.Component(logger, "resolver"))

	classifier := llm.NewClassifier(a.ollama, cfg.Ollama.SmallModel)
	classifier.Logger = logging.Component(logger, "classifier")
	engine := llm.NewDecisionEngine(a.ollama, cfg.Ollama.BigModel)
	engine.Logger = logging.Component(logger, "decision")

	a.loop = &decision.Loop{
		Engine:    engine,
		Executor:  a.ha,
		Resolver:  a.resolver,
		MaxRounds: cfg.Decision.MaxRounds,
		Logger:    logging.Component(logger, "decision"),
		Observer:  a.metrics,
	}
	a.turns = turn.New(a.sessions, classifier, a.resolver, a.loop)
	a.turns.Logger = logging.Component(logger, "turn")
	a.turns.Observer = a.metrics
	return a, nil
}

// refreshCatalog loads the live catalog into the store without embedding,
// so one-shot commands can resolve against an index built earlier.
func (a *app) refreshCatalog(ctx context.Context) error {
	descriptors, blocks, err := a.mirror.FetchAll(ctx)
	if err != nil {
		return withExit(ExitUpstreamFailure, fmt.Errorf("fetch catalog: %w", err))
	}
	a.catalog.Replace(descriptors, blocks)
	return nil
}

func (a *app) Close() error {
	return errors.Join(a.sessions.Close(), a.index.Close())
}
