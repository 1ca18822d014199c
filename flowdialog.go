// Package flowdialog provides a top-level convenience entry point for
// building the flow execution engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/flowdialog"
//
//	eng, err := flowdialog.New(
//	    flowdialog.WithProvider(myProvider),
//	    flowdialog.WithDirectory(myRoles),
//	    flowdialog.WithRetriever(myRetriever),
//	)
//
// The engine's collaborators (generation provider, role directory, knowledge
// retriever, audit sink) are injected here; everything else (database,
// stores, binder, invoker, adapter) is wired from configuration.
package flowdialog

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/flowdialog/audit"
	"github.com/BaSui01/flowdialog/config"
	"github.com/BaSui01/flowdialog/engine"
	"github.com/BaSui01/flowdialog/flow"
	"github.com/BaSui01/flowdialog/internal/database"
	"github.com/BaSui01/flowdialog/internal/metrics"
	"github.com/BaSui01/flowdialog/knowledge"
	"github.com/BaSui01/flowdialog/llm"
	"github.com/BaSui01/flowdialog/roles"
	"github.com/BaSui01/flowdialog/session"
)

// Option configures the engine created by [New].
type Option func(*builder)

type builder struct {
	cfg       *config.Config
	provider  llm.Provider
	directory roles.Directory
	retriever knowledge.Retriever
	sink      audit.Sink
	predicate engine.Predicate
	db        *gorm.DB
	logger    *zap.Logger
}

// WithConfig uses a loaded configuration instead of the defaults.
func WithConfig(cfg *config.Config) Option {
	return func(b *builder) { b.cfg = cfg }
}

// WithProvider sets the generation collaborator. Required.
func WithProvider(p llm.Provider) Option {
	return func(b *builder) { b.provider = p }
}

// WithDirectory sets the role directory collaborator. Required.
func WithDirectory(d roles.Directory) Option {
	return func(b *builder) { b.directory = d }
}

// WithRetriever sets the knowledge retrieval collaborator. Optional; without
// it the knowledge adapter degrades every augmentation.
func WithRetriever(r knowledge.Retriever) Option {
	return func(b *builder) { b.retriever = r }
}

// WithAuditSink overrides the configured audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(b *builder) { b.sink = s }
}

// WithPredicate overrides the default substring exit-condition evaluator.
func WithPredicate(p engine.Predicate) Option {
	return func(b *builder) { b.predicate = p }
}

// WithDB uses an already opened gorm handle instead of opening one from the
// database configuration.
func WithDB(db *gorm.DB) Option {
	return func(b *builder) { b.db = db }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *builder) { b.logger = logger }
}

// Handles 打包引擎及其存储句柄，便于上层服务直接复用
type Handles struct {
	Engine    *engine.Engine
	Templates *flow.Store
	Sessions  *session.Store
	DB        *gorm.DB
}

// New builds the engine from options and configuration.
func New(opts ...Option) (*Handles, error) {
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}
	if b.provider == nil {
		return nil, fmt.Errorf("flowdialog: a generation provider is required")
	}
	if b.directory == nil {
		return nil, fmt.Errorf("flowdialog: a role directory is required")
	}
	if b.cfg == nil {
		cfg := config.Default()
		b.cfg = &cfg
	}
	if b.logger == nil {
		logger, err := b.cfg.Log.BuildLogger()
		if err != nil {
			return nil, err
		}
		b.logger = logger
	}

	db := b.db
	if db == nil {
		opened, err := database.Open(b.cfg.Database, b.logger)
		if err != nil {
			return nil, err
		}
		db = opened
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, err
	}

	sink := b.sink
	if sink == nil {
		var err error
		sink, err = buildSink(b.cfg.Audit, b.logger)
		if err != nil {
			return nil, err
		}
	}

	var tokenizer knowledge.Tokenizer
	if model := b.cfg.Knowledge.TokenizerModel; model != "" {
		tok, err := knowledge.NewTiktokenTokenizer(model, b.logger)
		if err != nil {
			b.logger.Warn("tiktoken unavailable, using estimator", zap.Error(err))
		} else {
			tokenizer = tok
		}
	}

	collector := metrics.Default()
	sessions := session.NewStore(db, b.logger)
	templates := flow.NewStore(db, b.logger)
	binder := roles.NewBinder(b.directory, sessions, b.logger)
	invoker := llm.NewInvoker(b.provider, sink, b.cfg.LLM, collector, b.logger)
	adapter := knowledge.NewAdapter(b.retriever, tokenizer, sink, b.cfg.Knowledge.Retry, b.logger)

	eng := engine.New(engine.Deps{
		Sessions:  sessions,
		Templates: templates,
		Binder:    binder,
		Invoker:   invoker,
		Knowledge: adapter,
		Predicate: b.predicate,
		Collector: collector,
		Logger:    b.logger,
	}, b.cfg.Engine)

	return &Handles{
		Engine:    eng,
		Templates: templates,
		Sessions:  sessions,
		DB:        db,
	}, nil
}

func buildSink(cfg config.AuditConfig, logger *zap.Logger) (audit.Sink, error) {
	switch cfg.Backend {
	case "", "log":
		return audit.NewLoggerSink(logger), nil
	case "none":
		return audit.NopSink{}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return audit.NewRedisSink(client, cfg.Redis, logger), nil
	default:
		return nil, fmt.Errorf("flowdialog: unknown audit backend %q", cfg.Backend)
	}
}
