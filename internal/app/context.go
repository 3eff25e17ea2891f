package app

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"fireline/internal/config"
	"fireline/internal/db"
	"fireline/internal/engine"
	"fireline/internal/llm"
	"fireline/internal/logger"
	"fireline/internal/migrate"
	"fireline/internal/workflow"
)

// Context is everything a command needs to act on a workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	DB        *sql.DB
	Engine    engine.Engine
}

// Open loads the workspace config, opens and migrates the database and wires
// the engine to its HTTP collaborators. Collaborators without a configured
// URL stay nil so the engine uses its fallbacks.
func Open(workspace string) (*Context, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Encoding: cfg.Log.Encoding})
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		Logger:    log,
		DB:        conn,
		Engine:    Wire(conn, cfg, log),
	}, nil
}

// Wire builds an engine from config.
func Wire(conn *sql.DB, cfg *config.Config, log *zap.Logger) engine.Engine {
	eng := engine.New(conn, cfg)
	eng.Logger = logger.OrNop(log)
	eng.Dispatcher = workflow.New(cfg, log)
	if c := llm.New(cfg, log); c != nil {
		eng.Classifier = c
		eng.Summarizer = c
		eng.Agent = c
	}
	if a := workflow.NewArchive(cfg, log); a != nil {
		eng.Archiver = a
	}
	return eng
}

// Close releases the database and flushes the logger.
func (c *Context) Close() error {
	_ = c.Logger.Sync()
	return c.DB.Close()
}
