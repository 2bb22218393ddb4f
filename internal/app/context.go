package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"cmsflow/internal/config"
	"cmsflow/internal/db"
	"cmsflow/internal/docsource"
	"cmsflow/internal/engine"
	"cmsflow/internal/migrate"
	"cmsflow/internal/publishq"
)

// Env is an opened workspace: migrated database, loaded config and an
// engine wired to the publish queue.
type Env struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	closers   []func() error
}

// Close releases the queue connection and the database.
func (e *Env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open prepares the workspace. A missing cmsflow.yml means defaults.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*Env, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	env := &Env{Workspace: workspace, DB: conn, Config: cfg, closers: []func() error{conn.Close}}
	if err := migrate.MigrateContext(ctx, conn, logger); err != nil {
		env.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	queue, closeQueue, err := publishq.Open(cfg.Publish.RedisURL, cfg.Publish.Queue)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("publish queue: %w", err)
	}
	env.closers = append(env.closers, closeQueue)
	e := engine.New(conn, cfg)
	e.Publish = queue
	e.Logger = logger
	env.Engine = e
	return env, nil
}

// Source is the configured document source, resolved against the workspace
// when the directory is relative.
func (e *Env) Source() docsource.Source {
	dir := e.Config.Sync.SourceDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.Workspace, dir)
	}
	return docsource.DirSource{Root: dir, Extensions: e.Config.Sync.Extensions}
}
