// Package app opens a phasegate workspace: config, logger, telemetry,
// database and engine, in that order.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"phasegate/internal/config"
	"phasegate/internal/db"
	"phasegate/internal/engine"
	"phasegate/internal/migrate"
	"phasegate/internal/telemetry"
)

// Options control how a workspace is opened.
type Options struct {
	Workspace string
	// LogLevel overrides log.level from the config file when set.
	LogLevel  string
	LogOutput io.Writer
	Version   string
	Memory    bool
}

// App holds everything a command needs to serve requests against one
// workspace.
type App struct {
	Workspace     string
	Config        *config.Config
	DB            *sql.DB
	Engine        engine.Engine
	Logger        *slog.Logger
	SchemaVersion int
}

// Open loads the workspace config (or the default when there is none),
// migrates the database and wires the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	if !opts.Memory {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger, err := NewLogger(out, level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	if err := telemetry.Init(ctx, telemetry.Options{
		Enabled:      cfg.Telemetry.Enabled,
		Stdout:       cfg.Telemetry.Stdout,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Version:      opts.Version,
	}); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{
		Workspace:     workspace,
		BusyTimeoutMS: cfg.Store.BusyTimeoutMS,
		Memory:        opts.Memory,
	})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.DebugContext(ctx, "workspace ready", "workspace", workspace, "schema_version", version, "org_id", cfg.Org.ID)
	return &App{
		Workspace:     workspace,
		Config:        cfg,
		DB:            conn,
		Engine:        e,
		Logger:        logger,
		SchemaVersion: version,
	}, nil
}

// Close flushes telemetry and closes the database.
func (a *App) Close(ctx context.Context) error {
	telemetry.Shutdown(ctx)
	return a.DB.Close()
}

// NewLogger builds a text or JSON slog logger at the given level.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// ParseLevel maps debug, info, warn and error to slog levels. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}
