package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/djinnbot/djinnbot/internal/common/config"
	"github.com/djinnbot/djinnbot/internal/common/logger"
)

// Open creates a Pool from the configured driver, runs the schema bootstrap,
// and verifies the stored schema version.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Pool, error) {
	var pool *Pool

	switch cfg.Driver {
	case "sqlite3", "":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		pool = NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
		log.Info("opened sqlite state store", zap.String("path", cfg.Path))
	case "pgx":
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, "pgx")
		pool = NewPool(shared, shared)
		log.Info("opened postgres state store",
			zap.String("host", cfg.Host),
			zap.String("database", cfg.DBName))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := EnsureSchema(ctx, pool); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}
