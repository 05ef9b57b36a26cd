package main

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/llmlb/llmlb/config"
	"github.com/llmlb/llmlb/internal/database"
	"github.com/llmlb/llmlb/internal/migration"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// openDatabase opens the relational store behind dbCfg.URL and wraps it in
// a connection-pool manager. The scheme (sqlite://, postgres://, mysql://)
// selects the gorm dialector, mirroring internal/migration/factory.go.
func openDatabase(dbCfg config.DatabaseConfig, logger *zap.Logger) (*database.PoolManager, error) {
	if dbCfg.URL == "" {
		return nil, fmt.Errorf("database url not configured")
	}

	scheme, rest, ok := strings.Cut(dbCfg.URL, "://")
	if !ok {
		return nil, fmt.Errorf("database url %q missing scheme", dbCfg.URL)
	}

	dbType, err := migration.ParseDatabaseType(scheme)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var dialector gorm.Dialector
	switch dbType {
	case migration.DatabaseTypePostgres:
		dialector = postgres.Open(dbCfg.URL)
	case migration.DatabaseTypeMySQL:
		dialector = mysql.Open(rest)
	case migration.DatabaseTypeSQLite:
		dialector = sqlite.Open(rest)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	poolCfg := database.DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}

	pool, err := database.NewPoolManager(db, poolCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init connection pool: %w", err)
	}

	logger.Info("database connected", zap.String("type", string(dbType)))
	return pool, nil
}
