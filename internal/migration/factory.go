package migration

import (
	"fmt"
	"strings"

	appconfig "github.com/llmlb/llmlb/config"
)

// NewMigratorFromConfig creates a new migrator from application configuration.
func NewMigratorFromConfig(cfg *appconfig.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig creates a new migrator from database configuration.
// DatabaseConfig.URL carries its own scheme (postgres://, mysql://, sqlite://)
// which determines both the migrate driver and the connection string golang-migrate
// needs; sqlite's scheme is stripped since the sql.Open driver expects a bare path.
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*DefaultMigrator, error) {
	scheme, rest, ok := strings.Cut(dbCfg.URL, "://")
	if !ok {
		return nil, fmt.Errorf("database url %q missing scheme", dbCfg.URL)
	}

	dbType, err := ParseDatabaseType(scheme)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	dbURL := dbCfg.URL
	if dbType == DatabaseTypeSQLite {
		dbURL = fmt.Sprintf("file:%s?mode=rwc&_foreign_keys=on", rest)
	}

	migCfg := &Config{
		DatabaseType:   dbType,
		DatabaseURL:    dbURL,
		MigrationsPath: dbCfg.MigrationsPath,
		TableName:      "schema_migrations",
	}

	return NewMigrator(migCfg)
}

// NewMigratorFromURL creates a new migrator from a database URL
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	})
}
