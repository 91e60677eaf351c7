package migration

import (
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/config"
)

// NewMigratorFromConfig builds a migrator for the checkpoint database.
func NewMigratorFromConfig(cfg *config.Config, logger *zap.Logger) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

// NewMigratorFromDatabaseConfig translates a DatabaseConfig into a migrate
// URL. For SQLite, Name is the database file path.
func NewMigratorFromDatabaseConfig(db config.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(db.Driver)
	if err != nil {
		return nil, err
	}
	sslMode := db.SSLMode
	if dbType != DatabaseTypePostgres {
		sslMode = ""
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  BuildDatabaseURL(dbType, db.Host, db.Port, db.Name, db.User, db.Password, sslMode),
		Logger:       logger,
	})
}

// NewMigratorFromURL builds a migrator from a driver alias and a raw URL.
func NewMigratorFromURL(dbType, dbURL string, logger *zap.Logger) (*DefaultMigrator, error) {
	t, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{DatabaseType: t, DatabaseURL: dbURL, Logger: logger})
}
