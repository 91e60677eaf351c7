package migration

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fabflow/config"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		input    string
		expected DatabaseType
		wantErr  bool
	}{
		{"postgres", DatabaseTypePostgres, false},
		{"postgresql", DatabaseTypePostgres, false},
		{"pg", DatabaseTypePostgres, false},
		{"mysql", DatabaseTypeMySQL, false},
		{"mariadb", DatabaseTypeMySQL, false},
		{"sqlite", DatabaseTypeSQLite, false},
		{"sqlite3", DatabaseTypeSQLite, false},
		{"POSTGRES", DatabaseTypePostgres, false},
		{"oracle", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestBuildDatabaseURL(t *testing.T) {
	tests := []struct {
		name     string
		dbType   DatabaseType
		sslMode  string
		database string
		expected string
	}{
		{"postgres", DatabaseTypePostgres, "disable", "fabflow", "postgres://fab:pw@db:5432/fabflow?sslmode=disable"},
		{"postgres default ssl", DatabaseTypePostgres, "", "fabflow", "postgres://fab:pw@db:5432/fabflow?sslmode=require"},
		{"mysql", DatabaseTypeMySQL, "", "fabflow", "fab:pw@tcp(db:5432)/fabflow?parseTime=true&multiStatements=true"},
		{"sqlite", DatabaseTypeSQLite, "", "/var/lib/fabflow/cp.db", "file:/var/lib/fabflow/cp.db?_pragma=foreign_keys(1)"},
		{"unknown", DatabaseType("oracle"), "", "fabflow", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildDatabaseURL(tt.dbType, "db", 5432, tt.database, "fab", "pw", tt.sslMode)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypeSQLite})
	assert.ErrorContains(t, err, "database URL is required")

	_, err = NewMigrator(&Config{DatabaseType: "oracle", DatabaseURL: "oracle://x"})
	assert.ErrorContains(t, err, "unsupported database type")

	_, err = NewMigratorFromConfig(nil, nil)
	assert.Error(t, err)

	_, err = NewMigratorFromURL("oracle", "oracle://x", nil)
	assert.Error(t, err)
}

func TestAvailableMigrations(t *testing.T) {
	for _, dbType := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		t.Run(string(dbType), func(t *testing.T) {
			files, err := availableMigrations(dbType)
			require.NoError(t, err)
			require.Len(t, files, 2, "every dialect ships the same migrations")
			assert.Equal(t, migrationFile{version: 1, name: "create_workflow_checkpoints"}, files[0])
			assert.Equal(t, uint(2), files[1].version)
		})
	}
}

func newSQLiteMigrator(t *testing.T) (*DefaultMigrator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	m, err := NewMigratorFromDatabaseConfig(config.DatabaseConfig{Driver: "sqlite", Name: path}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, path
}

func tableExists(t *testing.T, path, table string) bool {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestMigrator_SQLiteLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SQLite integration test in short mode")
	}
	ctx := context.Background()
	m, path := newSQLiteMigrator(t)

	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.PendingMigrations)

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx), "a second Up is a no-op")
	assert.True(t, tableExists(t, path, "workflow_checkpoints"))

	info, err = m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, &MigrationInfo{CurrentVersion: 2, TotalMigrations: 2, AppliedMigrations: 2}, info)

	require.NoError(t, m.Down(ctx))
	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[1].Applied)

	require.NoError(t, m.DownAll(ctx))
	assert.False(t, tableExists(t, path, "workflow_checkpoints"))

	require.NoError(t, m.Goto(ctx, 1))
	version, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, m.Steps(ctx, 1))
	version, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestMigrator_Force(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SQLite integration test in short mode")
	}
	ctx := context.Background()
	m, path := newSQLiteMigrator(t)

	require.NoError(t, m.Force(ctx, 1))
	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
	assert.False(t, tableExists(t, path, "workflow_checkpoints"), "force records the version only")
}
