package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milanbella/sa-oauth/config"
)

func TestBuildDSNSQLiteForeignKeys(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"file:/tmp/a.db", "file:/tmp/a.db?_pragma=foreign_keys(1)"},
		{"file:/tmp/a.db?_pragma=busy_timeout(5000)", "file:/tmp/a.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"},
		{"file:/tmp/a.db?_pragma=foreign_keys(1)", "file:/tmp/a.db?_pragma=foreign_keys(1)"},
	}

	for _, tt := range tests {
		got, err := buildDSN(DialectSQLite, config.DBConfig{DSN: tt.dsn})
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := buildDSN(DialectSQLite, config.DBConfig{})
	assert.Error(t, err)
}

func TestBuildDSNMySQLFoundRows(t *testing.T) {
	dsn, err := buildDSN(DialectMySQL, config.DBConfig{DSN: "oauth:secret@tcp(db:3306)/oauth?charset=utf8mb4"})
	require.NoError(t, err)

	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.True(t, parsed.ClientFoundRows)
	assert.Equal(t, "oauth", parsed.User)
	assert.Equal(t, "db:3306", parsed.Addr)
	assert.Equal(t, "oauth", parsed.DBName)

	dsn, err = buildDSN(DialectMySQL, config.DBConfig{User: "oauth", Password: "secret", Host: "db", Port: 3306, Name: "oauth"})
	require.NoError(t, err)
	parsed, err = mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.True(t, parsed.ClientFoundRows)

	_, err = buildDSN(DialectMySQL, config.DBConfig{DSN: "not a dsn"})
	assert.Error(t, err)
}

func TestNewSQLiteEnforcesForeignKeys(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "fk.db")

	d, err := New(ctx, config.DBConfig{Driver: "sqlite", DSN: dsn, MaxIdleConns: 1, PingTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer d.Close()

	var enabled int
	require.NoError(t, d.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled))
	assert.Equal(t, 1, enabled)
}

func TestNewRejectsSQLiteWithForeignKeysOff(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "fk.db") + "?_pragma=foreign_keys(0)"

	_, err := New(context.Background(), config.DBConfig{Driver: "sqlite", DSN: dsn, MaxIdleConns: 1, PingTimeout: 5 * time.Second})
	assert.ErrorContains(t, err, "foreign key")
}
