package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver

	"github.com/milanbella/sa-oauth/config"
	"github.com/milanbella/sa-oauth/logger"
)

// DB pairs a connection pool with the dialect its queries must be rewritten for.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Wrap adopts an already opened pool.
func Wrap(sqlDB *sql.DB, dialect Dialect) *DB {
	return &DB{DB: sqlDB, dialect: dialect}
}

// Dialect reports the SQL flavour of the pool.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// New opens and verifies a connection pool for the configured driver.
func New(ctx context.Context, cfg config.DBConfig) (*DB, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, logger.LogErr(err)
	}

	dsn, err := buildDSN(dialect, cfg)
	if err != nil {
		return nil, logger.LogErr(err)
	}

	sqlDB, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, logger.LogErr(fmt.Errorf("open %s connection: %w", dialect, err))
	}

	if dialect == DialectSQLite {
		// One writer at a time; also keeps in-memory databases alive on a single connection.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if cfg.PingTimeout > 0 {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()

		if err := sqlDB.PingContext(pingCtx); err != nil {
			_ = sqlDB.Close()
			return nil, logger.LogErr(fmt.Errorf("ping %s: %w", dialect, err))
		}
	}

	if dialect == DialectSQLite {
		if err := checkForeignKeys(ctx, sqlDB); err != nil {
			_ = sqlDB.Close()
			return nil, logger.LogErr(err)
		}
	}

	return Wrap(sqlDB, dialect), nil
}

// checkForeignKeys fails when SQLite would silently skip ON DELETE CASCADE.
func checkForeignKeys(ctx context.Context, sqlDB *sql.DB) error {
	var enabled int
	if err := sqlDB.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("read sqlite foreign_keys pragma: %w", err)
	}
	if enabled != 1 {
		return errors.New("sqlite foreign key enforcement is off")
	}
	return nil
}

func buildDSN(dialect Dialect, cfg config.DBConfig) (string, error) {
	switch dialect {
	case DialectPostgres:
		if cfg.DSN != "" {
			return cfg.DSN, nil
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name), nil
	case DialectSQLite:
		if cfg.DSN == "" {
			return "", fmt.Errorf("DB_DSN is required for the sqlite driver")
		}
		return withSQLiteForeignKeys(cfg.DSN), nil
	default:
		if cfg.DSN != "" {
			return normalizeMySQLDSN(cfg.DSN)
		}
		return buildMySQLDSN(cfg), nil
	}
}

// withSQLiteForeignKeys turns on foreign key enforcement for every connection
// the driver opens, unless the DSN already sets the pragma itself.
func withSQLiteForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

// normalizeMySQLDSN keeps an operator supplied DSN but makes RowsAffected
// report matched rather than changed rows, which the store relies on.
func normalizeMySQLDSN(dsn string) (string, error) {
	mysqlCfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse DB_DSN: %w", err)
	}
	mysqlCfg.ClientFoundRows = true

	return mysqlCfg.FormatDSN(), nil
}

func buildMySQLDSN(cfg config.DBConfig) string {
	mysqlCfg := mysql.NewConfig()
	mysqlCfg.User = cfg.User
	mysqlCfg.Passwd = cfg.Password
	mysqlCfg.Net = "tcp"
	mysqlCfg.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mysqlCfg.DBName = cfg.Name
	mysqlCfg.ParseTime = true
	mysqlCfg.AllowNativePasswords = true
	mysqlCfg.ClientFoundRows = true
	mysqlCfg.Params = map[string]string{
		"charset": "utf8mb4",
	}

	return mysqlCfg.FormatDSN()
}

// ExecContext runs a statement after rebinding its placeholders.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.DB.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

// QueryContext runs a query after rebinding its placeholders.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.DB.QueryContext(ctx, d.dialect.Rebind(query), args...)
}

// QueryRowContext runs a single-row query after rebinding its placeholders.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.DB.QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}

// InsertID runs an INSERT into a table with an auto-generated "id" column
// and returns the new id. Postgres has no LastInsertId, so it gets RETURNING.
func (d *DB) InsertID(ctx context.Context, query string, args ...any) (int64, error) {
	if d.dialect == DialectPostgres {
		var id int64
		if err := d.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := d.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Tx is a transaction that rebinds placeholders like DB does.
type Tx struct {
	*sql.Tx
	dialect Dialect
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.Tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

// InTx runs fn in a transaction, committing when it returns nil.
func (d *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{Tx: sqlTx, dialect: d.dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
