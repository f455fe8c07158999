package walletd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/glebarez/sqlite"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverMySQL    = "mysql"
	driverSQLite   = "sqlite"

	mysqlScheme = "mysql://"
)

// Backend is an opened ledger store plus what the daemon needs to probe and close it.
type Backend struct {
	Store  ledger.Store
	Pinger grpcserver.Pinger
	Driver string
	close  func() error
}

// Close releases the underlying connections.
func (backend *Backend) Close() error {
	if backend == nil || backend.close == nil {
		return nil
	}
	return backend.close()
}

// OpenBackend connects to cfg.DatabaseURL with cfg.StoreDriver and prepares the schema.
func OpenBackend(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.StoreDriver == StoreDriverPgx {
		return openPgxBackend(ctx, cfg.DatabaseURL)
	}
	db, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	store := gormstore.New(db)
	if err := store.AutoMigrate(ctx); err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Backend{Store: store, Pinger: store, Driver: driver, close: cleanup}, nil
}

func openPgxBackend(ctx context.Context, databaseURL string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	store := pgstore.New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Backend{
		Store:  store,
		Pinger: store,
		Driver: driverPostgres,
		close: func() error {
			pool.Close()
			return nil
		},
	}, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, target, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn), NowFunc: func() time.Time { return time.Now().UTC() }}
	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(target), cfg)
	case driverMySQL:
		db, err = gorm.Open(mysql.Open(target), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(target), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// sqlite allows a single writer; row locks are emulated by serializing connections.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

// resolveDriver maps a database url onto a gorm dialect and the dsn that dialect expects.
func resolveDriver(dsn string) (string, string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return "", "", errors.New("database url is required")
	}
	if isPostgresURL(trimmed) {
		return driverPostgres, trimmed, nil
	}
	if strings.HasPrefix(trimmed, mysqlScheme) {
		mysqlDSN, err := normalizeMySQLDSN(strings.TrimPrefix(trimmed, mysqlScheme))
		return driverMySQL, mysqlDSN, err
	}
	if strings.HasPrefix(trimmed, "sqlite://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditwallet.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(trimmed)
	return driverSQLite, sqlitePath, err
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// normalizeMySQLDSN forces UTC time parsing so stored timestamps round-trip.
func normalizeMySQLDSN(raw string) (string, error) {
	parsed, err := gomysql.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	return parsed.FormatDSN(), nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
