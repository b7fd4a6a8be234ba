package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/resonance/backend/internal/connectivity"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var errMissingURL = errors.New("database url is required")

// Dialect names the storage engine selected from a connection string.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// ParseURL maps a connection string onto a dialect and the DSN its driver expects.
func ParseURL(rawURL string) (Dialect, string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", "", errMissingURL
	}
	switch {
	case strings.HasPrefix(trimmed, "sqlite://"):
		path := strings.TrimPrefix(trimmed, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite url %q has no path", rawURL)
		}
		return DialectSQLite, path, nil
	case strings.HasPrefix(trimmed, "file:"):
		return DialectSQLite, trimmed, nil
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return DialectPostgres, trimmed, nil
	case strings.HasPrefix(trimmed, "mysql://"):
		dsn := strings.TrimPrefix(trimmed, "mysql://")
		if !strings.Contains(dsn, "parseTime=") {
			separator := "?"
			if strings.Contains(dsn, "?") {
				separator = "&"
			}
			dsn += separator + "parseTime=True"
		}
		return DialectMySQL, dsn, nil
	case strings.Contains(trimmed, "://"):
		return "", "", fmt.Errorf("unsupported database url scheme in %q", rawURL)
	default:
		return DialectSQLite, trimmed, nil
	}
}

func dialectorFor(dialect Dialect, dsn string) gorm.Dialector {
	switch dialect {
	case DialectPostgres:
		return postgres.Open(dsn)
	case DialectMySQL:
		return mysql.Open(dsn)
	default:
		return sqlite.Open(dsn)
	}
}

// Open connects to the store named by rawURL, verifies it is reachable and applies schema migrations.
func Open(rawURL string, logger *zap.Logger) (*gorm.DB, error) {
	dialect, dsn, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialectorFor(dialect, dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to reach %s database: %w", dialect, err)
	}

	if err := connectivity.Migrate(db); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("dialect", string(dialect)))
	}

	return db, nil
}
