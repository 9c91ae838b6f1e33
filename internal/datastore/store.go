// Package datastore persists emergency events, users and delivery attempts
// through GORM on SQLite or MySQL.
package datastore

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/logger"
)

// Store owns the database connection and hands out repositories.
type Store struct {
	db       *gorm.DB
	dialect  string
	location string
}

// Open connects to the configured database and migrates the schema.
func Open(cfg conf.DatabaseSettings) (*Store, error) {
	switch cfg.Type {
	case "mysql":
		return OpenMySQL(cfg.MySQL, cfg.SlowQueryThreshold)
	case "sqlite", "":
		return OpenSQLite(cfg.SQLite.Path, cfg.SlowQueryThreshold)
	default:
		return nil, errors.Newf("unsupported database type %q", cfg.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(path string, slowThreshold time.Duration) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, dbError(err, "create_database_dir", "path", dir)
		}
	}

	// WAL lets readers proceed while a write is in progress; busy_timeout
	// makes a second writer wait instead of failing.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(slowThreshold))
	if err != nil {
		return nil, dbError(err, "open_sqlite", "path", path)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, dbError(err, "open_sqlite", "path", path)
	}
	// SQLite has a single writer; one pooled connection keeps writes queued
	// in Go instead of spinning on SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: db, dialect: "sqlite", location: path}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}

	GetLogger().Info("sqlite database opened", logger.String("path", path))
	return s, nil
}

// MySQLDSN renders the connection string for the given settings.
func MySQLDSN(cfg conf.MySQLSettings) string {
	dc := mysqldriver.NewConfig()
	dc.User = cfg.Username
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dc.DBName = cfg.Database
	dc.ParseTime = true
	dc.Loc = time.UTC
	dc.Params = map[string]string{"charset": "utf8mb4"}
	return dc.FormatDSN()
}

// OpenMySQL connects to a MySQL server.
func OpenMySQL(cfg conf.MySQLSettings, slowThreshold time.Duration) (*Store, error) {
	db, err := gorm.Open(mysql.Open(MySQLDSN(cfg)), gormConfig(slowThreshold))
	if err != nil {
		return nil, dbError(err, "open_mysql",
			"host", cfg.Host,
			"port", cfg.Port,
			"database", cfg.Database)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, dbError(err, "open_mysql", "host", cfg.Host)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	location := fmt.Sprintf("%s/%s", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), cfg.Database)
	s := &Store{db: db, dialect: "mysql", location: location}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}

	GetLogger().Info("mysql database opened", logger.String("location", location))
	return s, nil
}

func gormConfig(slowThreshold time.Duration) *gorm.Config {
	return &gorm.Config{
		Logger:  logger.NewGormLoggerAdapter(GetLogger(), slowThreshold),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(entities.All()...); err != nil {
		return dbError(err, "auto_migrate", "dialect", s.dialect)
	}
	return nil
}

// DB returns the underlying GORM handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Dialect returns "sqlite" or "mysql".
func (s *Store) Dialect() string { return s.dialect }

// Location describes where the data lives, without credentials.
func (s *Store) Location() string { return s.location }

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "ping")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return dbError(err, "ping")
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "close")
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close")
	}
	return nil
}

// Events returns the emergency event repository.
func (s *Store) Events() *EventRepository { return &EventRepository{db: s.db} }

// Users returns the user repository.
func (s *Store) Users() *UserRepository { return &UserRepository{db: s.db} }

// Deliveries returns the delivery attempt repository.
func (s *Store) Deliveries() *DeliveryRepository { return &DeliveryRepository{db: s.db} }

// Processed returns the processed event repository.
func (s *Store) Processed() *ProcessedRepository { return &ProcessedRepository{db: s.db} }
