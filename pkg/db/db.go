package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"keyfleet/pkg/config"
	"keyfleet/pkg/model"
)

// Open connects to the configured database and runs migrations.
func Open(c config.Config) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch c.DBDriver {
	case "mysql":
		db, err = openMySQL(c)
	case "sqlite":
		if dir := filepath.Dir(c.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = OpenSQLite("file:" + c.SQLitePath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	default:
		return nil, fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = Close(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenSQLite opens a SQLite database through the pure-Go modernc driver.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY under concurrent requests
	sqlDB.SetMaxOpenConns(1)
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", Conn: sqlDB}), gormConfig())
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// migrate is swapped in tests.
var migrate = Migrate

// Migrate creates or updates the fleet tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Node{}, &model.Subscription{}, &model.Credential{}, &model.TrafficLog{})
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
}

func openMySQL(c config.Config) (*gorm.DB, error) {
	dsn := c.MySQLConnString()
	cfg := gormConfig()
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		// Try to create database if missing
		if strings.Contains(err.Error(), "Unknown database") && c.MySQLDSN == "" {
			if cerr := createDatabase(c.MySQLUser, c.MySQLPass, c.MySQLHost, c.MySQLPort, c.MySQLDB); cerr != nil {
				return nil, fmt.Errorf("create database failed: %w", cerr)
			}
			db, err = gorm.Open(mysql.Open(dsn), cfg)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = Close(db)
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	return db, nil
}

func createDatabase(user, pass, host, port, dbname string) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", user, pass, host, port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", dbname))
	return err
}
