// Package config loads keyfleet settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting.
type Config struct {
	ListenAddr string

	DBDriver   string // sqlite or mysql
	SQLitePath string
	MySQLDSN   string
	MySQLHost  string
	MySQLPort  string
	MySQLUser  string
	MySQLPass  string
	MySQLDB    string

	SnapshotBackend string // file, consul or etcd
	SnapshotPath    string
	SnapshotKey     string
	ConsulAddr      string
	EtcdEndpoints   []string

	ScoreInterval    time.Duration
	SnapshotTTL      time.Duration
	TrafficInterval  time.Duration
	TrafficRetention time.Duration

	DriverCacheSize int
	DriverTimeout   time.Duration
	RemotePrefix    string

	JWTSecret string
	LogLevel  string
}

// Load reads .env when present, then the environment.
func Load() (Config, error) {
	_ = loadDotEnv()
	c := Config{
		ListenAddr:      getenv("LISTEN_ADDR", ":8080"),
		DBDriver:        strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		SQLitePath:      getenv("SQLITE_PATH", "data/keyfleet.db"),
		MySQLDSN:        os.Getenv("MYSQL_DSN"),
		MySQLHost:       getenv("MYSQL_HOST", "127.0.0.1"),
		MySQLPort:       getenv("MYSQL_PORT", "3306"),
		MySQLUser:       getenv("MYSQL_USER", "root"),
		MySQLPass:       getenv("MYSQL_PASS", ""),
		MySQLDB:         getenv("MYSQL_DB", "keyfleet"),
		SnapshotBackend: strings.ToLower(getenv("SNAPSHOT_BACKEND", "file")),
		SnapshotPath:    getenv("SNAPSHOT_PATH", "data/server_scores.json"),
		SnapshotKey:     getenv("SNAPSHOT_KEY", "keyfleet/server_scores"),
		ConsulAddr:      getenv("CONSUL_ADDR", ""),
		EtcdEndpoints:   splitList(getenv("ETCD_ENDPOINTS", "127.0.0.1:2379")),
		RemotePrefix:    getenv("REMOTE_ID_PREFIX", "kf"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
	}
	var err error
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"SCORE_INTERVAL", 12 * time.Hour, &c.ScoreInterval},
		{"SNAPSHOT_TTL", 48 * time.Hour, &c.SnapshotTTL},
		{"TRAFFIC_INTERVAL", 24 * time.Hour, &c.TrafficInterval},
		{"TRAFFIC_RETENTION", 30 * 24 * time.Hour, &c.TrafficRetention},
		{"DRIVER_TIMEOUT", 30 * time.Second, &c.DriverTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return c, err
		}
	}
	if c.DriverCacheSize, err = getInt("DRIVER_CACHE_SIZE", 128); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.SnapshotBackend {
	case "file":
		if c.SnapshotPath == "" {
			return fmt.Errorf("SNAPSHOT_PATH is required for the file backend")
		}
	case "consul":
	case "etcd":
		if len(c.EtcdEndpoints) == 0 {
			return fmt.Errorf("ETCD_ENDPOINTS is required for the etcd backend")
		}
	default:
		return fmt.Errorf("unsupported SNAPSHOT_BACKEND %q", c.SnapshotBackend)
	}
	for name, d := range map[string]time.Duration{
		"SCORE_INTERVAL":    c.ScoreInterval,
		"SNAPSHOT_TTL":      c.SnapshotTTL,
		"TRAFFIC_INTERVAL":  c.TrafficInterval,
		"TRAFFIC_RETENTION": c.TrafficRetention,
		"DRIVER_TIMEOUT":    c.DriverTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.DriverCacheSize <= 0 {
		return fmt.Errorf("DRIVER_CACHE_SIZE must be positive")
	}
	return nil
}

// MySQLConnString returns MYSQL_DSN or builds one from the MYSQL_* parts.
func (c Config) MySQLConnString() string {
	if c.MySQLDSN != "" {
		return c.MySQLDSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.MySQLUser, c.MySQLPass, c.MySQLHost, c.MySQLPort, c.MySQLDB)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
