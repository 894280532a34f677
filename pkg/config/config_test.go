package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, k := range []string{"DB_DRIVER", "SNAPSHOT_BACKEND", "SCORE_INTERVAL", "SNAPSHOT_TTL", "DRIVER_CACHE_SIZE", "REMOTE_ID_PREFIX"} {
		t.Setenv(k, "")
	}

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.DBDriver)
	assert.Equal(t, "file", c.SnapshotBackend)
	assert.Equal(t, 12*time.Hour, c.ScoreInterval)
	assert.Equal(t, 48*time.Hour, c.SnapshotTTL)
	assert.Equal(t, 30*24*time.Hour, c.TrafficRetention)
	assert.Equal(t, 128, c.DriverCacheSize)
	assert.Equal(t, "kf", c.RemotePrefix)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_DRIVER", "MySQL")
	t.Setenv("SNAPSHOT_BACKEND", "etcd")
	t.Setenv("ETCD_ENDPOINTS", "10.0.0.1:2379, 10.0.0.2:2379,")
	t.Setenv("SCORE_INTERVAL", "30m")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mysql", c.DBDriver)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, c.EtcdEndpoints)
	assert.Equal(t, 30*time.Minute, c.ScoreInterval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	cases := map[string][2]string{
		"driver":   {"DB_DRIVER", "postgres"},
		"backend":  {"SNAPSHOT_BACKEND", "redis"},
		"duration": {"SNAPSHOT_TTL", "two days"},
		"negative": {"TRAFFIC_INTERVAL", "-1h"},
		"cache":    {"DRIVER_CACHE_SIZE", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestMySQLConnString(t *testing.T) {
	c := Config{MySQLUser: "u", MySQLPass: "p", MySQLHost: "db", MySQLPort: "3306", MySQLDB: "kf"}
	assert.Equal(t, "u:p@tcp(db:3306)/kf?charset=utf8mb4&parseTime=True&loc=UTC", c.MySQLConnString())
	c.MySQLDSN = "explicit"
	assert.Equal(t, "explicit", c.MySQLConnString())
}
