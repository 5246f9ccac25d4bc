// Package test contains the test configuration and in-memory implementations
// of the storage, telemetry and integration interfaces.
package test

import (
	"context"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/config"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
)

func init() {
	log.SetLevel(log.ErrorLevel)
}

// GetConfig returns the test configuration.
func GetConfig() config.Config {
	var c config.Config

	c.General.LogLevel = int(log.ErrorLevel)

	c.PostgreSQL.DSN = "postgres://localhost/chirpstack_dm_test?sslmode=disable"
	c.Redis.Servers = []string{"localhost:6379"}

	c.DeviceManager.NetID = lorawan.NetID{0, 0, 1}
	c.DeviceManager.Band.Name = band.EU868

	c.DeviceManager.Registration.MaxBatchSize = 500
	c.DeviceManager.Registration.DefaultADRInterval = 20
	c.DeviceManager.Registration.DefaultInstallMargin = 10
	c.DeviceManager.Registration.DefaultNbTrans = 1
	c.DeviceManager.Registration.DefaultMulticastGroups = []int{1}
	c.DeviceManager.Registration.DisplayPrecision = 15

	c.DeviceManager.Compensation.Delay = 5 * time.Millisecond
	c.DeviceManager.Compensation.Timeout = time.Second

	c.DeviceManager.Status.CommandFreshness = time.Minute
	c.DeviceManager.Status.TelemetryHistory = 5

	if v := os.Getenv("TEST_POSTGRES_DSN"); v != "" {
		c.PostgreSQL.DSN = v
	}

	if v := os.Getenv("TEST_REDIS_SERVERS"); v != "" {
		c.Redis.Servers = []string{v}
	}

	return c
}

// IntegrationEnabled returns true when the Redis and PostgreSQL integration
// tests must run.
func IntegrationEnabled() bool {
	return os.Getenv("TEST_POSTGRES_DSN") != "" && os.Getenv("TEST_REDIS_SERVERS") != ""
}

// MustFlushRedis flushes the Redis storage.
func MustFlushRedis() {
	if err := storage.RedisClient().FlushAll(context.Background()).Err(); err != nil {
		log.Fatal(err)
	}
}

// MustResetDB re-applies all database migrations.
func MustResetDB(db *sqlx.DB) {
	if err := storage.MigrateDown(db); err != nil {
		log.Fatal(err)
	}
	if err := storage.MigrateUp(db); err != nil {
		log.Fatal(err)
	}
}
