package telemetry

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/config"
	"github.com/brocaar/chirpstack-device-manager/internal/storage"
)

var reader Reader

// Setup configures the telemetry reader.
func Setup(c config.Config) error {
	switch c.Telemetry.Type {
	case "", "postgresql":
		log.Info("telemetry: using postgresql reader")
		reader = NewPostgreSQLReader(storage.DB())
	case "influxdb":
		log.WithFields(log.Fields{
			"url":    c.Telemetry.InfluxDB.URL,
			"bucket": c.Telemetry.InfluxDB.Bucket,
		}).Info("telemetry: connecting to influxdb")

		r, err := NewInfluxDBReader(InfluxDBReaderConfig{
			URL:    c.Telemetry.InfluxDB.URL,
			Token:  c.Telemetry.InfluxDB.Token,
			Org:    c.Telemetry.InfluxDB.Org,
			Bucket: c.Telemetry.InfluxDB.Bucket,
			Range:  c.Telemetry.InfluxDB.Range,
		})
		if err != nil {
			return err
		}
		reader = r
	default:
		return errors.Errorf("telemetry: unknown type: %s", c.Telemetry.Type)
	}

	return nil
}

// GetReader returns the configured telemetry reader.
func GetReader() Reader {
	return reader
}
