package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/logging"
)

// DeviceTypeCommand defines a single human-level command of a device-type.
type DeviceTypeCommand struct {
	State    string   `json:"state"`
	Segments []string `json:"segments"`
}

// DeviceTypeCommands maps the human-level command to its definition.
type DeviceTypeCommands map[string]DeviceTypeCommand

// Value implements the driver.Valuer interface.
func (c DeviceTypeCommands) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "json marshal error")
	}
	return b, nil
}

// Scan implements the sql.Scanner interface.
func (c *DeviceTypeCommands) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte, got %T", src)
	}

	out := make(DeviceTypeCommands)
	if err := json.Unmarshal(b, &out); err != nil {
		return errors.Wrap(err, "json unmarshal error")
	}
	*c = out
	return nil
}

// DeviceType defines a device-type record.
type DeviceType struct {
	Name         string             `db:"name"`
	CreatedAt    time.Time          `db:"created_at"`
	UpdatedAt    time.Time          `db:"updated_at"`
	Family       string             `db:"family"`
	Collection   string             `db:"collection"`
	RelayCount   int                `db:"relay_count"`
	DefaultClass DeviceClass        `db:"default_class"`
	Commands     DeviceTypeCommands `db:"commands"`
}

// CreateDeviceType creates the given device-type.
func CreateDeviceType(ctx context.Context, db sqlx.Execer, dt *DeviceType) error {
	now := time.Now()
	dt.CreatedAt = now
	dt.UpdatedAt = now

	_, err := db.Exec(`
		insert into device_type (
			name,
			created_at,
			updated_at,
			family,
			collection,
			relay_count,
			default_class,
			commands
		) values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		dt.Name,
		dt.CreatedAt,
		dt.UpdatedAt,
		dt.Family,
		dt.Collection,
		dt.RelayCount,
		dt.DefaultClass,
		dt.Commands,
	)
	if err != nil {
		return handlePSQLError(err, "insert error")
	}

	log.WithFields(log.Fields{
		"name":   dt.Name,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}).Info("storage: device-type created")

	return nil
}

// GetDeviceType returns the device-type matching the given name.
func GetDeviceType(ctx context.Context, db sqlx.Queryer, name string) (DeviceType, error) {
	var dt DeviceType
	err := sqlx.Get(db, &dt, "select * from device_type where name = $1", name)
	if err != nil {
		return dt, handlePSQLError(err, "select error")
	}

	return dt, nil
}

// GetDeviceTypes returns all device-types, ordered by name.
func GetDeviceTypes(ctx context.Context, db sqlx.Queryer) ([]DeviceType, error) {
	var out []DeviceType
	err := sqlx.Select(db, &out, "select * from device_type order by name")
	if err != nil {
		return nil, handlePSQLError(err, "select error")
	}

	return out, nil
}

// UpdateDeviceType updates the given device-type.
func UpdateDeviceType(ctx context.Context, db sqlx.Execer, dt *DeviceType) error {
	dt.UpdatedAt = time.Now()

	res, err := db.Exec(`
		update device_type set
			updated_at = $2,
			family = $3,
			collection = $4,
			relay_count = $5,
			default_class = $6,
			commands = $7
		where
			name = $1`,
		dt.Name,
		dt.UpdatedAt,
		dt.Family,
		dt.Collection,
		dt.RelayCount,
		dt.DefaultClass,
		dt.Commands,
	)
	if err != nil {
		return handlePSQLError(err, "update error")
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return handlePSQLError(err, "get rows affected error")
	}
	if ra == 0 {
		return ErrDoesNotExist
	}

	log.WithFields(log.Fields{
		"name":   dt.Name,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}).Info("storage: device-type updated")

	return nil
}

// DeleteDeviceType deletes the device-type matching the given name.
func DeleteDeviceType(ctx context.Context, db sqlx.Execer, name string) error {
	res, err := db.Exec("delete from device_type where name = $1", name)
	if err != nil {
		return handlePSQLError(err, "delete error")
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return handlePSQLError(err, "get rows affected error")
	}
	if ra == 0 {
		return ErrDoesNotExist
	}

	log.WithFields(log.Fields{
		"name":   name,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}).Info("storage: device-type deleted")

	return nil
}
