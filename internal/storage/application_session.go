package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/logging"
	"github.com/brocaar/lorawan"
)

// ActivationMode defines the device activation mode.
type ActivationMode string

// Available activation modes.
const (
	ModeABP  ActivationMode = "ABP"
	ModeOTAA ActivationMode = "OTAA"
)

// DeviceClass defines the LoRaWAN device class.
type DeviceClass int

// Available device classes.
const (
	ClassA DeviceClass = iota
	ClassB
	ClassC
)

// String implements fmt.Stringer.
func (c DeviceClass) String() string {
	switch c {
	case ClassA:
		return "A"
	case ClassB:
		return "B"
	case ClassC:
		return "C"
	default:
		return strconv.Itoa(int(c))
	}
}

// ParseDeviceClass parses the given class name (A, B or C).
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch strings.ToUpper(s) {
	case "A":
		return ClassA, nil
	case "B":
		return ClassB, nil
	case "C":
		return ClassC, nil
	default:
		return ClassA, errors.Errorf("invalid device class: %s", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c DeviceClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *DeviceClass) UnmarshalText(text []byte) error {
	class, err := ParseDeviceClass(string(text))
	if err != nil {
		return err
	}
	*c = class
	return nil
}

// SupportsMulticast returns true when the class can be part of a multicast
// group.
func (c DeviceClass) SupportsMulticast() bool {
	return c == ClassB || c == ClassC
}

// ApplicationSession holds the application-layer session of a device.
type ApplicationSession struct {
	ApplicationID string            `db:"application_id"`
	DevEUI        lorawan.EUI64     `db:"dev_eui"`
	CreatedAt     time.Time         `db:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at"`
	DeviceType    string            `db:"device_type"`
	Mode          ActivationMode    `db:"mode"`
	Class         DeviceClass       `db:"class"`
	AppKey        lorawan.AES128Key `db:"app_key"`
	AppSKey       lorawan.AES128Key `db:"app_s_key"`

	CommandBuffers  CommandBuffers `db:"command_buffers"`
	MulticastGroups pq.Int64Array  `db:"multicast_groups"`
	InMaintenance   bool           `db:"in_maintenance"`
	Latitude        *float64       `db:"latitude"`
	Longitude       *float64       `db:"longitude"`

	// Fields mirrored from the gateway session. When set, these take
	// precedence over the gateway values.
	NwkSKey  *lorawan.AES128Key `db:"nwk_s_key"`
	DevAddr  *lorawan.DevAddr   `db:"dev_addr"`
	FCntUp   *uint32            `db:"f_cnt_up"`
	FCntDown *uint32            `db:"f_cnt_down"`
}

// Key returns the session key.
func (s ApplicationSession) Key() Key {
	return Key{ApplicationID: s.ApplicationID, DevEUI: s.DevEUI}
}

// ApplicationSessionStore implements the application session store using
// PostgreSQL.
type ApplicationSessionStore struct {
	DB sqlx.Ext
}

// NewApplicationSessionStore returns an ApplicationSessionStore using the
// database configured by Setup.
func NewApplicationSessionStore() ApplicationSessionStore {
	return ApplicationSessionStore{DB: DB()}
}

// CreateApplicationSessions creates the given sessions within a single
// transaction and returns the number of created sessions.
func (st ApplicationSessionStore) CreateApplicationSessions(ctx context.Context, sessions []ApplicationSession) (int, error) {
	var count int

	err := st.transaction(func(tx sqlx.Ext) error {
		count = 0
		for i := range sessions {
			if err := createApplicationSession(tx, &sessions[i]); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.WithFields(log.Fields{
		"count":  count,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}).Info("storage: application-sessions created")

	return count, nil
}

// GetApplicationSession returns the application session for the given key.
func (st ApplicationSessionStore) GetApplicationSession(ctx context.Context, key Key) (ApplicationSession, error) {
	var s ApplicationSession
	err := sqlx.Get(st.DB, &s, `
		select
			*
		from
			application_session
		where
			application_id = $1
			and dev_eui = $2`,
		key.ApplicationID,
		key.DevEUI[:],
	)
	if err != nil {
		return s, handlePSQLError(err, "select error")
	}

	return s, nil
}

// UpdateApplicationSession updates the given application session. The
// command buffers are not updated, use UpdateCommandBuffer.
func (st ApplicationSessionStore) UpdateApplicationSession(ctx context.Context, s *ApplicationSession) error {
	s.UpdatedAt = time.Now()

	res, err := st.DB.Exec(`
		update application_session set
			updated_at = $3,
			device_type = $4,
			mode = $5,
			class = $6,
			app_key = $7,
			app_s_key = $8,
			multicast_groups = $9,
			in_maintenance = $10,
			latitude = $11,
			longitude = $12,
			nwk_s_key = $13,
			dev_addr = $14,
			f_cnt_up = $15,
			f_cnt_down = $16
		where
			application_id = $1
			and dev_eui = $2`,
		s.ApplicationID,
		s.DevEUI[:],
		s.UpdatedAt,
		s.DeviceType,
		s.Mode,
		s.Class,
		s.AppKey[:],
		s.AppSKey[:],
		s.MulticastGroups,
		s.InMaintenance,
		s.Latitude,
		s.Longitude,
		nullableKey(s.NwkSKey),
		nullableDevAddr(s.DevAddr),
		nullableUint32(s.FCntUp),
		nullableUint32(s.FCntDown),
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
		"application_id": s.ApplicationID,
		"dev_eui":        s.DevEUI,
		"ctx_id":         ctx.Value(logging.ContextIDKey),
	}).Info("storage: application-session updated")

	return nil
}

// UpdateCommandBuffer atomically replaces the command buffer of a single
// channel. Other channels and fields are left untouched.
func (st ApplicationSessionStore) UpdateCommandBuffer(ctx context.Context, key Key, channel int, buf CommandBuffer) error {
	b, err := json.Marshal(buf)
	if err != nil {
		return errors.Wrap(err, "json marshal error")
	}

	res, err := st.DB.Exec(`
		update application_session set
			updated_at = $3,
			command_buffers = jsonb_set(command_buffers, $4, $5::jsonb, true)
		where
			application_id = $1
			and dev_eui = $2`,
		key.ApplicationID,
		key.DevEUI[:],
		time.Now(),
		pq.StringArray{strconv.Itoa(channel)},
		string(b),
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
		"application_id": key.ApplicationID,
		"dev_eui":        key.DevEUI,
		"channel":        channel,
		"delivered":      buf.Delivered,
		"ctx_id":         ctx.Value(logging.ContextIDKey),
	}).Info("storage: command-buffer updated")

	return nil
}

// DeleteApplicationSession deletes the application session and returns the
// number of deleted records.
func (st ApplicationSessionStore) DeleteApplicationSession(ctx context.Context, key Key) (int64, error) {
	res, err := st.DB.Exec(`
		delete from
			application_session
		where
			application_id = $1
			and dev_eui = $2`,
		key.ApplicationID,
		key.DevEUI[:],
	)
	if err != nil {
		return 0, handlePSQLError(err, "delete error")
	}

	ra, err := res.RowsAffected()
	if err != nil {
		return 0, handlePSQLError(err, "get rows affected error")
	}

	log.WithFields(log.Fields{
		"application_id": key.ApplicationID,
		"dev_eui":        key.DevEUI,
		"count":          ra,
		"ctx_id":         ctx.Value(logging.ContextIDKey),
	}).Info("storage: application-session deleted")

	return ra, nil
}

// GetExistingApplicationSessionKeys returns the subset of the given keys for
// which an application session exists.
func (st ApplicationSessionStore) GetExistingApplicationSessionKeys(ctx context.Context, keys []Key) ([]Key, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	byApp := make(map[string][][]byte)
	for _, k := range keys {
		devEUI := k.DevEUI
		byApp[k.ApplicationID] = append(byApp[k.ApplicationID], devEUI[:])
	}

	var out []Key
	for appID, devEUIs := range byApp {
		var found [][]byte
		err := sqlx.Select(st.DB, &found, `
			select
				dev_eui
			from
				application_session
			where
				application_id = $1
				and dev_eui = any($2)`,
			appID,
			pq.ByteaArray(devEUIs),
		)
		if err != nil {
			return nil, handlePSQLError(err, "select error")
		}

		for _, b := range found {
			k := Key{ApplicationID: appID}
			copy(k.DevEUI[:], b)
			out = append(out, k)
		}
	}

	return out, nil
}

func (st ApplicationSessionStore) transaction(f func(tx sqlx.Ext) error) error {
	d, ok := st.DB.(*DBLogger)
	if !ok {
		return f(st.DB)
	}

	tx, err := d.Beginx()
	if err != nil {
		return errors.Wrap(err, "begin transaction error")
	}

	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrap(rbErr, "transaction rollback error")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "transaction commit error")
	}
	return nil
}

func createApplicationSession(db sqlx.Execer, s *ApplicationSession) error {
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now

	if s.CommandBuffers == nil {
		s.CommandBuffers = make(CommandBuffers)
	}

	_, err := db.Exec(`
		insert into application_session (
			application_id,
			dev_eui,
			created_at,
			updated_at,
			device_type,
			mode,
			class,
			app_key,
			app_s_key,
			command_buffers,
			multicast_groups,
			in_maintenance,
			latitude,
			longitude,
			nwk_s_key,
			dev_addr,
			f_cnt_up,
			f_cnt_down
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		s.ApplicationID,
		s.DevEUI[:],
		s.CreatedAt,
		s.UpdatedAt,
		s.DeviceType,
		s.Mode,
		s.Class,
		s.AppKey[:],
		s.AppSKey[:],
		s.CommandBuffers,
		s.MulticastGroups,
		s.InMaintenance,
		s.Latitude,
		s.Longitude,
		nullableKey(s.NwkSKey),
		nullableDevAddr(s.DevAddr),
		nullableUint32(s.FCntUp),
		nullableUint32(s.FCntDown),
	)
	if err != nil {
		return handlePSQLError(err, "insert error")
	}

	return nil
}

func nullableKey(k *lorawan.AES128Key) interface{} {
	if k == nil {
		return nil
	}
	return k[:]
}

func nullableDevAddr(a *lorawan.DevAddr) interface{} {
	if a == nil {
		return nil
	}
	return a[:]
}

func nullableUint32(v *uint32) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}
