package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// PostgreSQLReader reads telemetry from the device_telemetry table.
type PostgreSQLReader struct {
	db sqlx.Queryer
}

// NewPostgreSQLReader creates a new PostgreSQLReader.
func NewPostgreSQLReader(db sqlx.Queryer) *PostgreSQLReader {
	return &PostgreSQLReader{db: db}
}

type recordRow struct {
	DevEUI        lorawan.EUI64   `db:"dev_eui"`
	Collection    string          `db:"collection"`
	Time          time.Time       `db:"time"`
	Status        sql.NullString  `db:"status"`
	ChannelConfig sql.NullString  `db:"channel_config"`
	RelayStates   json.RawMessage `db:"relay_states"`
	Parsed        json.RawMessage `db:"parsed"`
}

// GetLatest implements the Reader interface.
func (r *PostgreSQLReader) GetLatest(ctx context.Context, collection string, devEUI lorawan.EUI64, limit int) ([]Record, error) {
	var rows []recordRow
	err := sqlx.Select(r.db, &rows, `
		select
			dev_eui,
			collection,
			time,
			status,
			channel_config,
			relay_states,
			parsed
		from
			device_telemetry
		where
			collection = $1
			and dev_eui = $2
		order by
			time desc
		limit $3`,
		collection,
		devEUI[:],
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select error")
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := Record{
			DevEUI:        row.DevEUI,
			Collection:    row.Collection,
			Time:          row.Time,
			Status:        row.Status.String,
			ChannelConfig: ChannelConfig(row.ChannelConfig.String),
		}

		if len(row.RelayStates) != 0 && string(row.RelayStates) != "null" {
			if err := json.Unmarshal(row.RelayStates, &rec.RelayStates); err != nil {
				return nil, errors.Wrap(err, "unmarshal relay states error")
			}
		}

		if len(row.Parsed) != 0 && string(row.Parsed) != "null" {
			if err := json.Unmarshal(row.Parsed, &rec.Parsed); err != nil {
				return nil, errors.Wrap(err, "unmarshal parsed data error")
			}
		}

		out = append(out, rec)
	}

	return out, nil
}
