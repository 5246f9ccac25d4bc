package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

const (
	influxPingTimeout = 5 * time.Second

	fieldStatus        = "status"
	fieldChannelConfig = "channel_config"
	relayFieldPrefix   = "relay_"

	// unboundedStart is the Flux range start covering all stored records.
	unboundedStart = "0"
)

// columns added by the Flux engine which are not part of the parsed payload.
var influxMetaColumns = map[string]struct{}{
	"result":       {},
	"table":        {},
	"_start":       {},
	"_stop":        {},
	"_time":        {},
	"_measurement": {},
	"dev_eui":      {},
}

// InfluxDBReaderConfig holds the InfluxDB reader configuration. Range limits
// the first query, when it returns no records the query is repeated without
// range limit.
type InfluxDBReaderConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Range  string
}

// InfluxDBReader reads telemetry from an InfluxDB v2 bucket. The collection
// maps to the measurement, each record is a pivoted row keyed by time.
type InfluxDBReader struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	config   InfluxDBReaderConfig
}

// NewInfluxDBReader creates a new InfluxDBReader and verifies connectivity.
func NewInfluxDBReader(conf InfluxDBReaderConfig) (*InfluxDBReader, error) {
	if conf.Range == "" {
		conf.Range = unboundedStart
	}

	client := influxdb2.NewClientWithOptions(conf.URL, conf.Token, influxdb2.DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), influxPingTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "influxdb ping error")
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb server not healthy")
	}

	return &InfluxDBReader{
		client:   client,
		queryAPI: client.QueryAPI(conf.Org),
		config:   conf,
	}, nil
}

// Close closes the underlying client.
func (r *InfluxDBReader) Close() error {
	r.client.Close()
	return nil
}

// GetLatest implements the Reader interface. The latest records are returned
// regardless of their age.
func (r *InfluxDBReader) GetLatest(ctx context.Context, collection string, devEUI lorawan.EUI64, limit int) ([]Record, error) {
	out, err := r.query(ctx, r.buildQuery(collection, devEUI, r.config.Range, limit), collection, devEUI)
	if err != nil || len(out) != 0 || r.config.Range == unboundedStart {
		return out, err
	}

	return r.query(ctx, r.buildQuery(collection, devEUI, unboundedStart, limit), collection, devEUI)
}

func (r *InfluxDBReader) query(ctx context.Context, q, collection string, devEUI lorawan.EUI64) ([]Record, error) {
	result, err := r.queryAPI.Query(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "influxdb query error")
	}
	defer result.Close()

	var out []Record
	for result.Next() {
		fr := result.Record()
		out = append(out, recordFromValues(devEUI, collection, fr.Time(), fr.Values()))
	}
	if err := result.Err(); err != nil {
		return nil, errors.Wrap(err, "influxdb result error")
	}

	return out, nil
}

// recordFromValues maps the columns of a pivoted InfluxDB row to a Record.
func recordFromValues(devEUI lorawan.EUI64, collection string, t time.Time, values map[string]interface{}) Record {
	rec := Record{
		DevEUI:     devEUI,
		Collection: collection,
		Time:       t,
	}

	for k, v := range values {
		if _, ok := influxMetaColumns[k]; ok || v == nil {
			continue
		}

		switch {
		case k == fieldStatus:
			rec.Status = fmt.Sprint(v)
		case k == fieldChannelConfig:
			rec.ChannelConfig = ChannelConfig(fmt.Sprint(v))
		case strings.HasPrefix(k, relayFieldPrefix):
			n, err := strconv.Atoi(strings.TrimPrefix(k, relayFieldPrefix))
			if err != nil {
				continue
			}
			if rec.RelayStates == nil {
				rec.RelayStates = make(map[int]string)
			}
			rec.RelayStates[n] = fmt.Sprint(v)
		default:
			if rec.Parsed == nil {
				rec.Parsed = make(map[string]interface{})
			}
			rec.Parsed[k] = v
		}
	}

	return rec
}

func (r *InfluxDBReader) buildQuery(collection string, devEUI lorawan.EUI64, start string, limit int) string {
	if start == "" {
		start = unboundedStart
	}

	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s)
  |> filter(fn: (r) => r._measurement == %q and r.dev_eui == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)`,
		r.config.Bucket,
		start,
		collection,
		devEUI.String(),
		limit,
	)
}
