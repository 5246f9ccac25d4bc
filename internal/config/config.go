package config

import (
	"time"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
)

// Version defines the ChirpStack Device Manager version.
var Version string

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel    int  `mapstructure:"log_level"`
		LogToSyslog bool `mapstructure:"log_to_syslog"`
	} `mapstructure:"general"`

	PostgreSQL struct {
		DSN                string `mapstructure:"dsn"`
		Automigrate        bool   `mapstructure:"automigrate"`
		MaxOpenConnections int    `mapstructure:"max_open_connections"`
		MaxIdleConnections int    `mapstructure:"max_idle_connections"`
	} `mapstructure:"postgresql"`

	Redis struct {
		URL        string   `mapstructure:"url"` // deprecated
		Servers    []string `mapstructure:"servers"`
		Cluster    bool     `mapstructure:"cluster"`
		MasterName string   `mapstructure:"master_name"`
		PoolSize   int      `mapstructure:"pool_size"`
		Password   string   `mapstructure:"password"`
		Database   int      `mapstructure:"database"`
		TLSEnabled bool     `mapstructure:"tls_enabled"`
		KeyPrefix  string   `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`

	DeviceManager struct {
		NetID       lorawan.NetID `mapstructure:"-"`
		NetIDString string        `mapstructure:"net_id"`

		Band struct {
			Name                   band.Name `mapstructure:"name"`
			DownlinkDwellTime400ms bool      `mapstructure:"downlink_dwell_time_400ms"`
			RepeaterCompatible     bool      `mapstructure:"repeater_compatible"`
		} `mapstructure:"band"`

		Registration struct {
			MaxBatchSize           int     `mapstructure:"max_batch_size"`
			DefaultADRInterval     int     `mapstructure:"default_adr_interval"`
			DefaultInstallMargin   float64 `mapstructure:"default_installation_margin"`
			DefaultNbTrans         int     `mapstructure:"default_nb_trans"`
			DefaultMulticastGroups []int   `mapstructure:"default_multicast_groups"`
			DisplayPrecision       int     `mapstructure:"display_precision"`
		} `mapstructure:"registration"`

		Compensation struct {
			Delay   time.Duration `mapstructure:"delay"`
			Timeout time.Duration `mapstructure:"timeout"`
		} `mapstructure:"compensation"`

		Status struct {
			CommandFreshness time.Duration `mapstructure:"command_freshness"`
			TelemetryHistory int           `mapstructure:"telemetry_history"`
		} `mapstructure:"status"`
	} `mapstructure:"device_manager"`

	Telemetry struct {
		Type string `mapstructure:"type"`

		InfluxDB struct {
			URL    string `mapstructure:"url"`
			Token  string `mapstructure:"token"`
			Org    string `mapstructure:"org"`
			Bucket string `mapstructure:"bucket"`
			Range  string `mapstructure:"range"`
		} `mapstructure:"influxdb"`
	} `mapstructure:"telemetry"`

	Integration struct {
		Type string `mapstructure:"type"`

		MQTT struct {
			Server               string        `mapstructure:"server"`
			Username             string        `mapstructure:"username"`
			Password             string        `mapstructure:"password"`
			QOS                  uint8         `mapstructure:"qos"`
			CleanSession         bool          `mapstructure:"clean_session"`
			ClientID             string        `mapstructure:"client_id"`
			MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
			CACert               string        `mapstructure:"ca_cert"`
			TLSCert              string        `mapstructure:"tls_cert"`
			TLSKey               string        `mapstructure:"tls_key"`
			EventTopicTemplate   string        `mapstructure:"event_topic_template"`
			AckTopic             string        `mapstructure:"ack_topic"`
		} `mapstructure:"mqtt"`

		AMQP struct {
			URL                     string `mapstructure:"url"`
			EventRoutingKeyTemplate string `mapstructure:"event_routing_key_template"`
			AckQueueName            string `mapstructure:"ack_queue_name"`
			AckRoutingKey           string `mapstructure:"ack_routing_key"`
		} `mapstructure:"amqp"`
	} `mapstructure:"integration"`

	Monitoring struct {
		Bind                string `mapstructure:"bind"`
		PrometheusEndpoint  bool   `mapstructure:"prometheus_endpoint"`
		HealthcheckEndpoint bool   `mapstructure:"healthcheck_endpoint"`
	} `mapstructure:"monitoring"`
}

// C holds the global configuration.
var C Config
