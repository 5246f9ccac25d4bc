package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integration_mqtt_event_count",
		Help: "The number of events published by the MQTT integration (per event type).",
	}, []string{"event"})

	ac = promauto.NewCounter(prometheus.CounterOpts{
		Name: "integration_mqtt_ack_count",
		Help: "The number of command acknowledgements received by the MQTT integration.",
	})
)

func mqttEventCounter(e string) prometheus.Counter {
	return ec.With(prometheus.Labels{"event": e})
}

func mqttAckCounter() prometheus.Counter {
	return ac
}
