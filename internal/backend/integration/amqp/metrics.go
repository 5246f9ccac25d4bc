package amqp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integration_amqp_event_count",
		Help: "The number of events published by the AMQP / RabbitMQ integration (per event type).",
	}, []string{"event"})

	ac = promauto.NewCounter(prometheus.CounterOpts{
		Name: "integration_amqp_ack_count",
		Help: "The number of command acknowledgements received by the AMQP / RabbitMQ integration.",
	})
)

func amqpEventCounter(e string) prometheus.Counter {
	return ec.With(prometheus.Labels{"event": e})
}

func amqpAckCounter() prometheus.Counter {
	return ac
}

var pi = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "integration_amqp_pool_idle_channels",
	Help: "The number of idle channels in the AMQP channel pool.",
})

func poolIdleGauge() prometheus.Gauge {
	return pi
}
