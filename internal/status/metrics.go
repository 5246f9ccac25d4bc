package status

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_status_count",
		Help: "The number of status requests (per state or error).",
	}, []string{"result"})

	dc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_command_dispatch_count",
		Help: "The number of command dispatch requests (per result).",
	}, []string{"result"})

	ac = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_command_ack_count",
		Help: "The number of command delivery acknowledgements.",
	})
)

func statusCounter(result string) prometheus.Counter {
	return sc.With(prometheus.Labels{"result": result})
}

func dispatchCounter(result string) prometheus.Counter {
	return dc.With(prometheus.Labels{"result": result})
}

func ackCounter() prometheus.Counter {
	return ac
}
