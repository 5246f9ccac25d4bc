package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_register_count",
		Help: "The number of device registration batches (per result).",
	}, []string{"result"})

	uc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_update_count",
		Help: "The number of device updates (per result).",
	}, []string{"result"})

	dc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_delete_count",
		Help: "The number of device deletes (per result).",
	}, []string{"result"})
)

func registerCounter(result string) prometheus.Counter {
	return rc.With(prometheus.Labels{"result": result})
}

func updateCounter(result string) prometheus.Counter {
	return uc.With(prometheus.Labels{"result": result})
}

func deleteCounter(result string) prometheus.Counter {
	return dc.With(prometheus.Labels{"result": result})
}
