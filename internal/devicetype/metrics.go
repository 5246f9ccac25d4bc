package devicetype

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_type_cache_lookup_count",
		Help: "The number of device-type cache lookups (per result).",
	}, []string{"result"})
)

func cacheHitCounter() prometheus.Counter {
	return cc.With(prometheus.Labels{"result": "hit"})
}

func cacheMissCounter() prometheus.Counter {
	return cc.With(prometheus.Labels{"result": "miss"})
}
