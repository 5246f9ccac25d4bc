package compensation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compensation_action_scheduled_count",
		Help: "The number of scheduled compensating actions (per action).",
	}, []string{"action"})

	cc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compensation_action_completed_count",
		Help: "The number of completed compensating actions (per action).",
	}, []string{"action"})

	fc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compensation_action_failed_count",
		Help: "The number of failed compensating actions (per action).",
	}, []string{"action"})
)

func scheduledCounter(action string) prometheus.Counter {
	return sc.With(prometheus.Labels{"action": action})
}

func completedCounter(action string) prometheus.Counter {
	return cc.With(prometheus.Labels{"action": action})
}

func failedCounter(action string) prometheus.Counter {
	return fc.With(prometheus.Labels{"action": action})
}
