package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-manager/internal/config"
)

// Setup sets up the monitoring server. It returns nil when no bind address
// is configured.
func Setup(c config.Config, ping PingFunc) (*http.Server, error) {
	if c.Monitoring.Bind == "" {
		return nil, nil
	}

	log.WithFields(log.Fields{
		"bind": c.Monitoring.Bind,
	}).Info("monitoring: setting up monitoring endpoint")

	server := http.Server{
		Handler: newHandler(c, ping),
		Addr:    c.Monitoring.Bind,
	}

	go func() {
		err := server.ListenAndServe()
		if err != http.ErrServerClosed {
			log.WithError(err).Error("monitoring: monitoring server error")
		}
	}()

	return &server, nil
}

func newHandler(c config.Config, ping PingFunc) http.Handler {
	mux := http.NewServeMux()

	if c.Monitoring.PrometheusEndpoint {
		log.WithFields(log.Fields{
			"endpoint": "/metrics",
		}).Info("monitoring: registering Prometheus endpoint")
		mux.Handle("/metrics", promhttp.Handler())
	}

	if c.Monitoring.HealthcheckEndpoint && ping != nil {
		log.WithFields(log.Fields{
			"endpoint": "/health",
		}).Info("monitoring: registering healthcheck endpoint")
		mux.HandleFunc("/health", healthCheckHandlerFunc(ping))
	}

	return mux
}
