package monitoring

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const healthCheckTimeout = 5 * time.Second

// PingFunc checks the availability of the storage backends.
type PingFunc func(ctx context.Context) error

func healthCheckHandlerFunc(ping PingFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := ping(ctx); err != nil {
			log.WithError(err).Error("monitoring: healthcheck error")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(err.Error()))
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
