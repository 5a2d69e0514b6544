package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/overmindtech/vigil/connection"
	"github.com/overmindtech/vigil/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	processState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_process_state",
			Help: "Process state: 0 initializing, 1 running, 2 paused, 3 stopped",
		},
	)

	signalsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_signals_handled_total",
			Help: "Signals handled by the dispatcher tick, by signal name",
		},
		[]string{"signal"},
	)

	connectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_connection_errors_total",
			Help: "Errors reported by connections, by resource",
		},
		[]string{"resource"},
	)

	connectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_connection_reconnects_total",
			Help: "Reconnects requested after a connection error, by resource",
		},
		[]string{"resource"},
	)
)

// HealthCheck fails unless the daemon is Running and every connection is
// connected
func (c *Controller) HealthCheck(ctx context.Context) error {
	if s := c.State(); s != StateRunning {
		return fmt.Errorf("vigil is %v", s)
	}

	conns := c.Connections()
	resources := make([]string, 0, len(conns))
	for r := range conns {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	var errs []error
	for _, r := range resources {
		if conns[r] != connection.Connected {
			errs = append(errs, fmt.Errorf("%v is %v", r, conns[r]))
		}
	}

	return errors.Join(errs...)
}

// HealthHandler serves /healthz and /metrics
func (c *Controller) HealthHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.Tracer().Start(r.Context(), "healthcheck")
		defer span.End()

		err := c.HealthCheck(ctx)
		if err == nil {
			fmt.Fprint(rw, "ok")
		} else {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		}
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func (c *Controller) serveHealth() {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%v", c.opts.ServicePort),
		Handler: c.HealthHandler(),
		// due to https://github.com/securego/gosec/pull/842
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	c.mu.Lock()
	c.health = server
	c.mu.Unlock()

	c.log.WithFields(log.Fields{
		"port": c.opts.ServicePort,
		"path": "/healthz",
	}).Debug("Starting healthcheck server")

	go func() {
		defer sentry.Recover()

		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return
		}

		c.log.WithError(err).WithFields(log.Fields{
			"port": c.opts.ServicePort,
			"path": "/healthz",
		}).Error("Could not start HTTP server for /healthz health checks")
	}()
}
