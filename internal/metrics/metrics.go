// Package metrics exposes the daemon's prometheus collectors. Every
// collector lives on the Metrics value's own registry so tests can create as
// many as they like.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	// LinesIn counts inbound lines by command
	LinesIn *prometheus.CounterVec
	// LinesDropped counts inbound lines that were not handled, by reason
	LinesDropped *prometheus.CounterVec
	LinesOut     prometheus.Counter

	Servers prometheus.Gauge
	Users   prometheus.Gauge

	Bans        prometheus.Gauge
	BansAdded   prometheus.Counter
	BansDeleted *prometheus.CounterVec
	BansRefused *prometheus.CounterVec

	Reconnects prometheus.Counter
}

// New creates a fresh registry with every collector registered on it
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		LinesIn: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ngservices_lines_received_total",
			Help: "Lines received from the uplink by command",
		}, []string{"command"}),
		LinesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ngservices_lines_dropped_total",
			Help: "Lines received from the uplink that were not handled",
		}, []string{"reason"}),
		LinesOut: f.NewCounter(prometheus.CounterOpts{
			Name: "ngservices_lines_sent_total",
			Help: "Lines sent to the uplink",
		}),
		Servers: f.NewGauge(prometheus.GaugeOpts{
			Name: "ngservices_servers",
			Help: "Servers currently linked, including our own",
		}),
		Users: f.NewGauge(prometheus.GaugeOpts{
			Name: "ngservices_users",
			Help: "Users currently on the network",
		}),
		Bans: f.NewGauge(prometheus.GaugeOpts{
			Name: "ngservices_akills",
			Help: "Entries on the AKILL list",
		}),
		BansAdded: f.NewCounter(prometheus.CounterOpts{
			Name: "ngservices_akills_added_total",
			Help: "AKILL entries added",
		}),
		BansDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ngservices_akills_deleted_total",
			Help: "AKILL entries removed, by cause",
		}, []string{"cause"}),
		BansRefused: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ngservices_akills_refused_total",
			Help: "AKILL additions refused, by reason",
		}, []string{"reason"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "ngservices_uplink_reconnects_total",
			Help: "Connections made to the uplink after the first",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
