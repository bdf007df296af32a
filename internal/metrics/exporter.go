package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes metrics via HTTP
type Exporter struct {
	addr      string
	collector *Collector
	server    *http.Server
	done      chan struct{}
}

// NewExporter creates a metrics exporter
func NewExporter(addr string) *Exporter {
	collector := NewCollector()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Exporter{
		addr:      addr,
		collector: collector,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}
}

// Start serves /metrics until Stop is called
func (e *Exporter) Start() error {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.collector.Collect()
			case <-e.done:
				return
			}
		}
	}()

	e.collector.Collect()
	if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the exporter
func (e *Exporter) Stop(ctx context.Context) error {
	close(e.done)
	return e.server.Shutdown(ctx)
}
