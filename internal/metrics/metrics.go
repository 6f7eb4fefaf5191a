// Package metrics exposes the Prometheus scrape endpoint for the agent binaries.
package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the listen address and timeouts for the scrape endpoint.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Exporter serves /metrics for a registry over HTTP.
type Exporter struct {
	srv *http.Server

	mu   sync.RWMutex
	addr net.Addr
}

// NewExporter builds an exporter serving the gatherer's metrics on the
// configured host and port.
func NewExporter(cfg Config, reg prometheus.Gatherer) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Exporter{
		srv: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Serve listens on the configured address and serves scrapes until Shutdown
// or Close is called.
func (e *Exporter) Serve() error {
	ln, err := net.Listen("tcp", e.srv.Addr)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.addr = ln.Addr()
	e.mu.Unlock()

	return e.srv.Serve(ln)
}

// Shutdown stops the exporter, waiting for in-flight scrapes.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.srv.Shutdown(ctx)
}

// Close stops the exporter immediately.
func (e *Exporter) Close() error {
	return e.srv.Close()
}

// Addr returns the bound address. It is empty until Serve has started listening.
func (e *Exporter) Addr() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.addr == nil {
		return ""
	}
	return e.addr.String()
}
