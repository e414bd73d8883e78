// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// Prometheus is a Sink that exposes the last value of each metric as a gauge
// "shardbench_metric{run,metric}", plus a counter of Log calls, on its own registry.
type Prometheus struct {
	runID    string
	registry *prometheus.Registry
	values   *prometheus.GaugeVec
	steps    *prometheus.GaugeVec
	logs     prometheus.Counter

	mu     sync.Mutex
	server *http.Server
}

// NewPrometheus creates the sink with a fresh registry.
func NewPrometheus(runID string) *Prometheus {
	p := &Prometheus{
		runID:    runID,
		registry: prometheus.NewRegistry(),
		values: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "shardbench",
				Name:      "metric",
				Help:      "Last value logged for each benchmark metric.",
			},
			[]string{"run", "metric"},
		),
		steps: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "shardbench",
				Name:      "step",
				Help:      "Step of the last values logged.",
			},
			[]string{"run"},
		),
		logs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardbench",
			Name:      "logs_total",
			Help:      "Number of times metrics were logged.",
		}),
	}
	p.registry.MustRegister(p.values, p.steps, p.logs)
	return p
}

// Registry returns the registry holding the collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns the HTTP handler serving the metrics in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server on addr (e.g. ":9090") serving "/metrics" in the background.
// It returns the address actually listened to, useful when addr has port 0.
// The server is shut down by Close.
func (p *Prometheus) Serve(addr string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return "", errors.Errorf("prometheus metrics already served on %s", p.server.Addr)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.Wrapf(err, "failed to listen on %q for metrics", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	p.server = &http.Server{Addr: listener.Addr().String(), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := p.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server on %s: %+v", listener.Addr(), err)
		}
	}()
	klog.Infof("serving metrics on http://%s/metrics", listener.Addr())
	return listener.Addr().String(), nil
}

// Log implements Sink.
func (p *Prometheus) Log(step int, metrics Metrics) error {
	for name, value := range metrics {
		p.values.WithLabelValues(p.runID, name).Set(value)
	}
	p.steps.WithLabelValues(p.runID).Set(float64(step))
	p.logs.Inc()
	return nil
}

// Close implements Sink. It shuts down the server started by Serve, if any.
func (p *Prometheus) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.server.Shutdown(ctx)
	p.server = nil
	return errors.Wrap(err, "failed to shut down metrics server")
}
