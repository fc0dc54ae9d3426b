package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultPort      = 2112
	namespace        = "fiduciary"
	decisionsName    = "settlement_decisions_total"
	decisionTimeName = "settlement_decision_duration_microseconds"
)

var ErrInvalidPort = errors.New("port range allowed is from 1 to 65535")

// Config contains configuration of the telemetry endpoint.
type Config struct {
	Port int `yaml:"port"` // Port of the /metrics endpoint, defaults to 2112.
}

// Measurements collects measurements for prometheus.
type Measurements struct {
	mux        sync.RWMutex
	registry   *prometheus.Registry
	factory    promauto.Factory
	histograms map[string]prometheus.Observer
	gauges     map[string]prometheus.Gauge
	decisions  *prometheus.CounterVec
	decisionMs prometheus.Observer
}

// New creates Measurements registered in its own registry.
func New() *Measurements {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Measurements{
		registry:   reg,
		factory:    f,
		histograms: make(map[string]prometheus.Observer),
		gauges:     make(map[string]prometheus.Gauge),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      decisionsName,
			Help:      "The total number of settlement decisions by outcome.",
		}, []string{"outcome"}),
		decisionMs: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      decisionTimeName,
			Help:      "Time taken by a settlement decision.",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 10),
		}),
	}
}

// RecordDecision records the settlement decision outcome and its duration.
func (m *Measurements) RecordDecision(outcome string, took time.Duration) {
	m.decisions.WithLabelValues(outcome).Inc()
	m.decisionMs.Observe(float64(took.Microseconds()))
}

// CreateUpdateObservableHistogram creates observable histogram if it does not exist.
func (m *Measurements) CreateUpdateObservableHistogram(name, description string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.histograms[name]; ok {
		return
	}
	m.histograms[name] = m.factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      description,
	})
}

// RecordHistogramTime records histogram time if entity with given name exists.
func (m *Measurements) RecordHistogramTime(name string, t time.Duration) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if v, ok := m.histograms[name]; ok {
		v.Observe(float64(t.Microseconds()))
		return true
	}
	return false
}

// CreateUpdateObservableGauge creates observable gauge if it does not exist.
func (m *Measurements) CreateUpdateObservableGauge(name, description string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.gauges[name]; ok {
		return
	}
	m.gauges[name] = m.factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      description,
	})
}

// IncrementGauge increments gauge if entity with given name exists.
func (m *Measurements) IncrementGauge(name string) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if v, ok := m.gauges[name]; ok {
		v.Inc()
		return true
	}
	return false
}

// DecrementGauge decrements gauge if entity with given name exists.
func (m *Measurements) DecrementGauge(name string) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if v, ok := m.gauges[name]; ok {
		v.Dec()
		return true
	}
	return false
}

// Handler returns the http handler exposing the measurements.
func (m *Measurements) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Run serves the /metrics endpoint until the context is done.
// Default port of 2112 is used if port value is set to 0.
func Run(ctx context.Context, cfg Config, m *Measurements) error {
	if cfg.Port > 65535 || cfg.Port < 0 {
		return errors.Join(ErrInvalidPort, fmt.Errorf("received %d", cfg.Port))
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errC := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
		close(errC)
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
