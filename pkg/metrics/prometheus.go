package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "directshard"

// PrometheusSink exports metric values as Prometheus collectors.
// Collectors are created and registered the first time a name is seen:
// COUNTER values are added to a counter, GAUGE values set a gauge and
// HISTOGRAM values are observed.
type PrometheusSink struct {
	reg prometheus.Registerer

	mu       sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

var _ Sink = &PrometheusSink{}

// NewPrometheusSink creates a sink registered with the default registry.
func NewPrometheusSink() *PrometheusSink {
	return NewPrometheusSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPrometheusSinkWithRegistry creates a sink registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewPrometheusSinkWithRegistry(reg prometheus.Registerer) *PrometheusSink {
	return &PrometheusSink{
		reg:      reg,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

func (s *PrometheusSink) Send(ctx context.Context, m *Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range m.Values {
		switch v.Type {
		case COUNTER:
			c, err := s.counter(v.Name)
			if err != nil {
				return err
			}
			if v.Value < 0 {
				return fmt.Errorf("counter %s cannot decrease (got %f)", v.Name, v.Value)
			}
			c.Add(v.Value)
		case GAUGE:
			g, err := s.gauge(v.Name)
			if err != nil {
				return err
			}
			g.Set(v.Value)
		case HISTOGRAM:
			h, err := s.histogram(v.Name)
			if err != nil {
				return err
			}
			h.Observe(v.Value)
		default:
			return fmt.Errorf("invalid metric type %d for %s", v.Type, v.Name)
		}
	}
	return nil
}

func (s *PrometheusSink) counter(name string) (prometheus.Counter, error) {
	if c, ok := s.counters[name]; ok {
		return c, nil
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      "Counter " + name + " reported by directshard.",
	})
	c, err := register(s.reg, c)
	if err != nil {
		return nil, fmt.Errorf("registering counter %s: %w", name, err)
	}
	s.counters[name] = c
	return c, nil
}

func (s *PrometheusSink) gauge(name string) (prometheus.Gauge, error) {
	if g, ok := s.gauges[name]; ok {
		return g, nil
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      "Gauge " + name + " reported by directshard.",
	})
	g, err := register(s.reg, g)
	if err != nil {
		return nil, fmt.Errorf("registering gauge %s: %w", name, err)
	}
	s.gauges[name] = g
	return g, nil
}

func (s *PrometheusSink) histogram(name string) (prometheus.Histogram, error) {
	if h, ok := s.histograms[name]; ok {
		return h, nil
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      "Histogram " + name + " reported by directshard.",
		Buckets:   prometheus.DefBuckets,
	})
	h, err := register(s.reg, h)
	if err != nil {
		return nil, fmt.Errorf("registering histogram %s: %w", name, err)
	}
	s.histograms[name] = h
	return h, nil
}

// register adds c to reg. When another sink on the same registry already
// registered the name, its collector is returned instead.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, err
}
