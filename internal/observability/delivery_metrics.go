package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DeliveryCollector exposes delivery-specific Prometheus metrics for
// rotational plans.
type DeliveryCollector struct {
	gatherer prometheus.Gatherer

	LeafTravel           prometheus.Histogram
	PeakLeafSpeed        prometheus.Gauge
	DeliverySeconds      prometheus.Gauge
	SpeedLimitViolations prometheus.Counter
}

// NewDeliveryCollector registers delivery metrics against the provided registerer.
func NewDeliveryCollector(reg prometheus.Registerer) (*DeliveryCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	travel := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "delivery_leaf_travel_mm",
		Help:    "Largest single-leaf travel distance per segment transition, in millimeters.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50, 100},
	})
	travel, err := registerHistogram(reg, travel, "delivery_leaf_travel_mm")
	if err != nil {
		return nil, err
	}

	peakSpeed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "delivery_peak_leaf_speed_mm_per_second",
		Help: "Peak leaf speed required by the most recent plan.",
	})
	peakSpeed, err = registerGauge(reg, peakSpeed, "delivery_peak_leaf_speed_mm_per_second")
	if err != nil {
		return nil, err
	}

	seconds := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "delivery_time_seconds",
		Help: "Estimated delivery time of the most recent plan in seconds.",
	})
	seconds, err = registerGauge(reg, seconds, "delivery_time_seconds")
	if err != nil {
		return nil, err
	}

	violations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_speed_limit_violations_total",
		Help: "Cumulative number of segment transitions exceeding the leaf speed limit.",
	})
	violations, err = registerCounter(reg, violations, "delivery_speed_limit_violations_total")
	if err != nil {
		return nil, err
	}

	return &DeliveryCollector{
		gatherer:             gatherer,
		LeafTravel:           travel,
		PeakLeafSpeed:        peakSpeed,
		DeliverySeconds:      seconds,
		SpeedLimitViolations: violations,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *DeliveryCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveLeafTravel records the largest leaf travel of one transition.
func (c *DeliveryCollector) ObserveLeafTravel(mm float64) {
	if c == nil || c.LeafTravel == nil {
		return
	}
	c.LeafTravel.Observe(mm)
}

// SetPeakLeafSpeed updates the peak leaf speed gauge.
func (c *DeliveryCollector) SetPeakLeafSpeed(v float64) {
	if c == nil || c.PeakLeafSpeed == nil {
		return
	}
	c.PeakLeafSpeed.Set(v)
}

// SetDeliverySeconds updates the estimated delivery time gauge.
func (c *DeliveryCollector) SetDeliverySeconds(s float64) {
	if c == nil || c.DeliverySeconds == nil {
		return
	}
	c.DeliverySeconds.Set(s)
}

// AddSpeedViolations counts transitions that exceed the leaf speed limit.
func (c *DeliveryCollector) AddSpeedViolations(n int) {
	if c == nil || c.SpeedLimitViolations == nil || n <= 0 {
		return
	}
	c.SpeedLimitViolations.Add(float64(n))
}
