package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded by the dropped-branch counter.
const (
	dropDirective  = "directive"
	dropTransform  = "transform"
	dropConversion = "conversion"
	dropPermission = "permission"
)

// Metrics holds the engine's prometheus instruments. Register against a
// per-engine registerer so tests can run engines side by side.
type Metrics struct {
	Evaluations      prometheus.Counter
	Actions          *prometheus.CounterVec
	DroppedBranches  *prometheus.CounterVec
	ThrottleCoalesce prometheus.Counter
}

// NewMetrics builds and registers the engine instruments. A nil registerer
// leaves them unregistered but still usable.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refract_evaluations_total",
			Help: "Source events evaluated against a view.",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refract_actions_total",
			Help: "Derived entry actions emitted, by kind.",
		}, []string{"kind"}),
		DroppedBranches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refract_dropped_branches_total",
			Help: "Evaluation branches dropped, by reason.",
		}, []string{"reason"}),
		ThrottleCoalesce: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refract_throttle_coalesced_total",
			Help: "Updates coalesced into a trailing throttle emission.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Evaluations, m.Actions, m.DroppedBranches, m.ThrottleCoalesce)
	}
	return m
}
