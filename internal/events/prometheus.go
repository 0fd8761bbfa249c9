package events

import "github.com/prometheus/client_golang/prometheus"

// Prometheus counts events per (name, severity) for hosts that scrape.
type Prometheus struct {
	events *prometheus.CounterVec
}

// NewPrometheus registers the event counter on reg (use
// prometheus.DefaultRegisterer for the process-global registry).
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ad_delivery",
		Name:      "events_total",
		Help:      "Core events by name and severity.",
	}, []string{"event", "severity"})
	if err := reg.Register(c); err != nil {
		// Re-registration after a restarted core is fine.
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	return &Prometheus{events: c}, nil
}

func (p *Prometheus) Report(name string, severity Severity, fields map[string]string) {
	defer func() { recover() }()
	p.events.WithLabelValues(name, string(severity)).Inc()
}
