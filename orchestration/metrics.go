package orchestration

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StepMetrics is the rolling execution summary of one step.
type StepMetrics struct {
	AvgDuration   time.Duration `json:"avg_duration"`
	Count         int           `json:"count"`
	LastExecution time.Time     `json:"last_execution"`
}

// record folds one execution into the running average:
// avg' = (avg*(n-1) + d) / n.
func (s *StepMetrics) record(d time.Duration, at time.Time) {
	s.Count++
	n := time.Duration(s.Count)
	s.AvgDuration = (s.AvgDuration*(n-1) + d) / n
	s.LastExecution = at
}

type collectors struct {
	executions      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	providerHealthy *prometheus.GaugeVec
}

func newCollectors(reg prometheus.Registerer) (*collectors, error) {
	c := &collectors{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "step_executions_total",
			Help:      "Step executions by outcome.",
		}, []string{"step_id", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step_id"}),
		providerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "provider_healthy",
			Help:      "1 when the provider's last health check succeeded.",
		}, []string{"provider"}),
	}

	var err error
	c.executions, err = register(reg, c.executions)
	if err != nil {
		return nil, err
	}
	c.duration, err = register(reg, c.duration)
	if err != nil {
		return nil, err
	}
	c.providerHealthy, err = register(reg, c.providerHealthy)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// register reuses an identical collector that is already registered so
// several managers can share one registerer.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func stepStatus(success, skipped bool) string {
	switch {
	case skipped:
		return "skipped"
	case success:
		return "success"
	default:
		return "failure"
	}
}
