package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_autopilot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	cyclesRun := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_run_total",
		Help:      "Total number of completed engine cycles.",
	})
	cyclesSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_skipped_total",
		Help:      "Total number of cycles skipped because the engine was stopped or a cycle aborted early.",
	})
	hedgesOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "hedges_opened_total",
		Help:      "Total number of hedge positions opened.",
	})
	hedgesClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "hedges_closed_total",
		Help:      "Total number of hedge positions closed.",
	})
	execFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "executions_failed_total",
		Help:      "Total number of hedge executions that failed.",
	})
	rollbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "rollbacks_total",
		Help:      "Total number of single-leg rollbacks.",
	})
	killEngaged := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "kill_switch_engaged_total",
		Help:      "Total number of kill switch engagements.",
	})

	registry.MustRegister(cyclesRun, cyclesSkipped, hedgesOpened, hedgesClosed, execFailed, rollbacks, killEngaged)

	m := &Metrics{
		CyclesRun:         promCounter{cyclesRun},
		CyclesSkipped:     promCounter{cyclesSkipped},
		HedgesOpened:      promCounter{hedgesOpened},
		HedgesClosed:      promCounter{hedgesClosed},
		ExecFailed:        promCounter{execFailed},
		Rollbacks:         promCounter{rollbacks},
		KillSwitchEngaged: promCounter{killEngaged},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
