package blockstm

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for one BlockExecutor. Unlike a
// package-level MustRegister block, each Metrics owns its own
// prometheus.Registry: a process running several independently configured
// executors (e.g. one per shard) never collides on metric registration.
type Metrics struct {
	registry *prometheus.Registry

	Executions   *prometheus.CounterVec
	Validations  *prometheus.CounterVec
	Commits      prometheus.Counter
	Aborts       prometheus.Counter
	ModuleAborts prometheus.Counter
	CommitCursor prometheus.Gauge
}

// NewMetrics creates and registers a fresh set of collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockstm_executions_total",
				Help: "Total number of transaction execution attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		Validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockstm_validations_total",
				Help: "Total number of validation attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_commits_total",
			Help: "Total number of transaction positions committed.",
		}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_aborts_total",
			Help: "Total number of block executions that ended in a fatal abort.",
		}),
		ModuleAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_module_aborts_total",
			Help: "Total number of fatal module read/write conflicts detected.",
		}),
		CommitCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockstm_commit_cursor",
			Help: "Number of leading transaction positions committed in the most recent block.",
		}),
	}
	reg.MustRegister(m.Executions, m.Validations, m.Commits, m.Aborts, m.ModuleAborts, m.CommitCursor)
	return m
}

// Registry returns the collector registry for this executor, for wiring
// into an HTTP exposition handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
