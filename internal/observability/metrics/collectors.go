package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "agentcron"

var (
	registry = prometheus.NewRegistry()

	taskExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_executions_total",
		Help:      "Total number of task execution attempts by outcome.",
	}, []string{"outcome"})

	taskExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_execution_duration_seconds",
		Help:      "Action executor latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	energyAmount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "energy_amount_total",
		Help:      "Energy credited or debited, by direction and source.",
	}, []string{"direction", "source"})

	tasksSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_swept_total",
		Help:      "Terminal one-shot tasks removed by the retention sweeper.",
	})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_tick_duration_seconds",
		Help:      "Wall time spent processing one scheduler tick.",
		Buckets:   prometheus.DefBuckets,
	})

	dueTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_due_tasks",
		Help:      "Number of due tasks picked up by the latest tick.",
	})

	scheduleFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_fallbacks_total",
		Help:      "Recurring tasks rescheduled with the fallback interval after a schedule error.",
	})

	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_runs_total",
		Help:      "Periodic job runs by job name and result.",
	}, []string{"job", "result"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		taskExecutions,
		taskExecutionDuration,
		energyAmount,
		tasksSwept,
		tickDuration,
		dueTasks,
		scheduleFallbacks,
		jobRuns,
	)
}

// Registry exposes the registry backing every collector in this package.
func Registry() *prometheus.Registry {
	return registry
}

// ObserveExecution records one task execution attempt.
func ObserveExecution(outcome string, duration time.Duration) {
	taskExecutions.WithLabelValues(outcome).Inc()
	if duration > 0 {
		taskExecutionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// ObserveEnergy records a ledger mutation.
func ObserveEnergy(direction, source string, amount int64) {
	if amount <= 0 {
		return
	}
	energyAmount.WithLabelValues(direction, source).Add(float64(amount))
}

// ObserveSweep records how many tasks a retention pass deleted.
func ObserveSweep(deleted int64) {
	if deleted <= 0 {
		return
	}
	tasksSwept.Add(float64(deleted))
}

// ObserveTick records the duration of a scheduler tick and its due-task count.
func ObserveTick(duration time.Duration, due int) {
	tickDuration.Observe(duration.Seconds())
	dueTasks.Set(float64(due))
}

// ObserveScheduleFallback counts a recurring task rescheduled by fallback.
func ObserveScheduleFallback() {
	scheduleFallbacks.Inc()
}

// ObserveJob records a periodic job run.
func ObserveJob(job, result string) {
	jobRuns.WithLabelValues(job, result).Inc()
}
