// Package metrics exposes the Prometheus instrumentation shared by the
// controller, the scheduler, and the characteristics estimator.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	tickTotal          *prometheus.CounterVec
	tickDuration       prometheus.Histogram
	heaterActuations   *prometheus.CounterVec
	webhookDuration    *prometheus.HistogramVec
	webhookErrorsTotal *prometheus.CounterVec

	jobsScheduledTotal *prometheus.CounterVec
	jobsCanceledTotal  prometheus.Counter
	orphansRemoved     prometheus.Counter
	cronMutationRetry  prometheus.Counter

	characteristicsRSquared      prometheus.Gauge
	characteristicsSessions      prometheus.Gauge
	characteristicsCoolingPoints prometheus.Gauge

	plannerOutcomesTotal *prometheus.CounterVec
)

// Init wires up every metric. Safe to call more than once.
func Init() {
	once.Do(func() {
		tickTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hottub_controller_ticks_total",
			Help: "Total number of controller ticks by outcome",
		}, []string{"outcome"})

		tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hottub_controller_tick_duration_seconds",
			Help:    "Duration of a single controller tick",
			Buckets: prometheus.DefBuckets,
		})

		heaterActuations = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hottub_heater_actuations_total",
			Help: "Total number of heater on/off actuations",
		}, []string{"action"})

		webhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hottub_webhook_duration_seconds",
			Help:    "Duration of webhook trigger calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"})

		webhookErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hottub_webhook_errors_total",
			Help: "Total number of failed webhook trigger calls",
		}, []string{"event"})

		jobsScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hottub_jobs_scheduled_total",
			Help: "Total number of jobs scheduled by action",
		}, []string{"action", "recurring"})

		jobsCanceledTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "hottub_jobs_canceled_total",
			Help: "Total number of jobs canceled",
		})

		orphansRemoved = promauto.NewCounter(prometheus.CounterOpts{
			Name: "hottub_orphan_entries_removed_total",
			Help: "Total number of orphaned HOTTUB task-table entries removed during reconciliation",
		})

		cronMutationRetry = promauto.NewCounter(prometheus.CounterOpts{
			Name: "hottub_crontab_read_retries_total",
			Help: "Total number of task-table read retries caused by a transient empty read",
		})

		characteristicsRSquared = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hottub_characteristics_cooling_r_squared",
			Help: "r-squared of the most recently fitted Newton cooling coefficient",
		})

		characteristicsSessions = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hottub_characteristics_sessions_analyzed",
			Help: "Number of heating sessions retained by the most recent estimator run",
		})

		characteristicsCoolingPoints = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hottub_characteristics_cooling_data_points",
			Help: "Number of cooling-interval samples retained after outlier pruning",
		})

		plannerOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hottub_planner_wakeup_outcomes_total",
			Help: "Total number of deadline-planner wake-up outcomes by status",
		}, []string{"status"})
	})
}

func RecordTick(outcome string, duration time.Duration) {
	tickTotal.WithLabelValues(outcome).Inc()
	tickDuration.Observe(duration.Seconds())
}

func RecordHeaterActuation(action string) {
	heaterActuations.WithLabelValues(action).Inc()
}

func RecordWebhookCall(event string, duration time.Duration, err bool) {
	webhookDuration.WithLabelValues(event).Observe(duration.Seconds())
	if err {
		webhookErrorsTotal.WithLabelValues(event).Inc()
	}
}

func RecordJobScheduled(action string, recurring bool) {
	recurringLabel := "false"
	if recurring {
		recurringLabel = "true"
	}
	jobsScheduledTotal.WithLabelValues(action, recurringLabel).Inc()
}

func RecordJobCanceled() {
	jobsCanceledTotal.Inc()
}

func RecordOrphanRemoved() {
	orphansRemoved.Inc()
}

func RecordCronMutationRetry() {
	cronMutationRetry.Inc()
}

func SetCharacteristicsFit(rSquared float64, sessions int, coolingPoints int) {
	characteristicsRSquared.Set(rSquared)
	characteristicsSessions.Set(float64(sessions))
	characteristicsCoolingPoints.Set(float64(coolingPoints))
}

func RecordPlannerOutcome(status string) {
	plannerOutcomesTotal.WithLabelValues(status).Inc()
}
