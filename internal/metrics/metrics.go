// ABOUTME: Prometheus metrics exposition for remediation progress and upgrade outcomes.
// ABOUTME: Tracker gauges are rebuilt on every scrape; upgrade counters accumulate for the process lifetime.

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/engine"
	"github.com/jfeddern/VulnRemedy/internal/tracker"
	"github.com/jfeddern/VulnRemedy/internal/types"
	"github.com/jfeddern/VulnRemedy/internal/upgrade"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RecordProvider exposes tracking records and their aggregate progress
type RecordProvider interface {
	List(filter tracker.ListFilter) []*tracker.TrackingRecord
	ProgressSummary() tracker.ProgressSummary
}

// RunProvider exposes the latest remediation pass
type RunProvider interface {
	LastRun() (engine.RunReport, time.Time)
}

var _ upgrade.Observer = (*MetricsHandler)(nil)

type MetricsHandler struct {
	records RecordProvider
	runs    RunProvider
	logger  *logrus.Logger

	// Guards Reset and Set of the shared gauges
	scrapeMutex sync.Mutex

	// Rebuilt from the tracker on every scrape
	trackedCount       *prometheus.GaugeVec
	overdueCount       prometheus.Gauge
	averageCompletion  prometheus.Gauge
	completionRate     prometheus.Gauge
	vulnerabilityState *prometheus.GaugeVec
	passInfo           *prometheus.GaugeVec

	// Fed by the upgrade validator
	upgradeAttempts *prometheus.CounterVec
	upgradeDuration prometheus.Histogram
	rollbacks       *prometheus.CounterVec
}

// NewMetricsHandler creates the handler; runs may be nil when no engine is running
func NewMetricsHandler(records RecordProvider, runs RunProvider, logger *logrus.Logger) *MetricsHandler {
	return &MetricsHandler{
		records: records,
		runs:    runs,
		logger:  logger,

		trackedCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulnremedy_tracked_vulnerabilities",
				Help: "Number of tracked vulnerabilities by status and severity",
			},
			[]string{"status", "severity"},
		),

		overdueCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vulnremedy_overdue_vulnerabilities",
			Help: "Number of tracked vulnerabilities past their SLA deadline",
		}),

		averageCompletion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vulnremedy_average_completion_percent",
			Help: "Average remediation completion percentage over all tracked vulnerabilities",
		}),

		completionRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vulnremedy_completion_rate",
			Help: "Fraction of tracked vulnerabilities in the closure stage",
		}),

		vulnerabilityState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulnremedy_vulnerability_progress",
				Help: "Completion percentage of each tracked vulnerability",
			},
			[]string{"vulnerability_id", "package_name", "severity", "status", "stage", "assigned_to", "overdue"},
		),

		passInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulnremedy_remediation_pass_info",
				Help: "Information about the latest remediation pass",
			},
			[]string{"info_type"},
		),

		upgradeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnremedy_upgrade_attempts_total",
				Help: "Number of validated upgrades by terminal state",
			},
			[]string{"state"},
		),

		upgradeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vulnremedy_upgrade_duration_seconds",
			Help:    "Duration of upgrade validations including rollback",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnremedy_rollbacks_total",
				Help: "Number of environment rollbacks by result",
			},
			[]string{"result"},
		),
	}
}

// ObserveUpgrade records a finished upgrade validation
func (m *MetricsHandler) ObserveUpgrade(result *types.UpgradeResult) {
	if result == nil {
		return
	}
	m.upgradeAttempts.WithLabelValues(string(result.State)).Inc()
	m.upgradeDuration.Observe(result.Duration.Seconds())

	if result.RollbackPerformed {
		outcome := "restored"
		if result.ManualInterventionRequired {
			outcome = "failed"
		}
		m.rollbacks.WithLabelValues(outcome).Inc()
	}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.scrapeMutex.Lock()
	defer m.scrapeMutex.Unlock()

	// Create a new registry for this request to avoid conflicts
	registry := prometheus.NewRegistry()

	registry.MustRegister(m.trackedCount)
	registry.MustRegister(m.overdueCount)
	registry.MustRegister(m.averageCompletion)
	registry.MustRegister(m.completionRate)
	registry.MustRegister(m.vulnerabilityState)
	registry.MustRegister(m.passInfo)
	registry.MustRegister(m.upgradeAttempts)
	registry.MustRegister(m.upgradeDuration)
	registry.MustRegister(m.rollbacks)

	// Reset tracker gauges to avoid stale records
	m.trackedCount.Reset()
	m.vulnerabilityState.Reset()
	m.passInfo.Reset()

	records := m.records.List(tracker.ListFilter{})
	summary := m.records.ProgressSummary()
	m.logger.WithField("records", len(records)).Debug("Serving remediation metrics")

	for _, record := range records {
		m.trackedCount.WithLabelValues(string(record.Status), string(record.Severity)).Inc()

		overdue := "false"
		if record.Progress.Overdue {
			overdue = "true"
		}
		m.vulnerabilityState.WithLabelValues(
			sanitizeLabelValue(record.VulnerabilityID),
			sanitizeLabelValue(record.Vulnerability.PackageName),
			string(record.Severity),
			string(record.Status),
			string(record.Progress.Stage),
			sanitizeLabelValue(record.AssignedTo),
			overdue,
		).Set(record.Progress.CompletionPercentage)
	}

	m.overdueCount.Set(float64(summary.OverdueCount))
	m.averageCompletion.Set(summary.AverageCompletion)
	m.completionRate.Set(summary.CompletionRate)

	if m.runs != nil {
		report, lastRun := m.runs.LastRun()
		if !lastRun.IsZero() {
			m.passInfo.WithLabelValues("last_pass_timestamp").Set(float64(lastRun.Unix()))
			m.passInfo.WithLabelValues("findings_fetched").Set(float64(report.Fetched))
			m.passInfo.WithLabelValues("upgrades_attempted").Set(float64(report.Attempted))
			m.passInfo.WithLabelValues("upgrades_resolved").Set(float64(report.Resolved))
			m.passInfo.WithLabelValues("upgrades_failed").Set(float64(report.Failed))
			m.passInfo.WithLabelValues("pass_duration_seconds").Set(report.Duration.Seconds())
		}
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	handler.ServeHTTP(w, r)
}

// sanitizeLabelValue cleans strings for use as Prometheus labels
func sanitizeLabelValue(value string) string {
	if value == "" {
		return "unknown"
	}

	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\t", " ")

	// Limit length to prevent excessive label sizes
	if len(value) > 200 {
		value = value[:200] + "..."
	}

	return strings.TrimSpace(value)
}
