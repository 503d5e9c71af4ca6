// ABOUTME: HTTP handlers for the tracked vulnerability endpoints.
// ABOUTME: Serves filtered tracking records with progress, a single record with its history, and a summary.

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/engine"
	"github.com/jfeddern/VulnRemedy/internal/tracker"
	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/sirupsen/logrus"
)

// RecordProvider exposes tracking records; *tracker.Tracker satisfies it
type RecordProvider interface {
	Get(id string) *tracker.TrackingRecord
	List(filter tracker.ListFilter) []*tracker.TrackingRecord
	ProgressSummary() tracker.ProgressSummary
}

// RunProvider exposes the latest remediation pass
type RunProvider interface {
	LastRun() (engine.RunReport, time.Time)
}

type VulnerabilitiesHandler struct {
	records RecordProvider
	runs    RunProvider
	logger  *logrus.Logger
}

type VulnerabilitiesResponse struct {
	Records     []*tracker.TrackingRecord `json:"records"`
	Summary     tracker.ProgressSummary   `json:"summary"`
	LastRun     *engine.RunReport         `json:"last_run,omitempty"`
	LastUpdated string                    `json:"last_updated,omitempty"`
}

const maxFilterLength = 200

// NewVulnerabilitiesHandler creates the handler; runs may be nil when no engine is running
func NewVulnerabilitiesHandler(records RecordProvider, runs RunProvider, logger *logrus.Logger) *VulnerabilitiesHandler {
	return &VulnerabilitiesHandler{
		records: records,
		runs:    runs,
		logger:  logger,
	}
}

func (v *VulnerabilitiesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := v.logger.WithField("endpoint", "/vulnerabilities")
	query := r.URL.Query()

	statusFilter := tracker.Status(strings.ToLower(strings.TrimSpace(query.Get("status"))))
	severityFilter := types.Severity(strings.ToLower(strings.TrimSpace(query.Get("severity"))))
	assigneeFilter := strings.TrimSpace(query.Get("assigned_to"))
	overdueParam := strings.TrimSpace(query.Get("overdue"))
	limitParam := strings.TrimSpace(query.Get("limit"))

	if statusFilter != "" && !statusFilter.Valid() {
		http.Error(w, "Invalid status filter", http.StatusBadRequest)
		return
	}

	if severityFilter != "" && severityFilter.Rank() == 0 && severityFilter != types.SeverityUnknown {
		http.Error(w, "Invalid severity filter. Must be one of: critical, high, medium, low, unknown", http.StatusBadRequest)
		return
	}

	// Validate assignee filter length to prevent potential DoS
	if len(assigneeFilter) > maxFilterLength {
		http.Error(w, "Assignee filter too long. Maximum allowed is 200 characters", http.StatusBadRequest)
		return
	}

	overdueOnly := false
	if overdueParam != "" {
		parsed, err := strconv.ParseBool(overdueParam)
		if err != nil {
			http.Error(w, "Invalid overdue parameter. Must be true or false", http.StatusBadRequest)
			return
		}
		overdueOnly = parsed
	}

	var limit int = 0 // No limit by default
	if limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid limit parameter. Must be a positive integer", http.StatusBadRequest)
			return
		}
		if parsed > 10000 {
			http.Error(w, "Limit parameter too large. Maximum allowed is 10000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records := v.records.List(tracker.ListFilter{
		Status:     statusFilter,
		Severity:   severityFilter,
		AssignedTo: assigneeFilter,
	})

	filtered := make([]*tracker.TrackingRecord, 0, len(records))
	for _, record := range records {
		if overdueOnly && !record.Progress.Overdue {
			continue
		}
		filtered = append(filtered, record)
		if limit > 0 && len(filtered) == limit {
			break
		}
	}

	logger.WithFields(logrus.Fields{
		"status_filter":   statusFilter,
		"severity_filter": severityFilter,
		"assignee_filter": assigneeFilter,
		"overdue_only":    overdueOnly,
		"limit":           limit,
	}).Debug("Processing vulnerabilities request")

	response := VulnerabilitiesResponse{
		Records: filtered,
		Summary: v.records.ProgressSummary(),
	}
	if v.runs != nil {
		if report, lastRun := v.runs.LastRun(); !lastRun.IsZero() {
			response.LastRun = &report
			response.LastUpdated = lastRun.UTC().Format(time.RFC3339)
		}
	}

	if err := writeJSON(w, http.StatusOK, response, query.Get("pretty") != ""); err != nil {
		logger.WithError(err).Error("Failed to encode JSON response")
		return
	}

	logger.WithFields(logrus.Fields{
		"records": len(filtered),
		"total":   response.Summary.Total,
	}).Info("Served vulnerabilities response")
}

// RecordHandler serves one tracking record with its full status history
type RecordHandler struct {
	records RecordProvider
	logger  *logrus.Logger
}

func NewRecordHandler(records RecordProvider, logger *logrus.Logger) *RecordHandler {
	return &RecordHandler{records: records, logger: logger}
}

func (h *RecordHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" || len(id) > maxFilterLength {
		http.Error(w, "Invalid vulnerability id", http.StatusBadRequest)
		return
	}

	record := h.records.Get(id)
	if record == nil {
		http.Error(w, "Vulnerability not tracked", http.StatusNotFound)
		return
	}

	if err := writeJSON(w, http.StatusOK, record, r.URL.Query().Get("pretty") != ""); err != nil {
		h.logger.WithError(err).WithField("vulnerability", id).Error("Failed to encode JSON response")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, pretty bool) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	if pretty {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(body)
}

// NewMux wires the read-only endpoints behind the given middleware
func NewMux(records RecordProvider, runs RunProvider, metricsHandler http.Handler, middleware func(http.HandlerFunc) http.HandlerFunc, logger *logrus.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	if metricsHandler != nil {
		mux.HandleFunc("/metrics", middleware(metricsHandler.ServeHTTP))
	}
	mux.HandleFunc("/vulnerabilities", middleware(NewVulnerabilitiesHandler(records, runs, logger).ServeHTTP))
	mux.HandleFunc("/vulnerabilities/{id}", middleware(NewRecordHandler(records, logger).ServeHTTP))
	mux.HandleFunc("/health", middleware(NewHealthHandler(runs)))
	return mux
}

type healthResponse struct {
	Status   string `json:"status"`
	HaltedBy string `json:"halted_by,omitempty"`
}

// NewHealthHandler reports 503 while the latest pass was halted by a failed rollback
func NewHealthHandler(runs RunProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if runs != nil {
			if report, _ := runs.LastRun(); report.HaltedBy != "" {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(healthResponse{Status: "manual_intervention_required", HaltedBy: report.HaltedBy})
				return
			}
		}
		json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
	}
}
