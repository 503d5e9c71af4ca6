// ABOUTME: Vulnerability status tracker owning the remediation lifecycle of every finding.
// ABOUTME: Applies legal transitions, appends history, persists through a Store and reports progress.

package tracker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store persists tracking records and their change log
type Store interface {
	Create(ctx context.Context, record *TrackingRecord) error
	Update(ctx context.Context, record *TrackingRecord, change StatusChange) error
	LoadAll(ctx context.Context) ([]*TrackingRecord, error)
	Close() error
}

// OutcomeCode says what an UpdateStatus call did
type OutcomeCode string

const (
	OutcomeApplied           OutcomeCode = "applied"
	OutcomeNoChange          OutcomeCode = "no_change"
	OutcomeNotTracked        OutcomeCode = "not_tracked"
	OutcomeInvalidTransition OutcomeCode = "invalid_transition"
)

// UpdateOutcome reports the result of a status update without treating rejection as an error
type UpdateOutcome struct {
	Applied bool            `json:"applied"`
	Code    OutcomeCode     `json:"code"`
	Record  *TrackingRecord `json:"record,omitempty"`
}

// Ok reports whether the record is now in the requested status
func (o UpdateOutcome) Ok() bool {
	return o.Code == OutcomeApplied || o.Code == OutcomeNoChange
}

type trackSettings struct {
	assignedTo    string
	priorityScore float64
	tags          []string
}

// TrackOption customizes a newly tracked record
type TrackOption func(*trackSettings)

func WithAssignee(name string) TrackOption {
	return func(s *trackSettings) { s.assignedTo = name }
}

func WithPriorityScore(score float64) TrackOption {
	return func(s *trackSettings) { s.priorityScore = score }
}

func WithTags(tags ...string) TrackOption {
	return func(s *trackSettings) { s.tags = append(s.tags, tags...) }
}

type updateSettings struct {
	notes      string
	metadata   map[string]string
	assignedTo *string
}

// UpdateOption customizes a status change
type UpdateOption func(*updateSettings)

func WithNotes(notes string) UpdateOption {
	return func(s *updateSettings) { s.notes = notes }
}

func WithMetadata(metadata map[string]string) UpdateOption {
	return func(s *updateSettings) {
		if s.metadata == nil {
			s.metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			s.metadata[k] = v
		}
	}
}

// AssignTo changes the assignee together with the status
func AssignTo(name string) UpdateOption {
	return func(s *updateSettings) { s.assignedTo = &name }
}

// ListFilter narrows List results; empty fields match everything
type ListFilter struct {
	Status     Status
	Severity   types.Severity
	AssignedTo string
}

// ProgressSummary aggregates progress over all tracked records
type ProgressSummary struct {
	Total             int                    `json:"total"`
	ByStatus          map[Status]int         `json:"by_status"`
	BySeverity        map[types.Severity]int `json:"by_severity"`
	AverageCompletion float64                `json:"average_completion"`
	OverdueCount      int                    `json:"overdue_count"`
	CompletionRate    float64                `json:"completion_rate"`
}

// Tracker keeps one record per vulnerability id. Callers serialize updates to the same id.
type Tracker struct {
	store   Store
	logger  *logrus.Logger
	now     func() time.Time
	mutex   sync.RWMutex
	records map[string]*TrackingRecord
}

// NewTracker creates a tracker and loads any records already in the store (store may be nil)
func NewTracker(ctx context.Context, store Store, logger *logrus.Logger) (*Tracker, error) {
	t := &Tracker{
		store:   store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[string]*TrackingRecord),
	}

	if store == nil {
		return t, nil
	}

	records, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking records: %w", err)
	}
	for _, r := range records {
		t.records[r.VulnerabilityID] = r
	}

	logger.WithField("records", len(records)).Info("Loaded tracking records")
	return t, nil
}

// Track starts tracking a vulnerability. Tracking an id twice returns the existing record unchanged.
func (t *Tracker) Track(ctx context.Context, vuln types.Vulnerability, initial Status, opts ...TrackOption) (*TrackingRecord, error) {
	if vuln.ID == "" {
		return nil, fmt.Errorf("vulnerability has no id")
	}
	if !initial.Valid() {
		return nil, fmt.Errorf("unknown initial status %q", initial)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if existing, ok := t.records[vuln.ID]; ok {
		return t.snapshot(existing), nil
	}

	settings := &trackSettings{}
	for _, opt := range opts {
		opt(settings)
	}

	now := t.now()
	record := &TrackingRecord{
		VulnerabilityID: vuln.ID,
		Vulnerability:   vuln,
		Status:          initial,
		Severity:        vuln.Severity,
		AssignedTo:      settings.assignedTo,
		PriorityScore:   settings.priorityScore,
		Tags:            settings.tags,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusHistory: []StatusChange{{
			ChangeID:  uuid.NewString(),
			NewStatus: initial,
			Actor:     "system",
			Timestamp: now,
			Reason:    "tracking started",
		}},
	}
	if record.Severity == "" {
		record.Severity = types.SeverityUnknown
	}

	if t.store != nil {
		if err := t.store.Create(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to persist tracking record %s: %w", vuln.ID, err)
		}
	}
	t.records[vuln.ID] = record

	t.logger.WithFields(logrus.Fields{
		"vulnerability": vuln.ID,
		"package":       vuln.PackageName,
		"status":        initial,
	}).Info("Started tracking vulnerability")

	return t.snapshot(record), nil
}

// UpdateStatus moves a record to newStatus when the transition is legal.
// Rejections are reported in the outcome; the error is reserved for persistence failures.
func (t *Tracker) UpdateStatus(ctx context.Context, id string, newStatus Status, actor, reason string, opts ...UpdateOption) (UpdateOutcome, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	record, ok := t.records[id]
	if !ok {
		return UpdateOutcome{Code: OutcomeNotTracked}, nil
	}

	logger := t.logger.WithFields(logrus.Fields{
		"vulnerability": id,
		"from":          record.Status,
		"to":            newStatus,
		"actor":         actor,
	})

	if record.Status == newStatus {
		return UpdateOutcome{Code: OutcomeNoChange, Record: t.snapshot(record)}, nil
	}
	if !CanTransition(record.Status, newStatus) {
		logger.Debug("Rejected illegal status transition")
		return UpdateOutcome{Code: OutcomeInvalidTransition, Record: t.snapshot(record)}, nil
	}

	settings := &updateSettings{}
	for _, opt := range opts {
		opt(settings)
	}

	now := t.now()
	change := StatusChange{
		ChangeID:  uuid.NewString(),
		OldStatus: record.Status,
		NewStatus: newStatus,
		Actor:     actor,
		Timestamp: now,
		Reason:    reason,
		Notes:     settings.notes,
		Metadata:  settings.metadata,
	}

	updated := record.clone()
	updated.Status = newStatus
	updated.UpdatedAt = now
	updated.StatusHistory = append(updated.StatusHistory, change)
	if settings.assignedTo != nil {
		updated.AssignedTo = *settings.assignedTo
	}

	if t.store != nil {
		if err := t.store.Update(ctx, updated, change); err != nil {
			return UpdateOutcome{}, fmt.Errorf("failed to persist status change for %s: %w", id, err)
		}
	}
	t.records[id] = updated

	logger.Info("Updated vulnerability status")
	return UpdateOutcome{Applied: true, Code: OutcomeApplied, Record: t.snapshot(updated)}, nil
}

// Get returns a copy of the record with fresh progress, or nil
func (t *Tracker) Get(id string) *TrackingRecord {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	record, ok := t.records[id]
	if !ok {
		return nil
	}
	return t.snapshot(record)
}

// List returns records matching the filter, highest priority first
func (t *Tracker) List(filter ListFilter) []*TrackingRecord {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	var out []*TrackingRecord
	for _, record := range t.records {
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && record.Severity != filter.Severity {
			continue
		}
		if filter.AssignedTo != "" && !strings.EqualFold(record.AssignedTo, filter.AssignedTo) {
			continue
		}
		out = append(out, t.snapshot(record))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].VulnerabilityID < out[j].VulnerabilityID
	})
	return out
}

// ProgressSummary aggregates counts, completion and overdue figures
func (t *Tracker) ProgressSummary() ProgressSummary {
	records := t.List(ListFilter{})

	summary := ProgressSummary{
		Total:      len(records),
		ByStatus:   make(map[Status]int),
		BySeverity: make(map[types.Severity]int),
	}
	if len(records) == 0 {
		return summary
	}

	completionTotal := 0.0
	closed := 0
	for _, r := range records {
		summary.ByStatus[r.Status]++
		summary.BySeverity[r.Severity]++
		completionTotal += r.Progress.CompletionPercentage
		if r.Progress.Overdue {
			summary.OverdueCount++
		}
		if r.Progress.Stage == StageClosure {
			closed++
		}
	}

	summary.AverageCompletion = completionTotal / float64(len(records))
	summary.CompletionRate = float64(closed) / float64(len(records))
	return summary
}

// Overdue returns overdue records, most overdue (earliest deadline) first
func (t *Tracker) Overdue() []*TrackingRecord {
	var overdue []*TrackingRecord
	for _, r := range t.List(ListFilter{}) {
		if r.Progress.Overdue {
			overdue = append(overdue, r)
		}
	}

	sort.SliceStable(overdue, func(i, j int) bool {
		return overdue[i].Progress.SLADeadline.Before(overdue[j].Progress.SLADeadline)
	})
	return overdue
}

// Close releases the underlying store
func (t *Tracker) Close() error {
	if t.store == nil {
		return nil
	}
	return t.store.Close()
}

func (t *Tracker) snapshot(record *TrackingRecord) *TrackingRecord {
	c := record.clone()
	c.Progress = computeProgress(c, t.now())
	return c
}
