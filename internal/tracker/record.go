// ABOUTME: Tracking records, their append-only status history and derived progress metrics.
// ABOUTME: Progress is recomputed from the record on every read and never stored as truth.

package tracker

import (
	"fmt"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/types"
)

// StatusChange is one immutable entry of a record's history
type StatusChange struct {
	ChangeID  string            `json:"change_id"`
	OldStatus Status            `json:"old_status"`
	NewStatus Status            `json:"new_status"`
	Actor     string            `json:"actor"`
	Timestamp time.Time         `json:"timestamp"`
	Reason    string            `json:"reason"`
	Notes     string            `json:"notes,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProgressMetrics is a derived snapshot of where a record stands
type ProgressMetrics struct {
	Stage                Stage         `json:"stage"`
	CompletionPercentage float64       `json:"completion_percentage"`
	StageEnteredAt       time.Time     `json:"stage_entered_at"`
	TimeInStage          time.Duration `json:"time_in_stage"`
	SLADeadline          time.Time     `json:"sla_deadline"`
	Overdue              bool          `json:"overdue"`
	BlockingReasons      []string      `json:"blocking_reasons,omitempty"`
}

// TrackingRecord is the mutable lifecycle entity of one vulnerability
type TrackingRecord struct {
	VulnerabilityID string              `json:"vulnerability_id"`
	Vulnerability   types.Vulnerability `json:"vulnerability"`
	Status          Status              `json:"status"`
	Severity        types.Severity      `json:"severity"`
	AssignedTo      string              `json:"assigned_to,omitempty"`
	PriorityScore   float64             `json:"priority_score"`
	Tags            []string            `json:"tags,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	StatusHistory   []StatusChange      `json:"status_history"`
	Progress        ProgressMetrics     `json:"progress"`
}

// MetadataManualIntervention marks a change that needs a human to step in
const MetadataManualIntervention = "manual_intervention"

// NeedsManualIntervention reports whether the latest change flagged the record for a human
func (r *TrackingRecord) NeedsManualIntervention() bool {
	n := len(r.StatusHistory)
	return n > 0 && r.StatusHistory[n-1].Metadata[MetadataManualIntervention] == "true"
}

func (r *TrackingRecord) clone() *TrackingRecord {
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.Vulnerability.FixVersions = append([]string(nil), r.Vulnerability.FixVersions...)
	c.Vulnerability.Aliases = append([]string(nil), r.Vulnerability.Aliases...)
	c.StatusHistory = make([]StatusChange, len(r.StatusHistory))
	for i, change := range r.StatusHistory {
		c.StatusHistory[i] = change
		if change.Metadata != nil {
			c.StatusHistory[i].Metadata = make(map[string]string, len(change.Metadata))
			for k, v := range change.Metadata {
				c.StatusHistory[i].Metadata[k] = v
			}
		}
	}
	c.Progress.BlockingReasons = append([]string(nil), r.Progress.BlockingReasons...)
	return &c
}

// Replay rebuilds the current status from an ordered history, checking that it chains
func Replay(history []StatusChange) (Status, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("empty status history")
	}

	current := history[0].NewStatus
	if !current.Valid() {
		return "", fmt.Errorf("history starts with unknown status %q", current)
	}

	for i, change := range history[1:] {
		if change.OldStatus != current {
			return "", fmt.Errorf("history entry %d starts from %q but record was %q", i+1, change.OldStatus, current)
		}
		if !CanTransition(change.OldStatus, change.NewStatus) {
			return "", fmt.Errorf("history entry %d has illegal transition %q -> %q", i+1, change.OldStatus, change.NewStatus)
		}
		current = change.NewStatus
	}
	return current, nil
}

// computeProgress derives the progress snapshot of r at time now
func computeProgress(r *TrackingRecord, now time.Time) ProgressMetrics {
	stage := StageOf(r.Status)

	entered := r.CreatedAt
	for i := len(r.StatusHistory) - 1; i >= 0; i-- {
		change := r.StatusHistory[i]
		if StageOf(change.OldStatus) != stage || i == 0 {
			entered = change.Timestamp
			break
		}
	}

	deadline := r.CreatedAt.Add(SLAWindow(r.Severity))
	overdue := now.After(deadline) && !r.Status.Terminal()

	var blocking []string
	if overdue {
		blocking = append(blocking, "SLA deadline exceeded")
	}
	if r.Status == StatusDeferred {
		blocking = append(blocking, "remediation deferred")
	}
	if (r.Status == StatusAssigned || r.Status == StatusInProgress) && r.AssignedTo == "" {
		blocking = append(blocking, "no assignee")
	}
	if r.NeedsManualIntervention() {
		blocking = append(blocking, "manual intervention required")
	}

	timeInStage := now.Sub(entered)
	if timeInStage < 0 {
		timeInStage = 0
	}

	return ProgressMetrics{
		Stage:                stage,
		CompletionPercentage: stageCompletion[stage],
		StageEnteredAt:       entered,
		TimeInStage:          timeInStage,
		SLADeadline:          deadline,
		Overdue:              overdue,
		BlockingReasons:      blocking,
	}
}
