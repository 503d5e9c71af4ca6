// ABOUTME: Remediation lifecycle states, the legal transition table and pipeline stages.
// ABOUTME: The adjacency table is fixed and validated once at package init.

package tracker

import (
	"fmt"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/types"
)

// Status is a lifecycle state of a tracked vulnerability
type Status string

const (
	StatusNew           Status = "new"
	StatusDetected      Status = "detected"
	StatusAssessed      Status = "assessed"
	StatusAssigned      Status = "assigned"
	StatusInProgress    Status = "in_progress"
	StatusTesting       Status = "testing"
	StatusResolved      Status = "resolved"
	StatusVerified      Status = "verified"
	StatusClosed        Status = "closed"
	StatusIgnored       Status = "ignored"
	StatusDeferred      Status = "deferred"
	StatusFalsePositive Status = "false_positive"
)

// Statuses lists every lifecycle state in pipeline order
var Statuses = []Status{
	StatusNew, StatusDetected, StatusAssessed, StatusAssigned, StatusInProgress, StatusTesting,
	StatusResolved, StatusVerified, StatusClosed, StatusIgnored, StatusDeferred, StatusFalsePositive,
}

func set(states ...Status) map[Status]bool {
	m := make(map[Status]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// transitions is the adjacency table: state -> allowed next states
var transitions = map[Status]map[Status]bool{
	StatusNew:           set(StatusDetected, StatusInProgress, StatusAssessed, StatusAssigned, StatusResolved),
	StatusDetected:      set(StatusAssessed, StatusAssigned, StatusInProgress, StatusDeferred, StatusIgnored, StatusFalsePositive),
	StatusAssessed:      set(StatusAssigned, StatusInProgress, StatusDeferred, StatusIgnored, StatusFalsePositive),
	StatusAssigned:      set(StatusInProgress, StatusAssessed, StatusDeferred),
	StatusInProgress:    set(StatusTesting, StatusResolved, StatusAssigned, StatusDeferred),
	StatusTesting:       set(StatusResolved, StatusInProgress),
	StatusResolved:      set(StatusVerified, StatusInProgress, StatusClosed),
	StatusVerified:      set(StatusClosed, StatusInProgress),
	StatusClosed:        set(),
	StatusIgnored:       set(),
	StatusDeferred:      set(StatusAssessed, StatusAssigned, StatusInProgress),
	StatusFalsePositive: set(StatusDetected, StatusClosed),
}

func init() {
	if err := validateTransitions(transitions); err != nil {
		panic(err)
	}
}

func validateTransitions(table map[Status]map[Status]bool) error {
	for _, s := range Statuses {
		if _, ok := table[s]; !ok {
			return fmt.Errorf("transition table has no entry for status %q", s)
		}
	}
	for from, targets := range table {
		if stageOf[from] == "" {
			return fmt.Errorf("status %q has no pipeline stage", from)
		}
		for to := range targets {
			if _, ok := table[to]; !ok {
				return fmt.Errorf("transition %q -> %q targets an unknown status", from, to)
			}
		}
	}
	return nil
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s has no outgoing transitions
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is in the adjacency table
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// AllowedTransitions returns the legal next states of s in pipeline order
func AllowedTransitions(s Status) []Status {
	var next []Status
	for _, candidate := range Statuses {
		if transitions[s][candidate] {
			next = append(next, candidate)
		}
	}
	return next
}

// Stage is a step of the remediation pipeline
type Stage string

const (
	StageDiscovery      Stage = "discovery"
	StageAssessment     Stage = "assessment"
	StagePlanning       Stage = "planning"
	StageImplementation Stage = "implementation"
	StageTesting        Stage = "testing"
	StageDeployment     Stage = "deployment"
	StageVerification   Stage = "verification"
	StageClosure        Stage = "closure"
)

var stageOf = map[Status]Stage{
	StatusNew:           StageDiscovery,
	StatusDetected:      StageDiscovery,
	StatusAssessed:      StageAssessment,
	StatusAssigned:      StagePlanning,
	StatusDeferred:      StagePlanning,
	StatusInProgress:    StageImplementation,
	StatusTesting:       StageTesting,
	StatusResolved:      StageDeployment,
	StatusVerified:      StageVerification,
	StatusClosed:        StageClosure,
	StatusIgnored:       StageClosure,
	StatusFalsePositive: StageClosure,
}

var stageCompletion = map[Stage]float64{
	StageDiscovery:      10,
	StageAssessment:     20,
	StagePlanning:       30,
	StageImplementation: 60,
	StageTesting:        80,
	StageDeployment:     90,
	StageVerification:   95,
	StageClosure:        100,
}

// StageOf returns the pipeline stage of a status
func StageOf(s Status) Stage {
	return stageOf[s]
}

// slaHours is the time allowed to resolve a vulnerability, by severity
var slaHours = map[types.Severity]time.Duration{
	types.SeverityCritical: 24 * time.Hour,
	types.SeverityHigh:     72 * time.Hour,
	types.SeverityMedium:   168 * time.Hour,
	types.SeverityLow:      720 * time.Hour,
	types.SeverityUnknown:  168 * time.Hour,
}

// SLAWindow returns the remediation window for a severity
func SLAWindow(severity types.Severity) time.Duration {
	if window, ok := slaHours[severity]; ok {
		return window
	}
	return slaHours[types.SeverityUnknown]
}
