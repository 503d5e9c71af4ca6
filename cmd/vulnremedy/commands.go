// ABOUTME: Subcommands of the vulnremedy CLI.
// ABOUTME: Each command builds only the components it needs and prints JSON to stdout.

package main

import (
	"fmt"
	"strings"

	"github.com/jfeddern/VulnRemedy/internal/pkgmgr"
	"github.com/jfeddern/VulnRemedy/internal/risk"
	"github.com/jfeddern/VulnRemedy/internal/tracker"
	"github.com/jfeddern/VulnRemedy/internal/types"
	"github.com/jfeddern/VulnRemedy/internal/upgrade"

	"github.com/spf13/cobra"
)

type assessedFinding struct {
	ID                  string   `json:"id"`
	Package             string   `json:"package"`
	InstalledVersion    string   `json:"installed_version"`
	RecommendedFix      string   `json:"recommended_fix,omitempty"`
	Severity            string   `json:"severity"`
	RiskScore           float64  `json:"risk_score"`
	Priority            string   `json:"priority"`
	RecommendedTimeline string   `json:"recommended_timeline"`
	Confidence          float64  `json:"confidence"`
	Complexity          string   `json:"complexity"`
	BusinessImpact      string   `json:"business_impact"`
	Aliases             []string `json:"aliases,omitempty"`
}

func newAssessCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "assess",
		Short: "Score the findings of a report and group them by priority tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := app.source()
			if err != nil {
				return err
			}
			assessor, err := app.assessor()
			if err != nil {
				return err
			}
			vulns, err := source.FetchVulnerabilities(cmd.Context())
			if err != nil {
				return err
			}

			grouped := assessor.Prioritize(vulns)
			out := make(map[risk.Priority][]assessedFinding, len(grouped))
			for _, tier := range risk.Priorities {
				for _, p := range grouped[tier] {
					out[tier] = append(out[tier], assessedFinding{
						ID:                  p.Vulnerability.ID,
						Package:             p.Vulnerability.PackageName,
						InstalledVersion:    p.Vulnerability.InstalledVersion,
						RecommendedFix:      p.Vulnerability.RecommendedFix(),
						Severity:            string(p.Vulnerability.Severity),
						RiskScore:           p.Assessment.RiskScore,
						Priority:            string(p.Assessment.PriorityLevel),
						RecommendedTimeline: formatDuration(p.Assessment.RecommendedTimeline),
						Confidence:          p.Assessment.ConfidenceScore,
						Complexity:          p.Assessment.RemediationComplexity,
						BusinessImpact:      p.Assessment.BusinessImpact,
						Aliases:             p.Vulnerability.Aliases,
					})
				}
			}
			return app.print(out)
		},
	}
}

func newTrackCommand(app *App) *cobra.Command {
	track := &cobra.Command{
		Use:   "track",
		Short: "Inspect tracked vulnerabilities",
	}

	var (
		status, severity, assignee string
		overdue                    bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List tracking records, highest priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := app.tracker(cmd.Context())
			if err != nil {
				return err
			}
			defer tr.Close()

			if status != "" && !tracker.Status(status).Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			if overdue {
				return app.print(tr.Overdue())
			}
			return app.print(tr.List(tracker.ListFilter{
				Status:     tracker.Status(status),
				Severity:   types.Severity(strings.ToLower(severity)),
				AssignedTo: assignee,
			}))
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only records in this status")
	list.Flags().StringVar(&severity, "severity", "", "Only records with this severity")
	list.Flags().StringVar(&assignee, "assigned-to", "", "Only records assigned to this person")
	list.Flags().BoolVar(&overdue, "overdue", false, "Only overdue records, most overdue first")

	show := &cobra.Command{
		Use:   "show <vulnerability-id>",
		Short: "Show one record with its status history and allowed next statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := app.tracker(cmd.Context())
			if err != nil {
				return err
			}
			defer tr.Close()

			record := tr.Get(args[0])
			if record == nil {
				return fmt.Errorf("vulnerability %s is not tracked", args[0])
			}
			return app.print(struct {
				*tracker.TrackingRecord
				AllowedTransitions []tracker.Status `json:"allowed_transitions"`
			}{record, tracker.AllowedTransitions(record.Status)})
		},
	}

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Print aggregate remediation progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := app.tracker(cmd.Context())
			if err != nil {
				return err
			}
			defer tr.Close()
			return app.print(tr.ProgressSummary())
		},
	}

	track.AddCommand(list, show, summary)
	return track
}

func newStatusCommand(app *App) *cobra.Command {
	var (
		reason, notes, assign, actor string
		manual                       bool
	)
	cmd := &cobra.Command{
		Use:   "status <vulnerability-id> <new-status>",
		Short: "Move a tracked vulnerability to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			newStatus := tracker.Status(strings.ToLower(args[1]))
			if !newStatus.Valid() {
				return fmt.Errorf("unknown status %q", args[1])
			}
			if actor == "" {
				actor = app.config.Actor
			}

			tr, err := app.tracker(cmd.Context())
			if err != nil {
				return err
			}
			defer tr.Close()

			var opts []tracker.UpdateOption
			if notes != "" {
				opts = append(opts, tracker.WithNotes(notes))
			}
			if cmd.Flags().Changed("assign") {
				opts = append(opts, tracker.AssignTo(assign))
			}
			if manual {
				opts = append(opts, tracker.WithMetadata(map[string]string{tracker.MetadataManualIntervention: "true"}))
			}

			outcome, err := tr.UpdateStatus(cmd.Context(), args[0], newStatus, actor, reason, opts...)
			if err != nil {
				return err
			}
			if err := app.print(outcome); err != nil {
				return err
			}

			switch outcome.Code {
			case tracker.OutcomeNotTracked:
				return fmt.Errorf("vulnerability %s is not tracked", args[0])
			case tracker.OutcomeInvalidTransition:
				return fmt.Errorf("cannot move %s from %s to %s (allowed: %v)",
					args[0], outcome.Record.Status, newStatus, tracker.AllowedTransitions(outcome.Record.Status))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the status changes")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes for the change")
	cmd.Flags().StringVar(&assign, "assign", "", "Assign the record to this person")
	cmd.Flags().StringVar(&actor, "by", "", "Actor recorded on the change (default: configured actor)")
	cmd.Flags().BoolVar(&manual, "manual-intervention", false, "Flag the record as needing manual intervention")
	return cmd
}

func upgradeOptions(noTests, noConflictCheck bool) []upgrade.Option {
	var opts []upgrade.Option
	if noTests {
		opts = append(opts, upgrade.WithoutTests())
	}
	if noConflictCheck {
		opts = append(opts, upgrade.WithoutConflictCheck())
	}
	return opts
}

func newValidateCommand(app *App) *cobra.Command {
	var noTests, noConflictCheck bool
	cmd := &cobra.Command{
		Use:   "validate <package> <version>",
		Short: "Upgrade one package, run the tests and roll back on failure",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			validator, err := app.validator(app.config.Python)
			if err != nil {
				return err
			}

			result, err := validator.ValidateUpgrade(cmd.Context(), args[0], args[1], upgradeOptions(noTests, noConflictCheck)...)
			if result != nil {
				if perr := app.print(result); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("upgrade of %s to %s failed: %s", args[0], args[1], result.State)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noTests, "no-tests", false, "Skip the test suite")
	cmd.Flags().BoolVar(&noConflictCheck, "no-conflict-check", false, "Skip the dependency conflict check")
	return cmd
}

func newValidateManyCommand(app *App) *cobra.Command {
	var noTests, noConflictCheck bool
	cmd := &cobra.Command{
		Use:   "validate-many <package==version>...",
		Short: "Upgrade several packages as one batch, rolling all of them back on the first failure",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upgrades := make([]types.PackageUpgrade, 0, len(args))
			for _, arg := range args {
				req, err := pkgmgr.ParseRequirement(arg)
				if err != nil {
					return err
				}
				upgrades = append(upgrades, types.PackageUpgrade{PackageName: req.Name, TargetVersion: req.Version})
			}

			validator, err := app.validator(app.config.Python)
			if err != nil {
				return err
			}

			results, err := validator.ValidateMultiple(cmd.Context(), upgrades, upgradeOptions(noTests, noConflictCheck)...)
			if results != nil {
				if perr := app.print(results); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			for _, r := range results {
				if !r.Success {
					return fmt.Errorf("batch upgrade failed at %s==%s: %s", r.PackageName, r.ToVersion, r.State)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noTests, "no-tests", false, "Skip the test suite")
	cmd.Flags().BoolVar(&noConflictCheck, "no-conflict-check", false, "Skip the dependency conflict check")
	return cmd
}

func newCompatCommand(app *App) *cobra.Command {
	var noTests bool
	cmd := &cobra.Command{
		Use:   "compat <package> <version>",
		Short: "Validate one upgrade against several Python versions in parallel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := app.compatibilityTester().Test(cmd.Context(), args[0], args[1], app.config.Runtimes, upgradeOptions(noTests, false)...)
			if err != nil {
				return err
			}
			if err := app.print(report); err != nil {
				return err
			}
			if !report.Success {
				return fmt.Errorf("upgrade of %s to %s is not compatible with every runtime", args[0], args[1])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noTests, "no-tests", false, "Skip the test suite")
	return cmd
}

func newRunCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one remediation pass: fetch, assess, track and optionally upgrade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := app.buildEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Tracker().Close()

			report, err := e.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return app.print(report)
		},
	}
}

func newServeCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run remediation passes periodically and serve metrics and records over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := NewExporter(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer exporter.Close()
			return exporter.Start(cmd.Context())
		},
	}
}
