// Command validate runs a fixture file through the filter, dedup, priority,
// and validation stages offline and reports the verdict for every alert. No
// state is read or written and no notifications are sent.
//
// Usage:
//
//	go run ./cmd/validate -fixture data/mock/alerts.json
//	go run ./cmd/validate -fixture data/mock/alerts.json \
//	  -filters config/filters.yaml -now 2026-05-02T23:00:00Z -strict
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-alert-pipeline/internal/adapter/nws"
	"github.com/couchcryptid/storm-alert-pipeline/internal/dedup"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/filter"
	"github.com/couchcryptid/storm-alert-pipeline/internal/observability"
	"github.com/couchcryptid/storm-alert-pipeline/internal/pipeline"
	"github.com/couchcryptid/storm-alert-pipeline/internal/priority"
	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
	"github.com/couchcryptid/storm-alert-pipeline/internal/validate"
)

// phase tracks pass/fail for a report section.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type options struct {
	fixture       string
	filters       string
	zones         string
	strategy      string
	minConfidence float64
	now           string
	strict        bool
}

func main() {
	var opts options
	flag.StringVar(&opts.fixture, "fixture", "", "alert fixture (JSON alert list or GeoJSON feature collection)")
	flag.StringVar(&opts.filters, "filters", "", "optional YAML filter chain definition")
	flag.StringVar(&opts.zones, "zones", "", "comma-separated county allow-list used when -filters is not set")
	flag.StringVar(&opts.strategy, "dedup", string(dedup.StrategyHybrid), "dedup strategy")
	flag.Float64Var(&opts.minConfidence, "min-confidence", validate.DefaultConfig().MinConfidence, "validator pass bar")
	flag.StringVar(&opts.now, "now", "", "evaluation time (RFC 3339, default wall clock)")
	flag.BoolVar(&opts.strict, "strict", false, "fail when any surviving alert is not valid")
	flag.Parse()

	if opts.fixture == "" {
		flag.Usage()
		os.Exit(1)
	}

	os.Exit(run(opts, os.Stdout))
}

func run(opts options, out io.Writer) int {
	if opts.now != "" {
		t, err := time.Parse(time.RFC3339, opts.now)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: parse -now: %v\n", err)
			return 1
		}
		domain.SetClock(clockwork.NewFakeClockAt(t.UTC()))
		defer domain.SetClock(nil)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// ── Load fixture and stages ──
	fmt.Fprintln(out, "=== Alert Fixture Validation ===")
	fmt.Fprintln(out)

	data, err := os.ReadFile(opts.fixture)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: read fixture: %v\n", err)
		return 1
	}
	alerts, err := nws.DecodeFixture(data, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: decode fixture: %v\n", err)
		return 1
	}

	st, err := buildStages(opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	res := st.orchestrator.Process(context.Background(), alerts)

	// ── Report ──
	phases := []*phase{
		checkIDs(alerts),
		checkVerdicts(res),
	}
	if opts.strict {
		phases = append(phases, checkSurvivorsValid(res))
	}

	printAlerts(out, res)
	printFilterReport(out, st.chain, alerts)
	printRanking(out, st.prioritizer, res)
	printValidationSummary(out, st.validator, alerts)

	fmt.Fprintln(out)
	allPassed := true
	for _, p := range phases {
		status := "PASS"
		if !p.passed() {
			status = fmt.Sprintf("FAIL (%d errors)", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(out, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Alerts: %d in fixture, %d surviving, %d halted, %d failed\n",
		res.Stats.Total, len(res.Surviving), res.Stats.Halted, res.Stats.Failed)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(out, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(out, "\nValidation FAILED.")
	return 1
}

// stages holds the pipeline and the components the extra reports reuse.
type stages struct {
	orchestrator *pipeline.Orchestrator
	chain        *filter.Chain
	prioritizer  *priority.Prioritizer
	validator    *validate.Validator
}

func buildStages(opts options, logger *slog.Logger) (stages, error) {
	evaluator := rules.NewEvaluator(0)

	chain := filter.NewChain(logger)
	if opts.filters != "" {
		c, err := filter.LoadChainFile(opts.filters, evaluator, logger)
		if err != nil {
			return stages{}, err
		}
		chain = c
	} else if zones := splitZones(opts.zones); len(zones) > 0 {
		chain.Add(filter.NewGeographicFilter("zones", zones, nil))
	}

	strategy, err := dedup.ParseStrategy(opts.strategy)
	if err != nil {
		return stages{}, err
	}
	dedupCfg := dedup.DefaultConfig()
	dedupCfg.Strategy = strategy

	validateCfg := validate.DefaultConfig()
	validateCfg.MinConfidence = opts.minConfidence

	st := stages{
		chain:       chain,
		prioritizer: priority.New(priority.DefaultConfig()),
		validator:   validate.New(validateCfg, logger),
	}
	metrics := observability.NewMetricsForTesting()
	st.orchestrator = pipeline.New(pipeline.Config{}, logger, metrics)
	st.orchestrator.Register(pipeline.NewFilterProcessor(chain))
	st.orchestrator.RegisterBatch(pipeline.NewDedupProcessor(dedup.New(dedupCfg), metrics))
	st.orchestrator.Register(pipeline.NewPriorityProcessor(st.prioritizer))
	st.orchestrator.Register(pipeline.NewValidationProcessor(st.validator, metrics))
	return st, nil
}

func splitZones(v string) []string {
	var out []string
	for _, z := range strings.Split(v, ",") {
		if z = strings.TrimSpace(z); z != "" {
			out = append(out, strings.ToUpper(z))
		}
	}
	return out
}

// checkIDs reports alerts without an id and ids used more than once.
func checkIDs(alerts []domain.Alert) *phase {
	p := &phase{name: "Fixture identifiers"}
	seen := make(map[string]int, len(alerts))
	for i, a := range alerts {
		if a.ID == "" {
			p.errorf("alert %d (%s): missing id", i, a.Event)
			continue
		}
		if j, ok := seen[a.ID]; ok {
			p.errorf("alert %d: id %s already used by alert %d", i, a.ID, j)
			continue
		}
		seen[a.ID] = i
	}
	return p
}

// checkVerdicts requires every alert to leave the pipeline with an explicit
// verdict: halted alerts need a reason, survivors need scores.
func checkVerdicts(res pipeline.BatchResult) *phase {
	p := &phase{name: "Every alert has a verdict"}
	for _, r := range res.Results {
		pc := r.Context
		switch {
		case r.Outcome == pipeline.OutcomeHalted && pc.HaltReason == "":
			p.errorf("%s: halted without a reason", r.AlertID)
		case r.Outcome == pipeline.OutcomeFailed:
			p.errorf("%s: %s", r.AlertID, strings.Join(pc.Errors, "; "))
		case r.Outcome == pipeline.OutcomeSuccess && (pc.Priority == nil || pc.Validation == nil):
			p.errorf("%s: survived without priority and validation", r.AlertID)
		}
	}
	return p
}

func checkSurvivorsValid(res pipeline.BatchResult) *phase {
	p := &phase{name: "Surviving alerts are valid"}
	for _, r := range res.Results {
		v := r.Context.Validation
		if r.Outcome != pipeline.OutcomeSuccess || v == nil || v.Status == validate.StatusValid {
			continue
		}
		p.errorf("%s: %s (confidence %.2f): %s", r.AlertID, v.Status, v.Score, strings.Join(v.Issues, "; "))
	}
	return p
}

func printAlerts(out io.Writer, res pipeline.BatchResult) {
	for _, r := range res.Results {
		pc := r.Context
		fmt.Fprintf(out, "%s  %s\n", r.AlertID, pc.Alert.Event)
		if pc.Filter != nil && !pc.Filter.Passed {
			fmt.Fprintf(out, "    filter:     rejected: %s\n", pc.Filter.Reason)
		}
		if pc.Merge != nil {
			fmt.Fprintf(out, "    dedup:      merged into %s (%s, similarity %.2f)\n",
				pc.Merge.KeptID, pc.Merge.MatchType, pc.Merge.Similarity)
		}
		if pc.Priority != nil {
			fmt.Fprintf(out, "    priority:   %s (%.2f)\n", pc.Priority.Level, pc.Priority.Total)
		}
		if r := pc.Risk; r != nil {
			fmt.Fprintf(out, "    risk:       %s (impact %.2f, probability %.2f)\n", r.Level, r.Impact, r.Probability)
		}
		if v := pc.Validation; v != nil {
			fmt.Fprintf(out, "    validation: %s, confidence %s (%.2f)\n", v.Status, v.Confidence, v.Score)
			for _, issue := range v.Issues {
				fmt.Fprintf(out, "      - %s\n", issue)
			}
		}
		fmt.Fprintf(out, "    outcome:    %s", r.Outcome)
		if pc.HaltReason != "" {
			fmt.Fprintf(out, " (%s)", pc.HaltReason)
		}
		fmt.Fprintln(out)
	}
}

// printFilterReport shows every filter's verdict for every fixture alert,
// including filters after the one that rejected it.
func printFilterReport(out io.Writer, chain *filter.Chain, alerts []domain.Alert) {
	names := chain.Names()
	if len(names) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "--- Filters ---")
	for _, a := range alerts {
		verdicts := chain.ApplyAll(a)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			v := verdicts[name]
			if v.Passed {
				parts = append(parts, name+"=pass")
			} else {
				parts = append(parts, fmt.Sprintf("%s=reject (%s)", name, v.Reason))
			}
		}
		fmt.Fprintf(out, "  %s: %s\n", a.ID, strings.Join(parts, ", "))
	}
}

// printRanking lists the surviving alerts from highest to lowest priority.
func printRanking(out io.Writer, p *priority.Prioritizer, res pipeline.BatchResult) {
	if len(res.Surviving) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "--- Priority ranking ---")
	for i, s := range p.PrioritizeAll(res.Surviving) {
		fmt.Fprintf(out, "  %d. %s  %s (%.2f)\n", i+1, s.Alert.ID, s.Level, s.Total)
	}
}

// printValidationSummary counts validator verdicts over the whole fixture,
// halted alerts included.
func printValidationSummary(out io.Writer, v *validate.Validator, alerts []domain.Alert) {
	counts := make(map[validate.Status]int)
	for _, r := range v.ValidateAll(alerts) {
		counts[r.Status]++
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Fixture validation: %d valid, %d suspicious, %d invalid, %d unknown\n",
		counts[validate.StatusValid], counts[validate.StatusSuspicious],
		counts[validate.StatusInvalid], counts[validate.StatusUnknown])
}
