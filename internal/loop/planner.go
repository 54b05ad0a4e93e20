package loop

import (
	"context"
	"fmt"
	"os"

	"planverd/internal/classify"
	"planverd/internal/config"
	"planverd/internal/ledger"
	"planverd/internal/llm"
	"planverd/internal/logging"
	"planverd/internal/oracle"
	"planverd/internal/pddl"
	"planverd/internal/repair"
)

// plannerRepairMaxTokens allows room for a full rewritten problem file.
const plannerRepairMaxTokens = 1500

// plannerRepairTemperature keeps repairs close to the previous candidate.
const plannerRepairTemperature = 0.2

// PlannerLoop runs the planner against an already-verified problem and
// repairs the problem from planner feedback. The problem file is overwritten
// in place on each repair.
type PlannerLoop struct {
	Client  llm.Client
	Planner *oracle.Planner

	// Ledger, when set, receives a record for every planner run.
	Ledger *ledger.Ledger

	DomainPath  string
	ProblemPath string
	MaxAttempts int
}

// NewPlannerLoop wires a planner loop from configuration.
func NewPlannerLoop(cfg *config.Config, client llm.Client, planner *oracle.Planner, led *ledger.Ledger, domainPath, problemPath string) *PlannerLoop {
	return &PlannerLoop{
		Client:      client,
		Planner:     planner,
		Ledger:      led,
		DomainPath:  domainPath,
		ProblemPath: problemPath,
		MaxAttempts: cfg.Loop.PlannerAttempts,
	}
}

// Run iterates plan/repair until the planner solves the problem or the
// budget runs out. An exhausted budget is not an error: the outcome reports
// Valid false and the last planner evidence.
func (p *PlannerLoop) Run(ctx context.Context) (*Outcome, error) {
	domainText, err := os.ReadFile(p.DomainPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain: %w", err)
	}

	outcome := &Outcome{ProblemPath: p.ProblemPath}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		outcome.Attempts = attempt
		logging.Loop("planner attempt %d/%d", attempt, p.MaxAttempts)

		run := p.Planner.Run(ctx, "plan", p.DomainPath, p.ProblemPath)
		outcome.LastOutput = run.RawOutput

		if run.ExitCode == 0 {
			logging.Loop("planner solved the problem on attempt %d", attempt)
			outcome.Valid = true
			outcome.LastParsed = classify.ErrorRecord{Success: true, Kind: classify.KindValid}
			p.record(run, outcome.LastParsed)
			return outcome, nil
		}

		summary := classify.SummarizePlanner(run.RawOutput)
		kind := classify.Coarse(summary)
		logging.LoopWarn("planner failed (%s):\n%s", kind, summary)
		outcome.LastParsed = classify.ErrorRecord{
			Success:   false,
			Kind:      classify.KindUnknown,
			Signature: summary,
			Message:   summary,
		}
		p.record(run, outcome.LastParsed)

		if attempt == p.MaxAttempts {
			break
		}

		previous, err := os.ReadFile(p.ProblemPath)
		if err != nil {
			return outcome, fmt.Errorf("failed to read problem: %w", err)
		}

		prompt := repair.SelectPlanner(kind, string(previous), summary, string(domainText))
		completion, err := p.Client.Complete(ctx, llm.Request{
			System:      repair.SystemDebugger,
			Prompt:      prompt,
			Temperature: plannerRepairTemperature,
			MaxTokens:   plannerRepairMaxTokens,
		})
		if err != nil {
			return outcome, fmt.Errorf("repair generation failed: %w", err)
		}

		repaired := pddl.ExtractProblem(completion.Text)
		outcome.ProblemText = repaired
		if err := os.WriteFile(p.ProblemPath, []byte(repaired), 0644); err != nil {
			return outcome, fmt.Errorf("failed to write repaired problem: %w", err)
		}
		logging.Loop("problem overwritten, retrying planner")
	}

	logging.LoopWarn("planner budget exhausted after %d attempts", p.MaxAttempts)
	return outcome, nil
}

func (p *PlannerLoop) record(run *oracle.Run, parsed classify.ErrorRecord) {
	if p.Ledger == nil {
		return
	}
	rec := ledger.NewRecord(run, parsed, p.DomainPath, p.ProblemPath, "")
	if _, err := p.Ledger.Append(rec); err != nil {
		logging.LoopWarn("ledger append failed for %s: %v", run.TaskID, err)
	}
}
