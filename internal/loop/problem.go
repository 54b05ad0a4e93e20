// Package loop drives the generate/verify/repair cycle until the external
// oracles accept the artifact or the attempt budget runs out.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"planverd/internal/classify"
	"planverd/internal/config"
	"planverd/internal/ledger"
	"planverd/internal/llm"
	"planverd/internal/logging"
	"planverd/internal/oracle"
	"planverd/internal/pddl"
	"planverd/internal/repair"
)

// Outcome reports how a loop terminated.
type Outcome struct {
	Valid       bool
	Attempts    int
	ProblemText string
	ProblemPath string
	FellBack    bool
	LastParsed  classify.ErrorRecord
	LastOutput  string
}

// ProblemLoop generates a problem file and iterates against the verifier.
type ProblemLoop struct {
	Client   llm.Client
	Verifier *oracle.Verifier

	// Ledger, when set, receives a record for every verifier run.
	Ledger *ledger.Ledger

	Inputs     repair.Inputs
	DomainPath string
	OutputPath string

	Temperature       float64
	CooledTemperature float64
	MaxTokens         int
	MaxAttempts       int
	TemplateAttempts  int
}

// NewProblemLoop wires a problem loop from configuration.
func NewProblemLoop(cfg *config.Config, client llm.Client, verifier *oracle.Verifier, led *ledger.Ledger, in repair.Inputs, domainPath, outputPath string) *ProblemLoop {
	return &ProblemLoop{
		Client:            client,
		Verifier:          verifier,
		Ledger:            led,
		Inputs:            in,
		DomainPath:        domainPath,
		OutputPath:        outputPath,
		Temperature:       cfg.LLM.Temperature,
		CooledTemperature: cfg.Loop.CooledTemperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		MaxAttempts:       cfg.Loop.MaxAttempts,
		TemplateAttempts:  cfg.Loop.TemplateAttempts,
	}
}

type nameResponse struct {
	ProblemName string `json:"problem_name"`
}

// RunTemplate asks the model only for a problem name and instantiates the
// fixed template with it. The PDDL itself is deterministic, so the budget is
// small: a retry only helps when the name JSON was malformed or the verifier
// rejected the render.
func (p *ProblemLoop) RunTemplate(ctx context.Context) (*Outcome, error) {
	prompt := repair.BuildNamePrompt(p.Inputs.Task)
	outcome := &Outcome{ProblemPath: p.OutputPath}

	for attempt := 1; attempt <= p.TemplateAttempts; attempt++ {
		outcome.Attempts = attempt
		logging.Loop("template attempt %d/%d", attempt, p.TemplateAttempts)

		completion, err := p.Client.Complete(ctx, llm.Request{
			System:      repair.SystemGenerator,
			Prompt:      prompt,
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
		})
		if err != nil {
			return outcome, fmt.Errorf("generation failed: %w", err)
		}

		var parsed nameResponse
		if err := json.Unmarshal([]byte(completion.Text), &parsed); err != nil {
			logging.LoopWarn("invalid name JSON on attempt %d, retrying", attempt)
			continue
		}

		name := pddl.SanitizeProblemName(parsed.ProblemName, "problem")
		problem := pddl.RenderTemplate(name)
		if err := p.writeProblem(problem); err != nil {
			return outcome, err
		}
		outcome.ProblemText = problem

		run := p.Verifier.Run(ctx, name, p.DomainPath, p.OutputPath, "")
		outcome.LastOutput = run.RawOutput
		outcome.LastParsed = p.record(run)
		if outcome.LastParsed.Success {
			logging.Loop("template problem %q accepted on attempt %d", name, attempt)
			outcome.Valid = true
			return outcome, nil
		}
		logging.LoopWarn("template problem rejected (%s), retrying name generation", outcome.LastParsed.Kind)
	}

	return outcome, fmt.Errorf("verification failed after %d template attempts", p.TemplateAttempts)
}

// RunDirect asks the model for the full problem file and repairs it from
// verifier feedback. The sampling temperature is cooled after the first
// failure to keep repairs close to the previous candidate. When the budget
// runs out the deterministic template is written as a fallback and verified
// once.
func (p *ProblemLoop) RunDirect(ctx context.Context) (*Outcome, error) {
	domainText, err := os.ReadFile(p.DomainPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain: %w", err)
	}
	in := p.Inputs
	if in.Domain == "" {
		in.Domain = string(domainText)
	}
	typesHint := pddl.DomainTypes(in.Domain)

	prompt := repair.BuildProblemPrompt(in)
	outcome := &Outcome{ProblemPath: p.OutputPath}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		outcome.Attempts = attempt

		temp := p.Temperature
		if attempt > 1 && temp > p.CooledTemperature {
			temp = p.CooledTemperature
		}
		logging.Loop("direct attempt %d/%d (temperature %.2f)", attempt, p.MaxAttempts, temp)

		completion, err := p.Client.Complete(ctx, llm.Request{
			System:      repair.SystemGenerator,
			Prompt:      prompt,
			Temperature: temp,
			MaxTokens:   p.MaxTokens,
		})
		if err != nil {
			return outcome, fmt.Errorf("generation failed: %w", err)
		}

		problem := pddl.ExtractProblem(completion.Text)
		outcome.ProblemText = problem

		if ok, quickErr := pddl.QuickCheck(problem); !ok {
			logging.LoopWarn("quick check failed: %s", quickErr)
			outcome.LastOutput = quickErr
			outcome.LastParsed = classify.ErrorRecord{
				Success:   false,
				Kind:      classify.KindBadPlan,
				Signature: quickErr,
				Message:   quickErr,
			}
			prompt = repair.BuildVerifierRepairPrompt(in, problem, quickErr)
			continue
		}

		if err := p.writeProblem(problem); err != nil {
			return outcome, err
		}

		run := p.Verifier.Run(ctx, filepath.Base(p.OutputPath), p.DomainPath, p.OutputPath, "")
		outcome.LastOutput = run.RawOutput
		outcome.LastParsed = p.record(run)
		if outcome.LastParsed.Success {
			logging.Loop("problem accepted on attempt %d", attempt)
			outcome.Valid = true
			return outcome, nil
		}

		logging.LoopWarn("verifier rejected attempt %d: %s", attempt, outcome.LastParsed.Kind)
		logging.LoopDebug("error summary:\n%s", classify.SummarizeVerifier(run.RawOutput))

		verifierError := repair.AugmentUnknownType(run.RawOutput, typesHint)
		prompt = repair.BuildVerifierRepairPrompt(in, problem, verifierError)
	}

	return p.fallback(ctx, outcome)
}

// fallback writes the deterministic template and gives it one verification
// pass. A failure here means the domain itself is broken.
func (p *ProblemLoop) fallback(ctx context.Context, outcome *Outcome) (*Outcome, error) {
	logging.LoopWarn("attempt budget exhausted, falling back to template")

	problem := pddl.FallbackProblem()
	if err := p.writeProblem(problem); err != nil {
		return outcome, err
	}
	outcome.ProblemText = problem
	outcome.FellBack = true

	run := p.Verifier.Run(ctx, "fallback", p.DomainPath, p.OutputPath, "")
	outcome.LastOutput = run.RawOutput
	outcome.LastParsed = p.record(run)
	if outcome.LastParsed.Success {
		outcome.Valid = true
		return outcome, nil
	}

	if p.Ledger != nil {
		return outcome, fmt.Errorf("fallback template also failed verification; raw verifier output at %s", p.Ledger.RawPath(run.TaskID))
	}
	return outcome, fmt.Errorf("fallback template also failed verification; inspect the domain manually")
}

// record classifies a verifier run and hands it to the ledger when one is
// configured. Ledger failures do not interrupt the loop.
func (p *ProblemLoop) record(run *oracle.Run) classify.ErrorRecord {
	var parsed classify.ErrorRecord
	if oracle.ProblemValid(run) {
		parsed = classify.ErrorRecord{Success: true, Kind: classify.KindValid}
	} else {
		parsed = classify.Classify(run.RawOutput)
		// The errors summary line decides problem-only runs.
		parsed.Success = false
		if parsed.Kind == classify.KindValid {
			parsed.Kind = classify.KindUnknown
		}
	}
	if p.Ledger != nil {
		rec := ledger.NewRecord(run, parsed, p.DomainPath, p.OutputPath, "")
		if _, err := p.Ledger.Append(rec); err != nil {
			logging.LoopWarn("ledger append failed for %s: %v", run.TaskID, err)
		}
	}
	return parsed
}

func (p *ProblemLoop) writeProblem(problem string) error {
	if err := os.MkdirAll(filepath.Dir(p.OutputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(p.OutputPath, []byte(problem), 0644); err != nil {
		return fmt.Errorf("failed to write problem: %w", err)
	}
	return nil
}
