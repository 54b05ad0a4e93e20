package loop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"planverd/internal/ledger"
	"planverd/internal/llm"
	"planverd/internal/oracle"
	"planverd/internal/repair"
)

func TestMain(m *testing.M) {
	// The opencensus worker goroutine is started in a transitive
	// dependency's init() and can never be stopped by this package.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const testDomain = `(define (domain mobileworld_generic)
  (:types screen target field text goal_status direction)
)`

const validProblem = `(define (problem generated)
  (:domain mobileworld_generic)
  (:objects home_screen - screen)
  (:init (at-screen home_screen))
  (:goal (and (at-screen home_screen)))
)`

// writeScript creates an executable shell script standing in for the
// verifier or planner binary.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func testProblemLoop(t *testing.T, client llm.Client, verifierScript string, maxAttempts int) *ProblemLoop {
	t.Helper()
	dir := t.TempDir()
	domainPath := filepath.Join(dir, "domain.pddl")
	writeFile(t, domainPath, testDomain)

	return &ProblemLoop{
		Client:            client,
		Verifier:          oracle.NewVerifier(verifierScript, false, 10*time.Second),
		Inputs:            repair.Inputs{Task: "search for cats", Domain: testDomain},
		DomainPath:        domainPath,
		OutputPath:        filepath.Join(dir, "problem.pddl"),
		Temperature:       0.2,
		CooledTemperature: 0.05,
		MaxTokens:         1024,
		MaxAttempts:       maxAttempts,
		TemplateAttempts:  2,
	}
}

func TestRunTemplate_RetriesBadJSON(t *testing.T) {
	dir := t.TempDir()
	ok := writeScript(t, dir, "validate-ok", `echo "Errors: 0, warnings: 0"`)

	client := llm.NewScriptedClient(
		"this is not json",
		`{"problem_name": "Search-For-Cats!"}`,
	)
	p := testProblemLoop(t, client, ok, 10)

	outcome, err := p.RunTemplate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Valid {
		t.Fatal("expected valid outcome")
	}
	if outcome.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", outcome.Attempts)
	}
	if !strings.Contains(outcome.ProblemText, "(problem searchforcats)") {
		t.Errorf("name not sanitized into template:\n%s", outcome.ProblemText)
	}

	data, err := os.ReadFile(p.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != outcome.ProblemText {
		t.Error("written problem differs from outcome")
	}
}

func TestRunTemplate_ExhaustsBudget(t *testing.T) {
	dir := t.TempDir()
	bad := writeScript(t, dir, "validate-bad", `echo "some error"
echo "Errors: 1, warnings: 0"`)

	client := llm.NewScriptedClient(
		`{"problem_name": "a"}`,
		`{"problem_name": "b"}`,
		`{"problem_name": "c"}`,
	)
	p := testProblemLoop(t, client, bad, 10)

	outcome, err := p.RunTemplate(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausted template budget")
	}
	if outcome.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", outcome.Attempts)
	}
	if len(client.Calls()) != 2 {
		t.Errorf("expected 2 generations, got %d", len(client.Calls()))
	}
}

func TestRunDirect_FirstAttemptSuccess(t *testing.T) {
	dir := t.TempDir()
	ok := writeScript(t, dir, "validate-ok", `echo "Errors: 0, warnings: 0"`)

	client := llm.NewScriptedClient("```pddl\n" + validProblem + "\n```")
	p := testProblemLoop(t, client, ok, 10)

	outcome, err := p.RunDirect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Valid || outcome.Attempts != 1 || outcome.FellBack {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
	if !strings.HasPrefix(outcome.ProblemText, "(define") {
		t.Errorf("code fences not stripped:\n%s", outcome.ProblemText)
	}

	calls := client.Calls()
	if calls[0].Temperature != 0.2 {
		t.Errorf("first attempt temperature = %v, want 0.2", calls[0].Temperature)
	}
	if calls[0].System != repair.SystemGenerator {
		t.Errorf("wrong system prompt: %q", calls[0].System)
	}
}

func TestRunDirect_RepairCoolsTemperatureAndHintsTypes(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	// Fails once with an unknown type error, then accepts.
	flaky := writeScript(t, dir, "validate-flaky", `if [ -f "`+state+`" ]; then
  echo "Errors: 0, warnings: 0"
else
  touch "`+state+`"
  echo "Unknown type widget"
  echo "Errors: 1, warnings: 0"
fi`)

	client := llm.NewScriptedClient(validProblem, validProblem)
	p := testProblemLoop(t, client, flaky, 10)

	outcome, err := p.RunDirect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Valid || outcome.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	calls := client.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(calls))
	}
	if calls[1].Temperature != 0.05 {
		t.Errorf("repair temperature = %v, want 0.05", calls[1].Temperature)
	}
	if !strings.Contains(calls[1].Prompt, "[VAL Error Output]") {
		t.Error("repair prompt missing verifier output section")
	}
	if !strings.Contains(calls[1].Prompt, "Available types:") {
		t.Error("unknown type error must carry the domain types hint")
	}
	if !strings.Contains(calls[1].Prompt, "screen target field") {
		t.Errorf("types hint not extracted from domain:\n%s", calls[1].Prompt)
	}
}

func TestRunDirect_QuickCheckSkipsVerifier(t *testing.T) {
	dir := t.TempDir()
	// The verifier records every invocation.
	log := filepath.Join(dir, "calls.log")
	ok := writeScript(t, dir, "validate-count", `echo run >> "`+log+`"
echo "Errors: 0, warnings: 0"`)

	truncated := "(define (problem broken)\n  (:domain mobileworld_generic)\n  (:objects x - screen)\n  (:init (at-screen x))"
	client := llm.NewScriptedClient(truncated, validProblem)
	p := testProblemLoop(t, client, ok, 10)

	outcome, err := p.RunDirect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Valid || outcome.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	data, err := os.ReadFile(log)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "run"); got != 1 {
		t.Errorf("verifier ran %d times, want 1 (quick check must short-circuit)", got)
	}

	calls := client.Calls()
	if !strings.Contains(calls[1].Prompt, "parenthesis imbalance") && !strings.Contains(calls[1].Prompt, "missing required section") {
		t.Errorf("quick check finding not fed to repair:\n%s", calls[1].Prompt)
	}
}

func TestRunDirect_FallbackOnExhaustion(t *testing.T) {
	dir := t.TempDir()
	// Accepts only the deterministic fallback problem.
	picky := writeScript(t, dir, "validate-picky", `if grep -q fallback_demo "$2"; then
  echo "Errors: 0, warnings: 0"
else
  echo "bad problem"
  echo "Errors: 1, warnings: 0"
fi`)

	client := llm.NewScriptedClient(validProblem, validProblem)
	p := testProblemLoop(t, client, picky, 2)

	outcome, err := p.RunDirect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.FellBack {
		t.Fatal("expected template fallback")
	}
	if !outcome.Valid {
		t.Error("fallback problem must verify")
	}
	if !strings.Contains(outcome.ProblemText, "fallback_demo") {
		t.Errorf("fallback problem not written:\n%s", outcome.ProblemText)
	}
	if len(client.Calls()) != 2 {
		t.Errorf("budget not honored: %d generations", len(client.Calls()))
	}
}

func TestRunDirect_FirstAttemptSuccessRecordsOutcome(t *testing.T) {
	dir := t.TempDir()
	ok := writeScript(t, dir, "validate-ok", `echo "Errors: 0, warnings: 0"`)

	client := llm.NewScriptedClient(validProblem)
	p := testProblemLoop(t, client, ok, 10)

	led, err := ledger.Open(filepath.Join(dir, "results"))
	if err != nil {
		t.Fatal(err)
	}
	p.Ledger = led

	outcome, err := p.RunDirect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Valid || outcome.Attempts != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	summary, err := led.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalRecords != 1 || summary.ValidPlans != 1 {
		t.Errorf("ledger has %d records (%d valid), want exactly 1 valid entry",
			summary.TotalRecords, summary.ValidPlans)
	}
	if _, err := os.Stat(led.RawPath("problem.pddl")); err != nil {
		t.Errorf("raw record missing: %v", err)
	}
}

func TestRunTemplate_RecordsRejections(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	flaky := writeScript(t, dir, "validate-flaky", `if [ -f "`+state+`" ]; then
  echo "Errors: 0, warnings: 0"
else
  touch "`+state+`"
  echo "Parser failed on line 3"
  echo "Errors: 1, warnings: 0"
fi`)

	client := llm.NewScriptedClient(
		`{"problem_name": "first"}`,
		`{"problem_name": "second"}`,
	)
	p := testProblemLoop(t, client, flaky, 10)

	led, err := ledger.Open(filepath.Join(dir, "results"))
	if err != nil {
		t.Fatal(err)
	}
	p.Ledger = led

	outcome, err := p.RunTemplate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Valid || outcome.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	summary, err := led.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalRecords != 2 || summary.ValidPlans != 1 {
		t.Errorf("ledger has %d records (%d valid), want one rejection and one success",
			summary.TotalRecords, summary.ValidPlans)
	}
	if summary.Classification["parser_error"] != 1 {
		t.Errorf("classification wrong: %v", summary.Classification)
	}
}

func TestRunDirect_FallbackFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	bad := writeScript(t, dir, "validate-bad", `echo "Errors: 1, warnings: 0"`)

	client := llm.NewScriptedClient(validProblem, validProblem)
	p := testProblemLoop(t, client, bad, 2)

	outcome, err := p.RunDirect(context.Background())
	if err == nil {
		t.Fatal("fallback rejection must surface as an error")
	}
	if !outcome.FellBack || outcome.Valid {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
}

func TestRunDirect_FallbackFailureNamesRawRecord(t *testing.T) {
	dir := t.TempDir()
	bad := writeScript(t, dir, "validate-bad", `echo "Errors: 1, warnings: 0"`)

	client := llm.NewScriptedClient(validProblem, validProblem)
	p := testProblemLoop(t, client, bad, 2)

	led, err := ledger.Open(filepath.Join(dir, "results"))
	if err != nil {
		t.Fatal(err)
	}
	p.Ledger = led

	_, err = p.RunDirect(context.Background())
	if err == nil {
		t.Fatal("fallback rejection must surface as an error")
	}
	rawPath := led.RawPath("fallback")
	if !strings.Contains(err.Error(), rawPath) {
		t.Errorf("error %q does not name the raw record %s", err, rawPath)
	}
	if _, statErr := os.Stat(rawPath); statErr != nil {
		t.Errorf("raw record missing: %v", statErr)
	}

	// Every run produced the same output, so the dataset holds one record.
	summary, err := led.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalRecords != 1 || summary.ValidPlans != 0 {
		t.Errorf("summary wrong: %+v", summary)
	}
}

func TestPlannerLoop_RepairsThenSolves(t *testing.T) {
	dir := t.TempDir()
	domainPath := filepath.Join(dir, "domain.pddl")
	problemPath := filepath.Join(dir, "problem.pddl")
	writeFile(t, domainPath, testDomain)
	writeFile(t, problemPath, "(define (problem broken))")

	state := filepath.Join(dir, "state")
	planner := writeScript(t, dir, "planner-flaky", `if [ -f "`+state+`" ]; then
  echo "Solution found."
else
  touch "`+state+`"
  echo "translator: duplicate object home_screen"
  exit 1
fi`)

	repaired := strings.Replace(validProblem, "generated", "repaired", 1)
	client := llm.NewScriptedClient(repaired)

	p := &PlannerLoop{
		Client:      client,
		Planner:     oracle.NewPlanner(planner, nil, 10*time.Second),
		DomainPath:  domainPath,
		ProblemPath: problemPath,
		MaxAttempts: 5,
	}

	outcome, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Valid || outcome.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	// Structural failure selects the naming-fix prompt.
	calls := client.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 repair generation, got %d", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "STRUCTURAL or NAMING error") {
		t.Error("duplicate object failure must use the structural prompt")
	}
	if calls[0].System != repair.SystemDebugger {
		t.Errorf("wrong system prompt: %q", calls[0].System)
	}
	if calls[0].MaxTokens != plannerRepairMaxTokens {
		t.Errorf("repair max tokens = %d, want %d", calls[0].MaxTokens, plannerRepairMaxTokens)
	}

	// The repaired problem was written in place.
	data, err := os.ReadFile(problemPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "repaired") {
		t.Error("problem file not overwritten with repair")
	}
}

func TestPlannerLoop_RecordsRuns(t *testing.T) {
	dir := t.TempDir()
	domainPath := filepath.Join(dir, "domain.pddl")
	problemPath := filepath.Join(dir, "problem.pddl")
	writeFile(t, domainPath, testDomain)
	writeFile(t, problemPath, "(define (problem broken))")

	state := filepath.Join(dir, "state")
	planner := writeScript(t, dir, "planner-flaky", `if [ -f "`+state+`" ]; then
  echo "Solution found."
else
  touch "`+state+`"
  echo "translator: duplicate object home_screen"
  exit 1
fi`)

	led, err := ledger.Open(filepath.Join(dir, "results"))
	if err != nil {
		t.Fatal(err)
	}

	p := &PlannerLoop{
		Client:      llm.NewScriptedClient(validProblem),
		Planner:     oracle.NewPlanner(planner, nil, 10*time.Second),
		Ledger:      led,
		DomainPath:  domainPath,
		ProblemPath: problemPath,
		MaxAttempts: 5,
	}

	outcome, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Valid || outcome.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	summary, err := led.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalRecords != 2 || summary.ValidPlans != 1 {
		t.Errorf("ledger has %d records (%d valid), want the failure and the solve",
			summary.TotalRecords, summary.ValidPlans)
	}
}

func TestPlannerLoop_SemanticPrompt(t *testing.T) {
	dir := t.TempDir()
	domainPath := filepath.Join(dir, "domain.pddl")
	problemPath := filepath.Join(dir, "problem.pddl")
	writeFile(t, domainPath, testDomain)
	writeFile(t, problemPath, validProblem)

	planner := writeScript(t, dir, "planner-stuck", `echo "Completely explored state space -- no solution!"
echo "Search failed."
exit 12`)

	client := llm.NewScriptedClient(validProblem)
	p := &PlannerLoop{
		Client:      client,
		Planner:     oracle.NewPlanner(planner, nil, 10*time.Second),
		DomainPath:  domainPath,
		ProblemPath: problemPath,
		MaxAttempts: 2,
	}

	outcome, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Valid {
		t.Fatal("planner never succeeds in this scenario")
	}
	if outcome.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", outcome.Attempts)
	}

	calls := client.Calls()
	if len(calls) != 1 {
		t.Fatalf("final attempt must not trigger a repair, got %d generations", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "CRITICAL REASONING TASK") {
		t.Error("unsolvable problem must use the causal-chain prompt")
	}
}

func TestBatch_Run(t *testing.T) {
	dir := t.TempDir()
	problemDir := filepath.Join(dir, "problem")
	planDir := filepath.Join(dir, "plan")
	domainPath := filepath.Join(dir, "domain.pddl")
	writeFile(t, domainPath, testDomain)

	writeFile(t, filepath.Join(problemDir, "1.problem.pddl"), validProblem)
	writeFile(t, filepath.Join(problemDir, "2.problem.pddl"), validProblem)
	writeFile(t, filepath.Join(problemDir, "3.problem.pddl"), validProblem)
	writeFile(t, filepath.Join(planDir, "1.plan"), "(click search_button)")
	writeFile(t, filepath.Join(planDir, "2.plan"), "(click search_button)")
	// Task 3 has no plan.

	// Task 1 passes, task 2 fails. Args with -v: $1=-v $2=domain $3=problem $4=plan.
	validate := writeScript(t, dir, "validate", `case "$3" in
*1.problem*) echo "Plan executed successfully - checking goal"; echo "Plan valid";;
*) echo "Bad plan description! Tokens remaining"; exit 1;;
esac`)

	led, err := ledger.Open(filepath.Join(dir, "results"))
	if err != nil {
		t.Fatal(err)
	}

	b := &Batch{
		Verifier:   oracle.NewVerifier(validate, true, 10*time.Second),
		Ledger:     led,
		DomainFile: domainPath,
		ProblemDir: problemDir,
		PlanDir:    planDir,
		Parallel:   2,
	}

	result, err := b.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Tasks) != 2 {
		t.Errorf("tasks = %v, want 2 entries", result.Tasks)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "3" {
		t.Errorf("skipped = %v, want [3]", result.Skipped)
	}
	if result.Valid != 1 {
		t.Errorf("valid = %d, want 1", result.Valid)
	}
	if result.RunID == "" {
		t.Error("run id must be assigned")
	}

	if result.Summary.TotalRecords != 2 || result.Summary.ValidPlans != 1 {
		t.Errorf("summary wrong: %+v", result.Summary)
	}
	if result.Summary.Classification["bad_plan"] != 1 {
		t.Errorf("classification wrong: %v", result.Summary.Classification)
	}
}
