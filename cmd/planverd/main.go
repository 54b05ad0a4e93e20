package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"planverd/internal/classify"
	"planverd/internal/config"
	"planverd/internal/ledger"
	"planverd/internal/llm"
	"planverd/internal/logging"
	"planverd/internal/loop"
	"planverd/internal/oracle"
	"planverd/internal/pddl"
	"planverd/internal/repair"
	"planverd/internal/store"
	"planverd/internal/watch"
)

var (
	// Global flags
	verbose    bool
	configFile string
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "planverd",
	Short: "planverd - Oracle-checked PDDL generation and validation",
	Long: `planverd generates and validates PDDL planning artifacts with external
oracles as ground truth.

A language model proposes problem files and plan repairs; VAL and a classical
planner decide whether they are correct. The generate/verify/repair loop
iterates until an oracle accepts the artifact or the attempt budget runs out,
and every verifier run is classified and recorded in an append-only ledger.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}

		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(configFile, cfg.Paths.ResultsRoot); err != nil {
			logger.Warn("debug logging unavailable", zap.Error(err))
			return nil
		}
		logging.Boot("%s %s starting (config %s)", cfg.Name, cfg.Version, configFile)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// validateCmd batch-validates every (problem, plan) pair
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate all problem/plan pairs and build the outcome dataset",
	Long: `Runs the verifier over every task in the problem directory that has a
matching plan file, classifies each output, and records the results:
a raw JSON per task, a compact dataset.jsonl, and summary.json.

The dataset is reset at the start of each batch; identical verifier outputs
are recorded once.`,
	RunE: runValidate,
}

// generateCmd produces a verified problem file
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a problem file and iterate until the verifier accepts it",
	Long: `Generates a problem.pddl from the task description and repairs it from
verifier feedback until it passes or the attempt budget runs out.

Modes:
  template  - the model proposes only a problem name; the PDDL is a fixed
              template (deterministic, small retry budget)
  llm       - the model writes the full problem file; failures feed a repair
              prompt with the verifier output, at a cooled temperature`,
	RunE: runGenerate,
}

// solveCmd runs the planner repair loop
var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Run the planner and repair the problem until it is solvable",
	Long: `Invokes the classical planner on a verified problem file. When the planner
fails, the failure log is summarized and classified as structural (naming,
duplicates, translator errors) or semantic (no plan exists), and the matching
repair prompt rewrites the problem in place before the next attempt.`,
	RunE: runSolve,
}

// planCmd converts model plan steps into VAL plan format
var planCmd = &cobra.Command{
	Use:   "plan [steps.json]",
	Short: "Convert JSON plan steps into a .plan file and verify it",
	Long: `Reads plan steps from a JSON file ({"step": N, "action": ..., "args": {...}}),
orders them, renders one action per line in VAL plan format, and appends a
final status action unless one is present.

Unless --no-validate is set, the generated plan is immediately checked
against the domain and problem.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

// summaryCmd regenerates the outcome histogram
var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Regenerate summary.json from the dataset",
	RunE:  runSummary,
}

// historyCmd queries the run archive
var historyCmd = &cobra.Command{
	Use:   "history [task-id]",
	Short: "Show archived verification runs",
	Long: `Queries the SQLite run archive. With a task ID, shows that task's runs;
without one, shows the most recent runs across all tasks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

// watchCmd re-verifies problems on save
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the problem directory and re-verify files on change",
	RunE:  runWatch,
}

var (
	// validate flags
	flagParallel  int
	flagNoArchive bool
	flagStrict    bool

	// generate flags
	flagMode string

	// plan flags
	flagPlanName   string
	flagNoStatus   bool
	flagNoValidate bool
	flagProblem    string

	// history flags
	flagLimit int
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultConfigFile, "Config file path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Operation timeout")

	validateCmd.Flags().IntVar(&flagParallel, "parallel", 1, "Number of tasks to validate concurrently")
	validateCmd.Flags().BoolVar(&flagNoArchive, "no-archive", false, "Skip the SQLite run archive")
	validateCmd.Flags().BoolVar(&flagStrict, "strict", false, "Exit non-zero when any task fails validation")

	generateCmd.Flags().StringVar(&flagMode, "mode", "template", "Generation mode: template or llm")

	planCmd.Flags().StringVar(&flagPlanName, "name", "", "Plan file name (default: timestamped)")
	planCmd.Flags().BoolVar(&flagNoStatus, "no-status", false, "Do not append the final status action")
	planCmd.Flags().BoolVar(&flagNoValidate, "no-validate", false, "Skip verification of the generated plan")
	planCmd.Flags().StringVar(&flagProblem, "problem", "", "Problem file to verify against (default: configured output)")

	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum number of runs to show")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(solveCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// commandContext returns a context honoring --timeout and SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func newVerifier() *oracle.Verifier {
	return oracle.NewVerifier(cfg.Verifier.Binary, cfg.Verifier.Verbose, cfg.VerifierTimeout())
}

func openArchive() *store.RunStore {
	if !cfg.Store.Enabled || flagNoArchive {
		return nil
	}
	s, err := store.NewRunStore(cfg.Store.DatabasePath)
	if err != nil {
		logger.Warn("run archive unavailable", zap.Error(err))
		return nil
	}
	return s
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	verifier := newVerifier()
	if err := verifier.EnsureInstalled(); err != nil {
		return err
	}

	led, err := ledger.Open(cfg.Paths.ResultsRoot)
	if err != nil {
		return err
	}

	archive := openArchive()
	if archive != nil {
		defer archive.Close()
	}

	batch := &loop.Batch{
		Verifier:   verifier,
		Ledger:     led,
		Store:      archive,
		DomainFile: cfg.Paths.Domain,
		ProblemDir: cfg.Paths.ProblemDir,
		PlanDir:    cfg.Paths.PlanDir,
		Parallel:   flagParallel,
	}

	result, err := batch.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("Batch complete",
		zap.String("run_id", result.RunID),
		zap.Int("tasks", len(result.Tasks)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("valid", result.Valid))

	fmt.Printf("Validated %d tasks (%d skipped, no plan)\n", len(result.Tasks), len(result.Skipped))
	fmt.Printf("Valid: %d  Invalid: %d  (rate %.3f)\n",
		result.Summary.ValidPlans, result.Summary.InvalidPlans, result.Summary.ValidRate)
	for kind, count := range result.Summary.Classification {
		fmt.Printf("  %-26s %d\n", kind, count)
	}
	fmt.Printf("Results written to %s\n", cfg.Paths.ResultsRoot)

	if flagStrict && result.Valid < len(result.Tasks) {
		return fmt.Errorf("%d of %d tasks failed validation", len(result.Tasks)-result.Valid, len(result.Tasks))
	}
	return nil
}

func loadInputs(requireAll bool) (repair.Inputs, error) {
	in := repair.Inputs{}

	task, err := readRequired(cfg.Paths.Task)
	if err != nil {
		return in, err
	}
	in.Task = task

	domain, err := readRequired(cfg.Paths.Domain)
	if err != nil {
		return in, err
	}
	in.Domain = domain

	if requireAll {
		if in.Rules, err = readRequired(cfg.Paths.Rules); err != nil {
			return in, err
		}
		if in.App, err = readRequired(cfg.Paths.App); err != nil {
			return in, err
		}
	}
	return in, nil
}

func readRequired(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("file is empty: %s", path)
	}
	return text, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	if flagMode != "template" && flagMode != "llm" {
		return fmt.Errorf("unknown mode %q (valid: template, llm)", flagMode)
	}

	verifier := newVerifier()
	if err := verifier.EnsureInstalled(); err != nil {
		return err
	}

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return err
	}

	inputs, err := loadInputs(flagMode == "llm")
	if err != nil {
		return err
	}

	led, err := ledger.Open(cfg.Paths.ResultsRoot)
	if err != nil {
		return err
	}

	p := loop.NewProblemLoop(cfg, client, verifier, led, inputs, cfg.Paths.Domain, cfg.Paths.Output)

	var outcome *loop.Outcome
	if flagMode == "template" {
		outcome, err = p.RunTemplate(ctx)
	} else {
		outcome, err = p.RunDirect(ctx)
	}
	if outcome != nil {
		logger.Info("Generation finished",
			zap.Bool("valid", outcome.Valid),
			zap.Int("attempts", outcome.Attempts),
			zap.Bool("fallback", outcome.FellBack))
	}
	if err != nil {
		return err
	}

	if outcome.FellBack {
		fmt.Println("Generation fell back to the deterministic template.")
	}
	fmt.Printf("Verified problem written to %s (%d attempts)\n", outcome.ProblemPath, outcome.Attempts)
	return nil
}

func runSolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return err
	}

	led, err := ledger.Open(cfg.Paths.ResultsRoot)
	if err != nil {
		return err
	}

	planner := oracle.NewPlanner(cfg.Planner.Binary, cfg.Planner.Args, cfg.PlannerTimeout())
	p := loop.NewPlannerLoop(cfg, client, planner, led, cfg.Paths.Domain, cfg.Paths.Output)

	outcome, err := p.Run(ctx)
	if err != nil {
		return err
	}
	if !outcome.Valid {
		return fmt.Errorf("planner still failing after %d attempts", outcome.Attempts)
	}

	fmt.Printf("Planner solved the problem after %d attempts\n", outcome.Attempts)
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	steps, err := pddl.LoadSteps(args[0])
	if err != nil {
		return err
	}

	lines, err := pddl.BuildPlanLines(steps, !flagNoStatus)
	if err != nil {
		return err
	}

	planPath, err := pddl.WritePlanFile(lines, cfg.Paths.PlanDir, flagPlanName)
	if err != nil {
		return err
	}
	fmt.Printf("Plan written to %s (%d actions)\n", planPath, len(lines))

	if flagNoValidate {
		return nil
	}

	problem := flagProblem
	if problem == "" {
		problem = cfg.Paths.Output
	}

	verifier := newVerifier()
	if err := verifier.EnsureInstalled(); err != nil {
		return err
	}

	taskID := strings.TrimSuffix(filepath.Base(planPath), ".plan")
	run := verifier.Run(ctx, taskID, cfg.Paths.Domain, problem, planPath)
	parsed := classify.Classify(run.RawOutput)

	if parsed.Success {
		fmt.Println("Plan valid.")
		return nil
	}
	fmt.Printf("Plan invalid: %s\n", parsed.Kind)
	if parsed.Signature != "" {
		fmt.Println(parsed.Signature)
	}
	return fmt.Errorf("verification failed")
}

func runSummary(cmd *cobra.Command, args []string) error {
	led, err := ledger.Open(cfg.Paths.ResultsRoot)
	if err != nil {
		return err
	}

	summary, err := led.Summarize()
	if err != nil {
		return err
	}

	fmt.Printf("Records: %d  Valid: %d  Invalid: %d  (rate %.3f)\n",
		summary.TotalRecords, summary.ValidPlans, summary.InvalidPlans, summary.ValidRate)
	for kind, count := range summary.Classification {
		fmt.Printf("  %-26s %d\n", kind, count)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	s, err := store.NewRunStore(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer s.Close()

	var runs []store.ArchivedRun
	if len(args) == 1 {
		runs, err = s.History(args[0], flagLimit)
	} else {
		runs, err = s.RecentRuns(flagLimit)
	}
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No archived runs.")
		return nil
	}
	for _, r := range runs {
		status := "invalid"
		if r.Success {
			status = "valid"
		}
		fmt.Printf("%s  task %-8s %-8s %-8s %s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.TaskID, r.Tool, status, r.Kind)
	}

	stats, err := s.Stats()
	if err != nil {
		return err
	}
	fmt.Println("\nTotals by class:")
	for kind, count := range stats {
		fmt.Printf("  %-26s %d\n", kind, count)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	verifier := newVerifier()
	if err := verifier.EnsureInstalled(); err != nil {
		return err
	}

	w, err := watch.New(cfg.Paths.ProblemDir, cfg.Paths.Domain, verifier)
	if err != nil {
		return err
	}
	w.OnResult = func(r watch.Result) {
		if r.Valid {
			fmt.Printf("%s: valid\n", filepath.Base(r.Path))
			return
		}
		fmt.Printf("%s: %s\n", filepath.Base(r.Path), r.Parsed.Kind)
		if r.Parsed.Signature != "" {
			fmt.Println(r.Parsed.Signature)
		}
	}

	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", cfg.Paths.ProblemDir)
	<-ctx.Done()

	stats := w.GetStats()
	fmt.Printf("\n%d verifications (%d valid, %d invalid)\n",
		stats.Validations, stats.ValidResults, stats.InvalidResults)
	return nil
}
