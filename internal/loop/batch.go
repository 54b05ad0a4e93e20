package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"planverd/internal/classify"
	"planverd/internal/ledger"
	"planverd/internal/logging"
	"planverd/internal/oracle"
	"planverd/internal/store"
)

const problemSuffix = ".problem.pddl"

// Batch validates every (problem, plan) pair in a directory layout against
// one domain and records the outcomes in the ledger, plus the run archive
// when one is configured.
type Batch struct {
	Verifier *oracle.Verifier
	Ledger   *ledger.Ledger
	Store    *store.RunStore

	DomainFile string
	ProblemDir string
	PlanDir    string
	Parallel   int
}

// BatchResult aggregates one batch run.
type BatchResult struct {
	RunID   string
	Tasks   []string
	Skipped []string
	Valid   int
	Summary *ledger.Summary
}

// DiscoverTasks lists task IDs with both a problem and a plan file, sorted.
// Problems without a matching plan are reported separately and skipped.
func (b *Batch) DiscoverTasks() (tasks, skipped []string, err error) {
	entries, err := os.ReadDir(b.ProblemDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read problem directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, problemSuffix) {
			continue
		}
		taskID := strings.SplitN(name, ".", 2)[0]
		if _, err := os.Stat(b.planPath(taskID)); err != nil {
			skipped = append(skipped, taskID)
			continue
		}
		tasks = append(tasks, taskID)
	}
	sort.Strings(tasks)
	sort.Strings(skipped)
	return tasks, skipped, nil
}

func (b *Batch) problemPath(taskID string) string {
	return filepath.Join(b.ProblemDir, taskID+problemSuffix)
}

func (b *Batch) planPath(taskID string) string {
	return filepath.Join(b.PlanDir, taskID+".plan")
}

// Run resets the dataset, validates every discovered task, and regenerates
// the summary. With Parallel > 1 tasks run concurrently; ledger and store
// writes are serialized internally.
func (b *Batch) Run(ctx context.Context) (*BatchResult, error) {
	tasks, skipped, err := b.DiscoverTasks()
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		RunID:   uuid.NewString(),
		Tasks:   tasks,
		Skipped: skipped,
	}
	for _, taskID := range skipped {
		logging.LoopWarn("plan missing for task %s, skipped", taskID)
	}
	logging.Loop("batch %s: %d tasks", result.RunID, len(tasks))

	if err := b.Ledger.Reset(); err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryLoop, "batch validation")
	defer timer.Stop()

	parallel := b.Parallel
	if parallel < 1 {
		parallel = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	validCh := make(chan string, len(tasks))
	for _, taskID := range tasks {
		taskID := taskID
		g.Go(func() error {
			parsed, err := b.validateTask(gctx, result.RunID, taskID)
			if err != nil {
				return err
			}
			if parsed.Success {
				validCh <- taskID
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(validCh)
	for range validCh {
		result.Valid++
	}

	summary, err := b.Ledger.Summarize()
	if err != nil {
		return nil, err
	}
	result.Summary = summary
	return result, nil
}

func (b *Batch) validateTask(ctx context.Context, runID, taskID string) (classify.ErrorRecord, error) {
	problemFile := b.problemPath(taskID)
	planFile := b.planPath(taskID)

	run := b.Verifier.Run(ctx, taskID, b.DomainFile, problemFile, planFile)
	parsed := classify.Classify(run.RawOutput)
	logging.Classify("task %s: %s", taskID, parsed.Kind)
	if parsed.Signature != "" {
		logging.ClassifyDebug("task %s signature:\n%s", taskID, parsed.Signature)
	}

	rec := ledger.NewRecord(run, parsed, b.DomainFile, problemFile, planFile)
	if _, err := b.Ledger.Append(rec); err != nil {
		return parsed, fmt.Errorf("task %s: %w", taskID, err)
	}

	if b.Store != nil {
		if _, err := b.Store.Archive(runID, store.ToolVerifier, run, parsed); err != nil {
			logging.StoreError("task %s: archive failed: %v", taskID, err)
		}
	}
	return parsed, nil
}
