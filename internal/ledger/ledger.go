// Package ledger persists verification outcomes: a raw JSON file per run, a
// compact append-only dataset, and a regenerable summary. Appends are
// idempotent by output hash, so re-running a batch never duplicates records.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"planverd/internal/classify"
	"planverd/internal/logging"
	"planverd/internal/oracle"
)

const (
	rawDirName   = "raw"
	datasetName  = "dataset.jsonl"
	summaryName  = "summary.json"
	timestampFmt = time.RFC3339
)

// Record is the full outcome of one verification run. Raw process output
// lives only in the per-run JSON file; the dataset keeps the compact form.
type Record struct {
	TaskID      string               `json:"task_id"`
	DomainFile  string               `json:"domain_file"`
	ProblemFile string               `json:"problem_file"`
	PlanFile    string               `json:"plan_file,omitempty"`
	Command     string               `json:"command"`
	Timestamp   string               `json:"timestamp"`
	Success     bool                 `json:"success"`
	ExitCode    int                  `json:"exit_code"`
	OutputHash  string               `json:"output_hash"`
	Parsed      classify.ErrorRecord `json:"parsed"`
	Stdout      string               `json:"stdout"`
	Stderr      string               `json:"stderr"`
}

// compactRecord is the dataset.jsonl projection of a Record.
type compactRecord struct {
	TaskID     string               `json:"task_id"`
	Success    bool                 `json:"success"`
	ExitCode   int                  `json:"exit_code"`
	OutputHash string               `json:"output_hash"`
	Parsed     classify.ErrorRecord `json:"parsed"`
	Timestamp  string               `json:"timestamp"`
}

// NewRecord builds a Record from an oracle run and its classification.
func NewRecord(run *oracle.Run, parsed classify.ErrorRecord, domainFile, problemFile, planFile string) *Record {
	return &Record{
		TaskID:      run.TaskID,
		DomainFile:  domainFile,
		ProblemFile: problemFile,
		PlanFile:    planFile,
		Command:     strings.Join(run.Command, " "),
		Timestamp:   run.Timestamp.Format(timestampFmt),
		Success:     parsed.Success,
		ExitCode:    run.ExitCode,
		OutputHash:  run.OutputHash,
		Parsed:      parsed,
		Stdout:      run.Stdout,
		Stderr:      run.Stderr,
	}
}

// AppendResult reports what Append did with a record.
type AppendResult int

const (
	Appended AppendResult = iota
	SkippedDuplicate
)

// Ledger owns a results directory. Safe for concurrent use.
type Ledger struct {
	root string

	mu     sync.Mutex
	hashes map[string]struct{}
}

// Open creates the results layout under root and loads the hashes of
// already-recorded runs.
func Open(root string) (*Ledger, error) {
	if root == "" {
		return nil, fmt.Errorf("results root required")
	}
	if err := os.MkdirAll(filepath.Join(root, rawDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create results directories: %w", err)
	}

	l := &Ledger{root: root, hashes: make(map[string]struct{})}
	if err := l.loadHashes(); err != nil {
		return nil, err
	}
	logging.Ledger("opened ledger at %s (%d existing records)", root, len(l.hashes))
	return l, nil
}

func (l *Ledger) datasetPath() string { return filepath.Join(l.root, datasetName) }
func (l *Ledger) summaryPath() string { return filepath.Join(l.root, summaryName) }

// RawPath returns where the raw record for a task is written.
func (l *Ledger) RawPath(taskID string) string {
	return filepath.Join(l.root, rawDirName, taskID+".json")
}

func (l *Ledger) loadHashes() error {
	f, err := os.Open(l.datasetPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var compact compactRecord
		if err := json.Unmarshal(scanner.Bytes(), &compact); err != nil {
			// Torn or corrupt lines are skipped, not fatal.
			continue
		}
		if compact.OutputHash != "" {
			l.hashes[compact.OutputHash] = struct{}{}
		}
	}
	return scanner.Err()
}

// Reset truncates the dataset. Raw files and the summary are left in place;
// the summary is regenerated on the next Summarize.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.WriteFile(l.datasetPath(), nil, 0644); err != nil {
		return fmt.Errorf("failed to reset dataset: %w", err)
	}
	l.hashes = make(map[string]struct{})
	logging.Ledger("dataset reset")
	return nil
}

// Append writes the raw record and, unless the output hash was already
// recorded, appends the compact form to the dataset.
func (l *Ledger) Append(rec *Record) (AppendResult, error) {
	rawPath := l.RawPath(rec.TaskID)
	rawData, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := os.WriteFile(rawPath, rawData, 0644); err != nil {
		return 0, fmt.Errorf("failed to write raw record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.hashes[rec.OutputHash]; seen {
		logging.LedgerDebug("duplicate output for task %s, dataset append skipped", rec.TaskID)
		return SkippedDuplicate, nil
	}

	compact := compactRecord{
		TaskID:     rec.TaskID,
		Success:    rec.Success,
		ExitCode:   rec.ExitCode,
		OutputHash: rec.OutputHash,
		Parsed:     rec.Parsed,
		Timestamp:  rec.Timestamp,
	}
	line, err := json.Marshal(compact)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal compact record: %w", err)
	}

	f, err := os.OpenFile(l.datasetPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("failed to append record: %w", err)
	}

	l.hashes[rec.OutputHash] = struct{}{}
	logging.Ledger("recorded task %s (%s)", rec.TaskID, rec.Parsed.Kind)
	return Appended, nil
}

// Summary aggregates the dataset by outcome class.
type Summary struct {
	TotalRecords   int            `json:"total_records"`
	ValidPlans     int            `json:"valid_plans"`
	InvalidPlans   int            `json:"invalid_plans"`
	ValidRate      float64        `json:"valid_rate"`
	Classification map[string]int `json:"classification"`
	GeneratedAt    string         `json:"generated_at"`
}

// Summarize recomputes the summary from the dataset and writes summary.json.
// The summary is always derivable from the dataset; it holds no state of its
// own.
func (l *Ledger) Summarize() (*Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	summary := &Summary{
		Classification: make(map[string]int),
		GeneratedAt:    time.Now().Format(timestampFmt),
	}

	f, err := os.Open(l.datasetPath())
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			var compact compactRecord
			if err := json.Unmarshal(scanner.Bytes(), &compact); err != nil {
				continue
			}
			summary.TotalRecords++
			if compact.Parsed.Success {
				summary.ValidPlans++
				summary.Classification[string(classify.KindValid)]++
			} else {
				kind := compact.Parsed.Kind
				if kind == "" {
					kind = classify.KindUnknown
				}
				summary.Classification[string(kind)]++
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	summary.InvalidPlans = summary.TotalRecords - summary.ValidPlans
	if summary.TotalRecords > 0 {
		rate := float64(summary.ValidPlans) / float64(summary.TotalRecords)
		summary.ValidRate = math.Round(rate*1000) / 1000
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.WriteFile(l.summaryPath(), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write summary: %w", err)
	}

	logging.Ledger("summary: %d records, %d valid", summary.TotalRecords, summary.ValidPlans)
	return summary, nil
}
