package pddl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Step is one action of a natural-language plan as emitted by the generator:
// an action name plus ordered arguments.
type Step struct {
	Step   int             `json:"step"`
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args"`
}

type stepsDocument struct {
	Steps []Step `json:"steps"`
}

// LoadSteps reads a steps JSON document and returns the steps ordered by
// their step number when every entry carries one.
func LoadSteps(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read steps file: %w", err)
	}

	var doc stepsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse steps JSON: %w", err)
	}
	if doc.Steps == nil {
		return nil, fmt.Errorf("steps array missing in %s", path)
	}

	numbered := true
	for _, s := range doc.Steps {
		if s.Step == 0 {
			numbered = false
			break
		}
	}
	if numbered {
		sort.SliceStable(doc.Steps, func(i, j int) bool {
			return doc.Steps[i].Step < doc.Steps[j].Step
		})
	}
	return doc.Steps, nil
}

// FormatAction converts one step into a PDDL plan line, preserving the JSON
// key order of the args object.
func FormatAction(action string, args json.RawMessage) (string, error) {
	parts := []string{action}

	if len(args) > 0 && string(args) != "null" {
		values, err := orderedValues(args)
		if err != nil {
			return "", err
		}
		parts = append(parts, values...)
	}
	return "(" + strings.Join(parts, " ") + ")", nil
}

// orderedValues decodes a JSON object keeping key order, returning the values
// as strings.
func orderedValues(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid args object: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("args must be a JSON object, got %v", tok)
	}

	var values []string
	for dec.More() {
		if _, err := dec.Token(); err != nil { // key
			return nil, err
		}
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		values = append(values, fmt.Sprintf("%v", v))
	}
	return values, nil
}

// BuildPlanLines converts steps into plan lines. Unless appendStatus is
// disabled or a status action already exists, a terminating
// "(status complete)" line is appended.
func BuildPlanLines(steps []Step, appendStatus bool) ([]string, error) {
	var lines []string
	hasStatus := false
	for _, s := range steps {
		if s.Action == "" {
			return nil, fmt.Errorf("step %d missing action", s.Step)
		}
		if s.Action == "status" {
			hasStatus = true
		}
		line, err := FormatAction(s.Action, s.Args)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", s.Step, err)
		}
		lines = append(lines, line)
	}

	if appendStatus && !hasStatus {
		lines = append(lines, "(status complete)")
	}
	return lines, nil
}

// WritePlanFile writes plan lines into outdir, generating a timestamped file
// name when planName is empty. Returns the written path.
func WritePlanFile(lines []string, outdir, planName string) (string, error) {
	if err := os.MkdirAll(outdir, 0755); err != nil {
		return "", fmt.Errorf("failed to create plan directory: %w", err)
	}
	if planName == "" {
		planName = fmt.Sprintf("plan_%s.plan", time.Now().Format("20060102_150405"))
	}
	path := filepath.Join(outdir, planName)
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write plan: %w", err)
	}
	return path, nil
}
