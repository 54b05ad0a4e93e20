package repair

import (
	"strings"
	"testing"

	"planverd/internal/classify"
)

var testInputs = Inputs{
	Task:   "search for cats",
	Rules:  "no scrolling past results",
	App:    "a mobile search app",
	Domain: "(define (domain mobileworld_generic))",
}

func TestBuildNamePrompt(t *testing.T) {
	p := BuildNamePrompt("search for cats")

	if !strings.Contains(p, "search for cats") {
		t.Error("task text missing")
	}
	if !strings.Contains(p, `"problem_name"`) {
		t.Error("JSON schema missing")
	}
	if !strings.Contains(p, "Do NOT generate any PDDL") {
		t.Error("name-only constraint missing")
	}
	if strings.HasPrefix(p, "\n") || strings.HasSuffix(p, "\n") {
		t.Error("prompt must be trimmed")
	}
}

func TestBuildProblemPrompt(t *testing.T) {
	p := BuildProblemPrompt(testInputs)

	for _, want := range []string{
		"[User Task]",
		"[System Rules]",
		"[Application Description]",
		"[PDDL Domain]",
		"search for cats",
		"no scrolling past results",
		"a mobile search app",
		"mobileworld_generic",
		"CRITICAL PDDL SYNTAX RULES",
		"SEMANTIC REQUIREMENTS",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildVerifierRepairPrompt(t *testing.T) {
	p := BuildVerifierRepairPrompt(testInputs, "(define (problem old))", "unknown type widget")

	if !strings.Contains(p, "(define (problem old))") {
		t.Error("previous problem missing")
	}
	if !strings.Contains(p, "unknown type widget") {
		t.Error("verifier error missing")
	}
	if !strings.Contains(p, "Fix ONLY the issues indicated by VAL") {
		t.Error("repair constraint missing")
	}
}

func TestAugmentUnknownType(t *testing.T) {
	got := AugmentUnknownType("Unknown type: widget", "screen target field")
	if !strings.Contains(got, "Available types: screen target field") {
		t.Errorf("types hint not appended: %q", got)
	}

	unchanged := AugmentUnknownType("unsatisfied precondition", "screen target")
	if strings.Contains(unchanged, "Available types") {
		t.Error("hint must only apply to unknown type errors")
	}

	if got := AugmentUnknownType("Unknown type: x", ""); strings.Contains(got, "Available types") {
		t.Error("empty hint must not be appended")
	}
}

func TestSelectPlanner(t *testing.T) {
	structural := SelectPlanner(classify.CoarseStructural, "prev", "duplicate object foo", "dom")
	if !strings.Contains(structural, "STRUCTURAL or NAMING error") {
		t.Error("structural failures need the naming-fix prompt")
	}

	semantic := SelectPlanner(classify.CoarseSemantic, "prev", "search exhausted", "dom")
	if !strings.Contains(semantic, "FAILED to find a plan") {
		t.Error("semantic failures need the causal-chain prompt")
	}
	if !strings.Contains(semantic, "CRITICAL REASONING TASK") {
		t.Error("semantic prompt must include the reasoning steps")
	}

	for _, p := range []string{structural, semantic} {
		if !strings.Contains(p, "prev") || !strings.Contains(p, "dom") {
			t.Error("problem and domain must be embedded")
		}
		if !strings.Contains(p, "Output ONLY the corrected full problem.pddl.") {
			t.Error("output contract missing")
		}
	}
}
