// Package repair builds the generation and repair prompts fed to the model,
// and selects the right repair strategy from classified failure evidence.
package repair

import (
	"fmt"
	"strings"

	"planverd/internal/classify"
	"planverd/internal/logging"
)

// System instructions used across the generation and repair flows.
const (
	SystemGenerator = "You are a precise PDDL problem generator."
	SystemDebugger  = "You are a precise PDDL problem debugger."
)

// Inputs bundles the task context shared by generation and repair prompts.
type Inputs struct {
	Task   string
	Rules  string
	App    string
	Domain string
}

// BuildNamePrompt asks the model for a problem name only. Used in template
// mode where the PDDL itself is deterministic.
func BuildNamePrompt(task string) string {
	return strings.TrimSpace(fmt.Sprintf(`
You are given a user task.

[User Task]
%s

Your task:
- Propose a short problem name summarizing the task.
- Use only lowercase letters, numbers, and underscores.
- Do NOT generate any PDDL.
- Output ONLY a JSON object in the following format:

{
  "problem_name": "..."
}
`, task))
}

// BuildProblemPrompt asks the model for a complete problem file.
func BuildProblemPrompt(in Inputs) string {
	return strings.TrimSpace(fmt.Sprintf(`
You are a PDDL expert.

Your task is to generate a valid PDDL problem.pddl file
based on the following information.

====================
[User Task]
%s

====================
[System Rules]
%s

====================
[Application Description]
%s

====================
[PDDL Domain]
%s

====================
Output requirements:
- Output ONLY the PDDL problem text (no markdown, no code fences, no commentary).
- The problem must strictly conform to the given domain.
- All objects, predicates, and types must be declared.
- Use meaningful object names.
- Ensure the problem includes (:domain mobileworld_generic).

CRITICAL PDDL SYNTAX RULES:
- In :objects, every object MUST be declared with a type using the format:
  object1 object2 - type
- Do NOT use string literals or quotation marks.
- Do NOT use (not ...) in :init. Absence means false.
- Every symbol must be declared with a type from the domain.
- Declare directions explicitly if used (e.g., up down - direction).
- Keep parentheses balanced; no extra comments.

SEMANTIC REQUIREMENTS (VERY IMPORTANT):

- The goal MUST NOT be satisfied by executing the status action alone.
  A problem whose goal is only (status-set ...) is INVALID for this task.

- The goal MUST include at least ONE task-related constraint derived from the domain, such as:
  - being at a specific screen using (at-screen ?s)
  - having text entered using (text-entered ?txt) or (field-has-text ?f ?txt)
  - answering a text using (answered ?txt)

- The initial state and objects MUST be constructed so that the above constraints are meaningful
  and achievable using the actions in the domain.

- The problem should require at least TWO actions to reach the goal
  (i.e., not a trivial one-step solution).

- All objects used in goal predicates MUST be declared in :objects with correct types.

- The chosen goal constraints MUST reflect the user task, not arbitrary predicates.

EXAMPLES OF INVALID GOALS:
- (and (status-set success_status))
- Any goal that can be satisfied without navigating, typing, or answering.

EXAMPLES OF VALID GOALS:
- (and (at-screen results_screen) (status-set success_status))
- (and (field-has-text search_field query_text) (status-set success_status))
- (and (answered result_text) (status-set success_status))
`, in.Task, in.Rules, in.App, in.Domain))
}

// BuildVerifierRepairPrompt asks the model to fix a problem rejected by the
// verifier, forwarding the full error output.
func BuildVerifierRepairPrompt(in Inputs, previousProblem, verifierError string) string {
	return strings.TrimSpace(fmt.Sprintf(`
You are a PDDL expert and debugger.

The previously generated PDDL problem is INVALID.

[User Task]
%s

[System Rules]
%s

[Application Description]
%s

[PDDL Domain]
%s

[Previous problem.pddl]
%s

[VAL Error Output]
%s

Instructions (follow all):
- Fix ONLY the issues indicated by VAL / type errors; keep other structure unchanged.
- Ensure :domain remains mobileworld_generic.
- Do NOT introduce new predicates or types beyond the domain; all objects must use a domain type.
- In :objects, every object MUST have a type using the form: obj1 obj2 - type (do not put types alone on a line).
- If VAL reports "unknown type X", declare X in :objects with a valid domain type (do NOT treat object names as types).
- If VAL reports "incorrectly typed", verify each predicate/action argument matches the domain signature and the object's declared type.
- No comments, no markdown, balanced parentheses only.
Output ONLY the corrected full problem.pddl.
`, in.Task, in.Rules, in.App, in.Domain, previousProblem, verifierError))
}

// AugmentUnknownType appends the available domain types to a verifier error
// when it mentions an unknown type, so the repair prompt can name the valid
// alternatives.
func AugmentUnknownType(verifierError, typesHint string) string {
	if typesHint == "" || !strings.Contains(strings.ToLower(verifierError), "unknown type") {
		return verifierError
	}
	return verifierError + "\nAvailable types: " + typesHint
}

// BuildPlannerStructuralPrompt targets naming and declaration problems the
// planner's translator rejected.
func BuildPlannerStructuralPrompt(previousProblem, plannerLog, domain string) string {
	return strings.TrimSpace(fmt.Sprintf(`
You are a PDDL expert.

The planner failed due to a STRUCTURAL or NAMING error
(e.g., duplicate objects, invalid constants, parser issues).

====================
[Planner Error]
%s

====================
[PDDL Domain]
%s

====================
[Previous problem.pddl]
%s

====================

Your task:
- Fix ONLY the structural / naming issue reported by the planner.
- Do NOT change the task semantics.
- You MAY rename or remove conflicting objects.
- Keep the domain unchanged.
- Do NOT invent new predicates or types.
- Output ONLY the corrected full problem.pddl.
`, plannerLog, domain, previousProblem))
}

// BuildPlannerSemanticPrompt targets a syntactically valid problem the
// planner could not solve, walking the model backward through the causal
// chain from goal to initial state.
func BuildPlannerSemanticPrompt(previousProblem, plannerLog, domain string) string {
	return strings.TrimSpace(fmt.Sprintf(`
You are a PDDL planning expert.

The problem is syntactically valid, but the planner FAILED to find a plan.

====================
[Planner Log]
%s

====================
[PDDL Domain]
%s

====================
[Previous problem.pddl]
%s

====================

CRITICAL REASONING TASK (you MUST follow this):
1. Identify which action can achieve each goal predicate.
2. For each such action, list ALL required preconditions.
3. Check whether each precondition is achievable from the initial state.
4. Identify the FIRST unreachable predicate in the causal chain.
5. Modify the problem to make that predicate achievable.

HINT (very important):
- To achieve (field-has-text ?f ?txt), the action input_text is required.
- input_text REQUIRES (focused ?f).
- A field becomes focused ONLY via click_focus_field, double_tap_focus_field, or long_press_focus_field.
- These actions require corresponding predicates:
    (click-focus ?target ?screen ?field)
    (doubletap-focus ...)
    (longpress-focus ...)

If no such predicate exists in :init, you MUST ADD one.

RULES:
- You MAY modify :objects, :init, and :goal.
- Keep the domain unchanged.
- Do NOT invent new predicates or types.
- Prefer minimal changes that make the plan solvable.
- Output ONLY the corrected full problem.pddl.

EXPECTED TYPE OF FIX:
Add a missing focus relationship, for example:
    (click-focus search_button search_screen search_field)
`, plannerLog, domain, previousProblem))
}

// SelectPlanner picks the planner repair prompt from a coarse failure class.
func SelectPlanner(kind classify.CoarseKind, previousProblem, plannerLog, domain string) string {
	logging.Loop("planner repair strategy: %s", kind)
	if kind == classify.CoarseStructural {
		return BuildPlannerStructuralPrompt(previousProblem, plannerLog, domain)
	}
	return BuildPlannerSemanticPrompt(previousProblem, plannerLog, domain)
}
