// Package pddl provides lightweight helpers for PDDL problem and plan text:
// extraction of model output, cheap local syntax checks, and rendering of the
// deterministic fallback problem. None of this is a PDDL parser; the checks
// exist only to avoid spending an external verifier round trip on candidates
// that are obviously malformed.
package pddl

import (
	"fmt"
	"strings"
)

// requiredSections must all be present (lowercased match) for a candidate
// problem to pass the quick check.
var requiredSections = []string{":domain", "(:objects", "(:init", "(:goal"}

// ExtractProblem strips markdown code fences and leading commentary, keeping
// content from the first "(define" onward.
func ExtractProblem(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.Trim(t, "`")
		t = strings.TrimSpace(t)
		// Remove optional leading language tag.
		if len(t) >= 4 && strings.EqualFold(t[:4], "pddl") {
			t = strings.TrimSpace(t[4:])
		}
	}
	if idx := strings.Index(strings.ToLower(t), "(define"); idx >= 0 {
		t = t[idx:]
	}
	return strings.TrimSpace(t)
}

// QuickCheck runs local sanity checks before any verifier call: balanced
// parentheses and presence of the required structural sections. Returns
// (false, reason) on the first failure.
func QuickCheck(text string) (bool, string) {
	balance := 0
	for _, ch := range text {
		switch ch {
		case '(':
			balance++
		case ')':
			balance--
			if balance < 0 {
				return false, "parenthesis imbalance detected (extra ')')"
			}
		}
	}
	if balance != 0 {
		return false, "parenthesis imbalance detected (extra '(')"
	}

	low := strings.ToLower(text)
	for _, token := range requiredSections {
		if !strings.Contains(low, token) {
			return false, fmt.Sprintf("missing required section: %s", token)
		}
	}
	return true, ""
}

// SanitizeProblemName returns a safe problem name limited to [a-z0-9_],
// or the fallback when nothing survives.
func SanitizeProblemName(name, fallback string) string {
	var b strings.Builder
	for _, ch := range strings.ToLower(name) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '_' {
			b.WriteRune(ch)
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}

// DomainTypes extracts the declared type names from the domain's (:types
// block as a space-separated string, for "unknown type" repair hints.
func DomainTypes(domainText string) string {
	lines := strings.Split(domainText, "\n")
	var block []string
	capture := false
	for _, line := range lines {
		if strings.Contains(line, "(:types") {
			capture = true
			block = append(block, line)
			continue
		}
		if capture {
			block = append(block, line)
			if strings.Contains(line, ")") {
				break
			}
		}
	}
	joined := strings.Join(block, " ")
	joined = strings.ReplaceAll(joined, "(:types", "")
	joined = strings.ReplaceAll(joined, ")", "")

	var tokens []string
	for _, tok := range strings.Fields(joined) {
		if tok != "-" {
			tokens = append(tokens, tok)
		}
	}
	return strings.Join(tokens, " ")
}

// problemTemplate is the fixed, previously-known-valid problem shape used by
// template mode and by the exhaustion fallback. Only the problem name varies.
const problemTemplate = `(define (problem %s)
  (:domain mobileworld_generic)

  (:objects
    home_screen search_screen results_screen - screen
    search_button back_button - target
    search_field - field
    query_text - text
    success_status - goal_status
    up down - direction
  )

  (:init
    (at-screen home_screen)

    (target-visible search_button home_screen)
    (field-visible search_field home_screen)

    (click-transition search_button home_screen search_screen)
    (back-link search_screen home_screen)

    (scroll-transition down search_screen results_screen)
  )

  (:goal
    (and
      (status-set success_status)
    )
  )
)`

// RenderTemplate renders the deterministic problem template with a sanitized
// problem name.
func RenderTemplate(problemName string) string {
	return fmt.Sprintf(problemTemplate, SanitizeProblemName(problemName, "problem"))
}

// FallbackProblem is the deterministic safe artifact used when the repair
// budget is exhausted.
func FallbackProblem() string {
	return RenderTemplate("fallback_demo")
}
