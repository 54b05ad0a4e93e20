// Package classify maps raw verifier and planner output to a structured
// ErrorRecord. Classification is pure and deterministic: the same input text
// always yields the same record.
package classify

import (
	"regexp"
	"strings"
)

// Kind is one label from the closed error taxonomy.
type Kind string

const (
	KindValid                   Kind = "valid"
	KindUnsatisfiedPrecondition Kind = "unsatisfied_precondition"
	KindTypeError               Kind = "type_error"
	KindBadPlan                 Kind = "bad_plan"
	KindParserError             Kind = "parser_error"
	KindSegfault                Kind = "segfault"
	KindUnknown                 Kind = "unknown"
)

// ErrorRecord is the classifier's structured judgment of one verification
// run. Success is true iff Kind is KindValid.
type ErrorRecord struct {
	Success   bool   `json:"success"`
	Kind      Kind   `json:"error_type"`
	Signature string `json:"error_signature"`
	Message   string `json:"message"`
}

// patternEntry pairs a kind with its matcher. The table below is evaluated
// top to bottom and the first match wins, so entry order encodes priority:
// semantic kinds outrank structural kinds outrank crash catch-alls. Keep it
// a slice; map iteration order must never decide classification.
type patternEntry struct {
	kind Kind
	re   *regexp.Regexp
}

var errorPatterns = []patternEntry{
	// Semantic errors
	{KindUnsatisfiedPrecondition, regexp.MustCompile(`unsatisfied precondition`)},
	{KindTypeError, regexp.MustCompile(`type problem`)},

	// Plan format / structure errors
	{KindBadPlan, regexp.MustCompile(`bad plan description`)},
	{KindBadPlan, regexp.MustCompile(`bad plan`)},
	{KindBadPlan, regexp.MustCompile(`failed plans`)},

	// Parser / IO errors
	{KindParserError, regexp.MustCompile(`parser`)},
	{KindParserError, regexp.MustCompile(`failed to read`)},

	// System / crash errors
	{KindSegfault, regexp.MustCompile(`segmentation fault|core dumped`)},
}

var planValidRe = regexp.MustCompile(`(?m)^\s*plan valid\s*$`)

// Signature context window around the anchoring line.
const (
	signatureLinesBefore = 5
	signatureLinesAfter  = 10
	signatureFallbackLen = 800
	messageLimit         = 2000
)

// Classify parses raw verifier output into an ErrorRecord. It never fails:
// unmatched text is classified as KindUnknown.
func Classify(raw string) ErrorRecord {
	lower := strings.ToLower(raw)

	if planValidRe.MatchString(lower) {
		return ErrorRecord{
			Success:   true,
			Kind:      KindValid,
			Signature: "Plan valid",
			Message:   "Plan valid",
		}
	}

	cleaned := stripNoise(raw)

	kind, signature := extractSignature(cleaned)
	if signature == "" && kind != KindUnknown {
		signature = "Unrecognized error pattern"
	}
	if kind == KindUnknown {
		signature = ""
	}

	msg := cleaned
	if len(msg) > messageLimit {
		msg = msg[:messageLimit]
	}

	return ErrorRecord{
		Success:   false,
		Kind:      kind,
		Signature: signature,
		Message:   msg,
	}
}

// stripNoise removes type-checking progress banners that VAL prints in
// verbose mode; they carry no diagnostic weight and bloat signatures.
func stripNoise(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		low := strings.ToLower(line)
		if strings.HasPrefix(low, "type-checking") {
			continue
		}
		if strings.Contains(low, "...action passes type checking") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// extractSignature finds the first matching pattern in the full text, then
// locates the first matching line and returns its surrounding context window.
// When the pattern only matches across line boundaries, the head of the text
// is returned instead.
func extractSignature(text string) (Kind, string) {
	lower := strings.ToLower(text)
	lines := strings.Split(text, "\n")

	for _, entry := range errorPatterns {
		if !entry.re.MatchString(lower) {
			continue
		}

		for idx, line := range lines {
			if entry.re.MatchString(strings.ToLower(line)) {
				start := idx - signatureLinesBefore
				if start < 0 {
					start = 0
				}
				end := idx + signatureLinesAfter
				if end > len(lines) {
					end = len(lines)
				}
				snippet := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
				return entry.kind, snippet
			}
		}

		// Pattern matched globally but not on any single line.
		head := text
		if len(head) > signatureFallbackLen {
			head = head[:signatureFallbackLen]
		}
		return entry.kind, strings.TrimSpace(head)
	}

	return KindUnknown, ""
}
