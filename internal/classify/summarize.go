package classify

import "strings"

// verifier and planner summaries keep only the lines worth sending back to
// the model: keyword-anchored lines plus a little context, order-preserving
// dedup, with a tail fallback when nothing matches.

var verifierKeywords = []string{"error", "errors:", "parser", "line"}

var plannerKeywords = []string{"error", "fatal", "duplicate", "undefined", "unknown", "failed"}

// SummarizeVerifier picks key VAL lines plus one line of context on each
// side for use in repair prompts.
func SummarizeVerifier(output string) string {
	return summarize(output, verifierKeywords, 1, 1, 5)
}

// SummarizePlanner extracts the most relevant error lines from planner
// output, falling back to the last few lines.
func SummarizePlanner(output string) string {
	return summarize(output, plannerKeywords, 1, 1, 6)
}

func summarize(output string, keywords []string, before, after, tailFallback int) string {
	var lines []string
	for _, l := range strings.Split(output, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, strings.TrimSpace(l))
		}
	}

	var keyIdx []int
	for i, line := range lines {
		ll := strings.ToLower(line)
		for _, kw := range keywords {
			if strings.Contains(ll, kw) {
				keyIdx = append(keyIdx, i)
				break
			}
		}
	}

	var picked []string
	for _, i := range keyIdx {
		start := i - before
		if start < 0 {
			start = 0
		}
		end := i + after + 1
		if end > len(lines) {
			end = len(lines)
		}
		picked = append(picked, lines[start:end]...)
	}

	if len(picked) == 0 {
		start := len(lines) - tailFallback
		if start < 0 {
			start = 0
		}
		picked = lines[start:]
	}

	// Dedup while preserving order.
	seen := make(map[string]bool, len(picked))
	var summary []string
	for _, l := range picked {
		if !seen[l] {
			seen[l] = true
			summary = append(summary, l)
		}
	}
	return strings.Join(summary, "\n")
}
