package classify

import "strings"

// CoarseKind is the two-valued classification used by the planner repair
// loop: a structural failure needs a naming/declaration fix, a semantic one
// means the planner ran to completion without finding a plan.
type CoarseKind string

const (
	CoarseStructural CoarseKind = "structural"
	CoarseSemantic   CoarseKind = "semantic"
)

// structuralKeywords mark translator, parser, and declaration failures.
var structuralKeywords = []string{
	"duplicate object",
	"translator",
	"parse",
	"unknown",
	"undefined",
	"constant",
}

// Coarse classifies a planner log at the structural/semantic grain.
func Coarse(log string) CoarseKind {
	l := strings.ToLower(log)
	for _, kw := range structuralKeywords {
		if strings.Contains(l, kw) {
			return CoarseStructural
		}
	}
	return CoarseSemantic
}
