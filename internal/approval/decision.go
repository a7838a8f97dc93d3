// ABOUTME: Maps free-form user text onto approve/reject verdicts
// ABOUTME: Anything unrecognized is a non-decision, never an implicit rejection

package approval

import "strings"

// Verdict is the outcome of parsing a user message as an approval decision.
type Verdict int

const (
	// VerdictNone means the text was not a decision at all.
	VerdictNone Verdict = iota
	VerdictApprove
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictApprove:
		return "approve"
	case VerdictReject:
		return "reject"
	default:
		return "none"
	}
}

// ParseDecision interprets user text as a decision on a pending approval.
// Matching is case-insensitive on the whole trimmed message; partial matches
// ("yes please do it") are deliberately not decisions.
func ParseDecision(text string) Verdict {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "approve", "yes", "y", "ok":
		return VerdictApprove
	case "reject", "no", "n", "cancel":
		return VerdictReject
	default:
		return VerdictNone
	}
}
