package scenario

import "fmt"

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue describes a single problem found in a flow's step graph.
type ValidationIssue struct {
	Severity ValidationSeverity
	StepID   string
	Message  string
}

// ValidationResult holds the outcome of validating a flow.
type ValidationResult struct {
	Valid  bool
	Issues []ValidationIssue
}

// inputConsumingTypes are step types that consume caller input, breaking a
// would-be infinite self-cycle (spec.md §9: "no step has a self-cycle
// without an intervening input-consuming step").
var inputConsumingTypes = map[string]bool{
	StepRecord:          true,
	StepClassifyIntent:  true,
	StepCheckRetryLimit: true,
	StepPlayPrompt:      true,
	StepConfirmNumber:   true,
}

// terminalTypes need no outgoing reference.
var terminalTypes = map[string]bool{
	StepDisconnect: true,
	StepHangup:     true,
	StepWait:       true,
}

// ValidateFlow checks a step graph for referential integrity: every
// referenced step id exists, and no step is a bare self-cycle.
func ValidateFlow(flow []Step) *ValidationResult {
	result := &ValidationResult{Valid: true, Issues: []ValidationIssue{}}

	if len(flow) == 0 {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{Severity: SeverityError, Message: "flow has no steps"})
		return result
	}

	byID := make(map[string]Step, len(flow))
	for _, s := range flow {
		if _, dup := byID[s.StepID]; dup {
			result.Valid = false
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityError, StepID: s.StepID,
				Message: fmt.Sprintf("duplicate step id %q", s.StepID),
			})
			continue
		}
		byID[s.StepID] = s
	}

	if _, ok := EntryStep(flow); !ok {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{Severity: SeverityError, Message: "flow has no entry step"})
	}

	checkRef := func(from, field, target string) {
		if target == "" {
			return
		}
		if _, ok := byID[target]; !ok {
			result.Valid = false
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityError, StepID: from,
				Message: fmt.Sprintf("%s references non-existent step %q", field, target),
			})
		}
	}

	for _, s := range flow {
		switch s.Type {
		case StepEntry:
			checkRef(s.StepID, "next", s.Next)
		case StepPlayPrompt:
			checkRef(s.StepID, "next", s.Next)
		case StepRecord:
			checkRef(s.StepID, "next", s.Next)
			checkRef(s.StepID, "on_empty", s.OnEmpty)
			checkRef(s.StepID, "on_failure", s.OnFailure)
		case StepClassifyIntent:
			checkRef(s.StepID, "next", s.Next)
			checkRef(s.StepID, "on_failure", s.OnFailure)
		case StepRouteByIntent:
			if len(s.Routes) == 0 {
				result.Valid = false
				result.Issues = append(result.Issues, ValidationIssue{
					Severity: SeverityError, StepID: s.StepID, Message: "route_by_intent has no routes",
				})
			}
			for intent, target := range s.Routes {
				checkRef(s.StepID, "routes["+intent+"]", target)
			}
		case StepCheckRetryLimit:
			checkRef(s.StepID, "within_limit", s.WithinLimit)
			checkRef(s.StepID, "exceeded", s.Exceeded)
		case StepSetResult:
			checkRef(s.StepID, "next", s.Next)
		case StepTransferToOperator:
			checkRef(s.StepID, "on_success", s.OnSuccess)
			checkRef(s.StepID, "on_failure", s.OnFailure)
		case StepConfirmNumber:
			checkRef(s.StepID, "next", s.Next)
			checkRef(s.StepID, "on_no_match", s.OnNoMatch)
		case StepDisconnect, StepHangup, StepWait:
			// terminal; no outgoing reference required.
		default:
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityWarning, StepID: s.StepID,
				Message: fmt.Sprintf("unrecognized step type %q", s.Type),
			})
		}

		if selfCyclesWithoutInput(s) {
			result.Valid = false
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityError, StepID: s.StepID,
				Message: fmt.Sprintf("step %q cycles to itself without consuming input", s.StepID),
			})
		}
	}

	return result
}

func selfCyclesWithoutInput(s Step) bool {
	if inputConsumingTypes[s.Type] {
		return false
	}
	targets := []string{s.Next, s.OnEmpty, s.OnFailure, s.WithinLimit, s.Exceeded, s.OnSuccess, s.OnNoMatch}
	for _, t := range s.Routes {
		targets = append(targets, t)
	}
	for _, t := range targets {
		if t == s.StepID {
			return true
		}
	}
	return false
}
