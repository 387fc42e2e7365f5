// internal/trio/steps.go
package trio

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mcoda/mcoda/internal/gateway"
	"github.com/mcoda/mcoda/internal/types"
)

// StepResult is one classified step execution.
type StepResult struct {
	Outcome  types.StepOutcome
	Decision string // raw executor signal: outcome, review decision, or qa verdict
	Summary  string
	Err      string
}

// workReply is the JSON shape a work executor returns.
type workReply struct {
	Outcome string `json:"outcome"`
	Summary string `json:"summary"`
	Error   string `json:"error"`
}

// reviewReply is the JSON shape a review agent returns.
type reviewReply struct {
	Decision string `json:"decision"`
	Summary  string `json:"summary"`
	Severity string `json:"severity,omitempty"`
}

// qaReply is the JSON shape a QA agent returns.
type qaReply struct {
	Outcome string `json:"outcome"`
	Summary string `json:"summary"`
}

// classifyWork maps an executor signal to a step outcome.
func classifyWork(output string) StepResult {
	var rep workReply
	if err := decodeReply(output, &rep); err != nil {
		return StepResult{Outcome: types.OutcomeFailed, Err: "unparseable work reply: " + err.Error()}
	}

	res := StepResult{Decision: rep.Outcome, Summary: rep.Summary, Err: rep.Error}
	switch rep.Outcome {
	case "succeeded":
		res.Outcome = types.OutcomeSucceeded
	case "blocked":
		res.Outcome = types.OutcomeBlocked
	case "skipped":
		res.Outcome = types.OutcomeSkipped
	case "failed":
		res.Outcome = types.OutcomeFailed
	default:
		res.Outcome = types.OutcomeFailed
		res.Err = fmt.Sprintf("unknown work outcome %q", rep.Outcome)
	}
	return res
}

// classifyReview maps approve/revise/block to succeeded/failed/blocked.
func classifyReview(output string) StepResult {
	var rep reviewReply
	if err := decodeReply(output, &rep); err != nil {
		return StepResult{Outcome: types.OutcomeFailed, Err: "unparseable review reply: " + err.Error()}
	}

	res := StepResult{Decision: rep.Decision, Summary: rep.Summary}
	switch rep.Decision {
	case "approve":
		res.Outcome = types.OutcomeSucceeded
	case "revise":
		res.Outcome = types.OutcomeFailed
	case "block":
		res.Outcome = types.OutcomeBlocked
	default:
		res.Outcome = types.OutcomeFailed
		res.Err = fmt.Sprintf("unknown review decision %q", rep.Decision)
	}
	return res
}

// classifyQA maps pass/fix_required/unclear/infra_issue to step outcomes.
// Infra issues block: retrying the task will not fix the environment.
func classifyQA(output string) StepResult {
	var rep qaReply
	if err := decodeReply(output, &rep); err != nil {
		return StepResult{Outcome: types.OutcomeFailed, Err: "unparseable qa reply: " + err.Error()}
	}

	res := StepResult{Decision: rep.Outcome, Summary: rep.Summary}
	switch rep.Outcome {
	case "pass":
		res.Outcome = types.OutcomeSucceeded
	case "fix_required", "unclear":
		res.Outcome = types.OutcomeFailed
	case "infra_issue":
		res.Outcome = types.OutcomeBlocked
	default:
		res.Outcome = types.OutcomeFailed
		res.Err = fmt.Sprintf("unknown qa outcome %q", rep.Outcome)
	}
	return res
}

func decodeReply(output string, v any) error {
	raw := extractObject(output)
	if raw == "" {
		return fmt.Errorf("no JSON object in reply")
	}
	return json.Unmarshal([]byte(raw), v)
}

// extractObject finds the first balanced JSON object, tolerating prose and
// code fences around it.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth, inString, escaped := 0, false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// stepPrompt builds the instruction an execution agent receives for one
// ladder step.
func stepPrompt(step types.TrioStep, task *types.Task, analysis *gateway.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s: %s\n\n", task.Key, task.Title)
	if task.Description != "" {
		b.WriteString(task.Description + "\n\n")
	}
	if analysis != nil {
		fmt.Fprintf(&b, "## Plan (complexity %d, %s)\n", analysis.Complexity, analysis.Discipline)
		b.WriteString(analysis.Summary + "\n")
		for _, p := range analysis.Plan {
			b.WriteString("- " + p + "\n")
		}
		b.WriteString("\n")
	}

	switch step {
	case types.StepWork:
		b.WriteString("Implement the task. Reply with JSON: {\"outcome\": \"succeeded|failed|blocked|skipped\", \"summary\": \"...\"}.\n")
	case types.StepReview:
		b.WriteString("Review the implementation. Reply with JSON: {\"decision\": \"approve|revise|block\", \"summary\": \"...\"}.\n")
	case types.StepQA:
		b.WriteString("Verify the task end to end. Reply with JSON: {\"outcome\": \"pass|fix_required|unclear|infra_issue\", \"summary\": \"...\"}.\n")
	}
	return b.String()
}
