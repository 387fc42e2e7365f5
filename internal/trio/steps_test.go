// internal/trio/steps_test.go
package trio

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcoda/mcoda/internal/types"
)

func TestClassifyWork(t *testing.T) {
	cases := []struct {
		name    string
		output  string
		outcome types.StepOutcome
		errPart string
	}{
		{"succeeded", `{"outcome":"succeeded","summary":"done"}`, types.OutcomeSucceeded, ""},
		{"failed", `{"outcome":"failed","summary":"tests red"}`, types.OutcomeFailed, ""},
		{"blocked", `{"outcome":"blocked","summary":"missing creds"}`, types.OutcomeBlocked, ""},
		{"skipped", `{"outcome":"skipped","summary":"already done"}`, types.OutcomeSkipped, ""},
		{"unknown signal", `{"outcome":"maybe"}`, types.OutcomeFailed, "unknown work outcome"},
		{"prose around json", "Sure, here you go:\n```json\n{\"outcome\":\"succeeded\"}\n```", types.OutcomeSucceeded, ""},
		{"no json", "it went fine", types.OutcomeFailed, "unparseable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := classifyWork(tc.output)
			assert.Equal(t, tc.outcome, res.Outcome)
			if tc.errPart != "" {
				assert.Contains(t, res.Err, tc.errPart)
			}
		})
	}
}

func TestClassifyReview(t *testing.T) {
	cases := []struct {
		decision string
		outcome  types.StepOutcome
	}{
		{"approve", types.OutcomeSucceeded},
		{"revise", types.OutcomeFailed},
		{"block", types.OutcomeBlocked},
	}
	for _, tc := range cases {
		res := classifyReview(`{"decision":"` + tc.decision + `","summary":"s"}`)
		assert.Equal(t, tc.outcome, res.Outcome, tc.decision)
		assert.Equal(t, tc.decision, res.Decision)
	}

	res := classifyReview(`{"decision":"lgtm"}`)
	assert.Equal(t, types.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Err, "unknown review decision")
}

func TestClassifyQA(t *testing.T) {
	cases := []struct {
		verdict string
		outcome types.StepOutcome
	}{
		{"pass", types.OutcomeSucceeded},
		{"fix_required", types.OutcomeFailed},
		{"unclear", types.OutcomeFailed},
		{"infra_issue", types.OutcomeBlocked},
	}
	for _, tc := range cases {
		res := classifyQA(`{"outcome":"` + tc.verdict + `","summary":"s"}`)
		assert.Equal(t, tc.outcome, res.Outcome, tc.verdict)
	}
}

func TestExtractObjectBalancesNestedBraces(t *testing.T) {
	out := extractObject(`noise {"a":{"b":"}"},"c":1} trailing`)
	assert.Equal(t, `{"a":{"b":"}"},"c":1}`, out)

	assert.Empty(t, extractObject("no object here"))
	assert.Empty(t, extractObject(`{"unterminated":`))
}

func TestNextStepResumesAfterSuccess(t *testing.T) {
	p := &types.TaskProgress{}
	assert.Equal(t, types.StepWork, nextStep(p))

	p.LastStep = types.StepWork
	p.LastOutcome = string(types.OutcomeSucceeded)
	assert.Equal(t, types.StepReview, nextStep(p))

	p.LastStep = types.StepReview
	assert.Equal(t, types.StepQA, nextStep(p))

	p.LastStep = types.StepQA
	assert.Equal(t, types.TrioStep(""), nextStep(p))

	// Anything short of success restarts the ladder.
	p.LastStep = types.StepQA
	p.LastOutcome = string(types.OutcomeFailed)
	assert.Equal(t, types.StepWork, nextStep(p))
}

func TestDependencyLevels(t *testing.T) {
	keys := []string{"T1", "T2", "T3", "T4"}
	edges := []types.TaskDependency{
		{FromKey: "T2", ToKey: "T1"},
		{FromKey: "T3", ToKey: "T1"},
		{FromKey: "T4", ToKey: "T2"},
	}

	levels := dependencyLevels(keys, edges)
	assert.Equal(t, [][]string{{"T1"}, {"T2", "T3"}, {"T4"}}, levels)
}
