// internal/gateway/gateway.go
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mcoda/mcoda/internal/agentapi"
	"github.com/mcoda/mcoda/internal/types"
)

// Analysis is the structured plan the gateway agent produces for a task.
type Analysis struct {
	Summary            string   `json:"summary"`
	ReasoningSummary   string   `json:"reasoningSummary,omitempty"`
	CurrentState       string   `json:"currentState,omitempty"`
	Todo               string   `json:"todo,omitempty"`
	Understanding      string   `json:"understanding,omitempty"`
	Plan               []string `json:"plan"`
	Complexity         int      `json:"complexity"`
	Discipline         string   `json:"discipline"`
	FilesLikelyTouched []string `json:"filesLikelyTouched"`
	FilesToCreate      []string `json:"filesToCreate"`
	Assumptions        []string `json:"assumptions,omitempty"`
	Risks              []string `json:"risks,omitempty"`
	DocdexNotes        []string `json:"docdexNotes,omitempty"`
}

var disciplines = map[string]bool{
	"code": true, "docs": true, "qa": true, "ops": true, "research": true,
}

// PromptContext carries the prompt layers composed into one analysis
// request.
type PromptContext struct {
	JobPrompt       string
	CharacterPrompt string
	CommandPrompt   string
	RepoMemory      string
	UserProfile     string
	ResearchSummary string
}

// repairAttempts is how many extra invocations a malformed reply gets.
const repairAttempts = 2

// Gateway asks an analysis agent to turn a task into a structured plan.
type Gateway struct {
	adapter agentapi.Adapter
	log     *slog.Logger
}

func New(adapter agentapi.Adapter, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{adapter: adapter, log: log}
}

// Analyze produces an analysis for the task, retrying with a repair prompt
// when the reply cannot be parsed or is missing required fields.
func (g *Gateway) Analyze(ctx context.Context, task *types.Task, pctx PromptContext) (*Analysis, error) {
	prompt := buildPrompt(task, pctx)

	var lastProblem string
	for attempt := 0; attempt <= repairAttempts; attempt++ {
		p := prompt
		if attempt > 0 {
			p = prompt + "\n\n" + repairPrompt(lastProblem)
		}

		res, err := g.adapter.Invoke(ctx, &agentapi.InvokeRequest{
			Prompt:  p,
			TaskKey: task.Key,
			Step:    "gateway",
		})
		if err != nil {
			return nil, err
		}

		analysis, problem := parseAnalysis(res.Output)
		if problem == "" {
			if analysis.Complexity > 10 {
				analysis.Complexity = 10
			}
			return analysis, nil
		}
		lastProblem = problem
		g.log.Warn("gateway reply rejected", "task", task.Key, "attempt", attempt+1, "problem", problem)
	}

	return nil, fmt.Errorf("%w: analysis for %s still invalid after %d repair attempts: %s",
		types.ErrGatewayUnparseable, task.Key, repairAttempts, lastProblem)
}

func buildPrompt(task *types.Task, pctx PromptContext) string {
	var b strings.Builder
	section := func(title, body string) {
		body = stripRoutingGuidance(body)
		if strings.TrimSpace(body) == "" {
			return
		}
		b.WriteString("## " + title + "\n")
		b.WriteString(strings.TrimSpace(body))
		b.WriteString("\n\n")
	}

	section("Job", pctx.JobPrompt)
	section("Character", pctx.CharacterPrompt)
	section("Command", pctx.CommandPrompt)
	section("Repository memory", pctx.RepoMemory)
	section("User profile", pctx.UserProfile)
	section("Research", pctx.ResearchSummary)

	b.WriteString("## Task\n")
	fmt.Fprintf(&b, "Key: %s\nTitle: %s\n", task.Key, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	b.WriteString("\nReply with a single JSON object containing: summary, reasoningSummary, currentState, todo, understanding, plan, complexity (1-10), discipline (code|docs|qa|ops|research), filesLikelyTouched, filesToCreate, assumptions, risks, docdexNotes.\n")
	return b.String()
}

// stripRoutingGuidance removes lines meant only for the routing layer so
// analysis agents never see model steering hints.
func stripRoutingGuidance(s string) string {
	if s == "" {
		return s
	}
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "routing gateway") {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(lower), "model:") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func repairPrompt(problem string) string {
	return "Your previous reply was rejected: " + problem + " Reply again with one complete JSON object."
}

// parseAnalysis extracts and validates the JSON object from an agent reply.
// The returned problem string is empty on success.
func parseAnalysis(output string) (*Analysis, string) {
	raw := extractJSON(output)
	if raw == "" {
		return nil, "no JSON object found."
	}

	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, "JSON did not parse: " + err.Error() + "."
	}

	var missing []string
	if strings.TrimSpace(a.Summary) == "" {
		missing = append(missing, "summary")
	}
	if a.FilesLikelyTouched == nil {
		missing = append(missing, "filesLikelyTouched")
	}
	if a.FilesToCreate == nil {
		missing = append(missing, "filesToCreate")
	}
	if a.Complexity < 1 {
		missing = append(missing, "complexity")
	}
	if len(a.Plan) == 0 {
		missing = append(missing, "plan")
	}
	if !disciplines[a.Discipline] {
		missing = append(missing, "discipline")
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, "missing required fields: " + strings.Join(missing, ", ") + "."
	}
	return &a, ""
}

// extractJSON returns the first balanced top-level JSON object in the
// text, tolerating fenced code blocks and prose around it.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
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
