// internal/trio/engine.go
package trio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mcoda/mcoda/internal/agentapi"
	"github.com/mcoda/mcoda/internal/config"
	"github.com/mcoda/mcoda/internal/gateway"
	"github.com/mcoda/mcoda/internal/jobs"
	"github.com/mcoda/mcoda/internal/rating"
	"github.com/mcoda/mcoda/internal/registry"
	"github.com/mcoda/mcoda/internal/router"
	"github.com/mcoda/mcoda/internal/selector"
	"github.com/mcoda/mcoda/internal/telemetry"
	"github.com/mcoda/mcoda/internal/types"
	"github.com/mcoda/mcoda/internal/workspace"
)

const (
	// JobType is the job type and command name trio jobs carry.
	JobType = "gateway-trio"

	defaultMaxIterations = 3
	defaultMaxCycles     = 5

	reasonDependencyBlocked = "dependency_blocked"
	reasonMaxIterations     = "max_iterations_reached"
)

// Deps wires the engine's collaborators. AdapterFor and Probe default to
// the agentapi implementations; tests override them.
type Deps struct {
	Config   *config.Config
	Store    *workspace.Store
	Registry *registry.Registry
	Ledger   *telemetry.Ledger
	Runtime  *jobs.Runtime
	Selector *selector.Selector
	Router   *router.Router
	Rating   *rating.Service

	AdapterFor func(agent *types.Agent) (agentapi.Adapter, error)
	Probe      func(ctx context.Context, agent *types.Agent) types.HealthStatus

	Log *slog.Logger
}

// Request configures one trio run.
type Request struct {
	Selection     selector.Request
	MaxIterations int
	MaxCycles     int
	Parallel      int
	DryRun        bool
	NoCommit      bool
	ReviewBase    string
	AvoidAgents   []string
	CommandRunID  string

	// ResumeJobID re-enters an interrupted job instead of starting fresh.
	ResumeJobID string
}

// Result is what a finished run reports.
type Result struct {
	Job      *types.Job       `json:"job"`
	State    *types.TrioState `json:"state"`
	Warnings []string         `json:"warnings,omitempty"`
}

// Engine drives tasks through the work/review/qa ladder, checkpointing
// after every step so an interrupted job can resume.
type Engine struct {
	deps Deps
	log  *slog.Logger
}

func New(deps Deps) *Engine {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.AdapterFor == nil {
		cfg := deps.Config
		deps.AdapterFor = func(agent *types.Agent) (agentapi.Adapter, error) {
			return agentapi.ForAgent(agent, cfg)
		}
	}
	if deps.Probe == nil {
		cfg := deps.Config
		deps.Probe = func(ctx context.Context, agent *types.Agent) types.HealthStatus {
			return agentapi.Probe(ctx, agent, cfg)
		}
	}
	return &Engine{deps: deps, log: deps.Log}
}

// run carries the mutable state of one engine invocation.
type run struct {
	req      Request
	job      *types.Job
	state    *types.TrioState
	jobDir   string
	warnings []string

	health     map[string]types.HealthState
	avoid      []string
	handoffSeq int

	explicit map[string]bool
	prereqs  map[string][]string

	parallel bool
	mu       sync.Mutex
}

// Run executes or resumes a trio job until every selected task is terminal,
// a cycle attempts nothing, or the cycle budget runs out.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if req.MaxIterations <= 0 {
		req.MaxIterations = defaultMaxIterations
	}
	if req.MaxCycles <= 0 {
		req.MaxCycles = defaultMaxCycles
	}

	r, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	res := &Result{Job: r.job, State: r.state}

	cycle := r.state.Cycle
	if cycle < 1 {
		cycle = 1
	}
	for ; cycle <= req.MaxCycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return e.abort(res, r, fmt.Errorf("%w: %v", types.ErrCancelled, err))
		}

		r.state.Cycle = cycle
		if err := SaveState(r.jobDir, r.state); err != nil {
			return e.abort(res, r, err)
		}

		attempted, err := e.runCycle(ctx, r)
		if err != nil {
			return e.abort(res, r, err)
		}
		if r.state.AllTerminal() || !attempted {
			break
		}
	}

	return e.finish(res, r)
}

func (e *Engine) prepare(req Request) (*run, error) {
	r := &run{
		req:      req,
		health:   map[string]types.HealthState{},
		avoid:    append([]string(nil), req.AvoidAgents...),
		parallel: req.Parallel > 1,
		explicit: map[string]bool{},
	}
	for _, k := range req.Selection.TaskKeys {
		r.explicit[k] = true
	}

	if req.ResumeJobID != "" {
		job, payload, err := e.deps.Runtime.Resume(req.ResumeJobID, nil)
		if err != nil {
			return nil, err
		}
		r.job = job
		r.jobDir = e.deps.Runtime.Dir(job.ID)

		state, err := LoadState(r.jobDir)
		if err != nil {
			return nil, err
		}
		if state == nil {
			state = types.NewTrioState(job.ID, job.CommandRunID)
		}
		r.state = state
		r.handoffSeq = countSteps(state)

		e.deps.Runtime.AppendLog(job.ID, fmt.Sprintf("resumed at cycle %d with %d tasks tracked",
			state.Cycle, len(state.Tasks)))
		_ = payload // request echo; flags on the resume call already won
		return r, nil
	}

	job, err := e.deps.Runtime.Create(JobType, JobType, req.CommandRunID, requestPayload(req), true)
	if err != nil {
		return nil, err
	}
	if job, err = e.deps.Runtime.Start(job.ID); err != nil {
		return nil, err
	}

	r.job = job
	r.jobDir = e.deps.Runtime.Dir(job.ID)
	r.state = types.NewTrioState(job.ID, req.CommandRunID)
	if err := SaveState(r.jobDir, r.state); err != nil {
		return nil, err
	}
	e.deps.Runtime.AppendLog(job.ID, "gateway-trio started")
	return r, nil
}

// runCycle selects the current task set and pushes every ready task one
// attempt forward. It reports whether any task was attempted.
func (e *Engine) runCycle(ctx context.Context, r *run) (bool, error) {
	sel := r.req.Selection
	sel.OrderByDependencies = true
	selRes, err := e.deps.Selector.Select(sel)
	if err != nil {
		return false, err
	}
	r.warnings = append(r.warnings, selRes.Warnings...)

	edges, err := e.deps.Store.ListDependencies(nil)
	if err != nil {
		return false, err
	}
	dropped := map[types.TaskDependency]bool{}
	for _, edge := range selRes.DroppedEdges {
		dropped[edge] = true
	}
	r.prereqs = map[string][]string{}
	for _, edge := range edges {
		if dropped[edge] {
			continue
		}
		r.prereqs[edge.FromKey] = append(r.prereqs[edge.FromKey], edge.ToKey)
	}

	// Dependency-blocked tasks sit out this cycle. The skip is revisited:
	// a prerequisite finishing in a later cycle puts the task back in play.
	for _, t := range selRes.Blocked {
		p := r.state.Progress(t.Key)
		if p.Status == types.ProgressPending {
			p.Status = types.ProgressSkipped
			p.LastError = reasonDependencyBlocked
		}
	}
	for _, t := range selRes.Ordered {
		p := r.state.Progress(t.Key)
		if p.Status == types.ProgressSkipped && p.LastError == reasonDependencyBlocked {
			p.Status = types.ProgressPending
			p.LastError = ""
		}
	}
	if err := SaveState(r.jobDir, r.state); err != nil {
		return false, err
	}

	if len(selRes.Ordered) == 0 {
		return false, nil
	}

	if r.parallel {
		return e.runCycleParallel(ctx, r, selRes.Ordered)
	}

	attempted := false
	for _, t := range selRes.Ordered {
		ok, err := e.processTask(ctx, r, t.Key)
		if err != nil {
			return attempted, err
		}
		attempted = attempted || ok
	}
	return attempted, nil
}

// runCycleParallel processes independent tasks concurrently. Tasks are
// grouped into dependency levels; within a level a bounded worker set runs
// them, with engine state guarded by the run mutex and adapter calls
// outside it.
func (e *Engine) runCycleParallel(ctx context.Context, r *run, ordered []*types.Task) (bool, error) {
	keys := make([]string, len(ordered))
	byKey := map[string]*types.Task{}
	for i, t := range ordered {
		keys[i] = t.Key
		byKey[t.Key] = t
	}
	edges, err := e.deps.Store.ListDependencies(keys)
	if err != nil {
		return false, err
	}

	levels := dependencyLevels(keys, edges)

	attempted := false
	var firstErr error
	for _, level := range levels {
		if firstErr != nil {
			break
		}
		workers := r.req.Parallel
		if len(level) < workers {
			workers = len(level)
		}
		sem := make(chan struct{}, workers)
		var wg sync.WaitGroup
		var errMu sync.Mutex

		for _, key := range level {
			wg.Add(1)
			sem <- struct{}{}
			go func(key string) {
				defer wg.Done()
				defer func() { <-sem }()

				r.mu.Lock()
				ok, err := e.processTask(ctx, r, key)
				r.mu.Unlock()

				errMu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				attempted = attempted || ok
				errMu.Unlock()
			}(key)
		}
		wg.Wait()
	}
	return attempted, firstErr
}

// dependencyLevels orders keys into waves where every prerequisite of a
// task sits in an earlier wave.
func dependencyLevels(keys []string, edges []types.TaskDependency) [][]string {
	inSet := map[string]bool{}
	for _, k := range keys {
		inSet[k] = true
	}
	prereqs := map[string][]string{}
	for _, e := range edges {
		if inSet[e.FromKey] && inSet[e.ToKey] {
			prereqs[e.FromKey] = append(prereqs[e.FromKey], e.ToKey)
		}
	}

	placed := map[string]bool{}
	var levels [][]string
	remaining := append([]string(nil), keys...)
	for len(remaining) > 0 {
		var level, rest []string
		for _, k := range remaining {
			ready := true
			for _, p := range prereqs[k] {
				if !placed[p] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, k)
			} else {
				rest = append(rest, k)
			}
		}
		if len(level) == 0 {
			// Leftover cycle; the selector should have broken it, but a
			// stray edge must not hang the engine.
			level = rest
			rest = nil
		}
		sort.Strings(level)
		for _, k := range level {
			placed[k] = true
		}
		levels = append(levels, level)
		remaining = rest
	}
	return levels
}

// processTask runs one attempt of the step ladder for a task. It reports
// whether the task was actually attempted.
func (e *Engine) processTask(ctx context.Context, r *run, key string) (bool, error) {
	t, err := e.deps.Store.GetTask(key)
	if err != nil {
		return false, err
	}
	p := r.state.Progress(key)
	if types.IsTerminalProgress(p.Status) {
		return false, nil
	}

	if t.IsTerminal() {
		if t.Status == types.StatusCompleted {
			p.Status = types.ProgressCompleted
		} else {
			p.Status = types.ProgressSkipped
			p.LastError = "task_" + string(t.Status)
		}
		return false, SaveState(r.jobDir, r.state)
	}

	if !r.explicit[key] {
		blocked, err := e.prereqsIncomplete(r, key)
		if err != nil {
			return false, err
		}
		if blocked {
			p.Status = types.ProgressSkipped
			p.LastError = reasonDependencyBlocked
			return false, SaveState(r.jobDir, r.state)
		}
	}

	start := nextStep(p)
	if start == "" {
		// The whole ladder already succeeded; only the bookkeeping was
		// interrupted.
		p.Status = types.ProgressCompleted
		return false, SaveState(r.jobDir, r.state)
	}

	if start == types.StepWork {
		if p.Attempts >= r.req.MaxIterations {
			p.Status = types.ProgressFailed
			p.LastError = reasonMaxIterations
			if !r.req.DryRun {
				e.setTaskStatus(t.Key, types.StatusFailed, reasonMaxIterations, true)
			}
			if err := SaveState(r.jobDir, r.state); err != nil {
				return false, err
			}
			e.finalizeTask(r, t, p)
			return false, nil
		}
		p.Attempts++
	}

	for _, step := range ladderFrom(start) {
		if err := ctx.Err(); err != nil {
			return true, fmt.Errorf("%w: %v", types.ErrCancelled, err)
		}

		res, err := e.runStep(ctx, r, t, p, step)
		if err != nil {
			return true, err
		}

		switch res.Outcome {
		case types.OutcomeSucceeded:
			continue
		case types.OutcomeBlocked:
			p.Status = types.ProgressBlocked
			if !r.req.DryRun {
				e.setTaskStatus(t.Key, types.StatusBlocked, res.Decision, false)
			}
			e.finalizeTask(r, t, p)
			return true, SaveState(r.jobDir, r.state)
		case types.OutcomeSkipped:
			p.Status = types.ProgressSkipped
			e.finalizeTask(r, t, p)
			return true, SaveState(r.jobDir, r.state)
		default: // failed, retry next cycle
			return true, SaveState(r.jobDir, r.state)
		}
	}

	p.Status = types.ProgressCompleted
	if err := SaveState(r.jobDir, r.state); err != nil {
		return true, err
	}
	e.finalizeTask(r, t, p)
	return true, nil
}

// prereqsIncomplete reports whether any prerequisite of the task has not
// completed. Unknown prerequisites count as incomplete.
func (e *Engine) prereqsIncomplete(r *run, key string) (bool, error) {
	for _, pre := range r.prereqs[key] {
		pt, err := e.deps.Store.GetTask(pre)
		if err != nil {
			if errors.Is(err, types.ErrValidation) {
				return true, nil
			}
			return false, err
		}
		if pt.Status != types.StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// nextStep decides where the ladder resumes. A step that succeeded is
// never re-executed; anything else restarts the attempt at work.
func nextStep(p *types.TaskProgress) types.TrioStep {
	if p.LastOutcome != string(types.OutcomeSucceeded) {
		return types.StepWork
	}
	switch p.LastStep {
	case types.StepWork:
		return types.StepReview
	case types.StepReview:
		return types.StepQA
	case types.StepQA:
		return "" // ladder already done
	default:
		return types.StepWork
	}
}

func ladderFrom(start types.TrioStep) []types.TrioStep {
	all := []types.TrioStep{types.StepWork, types.StepReview, types.StepQA}
	for i, s := range all {
		if s == start {
			return all[i:]
		}
	}
	return all
}

// runStep executes one ladder step: analyze, route, invoke, classify,
// persist. Every step leaves a TaskRun row, a handoff file, a job
// checkpoint, and an updated TrioState.
func (e *Engine) runStep(ctx context.Context, r *run, t *types.Task, p *types.TaskProgress, step types.TrioStep) (StepResult, error) {
	if step == types.StepWork && !r.req.DryRun {
		// Retries downgrade ready_to_review/ready_to_qa back to
		// in_progress; that path is engine-only, hence force.
		if t.Status != types.StatusInProgress {
			e.setTaskStatus(t.Key, types.StatusInProgress, "work step", true)
		}
	}

	res, agentSlug := e.executeStep(ctx, r, t, p, step)
	if ctx.Err() != nil {
		return res, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
	}

	if res.Outcome == types.OutcomeSucceeded && !r.req.DryRun {
		if required, ok := statusAfter(step); ok {
			e.setTaskStatus(t.Key, required, string(step)+" succeeded", false)
			fresh, err := e.deps.Store.GetTask(t.Key)
			if err != nil {
				return res, err
			}
			if fresh.Status != required {
				res.Outcome = types.OutcomeFailed
				res.Err = fmt.Sprintf("task not %s after %s step", required, step)
			} else {
				*t = *fresh
			}
		}
	}

	p.LastStep = step
	p.LastOutcome = string(res.Outcome)
	p.LastDecision = res.Decision
	p.LastError = res.Err

	tr := &types.TaskRun{
		CommandRunID: r.job.CommandRunID,
		JobID:        r.job.ID,
		TaskKey:      t.Key,
		Step:         step,
		Attempt:      p.Attempts,
		AgentSlug:    agentSlug,
		Status:       runStatus(res.Outcome),
		Decision:     res.Decision,
		Outcome:      string(res.Outcome),
		Error:        res.Err,
	}
	now := time.Now().UTC()
	tr.FinishedAt = &now
	if err := e.deps.Store.InsertTaskRun(tr); err != nil {
		return res, err
	}

	r.handoffSeq++
	handoff := fmt.Sprintf("# %s %s (attempt %d)\n\nagent: %s\noutcome: %s\ndecision: %s\n\n%s\n",
		t.Key, step, p.Attempts, agentSlug, res.Outcome, res.Decision, res.Summary)
	if err := writeHandoff(r.jobDir, r.handoffSeq, t.Key, step, handoff); err != nil {
		e.log.Warn("handoff not written", "task", t.Key, "step", step, "error", err)
	}

	stage := fmt.Sprintf("task:%s:%s", t.Key, step)
	if _, err := e.deps.Runtime.Checkpoint(r.job.ID, stage, map[string]any{
		"task":    t.Key,
		"attempt": p.Attempts,
		"outcome": string(res.Outcome),
	}); err != nil {
		return res, err
	}
	if err := SaveState(r.jobDir, r.state); err != nil {
		return res, err
	}

	e.deps.Runtime.AppendLog(r.job.ID, fmt.Sprintf("%s %s attempt %d: %s", t.Key, step, p.Attempts, res.Outcome))
	return res, nil
}

// executeStep runs gateway analysis, routes an agent, and invokes it.
// Failures surface as classified outcomes, never as errors; only the
// caller's context can abort.
func (e *Engine) executeStep(ctx context.Context, r *run, t *types.Task, p *types.TaskProgress, step types.TrioStep) (StepResult, string) {
	analysis, err := e.analyze(ctx, r, t)
	if err != nil {
		if errors.Is(err, types.ErrCancelled) {
			return StepResult{Outcome: types.OutcomeFailed, Err: err.Error()}, ""
		}
		return StepResult{Outcome: types.OutcomeFailed, Err: "gateway: " + err.Error()}, ""
	}

	choice, err := e.route(ctx, r, analysis, step)
	if err != nil {
		// No reachable agent leaves the task blocked rather than burning
		// retries.
		return StepResult{Outcome: types.OutcomeBlocked, Err: err.Error()}, ""
	}
	recordChoice(p, step, choice.Agent.Slug)

	adapter, err := e.deps.AdapterFor(choice.Agent)
	if err != nil {
		return StepResult{Outcome: types.OutcomeFailed, Err: err.Error()}, choice.Agent.Slug
	}

	invokeReq := &agentapi.InvokeRequest{
		Prompt:  stepPrompt(step, t, analysis),
		TaskKey: t.Key,
		Step:    string(step),
		Timeout: e.deps.Config.Routing.StepTimeout,
	}
	out, err := r.invoke(ctx, adapter, invokeReq)
	if err != nil {
		if errors.Is(err, types.ErrAgentUnreachable) {
			r.avoid = append(r.avoid, choice.Agent.Slug)
		}
		return StepResult{Outcome: types.OutcomeFailed, Err: err.Error()}, choice.Agent.Slug
	}
	e.recordUsage(r, t, string(step), choice.Agent.Slug, out)

	switch step {
	case types.StepWork:
		return classifyWork(out.Output), choice.Agent.Slug
	case types.StepReview:
		return classifyReview(out.Output), choice.Agent.Slug
	default:
		return classifyQA(out.Output), choice.Agent.Slug
	}
}

// invoke releases the run mutex around the agent call in parallel mode so
// independent tasks overlap on the slow part only.
func (r *run) invoke(ctx context.Context, adapter agentapi.Adapter, req *agentapi.InvokeRequest) (*agentapi.InvokeResult, error) {
	if !r.parallel {
		return adapter.Invoke(ctx, req)
	}
	r.mu.Unlock()
	defer r.mu.Lock()
	return adapter.Invoke(ctx, req)
}

// analyze asks the gateway agent for a structured plan.
func (e *Engine) analyze(ctx context.Context, r *run, t *types.Task) (*gateway.Analysis, error) {
	agent, err := e.gatewayAgent(ctx, r)
	if err != nil {
		return nil, err
	}
	adapter, err := e.deps.AdapterFor(agent)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(&usageRecordingAdapter{engine: e, run: r, task: t, agent: agent.Slug, inner: adapter}, e.log)
	return gw.Analyze(ctx, t, gateway.PromptContext{})
}

// gatewayAgent picks the best-rated reachable agent for analysis.
func (e *Engine) gatewayAgent(ctx context.Context, r *run) (*types.Agent, error) {
	agents, err := e.deps.Registry.ListAgents()
	if err != nil {
		return nil, err
	}

	sort.Slice(agents, func(i, j int) bool {
		if agents[i].ReasoningRating != agents[j].ReasoningRating {
			return agents[i].ReasoningRating > agents[j].ReasoningRating
		}
		return agents[i].Slug < agents[j].Slug
	})
	for _, a := range agents {
		if e.healthOf(ctx, r, a) != types.HealthUnreachable {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no reachable gateway agent", types.ErrAgentUnreachable)
}

// route picks the execution agent for a step from the analysis.
func (e *Engine) route(ctx context.Context, r *run, analysis *gateway.Analysis, step types.TrioStep) (*router.Selection, error) {
	agents, err := e.deps.Registry.ListAgents()
	if err != nil {
		return nil, err
	}

	candidates := make([]router.Candidate, 0, len(agents))
	for _, a := range agents {
		candidates = append(candidates, router.Candidate{Agent: a, Health: e.healthOf(ctx, r, a)})
	}

	req := router.Request{
		Complexity:   analysis.Complexity,
		RequiredCaps: []string{analysis.Discipline},
		Avoid:        r.avoid,
	}
	if step != types.StepWork {
		req.PreferredCaps = []string{"qa"}
	}
	return e.deps.Router.Select(req, candidates)
}

// healthOf probes an agent once per run.
func (e *Engine) healthOf(ctx context.Context, r *run, a *types.Agent) types.HealthState {
	if h, ok := r.health[a.Slug]; ok {
		return h
	}
	h := e.deps.Probe(ctx, a).Status
	r.health[a.Slug] = h
	return h
}

// finalizeTask folds the finished task into the work agent's rating.
func (e *Engine) finalizeTask(r *run, t *types.Task, p *types.TaskProgress) {
	agent := p.ChosenAgents.Work
	if agent == "" || e.deps.Rating == nil {
		return
	}

	var quality float64
	switch p.Status {
	case types.ProgressCompleted:
		quality = 10 - 2*float64(p.Attempts-1)
		if quality < 5 {
			quality = 5
		}
	case types.ProgressBlocked:
		quality = 4
	case types.ProgressFailed:
		quality = 2
	default:
		return // skipped tasks rate nobody
	}

	cost, durationMs := e.taskSpend(r.job.ID, t.Key)
	in := rating.RunInput{
		AgentSlug:       agent,
		JobID:           r.job.ID,
		TaskKey:         t.Key,
		Complexity:      complexityOf(t),
		QualityScore:    quality,
		TotalCost:       cost,
		DurationSeconds: float64(durationMs) / 1000,
		Iterations:      p.Attempts,
	}
	if _, err := e.deps.Rating.RateRun(in, r.jobDir); err != nil {
		e.log.Warn("run rating failed", "agent", agent, "task", t.Key, "error", err)
	}
}

// taskSpend sums the recorded usage for one task within the job.
func (e *Engine) taskSpend(jobID, taskKey string) (cost float64, durationMs int64) {
	events, err := e.deps.Ledger.Query(telemetry.Filter{JobID: jobID, TaskKey: taskKey}, 1, 1000)
	if err != nil {
		return 0, 0
	}
	for _, ev := range events {
		if ev.CostEstimate != nil {
			cost += *ev.CostEstimate
		}
		durationMs += ev.EffectiveDurationMs()
	}
	return cost, durationMs
}

func (e *Engine) recordUsage(r *run, t *types.Task, action, agentSlug string, out *agentapi.InvokeResult) {
	if out == nil || out.Usage == nil {
		return
	}
	u := *out.Usage
	u.ProjectKey = r.req.Selection.ProjectKey
	u.AgentSlug = agentSlug
	u.JobID = r.job.ID
	u.CommandRunID = r.job.CommandRunID
	u.TaskKey = t.Key
	u.Command = JobType
	u.Action = action
	u.InvocationKind = out.Adapter
	u.Provider = out.Adapter
	if u.Model == "" {
		u.Model = out.Model
	}
	if err := e.deps.Ledger.Record(&u); err != nil {
		e.log.Warn("usage not recorded", "task", t.Key, "error", err)
	}
}

func (e *Engine) setTaskStatus(key string, to types.TaskStatus, reason string, force bool) {
	if err := e.deps.Store.UpdateTaskStatus(key, to, "trio-engine", reason, force); err != nil {
		e.log.Warn("task status not updated", "task", key, "to", to, "error", err)
	}
}

func (e *Engine) finish(res *Result, r *run) (*Result, error) {
	res.Warnings = r.warnings

	if r.state.AllCompleted() {
		if _, err := e.deps.Runtime.Checkpoint(r.job.ID, "completed", nil); err != nil {
			return res, err
		}
		job, err := e.deps.Runtime.Finish(r.job.ID, types.JobCompleted, "")
		if err != nil {
			return res, err
		}
		res.Job = job
		return res, nil
	}

	summary := errorSummary(r.state)
	if _, err := e.deps.Runtime.Checkpoint(r.job.ID, "completed", map[string]any{"summary": summary}); err != nil {
		return res, err
	}
	job, err := e.deps.Runtime.Finish(r.job.ID, types.JobPartial, summary)
	if err != nil {
		return res, err
	}
	res.Job = job
	return res, nil
}

// abort maps a run-stopping error to the job's terminal state.
func (e *Engine) abort(res *Result, r *run, err error) (*Result, error) {
	state := types.JobFailed
	if errors.Is(err, types.ErrCancelled) {
		state = types.JobCancelled
	}
	if job, ferr := e.deps.Runtime.Finish(r.job.ID, state, err.Error()); ferr == nil {
		res.Job = job
	}
	e.deps.Runtime.AppendLog(r.job.ID, "aborted: "+err.Error())
	return res, err
}

func errorSummary(st *types.TrioState) string {
	var done int
	var parts []string
	keys := make([]string, 0, len(st.Tasks))
	for k := range st.Tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := st.Tasks[k]
		switch p.Status {
		case types.ProgressCompleted:
			done++
		case types.ProgressFailed, types.ProgressBlocked, types.ProgressSkipped:
			reason := p.LastError
			if reason == "" {
				reason = string(p.Status)
			}
			parts = append(parts, fmt.Sprintf("%s %s (%s)", k, p.Status, reason))
		default:
			parts = append(parts, fmt.Sprintf("%s unfinished", k))
		}
	}
	return fmt.Sprintf("%d/%d tasks completed; %s", done, len(st.Tasks), strings.Join(parts, "; "))
}

func statusAfter(step types.TrioStep) (types.TaskStatus, bool) {
	switch step {
	case types.StepWork:
		return types.StatusReadyToReview, true
	case types.StepReview:
		return types.StatusReadyToQA, true
	case types.StepQA:
		return types.StatusCompleted, true
	}
	return "", false
}

func runStatus(o types.StepOutcome) types.TaskRunStatus {
	switch o {
	case types.OutcomeSucceeded:
		return types.TaskRunSucceeded
	case types.OutcomeBlocked:
		return types.TaskRunBlocked
	case types.OutcomeSkipped:
		return types.TaskRunSkipped
	default:
		return types.TaskRunFailed
	}
}

func recordChoice(p *types.TaskProgress, step types.TrioStep, slug string) {
	switch step {
	case types.StepWork:
		p.ChosenAgents.Work = slug
	case types.StepReview:
		p.ChosenAgents.Review = slug
	case types.StepQA:
		p.ChosenAgents.QA = slug
	}
}

func complexityOf(t *types.Task) int {
	if t.Metadata != nil {
		if v, ok := t.Metadata["complexity"]; ok {
			switch n := v.(type) {
			case float64:
				return int(n)
			case int:
				return n
			}
		}
	}
	if t.StoryPoints > 0 && t.StoryPoints <= 10 {
		return t.StoryPoints
	}
	return 5
}

func countSteps(st *types.TrioState) int {
	n := 0
	for _, p := range st.Tasks {
		n += p.Attempts
	}
	return n
}

func requestPayload(req Request) map[string]any {
	payload := map[string]any{
		"max_iterations": req.MaxIterations,
		"max_cycles":     req.MaxCycles,
	}
	if req.Selection.ProjectKey != "" {
		payload["project"] = req.Selection.ProjectKey
	}
	if len(req.Selection.TaskKeys) > 0 {
		payload["tasks"] = req.Selection.TaskKeys
	}
	if len(req.Selection.Statuses) > 0 {
		statuses := make([]string, len(req.Selection.Statuses))
		for i, s := range req.Selection.Statuses {
			statuses[i] = string(s)
		}
		payload["statuses"] = statuses
	}
	if req.Parallel > 0 {
		payload["parallel"] = req.Parallel
	}
	if req.DryRun {
		payload["dry_run"] = true
	}
	if req.NoCommit {
		payload["no_commit"] = true
	}
	if req.ReviewBase != "" {
		payload["review_base"] = req.ReviewBase
	}
	return payload
}

// usageRecordingAdapter wraps the gateway adapter so analysis calls land
// in the telemetry ledger like every other invocation.
type usageRecordingAdapter struct {
	engine *Engine
	run    *run
	task   *types.Task
	agent  string
	inner  agentapi.Adapter
}

func (a *usageRecordingAdapter) Invoke(ctx context.Context, req *agentapi.InvokeRequest) (*agentapi.InvokeResult, error) {
	out, err := a.run.invoke(ctx, a.inner, req)
	if err != nil {
		return nil, err
	}
	a.engine.recordUsage(a.run, a.task, "gateway", a.agent, out)
	return out, nil
}

func (a *usageRecordingAdapter) HealthCheck(ctx context.Context) types.HealthStatus {
	return a.inner.HealthCheck(ctx)
}
