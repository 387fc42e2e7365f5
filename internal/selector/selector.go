// internal/selector/selector.go
package selector

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mcoda/mcoda/internal/types"
	"github.com/mcoda/mcoda/internal/workspace"
)

// Request narrows and orders the candidate task set. Zero values match
// everything. Tasks named in TaskKeys are explicit requests and bypass the
// blocked classification.
type Request struct {
	ProjectKey          string
	EpicKey             string
	StoryKey            string
	TaskKeys            []string
	Statuses            []types.TaskStatus
	Limit               int
	Parallel            int
	OrderByDependencies bool
	StageOrder          []string
}

// Impact counts how many tasks depend on a given task.
type Impact struct {
	Direct int `json:"direct"`
	Total  int `json:"total"`
}

// Result is the selection plan of record.
type Result struct {
	Ordered      []*types.Task          `json:"ordered"`
	Blocked      []*types.Task          `json:"blocked"`
	Warnings     []string               `json:"warnings,omitempty"`
	Impact       map[string]Impact      `json:"impact,omitempty"`
	DroppedEdges []types.TaskDependency `json:"dropped_edges,omitempty"`
}

// Selector loads candidate tasks from the workspace store and produces a
// dependency-aware ordering.
type Selector struct {
	store *workspace.Store
	log   *slog.Logger
}

func New(store *workspace.Store, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{store: store, log: log}
}

// Select runs the full pipeline: load candidates, break cycles, classify
// blocked tasks, topologically order the rest.
func (s *Selector) Select(req Request) (*Result, error) {
	statuses := req.Statuses
	if len(statuses) == 0 {
		statuses = types.DefaultSelectableStatuses
	}

	tasks, err := s.store.ListTasks(workspace.TaskFilter{
		ProjectKey: req.ProjectKey,
		EpicKey:    req.EpicKey,
		StoryKey:   req.StoryKey,
		TaskKeys:   req.TaskKeys,
		Statuses:   statuses,
	})
	if err != nil {
		return nil, fmt.Errorf("load candidate tasks: %w", err)
	}

	res := &Result{Impact: map[string]Impact{}}

	candidates := map[string]*types.Task{}
	for _, t := range tasks {
		if types.IsTerminalStatus(t.Status) {
			continue
		}
		candidates[t.Key] = t
	}
	if len(candidates) == 0 {
		return res, nil
	}

	explicit := map[string]bool{}
	for _, k := range req.TaskKeys {
		explicit[k] = true
	}

	edges, err := s.store.ListDependencies(nil)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}

	// Split edges: prerequisites inside the candidate set form the graph;
	// prerequisites outside it decide the blocked classification.
	var graphEdges []types.TaskDependency
	blockedKeys := map[string]bool{}
	for _, e := range edges {
		if _, ok := candidates[e.FromKey]; !ok {
			continue
		}
		if _, ok := candidates[e.ToKey]; ok {
			graphEdges = append(graphEdges, e)
			continue
		}
		if explicit[e.FromKey] {
			continue
		}
		prereq, err := s.store.GetTask(e.ToKey)
		if err != nil {
			if errors.Is(err, types.ErrValidation) {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("task %s depends on unknown task %s", e.FromKey, e.ToKey))
				blockedKeys[e.FromKey] = true
				continue
			}
			return nil, err
		}
		if prereq.Status != types.StatusCompleted {
			blockedKeys[e.FromKey] = true
		}
	}

	ready := map[string]*types.Task{}
	for k, t := range candidates {
		if blockedKeys[k] {
			res.Blocked = append(res.Blocked, t)
		} else {
			ready[k] = t
		}
	}
	sort.Slice(res.Blocked, func(i, j int) bool { return res.Blocked[i].Key < res.Blocked[j].Key })

	// Restrict the graph to the tasks being ordered.
	graphEdges = filterEdges(graphEdges, ready)

	if req.OrderByDependencies {
		graphEdges, err = s.breakCycles(graphEdges, ready, res)
		if err != nil {
			return nil, err
		}
	}

	computeImpact(graphEdges, ready, res.Impact)

	ordered, err := topoSort(graphEdges, ready, res.Impact, stageRanks(req.StageOrder), req.OrderByDependencies)
	if err != nil {
		return nil, err
	}
	res.Ordered = ordered

	if req.Limit > 0 && len(res.Ordered) > req.Limit {
		res.Ordered = res.Ordered[:req.Limit]
	}
	for _, w := range res.Warnings {
		s.log.Warn("task selection", "warning", w)
	}
	return res, nil
}

func filterEdges(edges []types.TaskDependency, nodes map[string]*types.Task) []types.TaskDependency {
	var out []types.TaskDependency
	for _, e := range edges {
		if _, ok := nodes[e.FromKey]; !ok {
			continue
		}
		if _, ok := nodes[e.ToKey]; !ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

// breakCycles finds strongly connected components and, for each component
// larger than one task, drops the edge whose target sorts last. Repeats
// until the graph is acyclic.
func (s *Selector) breakCycles(edges []types.TaskDependency, nodes map[string]*types.Task, res *Result) ([]types.TaskDependency, error) {
	for pass := 0; pass <= len(edges); pass++ {
		sccs := tarjan(edges, nodes)
		var cyclic [][]string
		for _, scc := range sccs {
			if len(scc) > 1 {
				cyclic = append(cyclic, scc)
			}
		}
		if len(cyclic) == 0 {
			return edges, nil
		}

		for _, scc := range cyclic {
			sort.Strings(scc)
			member := map[string]bool{}
			for _, k := range scc {
				member[k] = true
			}
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("dependency cycle among tasks %s", strings.Join(scc, ", ")))

			drop := types.TaskDependency{}
			for _, e := range edges {
				if !member[e.FromKey] || !member[e.ToKey] {
					continue
				}
				if drop.ToKey == "" || e.ToKey > drop.ToKey || (e.ToKey == drop.ToKey && e.FromKey > drop.FromKey) {
					drop = e
				}
			}
			var kept []types.TaskDependency
			for _, e := range edges {
				if e == drop {
					continue
				}
				kept = append(kept, e)
			}
			edges = kept
			res.DroppedEdges = append(res.DroppedEdges, drop)
		}
	}
	return nil, fmt.Errorf("%w: dependency cycles survived edge removal", types.ErrFatal)
}

// tarjan returns the strongly connected components of the prerequisite
// graph, following edges from dependent to prerequisite.
func tarjan(edges []types.TaskDependency, nodes map[string]*types.Task) [][]string {
	adj := map[string][]string{}
	for _, e := range edges {
		adj[e.FromKey] = append(adj[e.FromKey], e.ToKey)
	}

	var keys []string
	for k := range nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	index := map[string]int{}
	lowlink := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	next := 0
	var sccs [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = next
		lowlink[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := index[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, k := range keys {
		if _, seen := index[k]; !seen {
			strongconnect(k)
		}
	}
	return sccs
}

// computeImpact counts dependents per task: direct edges in, and the full
// transitive closure via reverse breadth-first walk.
func computeImpact(edges []types.TaskDependency, nodes map[string]*types.Task, out map[string]Impact) {
	dependents := map[string][]string{}
	for _, e := range edges {
		dependents[e.ToKey] = append(dependents[e.ToKey], e.FromKey)
	}

	for k := range nodes {
		seen := map[string]bool{}
		queue := append([]string(nil), dependents[k]...)
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			if seen[v] {
				continue
			}
			seen[v] = true
			queue = append(queue, dependents[v]...)
		}
		out[k] = Impact{Direct: len(dependents[k]), Total: len(seen)}
	}
}

func stageRanks(order []string) map[string]int {
	if len(order) == 0 {
		return nil
	}
	ranks := map[string]int{}
	for i, s := range order {
		ranks[strings.ToLower(strings.TrimSpace(s))] = i
	}
	return ranks
}

// topoSort runs Kahn's algorithm over the prerequisite graph. Among ready
// tasks it prefers the configured stage order, then higher priority, larger
// transitive impact, smaller story points, and finally the key.
func topoSort(edges []types.TaskDependency, nodes map[string]*types.Task, impact map[string]Impact, stages map[string]int, strict bool) ([]*types.Task, error) {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for k := range nodes {
		indegree[k] = 0
	}
	for _, e := range edges {
		indegree[e.FromKey]++
		dependents[e.ToKey] = append(dependents[e.ToKey], e.FromKey)
	}

	rank := func(t *types.Task) int {
		if stages == nil {
			return 0
		}
		if r, ok := stages[strings.ToLower(t.Stage)]; ok {
			return r
		}
		return len(stages)
	}
	less := func(a, b *types.Task) bool {
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra < rb
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if ia, ib := impact[a.Key].Total, impact[b.Key].Total; ia != ib {
			return ia > ib
		}
		if a.StoryPoints != b.StoryPoints {
			return a.StoryPoints < b.StoryPoints
		}
		return a.Key < b.Key
	}

	var frontier []*types.Task
	for k, t := range nodes {
		if indegree[k] == 0 {
			frontier = append(frontier, t)
		}
	}

	var out []*types.Task
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })
		head := frontier[0]
		frontier = frontier[1:]
		out = append(out, head)

		for _, dep := range dependents[head.Key] {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, nodes[dep])
			}
		}
	}

	if len(out) != len(nodes) {
		if strict {
			return nil, fmt.Errorf("%w: topological sort left %d tasks unordered", types.ErrFatal, len(nodes)-len(out))
		}
		// Without dependency ordering the leftover cyclic tasks are still
		// returned, sorted by the tie-break alone.
		var rest []*types.Task
		seen := map[string]bool{}
		for _, t := range out {
			seen[t.Key] = true
		}
		for k, t := range nodes {
			if !seen[k] {
				rest = append(rest, t)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return less(rest[i], rest[j]) })
		out = append(out, rest...)
	}
	return out, nil
}
