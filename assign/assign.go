// Package assign implements the commit-to-branch assigner (spec §4.6): it
// takes a set of pushed refs and decides, for every commit reachable in the
// push, which depot branch(es) it belongs to.
package assign

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/emicklei/dot"
	"github.com/rcowham/gitp4fusion/branch"
	"github.com/sirupsen/logrus"
)

// RefUpdate is one pre-receive tuple: a ref moving from OldSha to NewSha.
type RefUpdate struct {
	OldSha string // empty for a newly created ref
	NewSha string
	Ref    string // Git ref short name, e.g. "master"
}

// CommitLister abstracts the object-mirror-backed commit DAG source: given
// a set of "from" tips and a set of "stop" shas already known, it returns
// every reachable commit with its parents, oldest-parents-first, in
// topological (parents-before-children) order.
type CommitLister interface {
	ListCommits(ctx context.Context, from []string, stopAt []string) ([]CommitInfo, error)
}

// CommitInfo is one DAG node as reported by CommitLister.
type CommitInfo struct {
	Sha     string
	Parents []string
}

// MirrorSeeder abstracts looking up branch assignments already recorded for
// a commit from a previous push (step 2).
type MirrorSeeder interface {
	BranchesForCommit(ctx context.Context, sha string) ([]string, bool)
}

// node is the assigner's working state per commit.
type node struct {
	sha       string
	parents   []string
	children  []string
	branches  map[string]bool // nil until first assignment
	reachable bool            // true if reachable from an old ref head (step 4 constraint)
	placeholder bool
}

// Assignment is the finalized, compacted per-commit record (step 7).
type Assignment struct {
	Sha      string
	Branches []string // sorted branch ids
}

// Assigner runs the algorithm in spec §4.6 over one push.
type Assigner struct {
	lister CommitLister
	seeder MirrorSeeder
	dict   *branch.Dict
	log    *logrus.Logger
	graph  *dot.Graph // optional diagnostic graph, like the teacher's g.graph
}

// New returns an Assigner. graph may be nil to skip diagnostic rendering.
func New(lister CommitLister, seeder MirrorSeeder, dict *branch.Dict, log *logrus.Logger, graph *dot.Graph) *Assigner {
	return &Assigner{lister: lister, seeder: seeder, dict: dict, log: log, graph: graph}
}

// Assign runs the full algorithm for one push and returns the finalized
// per-commit branch-id assignments.
func (a *Assigner) Assign(ctx context.Context, refs []RefUpdate) ([]Assignment, error) {
	nodes, order, err := a.buildDAG(ctx, refs)
	if err != nil {
		return nil, err
	}
	a.seedFromMirror(ctx, nodes)
	a.ensurePlaceholders(nodes, refs)
	a.markReachability(nodes, order, refs)

	for _, ref := range a.refsByPriority(refs) {
		a.assignAlongRef(nodes, order, ref)
	}
	a.assignRemainingAnonymous(nodes, order)
	a.addSecondaryAssignments(nodes, refs)

	if a.graph != nil {
		a.renderGraph(nodes, order)
	}

	return finalize(nodes, order), nil
}

// buildDAG runs the two-pass topological listing (step 1): the combined
// range of all pushed refs, then a second pass per ref from old head to
// fill in anything the first pass elided (e.g. refs that only partially
// overlap another ref's range).
func (a *Assigner) buildDAG(ctx context.Context, refs []RefUpdate) (map[string]*node, []string, error) {
	nodes := map[string]*node{}
	var order []string

	addCommits := func(infos []CommitInfo) {
		for _, ci := range infos {
			if _, exists := nodes[ci.Sha]; exists {
				continue
			}
			n := &node{sha: ci.Sha, parents: ci.Parents}
			nodes[ci.Sha] = n
			order = append(order, ci.Sha)
			for _, p := range ci.Parents {
				if pn, ok := nodes[p]; ok {
					pn.children = append(pn.children, ci.Sha)
				}
			}
		}
	}

	var tips []string
	for _, r := range refs {
		tips = append(tips, r.NewSha)
	}
	combined, err := a.lister.ListCommits(ctx, tips, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("assign: listing commit range: %w", err)
	}
	addCommits(combined)

	for _, r := range refs {
		if r.OldSha == "" {
			continue
		}
		perRef, err := a.lister.ListCommits(ctx, []string{r.NewSha}, []string{r.OldSha})
		if err != nil {
			return nil, nil, fmt.Errorf("assign: listing range for ref %s: %w", r.Ref, err)
		}
		addCommits(perRef)
	}

	// Fix up children links for nodes discovered only in the second pass.
	for _, sha := range order {
		n := nodes[sha]
		for _, p := range n.parents {
			if pn, ok := nodes[p]; ok && !containsStr(pn.children, sha) {
				pn.children = append(pn.children, sha)
			}
		}
	}
	return nodes, order, nil
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// seedFromMirror applies step 2: pre-existing assignments from the object
// mirror win and are never overwritten by later steps.
func (a *Assigner) seedFromMirror(ctx context.Context, nodes map[string]*node) {
	if a.seeder == nil {
		return
	}
	for sha, n := range nodes {
		if branches, ok := a.seeder.BranchesForCommit(ctx, sha); ok {
			n.branches = map[string]bool{}
			for _, b := range branches {
				n.branches[b] = true
			}
		}
	}
}

// ensurePlaceholders implements step 3: every pushed-ref head and every
// previously-known ref head (old sha) gets a DAG node, even if it falls
// outside the listed commit range.
func (a *Assigner) ensurePlaceholders(nodes map[string]*node, refs []RefUpdate) {
	ensure := func(sha string) {
		if sha == "" {
			return
		}
		if _, ok := nodes[sha]; !ok {
			nodes[sha] = &node{sha: sha, placeholder: true}
		}
	}
	for _, r := range refs {
		ensure(r.NewSha)
		ensure(r.OldSha)
	}
}

// markReachability computes, for every node, whether it is reachable from
// some ref's old head - the constraint step 4 applies when an old head
// exists ("only descendants of the old head may participate").
func (a *Assigner) markReachability(nodes map[string]*node, order []string, refs []RefUpdate) {
	hasOldHead := false
	for _, r := range refs {
		if r.OldSha != "" {
			hasOldHead = true
			break
		}
	}
	if !hasOldHead {
		for _, n := range nodes {
			n.reachable = true
		}
		return
	}
	var stack []string
	for _, r := range refs {
		if r.OldSha != "" {
			stack = append(stack, r.OldSha)
		}
	}
	seen := map[string]bool{}
	for len(stack) > 0 {
		sha := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[sha] {
			continue
		}
		seen[sha] = true
		n, ok := nodes[sha]
		if !ok {
			continue
		}
		n.reachable = true
		stack = append(stack, n.children...)
	}
}

// refsByPriority orders pushed refs per step 4: (i) the more-equal branch,
// (ii) fully-populated branches alphabetically, (iii) lightweight branches
// in id order.
func (a *Assigner) refsByPriority(refs []RefUpdate) []RefUpdate {
	byRef := map[string]RefUpdate{}
	for _, r := range refs {
		byRef[r.Ref] = r
	}
	var out []RefUpdate
	seen := map[string]bool{}

	if mb, ok := a.dict.MoreEqualBranch(); ok {
		if r, ok := byRef[mb.GitBranchName]; ok && !seen[r.Ref] {
			out = append(out, r)
			seen[r.Ref] = true
		}
	}
	for _, id := range a.dict.FullyPopulatedNamesSorted() {
		b, _ := a.dict.ByID(id)
		if r, ok := byRef[b.GitBranchName]; ok && !seen[r.Ref] {
			out = append(out, r)
			seen[r.Ref] = true
		}
	}
	for _, id := range a.dict.LightweightIDsSorted() {
		b, _ := a.dict.ByID(id)
		if r, ok := byRef[b.GitBranchName]; ok && !seen[r.Ref] {
			out = append(out, r)
			seen[r.Ref] = true
		}
	}
	// Any ref not named by a known branch still participates, in input order,
	// after all recognized branches (this assigner doesn't invent ids for
	// them here; that happens per-commit in assignRemainingAnonymous).
	for _, r := range refs {
		if !seen[r.Ref] {
			out = append(out, r)
			seen[r.Ref] = true
		}
	}
	return out
}

// assignAlongRef implements step 4's parent-selection walk for one ref.
func (a *Assigner) assignAlongRef(nodes map[string]*node, order []string, ref RefUpdate) {
	branchID := a.branchIDForRef(ref.Ref)
	if branchID == "" {
		return
	}
	n, ok := nodes[ref.NewSha]
	if !ok {
		return
	}
	for n != nil {
		wasAssigned := len(n.branches) > 0
		if n.branches == nil {
			n.branches = map[string]bool{}
		}
		n.branches[branchID] = true

		if ref.OldSha != "" && n.sha == ref.OldSha {
			break
		}
		if ref.OldSha == "" && wasAssigned {
			// no old head to bound the walk: stop at the first ancestor that
			// already carried an assignment, per "back to the earliest
			// unassigned ancestor".
			break
		}
		next := a.nextParent(nodes, n, ref.OldSha)
		if next == nil {
			break
		}
		n = next
	}
}

// nextParent picks the next node per step 4's priority order: unassigned
// first-parent; unassigned any parent; assigned first-parent; assigned any
// parent - constrained to descendants of the old head when one exists.
func (a *Assigner) nextParent(nodes map[string]*node, n *node, oldSha string) *node {
	if len(n.parents) == 0 {
		return nil
	}
	eligible := func(p *node) bool {
		if oldSha != "" && !p.reachable {
			return false
		}
		return true
	}
	var unassignedFirst, unassignedAny, assignedFirst, assignedAny *node
	for i, psha := range n.parents {
		p, ok := nodes[psha]
		if !ok || !eligible(p) {
			continue
		}
		isAssigned := len(p.branches) > 0
		if i == 0 {
			if isAssigned {
				assignedFirst = p
			} else {
				unassignedFirst = p
			}
		}
		if !isAssigned && unassignedAny == nil {
			unassignedAny = p
		}
		if isAssigned && assignedAny == nil {
			assignedAny = p
		}
	}
	switch {
	case unassignedFirst != nil:
		return unassignedFirst
	case unassignedAny != nil:
		return unassignedAny
	case assignedFirst != nil:
		return assignedFirst
	case assignedAny != nil:
		return assignedAny
	default:
		return nil
	}
}

func (a *Assigner) branchIDForRef(ref string) string {
	if b, ok := a.dict.ByGitName(ref); ok {
		return b.ID
	}
	return ""
}

// assignRemainingAnonymous implements step 5: walk the topological list
// newest-to-oldest, reuse a pooled anonymous lightweight branch or mint a
// new one for any commit still unassigned, then walk its parents the same
// way step 4 does.
func (a *Assigner) assignRemainingAnonymous(nodes map[string]*node, order []string) {
	pool := a.dict.LightweightIDsSorted()
	poolIdx := 0
	minted := map[string]bool{}
	nextFromPool := func() string {
		if poolIdx < len(pool) {
			id := pool[poolIdx]
			poolIdx++
			return id
		}
		// Same smallest-unused-integer scheme as Dict.NewAnonymousID, also
		// skipping ids already minted earlier in this pass.
		for n := 1; ; n++ {
			id := strconv.Itoa(n)
			if _, taken := a.dict.ByID(id); !taken && !minted[id] {
				minted[id] = true
				return id
			}
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		n := nodes[order[i]]
		if len(n.branches) > 0 {
			continue
		}
		branchID := nextFromPool()
		cur := n
		for cur != nil {
			if len(cur.branches) > 0 {
				break
			}
			if cur.branches == nil {
				cur.branches = map[string]bool{}
			}
			cur.branches[branchID] = true
			cur = a.nextParent(nodes, cur, "")
		}
	}
}

// addSecondaryAssignments implements step 6: if a pushed ref's head commit
// doesn't carry that ref's branch id (because step 5 assigned it to a
// different anonymous branch first), add the target branch as an
// additional assignment.
func (a *Assigner) addSecondaryAssignments(nodes map[string]*node, refs []RefUpdate) {
	for _, r := range refs {
		branchID := a.branchIDForRef(r.Ref)
		if branchID == "" {
			continue
		}
		n, ok := nodes[r.NewSha]
		if !ok {
			continue
		}
		if n.branches == nil {
			n.branches = map[string]bool{}
		}
		n.branches[branchID] = true
	}
}

// finalize implements step 7: compact to sha -> sorted branch-id list.
func finalize(nodes map[string]*node, order []string) []Assignment {
	out := make([]Assignment, 0, len(order))
	for _, sha := range order {
		n := nodes[sha]
		ids := make([]string, 0, len(n.branches))
		for id := range n.branches {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, Assignment{Sha: sha, Branches: ids})
	}
	return out
}

// renderGraph mirrors the teacher's optional diagnostic Graphviz output
// (g.graph / createGraphEdges): one node per commit, one edge per
// parent/child relationship, labeled "p".
func (a *Assigner) renderGraph(nodes map[string]*node, order []string) {
	gnodes := map[string]dot.Node{}
	for _, sha := range order {
		n := nodes[sha]
		gnodes[sha] = a.graph.Node(fmt.Sprintf("%s %v", shortSha(sha), sortedKeys(n.branches)))
	}
	for _, sha := range order {
		n := nodes[sha]
		for _, p := range n.parents {
			if pn, ok := gnodes[p]; ok {
				a.graph.Edge(pn, gnodes[sha], "p")
			}
		}
	}
}

func shortSha(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
