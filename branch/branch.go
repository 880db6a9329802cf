// Package branch implements the Git<->depot branch association (spec §4.2):
// a named (or anonymous) binding between a Git ref and a region of the
// depot, with lightweight/fully-populated status.
package branch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rcowham/gitp4fusion/viewmap"
)

// Branch is one Git<->depot branch association (spec Data Model "Branch").
type Branch struct {
	ID             string   // stable identifier, unique per repo
	GitBranchName  string   // optional Git ref short name
	ViewLines      []string // ordered view-mapping lines, kept in sync with compiledMap
	Stream         string   // optional stream reference
	Lightweight    bool     // true when branch stores only files unique to it
	DepotBranchID  string   // optional pointer to a depot-branch-info record
	Deleted        bool     // latch; branches are never removed, only marked deleted
	MoreEqual      bool     // this repo's default branch
	OriginalView   []string // original-view, for lightweight branches copied from a basis

	compiledMap *viewmap.Map
}

// ConfigSection is the parsed form of one branch's section in the repo
// configuration file (spec §6).
type ConfigSection struct {
	Name          string
	GitBranchName string
	View          []string
	Stream        string
	OriginalView  []string
	DepotBranchID string
	Deleted       bool
}

// FromConfigSection constructs a Branch from one parsed config section.
// Exactly one of View or Stream must be set (mirrors the teacher's
// either/or config validation style in config.Config.validate).
func FromConfigSection(cs ConfigSection) (*Branch, error) {
	if len(cs.View) == 0 && cs.Stream == "" {
		return nil, fmt.Errorf("branch %q: must specify either view or stream", cs.Name)
	}
	if len(cs.View) > 0 && cs.Stream != "" {
		return nil, fmt.Errorf("branch %q: cannot specify both view and stream", cs.Name)
	}
	b := &Branch{
		ID:            cs.Name,
		GitBranchName: cs.GitBranchName,
		ViewLines:     cs.View,
		Stream:        cs.Stream,
		DepotBranchID: cs.DepotBranchID,
		OriginalView:  cs.OriginalView,
		Deleted:       cs.Deleted,
		Lightweight:   cs.DepotBranchID != "",
	}
	if len(cs.View) > 0 {
		m, err := viewmap.Compile(cs.View)
		if err != nil {
			return nil, fmt.Errorf("branch %q: %w", cs.Name, err)
		}
		b.compiledMap = m
	}
	return b, nil
}

// ToConfigSection serializes the Branch back to config-section form.
func (b *Branch) ToConfigSection() ConfigSection {
	return ConfigSection{
		Name:          b.ID,
		GitBranchName: b.GitBranchName,
		View:          b.ViewLines,
		Stream:        b.Stream,
		OriginalView:  b.OriginalView,
		DepotBranchID: b.DepotBranchID,
		Deleted:       b.Deleted,
	}
}

// syncViewLines keeps ViewLines in sync with the compiled map, per the
// invariant in spec §4.2: "view_lines, once set, is kept in sync with the
// compiled map via the as_array round trip."
func (b *Branch) syncViewLines() {
	if b.compiledMap != nil {
		b.ViewLines = b.compiledMap.AsArray()
	}
}

// View returns the compiled bidirectional view map, compiling it from
// ViewLines lazily if not already compiled.
func (b *Branch) View() (*viewmap.Map, error) {
	if b.compiledMap != nil {
		return b.compiledMap, nil
	}
	m, err := viewmap.Compile(b.ViewLines)
	if err != nil {
		return nil, err
	}
	b.compiledMap = m
	b.syncViewLines()
	return m, nil
}

// Intersects reports whether depotPath falls within this branch's view.
func (b *Branch) Intersects(depotPath string) bool {
	m, err := b.View()
	if err != nil {
		return false
	}
	_, ok := m.Translate(depotPath, viewmap.LhsToRhs)
	return ok
}

// WithClientPrefix returns this branch's view rewritten to use a named
// client prefix on the rhs.
func (b *Branch) WithClientPrefix(clientName string) (*viewmap.Map, error) {
	m, err := b.View()
	if err != nil {
		return nil, err
	}
	return m.WithClientPrefix(clientName), nil
}

// RerootedLhs returns this branch's view with oldRoot replaced by newRoot
// on every lhs, used to copy a branch's view onto new storage.
func (b *Branch) RerootedLhs(oldRoot, newRoot string) (*viewmap.Map, error) {
	m, err := b.View()
	if err != nil {
		return nil, err
	}
	return m.RerootLhs(oldRoot, newRoot), nil
}

// FullyPopulatedView reroots a lightweight branch's view to "//", i.e. the
// view it would have if it held the complete tree rather than only its
// unique files.
func (b *Branch) FullyPopulatedView() (*viewmap.Map, error) {
	m, err := b.View()
	if err != nil {
		return nil, err
	}
	if len(m.Lines()) == 0 {
		return m, nil
	}
	first := m.Lines()[0].Lhs
	root := depotRoot(first)
	return m.RerootLhs(root+"/", "//"), nil
}

func depotRoot(lhs string) string {
	trimmed := strings.TrimSuffix(lhs, "...")
	return strings.TrimSuffix(trimmed, "/")
}

// BranchInfoLookup abstracts the depotbranch.Index lookup the Branch needs,
// broken out to avoid an import cycle between branch and depotbranch.
type BranchInfoLookup interface {
	ByID(id string) (Info, bool)
}

// Info is the subset of depotbranch.Info that Branch needs.
type Info struct {
	ID     string
	Root   string
	Parents []string
}

// DepotBranchInfo finds the depot-branch-info record backing this branch.
func (b *Branch) DepotBranchInfo(idx BranchInfoLookup) (Info, bool) {
	if b.DepotBranchID == "" {
		return Info{}, false
	}
	return idx.ByID(b.DepotBranchID)
}

// ChangeLister abstracts the depot query Branch needs to answer
// HasChangelists / MostRecentChange / BasisDivergencePoint.
type ChangeLister interface {
	// Changes returns changelist numbers touching viewRoot, newest first.
	Changes(ctx context.Context, viewRoot string, limit int) ([]int, error)
}

// HasChangelists reports whether any changelist exists on this branch.
func (b *Branch) HasChangelists(ctx context.Context, cl ChangeLister) (bool, error) {
	m, err := b.View()
	if err != nil {
		return false, err
	}
	if len(m.Lines()) == 0 {
		return false, nil
	}
	changes, err := cl.Changes(ctx, depotRoot(m.Lines()[0].Lhs)+"/...", 1)
	if err != nil {
		return false, err
	}
	return len(changes) > 0, nil
}

// MostRecentChange computes the most-recent changelist number on the branch.
func (b *Branch) MostRecentChange(ctx context.Context, cl ChangeLister) (int, error) {
	m, err := b.View()
	if err != nil {
		return 0, err
	}
	if len(m.Lines()) == 0 {
		return 0, nil
	}
	changes, err := cl.Changes(ctx, depotRoot(m.Lines()[0].Lhs)+"/...", 1)
	if err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return 0, nil
	}
	return changes[0], nil
}

// BasisDivergencePoint finds the changelist number from which this branch
// first diverged from the fully-populated basis: the highest changelist
// that is common ancestry between the branch's root and "//".
//
// Open Question (spec §9): when multiple fully-populated branches exist,
// this can match any of them, not necessarily the one that is actually an
// ancestor of this branch's root point. We follow the source's behavior
// here (see depotbranch.Index.BasisDivergence): basisRoot, chosen by the
// caller, is the only basis compared.
func (b *Branch) BasisDivergencePoint(ctx context.Context, cl ChangeLister, basisRoot string) (int, error) {
	changes, err := cl.Changes(ctx, basisRoot+"/...", 0)
	if err != nil {
		return 0, err
	}
	mine, err := b.MostRecentChange(ctx, cl)
	if err != nil {
		return 0, err
	}
	best := 0
	for _, c := range changes {
		if c <= mine && c > best {
			best = c
		}
	}
	return best, nil
}

// Dict is the per-repo branch dictionary keyed by branch ID, plus lookup by
// Git ref short name.
type Dict struct {
	byID  map[string]*Branch
	order []string
}

func NewDict() *Dict {
	return &Dict{byID: map[string]*Branch{}}
}

func (d *Dict) Add(b *Branch) {
	if _, exists := d.byID[b.ID]; !exists {
		d.order = append(d.order, b.ID)
	}
	d.byID[b.ID] = b
}

func (d *Dict) ByID(id string) (*Branch, bool) {
	b, ok := d.byID[id]
	return b, ok
}

// ByGitName finds the (first, non-deleted) branch with the given Git ref
// short name.
func (d *Dict) ByGitName(name string) (*Branch, bool) {
	for _, id := range d.order {
		b := d.byID[id]
		if !b.Deleted && b.GitBranchName == name {
			return b, true
		}
	}
	return nil, false
}

// MoreEqualBranch returns the repo's default branch, if any.
func (d *Dict) MoreEqualBranch() (*Branch, bool) {
	for _, id := range d.order {
		if d.byID[id].MoreEqual {
			return d.byID[id], true
		}
	}
	return nil, false
}

// FullyPopulatedNamesSorted returns the IDs of all non-lightweight,
// non-deleted branches with a Git name, alphabetically - the priority (ii)
// order from spec §4.6 step 4.
func (d *Dict) FullyPopulatedNamesSorted() []string {
	var out []string
	for _, id := range d.order {
		b := d.byID[id]
		if !b.Deleted && !b.Lightweight && b.GitBranchName != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// LightweightIDsSorted returns lightweight, non-deleted branch IDs in id
// order - priority (iii) from spec §4.6 step 4. IDs that parse as integers
// sort numerically; others sort lexically after all numeric ones.
func (d *Dict) LightweightIDsSorted() []string {
	var out []string
	for _, id := range d.order {
		b := d.byID[id]
		if !b.Deleted && b.Lightweight {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ni, erri := strconv.Atoi(out[i])
		nj, errj := strconv.Atoi(out[j])
		if erri == nil && errj == nil {
			return ni < nj
		}
		if erri == nil {
			return true
		}
		if errj == nil {
			return false
		}
		return out[i] < out[j]
	})
	return out
}

// All returns every branch in insertion order.
func (d *Dict) All() []*Branch {
	out := make([]*Branch, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id])
	}
	return out
}

// NewAnonymousID mints a fresh lightweight-branch id not already present in
// the dict, using the same "smallest unused integer" scheme the teacher's
// GitFile IDs use (gitFileID counter), except scoped to this Dict so tests
// are deterministic.
func (d *Dict) NewAnonymousID() string {
	n := 1
	for {
		id := strconv.Itoa(n)
		if _, ok := d.byID[id]; !ok {
			return id
		}
		n++
	}
}
