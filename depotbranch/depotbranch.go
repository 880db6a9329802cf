// Package depotbranch implements the depot-branch index (spec §4.3): a
// content-addressed collection of depot-branch-info records describing the
// storage regions of lightweight branches and their parent/ancestor graph.
package depotbranch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rcowham/gitp4fusion/branch"
	"github.com/rcowham/gitp4fusion/p4client"
)

// RecordPrefix is the well-known depot prefix under which depot-branch-info
// records live (spec §6 storage layout: "branches/branch-info/...").
const RecordPrefix = "//.git-fusion/branches/branch-info"

// Info is one depot-branch-info record (spec Data Model).
type Info struct {
	ID            string
	Root          string   // root depot path of this branch's storage region
	Parents       []string // parent depot-branch IDs
	ParentChanges []string // same length as Parents; changelist numbers or provisional marks
}

// Validate enforces the invariant that Parents and ParentChanges are the
// same length.
func (i Info) Validate() error {
	if len(i.Parents) != len(i.ParentChanges) {
		return fmt.Errorf("depotbranch: %s: parents (%d) and parent-changes (%d) length mismatch",
			i.ID, len(i.Parents), len(i.ParentChanges))
	}
	return nil
}

// IsProvisional reports whether parent i's changelist mark is still a
// provisional string (not yet replaced by a real changelist number).
func (i Info) IsProvisional(parentIdx int) bool {
	if parentIdx < 0 || parentIdx >= len(i.ParentChanges) {
		return false
	}
	_, err := strconv.Atoi(i.ParentChanges[parentIdx])
	return err != nil
}

// PathFor computes the depot path of one Info record, for callers (g2p's
// just-in-time branch creation) that need to add/edit the record file
// directly through a pending changelist.
func PathFor(id string) string {
	return fmt.Sprintf("%s/%s", RecordPrefix, id)
}

// Index is the in-memory, loaded depot-branch index.
type Index struct {
	byID map[string]*Info
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{byID: map[string]*Info{}}
}

// Load reads every depot-branch-info record file under RecordPrefix.
func Load(ctx context.Context, client p4client.Client) (*Index, error) {
	idx := NewIndex()
	results, err := client.Run(ctx, "files", RecordPrefix+"/...")
	if err != nil {
		return nil, fmt.Errorf("depotbranch: listing records: %w", err)
	}
	for _, r := range results {
		depotFile := r["depotFile"]
		if depotFile == "" {
			continue
		}
		id := depotFile[strings.LastIndex(depotFile, "/")+1:]
		var buf strings.Builder
		if err := client.Print(ctx, depotFile, &buf, p4client.PrintOpts{}); err != nil {
			return nil, fmt.Errorf("depotbranch: reading record %s: %w", id, err)
		}
		info, err := parseRecord(id, buf.String())
		if err != nil {
			return nil, err
		}
		if err := idx.Add(*info); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// parseRecord parses a simple "key=value" record format, one field per
// line: root=..., parents=comma,separated,ids, parent_changes=comma,sep.
func parseRecord(id, content string) (*Info, error) {
	info := &Info{ID: id}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], parts[1]
		switch key {
		case "root":
			info.Root = val
		case "parents":
			if val != "" {
				info.Parents = strings.Split(val, ",")
			}
		case "parent_changes":
			if val != "" {
				info.ParentChanges = strings.Split(val, ",")
			}
		}
	}
	return info, info.Validate()
}

// Serialize renders an Info back to the record file format Load parses.
func Serialize(info Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "root=%s\n", info.Root)
	fmt.Fprintf(&b, "parents=%s\n", strings.Join(info.Parents, ","))
	fmt.Fprintf(&b, "parent_changes=%s\n", strings.Join(info.ParentChanges, ","))
	return b.String()
}

// Add inserts a record, rejecting it if it would introduce a cycle in the
// parent graph (spec invariant: the parent graph is a DAG).
func (idx *Index) Add(info Info) error {
	if err := info.Validate(); err != nil {
		return err
	}
	idx.byID[info.ID] = &info
	if idx.hasCycleFrom(info.ID, map[string]bool{}) {
		delete(idx.byID, info.ID)
		return fmt.Errorf("depotbranch: adding %s would introduce a cycle", info.ID)
	}
	return nil
}

func (idx *Index) hasCycleFrom(id string, visiting map[string]bool) bool {
	if visiting[id] {
		return true
	}
	info, ok := idx.byID[id]
	if !ok {
		return false
	}
	visiting[id] = true
	for _, p := range info.Parents {
		if idx.hasCycleFrom(p, visiting) {
			return true
		}
	}
	delete(visiting, id)
	return false
}

// ByID looks up a record by id.
func (idx *Index) ByID(id string) (Info, bool) {
	info, ok := idx.byID[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// AsBranchInfoLookup adapts the index to branch.BranchInfoLookup, the
// narrow view Branch.DepotBranchInfo needs. Kept as an adapter rather than
// having Index.ByID return branch.Info directly, so depotbranch's own API
// isn't shaped by a downstream package's needs.
func (idx *Index) AsBranchInfoLookup() branch.BranchInfoLookup {
	return branchLookup{idx}
}

type branchLookup struct{ idx *Index }

func (l branchLookup) ByID(id string) (branch.Info, bool) {
	info, ok := l.idx.ByID(id)
	if !ok {
		return branch.Info{}, false
	}
	return branch.Info{ID: info.ID, Root: info.Root, Parents: info.Parents}, true
}

// ByRootPrefix finds the record whose root is a prefix of depotPath.
func (idx *Index) ByRootPrefix(depotPath string) (Info, bool) {
	var best *Info
	for _, info := range idx.byID {
		if strings.HasPrefix(depotPath, info.Root) {
			if best == nil || len(info.Root) > len(best.Root) {
				best = info
			}
		}
	}
	if best == nil {
		return Info{}, false
	}
	return *best, true
}

// AncestorChange walks childID's parent list to find the first changelist
// at which ancestorID appears.
func (idx *Index) AncestorChange(childID, ancestorID string) (int, bool) {
	visited := map[string]bool{}
	var walk func(id string) (int, bool)
	walk = func(id string) (int, bool) {
		if visited[id] {
			return 0, false
		}
		visited[id] = true
		info, ok := idx.byID[id]
		if !ok {
			return 0, false
		}
		for i, p := range info.Parents {
			if p == ancestorID {
				n, err := strconv.Atoi(info.ParentChanges[i])
				if err != nil {
					return 0, false
				}
				return n, true
			}
		}
		for _, p := range info.Parents {
			if n, ok := walk(p); ok {
				return n, true
			}
		}
		return 0, false
	}
	return walk(childID)
}

// BasisDivergence finds the changelist at which depot-branch id diverged
// from the fully-populated basis: the changelist of its first parent entry
// (by construction, a lightweight branch's first parent is its basis at
// creation time).
//
// Open Question (spec §9): this can return a change from *any* matching
// basis when more than one fully-populated branch exists, not necessarily
// the one that is truly this branch's ancestor. We follow the original
// source's behavior rather than disambiguating.
func (idx *Index) BasisDivergence(id string) (int, bool) {
	info, ok := idx.byID[id]
	if !ok || len(info.Parents) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(info.ParentChanges[0])
	if err != nil {
		return 0, false
	}
	return n, true
}

// BranchesHousing returns the set of depot-branches whose root houses any
// of the given depot file paths.
func (idx *Index) BranchesHousing(paths []string) []Info {
	seen := map[string]bool{}
	var out []Info
	for _, p := range paths {
		if info, ok := idx.ByRootPrefix(p); ok && !seen[info.ID] {
			seen[info.ID] = true
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
