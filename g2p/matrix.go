package g2p

import "fmt"

// ColumnType names one source of truth a Matrix discovers file state from,
// following p4gf_g2p_matrix2.py's Column.col_type vocabulary. This copier
// only populates GDEST (the commit being copied) and GPARN (its Git
// parents); P4JITFP/GPARFPN (fully-populated basis lookups for lightweight
// branches) and GHOST (ghost-changelist-only actions) are modeled for
// completeness but are not populated without a live depot connection.
type ColumnType int

const (
	ColGDEST ColumnType = iota
	ColGPARN
	ColGPARFPN
	ColP4JITFP
	ColGhost
)

func (t ColumnType) String() string {
	switch t {
	case ColGDEST:
		return "GDEST"
	case ColGPARN:
		return "GPARN"
	case ColGPARFPN:
		return "GPARFPN"
	case ColP4JITFP:
		return "P4JITFP"
	case ColGhost:
		return "GHOST"
	}
	return "unknown"
}

// Column is one source-of-truth column in the discovery matrix: the commit
// (GDEST) or a Git parent (GPARN), identified by branch. For GPARN columns
// ParentMark is -1 for the first parent's branch and -2 for the merge
// parent's branch; it is not a commit mark.
type Column struct {
	Index      int
	Type       ColumnType
	Branch     string
	ParentMark int // only meaningful for ColGPARN: -1 first parent, -2 merge parent
}

// Cell is one (Row, Column) intersection: whether that column's tree has a
// path, and if so, as which action.
type Cell struct {
	Exists bool
	Action FileAction
	SHA    string // git blob sha or depot lbrFile reference, when known
}

// Row is one repo-relative path's state across every column of a commit's
// Matrix, the unit RowDecider.decide() in p4gf_g2p_matrix2_row_decider.py
// iterates over to produce a Decision.
type Row struct {
	Path  string
	Cells map[int]Cell // keyed by Column.Index
}

func (r *Row) cell(col *Column) (Cell, bool) {
	if r == nil || col == nil {
		return Cell{}, false
	}
	c, ok := r.Cells[col.Index]
	return c, ok
}

// existsInGDest reports whether this path exists in the commit being copied,
// mirroring row.exists_in_git() restricted to the GDEST column.
func (r *Row) existsInGDest(m *Matrix) bool {
	c, ok := r.cell(m.gdestColumn())
	return ok && c.Exists
}

// Decision is RowDecider's output for one Row: what, if anything, this
// copier must write for that path in the current commit, plus which
// columns justified it (kept for diagnostics/DESIGN.md-documented
// debugging parity with p4gf_g2p_matrix_dump.dump()).
type Decision struct {
	Path        string
	Action      FileAction
	FromColumn  *Column // the column the action was decided from, if any
	NeedsGhost  bool    // row requires a ghost changelist's branch-establishing integ before GDEST can land
	SymlinkPath string  // set (and nothing else, meaning: reject) when an ancestor directory is a symlink
}

// Matrix is the per-commit discovery/decision structure: one GDEST column
// for the commit being copied, at most two GPARN columns (see Discover), and
// one Row per distinct path touched by the commit. Grounded on p4gf_g2p_matrix2.py's
// G2PMatrix/discover()/decide() split; this copier's Matrix only discovers
// from the fast-export stream already parsed into Commit/File (no "p4
// files"/"git-ls-tree" round trips), so discover() here is a pure function
// of the Commit rather than a depot query.
type Matrix struct {
	commit  *Commit
	columns []*Column
	rows    map[string]*Row

	symlinkPaths map[string]bool // ancestor-or-self paths currently a symlink on this commit's branch
}

// NewMatrix builds an empty Matrix for commit c. Call Discover to populate
// it from c's resolved files and im's prior-parent bookkeeping.
func NewMatrix(c *Commit) *Matrix {
	return &Matrix{commit: c, rows: map[string]*Row{}}
}

func (m *Matrix) gdestColumn() *Column {
	for _, col := range m.columns {
		if col.Type == ColGDEST {
			return col
		}
	}
	return nil
}

func (m *Matrix) row(path string) *Row {
	r, ok := m.rows[path]
	if !ok {
		r = &Row{Path: path, Cells: map[int]Cell{}}
		m.rows[path] = r
	}
	return r
}

// Discover populates the matrix's GDEST column from the commit's own file
// list, and adds a GPARN column for the first parent's branch when it is
// recorded (prevBranch) and one for a merge parent on another branch;
// GPARN columns carry no cells. This follows
// p4gf_g2p_matrix2.py's DISCOVER_GIT_LS_TREE_GDEST step (we already have the
// tree diff from fast-export, so no "git ls-tree" round trip is needed) and
// its per-GPARN discovery loop. symlinkPaths carries forward the branch's
// currently-known symlink ancestors (Importer.symlinkFiles) so
// Decide can raise the same "file cannot co-exist with symlink" rejection
// p4gf_g2p_matrix2_row_decider.py's _raise_if_symlink_in_gdest_path does.
func (m *Matrix) Discover(symlinkPaths map[string]bool) {
	m.symlinkPaths = symlinkPaths
	gdest := &Column{Index: len(m.columns), Type: ColGDEST, Branch: m.commit.branch}
	m.columns = append(m.columns, gdest)
	for _, gf := range m.commit.files {
		r := m.row(gf.name)
		r.Cells[gdest.Index] = Cell{Exists: gf.action != deleteAction, Action: gf.action}
	}

	seen := map[int]bool{}
	addParentColumn := func(mark int, branch string) {
		if seen[mark] {
			return
		}
		seen[mark] = true
		col := &Column{Index: len(m.columns), Type: ColGPARN, Branch: branch, ParentMark: mark}
		m.columns = append(m.columns, col)
	}
	if m.commit.prevBranch != "" {
		addParentColumn(-1, m.commit.prevBranch)
	}
	if m.commit.mergeBranch != "" && m.commit.mergeBranch != m.commit.branch {
		addParentColumn(-2, m.commit.mergeBranch)
	}
}

// Decide runs RowDecider's decision loop over every discovered row, one
// Decision per row, following p4gf_g2p_matrix2_row_decider.py's decide():
// symlink-ancestor rejection first, then a populate-from decision (here,
// simply GDEST's own action, since our GDEST column is already the
// fully-expanded per-file action list produced by Importer.validate's
// tree-diff expansion).
func (m *Matrix) Decide() ([]Decision, error) {
	decisions := make([]Decision, 0, len(m.rows))
	for path, r := range m.rows {
		if symlink := m.symlinkAncestor(path); symlink != "" && r.existsInGDest(m) {
			return nil, fmt.Errorf("g2p: path %q cannot co-exist with symlink %q", path, symlink)
		}
		gdest := m.gdestColumn()
		c, ok := r.cell(gdest)
		if !ok {
			continue
		}
		d := Decision{Path: path, Action: c.Action, FromColumn: gdest}
		if m.commit.prevBranch != "" && m.commit.prevBranch != m.commit.branch {
			d.NeedsGhost = true
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// symlinkAncestor returns the first proper-prefix directory of path that is
// a known symlink on this matrix's branch, or "" if none.
func (m *Matrix) symlinkAncestor(path string) string {
	if len(m.symlinkPaths) == 0 {
		return ""
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			prefix := path[:i]
			if m.symlinkPaths[prefix] {
				return prefix
			}
		}
	}
	return ""
}
