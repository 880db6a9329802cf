// Package p2g implements the Depot→Git copier (spec §4.7): it discovers
// changelists new to each branch since the last copy, content-addresses
// touched file revisions into Git blob objects, synthesizes commits whose
// parents come from a parent-commit analysis (§4.7a), and emits the result
// to Git in one streamed pass, the direction that keeps Git clones current
// with depot submits.
package p2g

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rcowham/gitp4fusion/branch"
	"github.com/rcowham/gitp4fusion/depotbranch"
	"github.com/rcowham/gitp4fusion/gitobj"
	"github.com/rcowham/gitp4fusion/mirror"
	"github.com/rcowham/gitp4fusion/p4client"
	"github.com/rcowham/gitp4fusion/repocontext"
	"github.com/rcowham/gitp4fusion/viewmap"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Spec bounds how far a copy pass goes: Until caps the changelist number
// copied (0 means "current head", i.e. no cap).
type Spec struct {
	Until int
}

// GitWriter is the Git-repository-writing boundary: synthesizing and
// emitting commit/tree/blob objects and moving refs, the counterpart of
// g2p's ArchiveStore for the opposite direction.
type GitWriter interface {
	WriteObject(kind gitobj.Kind, data []byte) (sha string, err error)
	UpdateRef(ref, sha string) error
	Tag(name, sha string) error
}

// RevisionBlobIndex records the (depot-path, revision) -> blob-sha mapping
// spec step 2 asks for, kept separate from mirror.Mirror's sha-addressed
// object store since it is keyed by depot path, a concern mirror was never
// shaped around.
type RevisionBlobIndex interface {
	Get(depotFile string, rev int) (string, bool)
	Set(depotFile string, rev int, sha string) error
}

func revKey(depotFile string, rev int) string { return fmt.Sprintf("%s#%d", depotFile, rev) }

// memIndex is the default, in-memory RevisionBlobIndex.
type memIndex struct {
	mu   sync.RWMutex
	shas map[string]string
}

// NewMemIndex returns an in-memory RevisionBlobIndex.
func NewMemIndex() RevisionBlobIndex {
	return &memIndex{shas: map[string]string{}}
}

func (m *memIndex) Get(depotFile string, rev int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sha, ok := m.shas[revKey(depotFile, rev)]
	return sha, ok
}

func (m *memIndex) Set(depotFile string, rev int, sha string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shas[revKey(depotFile, rev)] = sha
	return nil
}

// symlinkIndex is the memory-capped mode's RevisionBlobIndex: it records
// the mapping as filesystem symlinks under a temp directory, the symlink
// target being the blob's loose-object-style path, so a history with more
// revisions than fit comfortably in memory can still be copied (spec
// §4.7 "Memory-capped mode").
type symlinkIndex struct {
	root string
}

// NewSymlinkIndex creates a memory-capped RevisionBlobIndex rooted under a
// fresh temp directory inside base (base may be "" for os.TempDir).
func NewSymlinkIndex(base string) (RevisionBlobIndex, error) {
	dir, err := os.MkdirTemp(base, "p2g-revindex-")
	if err != nil {
		return nil, fmt.Errorf("p2g: creating memory-capped index dir: %w", err)
	}
	return &symlinkIndex{root: dir}, nil
}

func (s *symlinkIndex) path(depotFile string, rev int) string {
	name := strings.ReplaceAll(revKey(depotFile, rev), "/", "_")
	return filepath.Join(s.root, name)
}

func (s *symlinkIndex) Get(depotFile string, rev int) (string, bool) {
	target, err := os.Readlink(s.path(depotFile, rev))
	if err != nil {
		return "", false
	}
	return filepath.Dir(target) + filepath.Base(target), true
}

func (s *symlinkIndex) Set(depotFile string, rev int, sha string) error {
	target := filepath.Join(sha[:2], sha[2:])
	return os.Symlink(target, s.path(depotFile, rev))
}

// Progress tracks the highest changelist already copied per branch (spec
// step 7's "per-repo counter"), the per-branch starting point for the next
// pass.
type Progress interface {
	LastCopied(ctx context.Context, branchID string) (int, error)
	SetLastCopied(ctx context.Context, branchID string, change int) error
}

// counterProgress implements Progress via depot counters, one per branch.
type counterProgress struct {
	client p4client.Client
	repoID string
}

// NewCounterProgress returns a Progress backed by depot counters named
// "git-fusion-copied-<repo>-<branch>".
func NewCounterProgress(client p4client.Client, repoID string) Progress {
	return &counterProgress{client: client, repoID: repoID}
}

func (p *counterProgress) name(branchID string) string {
	return fmt.Sprintf("git-fusion-copied-%s-%s", p.repoID, branchID)
}

func (p *counterProgress) LastCopied(ctx context.Context, branchID string) (int, error) {
	v, err := p.client.Counter(ctx, p.name(branchID))
	if err != nil {
		return 0, fmt.Errorf("p2g: reading copy counter for %s: %w", branchID, err)
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("p2g: parsing copy counter for %s: %w", branchID, err)
	}
	return n, nil
}

func (p *counterProgress) SetLastCopied(ctx context.Context, branchID string, change int) error {
	if err := p.client.SetCounter(ctx, p.name(branchID), strconv.Itoa(change)); err != nil {
		return fmt.Errorf("p2g: recording copy counter for %s: %w", branchID, err)
	}
	return nil
}

// changeLister adapts a p4client.Client's "changes" command to
// branch.ChangeLister.
type changeLister struct {
	client p4client.Client
	until  int
}

func (c changeLister) Changes(ctx context.Context, viewRoot string, limit int) ([]int, error) {
	args := []string{"changes", "-s", "submitted"}
	if limit > 0 {
		args = append(args, "-m", strconv.Itoa(limit))
	}
	args = append(args, viewRoot)
	results, err := c.client.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("p2g: listing changes under %s: %w", viewRoot, err)
	}
	var out []int
	for _, r := range results {
		n, err := strconv.Atoi(r["change"])
		if err != nil {
			continue
		}
		if c.until > 0 && n > c.until {
			continue
		}
		out = append(out, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out))) // newest first, matching branch.ChangeLister's contract
	return out, nil
}

// fileEntry is one file row from a changelist's describe output.
type fileEntry struct {
	DepotFile string
	Rev       int
	Action    string
	FileType  string
}

func parseDescribeFiles(r p4client.Result) []fileEntry {
	var out []fileEntry
	for i := 0; ; i++ {
		df, ok := r[fmt.Sprintf("depotFile%d", i)]
		if !ok {
			break
		}
		rev, _ := strconv.Atoi(r[fmt.Sprintf("rev%d", i)])
		out = append(out, fileEntry{
			DepotFile: df,
			Rev:       rev,
			Action:    r[fmt.Sprintf("action%d", i)],
			FileType:  r[fmt.Sprintf("type%d", i)],
		})
	}
	return out
}

// integSource is one integration-from row parsed out of a filelog query,
// used by the parent-commit analysis (§4.7a) and by new-lightweight-branch
// detection (step 3).
type integSource struct {
	How        string
	FromFile   string
	FromRev    int
}

func parseFilelogSources(r p4client.Result) []integSource {
	var out []integSource
	for i := 0; ; i++ {
		how, ok := r[fmt.Sprintf("how0,%d", i)]
		if !ok {
			break
		}
		rev, _ := strconv.Atoi(r[fmt.Sprintf("erev0,%d", i)])
		out = append(out, integSource{
			How:      how,
			FromFile: r[fmt.Sprintf("file0,%d", i)],
			FromRev:  rev,
		})
	}
	return out
}

// Copier drives one repo's depot-to-Git copy pass.
type Copier struct {
	log       *logrus.Logger
	mirror    *mirror.Mirror
	git       GitWriter
	progress  Progress
	revIndex  RevisionBlobIndex
	memCapped bool

	branchTrees map[string]map[string]treeFile // branchID -> repo-relative path -> blob/mode
	branchTips  map[string]string              // branchID -> last synthesized commit sha
	changeShas  map[int]string                 // changelist -> commit sha synthesized for it this pass
}

type treeFile struct {
	sha  string
	mode string
}

// Options configures a Copier.
type Options struct {
	Mirror    *mirror.Mirror
	Git       GitWriter
	Progress  Progress
	RevIndex  RevisionBlobIndex // defaults to an in-memory index if nil
	MemCapped bool
}

// New builds a Copier. When opts.MemCapped is set and no RevIndex is
// supplied, a symlink-backed index is used instead of the in-memory one.
func New(log *logrus.Logger, opts Options) *Copier {
	idx := opts.RevIndex
	if idx == nil {
		if opts.MemCapped {
			symIdx, err := NewSymlinkIndex("")
			if err != nil {
				log.Errorf("p2g: memory-capped index unavailable, falling back to in-memory: %v", err)
				symIdx = NewMemIndex()
			}
			idx = symIdx
		} else {
			idx = NewMemIndex()
		}
	}
	return &Copier{
		log:         log,
		mirror:      opts.Mirror,
		git:         opts.Git,
		progress:    opts.Progress,
		revIndex:    idx,
		memCapped:   opts.MemCapped,
		branchTrees: map[string]map[string]treeFile{},
		branchTips:  map[string]string{},
		changeShas:  map[int]string{},
	}
}

// pendingChange pairs a changelist with the branch it belongs to.
type pendingChange struct {
	branchID string
	change   int
}

// Copy runs one full depot->Git copy pass against repo, stopping at until
// (or the current depot head when until.Until is 0).
func (c *Copier) Copy(ctx context.Context, repo *repocontext.Context, until Spec) error {
	lister := changeLister{client: repo.Repo(), until: until.Until}

	plan, err := c.discover(ctx, repo, lister)
	if err != nil {
		return fmt.Errorf("p2g: discovery: %w", err)
	}
	if len(plan) == 0 {
		c.log.Debug("p2g: no new changelists to copy")
		return nil
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].change < plan[j].change })

	for _, pc := range plan {
		b, ok := repo.Branches.ByID(pc.branchID)
		if !ok {
			c.log.Errorf("p2g: changelist %d references unknown branch %s, skipping", pc.change, pc.branchID)
			continue
		}
		if err := c.copyOneChange(ctx, repo, b, pc.change); err != nil {
			return fmt.Errorf("p2g: copying change %d on branch %s: %w", pc.change, pc.branchID, err)
		}
	}

	for branchID, tip := range c.branchTips {
		b, ok := repo.Branches.ByID(branchID)
		if !ok {
			continue
		}
		if err := c.git.UpdateRef("refs/heads/"+b.GitBranchName, tip); err != nil {
			return fmt.Errorf("p2g: updating ref for %s: %w", b.GitBranchName, err)
		}
	}

	for _, branchID := range branchIDs(plan) {
		last := 0
		for _, pc := range plan {
			if pc.branchID == branchID && pc.change > last {
				last = pc.change
			}
		}
		if err := c.progress.SetLastCopied(ctx, branchID, last); err != nil {
			return fmt.Errorf("p2g: %w", err)
		}
	}
	return nil
}

func branchIDs(plan []pendingChange) []string {
	seen := map[string]bool{}
	var out []string
	for _, pc := range plan {
		if !seen[pc.branchID] {
			seen[pc.branchID] = true
			out = append(out, pc.branchID)
		}
	}
	return out
}

// discover implements step 1: per branch (in parallel), find the starting
// changelist from Progress and list every new changelist in its view, up
// to the caller's ceiling.
func (c *Copier) discover(ctx context.Context, repo *repocontext.Context, lister changeLister) ([]pendingChange, error) {
	branches := repo.Branches.All()
	results := make([][]pendingChange, len(branches))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range branches {
		i, b := i, b
		g.Go(func() error {
			last, err := c.progress.LastCopied(gctx, b.ID)
			if err != nil {
				return err
			}
			m, err := b.View()
			if err != nil {
				return fmt.Errorf("branch %s: %w", b.ID, err)
			}
			if len(m.Lines()) == 0 {
				return nil
			}
			changes, err := lister.Changes(gctx, depotRootOf(m.Lines()[0].Lhs)+"/...", 0)
			if err != nil {
				return fmt.Errorf("branch %s: %w", b.ID, err)
			}
			var pcs []pendingChange
			for _, ch := range changes {
				if ch > last {
					pcs = append(pcs, pendingChange{branchID: b.ID, change: ch})
				}
			}
			results[i] = pcs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var plan []pendingChange
	for _, pcs := range results {
		plan = append(plan, pcs...)
	}
	return plan, nil
}

func depotRootOf(lhs string) string {
	return strings.TrimSuffix(strings.TrimSuffix(lhs, "..."), "/")
}

// copyOneChange implements steps 2-6 for a single changelist: enumerate
// its files, blob every touched revision, detect newly-appearing
// lightweight branches, synthesize the commit, and record its sha as the
// branch's new tip (refs are updated once, after the whole plan runs).
func (c *Copier) copyOneChange(ctx context.Context, repo *repocontext.Context, b *branch.Branch, change int) error {
	chgStr := strconv.Itoa(change)
	results, err := repo.Repo().Run(ctx, "describe", "-s", chgStr)
	if err != nil {
		return fmt.Errorf("describing change %d: %w", change, err)
	}
	if len(results) == 0 {
		return fmt.Errorf("change %d: no describe output", change)
	}
	desc := results[0]
	files := parseDescribeFiles(desc)

	if err := c.discoverNewBranches(ctx, repo, change, files); err != nil {
		return err
	}

	tree := c.branchTrees[b.ID]
	if tree == nil {
		tree = map[string]treeFile{}
		c.branchTrees[b.ID] = tree
	}

	for _, fe := range files {
		relPath, ok := relativize(b, fe.DepotFile)
		if !ok {
			continue
		}
		if fe.Action == "delete" || fe.Action == "move/delete" {
			delete(tree, relPath)
			continue
		}
		sha, err := c.blobShaFor(ctx, repo.Repo(), fe)
		if err != nil {
			return fmt.Errorf("blobbing %s#%d: %w", fe.DepotFile, fe.Rev, err)
		}
		tree[relPath] = treeFile{sha: sha, mode: modeFor(fe.FileType)}
	}

	treeSha, err := c.writeTree(tree)
	if err != nil {
		return fmt.Errorf("writing tree for change %d: %w", change, err)
	}

	parents, err := c.parentShas(ctx, repo, b, change)
	if err != nil {
		return fmt.Errorf("parent analysis for change %d: %w", change, err)
	}

	commitSha, err := c.git.WriteObject(gitobj.KindCommit, gitobj.EncodeCommit(gitobj.CommitFields{
		Tree:      treeSha,
		Parents:   parents,
		Author:    fmt.Sprintf("%s <%s@git-fusion> %s +0000", desc["user"], desc["user"], desc["time"]),
		Committer: fmt.Sprintf("git-fusion <git-fusion@git-fusion> %s +0000", desc["time"]),
		Message:   desc["desc"],
	}))
	if err != nil {
		return fmt.Errorf("writing commit object for change %d: %w", change, err)
	}
	c.branchTips[b.ID] = commitSha
	c.changeShas[change] = commitSha

	if c.mirror != nil {
		if err := c.mirror.RecordCommit(ctx, change, mirror.AssociationRecord{
			Sha: commitSha, Change: change, DepotBranch: b.ID,
		}); err != nil {
			c.log.Warnf("p2g: recording mirror association for change %d: %v", change, err)
		}
	}
	return nil
}

// relativize maps a depot path into the branch's tree-relative Git path.
// A branch view's rhs is expressed in client-workspace form,
// "//<git branch name>/...", not as a bare repo-relative path (see
// repocontext's temp-client views), so the literal prefix Translate
// leaves in place is stripped before the result can be used as a Git
// tree path.
func relativize(b *branch.Branch, depotFile string) (string, bool) {
	m, err := b.View()
	if err != nil {
		return "", false
	}
	clientPath, ok := m.Translate(depotFile, viewmap.LhsToRhs)
	if !ok {
		return "", false
	}
	prefix := "//" + b.GitBranchName + "/"
	if !strings.HasPrefix(clientPath, prefix) {
		return "", false
	}
	return strings.TrimPrefix(clientPath, prefix), true
}

// writeTree recursively builds and writes Git tree objects for a flat
// path->blob map, returning the root tree's sha.
func (c *Copier) writeTree(files map[string]treeFile) (string, error) {
	return c.writeSubtree(files, "")
}

func (c *Copier) writeSubtree(files map[string]treeFile, prefix string) (string, error) {
	type child struct {
		name    string
		isDir   bool
		sha     string
		mode    string
		entries map[string]treeFile
	}
	byFirstSegment := map[string]*child{}
	var order []string

	for path, tf := range files {
		rel := strings.TrimPrefix(path, prefix)
		if rel == "" {
			continue
		}
		parts := strings.SplitN(rel, "/", 2)
		name := parts[0]
		if _, ok := byFirstSegment[name]; !ok {
			byFirstSegment[name] = &child{name: name}
			order = append(order, name)
		}
		ch := byFirstSegment[name]
		if len(parts) == 1 {
			ch.sha = tf.sha
			ch.mode = tf.mode
		} else {
			ch.isDir = true
			if ch.entries == nil {
				ch.entries = map[string]treeFile{}
			}
			ch.entries[rel] = tf
		}
	}

	var entries []gitobj.TreeEntry
	for _, name := range order {
		ch := byFirstSegment[name]
		if ch.isDir {
			sub := map[string]treeFile{}
			for k, v := range ch.entries {
				sub[prefix+name+"/"+k] = v
			}
			sha, err := c.writeSubtree(sub, prefix+name+"/")
			if err != nil {
				return "", err
			}
			entries = append(entries, gitobj.TreeEntry{Mode: "040000", Name: name, Sha: sha})
		} else {
			entries = append(entries, gitobj.TreeEntry{Mode: ch.mode, Name: name, Sha: ch.sha})
		}
	}

	data, err := gitobj.EncodeTree(entries)
	if err != nil {
		return "", err
	}
	return c.git.WriteObject(gitobj.KindTree, data)
}

func modeFor(p4Type string) string {
	switch {
	case strings.Contains(p4Type, "symlink"):
		return "120000"
	case strings.Contains(p4Type, "+x") || strings.Contains(p4Type, "xtext"):
		return "100755"
	default:
		return "100644"
	}
}

// blobShaFor implements step 2 for one file revision: consult the
// revision index first, otherwise fetch and hash the content (stripping a
// symlink's trailing newline per the Design Note in spec §9), then record
// the mapping.
func (c *Copier) blobShaFor(ctx context.Context, client p4client.Client, fe fileEntry) (string, error) {
	if sha, ok := c.revIndex.Get(fe.DepotFile, fe.Rev); ok {
		return sha, nil
	}
	var buf bytes.Buffer
	revPath := fmt.Sprintf("%s#%d", fe.DepotFile, fe.Rev)
	if err := client.Print(ctx, revPath, &buf, p4client.PrintOpts{SuppressKeywords: true}); err != nil {
		return "", fmt.Errorf("printing %s: %w", revPath, err)
	}
	data := buf.Bytes()
	if strings.Contains(fe.FileType, "symlink") {
		data = bytes.TrimSuffix(data, []byte("\n"))
	}
	sha, err := c.git.WriteObject(gitobj.KindBlob, data)
	if err != nil {
		return "", err
	}
	if err := c.revIndex.Set(fe.DepotFile, fe.Rev, sha); err != nil {
		return "", err
	}
	return sha, nil
}

// discoverNewBranches implements step 3: scan this changelist's
// integration sources for depot paths not covered by any known branch,
// and log the anonymous id and depot-branch record path a new lightweight
// branch for each would take. No branch is added to the dict or to the
// depot-branch index, and no history is queued for copying.
func (c *Copier) discoverNewBranches(ctx context.Context, repo *repocontext.Context, change int, files []fileEntry) error {
	for _, fe := range files {
		if fe.Action != "branch" && fe.Action != "integrate" {
			continue
		}
		if covered(repo.Branches, fe.DepotFile) {
			continue
		}
		results, err := repo.Repo().Run(ctx, "filelog", fmt.Sprintf("%s#%d", fe.DepotFile, fe.Rev))
		if err != nil || len(results) == 0 {
			continue
		}
		sources := parseFilelogSources(results[0])
		for _, src := range sources {
			if covered(repo.Branches, src.FromFile) {
				continue
			}
			id := repo.Branches.NewAnonymousID()
			c.log.Infof("p2g: new lightweight branch %s discovered via %s at change %d (record path %s)",
				id, src.FromFile, change, depotbranch.PathFor(id))
		}
	}
	return nil
}

func covered(dict *branch.Dict, depotPath string) bool {
	for _, b := range dict.All() {
		if b.Intersects(depotPath) {
			return true
		}
	}
	return false
}

// parentShas implements §4.7a: prefer an explicit Fusion-written parent
// tag in the description, otherwise fall back to first-parent = the
// branch's own previous commit, plus any integration source whose
// changelist was turned into a commit earlier in this same Copy pass
// (changeShas). Sources copied in earlier passes add no parent.
func (c *Copier) parentShas(ctx context.Context, repo *repocontext.Context, b *branch.Branch, change int) ([]string, error) {
	results, err := repo.Repo().Run(ctx, "describe", "-s", strconv.Itoa(change))
	if err != nil || len(results) == 0 {
		return nil, err
	}
	if tagged := parseParentTag(results[0]["desc"]); len(tagged) > 0 {
		return tagged, nil
	}

	var parents []string
	if tip, ok := c.branchTips[b.ID]; ok {
		parents = append(parents, tip)
	}

	files := parseDescribeFiles(results[0])
	for _, fe := range files {
		if fe.Action != "branch" && fe.Action != "integrate" {
			continue
		}
		logResults, err := repo.Repo().Run(ctx, "filelog", fmt.Sprintf("%s#%d", fe.DepotFile, fe.Rev))
		if err != nil || len(logResults) == 0 {
			continue
		}
		for _, src := range parseFilelogSources(logResults[0]) {
			srcChange, ok, err := c.mirrorChangeForFile(ctx, repo, src)
			if !ok || err != nil {
				continue
			}
			if sha, found := c.changeShas[srcChange]; found {
				parents = appendUnique(parents, sha)
			}
		}
	}
	return parents, nil
}

// mirrorChangeForFile resolves an integration source file@rev to the
// changelist that last touched it; parentShas looks that changelist up in
// changeShas.
func (c *Copier) mirrorChangeForFile(ctx context.Context, repo *repocontext.Context, src integSource) (int, bool, error) {
	results, err := repo.Repo().Run(ctx, "filelog", fmt.Sprintf("%s#%d", src.FromFile, src.FromRev))
	if err != nil || len(results) == 0 {
		return 0, false, err
	}
	n, err := strconv.Atoi(results[0]["change0"])
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

func appendUnique(ss []string, s string) []string {
	for _, existing := range ss {
		if existing == s {
			return ss
		}
	}
	return append(ss, s)
}

// parseParentTag extracts explicit parent shas from a Fusion-written
// metadata block of the form "git-fusion-parents: <sha> <sha> ...".
func parseParentTag(desc string) []string {
	const marker = "git-fusion-parents:"
	idx := strings.Index(desc, marker)
	if idx < 0 {
		return nil
	}
	rest := desc[idx+len(marker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.Fields(rest)
}
