// Command gitp4fusion is the primary CLI: it drives the Git<->depot bridge
// described in spec §4 end to end, the "push"/"copy"/"import" entry points
// a real Git Fusion deployment runs from cron and from the depot-side
// push trigger.
package main

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	_ "net/http/pprof" // profiling only
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alitto/pond"
	"github.com/pkg/profile"
	"github.com/rcowham/gitp4fusion/assign"
	"github.com/rcowham/gitp4fusion/branch"
	"github.com/rcowham/gitp4fusion/config"
	"github.com/rcowham/gitp4fusion/depotbranch"
	"github.com/rcowham/gitp4fusion/g2p"
	"github.com/rcowham/gitp4fusion/gitobj"
	"github.com/rcowham/gitp4fusion/journal"
	"github.com/rcowham/gitp4fusion/lock"
	"github.com/rcowham/gitp4fusion/metrics"
	"github.com/rcowham/gitp4fusion/mirror"
	"github.com/rcowham/gitp4fusion/p2g"
	"github.com/rcowham/gitp4fusion/p4client"
	"github.com/rcowham/gitp4fusion/repoconfig"
	"github.com/rcowham/gitp4fusion/repocontext"

	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app = kingpin.New("gitp4fusion", "Bidirectional bridge between Git and a Perforce-style depot")

	p4port   = app.Flag("p4port", "P4PORT of the depot").Default("perforce:1666").String()
	p4user   = app.Flag("p4user", "Depot user the bridge runs as").Default("git-fusion-user").String()
	repoID   = app.Flag("repo", "Repo id (maps to //.git-fusion/repos/<repo>)").Required().String()
	serverID = app.Flag("server-id", "This server's id, for the atomic push lock").Default("git-fusion-server").String()
	logLevel = app.Flag("log-level", "debug|info|warn|error").Default("info").String()
	cpuprofile = app.Flag("cpuprofile", "Enable CPU profiling, writing to ./cpu.pprof").Bool()

	importCmd       = app.Command("import", "Bulk-import a git fast-export stream straight into depot journal + archive output (initial repo seeding)")
	importExportFile = importCmd.Flag("git-export-file", "Path to a git-fast-export stream (default: stdin)").String()
	importJournal    = importCmd.Flag("journal-file", "Output journal file").Required().String()
	importArchiveRoot = importCmd.Flag("archive-root", "Root directory for librarian archive content").Required().String()
	importRoot       = importCmd.Flag("import-root", "Depot path prefix used when no branch config is given").Default("//depot/import").String()
	importDefaultBranch = importCmd.Flag("default-branch", "Git branch name used for root commits").Default("main").String()
	importDefaultUser   = importCmd.Flag("default-user", "Fallback p4 user when a commit's email doesn't resolve to one").Default("git-user").String()
	importConfigFile = importCmd.Flag("config", "Optional local import config (YAML): overrides import-root/default-branch and adds regex branch-prefix mappings").String()
	importMarksFile  = importCmd.Flag("marks-file", "Optional git fast-export --export-marks file, enabling real sha1/parents in the Fusion metadata block").String()

	copyCmd    = app.Command("copy", "Copy new depot changelists into a Git repo (P2G)")
	copyGitDir = copyCmd.Flag("git-dir", "Path to the target bare/non-bare Git repository").Required().String()
	copyConfig = copyCmd.Flag("repo-config", "Path to the repo's p4gf_config file").Required().String()
	copyUntil  = copyCmd.Flag("until", "Stop copying at this changelist (0 = current head)").Default("0").Int()
	copyMemCapped = copyCmd.Flag("mem-capped", "Use the symlink-backed revision index instead of in-memory").Bool()

	pushCmd       = app.Command("push", "Assign pushed commits to branches under the atomic push lock (no changelists are submitted)")
	pushExportFile = pushCmd.Flag("git-export-file", "Path to pre-receive ref-update lines, \"<old-sha> <new-sha> <ref>\" (default: stdin)").String()
	pushConfig     = pushCmd.Flag("repo-config", "Path to the repo's p4gf_config file").Required().String()
	pushGitDir     = pushCmd.Flag("git-dir", "Path to the pushing Git repository, for walking the commit DAG").Required().String()
)

func newLogger() *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func main() {
	app.UsageTemplate(kingpin.DefaultUsageTemplate).Version(version.Print("gitp4fusion")).Author("Robert Cowham")
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *cpuprofile {
		defer profile.Start(profile.CPUProfile).Stop()
	}

	log := newLogger()
	ctx := context.Background()

	var err error
	switch cmd {
	case importCmd.FullCommand():
		err = runImport(ctx, log)
	case copyCmd.FullCommand():
		err = runCopy(ctx, log)
	case pushCmd.FullCommand():
		err = runPush(ctx, log)
	}
	if err != nil {
		log.Errorf("gitp4fusion: %v", err)
		os.Exit(1)
	}
}

// diskArchives persists librarian archive content under a root directory,
// gzip-compressed when the importer marks a blob as such.
type diskArchives struct {
	root string
}

func (a *diskArchives) WriteArchive(depotFile string, rev int, compressed bool, data []byte) error {
	rel := strings.TrimPrefix(depotFile, "//")
	dir := filepath.Join(a.root, filepath.Dir(rel)+",d")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("archive dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s,%d", filepath.Base(rel), rev)
	if compressed {
		name += ".gz"
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("archive file: %w", err)
	}
	defer f.Close()
	if !compressed {
		_, err := f.Write(data)
		return err
	}
	gz := gzip.NewWriter(f)
	defer gz.Close()
	_, err = gz.Write(data)
	return err
}

func runImport(ctx context.Context, log *logrus.Logger) error {
	var r io.Reader = os.Stdin
	if *importExportFile != "" {
		f, err := os.Open(*importExportFile)
		if err != nil {
			return fmt.Errorf("opening %s: %w", *importExportFile, err)
		}
		defer f.Close()
		r = bufio.NewReader(f)
	}

	importRootVal := *importRoot
	defaultBranchVal := *importDefaultBranch
	defaultUserVal := *importDefaultUser
	var mappings []config.BranchMapping
	if *importConfigFile != "" {
		cfg, err := config.LoadConfigFile(*importConfigFile)
		if err != nil {
			return fmt.Errorf("loading import config %s: %w", *importConfigFile, err)
		}
		if cfg.ImportPath != "" {
			importRootVal = cfg.ImportPath
		} else if cfg.ImportDepot != "" {
			importRootVal = fmt.Sprintf("//%s", cfg.ImportDepot)
		}
		if cfg.DefaultBranch != "" {
			defaultBranchVal = cfg.DefaultBranch
		}
		mappings = cfg.BranchMappings
		log.Infof("gitp4fusion import: loaded config %s (%d branch mapping(s))", *importConfigFile, len(mappings))
	}

	var markToSha map[int]string
	if *importMarksFile != "" {
		var err error
		markToSha, err = loadMarksFile(*importMarksFile)
		if err != nil {
			return fmt.Errorf("loading marks file %s: %w", *importMarksFile, err)
		}
	}

	jf, err := os.Create(*importJournal)
	if err != nil {
		panic(err) // unrecoverable setup failure, matches the teacher's os.Create(*outputJournal) panic
	}
	defer jf.Close()

	j := journal.New(jf)
	if err := j.WriteHeader(importRootVal, fmt.Sprintf("git-fusion-%s", *repoID), defaultUserVal); err != nil {
		return fmt.Errorf("writing journal header: %w", err)
	}

	pool := pond.New(10, 0, pond.MinWorkers(4))
	defer pool.StopAndWait()

	reg := metrics.New()

	im := g2p.New(log, g2p.Options{
		Resolver:      &g2p.Resolver{ImportRoot: importRootVal, Mappings: mappings},
		Archives:      &diskArchives{root: *importArchiveRoot},
		Journal:       j,
		Pool:          pool,
		DefaultUser:   defaultUserVal,
		DefaultBranch: defaultBranchVal,
		DepotBranches: depotbranch.NewIndex(),
		Metrics:       reg,
		Repo:          *repoID,
		MarkToSha:     markToSha,
	})

	n, err := im.Run(ctx, r)
	if err != nil {
		return fmt.Errorf("importing fast-export stream: %w", err)
	}
	log.Infof("gitp4fusion import: wrote %d commits to %s", n, *importJournal)
	return nil
}

// loadMarksFile parses a "git fast-export --export-marks=<file>" file: one
// ":<mark> <sha1>" line per commit/blob the export stream assigned a mark
// to. Only used to populate g2p.Options.MarkToSha; lines for blob marks
// (which never appear as a commit's fromMark/mergeMarks) are harmless,
// simply never looked up.
func loadMarksFile(path string) (map[int]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[int]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, ":") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		mark, err := strconv.Atoi(strings.TrimPrefix(fields[0], ":"))
		if err != nil {
			continue
		}
		out[mark] = fields[1]
	}
	return out, scanner.Err()
}

// execGitWriter implements p2g.GitWriter over a real Git checkout via the
// "git" binary's plumbing commands, the same boundary pattern as
// p4client.CmdClient wrapping "p4".
type execGitWriter struct {
	dir string
}

func (w *execGitWriter) git(args []string, stdin io.Reader) ([]byte, error) {
	cmd := exec.Command("git", append([]string{"-C", w.dir}, args...)...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, ee.Stderr)
		}
		return nil, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

func (w *execGitWriter) WriteObject(kind gitobj.Kind, data []byte) (string, error) {
	out, err := w.git([]string{"hash-object", "-w", "-t", string(kind), "--stdin"}, strings.NewReader(string(data)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (w *execGitWriter) UpdateRef(ref, sha string) error {
	_, err := w.git([]string{"update-ref", ref, sha}, nil)
	return err
}

func (w *execGitWriter) Tag(name, sha string) error {
	_, err := w.git([]string{"tag", "-f", name, sha}, nil)
	return err
}

func runCopy(ctx context.Context, log *logrus.Logger) error {
	content, err := os.ReadFile(*copyConfig)
	if err != nil {
		return fmt.Errorf("reading %s: %w", *copyConfig, err)
	}
	cfg, err := repoconfig.Parse(content)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", *copyConfig, err)
	}

	dict := branch.NewDict()
	for _, cs := range cfg.Branches {
		b, err := branch.FromConfigSection(cs)
		if err != nil {
			return fmt.Errorf("branch %s: %w", cs.Name, err)
		}
		dict.Add(b)
	}

	client := p4client.NewCmdClient(*p4port, *p4user, "")
	conns := repocontext.Connections{Repo: client, Mirror: client, Interest: client, UnionIntr: client}
	repo := repocontext.New(*repoID, *serverID, conns, dict, depotbranch.NewIndex(), log)

	if err := os.MkdirAll(*copyGitDir, 0755); err != nil {
		return fmt.Errorf("git-dir %s: %w", *copyGitDir, err)
	}

	cp := p2g.New(log, p2g.Options{
		Mirror:    mirror.New(client),
		Git:       &execGitWriter{dir: *copyGitDir},
		Progress:  p2g.NewCounterProgress(client, *repoID),
		MemCapped: *copyMemCapped,
	})

	if err := cp.Copy(ctx, repo, p2g.Spec{Until: *copyUntil}); err != nil {
		return fmt.Errorf("copying depot changes: %w", err)
	}
	log.Infof("gitp4fusion copy: %s up to date", *repoID)
	return nil
}

func runPush(ctx context.Context, log *logrus.Logger) error {
	content, err := os.ReadFile(*pushConfig)
	if err != nil {
		return fmt.Errorf("reading %s: %w", *pushConfig, err)
	}
	cfg, err := repoconfig.Parse(content)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", *pushConfig, err)
	}
	dict := branch.NewDict()
	for _, cs := range cfg.Branches {
		b, err := branch.FromConfigSection(cs)
		if err != nil {
			return fmt.Errorf("branch %s: %w", cs.Name, err)
		}
		dict.Add(b)
	}

	client := p4client.NewCmdClient(*p4port, *p4user, "")
	reg := metrics.New()

	repoLock := lock.New(client, *repoID, *serverID, log)
	if err := repoLock.Acquire(ctx); err != nil {
		reg.RecordPush(*repoID, "lock-failed")
		return fmt.Errorf("acquiring atomic push lock: %w", err)
	}
	defer repoLock.Release(ctx)

	var r io.Reader = os.Stdin
	if *pushExportFile != "" {
		f, ferr := os.Open(*pushExportFile)
		if ferr != nil {
			reg.RecordPush(*repoID, "read-failed")
			return fmt.Errorf("opening %s: %w", *pushExportFile, ferr)
		}
		defer f.Close()
		r = bufio.NewReader(f)
	}

	refs, err := parseRefUpdates(r)
	if err != nil {
		reg.RecordPush(*repoID, "parse-failed")
		return fmt.Errorf("parsing ref updates: %w", err)
	}

	lister := gitLogLister{dir: *pushGitDir}
	seeder := mirrorSeeder{mirror: mirror.New(client)}
	assigner := assign.New(lister, seeder, dict, log, nil)
	assignments, err := assigner.Assign(ctx, refs)
	if err != nil {
		reg.RecordPush(*repoID, "assign-failed")
		return fmt.Errorf("assigning commits to branches: %w", err)
	}

	log.Infof("gitp4fusion push: %d ref(s), %d commit(s) assigned to branches", len(refs), len(assignments))
	reg.RecordPush(*repoID, "ok")
	return nil
}

// gitLogLister implements assign.CommitLister over a local Git checkout's
// commit graph via "git log", the push-side counterpart to p2g's depot-side
// changelist discovery.
type gitLogLister struct {
	dir string
}

func (l gitLogLister) ListCommits(ctx context.Context, from []string, stopAt []string) ([]assign.CommitInfo, error) {
	args := []string{"-C", l.dir, "log", "--topo-order", "--reverse", "--format=%H %P"}
	args = append(args, from...)
	for _, s := range stopAt {
		args = append(args, "^"+s)
	}
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}
	var commits []assign.CommitInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		commits = append(commits, assign.CommitInfo{Sha: fields[0], Parents: fields[1:]})
	}
	return commits, nil
}

// mirrorSeeder implements assign.MirrorSeeder over the object mirror's
// commit-index records.
type mirrorSeeder struct {
	mirror *mirror.Mirror
}

func (s mirrorSeeder) BranchesForCommit(ctx context.Context, sha string) ([]string, bool) {
	branchID, ok, err := s.mirror.BranchForCommit(ctx, sha)
	if err != nil || !ok {
		return nil, false
	}
	return []string{branchID}, true
}

// parseRefUpdates reads "<old-sha> <new-sha> <ref>" lines, the format
// git's pre-receive hook feeds a push handler, one update per ref.
func parseRefUpdates(r io.Reader) ([]assign.RefUpdate, error) {
	scanner := bufio.NewScanner(r)
	var out []assign.RefUpdate
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ref update line %q", line)
		}
		out = append(out, assign.RefUpdate{OldSha: fields[0], NewSha: fields[1], Ref: fields[2]})
	}
	return out, scanner.Err()
}
