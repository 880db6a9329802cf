package p2g

import (
	"context"
	"testing"

	"github.com/rcowham/gitp4fusion/branch"
	"github.com/rcowham/gitp4fusion/depotbranch"
	"github.com/rcowham/gitp4fusion/gitobj"
	"github.com/rcowham/gitp4fusion/mirror"
	"github.com/rcowham/gitp4fusion/p4client/faketest"
	"github.com/rcowham/gitp4fusion/repocontext"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// fakeGitWriter is an in-memory GitWriter double: objects are addressed by
// their real git sha1 (via gitobj.Sha1Hex) so tree/commit encoding can be
// exercised exactly as a real object store would see it.
type fakeGitWriter struct {
	objects map[string][]byte
	refs    map[string]string
	tags    map[string]string
}

func newFakeGitWriter() *fakeGitWriter {
	return &fakeGitWriter{objects: map[string][]byte{}, refs: map[string]string{}, tags: map[string]string{}}
}

func (w *fakeGitWriter) WriteObject(kind gitobj.Kind, data []byte) (string, error) {
	sha := gitobj.Sha1Hex(kind, data)
	w.objects[sha] = data
	return sha, nil
}

func (w *fakeGitWriter) UpdateRef(ref, sha string) error {
	w.refs[ref] = sha
	return nil
}

func (w *fakeGitWriter) Tag(name, sha string) error {
	w.tags[name] = sha
	return nil
}

func testDict(t *testing.T) *branch.Dict {
	d := branch.NewDict()
	master, err := branch.FromConfigSection(branch.ConfigSection{
		Name: "master", GitBranchName: "master", View: []string{"//depot/main/... //master/..."},
	})
	require.NoError(t, err)
	d.Add(master)
	return d
}

func newTestContext(t *testing.T) (*repocontext.Context, *faketest.Client) {
	c := faketest.New()
	conns := repocontext.Connections{Repo: c, Mirror: c, Interest: c, UnionIntr: c}
	ctx := repocontext.New("repoX", "server1", conns, testDict(t), depotbranch.NewIndex(), testLogger())
	return ctx, c
}

func newTestCopier(git *fakeGitWriter, client *faketest.Client) *Copier {
	return New(testLogger(), Options{
		Mirror:   mirror.New(client),
		Git:      git,
		Progress: NewCounterProgress(client, "repoX"),
	})
}

func TestCopySingleAddChange(t *testing.T) {
	repo, c := newTestContext(t)
	c.SeedFile("//depot/main/src.txt", 1, "contents\n")
	c.SeedChange(2, "alice", "initial", 1700000000, []faketest.DescribeFile{
		{DepotFile: "//depot/main/src.txt", Rev: 1, Action: "add", Type: "text"},
	})

	git := newFakeGitWriter()
	cp := newTestCopier(git, c)

	err := cp.Copy(context.Background(), repo, Spec{})
	require.NoError(t, err)

	tip, ok := git.refs["refs/heads/master"]
	require.True(t, ok)
	require.Contains(t, git.objects, tip)

	n, err := c.Counter(context.Background(), "git-fusion-copied-repoX-master")
	require.NoError(t, err)
	assert.Equal(t, "2", n)
}

func TestCopySkipsAlreadyCopiedChanges(t *testing.T) {
	repo, c := newTestContext(t)
	c.SeedFile("//depot/main/src.txt", 1, "contents\n")
	c.SeedChange(2, "alice", "initial", 1700000000, []faketest.DescribeFile{
		{DepotFile: "//depot/main/src.txt", Rev: 1, Action: "add", Type: "text"},
	})
	require.NoError(t, c.SetCounter(context.Background(), "git-fusion-copied-repoX-master", "2"))

	git := newFakeGitWriter()
	cp := newTestCopier(git, c)

	err := cp.Copy(context.Background(), repo, Spec{})
	require.NoError(t, err)
	assert.Empty(t, git.refs)
}

func TestCopyDeleteRemovesFileFromTree(t *testing.T) {
	repo, c := newTestContext(t)
	c.SeedFile("//depot/main/src.txt", 1, "contents\n")
	c.SeedChange(2, "alice", "initial", 1700000000, []faketest.DescribeFile{
		{DepotFile: "//depot/main/src.txt", Rev: 1, Action: "add", Type: "text"},
	})
	c.SeedChange(3, "alice", "removed", 1700000100, []faketest.DescribeFile{
		{DepotFile: "//depot/main/src.txt", Rev: 2, Action: "delete", Type: "text"},
	})

	git := newFakeGitWriter()
	cp := newTestCopier(git, c)

	err := cp.Copy(context.Background(), repo, Spec{})
	require.NoError(t, err)

	tip := git.refs["refs/heads/master"]
	commit, ok := git.objects[tip]
	require.True(t, ok)
	treeSha := string(commit[len("tree ") : len("tree ")+40])
	tree, ok := git.objects[treeSha]
	require.True(t, ok)
	assert.NotContains(t, string(tree), "src.txt")
}

func TestParentShasUsesExplicitTag(t *testing.T) {
	repo, c := newTestContext(t)
	c.SeedFile("//depot/main/src.txt", 1, "contents\n")
	c.SeedChange(2, "alice", "initial git-fusion-parents: deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", 1700000000,
		[]faketest.DescribeFile{{DepotFile: "//depot/main/src.txt", Rev: 1, Action: "add", Type: "text"}})

	git := newFakeGitWriter()
	cp := newTestCopier(git, c)
	b, _ := repo.Branches.ByID("master")

	parents, err := cp.parentShas(context.Background(), repo, b, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"}, parents)
}

func TestRelativizeStripsClientPrefix(t *testing.T) {
	b, err := branch.FromConfigSection(branch.ConfigSection{
		Name: "master", GitBranchName: "master", View: []string{"//depot/main/... //master/..."},
	})
	require.NoError(t, err)

	rel, ok := relativize(b, "//depot/main/sub/dir/file.txt")
	require.True(t, ok)
	assert.Equal(t, "sub/dir/file.txt", rel)
}

func TestMemIndexRoundTrip(t *testing.T) {
	idx := NewMemIndex()
	require.NoError(t, idx.Set("//depot/main/a.txt", 1, "abc123"))
	sha, ok := idx.Get("//depot/main/a.txt", 1)
	require.True(t, ok)
	assert.Equal(t, "abc123", sha)
	_, ok = idx.Get("//depot/main/a.txt", 2)
	assert.False(t, ok)
}

func TestSymlinkIndexRoundTrip(t *testing.T) {
	idx, err := NewSymlinkIndex(t.TempDir())
	require.NoError(t, err)
	sha := "0123456789abcdef0123456789abcdef01234567"
	require.NoError(t, idx.Set("//depot/main/a.txt", 3, sha))
	got, ok := idx.Get("//depot/main/a.txt", 3)
	require.True(t, ok)
	assert.Equal(t, sha, got)
}
