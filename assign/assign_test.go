package assign

import (
	"context"
	"testing"

	"github.com/rcowham/gitp4fusion/branch"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLister is a hand-built commit DAG for tests; each test supplies its
// own commits.
type fakeLister struct {
	commits map[string]CommitInfo
}

func (f fakeLister) ListCommits(ctx context.Context, from []string, stopAt []string) ([]CommitInfo, error) {
	stop := map[string]bool{}
	for _, s := range stopAt {
		stop[s] = true
	}
	var out []string
	seen := map[string]bool{}
	var visit func(sha string)
	visit = func(sha string) {
		if seen[sha] || stop[sha] {
			return
		}
		seen[sha] = true
		ci, ok := f.commits[sha]
		if !ok {
			return
		}
		for _, p := range ci.Parents {
			visit(p)
		}
		out = append(out, sha)
	}
	for _, sha := range from {
		visit(sha)
	}
	result := make([]CommitInfo, 0, len(out))
	for _, sha := range out {
		result = append(result, f.commits[sha])
	}
	return result, nil
}

type noSeeder struct{}

func (noSeeder) BranchesForCommit(ctx context.Context, sha string) ([]string, bool) { return nil, false }

func testDict() *branch.Dict {
	d := branch.NewDict()
	master, _ := branch.FromConfigSection(branch.ConfigSection{
		Name: "master", GitBranchName: "master", View: []string{"//depot/main/... //master/..."},
	})
	master.MoreEqual = true
	d.Add(master)
	return d
}

func TestAssignLinearHistoryAllGetMasterBranch(t *testing.T) {
	lister := fakeLister{commits: map[string]CommitInfo{
		"a": {Sha: "a"},
		"b": {Sha: "b", Parents: []string{"a"}},
		"c": {Sha: "c", Parents: []string{"b"}},
	}}
	a := New(lister, noSeeder{}, testDict(), logrus.New(), nil)

	assignments, err := a.Assign(context.Background(), []RefUpdate{
		{NewSha: "c", Ref: "master"},
	})
	require.NoError(t, err)
	require.Len(t, assignments, 3)
	for _, asn := range assignments {
		assert.Equal(t, []string{"master"}, asn.Branches)
	}
}

func TestAssignRespectsOldHeadBoundary(t *testing.T) {
	lister := fakeLister{commits: map[string]CommitInfo{
		"a": {Sha: "a"},
		"b": {Sha: "b", Parents: []string{"a"}},
		"c": {Sha: "c", Parents: []string{"b"}},
		"d": {Sha: "d", Parents: []string{"c"}},
	}}
	a := New(lister, noSeeder{}, testDict(), logrus.New(), nil)

	assignments, err := a.Assign(context.Background(), []RefUpdate{
		{OldSha: "b", NewSha: "d", Ref: "master"},
	})
	require.NoError(t, err)

	byS := map[string]Assignment{}
	for _, asn := range assignments {
		byS[asn.Sha] = asn
	}
	assert.Equal(t, []string{"master"}, byS["d"].Branches)
	assert.Equal(t, []string{"master"}, byS["c"].Branches)
	assert.Equal(t, []string{"master"}, byS["b"].Branches)
}

func TestAssignUnreachedCommitsGetAnonymousBranch(t *testing.T) {
	// a and b are pushed via master; x is an unrelated head with no branch
	// dict entry, so it should get an anonymous lightweight id.
	lister := fakeLister{commits: map[string]CommitInfo{
		"a": {Sha: "a"},
		"b": {Sha: "b", Parents: []string{"a"}},
		"x": {Sha: "x"},
	}}
	a := New(lister, noSeeder{}, testDict(), logrus.New(), nil)

	assignments, err := a.Assign(context.Background(), []RefUpdate{
		{NewSha: "b", Ref: "master"},
		{NewSha: "x", Ref: "orphan"},
	})
	require.NoError(t, err)

	byS := map[string]Assignment{}
	for _, asn := range assignments {
		byS[asn.Sha] = asn
	}
	assert.Equal(t, []string{"master"}, byS["b"].Branches)
	require.Len(t, byS["x"].Branches, 1)
	assert.NotEqual(t, "master", byS["x"].Branches[0])
}

func TestEveryCommitHasAtLeastOneBranch(t *testing.T) {
	lister := fakeLister{commits: map[string]CommitInfo{
		"a": {Sha: "a"},
		"b": {Sha: "b", Parents: []string{"a"}},
	}}
	a := New(lister, noSeeder{}, testDict(), logrus.New(), nil)
	assignments, err := a.Assign(context.Background(), []RefUpdate{
		{NewSha: "b", Ref: "master"},
	})
	require.NoError(t, err)
	for _, asn := range assignments {
		assert.NotEmpty(t, asn.Branches)
	}
}
