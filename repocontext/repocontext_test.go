package repocontext

import (
	"context"
	"testing"

	"github.com/rcowham/gitp4fusion/branch"
	"github.com/rcowham/gitp4fusion/depotbranch"
	"github.com/rcowham/gitp4fusion/p4client/faketest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDict(t *testing.T) *branch.Dict {
	d := branch.NewDict()
	master, err := branch.FromConfigSection(branch.ConfigSection{
		Name: "master", GitBranchName: "master", View: []string{"//depot/main/... //master/..."},
	})
	require.NoError(t, err)
	d.Add(master)
	return d
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestContext(t *testing.T) (*Context, *faketest.Client) {
	c := faketest.New()
	conns := Connections{Repo: c, Mirror: c, Interest: c, UnionIntr: c}
	ctx := New("repoX", "server1", conns, testDict(t), depotbranch.NewIndex(), testLogger())
	return ctx, c
}

func TestSwitchToBranchWritesTempClientView(t *testing.T) {
	ctx, c := newTestContext(t)
	b, _ := ctx.Branches.ByID("master")

	scope, err := ctx.SwitchToBranch(context.Background(), b)
	require.NoError(t, err)
	defer scope.Close()

	spec, err := c.FetchSpec(context.Background(), "client", scope.ClientName())
	require.NoError(t, err)
	assert.Equal(t, "//depot/main/... //master/...", spec.Fields["View0"])
}

func TestSwitchToUnionViewCoversAllBranches(t *testing.T) {
	ctx, c := newTestContext(t)
	dev, err := branch.FromConfigSection(branch.ConfigSection{
		Name: "dev", GitBranchName: "dev", View: []string{"//depot/dev/... //dev/..."},
	})
	require.NoError(t, err)
	ctx.Branches.Add(dev)

	scope, err := ctx.SwitchToUnionView(context.Background())
	require.NoError(t, err)
	defer scope.Close()

	spec, err := c.FetchSpec(context.Background(), "client", scope.ClientName())
	require.NoError(t, err)
	assert.Len(t, spec.Fields, 2)
}

func TestNewPendingChangeSubmit(t *testing.T) {
	ctx, _ := newTestContext(t)
	nc, err := ctx.NewPendingChange(context.Background(), "git-fusion-repoX", "test")
	require.NoError(t, err)
	final, err := nc.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nc.Number(), final)
}

func TestNewPendingChangeAbandon(t *testing.T) {
	ctx, _ := newTestContext(t)
	nc, err := ctx.NewPendingChange(context.Background(), "git-fusion-repoX", "test")
	require.NoError(t, err)
	require.NoError(t, nc.Abandon(context.Background()))
}

func TestHistoryRingBufferEviction(t *testing.T) {
	ctx, _ := newTestContext(t)
	ctx.historyCap = 3
	for i := 0; i < 5; i++ {
		ctx.RecordHistory("event")
	}
	assert.Len(t, ctx.History(), 3)
}
