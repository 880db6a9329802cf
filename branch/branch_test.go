package branch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromConfigSectionRequiresViewOrStream(t *testing.T) {
	_, err := FromConfigSection(ConfigSection{Name: "master"})
	assert.Error(t, err)

	_, err = FromConfigSection(ConfigSection{
		Name:   "master",
		View:   []string{"//depot/main/... //master/..."},
		Stream: "//depot/main",
	})
	assert.Error(t, err)
}

func TestFromConfigSectionAndRoundTrip(t *testing.T) {
	cs := ConfigSection{
		Name:          "master",
		GitBranchName: "master",
		View:          []string{"//depot/main/... //master/..."},
	}
	b, err := FromConfigSection(cs)
	require.NoError(t, err)
	assert.True(t, b.Intersects("//depot/main/src/x.go"))
	assert.False(t, b.Intersects("//depot/other/x.go"))

	back := b.ToConfigSection()
	assert.Equal(t, cs.View, back.View)
}

func TestLightweightFlagFromDepotBranchID(t *testing.T) {
	b, err := FromConfigSection(ConfigSection{
		Name:          "feature",
		View:          []string{"//depot/branches/feature/... //feature/..."},
		DepotBranchID: "7",
	})
	require.NoError(t, err)
	assert.True(t, b.Lightweight)
}

func TestFullyPopulatedView(t *testing.T) {
	b, err := FromConfigSection(ConfigSection{
		Name:          "feature",
		View:          []string{"//depot/branches/feature/... //feature/..."},
		DepotBranchID: "7",
	})
	require.NoError(t, err)
	fp, err := b.FullyPopulatedView()
	require.NoError(t, err)
	got, ok := fp.Translate("//x.go", 0)
	assert.True(t, ok)
	assert.Equal(t, "//feature/x.go", got)
}

type fakeChangeLister struct {
	changes []int
}

func (f fakeChangeLister) Changes(ctx context.Context, viewRoot string, limit int) ([]int, error) {
	if limit > 0 && limit < len(f.changes) {
		return f.changes[:limit], nil
	}
	return f.changes, nil
}

func TestHasChangelistsAndMostRecent(t *testing.T) {
	b, err := FromConfigSection(ConfigSection{
		Name: "master", View: []string{"//depot/main/... //master/..."},
	})
	require.NoError(t, err)
	ctx := context.Background()

	has, err := b.HasChangelists(ctx, fakeChangeLister{})
	require.NoError(t, err)
	assert.False(t, has)

	has, err = b.HasChangelists(ctx, fakeChangeLister{changes: []int{12, 10, 5}})
	require.NoError(t, err)
	assert.True(t, has)

	mrc, err := b.MostRecentChange(ctx, fakeChangeLister{changes: []int{12, 10, 5}})
	require.NoError(t, err)
	assert.Equal(t, 12, mrc)
}

func TestDictPriorityOrdering(t *testing.T) {
	d := NewDict()
	master, _ := FromConfigSection(ConfigSection{Name: "master", GitBranchName: "master", View: []string{"//depot/main/... //master/..."}})
	master.MoreEqual = true
	dev, _ := FromConfigSection(ConfigSection{Name: "dev", GitBranchName: "dev", View: []string{"//depot/dev/... //dev/..."}})
	lw2, _ := FromConfigSection(ConfigSection{Name: "2", DepotBranchID: "2", View: []string{"//depot/branches/2/... //b2/..."}})
	lw1, _ := FromConfigSection(ConfigSection{Name: "1", DepotBranchID: "1", View: []string{"//depot/branches/1/... //b1/..."}})
	d.Add(master)
	d.Add(dev)
	d.Add(lw2)
	d.Add(lw1)

	mb, ok := d.MoreEqualBranch()
	require.True(t, ok)
	assert.Equal(t, "master", mb.ID)

	assert.Equal(t, []string{"dev", "master"}, d.FullyPopulatedNamesSorted())
	assert.Equal(t, []string{"1", "2"}, d.LightweightIDsSorted())
}

func TestNewAnonymousIDPicksSmallestUnused(t *testing.T) {
	d := NewDict()
	b1, _ := FromConfigSection(ConfigSection{Name: "1", DepotBranchID: "1", View: []string{"//depot/branches/1/... //b1/..."}})
	d.Add(b1)
	assert.Equal(t, "2", d.NewAnonymousID())
}
