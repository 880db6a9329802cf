package depotbranch

import (
	"context"
	"testing"

	"github.com/rcowham/gitp4fusion/p4client/faketest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromDepot(t *testing.T) {
	c := faketest.New()
	c.SeedFile(RecordPrefix+"/0", 1, Serialize(Info{ID: "0", Root: "//depot/main"}))
	c.SeedFile(RecordPrefix+"/1", 1, Serialize(Info{
		ID: "1", Root: "//depot/branches/1", Parents: []string{"0"}, ParentChanges: []string{"42"},
	}))

	idx, err := Load(context.Background(), c)
	require.NoError(t, err)

	info, ok := idx.ByID("1")
	require.True(t, ok)
	assert.Equal(t, "//depot/branches/1", info.Root)
	assert.Equal(t, []string{"0"}, info.Parents)
}

func TestAsBranchInfoLookupAdapter(t *testing.T) {
	idx := NewIndex()
	require.NoError(t, idx.Add(Info{ID: "1", Root: "//depot/branches/1", Parents: []string{"0"}, ParentChanges: []string{"42"}}))

	lookup := idx.AsBranchInfoLookup()
	info, ok := lookup.ByID("1")
	require.True(t, ok)
	assert.Equal(t, "//depot/branches/1", info.Root)
	assert.Equal(t, []string{"0"}, info.Parents)

	_, ok = lookup.ByID("missing")
	assert.False(t, ok)
}

func TestAddRejectsMismatchedLengths(t *testing.T) {
	idx := NewIndex()
	err := idx.Add(Info{ID: "1", Root: "//depot/branches/1", Parents: []string{"0"}})
	assert.Error(t, err)
}

func TestAddAndByID(t *testing.T) {
	idx := NewIndex()
	require.NoError(t, idx.Add(Info{ID: "0", Root: "//depot/main"}))
	require.NoError(t, idx.Add(Info{
		ID: "1", Root: "//depot/branches/1",
		Parents: []string{"0"}, ParentChanges: []string{"42"},
	}))

	info, ok := idx.ByID("1")
	require.True(t, ok)
	assert.Equal(t, "//depot/branches/1", info.Root)
}

func TestAddRejectsCycle(t *testing.T) {
	idx := NewIndex()
	require.NoError(t, idx.Add(Info{ID: "a", Parents: []string{"b"}, ParentChanges: []string{"1"}}))
	err := idx.Add(Info{ID: "b", Parents: []string{"a"}, ParentChanges: []string{"1"}})
	assert.Error(t, err)
	// the cycle-forming record must not have been left behind
	_, ok := idx.ByID("b")
	assert.False(t, ok)
}

func TestByRootPrefixPicksLongestMatch(t *testing.T) {
	idx := NewIndex()
	require.NoError(t, idx.Add(Info{ID: "0", Root: "//depot"}))
	require.NoError(t, idx.Add(Info{ID: "1", Root: "//depot/branches/feature", Parents: []string{"0"}, ParentChanges: []string{"10"}}))

	info, ok := idx.ByRootPrefix("//depot/branches/feature/x.go")
	require.True(t, ok)
	assert.Equal(t, "1", info.ID)
}

func TestAncestorChange(t *testing.T) {
	idx := NewIndex()
	require.NoError(t, idx.Add(Info{ID: "0", Root: "//depot/main"}))
	require.NoError(t, idx.Add(Info{ID: "1", Root: "//depot/branches/1", Parents: []string{"0"}, ParentChanges: []string{"42"}}))
	require.NoError(t, idx.Add(Info{ID: "2", Root: "//depot/branches/2", Parents: []string{"1"}, ParentChanges: []string{"55"}}))

	n, ok := idx.AncestorChange("2", "0")
	require.True(t, ok)
	assert.Equal(t, 42, n)

	n, ok = idx.AncestorChange("2", "1")
	require.True(t, ok)
	assert.Equal(t, 55, n)

	_, ok = idx.AncestorChange("2", "nonexistent")
	assert.False(t, ok)
}

func TestBasisDivergence(t *testing.T) {
	idx := NewIndex()
	require.NoError(t, idx.Add(Info{ID: "0", Root: "//depot/main"}))
	require.NoError(t, idx.Add(Info{ID: "1", Root: "//depot/branches/1", Parents: []string{"0"}, ParentChanges: []string{"42"}}))

	n, ok := idx.BasisDivergence("1")
	require.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = idx.BasisDivergence("0")
	assert.False(t, ok)
}

func TestBranchesHousing(t *testing.T) {
	idx := NewIndex()
	require.NoError(t, idx.Add(Info{ID: "0", Root: "//depot/main"}))
	require.NoError(t, idx.Add(Info{ID: "1", Root: "//depot/branches/1", Parents: []string{"0"}, ParentChanges: []string{"1"}}))

	infos := idx.BranchesHousing([]string{"//depot/main/a.go", "//depot/branches/1/b.go", "//depot/main/c.go"})
	require.Len(t, infos, 2)
	assert.Equal(t, "0", infos[0].ID)
	assert.Equal(t, "1", infos[1].ID)
}

func TestSerializeParseRoundTrip(t *testing.T) {
	info := Info{ID: "1", Root: "//depot/branches/1", Parents: []string{"0"}, ParentChanges: []string{"42"}}
	parsed, err := parseRecord("1", Serialize(info))
	require.NoError(t, err)
	assert.Equal(t, info.Root, parsed.Root)
	assert.Equal(t, info.Parents, parsed.Parents)
	assert.Equal(t, info.ParentChanges, parsed.ParentChanges)
}

func TestIsProvisional(t *testing.T) {
	info := Info{ID: "1", Parents: []string{"0"}, ParentChanges: []string{"@provisional-abc123"}}
	assert.True(t, info.IsProvisional(0))

	info2 := Info{ID: "1", Parents: []string{"0"}, ParentChanges: []string{"42"}}
	assert.False(t, info2.IsProvisional(0))
}
