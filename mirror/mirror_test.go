package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/rcowham/gitp4fusion/gitobj"
	"github.com/rcowham/gitp4fusion/p4client/faketest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenFetchRoundTrip(t *testing.T) {
	c := faketest.New()
	m := New(c)
	ctx := context.Background()

	change, err := c.NewChange(ctx, "git-fusion-repoX", "mirror object")
	require.NoError(t, err)

	sha, err := m.Write(ctx, change, gitobj.KindBlob, []byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", sha)

	exists, err := m.Exists(ctx, sha)
	require.NoError(t, err)
	assert.True(t, exists)

	kind, data, err := m.Fetch(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, gitobj.KindBlob, kind)
	assert.Equal(t, []byte("hello\n"), data)
}

func TestExistsFalseForUnknownObject(t *testing.T) {
	m := New(faketest.New())
	exists, err := m.Exists(context.Background(), "0000000000000000000000000000000000000a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRecordAndLookupCommitAssociation(t *testing.T) {
	c := faketest.New()
	m := New(c)
	ctx := context.Background()

	change, err := c.NewChange(ctx, "git-fusion-repoX", "mirror commit")
	require.NoError(t, err)

	sha := "abc123abc123abc123abc123abc123abc123abc"
	require.NoError(t, m.RecordCommit(ctx, change, AssociationRecord{
		Sha: sha, Change: 99, DepotBranch: "master",
	}))

	found, ok, err := m.ChangeForCommit(ctx, sha)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 99, found)
}

func TestChangeForCommitUnknown(t *testing.T) {
	m := New(faketest.New())
	_, ok, err := m.ChangeForCommit(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachedMirrorServesFromCache(t *testing.T) {
	c := faketest.New()
	base := New(c)
	cached := NewCached(base, time.Minute)
	ctx := context.Background()

	change, err := c.NewChange(ctx, "git-fusion-repoX", "mirror object")
	require.NoError(t, err)
	sha, err := base.Write(ctx, change, gitobj.KindBlob, []byte("cached\n"))
	require.NoError(t, err)

	exists, err := cached.Exists(ctx, sha)
	require.NoError(t, err)
	assert.True(t, exists)

	kind, data, err := cached.Fetch(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, gitobj.KindBlob, kind)
	assert.Equal(t, []byte("cached\n"), data)

	// invalidate and re-fetch still works by falling through to the base.
	cached.Invalidate(sha)
	exists, err = cached.Exists(ctx, sha)
	require.NoError(t, err)
	assert.True(t, exists)
}
