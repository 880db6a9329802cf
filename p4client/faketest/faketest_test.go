package faketest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementCounterIsAtomicAndTestable(t *testing.T) {
	c := New()
	ctx := context.Background()
	v, err := c.IncrementCounter(ctx, "git-fusion-view-repoX-lock")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = c.IncrementCounter(ctx, "git-fusion-view-repoX-lock")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestNewChangeSubmitLifecycle(t *testing.T) {
	c := New()
	ctx := context.Background()
	n, err := c.NewChange(ctx, "git-fusion-client", "test change")
	require.NoError(t, err)
	require.NoError(t, c.ReownChange(ctx, n, "alice"))
	final, err := c.Submit(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, n, final)
}

func TestSpecFetchModifySave(t *testing.T) {
	c := New()
	ctx := context.Background()
	spec, err := c.FetchSpec(ctx, "client", "git-fusion-repoX")
	require.NoError(t, err)
	spec.Fields["View0"] = "//depot/... //git-fusion-repoX/..."
	require.NoError(t, c.SaveSpec(ctx, spec))

	again, err := c.FetchSpec(ctx, "client", "git-fusion-repoX")
	require.NoError(t, err)
	assert.Equal(t, "//depot/... //git-fusion-repoX/...", again.Fields["View0"])
}
