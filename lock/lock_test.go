package lock

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rcowham/gitp4fusion/p4client/faketest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestAcquireSucceedsWhenUnheld(t *testing.T) {
	c := faketest.New()
	rl := New(c, "repoX", "server1", testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, rl.Acquire(ctx))
	require.NoError(t, rl.Release(context.Background()))
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	c := faketest.New()
	require.NoError(t, c.SetCounter(context.Background(), counterName("repoX", "server1"), "1"))

	rl := New(c, "repoX", "server1", testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := rl.Acquire(ctx)
	assert.Error(t, err)
}

func TestReleaseThenReacquire(t *testing.T) {
	c := faketest.New()
	rl1 := New(c, "repoX", "server1", testLogger())
	ctx := context.Background()
	require.NoError(t, rl1.Acquire(ctx))
	require.NoError(t, rl1.Release(ctx))

	rl2 := New(c, "repoX", "server1", testLogger())
	ctx2, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rl2.Acquire(ctx2))
	require.NoError(t, rl2.Release(context.Background()))
}

func TestInterestListAddAndRemoveBlock(t *testing.T) {
	c := faketest.New()
	il := NewInterestList(c, "git-fusion-reviews--non-gf")
	ctx := context.Background()

	require.NoError(t, il.AddBlock(ctx, "100", []string{"//depot/main/..."}))
	require.NoError(t, il.AddBlock(ctx, "101", []string{"//depot/other/..."}))

	lines, _, err := il.currentLines(ctx)
	require.NoError(t, err)
	assert.Contains(t, lines, "//GF-100/BEGIN")
	assert.Contains(t, lines, "//depot/main/...")
	assert.Contains(t, lines, "//GF-101/BEGIN")

	require.NoError(t, il.RemoveBlock(ctx, "100"))
	lines, _, err = il.currentLines(ctx)
	require.NoError(t, err)
	assert.NotContains(t, lines, "//GF-100/BEGIN")
	assert.NotContains(t, lines, "//depot/main/...")
	assert.Contains(t, lines, "//GF-101/BEGIN")
	assert.Contains(t, lines, "//depot/other/...")
}

func TestReplaceAllAndClear(t *testing.T) {
	c := faketest.New()
	il := NewInterestList(c, "git-fusion-reviews--all-gf")
	ctx := context.Background()

	require.NoError(t, il.ReplaceAll(ctx, []string{"//depot/..."}))
	lines, _, err := il.currentLines(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"//depot/..."}, lines)

	require.NoError(t, il.Clear(ctx))
	lines, _, err = il.currentLines(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestIsFresh(t *testing.T) {
	now := time.Now()
	fresh := strconv.FormatInt(now.Add(-10*time.Second).Unix(), 10)
	stale := strconv.FormatInt(now.Add(-2*time.Hour).Unix(), 10)

	assert.True(t, IsFresh(fresh, now))
	assert.False(t, IsFresh(stale, now))
	assert.False(t, IsFresh("not-a-number", now))
}
