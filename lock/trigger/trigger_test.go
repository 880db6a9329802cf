package trigger

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/rcowham/gitp4fusion/lock"
	"github.com/rcowham/gitp4fusion/p4client/faketest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnChangeContentSucceedsWhenNoFusionHolder(t *testing.T) {
	c := faketest.New()
	ctx := context.Background()

	err := OnChangeContent(ctx, c, "100", []string{"//depot/main/file.go"})
	require.NoError(t, err)

	il := lock.NewInterestList(c, NonGFReviewsUser)
	lines, err := il.Lines(ctx)
	require.NoError(t, err)
	assert.Contains(t, lines, "//GF-100/BEGIN")
	assert.Contains(t, lines, "//GF-100/END")
}

func TestOnChangeContentFailsWhenFusionHolderHasFreshHeartbeat(t *testing.T) {
	c := faketest.New()
	ctx := context.Background()

	fusionUser := FusionReviewsPrefix + "server1"
	il := lock.NewInterestList(c, fusionUser)
	require.NoError(t, il.ReplaceAll(ctx, []string{"//depot/main/..."}))
	require.NoError(t, c.SetCounter(ctx, fusionUser+"-lock-heartbeat",
		strconv.FormatInt(time.Now().Unix(), 10)))

	err := OnChangeContent(ctx, c, "101", []string{"//depot/main/file.go"})
	var locked ErrLockedByFusion
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, fusionUser, locked.User)

	nonGF := lock.NewInterestList(c, NonGFReviewsUser)
	lines, err := nonGF.Lines(ctx)
	require.NoError(t, err)
	assert.NotContains(t, lines, "//GF-101/BEGIN")
}

func TestOnChangeContentIgnoresStaleFusionHolder(t *testing.T) {
	c := faketest.New()
	ctx := context.Background()

	fusionUser := FusionReviewsPrefix + "server1"
	il := lock.NewInterestList(c, fusionUser)
	require.NoError(t, il.ReplaceAll(ctx, []string{"//depot/main/..."}))
	require.NoError(t, c.SetCounter(ctx, fusionUser+"-lock-heartbeat",
		strconv.FormatInt(time.Now().Add(-2*time.Hour).Unix(), 10)))

	err := OnChangeContent(ctx, c, "102", []string{"//depot/main/file.go"})
	assert.NoError(t, err)
}

func TestOnChangeCommitCleansUpAndAppendsFusionView(t *testing.T) {
	c := faketest.New()
	ctx := context.Background()
	require.NoError(t, OnChangeContent(ctx, c, "200", []string{"//depot/main/file.go"}))
	require.NoError(t, c.SetCounter(ctx, perChangeCounter("200"), "change-content"))

	require.NoError(t, OnChangeCommit(ctx, c, "200", []string{"//depot/main/..."}))

	nonGF := lock.NewInterestList(c, NonGFReviewsUser)
	lines, err := nonGF.Lines(ctx)
	require.NoError(t, err)
	assert.NotContains(t, lines, "//GF-200/BEGIN")

	v, err := c.Counter(ctx, perChangeCounter("200"))
	require.NoError(t, err)
	assert.Empty(t, v)

	all := lock.NewInterestList(c, AllFusionReviewsUser)
	allLines, err := all.Lines(ctx)
	require.NoError(t, err)
	assert.Contains(t, allLines, "//depot/main/...")
}

func TestOnChangeFailedCleansUp(t *testing.T) {
	c := faketest.New()
	ctx := context.Background()
	require.NoError(t, OnChangeContent(ctx, c, "300", []string{"//depot/main/file.go"}))

	require.NoError(t, OnChangeFailed(ctx, c, "300"))

	nonGF := lock.NewInterestList(c, NonGFReviewsUser)
	lines, err := nonGF.Lines(ctx)
	require.NoError(t, err)
	assert.NotContains(t, lines, "//GF-300/BEGIN")
}

func TestVersionPublishAndCheck(t *testing.T) {
	c := faketest.New()
	ctx := context.Background()

	ok, err := VersionIsCurrent(ctx, c, "2024.1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, PublishVersion(ctx, c, "2024.1"))
	ok, err = VersionIsCurrent(ctx, c, "2024.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VersionIsCurrent(ctx, c, "2024.2")
	require.NoError(t, err)
	assert.False(t, ok)
}
