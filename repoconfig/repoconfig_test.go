package repoconfig

import (
	"testing"

	"github.com/rcowham/gitp4fusion/branch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[@repo]
enable-branch-creation = true
enable-merge-commits = false
change-owner = author
charset = utf8

[@features]
change-owner-ok = true

[master]
git-branch-name = master
view = //depot/main/... //master/...

[feature-x]
git-branch-name = feature-x
stream = //depot/streams/feature-x
original-view = //depot/streams/feature-x/... //feature-x/...
depot-branch-id = feature-x-1
deleted = true
`

func TestParseRepoSection(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.True(t, cfg.Repo.EnableBranchCreation)
	assert.False(t, cfg.Repo.EnableMergeCommits)
	assert.Equal(t, "author", cfg.Repo.ChangeOwner)
	assert.Equal(t, "utf8", cfg.Repo.Charset)
}

func TestParseFeatures(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.True(t, cfg.Features["change-owner-ok"])
}

func TestParseClassicBranch(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	var master *branch.ConfigSection
	for i := range cfg.Branches {
		if cfg.Branches[i].Name == "master" {
			master = &cfg.Branches[i]
		}
	}
	require.NotNil(t, master)
	assert.Equal(t, "master", master.GitBranchName)
	assert.Equal(t, []string{"//depot/main/... //master/..."}, master.View)
	assert.Empty(t, master.Stream)
}

func TestParseStreamBranchWithExtras(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	var fx *branch.ConfigSection
	for i := range cfg.Branches {
		if cfg.Branches[i].Name == "feature-x" {
			fx = &cfg.Branches[i]
		}
	}
	require.NotNil(t, fx)
	assert.Equal(t, "//depot/streams/feature-x", fx.Stream)
	assert.Equal(t, []string{"//depot/streams/feature-x/... //feature-x/..."}, fx.OriginalView)
	assert.Equal(t, "feature-x-1", fx.DepotBranchID)
	assert.True(t, fx.Deleted)
}

func TestSerializeRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	out, err := Serialize(cfg)
	require.NoError(t, err)

	reparsed, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg.Repo, reparsed.Repo)
	assert.Equal(t, len(cfg.Branches), len(reparsed.Branches))
}

func TestDepotPath(t *testing.T) {
	assert.Equal(t, "//.git-fusion/repos/myrepo/p4gf_config", DepotPath("myrepo"))
}
