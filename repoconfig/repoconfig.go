// Package repoconfig parses and serializes the repo configuration file
// format (spec §6): a section-and-key text file, one `@repo`/`@features`
// section plus one section per branch, stored in the depot at a path
// derived from the repo name.
package repoconfig

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/rcowham/gitp4fusion/branch"
	"gopkg.in/ini.v1"
)

// RepoSection and FeaturesSection are the two reserved section names; any
// other section name defines a branch.
const (
	RepoSection     = "@repo"
	FeaturesSection = "@features"
)

// Per-branch keys.
const (
	KeyGitBranchName = "git-branch-name"
	KeyView          = "view"
	KeyStream        = "stream"
	KeyOriginalView  = "original-view"
	KeyDepotBranchID = "depot-branch-id"
	KeyDeleted       = "deleted"
)

// Per-repo keys (under RepoSection).
const (
	KeyEnableBranchCreation = "enable-branch-creation"
	KeyEnableMergeCommits   = "enable-merge-commits"
	KeyEnableSubmodules     = "enable-submodules"
	KeyChangeOwner          = "change-owner"
	KeyIgnoreAuthorPerms    = "ignore-author-perms"
	KeyCharset              = "charset"
	KeyEnableMismatchedRHS  = "enable-mismatched-rhs"
	KeySSHURL               = "ssh-url"
	KeyHTTPURL              = "http-url"
)

// RepoSettings holds the parsed @repo section.
type RepoSettings struct {
	EnableBranchCreation bool
	EnableMergeCommits   bool
	EnableSubmodules     bool
	ChangeOwner          string
	IgnoreAuthorPerms    bool
	Charset              string
	EnableMismatchedRHS  bool
	SSHURLTemplate       string
	HTTPURLTemplate      string
}

// DepotPath computes the fixed depot path a repo's config file lives at.
func DepotPath(repoID string) string {
	return fmt.Sprintf("//.git-fusion/repos/%s/p4gf_config", repoID)
}

// Config is one parsed repo configuration file: repo-wide settings plus
// every branch section, in file order.
type Config struct {
	Repo     RepoSettings
	Features map[string]bool
	Branches []branch.ConfigSection
}

// Parse reads repo configuration file content in p4gf_config's
// section-and-key format.
func Parse(content []byte) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, content)
	if err != nil {
		return nil, fmt.Errorf("repoconfig: parsing: %w", err)
	}

	cfg := &Config{Features: map[string]bool{}}
	for _, section := range f.Sections() {
		name := section.Name()
		switch name {
		case ini.DefaultSection:
			continue
		case RepoSection:
			cfg.Repo = parseRepoSettings(section)
		case FeaturesSection:
			for _, key := range section.Keys() {
				cfg.Features[key.Name()] = key.MustBool(false)
			}
		default:
			bs, err := parseBranchSection(name, section)
			if err != nil {
				return nil, err
			}
			cfg.Branches = append(cfg.Branches, bs)
		}
	}
	return cfg, nil
}

func parseRepoSettings(section *ini.Section) RepoSettings {
	return RepoSettings{
		EnableBranchCreation: section.Key(KeyEnableBranchCreation).MustBool(false),
		EnableMergeCommits:   section.Key(KeyEnableMergeCommits).MustBool(false),
		EnableSubmodules:     section.Key(KeyEnableSubmodules).MustBool(false),
		ChangeOwner:          section.Key(KeyChangeOwner).String(),
		IgnoreAuthorPerms:    section.Key(KeyIgnoreAuthorPerms).MustBool(false),
		Charset:              section.Key(KeyCharset).String(),
		EnableMismatchedRHS:  section.Key(KeyEnableMismatchedRHS).MustBool(false),
		SSHURLTemplate:       section.Key(KeySSHURL).String(),
		HTTPURLTemplate:      section.Key(KeyHTTPURL).String(),
	}
}

func parseBranchSection(name string, section *ini.Section) (branch.ConfigSection, error) {
	bs := branch.ConfigSection{
		Name:          name,
		GitBranchName: section.Key(KeyGitBranchName).String(),
		Stream:        section.Key(KeyStream).String(),
		DepotBranchID: section.Key(KeyDepotBranchID).String(),
		Deleted:       section.Key(KeyDeleted).MustBool(false),
	}
	if section.HasKey(KeyView) {
		bs.View = splitLines(section.Key(KeyView).String())
	}
	if section.HasKey(KeyOriginalView) {
		bs.OriginalView = splitLines(section.Key(KeyOriginalView).String())
	}
	return bs, nil
}

func splitLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Serialize renders Config back to p4gf_config file content.
func Serialize(cfg *Config) ([]byte, error) {
	f := ini.Empty(ini.LoadOptions{AllowBooleanKeys: true})

	repoSec, err := f.NewSection(RepoSection)
	if err != nil {
		return nil, err
	}
	setBool(repoSec, KeyEnableBranchCreation, cfg.Repo.EnableBranchCreation)
	setBool(repoSec, KeyEnableMergeCommits, cfg.Repo.EnableMergeCommits)
	setBool(repoSec, KeyEnableSubmodules, cfg.Repo.EnableSubmodules)
	if cfg.Repo.ChangeOwner != "" {
		repoSec.Key(KeyChangeOwner).SetValue(cfg.Repo.ChangeOwner)
	}
	setBool(repoSec, KeyIgnoreAuthorPerms, cfg.Repo.IgnoreAuthorPerms)
	if cfg.Repo.Charset != "" {
		repoSec.Key(KeyCharset).SetValue(cfg.Repo.Charset)
	}
	setBool(repoSec, KeyEnableMismatchedRHS, cfg.Repo.EnableMismatchedRHS)
	if cfg.Repo.SSHURLTemplate != "" {
		repoSec.Key(KeySSHURL).SetValue(cfg.Repo.SSHURLTemplate)
	}
	if cfg.Repo.HTTPURLTemplate != "" {
		repoSec.Key(KeyHTTPURL).SetValue(cfg.Repo.HTTPURLTemplate)
	}

	if len(cfg.Features) > 0 {
		featSec, err := f.NewSection(FeaturesSection)
		if err != nil {
			return nil, err
		}
		for k, v := range cfg.Features {
			setBool(featSec, k, v)
		}
	}

	for _, b := range cfg.Branches {
		sec, err := f.NewSection(b.Name)
		if err != nil {
			return nil, err
		}
		if b.GitBranchName != "" {
			sec.Key(KeyGitBranchName).SetValue(b.GitBranchName)
		}
		if b.Stream != "" {
			sec.Key(KeyStream).SetValue(b.Stream)
		} else if len(b.View) > 0 {
			sec.Key(KeyView).SetValue(strings.Join(b.View, "\n"))
		}
		if len(b.OriginalView) > 0 {
			sec.Key(KeyOriginalView).SetValue(strings.Join(b.OriginalView, "\n"))
		}
		if b.DepotBranchID != "" {
			sec.Key(KeyDepotBranchID).SetValue(b.DepotBranchID)
		}
		if b.Deleted {
			setBool(sec, KeyDeleted, true)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func setBool(section *ini.Section, key string, v bool) {
	section.Key(key).SetValue(strconv.FormatBool(v))
}
