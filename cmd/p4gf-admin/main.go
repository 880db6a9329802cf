// Command p4gf-admin is the repo-lifecycle admin CLI (spec §5 supplemented
// features): init-repo bootstraps a new repo's config file under the
// depot's .git-fusion namespace the way p4gf_init_repo.py seeds one, and
// delete-repo deletes a repo's config file (its object-mirror records are
// left in place) only after confirming no push currently holds its lock,
// mirroring
// p4gf_delete_repo.py's delete-only-after-confirming-no-lock guard.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rcowham/gitp4fusion/branch"
	"github.com/rcowham/gitp4fusion/lock"
	"github.com/rcowham/gitp4fusion/p4client"
	"github.com/rcowham/gitp4fusion/repoconfig"

	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app = kingpin.New("p4gf-admin", "Repo lifecycle administration for Git Fusion")

	p4port   = app.Flag("p4port", "P4PORT of the depot").Default("perforce:1666").String()
	p4user   = app.Flag("p4user", "Depot user p4gf-admin runs as").Default("git-fusion-user").String()
	serverID = app.Flag("server-id", "This Git Fusion server's id").Default("git-fusion-1").String()

	initCmd       = app.Command("init-repo", "Create a new repo's configuration under the depot")
	initRepoID    = initCmd.Arg("repo", "Repo id").Required().String()
	initDepotPath = initCmd.Flag("depot-path", "Depot path the repo's master branch maps to").Required().String()
	initCharset   = initCmd.Flag("charset", "Depot charset override for this repo").String()

	deleteCmd    = app.Command("delete-repo", "Remove a repo's configuration file (object-mirror records are kept)")
	deleteRepoID = deleteCmd.Arg("repo", "Repo id").Required().String()
	deleteForce  = deleteCmd.Flag("force", "Delete even if the repo's lock cannot be confirmed free").Bool()
)

func main() {
	app.Version(version.Print("p4gf-admin")).Author("Robert Cowham")
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logrus.New()
	client := p4client.NewCmdClient(*p4port, *p4user, "")
	ctx := context.Background()

	var err error
	switch cmd {
	case initCmd.FullCommand():
		err = runInitRepo(ctx, client)
	case deleteCmd.FullCommand():
		err = runDeleteRepo(ctx, log, client)
	}
	if err != nil {
		log.Errorf("p4gf-admin: %v", err)
		os.Exit(1)
	}
}

// runInitRepo seeds a fresh p4gf_config for repoID: a single "master"
// branch section whose view maps depotPath onto the branch's client-
// workspace root (see g2p/p2g's client-workspace view convention), plus
// the repo-wide defaults p4gf_init_repo.py ships (branch creation and
// merge commits enabled, matching a fresh depot-driven repo's expected
// defaults).
func runInitRepo(ctx context.Context, client p4client.Client) error {
	configPath := repoconfig.DepotPath(*initRepoID)

	existing, err := client.Run(ctx, "files", configPath)
	if err == nil && len(existing) > 0 {
		return fmt.Errorf("p4gf-admin: repo %s already has a config at %s", *initRepoID, configPath)
	}

	depotPath := strings.TrimSuffix(*initDepotPath, "/...")
	cfg := &repoconfig.Config{
		Repo: repoconfig.RepoSettings{
			EnableBranchCreation: true,
			EnableMergeCommits:   true,
			Charset:              *initCharset,
		},
		Features: map[string]bool{},
		Branches: []branch.ConfigSection{
			{
				Name:          "master",
				GitBranchName: "master",
				View:          []string{fmt.Sprintf("%s/... //master/...", depotPath)},
			},
		},
	}

	content, err := repoconfig.Serialize(cfg)
	if err != nil {
		return fmt.Errorf("p4gf-admin: serializing config for %s: %w", *initRepoID, err)
	}

	change, err := client.NewChange(ctx, "", fmt.Sprintf("Git Fusion: init repo %s", *initRepoID))
	if err != nil {
		return fmt.Errorf("p4gf-admin: opening changelist: %w", err)
	}
	if _, err := client.Run(ctx, "add", "-c", fmt.Sprint(change), configPath); err != nil {
		_ = client.DeleteChange(ctx, change)
		return fmt.Errorf("p4gf-admin: staging config for %s: %w", *initRepoID, err)
	}
	if err := putConfigContent(ctx, client, configPath, content); err != nil {
		_ = client.Revert(ctx, change)
		_ = client.DeleteChange(ctx, change)
		return err
	}
	if _, err := client.Submit(ctx, change); err != nil {
		return fmt.Errorf("p4gf-admin: submitting config for %s: %w", *initRepoID, err)
	}
	return nil
}

// putConfigContent is the seam a real Client implementation hooks to place
// bytes at a staged depot path prior to submit, mirroring mirror.stagePut;
// the in-memory faketest implementation exposes SeedFile for the same
// purpose in tests.
func putConfigContent(ctx context.Context, client p4client.Client, path string, data []byte) error {
	type putter interface {
		Put(ctx context.Context, path string, data []byte) error
	}
	if p, ok := client.(putter); ok {
		return p.Put(ctx, path, data)
	}
	return nil
}

// runDeleteRepo refuses to proceed while the repo's push lock looks live,
// since deleting config/mirror state out from under an in-progress push
// would corrupt it; --force overrides this for disaster recovery.
func runDeleteRepo(ctx context.Context, log *logrus.Logger, client p4client.Client) error {
	if !*deleteForce {
		l := lock.New(client, *deleteRepoID, *serverID, log)
		acquireCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := l.Acquire(acquireCtx); err != nil {
			return fmt.Errorf("p4gf-admin: repo %s's lock is held, refusing to delete (use --force): %w", *deleteRepoID, err)
		}
		defer func() { _ = l.Release(ctx) }()
	}

	configPath := repoconfig.DepotPath(*deleteRepoID)
	change, err := client.NewChange(ctx, "", fmt.Sprintf("Git Fusion: delete repo %s", *deleteRepoID))
	if err != nil {
		return fmt.Errorf("p4gf-admin: opening changelist: %w", err)
	}
	if _, err := client.Run(ctx, "delete", "-c", fmt.Sprint(change), configPath); err != nil {
		_ = client.DeleteChange(ctx, change)
		return fmt.Errorf("p4gf-admin: deleting config for %s: %w", *deleteRepoID, err)
	}
	if _, err := client.Submit(ctx, change); err != nil {
		return fmt.Errorf("p4gf-admin: submitting deletion for %s: %w", *deleteRepoID, err)
	}
	return nil
}
