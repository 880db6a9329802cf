// Command p4gf-trigger is the depot-side submit trigger binary (spec
// §4.4/§4.9): p4d's trigger table calls this once per hook point
// (change-content, change-commit, change-failed), passing the changelist
// number as its sole positional argument the way p4's "%change%"
// substitution does for form-trigger types.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rcowham/gitp4fusion/lock/trigger"
	"github.com/rcowham/gitp4fusion/p4client"

	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app = kingpin.New("p4gf-trigger", "Depot-side submit trigger hooks for Git Fusion's non-Fusion-submit guard")

	p4port = app.Flag("p4port", "P4PORT of the depot").Default("perforce:1666").String()
	p4user = app.Flag("p4user", "Depot user the trigger runs as").Default("git-fusion-user").String()

	contentCmd    = app.Command("change-content", "Pre-submit: block if a live Fusion push holds these files")
	contentChange = contentCmd.Arg("change", "Changelist number").Required().String()

	commitCmd    = app.Command("change-commit", "Post-submit: clear this changelist's non-Fusion interest block")
	commitChange = commitCmd.Arg("change", "Changelist number").Required().String()

	failedCmd    = app.Command("change-failed", "Submit failed: clear this changelist's non-Fusion interest block")
	failedChange = failedCmd.Arg("change", "Changelist number").Required().String()

	versionCmd     = app.Command("version-check", "Verify this trigger's published version matches want")
	versionWant    = versionCmd.Arg("want", "Expected trigger version string").Required().String()
	versionPublish = versionCmd.Flag("publish", "Publish this trigger's version instead of checking it").Bool()
)

func main() {
	app.Version(version.Print("p4gf-trigger")).Author("Robert Cowham")
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logrus.New()
	client := p4client.NewCmdClient(*p4port, *p4user, "")
	ctx := context.Background()

	var err error
	switch cmd {
	case contentCmd.FullCommand():
		err = runChangeContent(ctx, client, *contentChange)
	case commitCmd.FullCommand():
		err = trigger.OnChangeCommit(ctx, client, *commitChange, nil)
	case failedCmd.FullCommand():
		err = trigger.OnChangeFailed(ctx, client, *failedChange)
	case versionCmd.FullCommand():
		err = runVersionCheck(ctx, client)
	}
	if err != nil {
		log.Errorf("p4gf-trigger: %v", err)
		os.Exit(1)
	}
}

// runChangeContent resolves the changelist's touched depot files via
// "p4 describe" before handing them to the trigger package, since p4's own
// form-trigger substitution doesn't hand a submit trigger a file list
// directly.
func runChangeContent(ctx context.Context, client p4client.Client, change string) error {
	results, err := client.Run(ctx, "describe", "-s", change)
	if err != nil || len(results) == 0 {
		return fmt.Errorf("describing change %s: %w", change, err)
	}
	var files []string
	for i := 0; ; i++ {
		df, ok := results[0][fmt.Sprintf("depotFile%d", i)]
		if !ok {
			break
		}
		files = append(files, df)
	}
	return trigger.OnChangeContent(ctx, client, change, files)
}

func runVersionCheck(ctx context.Context, client p4client.Client) error {
	if *versionPublish {
		return trigger.PublishVersion(ctx, client, *versionWant)
	}
	ok, err := trigger.VersionIsCurrent(ctx, client, *versionWant)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("trigger version mismatch: depot's published version does not match %q", *versionWant)
	}
	return nil
}
