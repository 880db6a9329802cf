// Package trigger implements the depot-side submit trigger protocol (spec
// §4.4 non-Fusion submit trigger protocol, §4.9): the three hooks a depot
// trigger table wires to change-content, change-commit, and change-failed,
// used to keep non-Fusion submits from racing a Fusion push over the same
// paths.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/rcowham/gitp4fusion/lock"
	"github.com/rcowham/gitp4fusion/p4client"
)

// NonGFReviewsUser is the service account that temporarily holds the paths
// of an in-progress non-Fusion submit.
const NonGFReviewsUser = "git-fusion-reviews--non-gf"

// FusionReviewsPrefix identifies per-server Fusion interest-list accounts;
// AllFusionReviewsUser is the union of all of them.
const (
	FusionReviewsPrefix  = "git-fusion-reviews-"
	AllFusionReviewsUser = "git-fusion-reviews--all-gf"
)

// VersionCounter advertises the trigger's installed version so Fusion can
// refuse to operate when the version is missing or stale (spec §4.9d).
const VersionCounter = "git-fusion-trigger-version"

// ErrLockedByFusion is returned from OnChangeContent when the submitting
// changelist's files are currently of interest to a live Fusion push.
type ErrLockedByFusion struct {
	User string
}

func (e ErrLockedByFusion) Error() string {
	return fmt.Sprintf("submit conflicts with an in-progress Git Fusion push (%s)", e.User)
}

// perChangeCounter records which submit-command type is in flight for a
// changelist (spec §4.9a).
func perChangeCounter(change string) string {
	return fmt.Sprintf("git-fusion-submit-trigger-change-%s", change)
}

// OnChangeContent runs at pre-submit time. It adds the changelist's files to
// the non-Fusion interest list (bracketed by BEGIN/END markers naming the
// changelist), then checks whether any live Fusion interest list
// intersects those files; if so, the submit must fail.
func OnChangeContent(ctx context.Context, client p4client.Client, change string, files []string) error {
	if err := client.SetCounter(ctx, perChangeCounter(change), "change-content"); err != nil {
		return fmt.Errorf("trigger: recording change-content for %s: %w", change, err)
	}

	patterns := patternsFor(files)
	il := lock.NewInterestList(client, NonGFReviewsUser)
	if err := il.AddBlock(ctx, change, patterns); err != nil {
		return fmt.Errorf("trigger: registering non-Fusion interest for %s: %w", change, err)
	}

	holders, err := lock.QueryReviews(ctx, client, patterns)
	if err != nil {
		_ = il.RemoveBlock(ctx, change)
		return err
	}
	for _, h := range holders {
		if h.User == AllFusionReviewsUser || h.User == NonGFReviewsUser {
			continue
		}
		hbVal, err := client.Counter(ctx, h.User+"-lock-heartbeat")
		if err != nil {
			continue
		}
		if lock.IsFresh(hbVal, time.Now()) {
			_ = il.RemoveBlock(ctx, change)
			return ErrLockedByFusion{User: h.User}
		}
	}
	return nil
}

// OnChangeCommit runs after a successful submit. It removes the per-change
// non-Fusion interest entries, deletes the per-change counter, and - if the
// changelist's files match a configured repo's path pattern - appends the
// repo's view lines to the all-Fusion interest list (spec §4.9d).
func OnChangeCommit(ctx context.Context, client p4client.Client, change string, matchingRepoViews []string) error {
	if err := cleanupChangeInterest(ctx, client, change); err != nil {
		return err
	}
	if len(matchingRepoViews) == 0 {
		return nil
	}
	all := lock.NewInterestList(client, AllFusionReviewsUser)
	lines, err := all.Lines(ctx)
	if err != nil {
		return err
	}
	return all.ReplaceAll(ctx, append(lines, matchingRepoViews...))
}

// OnChangeFailed runs when a submit fails after change-content succeeded;
// it un-does exactly what OnChangeContent registered.
func OnChangeFailed(ctx context.Context, client p4client.Client, change string) error {
	return cleanupChangeInterest(ctx, client, change)
}

func cleanupChangeInterest(ctx context.Context, client p4client.Client, change string) error {
	il := lock.NewInterestList(client, NonGFReviewsUser)
	if err := il.RemoveBlock(ctx, change); err != nil {
		return fmt.Errorf("trigger: removing non-Fusion interest for %s: %w", change, err)
	}
	if err := client.DeleteCounter(ctx, perChangeCounter(change)); err != nil {
		return fmt.Errorf("trigger: deleting per-change counter for %s: %w", change, err)
	}
	return nil
}

// patternsFor computes "p+..." path patterns covering files, collapsing to
// one pattern per depot prefix the way the source's find_depot_prefixes
// does, so the interest list stays compact regardless of changelist size.
func patternsFor(files []string) []string {
	prefixes := map[string]string{}
	var order []string
	for _, f := range files {
		depot := firstDepotSegment(f)
		if cur, ok := prefixes[depot]; ok {
			prefixes[depot] = commonPrefix(cur, f)
		} else {
			prefixes[depot] = f
			order = append(order, depot)
		}
	}
	out := make([]string, 0, len(order))
	for _, depot := range order {
		out = append(out, prefixes[depot]+"...")
	}
	return out
}

func firstDepotSegment(depotPath string) string {
	if len(depotPath) < 2 || depotPath[:2] != "//" {
		return depotPath
	}
	rest := depotPath[2:]
	for i, c := range rest {
		if c == '/' {
			return depotPath[:2+i+1]
		}
	}
	return depotPath
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

// VersionIsCurrent reports whether the depot's advertised trigger version
// counter matches want.
func VersionIsCurrent(ctx context.Context, client p4client.Client, want string) (bool, error) {
	got, err := client.Counter(ctx, VersionCounter)
	if err != nil {
		return false, err
	}
	return got != "" && got == want, nil
}

// PublishVersion sets the trigger version counter, called by installation
// tooling (cmd/p4gf-trigger) after deploying trigger scripts.
func PublishVersion(ctx context.Context, client p4client.Client, version string) error {
	return client.SetCounter(ctx, VersionCounter, version)
}
