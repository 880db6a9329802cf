// Package lock implements the atomic-push lock (spec §4.4): a per-repo
// counter acquired by increment-and-test, a heartbeat that keeps the lock
// alive and observably cancellable, and interest lists that let a
// depot-side submit trigger detect conflicts with an in-progress push.
package lock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rcowham/gitp4fusion/p4client"
	"github.com/sirupsen/logrus"
)

// HeartbeatTimeout is how long a heartbeat may go stale before a lock is
// considered abandoned (mirrors the source's HEARTBEAT_TIMEOUT_SECS).
const HeartbeatTimeout = 60 * time.Second

// HeartbeatInterval is how often a lock holder refreshes its heartbeat.
const HeartbeatInterval = 20 * time.Second

func counterName(repo, serverID string) string {
	return fmt.Sprintf("git-fusion-view-%s-%s-lock", repo, serverID)
}

func heartbeatName(repo, serverID string) string {
	return fmt.Sprintf("git-fusion-view-%s-%s-lock-heartbeat", repo, serverID)
}

// RepoLock is the per-repo atomic-push lock.
type RepoLock struct {
	client   p4client.Client
	repo     string
	serverID string
	log      *logrus.Entry

	mu        sync.Mutex
	held      bool
	cancelled chan error
	stopHB    chan struct{}
	hbDone    chan struct{}
}

// New returns a RepoLock for repo, scoped by serverID (so multiple Fusion
// instances serving the same repo from different server ids don't collide).
func New(client p4client.Client, repo, serverID string, log *logrus.Logger) *RepoLock {
	return &RepoLock{
		client:   client,
		repo:     repo,
		serverID: serverID,
		log:      log.WithField("repo", repo),
	}
}

// Acquire attempts to take the lock, polling with exponential backoff until
// ctx is done. The caller who observes the counter become 1 holds the lock;
// everyone else keeps backing off.
func (l *RepoLock) Acquire(ctx context.Context) error {
	name := counterName(l.repo, l.serverID)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // caller controls the deadline via ctx

	op := func() error {
		n, err := l.client.IncrementCounter(ctx, name)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("lock: incrementing %s: %w", name, err))
		}
		if n != 1 {
			l.log.Debugf("lock %s held by another process (counter=%d), backing off", name, n)
			return fmt.Errorf("lock %s is held", name)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return err
	}

	l.mu.Lock()
	l.held = true
	l.cancelled = make(chan error, 1)
	l.stopHB = make(chan struct{})
	l.hbDone = make(chan struct{})
	l.mu.Unlock()

	go l.heartbeatLoop(name)
	l.log.Info("acquired atomic-push lock")
	return nil
}

func (l *RepoLock) heartbeatLoop(counter string) {
	defer close(l.hbDone)
	hb := heartbeatName(l.repo, l.serverID)
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	beat := func() error {
		return l.client.SetCounter(context.Background(), hb, strconv.FormatInt(time.Now().Unix(), 10))
	}
	if err := beat(); err != nil {
		l.log.WithError(err).Warn("initial heartbeat write failed")
	}

	for {
		select {
		case <-l.stopHB:
			return
		case <-ticker.C:
			v, err := l.client.Counter(context.Background(), counter)
			if err != nil {
				l.signalCancelled(fmt.Errorf("lock: reading counter %s: %w", counter, err))
				return
			}
			if v == "" {
				l.signalCancelled(fmt.Errorf("lock: counter %s was deleted, lock cancelled", counter))
				return
			}
			if err := beat(); err != nil {
				l.log.WithError(err).Warn("heartbeat write failed")
			}
		}
	}
}

func (l *RepoLock) signalCancelled(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled != nil {
		select {
		case l.cancelled <- err:
		default:
		}
	}
}

// Cancelled returns a channel that receives an error, at most once, the
// next time the heartbeat loop observes the lock counter has been deleted
// out from under it or fails to reach the depot.
func (l *RepoLock) Cancelled() <-chan error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled == nil {
		l.cancelled = make(chan error, 1)
	}
	return l.cancelled
}

// Release clears the lock counter and heartbeat and stops the heartbeat
// goroutine. Safe to call even if Acquire never completed.
func (l *RepoLock) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	stop := l.stopHB
	done := l.hbDone
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	name := counterName(l.repo, l.serverID)
	hb := heartbeatName(l.repo, l.serverID)
	if err := l.client.DeleteCounter(ctx, name); err != nil {
		return fmt.Errorf("lock: releasing %s: %w", name, err)
	}
	_ = l.client.DeleteCounter(ctx, hb)
	l.log.Info("released atomic-push lock")
	return nil
}

// markerBegin/markerEnd format the bracket lines around one changelist's
// block within an interest list, per spec §4.4 ("Each added block is
// bracketed by marker lines containing the changelist number").
func markerBegin(change string) string { return fmt.Sprintf("//GF-%s/BEGIN", change) }
func markerEnd(change string) string   { return fmt.Sprintf("//GF-%s/END", change) }

// InterestList manages one service account's "reviews" field: the set of
// depot path patterns a server currently cares about, with each caller's
// contribution bracketed so it can be removed without disturbing anyone
// else's block.
type InterestList struct {
	client p4client.Client
	user   string
}

// NewInterestList returns an InterestList bound to the given review service
// account (e.g. the per-server account, the all-Fusion union account, or
// the transient non-Fusion account).
func NewInterestList(client p4client.Client, user string) *InterestList {
	return &InterestList{client: client, user: user}
}

// reviewsFieldName is the Spec field holding the newline-delimited path
// list on a user spec (the "Reviews" field in depot terms).
const reviewsFieldName = "Reviews"

// currentLines reads the user spec's Reviews lines.
func (l *InterestList) currentLines(ctx context.Context) ([]string, *p4client.Spec, error) {
	spec, err := l.client.FetchSpec(ctx, "user", l.user)
	if err != nil {
		return nil, nil, fmt.Errorf("interestlist: fetching user %s: %w", l.user, err)
	}
	raw := spec.Fields[reviewsFieldName]
	if raw == "" {
		return nil, spec, nil
	}
	return strings.Split(raw, "\n"), spec, nil
}

// Lines returns the interest list's current path lines, brackets included.
func (l *InterestList) Lines(ctx context.Context) ([]string, error) {
	lines, _, err := l.currentLines(ctx)
	return lines, err
}

// AddBlock appends paths bracketed by BEGIN/END markers naming change, and
// saves the spec.
func (l *InterestList) AddBlock(ctx context.Context, change string, paths []string) error {
	lines, spec, err := l.currentLines(ctx)
	if err != nil {
		return err
	}
	lines = append(lines, markerBegin(change))
	lines = append(lines, paths...)
	lines = append(lines, markerEnd(change))
	spec.Fields[reviewsFieldName] = strings.Join(lines, "\n")
	return l.client.SaveSpec(ctx, spec)
}

// RemoveBlock removes exactly the bracketed block for change, leaving every
// other block untouched.
func (l *InterestList) RemoveBlock(ctx context.Context, change string) error {
	lines, spec, err := l.currentLines(ctx)
	if err != nil {
		return err
	}
	begin, end := markerBegin(change), markerEnd(change)
	var out []string
	inBlock := false
	for _, line := range lines {
		switch {
		case line == begin:
			inBlock = true
		case line == end:
			inBlock = false
		case !inBlock:
			out = append(out, line)
		}
	}
	spec.Fields[reviewsFieldName] = strings.Join(out, "\n")
	return l.client.SaveSpec(ctx, spec)
}

// ReplaceAll overwrites the entire Reviews field with paths, no brackets -
// used by the Fusion side to keep its full-view interest list populated
// for the duration of a push (spec §4.4 "during the push, keep the
// interest list populated").
func (l *InterestList) ReplaceAll(ctx context.Context, paths []string) error {
	_, spec, err := l.currentLines(ctx)
	if err != nil {
		return err
	}
	spec.Fields[reviewsFieldName] = strings.Join(paths, "\n")
	return l.client.SaveSpec(ctx, spec)
}

// Clear empties the Reviews field entirely.
func (l *InterestList) Clear(ctx context.Context) error {
	return l.ReplaceAll(ctx, nil)
}

// Holder is one reviews-query hit: a service account with a reviews entry
// intersecting the files under test, as returned by "p4 reviews".
type Holder struct {
	User string
}

// QueryReviews runs a "reviews" query scoped to paths and returns the
// distinct review-service users with a match, grounded on the source's
// get_reviews_using_filelist.
func QueryReviews(ctx context.Context, client p4client.Client, paths []string) ([]Holder, error) {
	args := append([]string{"reviews"}, paths...)
	results, err := client.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("lock: reviews query: %w", err)
	}
	var holders []Holder
	for _, r := range results {
		if u := r["user"]; u != "" {
			holders = append(holders, Holder{User: u})
		}
	}
	return holders, nil
}

// IsFresh reports whether a heartbeat counter value (a Unix timestamp, as
// written by RepoLock's heartbeat loop) is still within HeartbeatTimeout of
// now - the depot-side trigger's "does GF still hold this lock" check.
func IsFresh(heartbeatValue string, now time.Time) bool {
	then, err := strconv.ParseInt(heartbeatValue, 10, 64)
	if err != nil {
		return false
	}
	diff := now.Unix() - then
	return diff < 0 || diff < int64(HeartbeatTimeout.Seconds())
}
