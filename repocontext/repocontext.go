// Package repocontext implements the repo context (spec §4.10): the
// per-operation bundle of depot connections, loaded branch/depot-branch
// state, and scoped handles for temp clients and numbered pending
// changelists.
package repocontext

import (
	"context"
	"fmt"
	"time"

	"github.com/rcowham/gitp4fusion/branch"
	"github.com/rcowham/gitp4fusion/depotbranch"
	"github.com/rcowham/gitp4fusion/p4client"
	"github.com/sirupsen/logrus"
)

// Connections names the four depot connections a repo context holds: one
// for repo data, one for object-mirror data, and two for interest-list
// maintenance (the server's own account and the all-Fusion union account).
type Connections struct {
	Repo       p4client.Client
	Mirror     p4client.Client
	Interest   p4client.Client
	UnionIntr  p4client.Client
}

// Context is the per-operation state bundle described in spec §4.10.
type Context struct {
	RepoID   string
	ServerID string
	conns    Connections
	log      *logrus.Entry

	Branches     *branch.Dict
	DepotBranches *depotbranch.Index

	heartbeatAt time.Time
	history     []string // ring buffer of recent command summaries, for crash diagnostics
	historyCap  int
	clients     clientPool
}

// New builds a Context from already-connected depot clients and loaded
// branch/depot-branch state.
func New(repoID, serverID string, conns Connections, branches *branch.Dict, depotBranches *depotbranch.Index, log *logrus.Logger) *Context {
	return &Context{
		RepoID:        repoID,
		ServerID:      serverID,
		conns:         conns,
		Branches:      branches,
		DepotBranches: depotBranches,
		log:           log.WithField("repo", repoID),
		historyCap:    200,
	}
}

// Repo, Mirror, Interest, and UnionInterest expose the four connections.
func (c *Context) Repo() p4client.Client          { return c.conns.Repo }
func (c *Context) Mirror() p4client.Client        { return c.conns.Mirror }
func (c *Context) Interest() p4client.Client      { return c.conns.Interest }
func (c *Context) UnionInterest() p4client.Client { return c.conns.UnionIntr }

// Log returns the context's scoped logger.
func (c *Context) Log() *logrus.Entry { return c.log }

// RecordHistory appends a command summary to the crash-diagnostic ring
// buffer, evicting the oldest entry once historyCap is reached.
func (c *Context) RecordHistory(summary string) {
	c.history = append(c.history, summary)
	if len(c.history) > c.historyCap {
		c.history = c.history[len(c.history)-c.historyCap:]
	}
}

// History returns a copy of the recorded command summaries, oldest first.
func (c *Context) History() []string {
	return append([]string(nil), c.history...)
}

// Heartbeat records that the context's owning lock holder is still alive.
func (c *Context) Heartbeat(t time.Time) { c.heartbeatAt = t }

// LastHeartbeat returns the last recorded heartbeat time.
func (c *Context) LastHeartbeat() time.Time { return c.heartbeatAt }

// Scope is a RAII-style handle naming a temp client saved with a particular
// view. The repo connection itself is not rebound; commands address the
// temp client through ClientName. Scope is returned by value, not referenced cyclically, per the
// Design Note in spec §9 steering away from reference-counted handles.
type Scope struct {
	ctx        *Context
	clientName string
	restore    func()
}

// Close records the scope's release in the context history. The temp
// client spec is not deleted and no connection state is changed. Safe to
// call more than once.
func (s Scope) Close() {
	if s.restore != nil {
		s.restore()
	}
}

// ClientName is the temp client this scope saved, for commands that need
// to address it explicitly (e.g. "p4 -c <name> sync").
func (s Scope) ClientName() string { return s.clientName }

// clientPool hands out a fresh temp client name for every switch within
// one operation; names are not reused.
type clientPool struct {
	next int
}

func (p *clientPool) take(repoID string) string {
	p.next++
	return fmt.Sprintf("git-fusion-%s-temp-%d", repoID, p.next)
}

// SwitchToBranch saves a temp client whose view is b's compiled view map
// and returns a Scope naming it.
func (c *Context) SwitchToBranch(ctx context.Context, b *branch.Branch) (Scope, error) {
	m, err := b.View()
	if err != nil {
		return Scope{}, fmt.Errorf("repocontext: branch %s: %w", b.ID, err)
	}
	return c.switchToLines(ctx, m.AsArray())
}

// SwitchToView saves a temp client with an
// arbitrary set of view lines (e.g. a fully-populated reroot, or a
// synthetic union view).
func (c *Context) SwitchToView(ctx context.Context, viewLines []string) (Scope, error) {
	return c.switchToLines(ctx, viewLines)
}

// SwitchToUnionView saves a temp client whose view
// is the union of every branch's view in the dict - used for repo-wide
// queries like "what changed across any branch since X".
func (c *Context) SwitchToUnionView(ctx context.Context) (Scope, error) {
	var lines []string
	for _, b := range c.Branches.All() {
		m, err := b.View()
		if err != nil {
			return Scope{}, fmt.Errorf("repocontext: branch %s: %w", b.ID, err)
		}
		lines = append(lines, m.AsArray()...)
	}
	return c.switchToLines(ctx, lines)
}

func (c *Context) switchToLines(ctx context.Context, viewLines []string) (Scope, error) {
	name := c.clients.take(c.RepoID)
	spec, err := c.conns.Repo.FetchSpec(ctx, "client", name)
	if err != nil {
		return Scope{}, fmt.Errorf("repocontext: fetching temp client %s: %w", name, err)
	}
	for i, line := range viewLines {
		spec.Fields[fmt.Sprintf("View%d", i)] = line
	}
	if err := c.conns.Repo.SaveSpec(ctx, spec); err != nil {
		return Scope{}, fmt.Errorf("repocontext: saving temp client %s: %w", name, err)
	}
	c.RecordHistory(fmt.Sprintf("switched to temp client %s (%d view lines)", name, len(viewLines)))
	return Scope{
		ctx:        c,
		clientName: name,
		restore: func() {
			c.RecordHistory(fmt.Sprintf("restored from temp client %s", name))
		},
	}, nil
}

// NumberedChange is a scoped handle on a pending changelist: Abandon
// reverts and deletes it; Submit finalizes it. Exactly one of them should
// be called before the handle is discarded.
type NumberedChange struct {
	ctx    *Context
	number int
}

// Number returns the pending changelist number.
func (n NumberedChange) Number() int { return n.number }

// Submit submits the pending changelist, returning the final changelist
// number (which may differ when renumbered-on-submit applies).
func (n NumberedChange) Submit(ctx context.Context) (int, error) {
	final, err := n.ctx.conns.Repo.Submit(ctx, n.number)
	if err != nil {
		return 0, fmt.Errorf("repocontext: submitting change %d: %w", n.number, err)
	}
	n.ctx.RecordHistory(fmt.Sprintf("submitted change %d -> %d", n.number, final))
	return final, nil
}

// Abandon reverts all open files and deletes the pending changelist - the
// cancellation-path cleanup spec §5 requires ("pending changelists are
// reverted and deleted").
func (n NumberedChange) Abandon(ctx context.Context) error {
	if err := n.ctx.conns.Repo.Revert(ctx, n.number); err != nil {
		return fmt.Errorf("repocontext: reverting change %d: %w", n.number, err)
	}
	if err := n.ctx.conns.Repo.DeleteChange(ctx, n.number); err != nil {
		return fmt.Errorf("repocontext: deleting change %d: %w", n.number, err)
	}
	n.ctx.RecordHistory(fmt.Sprintf("abandoned change %d", n.number))
	return nil
}

// NewPendingChange opens a fresh numbered pending changelist under the
// given client with the given description.
func (c *Context) NewPendingChange(ctx context.Context, client, description string) (NumberedChange, error) {
	n, err := c.conns.Repo.NewChange(ctx, client, description)
	if err != nil {
		return NumberedChange{}, fmt.Errorf("repocontext: opening pending change: %w", err)
	}
	c.RecordHistory(fmt.Sprintf("opened pending change %d", n))
	return NumberedChange{ctx: c, number: n}, nil
}
