// Package metrics registers the Prometheus counters and gauges emitted
// across a push/fetch cycle (spec §3.13): pushes processed, ghost
// changelists submitted, lock wait time, and object-mirror cache hit rate,
// grounded on the p4prometheus version string's adjacent metrics surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this module exports, registered once
// against a given prometheus.Registerer (production wiring uses the
// default registry; tests can pass a fresh prometheus.NewRegistry()).
type Registry struct {
	PushesTotal           *prometheus.CounterVec
	GhostChangelistsTotal *prometheus.CounterVec
	LockWaitSeconds       *prometheus.HistogramVec
	MirrorHitsTotal       *prometheus.CounterVec
	MirrorMissesTotal     *prometheus.CounterVec
	CommitsCopiedTotal    *prometheus.CounterVec
	FilesIntegratedTotal  *prometheus.CounterVec
}

const namespace = "gitp4fusion"

// New builds the metric collectors without registering them.
func New() *Registry {
	return &Registry{
		PushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Total Git->depot pushes processed, by repo and outcome.",
		}, []string{"repo", "outcome"}),
		GhostChangelistsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ghost_changelists_total",
			Help:      "Total ghost changelists submitted to bootstrap just-in-time branches.",
		}, []string{"repo"}),
		LockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire the atomic-push lock.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"repo"}),
		MirrorHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_hits_total",
			Help:      "Object-mirror lookups served from the cached layer.",
		}, []string{"repo"}),
		MirrorMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_misses_total",
			Help:      "Object-mirror lookups that required a depot round trip.",
		}, []string{"repo"}),
		CommitsCopiedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_copied_total",
			Help:      "Commits copied depot->Git (P2G) or Git->depot (G2P), by direction.",
		}, []string{"repo", "direction"}),
		FilesIntegratedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_integrated_total",
			Help:      "Files integrated (as opposed to added/edited/deleted) during G2P.",
		}, []string{"repo"}),
	}
}

// collectors lists every metric for bulk registration.
func (r *Registry) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.PushesTotal, r.GhostChangelistsTotal, r.LockWaitSeconds,
		r.MirrorHitsTotal, r.MirrorMissesTotal, r.CommitsCopiedTotal,
		r.FilesIntegratedTotal,
	}
}

// Register adds every metric to reg. Safe to call once per process;
// callers that need test isolation should pass a fresh registry.
func (r *Registry) Register(reg prometheus.Registerer) error {
	for _, c := range r.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveLockWait records how long a push waited to acquire the atomic-push
// lock for repo.
func (r *Registry) ObserveLockWait(repo string, d time.Duration) {
	r.LockWaitSeconds.WithLabelValues(repo).Observe(d.Seconds())
}

// RecordPush increments the push counter for repo with the given outcome
// ("ok", "conflict", "error").
func (r *Registry) RecordPush(repo, outcome string) {
	r.PushesTotal.WithLabelValues(repo, outcome).Inc()
}

// RecordMirrorLookup increments the hit or miss counter for repo.
func (r *Registry) RecordMirrorLookup(repo string, hit bool) {
	if hit {
		r.MirrorHitsTotal.WithLabelValues(repo).Inc()
	} else {
		r.MirrorMissesTotal.WithLabelValues(repo).Inc()
	}
}

// RecordGhostChangelist increments the ghost-changelist counter for repo.
// Called once per synthetic branch-bootstrap changelist G2P submits ahead
// of a commit's real changelist (p4gf_copy_to_p4.py's _ghost_submit).
func (r *Registry) RecordGhostChangelist(repo string) {
	r.GhostChangelistsTotal.WithLabelValues(repo).Inc()
}

// RecordCommitCopied increments the commits-copied counter for repo in the
// given direction ("g2p" or "p2g").
func (r *Registry) RecordCommitCopied(repo, direction string) {
	r.CommitsCopiedTotal.WithLabelValues(repo, direction).Inc()
}

// RecordFileIntegrated increments the files-integrated counter for repo,
// for a file recorded as a branch or merge integration rather than as a
// plain add/edit/delete.
func (r *Registry) RecordFileIntegrated(repo string) {
	r.FilesIntegratedTotal.WithLabelValues(repo).Inc()
}
