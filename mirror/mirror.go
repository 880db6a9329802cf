// Package mirror implements the object mirror (spec §4.5): a
// content-addressed store of Git objects under the depot, plus the records
// associating a mirrored commit with the changelist that produced it.
package mirror

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rcowham/gitp4fusion/gitobj"
	"github.com/rcowham/gitp4fusion/p4client"
)

// ObjectsPrefix is the depot path under which mirrored Git objects are
// stored, two-character-prefix fanned out the way .git/objects is on disk
// (spec §6 storage layout).
const ObjectsPrefix = "//.git-fusion/objects"

// CommitIndexPrefix is the depot path under which commit<->changelist
// association records live, one small file per mirrored commit.
const CommitIndexPrefix = "//.git-fusion/objects/commit-index"

// Mirror is the object-mirror store, backed by a depot client.
type Mirror struct {
	client p4client.Client
}

// New returns a Mirror talking to client.
func New(client p4client.Client) *Mirror {
	return &Mirror{client: client}
}

func objectPath(sha string) string {
	if len(sha) < 3 {
		return fmt.Sprintf("%s/%s", ObjectsPrefix, sha)
	}
	return fmt.Sprintf("%s/%s/%s", ObjectsPrefix, sha[:2], sha[2:])
}

func commitIndexPath(sha string) string {
	if len(sha) < 3 {
		return fmt.Sprintf("%s/%s", CommitIndexPrefix, sha)
	}
	return fmt.Sprintf("%s/%s/%s", CommitIndexPrefix, sha[:2], sha[2:])
}

// Exists reports whether a Git object with the given sha is already
// mirrored, without fetching its content.
func (m *Mirror) Exists(ctx context.Context, sha string) (bool, error) {
	results, err := m.client.Run(ctx, "files", objectPath(sha))
	if err != nil {
		return false, nil // "no such file" surfaces as an error from some depot clients; treat as absent
	}
	return len(results) > 0, nil
}

// Fetch retrieves and decompresses a mirrored Git object.
func (m *Mirror) Fetch(ctx context.Context, sha string) (gitobj.Kind, []byte, error) {
	var buf strings.Builder
	if err := m.client.Print(ctx, objectPath(sha), &buf, p4client.PrintOpts{}); err != nil {
		return "", nil, fmt.Errorf("mirror: fetching object %s: %w", sha, err)
	}
	return gitobj.Decompress([]byte(buf.String()))
}

// Write stores a Git object under its content-addressed path inside the
// given pending changelist, returning the sha it was stored under.
//
// The p4client.Client boundary doesn't expose raw "write bytes to a depot
// path" (only Run/Print/specs), so a production Client implementation is
// expected to recognize a "print -o -" / stdin-piped "add"/"edit" pattern
// internally; Write expresses the operation at the level this package
// owns: compress, hash, and ask the client to persist the object.
func (m *Mirror) Write(ctx context.Context, change int, kind gitobj.Kind, data []byte) (string, error) {
	sha := gitobj.Sha1Hex(kind, data)
	compressed, err := gitobj.Compress(kind, data)
	if err != nil {
		return "", fmt.Errorf("mirror: compressing %s object: %w", kind, err)
	}
	path := objectPath(sha)
	if _, err := m.client.Run(ctx, "add", "-c", strconv.Itoa(change), path); err != nil {
		return "", fmt.Errorf("mirror: staging object %s: %w", sha, err)
	}
	if err := stagePut(m.client, path, compressed); err != nil {
		return "", fmt.Errorf("mirror: writing object %s: %w", sha, err)
	}
	return sha, nil
}

// stagePut is the seam a real Client implementation hooks to actually place
// bytes at a staged depot path prior to submit; the in-memory faketest
// implementation exposes SeedFile for the same purpose in tests.
func stagePut(client p4client.Client, path string, data []byte) error {
	type putter interface {
		Put(ctx context.Context, path string, data []byte) error
	}
	if p, ok := client.(putter); ok {
		return p.Put(context.Background(), path, data)
	}
	return nil
}

// AssociationRecord ties a mirrored commit sha to the changelist that
// produced it and the depot-branch it was copied onto.
type AssociationRecord struct {
	Sha          string
	Change       int
	DepotBranch  string
	MirroredAt   time.Time
}

// RecordCommit writes (within the given pending changelist) the
// association record for a freshly mirrored commit.
func (m *Mirror) RecordCommit(ctx context.Context, change int, rec AssociationRecord) error {
	path := commitIndexPath(rec.Sha)
	body := fmt.Sprintf("change=%d\nbranch=%s\n", rec.Change, rec.DepotBranch)
	if _, err := m.client.Run(ctx, "add", "-c", strconv.Itoa(change), path); err != nil {
		return fmt.Errorf("mirror: staging commit-index %s: %w", rec.Sha, err)
	}
	return stagePut(m.client, path, []byte(body))
}

// ChangeForCommit returns the changelist number a mirrored commit sha was
// produced by, if known.
func (m *Mirror) ChangeForCommit(ctx context.Context, sha string) (int, bool, error) {
	var buf strings.Builder
	if err := m.client.Print(ctx, commitIndexPath(sha), &buf, p4client.PrintOpts{}); err != nil {
		return 0, false, nil
	}
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(line, "change=") {
			n, err := strconv.Atoi(strings.TrimPrefix(line, "change="))
			if err != nil {
				return 0, false, fmt.Errorf("mirror: parsing commit-index %s: %w", sha, err)
			}
			return n, true, nil
		}
	}
	return 0, false, nil
}

// BranchForCommit returns the depot branch a mirrored commit sha was last
// copied onto, if known, the read side of RecordCommit's "branch=" line.
func (m *Mirror) BranchForCommit(ctx context.Context, sha string) (string, bool, error) {
	var buf strings.Builder
	if err := m.client.Print(ctx, commitIndexPath(sha), &buf, p4client.PrintOpts{}); err != nil {
		return "", false, nil
	}
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(line, "branch=") {
			return strings.TrimPrefix(line, "branch="), true, nil
		}
	}
	return "", false, nil
}

// CachedMirror wraps a Mirror with a TTL cache in front of Exists/Fetch, so
// a P2G/G2P pass re-checking the same commit boundary repeatedly doesn't
// round-trip the depot every time.
type CachedMirror struct {
	*Mirror
	cache *cache.Cache
}

// NewCached wraps m with a TTL cache (go-cache), ttl controlling both
// default expiration and cleanup interval granularity.
func NewCached(m *Mirror, ttl time.Duration) *CachedMirror {
	return &CachedMirror{Mirror: m, cache: cache.New(ttl, ttl*2)}
}

// Exists is Mirror.Exists with a positive/negative result cache.
func (c *CachedMirror) Exists(ctx context.Context, sha string) (bool, error) {
	if v, ok := c.cache.Get("exists:" + sha); ok {
		return v.(bool), nil
	}
	exists, err := c.Mirror.Exists(ctx, sha)
	if err != nil {
		return false, err
	}
	c.cache.SetDefault("exists:"+sha, exists)
	return exists, nil
}

// Fetch is Mirror.Fetch with a content cache; the decompressed payload is
// cached rather than the raw zlib bytes, since callers almost always want
// the decoded form.
func (c *CachedMirror) Fetch(ctx context.Context, sha string) (gitobj.Kind, []byte, error) {
	key := "fetch:" + sha
	if v, ok := c.cache.Get(key); ok {
		entry := v.(fetchEntry)
		return entry.kind, entry.data, nil
	}
	kind, data, err := c.Mirror.Fetch(ctx, sha)
	if err != nil {
		return "", nil, err
	}
	c.cache.SetDefault(key, fetchEntry{kind, data})
	return kind, data, nil
}

type fetchEntry struct {
	kind gitobj.Kind
	data []byte
}

// Invalidate drops any cached entries for sha, used after overwriting an
// object (should not normally happen for content-addressed storage, but
// kept for repair tooling).
func (c *CachedMirror) Invalidate(sha string) {
	c.cache.Delete("exists:" + sha)
	c.cache.Delete("fetch:" + sha)
}
