// Package gitobj provides minimal Git loose-object encode/decode helpers:
// enough to compute shas and zlib-compressed bytes for commits, trees, and
// blobs without shelling out to git.
package gitobj

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1" //nolint:gosec // git object ids are sha1 by definition
	"fmt"
	"io"
	"sort"
)

// Kind is the Git object type.
type Kind string

const (
	KindBlob   Kind = "blob"
	KindTree   Kind = "tree"
	KindCommit Kind = "commit"
)

// Frame returns the canonical "<kind> <len>\0<data>" loose-object byte
// framing used to compute a Git sha, given the raw (uncompressed) payload.
func Frame(kind Kind, data []byte) []byte {
	header := fmt.Sprintf("%s %d\x00", kind, len(data))
	buf := make([]byte, 0, len(header)+len(data))
	buf = append(buf, header...)
	buf = append(buf, data...)
	return buf
}

// Sha1Hex computes the Git object id (hex sha1) of the framed payload.
func Sha1Hex(kind Kind, data []byte) string {
	sum := sha1.Sum(Frame(kind, data)) //nolint:gosec
	return fmt.Sprintf("%x", sum)
}

// Compress zlib-compresses the framed object, the format the depot's object
// mirror stores bytes in (spec §4.5 / §6 storage layout).
func Compress(kind Kind, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(Frame(kind, data)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress, returning the object kind and raw payload.
func Decompress(raw []byte) (Kind, []byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", nil, fmt.Errorf("gitobj: zlib reader: %w", err)
	}
	defer r.Close()
	framed, err := io.ReadAll(r)
	if err != nil {
		return "", nil, fmt.Errorf("gitobj: read framed object: %w", err)
	}
	sp := bytes.IndexByte(framed, ' ')
	nul := bytes.IndexByte(framed, 0)
	if sp < 0 || nul < 0 || nul < sp {
		return "", nil, fmt.Errorf("gitobj: malformed object framing")
	}
	return Kind(framed[:sp]), framed[nul+1:], nil
}

// TreeEntry is one row of a Git tree object.
type TreeEntry struct {
	Mode string // "100644", "100755", "120000" (symlink), "040000" (subtree)
	Name string
	Sha  string // hex sha1 of the referenced blob/subtree
}

// EncodeTree serializes entries (sorted the way git sorts tree entries: by
// name, with subtrees treated as if suffixed by "/") into the raw tree
// object payload.
func EncodeTree(entries []TreeEntry) ([]byte, error) {
	sorted := append([]TreeEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return treeSortKey(sorted[i]) < treeSortKey(sorted[j])
	})
	var buf bytes.Buffer
	for _, e := range sorted {
		raw, err := hexToBin(e.Sha)
		if err != nil {
			return nil, fmt.Errorf("gitobj: entry %s: %w", e.Name, err)
		}
		fmt.Fprintf(&buf, "%s %s\x00", e.Mode, e.Name)
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

func treeSortKey(e TreeEntry) string {
	if e.Mode == "040000" {
		return e.Name + "/"
	}
	return e.Name
}

func hexToBin(hex string) ([]byte, error) {
	if len(hex) != 40 {
		return nil, fmt.Errorf("gitobj: sha %q is not 40 hex chars", hex)
	}
	out := make([]byte, 20)
	for i := 0; i < 20; i++ {
		var v int
		if _, err := fmt.Sscanf(hex[i*2:i*2+2], "%02x", &v); err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// CommitFields holds the fields needed to synthesize a Git commit object.
type CommitFields struct {
	Tree      string
	Parents   []string
	Author    string // "name <email> unixtime tz"
	Committer string
	Message   string
}

// EncodeCommit serializes a synthesized commit into its raw object payload.
func EncodeCommit(f CommitFields) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", f.Tree)
	for _, p := range f.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", f.Author)
	fmt.Fprintf(&buf, "committer %s\n", f.Committer)
	buf.WriteByte('\n')
	buf.WriteString(f.Message)
	return buf.Bytes()
}

// HashLinkTarget hashes the raw bytes of a symlink target as a git blob,
// without any OS-specific path-encoding round trip (Design Note §9: the
// source's os.fsencode round trip for symlink content may not reproduce the
// bytes a strict Git client would hash).
func HashLinkTarget(target []byte) string {
	return Sha1Hex(KindBlob, target)
}
