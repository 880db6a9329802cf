package gitobj

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobShaMatchesGit(t *testing.T) {
	// git hash-object for the literal bytes "hello\n" is well known.
	sha := Sha1Hex(KindBlob, []byte("hello\n"))
	assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", sha)
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	raw, err := Compress(KindBlob, []byte("some file content"))
	require.NoError(t, err)
	kind, data, err := Decompress(raw)
	require.NoError(t, err)
	assert.Equal(t, KindBlob, kind)
	assert.Equal(t, "some file content", string(data))
}

func TestEncodeTreeSortsEntriesGitStyle(t *testing.T) {
	sha := Sha1Hex(KindBlob, []byte("x"))
	entries := []TreeEntry{
		{Mode: "100644", Name: "bfile", Sha: sha},
		{Mode: "040000", Name: "adir", Sha: sha},
		{Mode: "100644", Name: "afile", Sha: sha},
	}
	out, err := EncodeTree(entries)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	// Git sorts a tree entry as if its name had a trailing "/", so "adir"
	// comes before "afile".
	s := string(out)
	iDir := strings.Index(s, "040000 adir\x00")
	iA := strings.Index(s, "100644 afile\x00")
	iB := strings.Index(s, "100644 bfile\x00")
	require.True(t, iDir >= 0 && iA >= 0 && iB >= 0)
	assert.Less(t, iDir, iA)
	assert.Less(t, iA, iB)
}

func TestHashLinkTargetHashesRawBytes(t *testing.T) {
	// A symlink pointing at "dir/target" hashes like a blob of that literal text.
	assert.Equal(t, Sha1Hex(KindBlob, []byte("dir/target")), HashLinkTarget([]byte("dir/target")))
}
