package journal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteHeaderProducesWellFormedRecords(t *testing.T) {
	var buf strings.Builder
	j := New(&buf)
	require.NoError(t, j.WriteHeader("depot", "git-fusion-client", "git-fusion-user"))
	out := buf.String()
	assert.Contains(t, out, "@db.depot@")
	assert.Contains(t, out, "@db.domain@")
	assert.Contains(t, out, "@db.user@")
	assert.Contains(t, out, "@db.view@")
}

func TestWriteChangeEscapesAtSigns(t *testing.T) {
	var buf strings.Builder
	j := New(&buf)
	require.NoError(t, j.WriteChange(5, "git-fusion-client", "alice", "fix @risky@ bug", 1700000000))
	out := buf.String()
	assert.Contains(t, out, "fix @@risky@@ bug")
	assert.Contains(t, out, "@db.change@ 5 5")
}

func TestWriteChangeTruncatesShortDescription(t *testing.T) {
	var buf strings.Builder
	j := New(&buf)
	long := "this description is definitely longer than thirty one characters"
	require.NoError(t, j.WriteChange(1, "c", "u", long, 1700000000))
	out := buf.String()
	lines := strings.Split(out, "\n")
	var changeLine string
	for _, l := range lines {
		if strings.Contains(l, "@db.change@") {
			changeLine = l
		}
	}
	require.NotEmpty(t, changeLine)
	assert.NotContains(t, changeLine, long)
}

func TestWriteRevDefaultsLbrFields(t *testing.T) {
	var buf strings.Builder
	j := New(&buf)
	require.NoError(t, j.WriteRev("//depot/main/x.go", 1, Add, CText, 10, "", 0, 1700000000))
	out := buf.String()
	assert.Contains(t, out, "@db.rev@")
	assert.Contains(t, out, "@db.revcx@")
	assert.Contains(t, out, "//depot/main/x.go")
}

func TestWriteIntegEmitsBothPerspectives(t *testing.T) {
	var buf strings.Builder
	j := New(&buf)
	require.NoError(t, j.WriteInteg(
		"//depot/branches/feature/x.go", "//depot/main/x.go",
		0, 1, 0, 1,
		BranchFrom, DirtyBranchInto, 42,
	))
	out := buf.String()
	count := strings.Count(out, "@db.integed@")
	assert.Equal(t, 2, count)
	assert.Contains(t, out, "//depot/branches/feature/x.go")
	assert.Contains(t, out, "//depot/main/x.go")
}
