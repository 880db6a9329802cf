package viewmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndTranslate(t *testing.T) {
	m, err := Compile([]string{
		"//depot/main/... //client/...",
		"-//depot/main/secrets/... //client/secrets/...",
	})
	require.NoError(t, err)

	got, ok := m.Translate("//depot/main/src/foo.go", LhsToRhs)
	assert.True(t, ok)
	assert.Equal(t, "//client/src/foo.go", got)

	_, ok = m.Translate("//depot/main/secrets/key.pem", LhsToRhs)
	assert.False(t, ok, "excluded path must not translate")

	got, ok = m.Translate("//client/src/bar.go", RhsToLhs)
	assert.True(t, ok)
	assert.Equal(t, "//depot/main/src/bar.go", got)
}

func TestOverlayLastMatchWins(t *testing.T) {
	m, err := Compile([]string{
		"//depot/main/... //client/...",
		"+//depot/other/... //client/...",
	})
	require.NoError(t, err)
	got, ok := m.Translate("//depot/other/x.txt", LhsToRhs)
	assert.True(t, ok)
	assert.Equal(t, "//client/x.txt", got)
}

func TestAsArrayRoundTrip(t *testing.T) {
	lines := []string{
		"//depot/main/... //client/...",
		`-//depot/main/"has space"/... //client/"has space"/...`,
	}
	m, err := Compile(lines)
	require.NoError(t, err)
	out := m.AsArray()
	require.Len(t, out, len(lines))
	m2, err := Compile(out)
	require.NoError(t, err)
	assert.Equal(t, m.AsArray(), m2.AsArray())
}

func TestCaseSensitiveRegardlessOfOS(t *testing.T) {
	m, err := Compile([]string{"//depot/main/... //client/..."})
	require.NoError(t, err)
	_, ok := m.Translate("//DEPOT/MAIN/FILE.TXT", LhsToRhs)
	assert.False(t, ok)
}

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	path := "//depot/has#hash/and@at/and%percent/and*star/file.txt"
	esc := EscapePath(path)
	assert.Equal(t, path, UnescapePath(esc))
}

func TestEnquoteDequote(t *testing.T) {
	p := "//depot/has space/file.txt"
	q := Enquote(p)
	assert.Equal(t, `"//depot/has space/file.txt"`, q)
	assert.Equal(t, p, Dequote(q))
}

func TestReverse(t *testing.T) {
	m, err := Compile([]string{"//depot/main/... //client/..."})
	require.NoError(t, err)
	r := m.Reverse()
	got, ok := r.Translate("//client/x.go", LhsToRhs)
	assert.True(t, ok)
	assert.Equal(t, "//depot/main/x.go", got)
}

func TestRerootLhs(t *testing.T) {
	m, err := Compile([]string{"//depot/main/... //client/..."})
	require.NoError(t, err)
	r := m.RerootLhs("//depot/main", "//depot/branches/feature")
	got, ok := r.Translate("//depot/branches/feature/x.go", LhsToRhs)
	assert.True(t, ok)
	assert.Equal(t, "//client/x.go", got)
}

func TestWithClientPrefix(t *testing.T) {
	m, err := Compile([]string{"//depot/main/... src/..."})
	require.NoError(t, err)
	r := m.WithClientPrefix("my-client")
	got, ok := r.Translate("//depot/main/x.go", LhsToRhs)
	assert.True(t, ok)
	assert.Equal(t, "//my-client/src/x.go", got)
}
