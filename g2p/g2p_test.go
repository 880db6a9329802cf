package g2p

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/rcowham/gitp4fusion/journal"
	"github.com/rcowham/gitp4fusion/mirror"
	"github.com/rcowham/gitp4fusion/p4client/faketest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fakeArchives struct {
	written map[string][]byte // uncompressed content, keyed by "depotFile#rev"
}

func newFakeArchives() *fakeArchives { return &fakeArchives{written: map[string][]byte{}} }

func (f *fakeArchives) WriteArchive(depotFile string, rev int, compressed bool, data []byte) error {
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return err
		}
		if data, err = io.ReadAll(zr); err != nil {
			return err
		}
	}
	f.written[fmt.Sprintf("%s#%d", depotFile, rev)] = data
	return nil
}

const addCommitFastExport = `blob
mark :1
data 9
contents

commit refs/heads/main
mark :2
author Alice <alice@example.com> 1700000000 +0000
committer Alice <alice@example.com> 1700000000 +0000
data 8
initial
M 100644 :1 src.txt

`

func newTestImporter(t *testing.T) (*Importer, *strings.Builder, *fakeArchives) {
	var buf strings.Builder
	archives := newFakeArchives()
	m := mirror.New(faketest.New())
	return New(testLogger(), Options{
		Resolver:      &Resolver{ImportRoot: "//import"},
		Mirror:        m,
		Archives:      archives,
		Journal:       journal.New(&buf),
		DefaultUser:   "git-user",
		DefaultBranch: "main",
	}), &buf, archives
}

func TestRunSingleAddCommit(t *testing.T) {
	im, buf, archives := newTestImporter(t)
	n, err := im.Run(context.Background(), strings.NewReader(addCommitFastExport))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out := buf.String()
	assert.Contains(t, out, "@db.change@ 2 2")
	assert.Contains(t, out, "//import/main/src.txt")
	assert.Contains(t, out, "@db.rev@")

	require.Contains(t, archives.written, "//import/main/src.txt#1")
	assert.Equal(t, "contents\n", string(archives.written["//import/main/src.txt#1"]))
}

const addThenDeleteFastExport = `blob
mark :1
data 9
contents

commit refs/heads/main
mark :2
author Alice <alice@example.com> 1700000000 +0000
committer Alice <alice@example.com> 1700000000 +0000
data 8
initial
M 100644 :1 src.txt

commit refs/heads/main
mark :3
from :2
author Alice <alice@example.com> 1700000100 +0000
committer Alice <alice@example.com> 1700000100 +0000
data 8
removed
D src.txt

`

func TestRunAddThenDelete(t *testing.T) {
	im, buf, _ := newTestImporter(t)
	n, err := im.Run(context.Background(), strings.NewReader(addThenDeleteFastExport))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out := buf.String()
	assert.Contains(t, out, "@db.change@ 3 3")
	assert.Equal(t, 2, strings.Count(out, "@db.rev@"))
}

const renameFastExport = `blob
mark :1
data 9
contents

commit refs/heads/main
mark :2
author Alice <alice@example.com> 1700000000 +0000
committer Alice <alice@example.com> 1700000000 +0000
data 8
initial
M 100644 :1 src.txt

commit refs/heads/main
mark :3
from :2
author Alice <alice@example.com> 1700000100 +0000
committer Alice <alice@example.com> 1700000100 +0000
data 7
renamed
R src.txt dst.txt

`

func TestRunRenameProducesDeleteAndAdd(t *testing.T) {
	im, buf, _ := newTestImporter(t)
	n, err := im.Run(context.Background(), strings.NewReader(renameFastExport))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out := buf.String()
	assert.Contains(t, out, "//import/main/dst.txt")
	assert.Contains(t, out, "//import/main/src.txt")
	assert.Contains(t, out, "@db.integed@")
}

func TestResolverFallsBackWithoutBranchDict(t *testing.T) {
	r := &Resolver{ImportRoot: "//import"}
	p, err := r.DepotPathFor("main", "src.txt")
	require.NoError(t, err)
	assert.Equal(t, "//import/main/src.txt", p)
}
