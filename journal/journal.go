// Package journal renders p4d journal records (spec §6 storage format): the
// minimal set of db.* tables a depot needs to learn about a changelist
// without going through the normal submit path - used by g2p to land
// ghost changelists and ordinary pushes as journal-structured writes.
package journal

import (
	"fmt"
	"io"
	"strings"
)

// Rev - A revision record (db.rev, db.revpx)
// Name			Type		Explanation
// ------------------------------------
// depotFile	File		Key: File name as it appears in the depot.
// depotRev		Rev			Secondary key: Revision number.
// type			FileType	Flags denoting file type.
// action		Action		Action performed on file: add, edit, delete, branch, integ, or import.
// change		Change		Changelist associated with this revision.
// date			Date		Date of changelist submission for this revision.
// modTime		Date		Date of last modification of the file when submitted.
// digest		Digest		MD5 digest of the full file at this revision level.
// traitlot		Int			Group of traits associated with file revision.
// lbrFile		File		Filename for librarian's purposes.
// lbrRev		LbrRev		Revision number in the librarian's archive.
// lbrType		FileType	File type for librarian's purposes.

// Integed - A permanent integration record (db.integed)
// Name	Type	Explanation
// toFile	File	Key: File to which integration is being performed.
// fromFile	File	Secondary key: File from which integration is being performed.
// startFromRev	Rev	Tertiary key: Starting revision of fromFile.
// endFromRev	Rev	Ending revision of fromFile.
// startToRev	Rev	Start revision of toFile into which integration is being performed.
// endToRev	Rev	End revision of toFile into which integration is being performed.
// how	IntegHow	Integration method: variations on merge/branch/copy/ignore/delete.
// change	Change	Changelist associated with the integration.

// FileType mirrors p4d's packed file-type flags (a small subset: the ones
// gitobj's blob/symlink/executable classification can produce).
type FileType int

const (
	UText   FileType = 0x00000001 // text+F
	CText   FileType = 0x00000003 // text+C
	UBinary FileType = 0x00000101 // binary+F
	Binary  FileType = 0x00000103 // binary
	Symlink FileType = 0x00040001 // symlink+F
	ExecBit FileType = 0x00000200 // executable modifier, OR'd onto the base type
)

// FileAction is the action recorded against one file revision.
type FileAction int

const (
	Add FileAction = iota
	Edit
	Delete
	Branch
	Integrate
	Rename
)

// IntegHow is the integration-method code recorded in a db.integed record.
// Values follow p4d's merge/branch/delete family groupings as exercised by
// this package's callers; exact numeric agreement with a live p4d is not
// load-bearing here since this journal is consumed only by this module's
// own G2P write path, never by a real depot's restore tooling.
type IntegHow int

const (
	MergeFrom IntegHow = iota
	MergeInto
	BranchFrom
	BranchInto
	DeleteFrom
	DeleteInto
	DirtyBranchInto
)

// Journal writes p4d journal-format records to an underlying writer.
type Journal struct {
	w io.Writer
}

// New wraps w as a Journal destination.
func New(w io.Writer) *Journal {
	return &Journal{w: w}
}

// WriteHeader emits the bootstrap depot/domain/user/view records naming
// depotName as the import depot and clientName as the service client used
// to attribute synthesized changelists.
func (j *Journal) WriteHeader(depotName, clientName, userName string) error {
	_, err := fmt.Fprintf(j.w,
		"@pv@ 0 @db.depot@ @%s@ 0 @subdir@ @%s/...@ \n"+
			"@pv@ 3 @db.domain@ @%s@ 100 @@ @@ @@ @@ @%s@ 0 0 0 1 @Created by %s@ \n"+
			"@pv@ 3 @db.user@ @%s@ @%s@@%s@ @@ 0 0 @%s@ @@ 0 @@ 0 \n"+
			"@pv@ 0 @db.view@ @%s@ 0 0 @//%s/...@ @//%s/...@ \n"+
			"@pv@ 3 @db.domain@ @%s@ 99 @@ @/ws@ @@ @@ @%s@ 0 0 0 1 @Created by %s@ \n",
		depotName, depotName,
		depotName, userName, userName,
		userName, userName, clientName, userName,
		clientName, clientName, depotName,
		clientName, userName, userName,
	)
	return err
}

// WriteChange emits a change description and change record.
func (j *Journal) WriteChange(chgNo int, client, user, description string, chgTime int) error {
	if _, err := fmt.Fprintf(j.w, "@pv@ 0 @db.desc@ %d @%s@ \n", chgNo, escapeAt(description)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(j.w, "@pv@ 0 @db.change@ %d %d @%s@ @%s@ %d 1 @%s@ \n",
		chgNo, chgNo, client, user, chgTime, shortDesc(description))
	return err
}

// WriteRev emits one file-revision record plus its revcx index entry.
func (j *Journal) WriteRev(depotFile string, depotRev int, action FileAction, fileType FileType,
	chgNo int, lbrFile string, lbrRev int, chgTime int) error {
	const md5 = "00000000000000000000000000000000"
	if lbrFile == "" {
		lbrFile = depotFile
	}
	if lbrRev == 0 {
		lbrRev = depotRev
	}
	_, err := fmt.Fprintf(j.w,
		"@pv@ 3 @db.rev@ @%s@ %d %d %d %d %d %d %s @%s@ @1.%d@ %d \n",
		depotFile, depotRev, fileType, action, chgNo, chgTime, chgTime, md5, lbrFile, lbrRev, fileType)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(j.w,
		"@pv@ 0 @db.revcx@ %d @%s@ %d %d \n",
		chgNo, depotFile, depotRev, action)
	return err
}

// WriteInteg emits the pair of db.integed records (forward and reverse
// perspective) describing one integration: toFile[startToRev,endToRev] was
// produced from fromFile[startFromRev,endFromRev] via how, and fromFile's
// reverse-perspective record is tagged reverseHow.
func (j *Journal) WriteInteg(toFile, fromFile string, startFromRev, endFromRev, startToRev, endToRev int,
	how, reverseHow IntegHow, change int) error {
	_, err := fmt.Fprintf(j.w,
		"@pv@ 0 @db.integed@ @%s@ @%s@ %d %d %d %d %d %d \n",
		toFile, fromFile, startFromRev, endFromRev, startToRev, endToRev, how, change)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(j.w,
		"@pv@ 0 @db.integed@ @%s@ @%s@ %d %d %d %d %d %d \n",
		fromFile, toFile, startToRev, endToRev, startFromRev, endFromRev, reverseHow, change)
	return err
}

// Metadata is the Fusion key/value block (spec §6) a G2P changelist's
// description carries so a later P2G pass (or a re-run G2P, per §8's
// idempotence law) can recover this commit's Git identity without
// re-deriving it from depot state. Grounded on p4gf_copy_to_p4.py's
// DescInfo key/value block (P4GF_DESC_KEY_* constants) and on
// p2g.go's parseParentTag, which is the only field this package's own
// sibling currently consumes; the rest round-trip for tooling that
// wants them (p4gf-admin, future trigger checks) without being load-bearing
// for P2G today.
type Metadata struct {
	Sha1          string   // this commit's Git object id, when known (e.g. via --export-marks)
	Parents       []string // parent commit shas, when known; omitted if empty so P2G falls back to its own derivation
	Author        string
	Committer     string
	Pusher        string
	PushState     string // "complete" once the owning push's every branch has landed, else "incomplete"
	DepotBranchID string
	ParentBranch  string // "{depot-branch-id}@{change-num}" of the branch this commit forked from, if any
	Gitlinks      []string
}

// FormatMetadata renders m as the "git-fusion-*:" line block appended to a
// changelist description, one key per populated field. Empty fields are
// omitted rather than written blank, so a partially-known Metadata (e.g.
// no Sha1 because no mark-to-sha map was supplied) still round-trips the
// fields it does have.
func FormatMetadata(m Metadata) string {
	var b strings.Builder
	if m.Sha1 != "" {
		fmt.Fprintf(&b, "git-fusion-sha1: %s\n", m.Sha1)
	}
	if len(m.Parents) > 0 {
		fmt.Fprintf(&b, "git-fusion-parents: %s\n", strings.Join(m.Parents, " "))
	}
	if m.Author != "" {
		fmt.Fprintf(&b, "git-fusion-author: %s\n", m.Author)
	}
	if m.Committer != "" {
		fmt.Fprintf(&b, "git-fusion-committer: %s\n", m.Committer)
	}
	if m.Pusher != "" {
		fmt.Fprintf(&b, "git-fusion-pusher: %s\n", m.Pusher)
	}
	if m.PushState != "" {
		fmt.Fprintf(&b, "git-fusion-push-state: %s\n", m.PushState)
	}
	if m.DepotBranchID != "" {
		fmt.Fprintf(&b, "git-fusion-depot-branch-id: %s\n", m.DepotBranchID)
	}
	if m.ParentBranch != "" {
		fmt.Fprintf(&b, "git-fusion-parent-branch: %s\n", m.ParentBranch)
	}
	if len(m.Gitlinks) > 0 {
		fmt.Fprintf(&b, "git-fusion-gitlinks: %s\n", strings.Join(m.Gitlinks, " "))
	}
	return b.String()
}

func escapeAt(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '@' {
			out = append(out, '@', '@')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func shortDesc(s string) string {
	r := []rune(escapeAt(s))
	if len(r) > 31 {
		r = r[:31]
	}
	return string(r)
}
