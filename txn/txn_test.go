package txn

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/index"
	"github.com/rcowham/svnfsfs/noderev"
	"github.com/rcowham/svnfsfs/repo"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func createTestRepo(t *testing.T) *repo.Repo {
	t.Helper()
	r, err := repo.Create(filepath.Join(t.TempDir(), "repo"), nil, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func beginAt(t *testing.T, r *repo.Repo, base fsid.RevNum) *Txn {
	t.Helper()
	tx, err := Begin(r, base, "2024-03-01T10:00:00.000000Z", BeginFlags{})
	require.NoError(t, err)
	return tx
}

func commit(t *testing.T, tx *Txn) fsid.RevNum {
	t.Helper()
	rev, err := tx.Commit(CommitOptions{Now: "2024-03-01T10:00:01.000000Z"})
	require.NoError(t, err)
	return rev
}

func setLog(t *testing.T, tx *Txn, msg string) {
	t.Helper()
	require.NoError(t, tx.ChangeProp(PropRevLog, &msg))
}

// p2lTypes walks the phys-to-log entries of a committed revision in offset
// order and returns their types.
func p2lTypes(t *testing.T, r *repo.Repo, rev fsid.RevNum) []index.ItemType {
	t.Helper()
	info, err := os.Stat(r.RevPath(rev))
	require.NoError(t, err)
	var types []index.ItemType
	for offset := int64(0); offset < info.Size(); {
		entry, err := r.P2LEntry(rev, offset)
		require.NoError(t, err)
		require.NotNil(t, entry, "no entry at offset %d", offset)
		require.Equal(t, offset, entry.Offset)
		types = append(types, entry.Type)
		offset = entry.Offset + entry.Size
	}
	return types
}

func verifyRev(t *testing.T, r *repo.Repo, rev fsid.RevNum) {
	t.Helper()
	assert.NoError(t, index.Verify(rev, r.RevPath(rev), r.L2PIndexPath(rev),
		r.P2LIndexPath(rev), r.Config().BlockBytes))
}

// The empty commit: revision 1 exists with a root noderev, an empty
// changes block, and current reads 1.
func TestCommitEmpty(t *testing.T) {
	r := createTestRepo(t)
	tx := beginAt(t, r, 0)
	setLog(t, tx, "init")

	rev := commit(t, tx)
	assert.Equal(t, fsid.RevNum(1), rev)

	youngest, err := r.YoungestRev()
	require.NoError(t, err)
	assert.Equal(t, fsid.RevNum(1), youngest)

	cached, ok := r.CachedYoungest()
	assert.True(t, ok)
	assert.Equal(t, fsid.RevNum(1), cached)

	root, err := r.RootNodeRev(1)
	require.NoError(t, err)
	assert.Equal(t, noderev.KindDir, root.Kind)
	assert.Equal(t, 1, root.PredCount)
	require.NotNil(t, root.PredID)
	assert.Equal(t, fsid.RevNum(0), root.PredID.RevItem.Rev)
	assert.False(t, root.IsFreshTxnRoot)

	changes, err := r.Changes(1)
	require.NoError(t, err)
	assert.Empty(t, changes)

	props, err := r.RevProps(1)
	require.NoError(t, err)
	assert.Equal(t, "init", props[PropRevLog])
	assert.NotContains(t, props, PropCheckOOD)

	// the transaction directory is gone
	_, err = os.Stat(r.TxnDir(tx.ID()))
	assert.True(t, os.IsNotExist(err))

	verifyRev(t, r, 1)
}

// Adding one file: the new revision carries the file rep, its props, both
// node-revs and the changes block, and the rep-cache learns the content.
func TestCommitAddFile(t *testing.T) {
	r := createTestRepo(t)
	tx := beginAt(t, r, 0)
	setLog(t, tx, "add a")

	_, err := tx.MakeFile("/a")
	require.NoError(t, err)
	require.NoError(t, tx.SetFileContents("/a", []byte("hello\n")))
	mime := "text/plain"
	require.NoError(t, tx.ChangeNodeProp("/a", "svn:mime-type", &mime))

	rev := commit(t, tx)
	assert.Equal(t, fsid.RevNum(1), rev)
	verifyRev(t, r, rev)

	types := p2lTypes(t, r, rev)
	assert.Contains(t, types, index.TypeFileRep)
	assert.Contains(t, types, index.TypeFileProps)
	assert.Contains(t, types, index.TypeDirRep)
	assert.Contains(t, types, index.TypeChanges)
	nodeRevs := 0
	for _, ty := range types {
		if ty == index.TypeNodeRev {
			nodeRevs++
		}
	}
	assert.Equal(t, 2, nodeRevs, "one for /a, one for the root")

	// content reads back through the delta chain
	nr, err := r.PathLookup(rev, "/a")
	require.NoError(t, err)
	require.NotNil(t, nr)
	content, err := r.RepContents(nr.TextRep)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), content)

	// the changes block names the add
	changes, err := r.Changes(rev)
	require.NoError(t, err)
	require.Contains(t, changes, "/a")
	assert.Equal(t, noderev.ChangeAdd, changes["/a"].Kind)
	assert.True(t, changes["/a"].TextMod)
	assert.False(t, changes["/a"].NodeRevID.IsTxn())

	// the rep-cache gained the content's SHA-1
	cache, err := r.RepCache()
	require.NoError(t, err)
	sum := sha1.Sum([]byte("hello\n"))
	cached, err := cache.Get(sum[:])
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, rev, cached.Rev)
}

// Two files with identical content inside one txn share a single rep.
func TestCommitDedupsIdenticalContent(t *testing.T) {
	r := createTestRepo(t)
	tx := beginAt(t, r, 0)
	setLog(t, tx, "dedup")

	_, err := tx.MakeFile("/a")
	require.NoError(t, err)
	require.NoError(t, tx.SetFileContents("/a", []byte("same\n")))
	_, err = tx.MakeFile("/b")
	require.NoError(t, err)
	require.NoError(t, tx.SetFileContents("/b", []byte("same\n")))

	rev := commit(t, tx)
	verifyRev(t, r, rev)

	fileReps := 0
	for _, ty := range p2lTypes(t, r, rev) {
		if ty == index.TypeFileRep {
			fileReps++
		}
	}
	assert.Equal(t, 1, fileReps, "identical content must share one rep")

	a, err := r.PathLookup(rev, "/a")
	require.NoError(t, err)
	b, err := r.PathLookup(rev, "/b")
	require.NoError(t, err)
	assert.Equal(t, a.TextRep.Rev, b.TextRep.Rev)
	assert.Equal(t, a.TextRep.ItemIndex, b.TextRep.ItemIndex)

	content, err := r.RepContents(b.TextRep)
	require.NoError(t, err)
	assert.Equal(t, []byte("same\n"), content)
}

// An out-of-date transaction must fail, leave current untouched and leave
// its scratch directory behind for a rebase.
func TestCommitOutOfDate(t *testing.T) {
	r := createTestRepo(t)

	txA := beginAt(t, r, 0)
	setLog(t, txA, "a")
	txB := beginAt(t, r, 0)
	setLog(t, txB, "b")

	rev := commit(t, txB)
	assert.Equal(t, fsid.RevNum(1), rev)

	_, err := txA.Commit(CommitOptions{})
	assert.True(t, fserrors.IsCode(err, fserrors.TxnOutOfDate), "got %v", err)

	youngest, err := r.YoungestRev()
	require.NoError(t, err)
	assert.Equal(t, fsid.RevNum(1), youngest)

	info, err := os.Stat(r.TxnDir(txA.ID()))
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "failed txn keeps its directory")
}

// A second writer against the same proto-rev file fails immediately with
// rep-being-written instead of blocking.
func TestProtoRevContention(t *testing.T) {
	r := createTestRepo(t)
	tx := beginAt(t, r, 0)

	nrA, err := tx.MakeFile("/a")
	require.NoError(t, err)
	w, err := tx.WriteContents(nrA)
	require.NoError(t, err)

	nrB, err := tx.MakeFile("/b")
	require.NoError(t, err)
	_, err = tx.WriteContents(nrB)
	assert.True(t, fserrors.IsCode(err, fserrors.RepBeingWritten), "got %v", err)

	_, err = w.Write([]byte("content\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// released: the other file can be written now
	w2, err := tx.WriteContents(nrB)
	require.NoError(t, err)
	_, err = w2.Write([]byte("other\n"))
	require.NoError(t, err)
	require.NoError(t, w2.Close())
}

// Aborting removes the txn directory and leaves the repository untouched.
func TestAbort(t *testing.T) {
	r := createTestRepo(t)
	tx := beginAt(t, r, 0)
	_, err := tx.MakeFile("/doomed")
	require.NoError(t, err)
	require.NoError(t, tx.SetFileContents("/doomed", []byte("bytes\n")))

	require.NoError(t, tx.Abort())

	_, err = os.Stat(r.TxnDir(tx.ID()))
	assert.True(t, os.IsNotExist(err))
	youngest, err := r.YoungestRev()
	require.NoError(t, err)
	assert.Equal(t, fsid.RevNum(0), youngest)
}

// Successive modifications build a predecessor chain with strictly
// increasing counts and strictly decreasing revisions, and the content of
// every revision stays reconstructible through the delta chain.
func TestPredecessorChainAndDeltas(t *testing.T) {
	r := createTestRepo(t)

	contents := []string{
		"line one\n",
		"line one\nline two\n",
		"line one\nline two\nline three\n",
		"line one\nCHANGED\nline three\n",
	}

	base := fsid.RevNum(0)
	for i, content := range contents {
		tx := beginAt(t, r, base)
		setLog(t, tx, "edit")
		if i == 0 {
			_, err := tx.MakeFile("/file.txt")
			require.NoError(t, err)
		}
		require.NoError(t, tx.SetFileContents("/file.txt", []byte(content)))
		base = commit(t, tx)
		verifyRev(t, r, base)
	}

	for i, content := range contents {
		rev := fsid.RevNum(i + 1)
		nr, err := r.PathLookup(rev, "/file.txt")
		require.NoError(t, err)
		require.NotNil(t, nr)
		got, err := r.RepContents(nr.TextRep)
		require.NoError(t, err)
		assert.Equal(t, content, string(got), "content of r%d", rev)
		assert.Equal(t, i, nr.PredCount)
	}

	// walk the predecessor chain of the newest node
	nr, err := r.PathLookup(4, "/file.txt")
	require.NoError(t, err)
	for nr.PredID != nil {
		pred, err := r.ReadNodeRev(nr.PredID)
		require.NoError(t, err)
		assert.Less(t, int64(pred.ID.RevItem.Rev), int64(nr.ID.RevItem.Rev))
		assert.Equal(t, nr.PredCount-1, pred.PredCount)
		nr = pred
	}
}

// Directory deletes, copies and the change folding all surface correctly
// in the committed changes block.
func TestCommitDirectoryOperations(t *testing.T) {
	r := createTestRepo(t)

	tx := beginAt(t, r, 0)
	setLog(t, tx, "layout")
	_, err := tx.MakeDir("/trunk")
	require.NoError(t, err)
	_, err = tx.MakeFile("/trunk/a.txt")
	require.NoError(t, err)
	require.NoError(t, tx.SetFileContents("/trunk/a.txt", []byte("alpha\n")))
	rev1 := commit(t, tx)
	verifyRev(t, r, rev1)

	tx = beginAt(t, r, rev1)
	setLog(t, tx, "branch and delete")
	require.NoError(t, tx.Copy(rev1, "/trunk", "/branch"))
	require.NoError(t, tx.DeleteEntry("/trunk/a.txt"))
	rev2 := commit(t, tx)
	verifyRev(t, r, rev2)

	changes, err := r.Changes(rev2)
	require.NoError(t, err)
	require.Contains(t, changes, "/branch")
	assert.Equal(t, noderev.ChangeAdd, changes["/branch"].Kind)
	assert.Equal(t, rev1, changes["/branch"].CopyFromRev)
	assert.Equal(t, "/trunk", changes["/branch"].CopyFromPath)
	require.Contains(t, changes, "/trunk/a.txt")
	assert.Equal(t, noderev.ChangeDelete, changes["/trunk/a.txt"].Kind)

	// the branch kept the copied content
	nr, err := r.PathLookup(rev2, "/branch/a.txt")
	require.NoError(t, err)
	require.NotNil(t, nr)
	content, err := r.RepContents(nr.TextRep)
	require.NoError(t, err)
	assert.Equal(t, "alpha\n", string(content))

	// the deleted file is gone from trunk
	gone, err := r.PathLookup(rev2, "/trunk/a.txt")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// copyfrom is recorded on the branch root node
	branch, err := r.PathLookup(rev2, "/branch")
	require.NoError(t, err)
	assert.Equal(t, rev1, branch.CopyFromRev)
	assert.Equal(t, "/trunk", branch.CopyFromPath)
}

// A cancel predicate firing before the final steps aborts the commit and
// leaves the repository at the previous revision.
func TestCommitCancelled(t *testing.T) {
	r := createTestRepo(t)
	tx := beginAt(t, r, 0)
	setLog(t, tx, "never lands")
	_, err := tx.MakeFile("/a")
	require.NoError(t, err)
	require.NoError(t, tx.SetFileContents("/a", []byte("data\n")))

	cancelled := fserrors.New(fserrors.Cancelled, "interrupted")
	_, err = tx.Commit(CommitOptions{Cancel: func() error { return cancelled }})
	assert.True(t, fserrors.IsCode(err, fserrors.Cancelled))

	youngest, err := r.YoungestRev()
	require.NoError(t, err)
	assert.Equal(t, fsid.RevNum(0), youngest)
}

// Commits against a repository that shares content across revisions pick
// the existing rep up from the rep-cache.
func TestRepSharingAcrossRevisions(t *testing.T) {
	r := createTestRepo(t)

	tx := beginAt(t, r, 0)
	setLog(t, tx, "first")
	_, err := tx.MakeFile("/a")
	require.NoError(t, err)
	require.NoError(t, tx.SetFileContents("/a", []byte("shared payload\n")))
	rev1 := commit(t, tx)

	tx = beginAt(t, r, rev1)
	setLog(t, tx, "second")
	_, err = tx.MakeFile("/b")
	require.NoError(t, err)
	require.NoError(t, tx.SetFileContents("/b", []byte("shared payload\n")))
	rev2 := commit(t, tx)
	verifyRev(t, r, rev2)

	a, err := r.PathLookup(rev1, "/a")
	require.NoError(t, err)
	b, err := r.PathLookup(rev2, "/b")
	require.NoError(t, err)
	assert.Equal(t, a.TextRep.Rev, b.TextRep.Rev)
	assert.Equal(t, a.TextRep.ItemIndex, b.TextRep.ItemIndex)

	content, err := r.RepContents(b.TextRep)
	require.NoError(t, err)
	assert.Equal(t, "shared payload\n", string(content))
}

func TestOpenAndList(t *testing.T) {
	r := createTestRepo(t)
	tx := beginAt(t, r, 0)

	names, err := List(r)
	require.NoError(t, err)
	assert.Equal(t, []string{tx.ID().String()}, names)

	reopened, err := Open(r, tx.ID().String())
	require.NoError(t, err)
	assert.Equal(t, tx.ID(), reopened.ID())
	assert.Equal(t, fsid.RevNum(0), reopened.BaseRev())

	_, err = Open(r, "zz-zz")
	assert.True(t, fserrors.IsCode(err, fserrors.NoSuchTransaction))
}

func TestTxnPropsBootstrapAndStrip(t *testing.T) {
	r := createTestRepo(t)
	tx, err := Begin(r, 0, "2024-03-01T10:00:00.000000Z",
		BeginFlags{CheckOOD: true, CheckLocks: true})
	require.NoError(t, err)

	props, err := tx.Props()
	require.NoError(t, err)
	assert.Equal(t, "true", props[PropCheckOOD])
	assert.Equal(t, "true", props[PropCheckLocks])

	// deleting the props file exercises the bootstrap path
	require.NoError(t, os.Remove(filepath.Join(r.TxnDir(tx.ID()), "props")))
	props, err = tx.Props()
	require.NoError(t, err)
	assert.Empty(t, props)

	msg := "message"
	require.NoError(t, tx.ChangeProp(PropRevLog, &msg))
	rev := commit(t, tx)

	final, err := r.RevProps(rev)
	require.NoError(t, err)
	assert.Equal(t, "message", final[PropRevLog])
	assert.NotContains(t, final, PropCheckOOD)
	assert.NotContains(t, final, PropCheckLocks)
}

// Verification catches a bogus index claiming everything is unused.
func TestVerifyCatchesDamagedCommittedIndex(t *testing.T) {
	r := createTestRepo(t)
	tx := beginAt(t, r, 0)
	setLog(t, tx, "data")
	_, err := tx.MakeFile("/a")
	require.NoError(t, err)
	require.NoError(t, tx.SetFileContents("/a", []byte("payload\n")))
	rev := commit(t, tx)
	verifyRev(t, r, rev)

	info, err := os.Stat(r.RevPath(rev))
	require.NoError(t, err)

	original, err := os.ReadFile(r.P2LIndexPath(rev))
	require.NoError(t, err)

	// rebuild the p2l as a single unused entry spanning the file
	protoPath := filepath.Join(t.TempDir(), "bogus.proto")
	proto, err := index.OpenProtoP2L(protoPath)
	require.NoError(t, err)
	require.NoError(t, proto.AddEntry(&index.Entry{
		Offset: 0, Size: info.Size(), Type: index.TypeUnused,
	}))
	require.NoError(t, proto.Close())
	bogusPath := filepath.Join(t.TempDir(), "bogus.p2l")
	require.NoError(t, index.CreateP2L(bogusPath, protoPath, rev,
		r.Config().P2LPageBytes, info.Size()))
	bogus, err := os.ReadFile(bogusPath)
	require.NoError(t, err)

	require.NoError(t, os.Chmod(r.P2LIndexPath(rev), 0666))
	require.NoError(t, os.WriteFile(r.P2LIndexPath(rev), bogus, 0666))
	err = index.Verify(rev, r.RevPath(rev), r.L2PIndexPath(rev),
		r.P2LIndexPath(rev), r.Config().BlockBytes)
	assert.True(t, fserrors.IsCode(err, fserrors.IndexCorruption))

	// restoring the original restores verification
	require.NoError(t, os.WriteFile(r.P2LIndexPath(rev), original, 0666))
	verifyRev(t, r, rev)
}
