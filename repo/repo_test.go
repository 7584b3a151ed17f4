package repo

import (
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
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func createTestRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := Create(filepath.Join(t.TempDir(), "repo"), nil, newTestLogger())
	require.NoError(t, err)
	return r
}

func TestCreateLaysOutRevisionZero(t *testing.T) {
	r := createTestRepo(t)
	defer r.Close()

	youngest, err := r.YoungestRev()
	require.NoError(t, err)
	assert.Equal(t, int64(0), int64(youngest))

	root, err := r.RootNodeRev(0)
	require.NoError(t, err)
	assert.Equal(t, noderev.KindDir, root.Kind)
	assert.Equal(t, 0, root.PredCount)
	assert.Nil(t, root.PredID)

	entries, err := r.DirEntries(root)
	require.NoError(t, err)
	assert.Empty(t, entries)

	changes, err := r.Changes(0)
	require.NoError(t, err)
	assert.Empty(t, changes)

	assert.NoError(t, index.Verify(0, r.RevPath(0), r.L2PIndexPath(0),
		r.P2LIndexPath(0), r.Config().BlockBytes))
}

func TestOpenRejectsPhysicalAddressing(t *testing.T) {
	r := createTestRepo(t)
	r.Close()

	require.NoError(t, os.Chmod(r.FormatPath(), 0666))
	require.NoError(t, os.WriteFile(r.FormatPath(),
		[]byte("4\nlayout sharded 1000\naddressing physical\n"), 0666))
	_, err := Open(r.Path(), newTestLogger())
	assert.True(t, fserrors.IsCode(err, fserrors.Corrupt))
}

func TestWriteCurrentIsAtomicRename(t *testing.T) {
	r := createTestRepo(t)
	defer r.Close()

	require.NoError(t, r.WriteCurrent(7))
	youngest, err := r.YoungestRev()
	require.NoError(t, err)
	assert.Equal(t, int64(7), int64(youngest))
	_, err = os.Stat(r.CurrentPath() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestProtoRevLockFailsFastInProcess(t *testing.T) {
	r := createTestRepo(t)
	defer r.Close()

	// fake the txn scratch files the lock needs
	id := testTxnID()
	require.NoError(t, os.MkdirAll(r.TxnDir(id), 0777))
	require.NoError(t, os.WriteFile(filepath.Join(r.TxnDir(id), "rev"), nil, 0666))

	file, lock, err := r.GetWritableProtoRev(id)
	require.NoError(t, err)

	_, _, err = r.GetWritableProtoRev(id)
	assert.True(t, fserrors.IsCode(err, fserrors.RepBeingWritten), "got %v", err)

	require.NoError(t, file.Close())
	require.NoError(t, lock.Unlock())

	// released: the next writer gets through again
	file, lock, err = r.GetWritableProtoRev(id)
	require.NoError(t, err)
	file.Close()
	lock.Unlock()
}

func TestPathLocks(t *testing.T) {
	r := createTestRepo(t)
	defer r.Close()

	require.NoError(t, r.LockPath("/trunk/a.txt", "pallen"))
	owner, err := r.PathLockOwner("/trunk/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "pallen", owner)

	// somebody else's modify on the locked path is rejected
	changes := map[string]*noderev.Change{
		"/trunk/a.txt": {Path: "/trunk/a.txt", Kind: noderev.ChangeModify},
	}
	err = r.VerifyLocks(changes, "mallory")
	assert.True(t, fserrors.IsCode(err, fserrors.PathLocked))
	assert.NoError(t, r.VerifyLocks(changes, "pallen"))

	// a delete above the locked path is checked recursively
	changes = map[string]*noderev.Change{
		"/trunk": {Path: "/trunk", Kind: noderev.ChangeDelete},
	}
	err = r.VerifyLocks(changes, "mallory")
	assert.True(t, fserrors.IsCode(err, fserrors.PathLocked))

	// only the owner may unlock without breaking
	err = r.UnlockPath("/trunk/a.txt", "mallory", false)
	assert.True(t, fserrors.IsCode(err, fserrors.PathLocked))
	assert.NoError(t, r.UnlockPath("/trunk/a.txt", "mallory", true))
}

func testTxnID() (id fsid.TxnID) {
	return fsid.TxnID{BaseRev: 0, Seq: 1}
}
