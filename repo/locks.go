package repo

// Three lock files coordinate writers across processes, each doubled by an
// in-process mutex so multithreaded servers never fight with themselves:
//
//	write-lock        held for the whole commit critical section
//	txn-current-lock  held around the read-modify-write of txn-current
//	<txn>/rev-lock    held for the lifetime of a proto-rev writer
//
// The proto-rev lock attempt is non-blocking: collisions fail immediately
// with rep-being-written, both for in-process contenders (the beingWritten
// flag) and cross-process ones (the kernel lock).

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
)

func acquireFileLock(path string) (*flock.Flock, error) {
	// the lock files are created empty at repo creation, but be tolerant
	// of repositories that predate one of them
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0666); err != nil {
			return nil, errors.Wrapf(err, "creating lock file %s", path)
		}
	}
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	return fl, nil
}

// WithWriteLock runs body while holding both the in-process write mutex and
// the exclusive lock on the write-lock file.  Nobody else can modify the
// repository state, so the youngest-rev and min-unpacked-rev caches are
// refreshed once on entry.
func (r *Repo) WithWriteLock(body func() error) error {
	r.fsWriteMu.Lock()
	defer r.fsWriteMu.Unlock()

	fl, err := acquireFileLock(r.WriteLockPath())
	if err != nil {
		return err
	}
	defer fl.Unlock()

	youngest, err := r.YoungestRev()
	if err != nil {
		return err
	}
	r.setYoungestCache(youngest)
	r.refreshMinUnpackedRev()

	return body()
}

// WithTxnCurrentLock runs body while holding the txn-current lock.
func (r *Repo) WithTxnCurrentLock(body func() error) error {
	r.txnCurrentMu.Lock()
	defer r.txnCurrentMu.Unlock()

	fl, err := acquireFileLock(r.txnCurrentLockPath())
	if err != nil {
		return err
	}
	defer fl.Unlock()

	return body()
}

func (r *Repo) refreshMinUnpackedRev() {
	content, err := os.ReadFile(r.minUnpackedPath())
	if err != nil {
		return
	}
	// plain decimal, newline terminated
	var rev int64
	for _, c := range content {
		if c < '0' || c > '9' {
			break
		}
		rev = rev*10 + int64(c-'0')
	}
	r.minUnpackedRev = fsid.RevNum(rev)
}

// ProtoRevLock is the cookie handed to a proto-rev writer; releasing it
// restores both the kernel lock and the in-memory beingWritten flag.
type ProtoRevLock struct {
	repo *Repo
	id   fsid.TxnID
	fl   *flock.Flock
}

// GetWritableProtoRev locks the proto-rev file of txn id for writing and
// returns it positioned at its end.  If any writer already holds it, in
// this process or another, the call fails fast with rep-being-written.
func (r *Repo) GetWritableProtoRev(id fsid.TxnID) (*os.File, *ProtoRevLock, error) {
	r.txnListMu.Lock()
	defer r.txnListMu.Unlock()

	txn := r.getSharedTxn(id, true)

	// No thread of this process may write concurrently; checking the flag
	// here avoids blocking on (or confusing) the kernel lock below.
	if txn.beingWritten {
		return nil, nil, fserrors.New(fserrors.RepBeingWritten,
			"cannot write to the prototype revision file of transaction '%s' "+
				"because a previous representation is currently being written "+
				"by this process", id)
	}

	lockPath := filepath.Join(r.TxnDir(id), "rev-lock")
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		if err := os.WriteFile(lockPath, nil, 0666); err != nil {
			return nil, nil, errors.Wrap(err, "creating rev-lock file")
		}
	}
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "locking %s", lockPath)
	}
	if !locked {
		return nil, nil, fserrors.New(fserrors.RepBeingWritten,
			"cannot write to the prototype revision file of transaction '%s' "+
				"because a previous representation is currently being written "+
				"by another process", id)
	}

	file, err := os.OpenFile(filepath.Join(r.TxnDir(id), "rev"), os.O_RDWR, 0666)
	if err == nil {
		_, err = file.Seek(0, 2)
	}
	if err != nil {
		fl.Unlock()
		return nil, nil, errors.Wrap(err, "opening prototype revision file")
	}

	txn.beingWritten = true
	return file, &ProtoRevLock{repo: r, id: id, fl: fl}, nil
}

// Unlock releases the proto-rev lock.  The proto-rev file itself must have
// been closed before this is called.
func (l *ProtoRevLock) Unlock() error {
	l.repo.txnListMu.Lock()
	defer l.repo.txnListMu.Unlock()

	txn := l.repo.getSharedTxn(l.id, false)
	if txn == nil {
		return fserrors.New(fserrors.Corrupt, "can't unlock unknown transaction '%s'", l.id)
	}
	if !txn.beingWritten {
		return fserrors.New(fserrors.Corrupt, "can't unlock nonlocked transaction '%s'", l.id)
	}
	err := l.fl.Unlock()
	txn.beingWritten = false
	return errors.Wrap(err, "unlocking prototype revision lockfile")
}
