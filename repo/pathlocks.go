package repo

// Path locks: a flat hash dump mapping locked path -> owning username.
// Locks may be added or stolen between editing a transaction and committing
// it, so the commit pipeline re-verifies every changed path while holding
// the write lock.

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/noderev"
)

func (r *Repo) readPathLocks() (map[string]string, error) {
	f, err := os.Open(r.PathLocksFile())
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening path locks")
	}
	defer f.Close()
	return noderev.ReadHash(f)
}

func (r *Repo) writePathLocks(locks map[string]string) error {
	tmp := r.PathLocksFile() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "writing path locks")
	}
	if err := noderev.WriteHash(f, locks); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp, r.PathLocksFile()), "renaming path locks")
}

// LockPath records username as the lock holder of path.
func (r *Repo) LockPath(path, username string) error {
	if username == "" {
		return fserrors.New(fserrors.PathLocked, "cannot lock path without a username")
	}
	locks, err := r.readPathLocks()
	if err != nil {
		return err
	}
	if owner, held := locks[path]; held && owner != username {
		return fserrors.New(fserrors.PathLocked,
			"path '%s' already locked by user '%s'", path, owner)
	}
	locks[path] = username
	return r.writePathLocks(locks)
}

// UnlockPath removes the lock on path.  Only the owner may unlock unless
// breakLock is set.
func (r *Repo) UnlockPath(path, username string, breakLock bool) error {
	locks, err := r.readPathLocks()
	if err != nil {
		return err
	}
	owner, held := locks[path]
	if !held {
		return fserrors.New(fserrors.PathLocked, "path '%s' is not locked", path)
	}
	if !breakLock && owner != username {
		return fserrors.New(fserrors.PathLocked,
			"path '%s' locked by user '%s'", path, owner)
	}
	delete(locks, path)
	return r.writePathLocks(locks)
}

// PathLockOwner returns the lock holder of path, or "".
func (r *Repo) PathLockOwner(path string) (string, error) {
	locks, err := r.readPathLocks()
	if err != nil {
		return "", err
	}
	return locks[path], nil
}

// VerifyLocks checks that username may apply the given folded change set:
// a modified path must not be locked by someone else; added, deleted or
// replaced paths are verified recursively, with already-verified subtrees
// skipped.  Must be called with the write lock held.
func (r *Repo) VerifyLocks(changes map[string]*noderev.Change, username string) error {
	locks, err := r.readPathLocks()
	if err != nil {
		return err
	}
	if len(locks) == 0 {
		return nil
	}

	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	lastRecursed := ""
	for _, path := range paths {
		if lastRecursed != "" && isBelow(lastRecursed, path) {
			continue
		}
		change := changes[path]
		recurse := change.Kind != noderev.ChangeModify
		if err := verifyPathLock(locks, path, username, recurse); err != nil {
			return err
		}
		if recurse {
			lastRecursed = path
		}
	}
	return nil
}

func verifyPathLock(locks map[string]string, path, username string, recurse bool) error {
	check := func(p, owner string) error {
		if owner != username {
			return fserrors.New(fserrors.PathLocked,
				"user '%s' does not own lock on path '%s' (currently locked by '%s')",
				username, p, owner)
		}
		return nil
	}
	if owner, held := locks[path]; held {
		if err := check(path, owner); err != nil {
			return err
		}
	}
	if !recurse {
		return nil
	}
	for p, owner := range locks {
		if isBelow(path, p) {
			if err := check(p, owner); err != nil {
				return err
			}
		}
	}
	return nil
}

// isBelow reports whether path is inside the subtree rooted at dir.
func isBelow(dir, path string) bool {
	if dir == "/" {
		return len(path) > 1 && strings.HasPrefix(path, "/")
	}
	return len(path) > len(dir)+1 && strings.HasPrefix(path, dir) && path[len(dir)] == '/'
}
