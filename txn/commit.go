package txn

// The commit pipeline.  Under the global write lock it walks the txn node
// tree depth first, rewrites txn-local ids into revision-scoped ones,
// deltifies directory and property content, consults rep sharing, builds
// the final indexes and renames everything into place.  The write order
// proto-rev -> indexes -> rename -> current guarantees that a crash at any
// step leaves the repository at the previous revision with at most an
// orphan transaction directory.

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/index"
	"github.com/rcowham/svnfsfs/noderev"
	"github.com/rcowham/svnfsfs/repo"
	"github.com/rcowham/svnfsfs/svndiff"
)

// CommitOptions carries the injectable parts of a commit.
type CommitOptions struct {
	// Cancel is polled between node-revisions and before the index
	// builds; returning an error aborts the commit (before the current
	// update only).
	Cancel func() error
	// Now is the timestamp recorded as svn:date just before the revprops
	// are promoted, so dates stay ordered across commits.
	Now string
}

type commitContext struct {
	txn    *Txn
	newRev fsid.RevNum
	file   *os.File

	repsToCache []*noderev.Rep
	repsHash    map[string]*noderev.Rep

	// txn-local node lineage -> final revision-scoped id, filled in by
	// the tree walk and consumed by the changes block
	finalIDs map[string]*fsid.ID

	cancel func() error
}

func lineageKey(id *fsid.ID) string {
	return id.NodeID.String() + "." + id.CopyID.String()
}

func (c *commitContext) checkCancel() error {
	if c.cancel == nil {
		return nil
	}
	if err := c.cancel(); err != nil {
		return fserrors.Wrap(fserrors.Cancelled, err, "commit cancelled")
	}
	return nil
}

// Commit promotes the transaction into revision baseRev+1 and returns the
// new revision number.
func (t *Txn) Commit(opts CommitOptions) (fsid.RevNum, error) {
	var newRev fsid.RevNum
	var repsToCache []*noderev.Rep

	err := t.repo.WithWriteLock(func() error {
		var err error
		newRev, repsToCache, err = t.commitBody(opts)
		return err
	})
	if err != nil {
		return 0, errors.Wrapf(err, "commit of transaction '%s' failed", t.id)
	}

	// Queued rep-cache entries are written after the write lock is
	// released; failures here must not fail the commit.
	if len(repsToCache) > 0 && t.repo.Config().RepSharingAllowed() {
		if cache, err := t.repo.RepCache(); err != nil {
			t.logger.Warnf("rep-cache unavailable after commit: %v", err)
		} else if err := cache.SetAll(repsToCache); err != nil {
			t.logger.Warnf("writing rep-cache entries for r%d: %v", newRev, err)
		}
	}
	return newRev, nil
}

func (t *Txn) commitBody(opts CommitOptions) (fsid.RevNum, []*noderev.Rep, error) {
	r := t.repo

	// the youngest revision was re-read when the write lock was taken
	youngest, _ := r.CachedYoungest()
	if t.baseRev != youngest {
		return 0, nil, fserrors.New(fserrors.TxnOutOfDate, "transaction out of date")
	}
	newRev := youngest + 1

	// locks may have been added or stolen since the txn was edited
	changes, err := t.ChangedPaths()
	if err != nil {
		return 0, nil, err
	}
	username, err := t.Username()
	if err != nil {
		return 0, nil, err
	}
	if err := r.VerifyLocks(changes, username); err != nil {
		return 0, nil, err
	}

	file, lock, err := r.GetWritableProtoRev(t.id)
	if err != nil {
		return 0, nil, err
	}
	// the lock outlives the proto-rev file: it is released only after the
	// rename, so no late writer can catch the file mid-promotion
	locked := true
	defer func() {
		if locked {
			lock.Unlock()
		}
	}()

	ctx := &commitContext{
		txn:      t,
		newRev:   newRev,
		file:     file,
		repsHash: map[string]*noderev.Rep{},
		finalIDs: map[string]*fsid.ID{},
		cancel:   opts.Cancel,
	}

	rootID := t.rootID()
	if _, err = ctx.writeFinalRev(rootID, true); err != nil {
		file.Close()
		return 0, nil, err
	}
	if err := ctx.writeFinalChanges(changes); err != nil {
		file.Close()
		return 0, nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return 0, nil, errors.Wrap(err, "flushing prototype revision file")
	}
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return 0, nil, errors.Wrap(err, "sizing prototype revision file")
	}
	if err := file.Close(); err != nil {
		return 0, nil, errors.Wrap(err, "closing prototype revision file")
	}

	// the proto index must account for every byte of the file; anything
	// else means the proto-rev file was truncated behind our back
	covered, err := index.ProtoP2LNextOffset(t.protoP2LPath())
	if err != nil {
		return 0, nil, err
	}
	if covered != size {
		return 0, nil, fserrors.New(fserrors.Corrupt, "truncated protorev file detected")
	}

	if err := ctx.checkCancel(); err != nil {
		return 0, nil, err
	}

	// strip the temporary txn props representing begin-time flags
	props, err := t.Props()
	if err != nil {
		return 0, nil, err
	}
	delete(props, PropCheckOOD)
	delete(props, PropCheckLocks)
	if opts.Now != "" {
		props[PropRevDate] = opts.Now
	}
	if err := t.writeProps(props); err != nil {
		return 0, nil, err
	}

	// create the shard directories if this revision starts a new shard,
	// inheriting the permissions of the revs root
	if int64(newRev)%int64(r.Config().MaxFilesPerDir) == 0 {
		for _, pair := range [][2]string{
			{r.RevsDir(), r.RevShardDir(newRev)},
			{r.RevPropsDir(), r.RevPropsShardDir(newRev)},
		} {
			if err := os.Mkdir(pair[1], 0777); err != nil && !os.IsExist(err) {
				return 0, nil, errors.Wrapf(err, "creating shard %s", pair[1])
			}
			if info, err := os.Stat(pair[0]); err == nil {
				os.Chmod(pair[1], info.Mode().Perm())
			}
		}
	}

	// convert the proto indexes into their final read-only form
	if err := index.CreateL2P(r.L2PIndexPath(newRev), t.protoL2PPath(),
		newRev, r.Config().L2PPageSize); err != nil {
		return 0, nil, err
	}
	if err := index.CreateP2L(r.P2LIndexPath(newRev), t.protoP2LPath(),
		newRev, r.Config().P2LPageBytes, size); err != nil {
		return 0, nil, err
	}

	// move the finished rev file into its shard
	if err := os.Rename(t.protoRevPath(), r.RevPath(newRev)); err != nil {
		return 0, nil, errors.Wrap(err, "moving revision file into place")
	}
	os.Chmod(r.RevPath(newRev), 0444)

	// further writes would fail anyway now that the file is gone, and the
	// lock must go before the shared txn record does
	if err := lock.Unlock(); err != nil {
		return 0, nil, err
	}
	locked = false

	// promote the txn props to the revision props
	if err := os.Rename(
		t.propsPath(), r.RevPropsPath(newRev)); err != nil {
		return 0, nil, errors.Wrap(err, "moving revision properties into place")
	}

	// the point of no return: everything is in place, publish it
	if err := r.WriteCurrent(newRev); err != nil {
		return 0, nil, err
	}
	r.SetYoungestCache(newRev)
	repo.CountCommit()

	repsToCache := ctx.repsToCache

	if err := os.RemoveAll(t.dir()); err != nil {
		t.logger.Warnf("leaving orphan transaction directory %s: %v", t.dir(), err)
	}
	r.PurgeSharedTxn(t.id)

	t.logger.Infof("committed r%d from transaction %s", newRev, t.id)
	return newRev, repsToCache, nil
}

// writeFinalRev recursively copies the node-revision id and all its
// txn-local descendants into the proto-rev file, returning the node's new
// revision-scoped id (nil for nodes that were not part of the txn).
func (c *commitContext) writeFinalRev(id *fsid.ID, atRoot bool) (*fsid.ID, error) {
	if !id.IsTxn() {
		return nil, nil
	}
	t := c.txn
	if err := c.checkCancel(); err != nil {
		return nil, err
	}
	nr, err := t.GetNodeRev(id)
	if err != nil {
		return nil, err
	}

	if nr.Kind == noderev.KindDir {
		entries, err := t.DirEntries(nr)
		if err != nil {
			return nil, err
		}
		// children first; then point the entries at their final ids
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			entry := entries[name]
			newID, err := c.writeFinalRev(entry.ID, false)
			if err != nil {
				return nil, err
			}
			if newID != nil {
				entry.ID = newID
			}
		}

		if nr.TextRep.IsTxn() {
			// flatten the mutated directory into a hash dump rep
			dump := map[string]string{}
			for name, entry := range entries {
				dump[name] = noderev.UnparseDirEntry(entry.Kind, entry.ID)
			}
			nr.TextRep.Txn = fsid.OptTxnID{}
			nr.TextRep.Rev = c.newRev
			if err := c.writeHashRep(nr, nr.TextRep, dump,
				t.repo.Config().DeltifyDirectories, false,
				index.TypeDirRep, nil); err != nil {
				return nil, err
			}
		}
	} else {
		if nr.TextRep.IsTxn() {
			// the content itself was already written by the editor;
			// just rewrite the txn marker to the committing revision
			nr.TextRep.Txn = fsid.OptTxnID{}
			nr.TextRep.Rev = c.newRev
		}
	}

	if nr.PropRep.IsTxn() {
		props, err := t.NodeProps(nr)
		if err != nil {
			return nil, err
		}
		itemType := index.TypeFileProps
		if nr.Kind == noderev.KindDir {
			itemType = index.TypeDirProps
		}
		nr.PropRep.Txn = fsid.OptTxnID{}
		nr.PropRep.Rev = c.newRev
		if err := c.writeHashRep(nr, nr.PropRep, props,
			t.repo.Config().DeltifyProperties, true,
			itemType, c.repsHash); err != nil {
			return nil, err
		}
	}

	// convert the temporary id into a permanent revision one
	nodeID := finalID(nr.ID.NodeID, c.newRev)
	copyID := finalID(nr.ID.CopyID, c.newRev)
	if !nr.CopyRootRev.Valid() {
		nr.CopyRootRev = c.newRev
	}

	offset, err := c.file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "sizing prototype revision file")
	}
	var itemIndex uint64
	if atRoot {
		itemIndex = index.ItemIndexRootNode
		if err := t.storeL2PIndexEntry(offset, itemIndex); err != nil {
			return nil, err
		}
	} else {
		if itemIndex, err = t.AllocateItemIndex(offset); err != nil {
			return nil, err
		}
	}

	newID := &fsid.ID{
		NodeID:  nodeID,
		CopyID:  copyID,
		RevItem: fsid.IDPart{Rev: c.newRev, Number: itemIndex},
	}
	c.finalIDs[lineageKey(id)] = newID
	nr.ID = newID

	// queue new reps for the rep-cache; props also join the in-commit
	// hash so identical prop lists share within the revision
	if t.repo.Config().RepSharingAllowed() {
		if nr.TextRep != nil && nr.Kind == noderev.KindFile &&
			nr.TextRep.Rev == c.newRev && len(nr.TextRep.SHA1) > 0 {
			c.repsToCache = append(c.repsToCache, nr.TextRep.Copy())
		}
		if nr.PropRep != nil && nr.PropRep.Rev == c.newRev && len(nr.PropRep.SHA1) > 0 {
			cp := nr.PropRep.Copy()
			c.repsToCache = append(c.repsToCache, cp)
			c.repsHash[hex.EncodeToString(cp.SHA1)] = cp
		}
	}

	// the SHA-1 of directory and property reps is not serialized
	if nr.TextRep != nil && nr.Kind == noderev.KindDir {
		nr.TextRep.SHA1 = nil
	}
	if nr.PropRep != nil {
		nr.PropRep.SHA1 = nil
	}

	// the fresh-txn-root flag must never reach a committed revision
	nr.IsFreshTxnRoot = false

	if atRoot {
		if err := c.validateRootNodeRev(nr); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := nr.Write(&buf); err != nil {
		return nil, err
	}
	if _, err := c.file.Write(buf.Bytes()); err != nil {
		return nil, errors.Wrap(err, "writing final node revision")
	}
	if err := t.storeP2LIndexEntry(&index.Entry{
		Offset: offset,
		Size:   int64(buf.Len()),
		Type:   index.TypeNodeRev,
		Items:  []fsid.IDPart{{Rev: fsid.InvalidRev, Number: itemIndex}},
	}); err != nil {
		return nil, err
	}
	return newID, nil
}

// finalID replaces the unspecified sentinel with the committing revision.
func finalID(part fsid.IDPart, rev fsid.RevNum) fsid.IDPart {
	if part.Rev == fsid.InvalidRev {
		part.Rev = rev
	}
	return part
}

// validateRootNodeRev guards against predecessor-count corruption on the
// root noderev: the count must grow by exactly one per revision.
func (c *commitContext) validateRootNodeRev(root *noderev.NodeRev) error {
	head, err := c.txn.repo.RootNodeRev(c.newRev - 1)
	if err != nil {
		return err
	}
	if root.PredCount-head.PredCount != 1 {
		return fserrors.New(fserrors.Corrupt,
			"predecessor count for the root node-revision is wrong: "+
				"found (%d+1 != %d), committing r%d",
			head.PredCount, root.PredCount, c.newRev)
	}
	return nil
}

// writeHashRep serializes hash as a representation into the proto-rev
// file, optionally deltified, applying rep sharing.
func (c *commitContext) writeHashRep(nr *noderev.NodeRev, rep *noderev.Rep,
	hash map[string]string, deltify, props bool, itemType index.ItemType,
	repsHash map[string]*noderev.Rep) error {

	t := c.txn
	offset, err := c.file.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, "sizing prototype revision file")
	}

	var dump bytes.Buffer
	if err := noderev.WriteHash(&dump, hash); err != nil {
		return err
	}
	content := dump.Bytes()

	md5sum := md5.Sum(content)
	sha1sum := sha1.Sum(content)
	rep.MD5 = md5sum[:]
	rep.SHA1 = sha1sum[:]
	rep.ExpandedSize = uint64(len(content))

	header := &noderev.RepHeader{}
	out := content
	if deltify {
		header.IsDelta = true
		base, err := t.chooseDeltaBase(nr, props)
		if err != nil {
			return err
		}
		var baseContent []byte
		if base != nil {
			header.BaseRev = base.Rev
			header.BaseItemIndex = base.ItemIndex
			header.BaseLength = base.Size
			if baseContent, err = t.repo.RepContents(base); err != nil {
				return err
			}
		} else {
			header.IsDeltaVsEmpty = true
		}
		out = svndiff.Encode(content, baseContent)
	}
	rep.Size = uint64(len(out))

	if err := header.Write(c.file); err != nil {
		return err
	}
	if _, err := c.file.Write(out); err != nil {
		return errors.Wrap(err, "writing representation")
	}

	old, err := t.getSharedRep(rep, repsHash)
	if err != nil {
		return err
	}
	if old != nil {
		if err := c.file.Truncate(offset); err != nil {
			return errors.Wrap(err, "truncating shared representation")
		}
		if _, err := c.file.Seek(0, io.SeekEnd); err != nil {
			return err
		}
		*rep = *old
		return nil
	}

	if _, err := io.WriteString(c.file, noderev.EndRepMarker); err != nil {
		return err
	}
	if rep.ItemIndex, err = t.AllocateItemIndex(offset); err != nil {
		return err
	}
	end, err := c.file.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, "sizing representation")
	}
	return t.storeP2LIndexEntry(&index.Entry{
		Offset: offset,
		Size:   end - offset,
		Type:   itemType,
		Items:  []fsid.IDPart{{Rev: fsid.InvalidRev, Number: rep.ItemIndex}},
	})
}

// writeFinalChanges serializes the folded change log and indexes it under
// the reserved changes item.
func (c *commitContext) writeFinalChanges(changes map[string]*noderev.Change) error {
	t := c.txn
	offset, err := c.file.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, "sizing prototype revision file")
	}

	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	cw := noderev.NewChangeWriter(&buf)
	for _, path := range paths {
		change := changes[path]
		// ids recorded during editing are txn-local; resolve them to the
		// permanent ids the tree walk just assigned
		if change.NodeRevID != nil && change.NodeRevID.IsTxn() {
			resolved, ok := c.finalIDs[lineageKey(change.NodeRevID)]
			if !ok {
				// deleted clones never reach the tree walk; record the
				// committed predecessor they were cloned from
				if nr, err := t.GetNodeRev(change.NodeRevID); err == nil &&
					nr.PredID != nil && !nr.PredID.IsTxn() {
					resolved = nr.PredID
				} else {
					return fserrors.New(fserrors.Corrupt,
						"change for '%s' references unwritten node '%s'",
						path, change.NodeRevID)
				}
			}
			change.NodeRevID = resolved
		}
		if err := cw.Write(change); err != nil {
			return err
		}
	}
	buf.WriteByte('\n')

	if _, err := c.file.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "writing changes block")
	}
	if err := t.storeP2LIndexEntry(&index.Entry{
		Offset: offset,
		Size:   int64(buf.Len()),
		Type:   index.TypeChanges,
		Items:  []fsid.IDPart{{Rev: fsid.InvalidRev, Number: index.ItemIndexChanges}},
	}); err != nil {
		return err
	}
	return t.storeL2PIndexEntry(offset, index.ItemIndexChanges)
}
