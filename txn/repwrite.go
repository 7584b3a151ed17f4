package txn

// Representation writing.  A writer locks the proto-rev file for its whole
// lifetime, buffers the expanded content, and on Close deltifies it against
// the skip-delta base, finalizes the checksums and either keeps the bytes
// (allocating an item index and proto index entries) or, when rep sharing
// finds an identical representation, truncates them away again.

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/index"
	"github.com/rcowham/svnfsfs/noderev"
	"github.com/rcowham/svnfsfs/repo"
	"github.com/rcowham/svnfsfs/svndiff"
)

// RepWriter streams file content into the proto-rev file.
type RepWriter struct {
	txn     *Txn
	nr      *noderev.NodeRev
	file    *os.File
	lock    *repo.ProtoRevLock
	offset  int64 // rep start, for truncation on sharing or failure
	buf     bytes.Buffer
	md5Ctx  hash.Hash
	sha1Ctx hash.Hash
	closed  bool
}

// WriteContents opens a representation writer for the data rep of nr.
// Only appropriate for file content; directories and props are written at
// commit time.
func (t *Txn) WriteContents(nr *noderev.NodeRev) (*RepWriter, error) {
	if !nr.ID.IsTxn() {
		return nil, fserrors.New(fserrors.Corrupt,
			"attempted to write to non-transaction '%s'", nr.ID)
	}
	file, lock, err := t.repo.GetWritableProtoRev(t.id)
	if err != nil {
		return nil, err
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		lock.Unlock()
		file.Close()
		return nil, errors.Wrap(err, "seeking prototype revision file")
	}
	return &RepWriter{
		txn:     t,
		nr:      nr,
		file:    file,
		lock:    lock,
		offset:  offset,
		md5Ctx:  md5.New(),
		sha1Ctx: sha1.New(),
	}, nil
}

func (w *RepWriter) Write(p []byte) (int, error) {
	w.md5Ctx.Write(p)
	w.sha1Ctx.Write(p)
	return w.buf.Write(p)
}

// Abort truncates any partial write and releases the proto-rev lock.
func (w *RepWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.file.Truncate(w.offset)
	w.file.Close()
	w.lock.Unlock()
}

// Close deltifies, finalizes and registers the representation, updating
// the owning node-revision's data rep.
func (w *RepWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.close()
	if err != nil {
		// remove the partial rep so the proto-rev file stays consistent
		w.file.Truncate(w.offset)
	}
	closeErr := w.file.Close()
	unlockErr := w.lock.Unlock()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "closing prototype revision file")
	}
	return unlockErr
}

func (w *RepWriter) close() error {
	t := w.txn
	content := w.buf.Bytes()

	rep := &noderev.Rep{
		Rev:          fsid.InvalidRev,
		ExpandedSize: uint64(len(content)),
		Txn:          fsid.OptTxnID{TxnID: t.id, Used: true},
		MD5:          w.md5Ctx.Sum(nil),
		SHA1:         w.sha1Ctx.Sum(nil),
	}
	if err := t.setUniquifier(rep); err != nil {
		return err
	}

	base, err := t.chooseDeltaBase(w.nr, false)
	if err != nil {
		return err
	}
	header := &noderev.RepHeader{IsDelta: true}
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
	delta := svndiff.Encode(content, baseContent)
	rep.Size = uint64(len(delta))

	if err := header.Write(w.file); err != nil {
		return err
	}
	if _, err := w.file.Write(delta); err != nil {
		return errors.Wrap(err, "writing representation delta")
	}

	old, err := t.getSharedRep(rep, nil)
	if err != nil {
		return err
	}
	if old != nil {
		// identical content exists; drop the bytes we just wrote
		if err := w.file.Truncate(w.offset); err != nil {
			return errors.Wrap(err, "truncating shared representation")
		}
		w.nr.TextRep = old
		return t.PutNodeRev(w.nr)
	}

	if _, err := io.WriteString(w.file, noderev.EndRepMarker); err != nil {
		return err
	}
	if rep.ItemIndex, err = t.AllocateItemIndex(w.offset); err != nil {
		return err
	}
	w.nr.TextRep = rep
	if err := t.PutNodeRev(w.nr); err != nil {
		return err
	}

	end, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, "sizing representation")
	}
	if err := t.storeP2LIndexEntry(&index.Entry{
		Offset: w.offset,
		Size:   end - w.offset,
		Type:   index.TypeFileRep,
		Items:  []fsid.IDPart{{Rev: fsid.InvalidRev, Number: rep.ItemIndex}},
	}); err != nil {
		return err
	}
	return t.storeSHA1RepMapping(rep)
}

// storeSHA1RepMapping records a sidecar file that short-circuits rep
// sharing for identical content within the same transaction.
func (t *Txn) storeSHA1RepMapping(rep *noderev.Rep) error {
	if len(rep.SHA1) == 0 {
		return nil
	}
	return errors.Wrap(
		os.WriteFile(t.sha1Path(hex.EncodeToString(rep.SHA1)),
			[]byte(noderev.UnparseRep(rep)+"\n"), 0666),
		"writing sha1 rep mapping")
}

// getSharedRep looks for an existing representation with the same SHA-1:
// first in the commit-time reps hash, then in the persistent rep-cache,
// finally in this transaction's sidecar files.  Rep-cache read failures are
// reported as warnings, not errors; a cache entry pointing into the future
// is corruption.
func (t *Txn) getSharedRep(rep *noderev.Rep, repsHash map[string]*noderev.Rep) (*noderev.Rep, error) {
	if !t.repo.Config().RepSharingAllowed() || len(rep.SHA1) == 0 {
		return nil, nil
	}
	key := hex.EncodeToString(rep.SHA1)

	var old *noderev.Rep
	if repsHash != nil {
		old = repsHash[key]
	}

	if old == nil {
		cache, err := t.repo.RepCache()
		if err != nil {
			t.logger.Warnf("rep-cache unavailable: %v", err)
		} else {
			old, err = cache.Get(rep.SHA1)
			if err != nil {
				t.logger.Warnf("rep-cache lookup failed: %v", err)
				old = nil
			}
		}
		if old != nil {
			youngest, err := t.repo.YoungestRev()
			if err != nil {
				return nil, err
			}
			if old.Rev > youngest {
				return nil, fserrors.New(fserrors.Corrupt,
					"rep-cache refers to revision %d past youngest %d", old.Rev, youngest)
			}
		}
	}

	if old == nil {
		content, err := os.ReadFile(t.sha1Path(key))
		if err == nil {
			if old, err = noderev.ParseRep(string(bytes.TrimSpace(content))); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "reading sha1 rep mapping")
		}
	}

	if old != nil {
		// keep the fields the cached form does not carry
		old.MD5 = rep.MD5
		old.SHA1 = rep.SHA1
		old.Uniquifier = rep.Uniquifier
		old.ExpandedSize = rep.ExpandedSize
	}
	return old, nil
}

// chooseDeltaBase picks the representation to deltify against, walking the
// skip-delta chain of nr's predecessors.  Near the tip a short linear chain
// keeps deltas small; long walks reset the chain to bound amortized cost.
func (t *Txn) chooseDeltaBase(nr *noderev.NodeRev, props bool) (*noderev.Rep, error) {
	if nr.PredCount == 0 {
		return nil, nil
	}

	// clearing the lowest set bit yields the skip target
	count := nr.PredCount & (nr.PredCount - 1)
	walk := nr.PredCount - count
	if walk < t.repo.Config().MaxLinearDeltification {
		count = nr.PredCount - 1
	}
	if walk > t.repo.Config().MaxDeltificationWalk {
		return nil, nil
	}

	base := nr
	maybeShared := false
	for ; count < nr.PredCount; count++ {
		if base.PredID == nil {
			return nil, fserrors.New(fserrors.Corrupt,
				"predecessor chain of '%s' ends after %d steps", nr.ID, count)
		}
		var err error
		if base, err = t.GetNodeRev(base.PredID); err != nil {
			return nil, err
		}
		// a rep living in an older revision than its noderev points at
		// sharing; such chains may be longer than the predecessor walk
		rep := base.TextRep
		if props {
			rep = base.PropRep
		}
		if rep != nil && !rep.IsTxn() && base.ID.RevItem.Rev > rep.Rev {
			maybeShared = true
		}
	}

	rep := base.TextRep
	if props {
		rep = base.PropRep
	}
	if rep == nil || rep.IsTxn() {
		return nil, nil
	}
	if maybeShared {
		chainLength, err := t.repo.RepChainLength(rep)
		if err != nil {
			return nil, err
		}
		if chainLength >= 2*t.repo.Config().MaxLinearDeltification+2 {
			return nil, nil
		}
	}
	return rep, nil
}
