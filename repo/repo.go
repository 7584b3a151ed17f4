// Package repo implements the repository handle: the on-disk layout, the
// process-wide locks, the shared caches and the committed-data readers.
// One writer at a time, many concurrent readers; all cross-process
// coordination goes through lock files.
package repo

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/svnfsfs/config"
	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/index"
	"github.com/rcowham/svnfsfs/noderev"
	"github.com/rcowham/svnfsfs/repcache"
)

// Repo is the handle for one repository.  It owns the in-process half of
// every lock and cache; there are no package level singletons, so several
// repositories can be open in one process.
type Repo struct {
	path   string
	cfg    *config.Config
	logger *logrus.Logger

	// serializes the whole commit critical section within this process;
	// the on-disk write-lock file serializes across processes
	fsWriteMu sync.Mutex
	// serializes bumps of the txn-current sequence
	txnCurrentMu sync.Mutex

	// guards the shared per-txn records and the single-object free list
	txnListMu sync.Mutex
	txns      *sharedTxn
	freeTxn   *sharedTxn

	// youngest revision as last seen; authoritative under the write lock
	youngestMu       sync.Mutex
	youngestCache    fsid.RevNum
	hasYoungestCache bool
	minUnpackedRev   fsid.RevNum

	caches *cacheSet

	repCacheMu sync.Mutex
	repCache   *repcache.Cache
}

// sharedTxn is the in-memory shared state of one open transaction.  The
// list is searched newest first; a single-object free list avoids
// reallocating the record when transactions rapidly succeed one another.
type sharedTxn struct {
	id           fsid.TxnID
	beingWritten bool
	next         *sharedTxn
}

// Open opens an existing repository.
func Open(path string, logger *logrus.Logger) (*Repo, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cfg, err := config.LoadFile(filepath.Join(path, pathConfig))
	if err != nil {
		return nil, err
	}
	r := &Repo{path: path, cfg: cfg, logger: logger, caches: newCacheSet()}
	if err := r.checkFormat(); err != nil {
		return nil, err
	}
	return r, nil
}

// Create initializes a new repository at path and synthesizes revision 0
// (an empty root directory) through the regular writers, then opens it.
func Create(path string, cfg *config.Config, logger *logrus.Logger) (*Repo, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.Unmarshal(nil); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = logrus.New()
	}
	r := &Repo{path: path, cfg: cfg, logger: logger, caches: newCacheSet()}

	for _, dir := range []string{
		path,
		r.TxnsDir(),
		filepath.Join(r.RevsDir(), "0"),
		filepath.Join(r.RevPropsDir(), "0"),
		filepath.Join(path, pathLocksDir),
		filepath.Join(path, pathDBDir),
	} {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, errors.Wrapf(err, "creating %s", dir)
		}
	}

	format := fmt.Sprintf("%d\nlayout sharded %d\naddressing logical\n",
		formatNumber, cfg.MaxFilesPerDir)
	if err := os.WriteFile(r.FormatPath(), []byte(format), 0444); err != nil {
		return nil, errors.Wrap(err, "writing format file")
	}
	cfgBytes, err := cfg.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "serializing config")
	}
	if err := os.WriteFile(r.ConfigPath(), cfgBytes, 0666); err != nil {
		return nil, errors.Wrap(err, "writing config file")
	}
	for _, f := range []struct{ path, content string }{
		{r.CurrentPath(), "0\n"},
		{r.TxnCurrentPath(), "0\n"},
		{r.WriteLockPath(), ""},
		{r.txnCurrentLockPath(), ""},
		{r.minUnpackedPath(), "0\n"},
	} {
		if err := os.WriteFile(f.path, []byte(f.content), 0666); err != nil {
			return nil, errors.Wrapf(err, "creating %s", f.path)
		}
	}

	if err := r.writeRevisionZero(); err != nil {
		return nil, err
	}
	r.logger.Infof("created repository at %s", path)
	return r, nil
}

// writeRevisionZero lays down the r0 file, its indexes and its revprops.
// Revision 0 has an empty root directory, no changes and no properties.
func (r *Repo) writeRevisionZero() error {
	rootID := &fsid.ID{
		NodeID:  fsid.IDPart{Rev: 0, Number: 0},
		CopyID:  fsid.IDPart{Rev: 0, Number: 0},
		RevItem: fsid.IDPart{Rev: 0, Number: index.ItemIndexRootNode},
	}

	revPath := r.RevPath(0)
	f, err := os.Create(revPath)
	if err != nil {
		return errors.Wrap(err, "creating revision zero")
	}

	l2pProto := revPath + ".l2p-proto"
	p2lProto := revPath + ".p2l-proto"
	l2p, err := index.OpenProtoL2P(l2pProto)
	if err != nil {
		return err
	}
	p2l, err := index.OpenProtoP2L(p2lProto)
	if err != nil {
		return err
	}

	// empty root directory rep
	var dirRep strings.Builder
	hdr := &noderev.RepHeader{}
	if err := hdr.Write(&dirRep); err != nil {
		return err
	}
	headerLen := dirRep.Len()
	if err := noderev.WriteHash(&dirRep, nil); err != nil {
		return err
	}
	contentLen := dirRep.Len() - headerLen
	contentMD5 := md5.Sum([]byte(dirRep.String()[headerLen:]))
	dirRep.WriteString(noderev.EndRepMarker)
	if _, err := f.WriteString(dirRep.String()); err != nil {
		return err
	}
	repEnd := int64(len(dirRep.String()))
	if err := l2p.AddEntry(0, index.ItemIndexFirstUser); err != nil {
		return err
	}
	if err := p2l.AddEntry(&index.Entry{
		Offset: 0, Size: repEnd, Type: index.TypeDirRep,
		Items: []fsid.IDPart{{Rev: 0, Number: index.ItemIndexFirstUser}},
	}); err != nil {
		return err
	}

	root := &noderev.NodeRev{
		Kind: noderev.KindDir,
		ID:   rootID,
		TextRep: &noderev.Rep{
			Rev: 0, ItemIndex: index.ItemIndexFirstUser,
			Size: uint64(contentLen), ExpandedSize: uint64(contentLen),
			MD5: contentMD5[:],
		},
		CreatedPath:  "/",
		CopyRootRev:  0,
		CopyRootPath: "/",
		CopyFromRev:  fsid.InvalidRev,
	}
	var rootBuf strings.Builder
	if err := root.Write(&rootBuf); err != nil {
		return err
	}
	if _, err := f.WriteString(rootBuf.String()); err != nil {
		return err
	}
	rootEnd := repEnd + int64(len(rootBuf.String()))
	if err := l2p.AddEntry(repEnd, index.ItemIndexRootNode); err != nil {
		return err
	}
	if err := p2l.AddEntry(&index.Entry{
		Offset: repEnd, Size: rootEnd - repEnd, Type: index.TypeNodeRev,
		Items: []fsid.IDPart{{Rev: 0, Number: index.ItemIndexRootNode}},
	}); err != nil {
		return err
	}

	// empty changes block: just the terminating newline
	if _, err := f.WriteString("\n"); err != nil {
		return err
	}
	fileEnd := rootEnd + 1
	if err := l2p.AddEntry(rootEnd, index.ItemIndexChanges); err != nil {
		return err
	}
	if err := p2l.AddEntry(&index.Entry{
		Offset: rootEnd, Size: 1, Type: index.TypeChanges,
		Items: []fsid.IDPart{{Rev: 0, Number: index.ItemIndexChanges}},
	}); err != nil {
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}
	if err := l2p.Close(); err != nil {
		return err
	}
	if err := p2l.Close(); err != nil {
		return err
	}

	if err := index.CreateL2P(r.L2PIndexPath(0), l2pProto, 0, r.cfg.L2PPageSize); err != nil {
		return err
	}
	if err := index.CreateP2L(r.P2LIndexPath(0), p2lProto, 0, r.cfg.P2LPageBytes, fileEnd); err != nil {
		return err
	}
	os.Remove(l2pProto)
	os.Remove(p2lProto)
	if err := os.Chmod(revPath, 0444); err != nil {
		return err
	}

	props := map[string]string{}
	pf, err := os.Create(r.RevPropsPath(0))
	if err != nil {
		return err
	}
	if err := noderev.WriteHash(pf, props); err != nil {
		pf.Close()
		return err
	}
	return pf.Close()
}

func (r *Repo) checkFormat() error {
	content, err := os.ReadFile(r.FormatPath())
	if err != nil {
		return errors.Wrap(err, "reading format file")
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) == 0 {
		return fserrors.New(fserrors.Corrupt, "empty format file")
	}
	addressing := "physical"
	for _, line := range lines[1:] {
		if strings.HasPrefix(line, "addressing ") {
			addressing = strings.TrimPrefix(line, "addressing ")
		}
	}
	if addressing != "logical" {
		return fserrors.New(fserrors.Corrupt,
			"repository uses pre-logical addressing; not supported by this library")
	}
	return nil
}

func (r *Repo) Path() string           { return r.path }
func (r *Repo) Config() *config.Config { return r.cfg }
func (r *Repo) Logger() *logrus.Logger { return r.logger }

// YoungestRev reads the current file.  A reader that sees value N may
// assume the files for revisions 0..N are complete.
func (r *Repo) YoungestRev() (fsid.RevNum, error) {
	content, err := os.ReadFile(r.CurrentPath())
	if err != nil {
		return 0, errors.Wrap(err, "reading current file")
	}
	fields := strings.Fields(string(content))
	if len(fields) < 1 {
		return 0, fserrors.New(fserrors.Corrupt, "corrupt 'current' file")
	}
	var rev int64
	if _, err := fmt.Sscanf(fields[0], "%d", &rev); err != nil {
		return 0, fserrors.New(fserrors.Corrupt, "corrupt 'current' file")
	}
	return fsid.RevNum(rev), nil
}

// CachedYoungest returns the in-process youngest-rev cache.  It is updated
// under the write lock on commit and trusted elsewhere.
func (r *Repo) CachedYoungest() (fsid.RevNum, bool) {
	r.youngestMu.Lock()
	defer r.youngestMu.Unlock()
	return r.youngestCache, r.hasYoungestCache
}

// SetYoungestCache records the new youngest revision; called by the commit
// pipeline while it still holds the write lock.
func (r *Repo) SetYoungestCache(rev fsid.RevNum) { r.setYoungestCache(rev) }

func (r *Repo) setYoungestCache(rev fsid.RevNum) {
	r.youngestMu.Lock()
	r.youngestCache = rev
	r.hasYoungestCache = true
	r.youngestMu.Unlock()
}

// WriteCurrent atomically replaces the current file: write temp, rename.
func (r *Repo) WriteCurrent(rev fsid.RevNum) error {
	tmp := r.CurrentPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", rev)), 0666); err != nil {
		return errors.Wrap(err, "writing current temp file")
	}
	return errors.Wrap(os.Rename(tmp, r.CurrentPath()), "renaming current file")
}

// RepCache lazily opens the rep-cache database.
func (r *Repo) RepCache() (*repcache.Cache, error) {
	r.repCacheMu.Lock()
	defer r.repCacheMu.Unlock()
	if r.repCache == nil {
		c, err := repcache.Open(r.RepCacheDBPath())
		if err != nil {
			return nil, err
		}
		r.repCache = c
	}
	return r.repCache, nil
}

// Close releases the rep-cache handle.  Lock files need no teardown.
func (r *Repo) Close() error {
	r.repCacheMu.Lock()
	defer r.repCacheMu.Unlock()
	if r.repCache != nil {
		err := r.repCache.Close()
		r.repCache = nil
		return err
	}
	return nil
}

func (r *Repo) getSharedTxn(id fsid.TxnID, createNew bool) *sharedTxn {
	for t := r.txns; t != nil; t = t.next {
		if t.id == id {
			return t
		}
	}
	if !createNew {
		return nil
	}
	t := r.freeTxn
	if t != nil {
		r.freeTxn = nil
		*t = sharedTxn{}
	} else {
		t = &sharedTxn{}
	}
	t.id = id
	// newest first: we typically deal with one active txn at a time
	t.next = r.txns
	r.txns = t
	return t
}

func (r *Repo) freeSharedTxn(id fsid.TxnID) {
	var prev *sharedTxn
	for t := r.txns; t != nil; prev, t = t, t.next {
		if t.id != id {
			continue
		}
		if prev != nil {
			prev.next = t.next
		} else {
			r.txns = t.next
		}
		if r.freeTxn == nil {
			r.freeTxn = t
		}
		return
	}
}

// PurgeSharedTxn drops the shared record and the txn-scoped caches.
func (r *Repo) PurgeSharedTxn(id fsid.TxnID) {
	r.txnListMu.Lock()
	r.freeSharedTxn(id)
	r.txnListMu.Unlock()
	r.caches.dropTxnDirCache(id)
}
