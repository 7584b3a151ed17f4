package repo

// On-disk layout of a repository (logical addressing format):
//
//	format                   format number plus layout/addressing options
//	config.yaml              tuning knobs, see the config package
//	current                  "<youngest>\n"
//	write-lock
//	txn-current              base-36 sequence counter
//	txn-current-lock
//	txns/<txn>.txn/          transaction scratch directories
//	revs/<shard>/<N>         immutable revision contents
//	revs/<shard>/<N>.l2p-index
//	revs/<shard>/<N>.p2l-index
//	revprops/<shard>/<N>     hash dump of revision properties
//	locks/paths              hash dump of path locks
//	db/rep-cache.db          sqlite, sha1 -> (rev, item_index, sizes)
//	min-unpacked-rev

import (
	"fmt"
	"path/filepath"

	"github.com/rcowham/svnfsfs/fsid"
)

const (
	pathFormat         = "format"
	pathConfig         = "config.yaml"
	pathCurrent        = "current"
	pathWriteLock      = "write-lock"
	pathTxnCurrent     = "txn-current"
	pathTxnCurrentLock = "txn-current-lock"
	pathTxnsDir        = "txns"
	pathRevsDir        = "revs"
	pathRevPropsDir    = "revprops"
	pathLocksDir       = "locks"
	pathDBDir          = "db"
	pathRepCacheDB     = "rep-cache.db"
	pathMinUnpacked    = "min-unpacked-rev"

	txnDirExt    = ".txn"
	l2pIndexExt  = ".l2p-index"
	p2lIndexExt  = ".p2l-index"
	formatNumber = 8
)

func (r *Repo) FormatPath() string      { return filepath.Join(r.path, pathFormat) }
func (r *Repo) ConfigPath() string      { return filepath.Join(r.path, pathConfig) }
func (r *Repo) CurrentPath() string     { return filepath.Join(r.path, pathCurrent) }
func (r *Repo) WriteLockPath() string   { return filepath.Join(r.path, pathWriteLock) }
func (r *Repo) TxnCurrentPath() string  { return filepath.Join(r.path, pathTxnCurrent) }
func (r *Repo) txnCurrentLockPath() string {
	return filepath.Join(r.path, pathTxnCurrentLock)
}
func (r *Repo) TxnsDir() string        { return filepath.Join(r.path, pathTxnsDir) }
func (r *Repo) RevsDir() string        { return filepath.Join(r.path, pathRevsDir) }
func (r *Repo) RevPropsDir() string    { return filepath.Join(r.path, pathRevPropsDir) }
func (r *Repo) PathLocksFile() string  { return filepath.Join(r.path, pathLocksDir, "paths") }
func (r *Repo) RepCacheDBPath() string { return filepath.Join(r.path, pathDBDir, pathRepCacheDB) }
func (r *Repo) minUnpackedPath() string {
	return filepath.Join(r.path, pathMinUnpacked)
}

// Shard returns the shard directory name holding revision rev.
func (r *Repo) Shard(rev fsid.RevNum) string {
	return fmt.Sprintf("%d", int64(rev)/int64(r.cfg.MaxFilesPerDir))
}

// RevPath returns the path of the immutable revision file.
func (r *Repo) RevPath(rev fsid.RevNum) string {
	return filepath.Join(r.RevsDir(), r.Shard(rev), fmt.Sprintf("%d", rev))
}

// RevShardDir returns the shard directory for rev.
func (r *Repo) RevShardDir(rev fsid.RevNum) string {
	return filepath.Join(r.RevsDir(), r.Shard(rev))
}

func (r *Repo) L2PIndexPath(rev fsid.RevNum) string {
	return r.RevPath(rev) + l2pIndexExt
}

func (r *Repo) P2LIndexPath(rev fsid.RevNum) string {
	return r.RevPath(rev) + p2lIndexExt
}

// RevPropsPath returns the path of the revision property file.
func (r *Repo) RevPropsPath(rev fsid.RevNum) string {
	return filepath.Join(r.RevPropsDir(), r.Shard(rev), fmt.Sprintf("%d", rev))
}

func (r *Repo) RevPropsShardDir(rev fsid.RevNum) string {
	return filepath.Join(r.RevPropsDir(), r.Shard(rev))
}

// TxnDir returns the scratch directory of a transaction.
func (r *Repo) TxnDir(id fsid.TxnID) string {
	return filepath.Join(r.TxnsDir(), id.String()+txnDirExt)
}
