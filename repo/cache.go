package repo

// The shared caches for index data.  Headers are cached per index file
// (keyed by base revision), decoded pages per (revision, page number).
// Cached objects are immutable and shared by pointer, so the partial reads
// ("just this page table slot") are plain index math on the shared header.

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/index"
	"github.com/rcowham/svnfsfs/noderev"
	"github.com/rcowham/svnfsfs/packedint"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svnfsfs_cache_hits_total",
		Help: "Index cache hits by cache kind.",
	}, []string{"cache"})
	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svnfsfs_cache_misses_total",
		Help: "Index cache misses by cache kind.",
	}, []string{"cache"})
	commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "svnfsfs_commits_total",
		Help: "Revisions committed by this process.",
	})
)

// headerKey addresses a whole index file.  The base revision of a packed
// shard is its shard-aligned floor; unpacked revisions are their own base.
type headerKey struct {
	baseRev  fsid.RevNum
	isPacked bool
}

// pageKey addresses one decoded page.
type pageKey struct {
	rev      fsid.RevNum
	isPacked bool
	pageNo   int
}

type cacheSet struct {
	mu         sync.RWMutex
	l2pHeaders map[headerKey]*index.L2PHeader
	l2pPages   map[pageKey][]int64
	p2lHeaders map[headerKey]*index.P2LHeader
	p2lPages   map[pageKey][]*index.Entry

	// per-txn directory entry maps, patched in place on set_entry
	txnDirMu   sync.Mutex
	txnDirs    map[fsid.TxnID]map[string]map[string]*noderev.DirEntry
}

func newCacheSet() *cacheSet {
	return &cacheSet{
		l2pHeaders: make(map[headerKey]*index.L2PHeader),
		l2pPages:   make(map[pageKey][]int64),
		p2lHeaders: make(map[headerKey]*index.P2LHeader),
		p2lPages:   make(map[pageKey][]*index.Entry),
		txnDirs:    make(map[fsid.TxnID]map[string]map[string]*noderev.DirEntry),
	}
}

// baseRevision returns the key revision of the index covering rev.  Packing
// is not produced by this library, so every revision is its own base.
func (r *Repo) baseRevision(rev fsid.RevNum) fsid.RevNum { return rev }

func (r *Repo) l2pHeader(rev fsid.RevNum) (*index.L2PHeader, *packedint.Reader, func(), error) {
	key := headerKey{baseRev: r.baseRevision(rev)}
	r.caches.mu.RLock()
	h := r.caches.l2pHeaders[key]
	r.caches.mu.RUnlock()

	f, err := os.Open(r.L2PIndexPath(r.baseRevision(rev)))
	if err != nil {
		return nil, nil, nil, err
	}
	stream := packedint.NewReader(f, r.cfg.BlockBytes)
	closer := func() { f.Close() }

	if h != nil {
		cacheHits.WithLabelValues("l2p-header").Inc()
		return h, stream, closer, nil
	}
	cacheMisses.WithLabelValues("l2p-header").Inc()
	if h, err = index.ReadL2PHeader(stream); err != nil {
		closer()
		return nil, nil, nil, err
	}
	r.caches.mu.Lock()
	r.caches.l2pHeaders[key] = h
	r.caches.mu.Unlock()
	return h, stream, closer, nil
}

// ItemOffset resolves (rev, itemIndex) to the absolute offset in the
// revision file, going through the header and page caches.
func (r *Repo) ItemOffset(rev fsid.RevNum, itemIndex uint64) (int64, error) {
	header, stream, closer, err := r.l2pHeader(rev)
	if err != nil {
		return 0, err
	}
	defer closer()

	entry, pageNo, slot, err := header.PageInfo(rev, itemIndex)
	if err != nil {
		return 0, err
	}

	key := pageKey{rev: rev, pageNo: pageNo}
	r.caches.mu.RLock()
	page := r.caches.l2pPages[key]
	r.caches.mu.RUnlock()

	if page == nil {
		cacheMisses.WithLabelValues("l2p-page").Inc()
		if page, err = index.ReadL2PPage(stream, entry); err != nil {
			return 0, err
		}
		r.caches.mu.Lock()
		r.caches.l2pPages[key] = page
		r.caches.mu.Unlock()

		// opportunistically pull in neighbouring pages
		r.prefetchL2PPages(header, stream, rev, pageNo, entry)
	} else {
		cacheHits.WithLabelValues("l2p-page").Inc()
	}

	return index.PageValue(page, slot, rev, itemIndex)
}

// prefetchWindow bounds opportunistic page loads around a missed page.
const prefetchWindow = 0x10000

// prefetchL2PPages loads pages adjacent to the one just read, within a
// 64 KiB window of the index file, walking revisions upward from the target
// and then downward, aborting a direction as soon as it meets a page that
// is already cached (the working set is hot from there on).
func (r *Repo) prefetchL2PPages(header *index.L2PHeader, stream *packedint.Reader,
	rev fsid.RevNum, excludePageNo int, target index.L2PPageEntry) {

	maxOffset := (target.Offset + target.Size + prefetchWindow - 1) / prefetchWindow * prefetchWindow
	minOffset := maxOffset - prefetchWindow
	lastRev := header.FirstRev + fsid.RevNum(header.RevisionCount)

	for prefetch := rev; prefetch < lastRev; prefetch++ {
		exclude := -1
		if prefetch == rev {
			exclude = excludePageNo
		}
		if r.prefetchRevPages(header, stream, prefetch, exclude, minOffset, maxOffset) {
			break
		}
	}
	for prefetch := rev - 1; prefetch >= header.FirstRev; prefetch-- {
		if r.prefetchRevPages(header, stream, prefetch, -1, minOffset, maxOffset) {
			break
		}
	}
}

// prefetchRevPages loads the in-window pages of one revision; returns true
// when the walk should stop (out of window or already cached).
func (r *Repo) prefetchRevPages(header *index.L2PHeader, stream *packedint.Reader,
	rev fsid.RevNum, excludePageNo int, minOffset, maxOffset int64) bool {

	pages := header.PagesFor(rev)
	if pages == nil {
		return true
	}
	for pageNo, entry := range pages {
		if pageNo == excludePageNo {
			continue
		}
		if entry.Offset < minOffset || entry.Offset+entry.Size > maxOffset {
			return true
		}
		key := pageKey{rev: rev, pageNo: pageNo}
		r.caches.mu.RLock()
		_, cached := r.caches.l2pPages[key]
		r.caches.mu.RUnlock()
		if cached {
			return true
		}
		page, err := index.ReadL2PPage(stream, entry)
		if err != nil {
			return true
		}
		r.caches.mu.Lock()
		r.caches.l2pPages[key] = page
		r.caches.mu.Unlock()
	}
	return false
}

func (r *Repo) p2lHeader(rev fsid.RevNum) (*index.P2LHeader, *packedint.Reader, func(), error) {
	key := headerKey{baseRev: r.baseRevision(rev)}
	r.caches.mu.RLock()
	h := r.caches.p2lHeaders[key]
	r.caches.mu.RUnlock()

	f, err := os.Open(r.P2LIndexPath(r.baseRevision(rev)))
	if err != nil {
		return nil, nil, nil, err
	}
	stream := packedint.NewReader(f, r.cfg.BlockBytes)
	closer := func() { f.Close() }

	if h != nil {
		cacheHits.WithLabelValues("p2l-header").Inc()
		return h, stream, closer, nil
	}
	cacheMisses.WithLabelValues("p2l-header").Inc()
	if h, err = index.ReadP2LHeader(stream); err != nil {
		closer()
		return nil, nil, nil, err
	}
	r.caches.mu.Lock()
	r.caches.p2lHeaders[key] = h
	r.caches.mu.Unlock()
	return h, stream, closer, nil
}

func (r *Repo) p2lPage(h *index.P2LHeader, stream *packedint.Reader,
	rev fsid.RevNum, pageNo int) ([]*index.Entry, error) {

	key := pageKey{rev: rev, pageNo: pageNo}
	r.caches.mu.RLock()
	entries, cached := r.caches.p2lPages[key]
	r.caches.mu.RUnlock()
	if cached {
		cacheHits.WithLabelValues("p2l-page").Inc()
		return entries, nil
	}
	cacheMisses.WithLabelValues("p2l-page").Inc()
	entries, err := index.ReadP2LPage(stream, h.PageTable[pageNo])
	if err != nil {
		return nil, err
	}
	r.caches.mu.Lock()
	r.caches.p2lPages[key] = entries
	r.caches.mu.Unlock()
	return entries, nil
}

// P2LEntry returns the phys-to-log entry containing offset in rev's file.
// An entry may start in an earlier page than the one covering offset, so a
// miss walks backwards one page at a time.
func (r *Repo) P2LEntry(rev fsid.RevNum, offset int64) (*index.Entry, error) {
	h, stream, closer, err := r.p2lHeader(rev)
	if err != nil {
		return nil, err
	}
	defer closer()

	for pageNo := h.PageFor(offset); pageNo >= 0; pageNo-- {
		if pageNo >= h.PageCount() {
			break
		}
		entries, err := r.p2lPage(h, stream, rev, pageNo)
		if err != nil {
			return nil, err
		}
		if e := index.FindEntry(entries, offset); e != nil {
			return e, nil
		}
		if len(entries) > 0 {
			// the covering entry would have been in this page
			break
		}
	}
	return nil, nil
}

// Per-txn directory entry caching with in-place patching.

// TxnDirCacheGet returns the cached entry map of a mutated directory.
func (r *Repo) TxnDirCacheGet(txn fsid.TxnID, key string) (map[string]*noderev.DirEntry, bool) {
	r.caches.txnDirMu.Lock()
	defer r.caches.txnDirMu.Unlock()
	dirs := r.caches.txnDirs[txn]
	if dirs == nil {
		return nil, false
	}
	entries, ok := dirs[key]
	return entries, ok
}

// TxnDirCachePut stores the full entry map for a directory node.
func (r *Repo) TxnDirCachePut(txn fsid.TxnID, key string, entries map[string]*noderev.DirEntry) {
	r.caches.txnDirMu.Lock()
	defer r.caches.txnDirMu.Unlock()
	dirs := r.caches.txnDirs[txn]
	if dirs == nil {
		dirs = make(map[string]map[string]*noderev.DirEntry)
		r.caches.txnDirs[txn] = dirs
	}
	dirs[key] = entries
}

// TxnDirCachePatch applies a single entry change to a cached directory
// without recomputing it.  A nil entry removes name.
func (r *Repo) TxnDirCachePatch(txn fsid.TxnID, key, name string, entry *noderev.DirEntry) {
	r.caches.txnDirMu.Lock()
	defer r.caches.txnDirMu.Unlock()
	dirs := r.caches.txnDirs[txn]
	if dirs == nil {
		return
	}
	entries, ok := dirs[key]
	if !ok {
		return
	}
	if entry == nil {
		delete(entries, name)
	} else {
		entries[name] = entry
	}
}

func (c *cacheSet) dropTxnDirCache(txn fsid.TxnID) {
	c.txnDirMu.Lock()
	delete(c.txnDirs, txn)
	c.txnDirMu.Unlock()
}

// CountCommit bumps the commit metric; called at the end of a successful
// commit.
func CountCommit() { commitsTotal.Inc() }
