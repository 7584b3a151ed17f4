package index

// Final log-to-phys index layout, all values 7b/8b packed:
//
//	header:     first_revision  page_size  revision_count  page_count
//	rev table:  revision_count counts of pages per revision
//	page table: page_count pairs of (page bytes, entry count)
//	pages:      per page, entry_count offsets as zigzag deltas of
//	            (offset + 1); a decoded zero therefore means "unused"

import (
	"os"

	"github.com/pkg/errors"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/packedint"
)

// L2PPageEntry locates one page inside the index file.
type L2PPageEntry struct {
	Offset     int64
	Size       int64
	EntryCount int
}

// L2PHeader is the master structure of a log-to-phys index: the page tables
// of every covered revision, but not the pages themselves.  Headers are
// immutable once loaded and shared between cache users.
type L2PHeader struct {
	FirstRev      fsid.RevNum
	PageSize      uint64
	RevisionCount int

	// PageTableIndex[r+1]-PageTableIndex[r] pages belong to relative
	// revision r; PageTableIndex[RevisionCount] is len(PageTable).
	PageTable      []L2PPageEntry
	PageTableIndex []int
}

// CreateL2P reads the proto index at protoPath and writes the final index
// to finalPath.  Entries before the first revision boundary belong to
// revision, the next group to revision+1 and so on.  The final file is made
// read-only.
func CreateL2P(finalPath, protoPath string, revision fsid.RevNum, pageSize int) error {
	if pageSize <= 0 {
		return fserrors.New(fserrors.Corrupt, "invalid log-to-phys page size %d", pageSize)
	}

	var pageCounts []uint64  // pages per revision
	var pageSizes []uint64   // bytes per page
	var entryCounts []uint64 // entries per page
	var pages []byte         // concatenated page payloads

	var entries []uint64 // offset+1 per item index, current revision
	lastPageCount := 0

	flushRevision := func() {
		for i := 0; i < len(entries); i += pageSize {
			end := i + pageSize
			if end > len(entries) {
				end = len(entries)
			}
			before := len(pages)
			var last uint64
			for _, v := range entries[i:end] {
				pages = packedint.AppendInt(pages, int64(v)-int64(last))
				last = v
			}
			entryCounts = append(entryCounts, uint64(end-i))
			pageSizes = append(pageSizes, uint64(len(pages)-before))
		}
		entries = entries[:0]
		pageCounts = append(pageCounts, uint64(len(pageSizes)-lastPageCount))
		lastPageCount = len(pageSizes)
	}

	first := true
	err := readProtoL2P(protoPath, func(e protoL2PEntry) error {
		if e.offsetPlusOne == 0 && e.itemIndex == 0 {
			if !first {
				flushRevision()
			}
			first = false
			return nil
		}
		first = false
		idx := int(e.itemIndex)
		for idx >= len(entries) {
			entries = append(entries, 0)
		}
		entries[idx] = e.offsetPlusOne
		return nil
	})
	if err != nil {
		return err
	}
	flushRevision()

	var out []byte
	out = packedint.AppendUint(out, uint64(revision))
	out = packedint.AppendUint(out, uint64(pageSize))
	out = packedint.AppendUint(out, uint64(len(pageCounts)))
	out = packedint.AppendUint(out, uint64(len(pageSizes)))
	for _, v := range pageCounts {
		out = packedint.AppendUint(out, v)
	}
	for i := range pageSizes {
		out = packedint.AppendUint(out, pageSizes[i])
		out = packedint.AppendUint(out, entryCounts[i])
	}
	out = append(out, pages...)

	if err := os.WriteFile(finalPath, out, 0666); err != nil {
		return errors.Wrap(err, "writing log-to-phys index")
	}
	return errors.Wrap(os.Chmod(finalPath, 0444), "protecting log-to-phys index")
}

// ReadL2PHeader parses the header and page tables from a packed stream
// positioned at the start of the index file.
func ReadL2PHeader(r *packedint.Reader) (*L2PHeader, error) {
	r.Seek(0)
	h := &L2PHeader{}

	v, err := r.Get()
	if err != nil {
		return nil, err
	}
	h.FirstRev = fsid.RevNum(v)
	if h.PageSize, err = r.Get(); err != nil {
		return nil, err
	}
	if v, err = r.Get(); err != nil {
		return nil, err
	}
	h.RevisionCount = int(v)
	if v, err = r.Get(); err != nil {
		return nil, err
	}
	pageCount := int(v)

	h.PageTable = make([]L2PPageEntry, pageCount)
	h.PageTableIndex = make([]int, h.RevisionCount+1)

	idx := 0
	for i := 0; i < h.RevisionCount; i++ {
		if v, err = r.Get(); err != nil {
			return nil, err
		}
		idx += int(v)
		h.PageTableIndex[i+1] = idx
	}
	if idx != pageCount {
		return nil, fserrors.New(fserrors.IndexCorruption,
			"log-to-phys page table owns %d pages, header declares %d", idx, pageCount)
	}

	for p := 0; p < pageCount; p++ {
		if v, err = r.Get(); err != nil {
			return nil, err
		}
		h.PageTable[p].Size = int64(v)
		if v, err = r.Get(); err != nil {
			return nil, err
		}
		h.PageTable[p].EntryCount = int(v)
	}

	// the pages start right after the tables
	offset := r.Offset()
	for p := range h.PageTable {
		h.PageTable[p].Offset = offset
		offset += h.PageTable[p].Size
	}
	return h, nil
}

// PageInfo resolves (revision, itemIndex) to the page that holds the entry,
// the page number within that revision and the slot within the page.  The
// caller turns an out-of-page slot into an item-index-overflow error when
// the page turns out shorter.
func (h *L2PHeader) PageInfo(revision fsid.RevNum, itemIndex uint64) (entry L2PPageEntry, pageNo int, pageOffset int, err error) {
	rel := int(revision - h.FirstRev)
	if rel < 0 || rel >= h.RevisionCount {
		err = fserrors.New(fserrors.ItemIndexRevision,
			"revision %d not covered by item index", revision)
		return
	}
	first := h.PageTableIndex[rel]
	last := h.PageTableIndex[rel+1]
	if first == last {
		err = fserrors.New(fserrors.ItemIndexOverflow,
			"item index %d too large in revision %d", itemIndex, revision)
		return
	}
	if itemIndex < h.PageSize {
		// most revisions fit into a single page
		return h.PageTable[first], 0, int(itemIndex), nil
	}
	pageNo = int(itemIndex / h.PageSize)
	pageOffset = int(itemIndex % h.PageSize)
	if last-first <= pageNo {
		// clamp to the last page; the slot is out of range there, which
		// the page access reports as an overflow
		return h.PageTable[last-1], last - first - 1, int(h.PageSize) + 1, nil
	}
	return h.PageTable[first+pageNo], pageNo, pageOffset, nil
}

// PagesFor returns the page table slice owned by revision, or nil.
func (h *L2PHeader) PagesFor(revision fsid.RevNum) []L2PPageEntry {
	rel := int(revision - h.FirstRev)
	if rel < 0 || rel >= h.RevisionCount {
		return nil
	}
	return h.PageTable[h.PageTableIndex[rel]:h.PageTableIndex[rel+1]]
}

// ReadL2PPage decodes the offsets of one page; -1 marks an unused slot.
func ReadL2PPage(r *packedint.Reader, entry L2PPageEntry) ([]int64, error) {
	r.Seek(entry.Offset)
	offsets := make([]int64, entry.EntryCount)
	var last int64
	for i := range offsets {
		v, err := r.Get()
		if err != nil {
			return nil, err
		}
		last += packedint.UnZigZag(v)
		offsets[i] = last - 1
	}
	return offsets, nil
}

// PageValue extracts one slot of a decoded page.  Slots that are out of
// range or were never assigned an offset report an overflow.
func PageValue(offsets []int64, pageOffset int, revision fsid.RevNum, itemIndex uint64) (int64, error) {
	if pageOffset >= len(offsets) || offsets[pageOffset] < 0 {
		return 0, fserrors.New(fserrors.ItemIndexOverflow,
			"item index %d too large in revision %d", itemIndex, revision)
	}
	return offsets[pageOffset], nil
}
