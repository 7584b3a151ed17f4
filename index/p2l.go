package index

// Final phys-to-log index layout, all values 7b/8b packed:
//
//	header:     first_revision  file_size  page_size  page_count
//	page table: page_count pairs of (page bytes, entry count)
//	pages:      per entry, offset delta from the previous entry's start
//	            (absolute for the first entry of a page), size, type,
//	            item count, then the items as (revision+1, number) pairs
//
// An entry belongs to the page covering its start offset, so page p holds
// the entries starting inside [p*page_size, (p+1)*page_size).  An entry may
// extend past its page; a reader that misses walks back one page at a time.

import (
	"os"

	"github.com/pkg/errors"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/packedint"
)

// P2LPageEntry locates one page inside the index file.
type P2LPageEntry struct {
	Offset     int64
	Size       int64
	EntryCount int
}

// P2LHeader is the master structure of a phys-to-log index.
type P2LHeader struct {
	FirstRev  fsid.RevNum
	FileSize  int64
	PageSize  int64
	PageTable []P2LPageEntry
}

// PageCount returns how many pages cover the rev file.
func (h *P2LHeader) PageCount() int { return len(h.PageTable) }

// PageFor returns the page number covering the given rev file offset.
func (h *P2LHeader) PageFor(offset int64) int { return int(offset / h.PageSize) }

// CreateP2L reads the proto index at protoPath and writes the final index
// to finalPath.  Item revisions still carrying the invalid sentinel are
// resolved to revision.  The entries must tile [0, fileSize) contiguously;
// gaps or overlaps are corruption.  The final file is made read-only.
func CreateP2L(finalPath, protoPath string, revision fsid.RevNum, pageSize, fileSize int64) error {
	if pageSize <= 0 {
		return fserrors.New(fserrors.Corrupt, "invalid phys-to-log page size %d", pageSize)
	}

	var all []*Entry
	next := int64(0)
	err := readProtoP2L(protoPath, func(e *Entry) error {
		if e.Offset != next {
			return fserrors.New(fserrors.IndexCorruption,
				"phys-to-log proto entry at %d, expected %d", e.Offset, next)
		}
		if e.Size <= 0 {
			return fserrors.New(fserrors.IndexCorruption,
				"phys-to-log proto entry at %d has size %d", e.Offset, e.Size)
		}
		next = e.Offset + e.Size
		copied := *e
		copied.Items = append([]fsid.IDPart(nil), e.Items...)
		for i := range copied.Items {
			if !copied.Items[i].Rev.Valid() {
				copied.Items[i].Rev = revision
			}
		}
		all = append(all, &copied)
		return nil
	})
	if err != nil {
		return err
	}
	if next != fileSize {
		return fserrors.New(fserrors.IndexCorruption,
			"phys-to-log entries cover %d bytes, revision file has %d", next, fileSize)
	}

	pageCount := int((fileSize + pageSize - 1) / pageSize)
	if pageCount == 0 {
		pageCount = 1
	}

	var pageSizes, entryCounts []uint64
	var pages []byte
	i := 0
	for p := 0; p < pageCount; p++ {
		pageEnd := int64(p+1) * pageSize
		before := len(pages)
		count := 0
		lastOffset := int64(0)
		for i < len(all) && all[i].Offset < pageEnd {
			e := all[i]
			pages = packedint.AppendUint(pages, uint64(e.Offset-lastOffset))
			lastOffset = e.Offset
			pages = packedint.AppendUint(pages, uint64(e.Size))
			pages = packedint.AppendUint(pages, uint64(e.Type))
			pages = packedint.AppendUint(pages, uint64(len(e.Items)))
			for _, item := range e.Items {
				pages = packedint.AppendUint(pages, uint64(item.Rev)+1)
				pages = packedint.AppendUint(pages, item.Number)
			}
			count++
			i++
		}
		pageSizes = append(pageSizes, uint64(len(pages)-before))
		entryCounts = append(entryCounts, uint64(count))
	}

	var out []byte
	out = packedint.AppendUint(out, uint64(revision))
	out = packedint.AppendUint(out, uint64(fileSize))
	out = packedint.AppendUint(out, uint64(pageSize))
	out = packedint.AppendUint(out, uint64(pageCount))
	for p := 0; p < pageCount; p++ {
		out = packedint.AppendUint(out, pageSizes[p])
		out = packedint.AppendUint(out, entryCounts[p])
	}
	out = append(out, pages...)

	if err := os.WriteFile(finalPath, out, 0666); err != nil {
		return errors.Wrap(err, "writing phys-to-log index")
	}
	return errors.Wrap(os.Chmod(finalPath, 0444), "protecting phys-to-log index")
}

// ReadP2LHeader parses the header and page table from a packed stream
// positioned at the start of the index file.
func ReadP2LHeader(r *packedint.Reader) (*P2LHeader, error) {
	r.Seek(0)
	h := &P2LHeader{}

	v, err := r.Get()
	if err != nil {
		return nil, err
	}
	h.FirstRev = fsid.RevNum(v)
	if v, err = r.Get(); err != nil {
		return nil, err
	}
	h.FileSize = int64(v)
	if v, err = r.Get(); err != nil {
		return nil, err
	}
	h.PageSize = int64(v)
	if h.PageSize <= 0 {
		return nil, fserrors.New(fserrors.IndexCorruption, "phys-to-log page size is zero")
	}
	if v, err = r.Get(); err != nil {
		return nil, err
	}
	pageCount := int(v)

	h.PageTable = make([]P2LPageEntry, pageCount)
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
	offset := r.Offset()
	for p := range h.PageTable {
		h.PageTable[p].Offset = offset
		offset += h.PageTable[p].Size
	}
	return h, nil
}

// ReadP2LPage decodes all entries of one page.
func ReadP2LPage(r *packedint.Reader, page P2LPageEntry) ([]*Entry, error) {
	r.Seek(page.Offset)
	entries := make([]*Entry, 0, page.EntryCount)
	lastOffset := int64(0)
	for i := 0; i < page.EntryCount; i++ {
		delta, err := r.Get()
		if err != nil {
			return nil, err
		}
		e := &Entry{Offset: lastOffset + int64(delta)}
		lastOffset = e.Offset
		v, err := r.Get()
		if err != nil {
			return nil, err
		}
		e.Size = int64(v)
		if v, err = r.Get(); err != nil {
			return nil, err
		}
		if v > uint64(TypeChanges) {
			return nil, fserrors.New(fserrors.IndexCorruption,
				"phys-to-log entry at %d has invalid type %d", e.Offset, v)
		}
		e.Type = ItemType(v)
		count, err := r.Get()
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < count; j++ {
			rev, err := r.Get()
			if err != nil {
				return nil, err
			}
			num, err := r.Get()
			if err != nil {
				return nil, err
			}
			e.Items = append(e.Items, fsid.IDPart{
				Rev:    fsid.RevNum(int64(rev) - 1),
				Number: num,
			})
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// FindEntry returns the entry of the given page covering offset, or nil.
func FindEntry(entries []*Entry, offset int64) *Entry {
	for _, e := range entries {
		if e.Offset <= offset && offset < e.Offset+e.Size {
			return e
		}
	}
	return nil
}
