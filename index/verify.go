package index

// Index verification: the cross checks a revision must pass before anyone
// is allowed to trust its indexes.  This is a plain file walk without the
// shared caches so it can run against suspect data.

import (
	"os"

	"github.com/pkg/errors"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/packedint"
)

// Verify cross-checks the L2P and P2L index files of one revision against
// the revision file:
//
//  1. P2L entries tile [0, file size) with no gaps and no overlaps, every
//     entry has a positive size, and unused entries carry no items.
//  2. For every item listed in a P2L entry for this revision, the L2P
//     lookup resolves to that entry's start offset.
//  3. Every L2P offset is the start of some P2L entry listing that item.
func Verify(revision fsid.RevNum, revPath, l2pPath, p2lPath string, blockSize int64) error {
	info, err := os.Stat(revPath)
	if err != nil {
		return errors.Wrap(err, "stat revision file")
	}

	l2pFile, err := os.Open(l2pPath)
	if err != nil {
		return errors.Wrap(err, "opening log-to-phys index")
	}
	defer l2pFile.Close()
	p2lFile, err := os.Open(p2lPath)
	if err != nil {
		return errors.Wrap(err, "opening phys-to-log index")
	}
	defer p2lFile.Close()

	l2pReader := packedint.NewReader(l2pFile, blockSize)
	l2pHeader, err := ReadL2PHeader(l2pReader)
	if err != nil {
		return err
	}
	p2lReader := packedint.NewReader(p2lFile, blockSize)
	p2lHeader, err := ReadP2LHeader(p2lReader)
	if err != nil {
		return err
	}

	if p2lHeader.FileSize != info.Size() {
		return fserrors.New(fserrors.IndexCorruption,
			"phys-to-log index declares file size %d, revision file has %d",
			p2lHeader.FileSize, info.Size())
	}

	// decode all L2P offsets of this revision up front
	l2pOffsets := make(map[uint64]int64)
	pages := l2pHeader.PagesFor(revision)
	if pages == nil {
		return fserrors.New(fserrors.ItemIndexRevision,
			"revision %d not covered by item index", revision)
	}
	for pageNo, page := range pages {
		offsets, err := ReadL2PPage(l2pReader, page)
		if err != nil {
			return err
		}
		for slot, off := range offsets {
			if off >= 0 {
				item := uint64(pageNo)*l2pHeader.PageSize + uint64(slot)
				l2pOffsets[item] = off
			}
		}
	}

	seen := make(map[uint64]bool)
	next := int64(0)
	for p := 0; p < p2lHeader.PageCount(); p++ {
		entries, err := ReadP2LPage(p2lReader, p2lHeader.PageTable[p])
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Offset != next {
				return fserrors.New(fserrors.IndexCorruption,
					"phys-to-log entry at offset %d, expected %d", e.Offset, next)
			}
			if e.Size <= 0 || e.Offset+e.Size > p2lHeader.FileSize {
				return fserrors.New(fserrors.IndexCorruption,
					"phys-to-log entry [%d,%d) outside revision file",
					e.Offset, e.Offset+e.Size)
			}
			next = e.Offset + e.Size
			if e.Type == TypeUnused {
				if len(e.Items) != 0 {
					return fserrors.New(fserrors.IndexCorruption,
						"unused phys-to-log entry at %d lists %d items",
						e.Offset, len(e.Items))
				}
				continue
			}
			for _, item := range e.Items {
				if item.Rev != revision {
					continue
				}
				off, ok := l2pOffsets[item.Number]
				if !ok {
					return fserrors.New(fserrors.IndexCorruption,
						"item %d of revision %d has no log-to-phys entry",
						item.Number, revision)
				}
				if off != e.Offset {
					return fserrors.New(fserrors.IndexCorruption,
						"item %d of revision %d maps to offset %d, phys-to-log has %d",
						item.Number, revision, off, e.Offset)
				}
				seen[item.Number] = true
			}
		}
	}
	if next != p2lHeader.FileSize {
		return fserrors.New(fserrors.IndexCorruption,
			"phys-to-log entries cover %d bytes of %d", next, p2lHeader.FileSize)
	}

	for item, off := range l2pOffsets {
		if !seen[item] {
			return fserrors.New(fserrors.IndexCorruption,
				"log-to-phys item %d at offset %d missing from phys-to-log index",
				item, off)
		}
	}
	return nil
}
