// Package index builds and reads the two revision indexes: log-to-phys
// (revision, item index -> file offset) and phys-to-log (file offset ->
// item, type, size).  During a transaction both exist as simple append-only
// proto files of fixed-size binary records; commit converts them into the
// packed, read-only final form next to the revision file.
package index

import (
	"github.com/rcowham/svnfsfs/fsid"
)

// Reserved item index values.  Indexes below FirstUser are assigned
// statically: the root noderev and the changes block of every revision have
// well-known ids.
const (
	ItemIndexUnused    uint64 = 0
	ItemIndexChanges   uint64 = 1
	ItemIndexRootNode  uint64 = 2
	ItemIndexFirstUser uint64 = 3
)

// ItemType classifies what a phys-to-log entry points at.
type ItemType int

const (
	TypeUnused ItemType = iota
	TypeFileRep
	TypeDirRep
	TypeFileProps
	TypeDirProps
	TypeNodeRev
	TypeChanges
)

func (t ItemType) String() string {
	switch t {
	case TypeFileRep:
		return "file-rep"
	case TypeDirRep:
		return "dir-rep"
	case TypeFileProps:
		return "file-props"
	case TypeDirProps:
		return "dir-props"
	case TypeNodeRev:
		return "node-rev"
	case TypeChanges:
		return "changes"
	}
	return "unused"
}

// Entry is one phys-to-log record: the byte range [Offset, Offset+Size) of
// a revision file and the logical items stored there.
type Entry struct {
	Offset int64
	Size   int64
	Type   ItemType
	Items  []fsid.IDPart
}
