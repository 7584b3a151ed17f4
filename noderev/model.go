// Package noderev holds the in-memory data model of the storage engine:
// node-revisions, representations and change records, together with their
// textual on-disk encodings.
package noderev

import (
	"github.com/rcowham/svnfsfs/fsid"
)

// Kind of a node.
type Kind int

const (
	KindNone Kind = iota
	KindFile
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	}
	return "none"
}

func ParseKind(s string) Kind {
	switch s {
	case "file":
		return KindFile
	case "dir":
		return KindDir
	}
	return KindNone
}

// Uniquifier keeps otherwise-identical unshared reps distinguishable while
// a transaction is in flight.
type Uniquifier struct {
	Txn    fsid.TxnID
	Number uint64
}

// Rep is an immutable byte sequence record.  While mutable inside a txn,
// Txn.Used is set and Rev is the invalid sentinel; commit rewrites both.
type Rep struct {
	Rev          fsid.RevNum
	ItemIndex    uint64
	Size         uint64 // bytes on disk (delta form)
	ExpandedSize uint64 // bytes after expansion
	MD5          []byte
	SHA1         []byte
	Txn          fsid.OptTxnID
	Uniquifier   Uniquifier
}

func (r *Rep) IsTxn() bool { return r != nil && r.Txn.Used }

func (r *Rep) Copy() *Rep {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// NodeRev is one revision of one node.
type NodeRev struct {
	Kind      Kind
	ID        *fsid.ID
	PredID    *fsid.ID
	PredCount int

	CopyRootRev  fsid.RevNum
	CopyRootPath string
	CopyFromRev  fsid.RevNum
	CopyFromPath string

	TextRep *Rep
	PropRep *Rep

	CreatedPath    string
	MergeinfoCount int64
	HasMergeinfo   bool

	// Never serialized into a committed revision; see the commit walk.
	IsFreshTxnRoot bool
}

func (nr *NodeRev) Copy() *NodeRev {
	c := *nr
	c.ID = nr.ID.Copy()
	c.PredID = nr.PredID.Copy()
	c.TextRep = nr.TextRep.Copy()
	c.PropRep = nr.PropRep.Copy()
	return &c
}

// DirEntry is one entry of a directory's content mapping.
type DirEntry struct {
	Name string
	Kind Kind
	ID   *fsid.ID
}

// ChangeKind enumerates the per-path change verbs.
type ChangeKind int

const (
	ChangeModify ChangeKind = iota
	ChangeAdd
	ChangeDelete
	ChangeReplace
	ChangeReset
)

func (k ChangeKind) String() string {
	return [...]string{"modify", "add", "delete", "replace", "reset"}[k]
}

func ParseChangeKind(s string) (ChangeKind, bool) {
	switch s {
	case "modify":
		return ChangeModify, true
	case "add":
		return ChangeAdd, true
	case "delete":
		return ChangeDelete, true
	case "replace":
		return ChangeReplace, true
	case "reset":
		return ChangeReset, true
	}
	return 0, false
}

// Change is one record of the per-txn change log and, after folding, one
// entry of a revision's changed-paths block.
type Change struct {
	Path         string
	NodeRevID    *fsid.ID // nil only for reset records
	Kind         ChangeKind
	TextMod      bool
	PropMod      bool
	NodeKind     Kind
	CopyFromRev  fsid.RevNum
	CopyFromPath string
}
