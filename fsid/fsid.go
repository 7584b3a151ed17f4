// Package fsid holds the identifier types shared by the storage engine:
// revision numbers, transaction ids and node-revision ids.
package fsid

import (
	"strconv"
	"strings"

	"github.com/rcowham/svnfsfs/fserrors"
)

// RevNum identifies an immutable snapshot. The youngest revision is the
// largest committed number.
type RevNum int64

// InvalidRev is the "unspecified" sentinel used by uncommitted ids and by
// delta bases that do not exist yet.
const InvalidRev RevNum = -1

func (r RevNum) Valid() bool { return r >= 0 }

// Base36 renders v the way the sequence counters and id parts are stored.
func Base36(v uint64) string { return strconv.FormatUint(v, 36) }

// ParseBase36 is the inverse of Base36.
func ParseBase36(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 36, 64)
	if err != nil {
		return 0, fserrors.Wrap(fserrors.MalformedFile, err, "invalid base36 number %q", s)
	}
	return v, nil
}

// IDPart is one component of a node-revision id: a (revision, number) pair.
// Revision == InvalidRev marks a txn-local part.
type IDPart struct {
	Rev    RevNum
	Number uint64
}

func (p IDPart) Eq(q IDPart) bool { return p == q }

// IsTxn reports whether the part is txn-local, i.e. its revision is the
// InvalidRev sentinel. The zero value (rev 0, number 0) is a valid
// committed part.
func (p IDPart) IsTxn() bool { return p.Rev == InvalidRev }

// TxnID identifies a transaction: the base revision it was begun against
// plus a repository-wide monotone sequence number.
type TxnID struct {
	BaseRev RevNum
	Seq     uint64
}

// Zero TxnID means "no transaction"; real txns always have BaseRev >= 0
// combined with the used flag below.
type OptTxnID struct {
	TxnID
	Used bool
}

func (t TxnID) String() string {
	return Base36(t.Seq) + "-" + Base36(uint64(t.BaseRev))
}

func ParseTxnID(s string) (TxnID, error) {
	i := strings.IndexByte(s, '-')
	if i < 0 {
		return TxnID{}, fserrors.New(fserrors.MalformedFile, "invalid transaction id %q", s)
	}
	seq, err := ParseBase36(s[:i])
	if err != nil {
		return TxnID{}, err
	}
	rev, err := ParseBase36(s[i+1:])
	if err != nil {
		return TxnID{}, err
	}
	return TxnID{BaseRev: RevNum(rev), Seq: seq}, nil
}

// ID is a node-revision identifier: which node, which copy lineage, and
// where the record lives.  For uncommitted nodes RevItem.Rev is InvalidRev
// and Txn names the owning transaction; committing replaces the sentinel
// with the new revision number.
type ID struct {
	NodeID  IDPart
	CopyID  IDPart
	RevItem IDPart
	Txn     OptTxnID
}

func (id *ID) IsTxn() bool { return id.RevItem.Rev == InvalidRev }

func (id *ID) Eq(other *ID) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.NodeID == other.NodeID && id.CopyID == other.CopyID &&
		id.RevItem == other.RevItem && id.Txn == other.Txn
}

func (id *ID) Copy() *ID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

// String renders the part in its textual id form: "_<num>" for txn-local
// parts, "<num>-<rev>" otherwise.
func (p IDPart) String() string { return unparsePart(p) }

func unparsePart(p IDPart) string {
	if p.Rev == InvalidRev {
		return "_" + Base36(p.Number)
	}
	return Base36(p.Number) + "-" + Base36(uint64(p.Rev))
}

func parsePart(s string) (IDPart, error) {
	if strings.HasPrefix(s, "_") {
		n, err := ParseBase36(s[1:])
		if err != nil {
			return IDPart{}, err
		}
		return IDPart{Rev: InvalidRev, Number: n}, nil
	}
	i := strings.IndexByte(s, '-')
	if i < 0 {
		return IDPart{}, fserrors.New(fserrors.MalformedFile, "invalid id part %q", s)
	}
	n, err := ParseBase36(s[:i])
	if err != nil {
		return IDPart{}, err
	}
	rev, err := ParseBase36(s[i+1:])
	if err != nil {
		return IDPart{}, err
	}
	return IDPart{Rev: RevNum(rev), Number: n}, nil
}

// String renders the textual form "r<rev>/<item>.<node>.<copy>" for
// committed ids and "t<txn>/<item>.<node>.<copy>" for txn-scoped ones.
func (id *ID) String() string {
	var b strings.Builder
	if id.IsTxn() {
		b.WriteByte('t')
		b.WriteString(id.Txn.TxnID.String())
	} else {
		b.WriteByte('r')
		b.WriteString(Base36(uint64(id.RevItem.Rev)))
	}
	b.WriteByte('/')
	b.WriteString(Base36(id.RevItem.Number))
	b.WriteByte('.')
	b.WriteString(unparsePart(id.NodeID))
	b.WriteByte('.')
	b.WriteString(unparsePart(id.CopyID))
	return b.String()
}

// Parse is the inverse of String.
func Parse(s string) (*ID, error) {
	bad := func() (*ID, error) {
		return nil, fserrors.New(fserrors.MalformedFile, "malformed node revision id %q", s)
	}
	if len(s) < 2 {
		return bad()
	}
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return bad()
	}
	id := &ID{}
	switch s[0] {
	case 'r':
		rev, err := ParseBase36(s[1:slash])
		if err != nil {
			return bad()
		}
		id.RevItem.Rev = RevNum(rev)
	case 't':
		txn, err := ParseTxnID(s[1:slash])
		if err != nil {
			return bad()
		}
		id.RevItem.Rev = InvalidRev
		id.Txn = OptTxnID{TxnID: txn, Used: true}
	default:
		return bad()
	}
	rest := strings.Split(s[slash+1:], ".")
	if len(rest) != 3 {
		return bad()
	}
	item, err := ParseBase36(rest[0])
	if err != nil {
		return bad()
	}
	id.RevItem.Number = item
	if id.NodeID, err = parsePart(rest[1]); err != nil {
		return bad()
	}
	if id.CopyID, err = parsePart(rest[2]); err != nil {
		return bad()
	}
	return id, nil
}
