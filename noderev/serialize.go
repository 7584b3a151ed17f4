package noderev

// Node-revision records are stored as header fields, one per line, followed
// by a blank line:
//
//	id: r2/3.1-2.0-0
//	type: file
//	pred: r1/4.1-1.0-0
//	count: 2
//	text: 2 5 17 6 <md5> <sha1> <uniquifier>
//	props: 2 6 23 23 <md5>
//	cpath: /trunk/a.txt
//	copyroot: 0 /
//
// The representation value is "<rev> <item> <size> <expanded> <md5hex>"
// optionally followed by "<sha1hex> <uniquifier>"; txn-local reps use the
// txn id in place of the revision number.

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
)

const (
	headerID             = "id"
	headerType           = "type"
	headerPred           = "pred"
	headerCount          = "count"
	headerText           = "text"
	headerProps          = "props"
	headerCpath          = "cpath"
	headerCopyroot       = "copyroot"
	headerCopyfrom       = "copyfrom"
	headerMinfoCount     = "minfo-cnt"
	headerMinfoHere      = "minfo-here"
	headerIsFreshTxnRoot = "is-fresh-txn-root"
)

// UnparseRep renders the representation value of a text:/props: header.
func UnparseRep(r *Rep) string {
	var b strings.Builder
	if r.IsTxn() {
		b.WriteString("t" + r.Txn.TxnID.String())
	} else {
		b.WriteString(strconv.FormatInt(int64(r.Rev), 10))
	}
	fmt.Fprintf(&b, " %d %d %d %s", r.ItemIndex, r.Size, r.ExpandedSize,
		hex.EncodeToString(r.MD5))
	if len(r.SHA1) > 0 {
		fmt.Fprintf(&b, " %s %s/%s", hex.EncodeToString(r.SHA1),
			r.Uniquifier.Txn, fsid.Base36(r.Uniquifier.Number))
	}
	return b.String()
}

// ParseRep is the inverse of UnparseRep.
func ParseRep(s string) (*Rep, error) {
	fields := strings.Fields(s)
	if len(fields) != 5 && len(fields) != 7 {
		return nil, fserrors.New(fserrors.Corrupt, "malformed representation %q", s)
	}
	r := &Rep{Rev: fsid.InvalidRev}
	if strings.HasPrefix(fields[0], "t") {
		txn, err := fsid.ParseTxnID(fields[0][1:])
		if err != nil {
			return nil, err
		}
		r.Txn = fsid.OptTxnID{TxnID: txn, Used: true}
	} else {
		rev, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fserrors.New(fserrors.Corrupt, "malformed rep revision %q", fields[0])
		}
		r.Rev = fsid.RevNum(rev)
	}
	var err error
	if r.ItemIndex, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return nil, fserrors.New(fserrors.Corrupt, "malformed rep item index %q", fields[1])
	}
	if r.Size, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return nil, fserrors.New(fserrors.Corrupt, "malformed rep size %q", fields[2])
	}
	if r.ExpandedSize, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
		return nil, fserrors.New(fserrors.Corrupt, "malformed rep expanded size %q", fields[3])
	}
	if r.MD5, err = hex.DecodeString(fields[4]); err != nil {
		return nil, fserrors.New(fserrors.Corrupt, "malformed rep md5 %q", fields[4])
	}
	if len(fields) == 7 {
		if r.SHA1, err = hex.DecodeString(fields[5]); err != nil {
			return nil, fserrors.New(fserrors.Corrupt, "malformed rep sha1 %q", fields[5])
		}
		slash := strings.IndexByte(fields[6], '/')
		if slash < 0 {
			return nil, fserrors.New(fserrors.Corrupt, "malformed rep uniquifier %q", fields[6])
		}
		txn, err := fsid.ParseTxnID(fields[6][:slash])
		if err != nil {
			return nil, err
		}
		num, err := fsid.ParseBase36(fields[6][slash+1:])
		if err != nil {
			return nil, err
		}
		r.Uniquifier = Uniquifier{Txn: txn, Number: num}
	}
	return r, nil
}

// Write serializes nr followed by the blank-line terminator.  A fresh txn
// root flag is emitted as-is; the commit walk zeroes it before committed
// noderevs are written.
func (nr *NodeRev) Write(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", headerID, nr.ID)
	fmt.Fprintf(&b, "%s: %s\n", headerType, nr.Kind)
	if nr.PredID != nil {
		fmt.Fprintf(&b, "%s: %s\n", headerPred, nr.PredID)
	}
	fmt.Fprintf(&b, "%s: %d\n", headerCount, nr.PredCount)
	if nr.TextRep != nil {
		fmt.Fprintf(&b, "%s: %s\n", headerText, UnparseRep(nr.TextRep))
	}
	if nr.PropRep != nil {
		fmt.Fprintf(&b, "%s: %s\n", headerProps, UnparseRep(nr.PropRep))
	}
	fmt.Fprintf(&b, "%s: %s\n", headerCpath, nr.CreatedPath)
	fmt.Fprintf(&b, "%s: %d %s\n", headerCopyroot, nr.CopyRootRev, nr.CopyRootPath)
	if nr.CopyFromRev.Valid() {
		fmt.Fprintf(&b, "%s: %d %s\n", headerCopyfrom, nr.CopyFromRev, nr.CopyFromPath)
	}
	if nr.MergeinfoCount > 0 {
		fmt.Fprintf(&b, "%s: %d\n", headerMinfoCount, nr.MergeinfoCount)
	}
	if nr.HasMergeinfo {
		fmt.Fprintf(&b, "%s: y\n", headerMinfoHere)
	}
	if nr.IsFreshTxnRoot {
		fmt.Fprintf(&b, "%s: y\n", headerIsFreshTxnRoot)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// Read parses one node-revision record up to and including its blank line.
func Read(r io.Reader) (*NodeRev, error) {
	return readNodeRev(bufio.NewReader(r))
}

func readNodeRev(br *bufio.Reader) (*NodeRev, error) {
	nr := &NodeRev{
		CopyRootRev: 0,
		CopyFromRev: fsid.InvalidRev,
	}
	seen := false
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF && line == "" {
			if seen {
				return nr, nil
			}
			return nil, fserrors.New(fserrors.Corrupt, "empty node revision record")
		}
		if err != nil && err != io.EOF {
			return nil, fserrors.Wrap(fserrors.Corrupt, err, "reading node revision")
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			if !seen {
				return nil, fserrors.New(fserrors.Corrupt, "empty node revision record")
			}
			return nr, nil
		}
		seen = true
		colon := strings.Index(line, ": ")
		if colon < 0 {
			return nil, fserrors.New(fserrors.Corrupt, "malformed node revision header %q", line)
		}
		name, value := line[:colon], line[colon+2:]
		switch name {
		case headerID:
			if nr.ID, err = fsid.Parse(value); err != nil {
				return nil, err
			}
		case headerType:
			nr.Kind = ParseKind(value)
			if nr.Kind == KindNone {
				return nil, fserrors.New(fserrors.Corrupt, "invalid node kind %q", value)
			}
		case headerPred:
			if nr.PredID, err = fsid.Parse(value); err != nil {
				return nil, err
			}
		case headerCount:
			if nr.PredCount, err = strconv.Atoi(value); err != nil {
				return nil, fserrors.New(fserrors.Corrupt, "invalid predecessor count %q", value)
			}
		case headerText:
			if nr.TextRep, err = ParseRep(value); err != nil {
				return nil, err
			}
		case headerProps:
			if nr.PropRep, err = ParseRep(value); err != nil {
				return nil, err
			}
		case headerCpath:
			nr.CreatedPath = value
		case headerCopyroot:
			if nr.CopyRootRev, nr.CopyRootPath, err = parseRevPath(value); err != nil {
				return nil, err
			}
		case headerCopyfrom:
			if nr.CopyFromRev, nr.CopyFromPath, err = parseRevPath(value); err != nil {
				return nil, err
			}
		case headerMinfoCount:
			if nr.MergeinfoCount, err = strconv.ParseInt(value, 10, 64); err != nil {
				return nil, fserrors.New(fserrors.Corrupt, "invalid mergeinfo count %q", value)
			}
		case headerMinfoHere:
			nr.HasMergeinfo = value == "y"
		case headerIsFreshTxnRoot:
			nr.IsFreshTxnRoot = value == "y"
		default:
			return nil, fserrors.New(fserrors.Corrupt, "unknown node revision header %q", name)
		}
	}
}

func parseRevPath(s string) (fsid.RevNum, string, error) {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return 0, "", fserrors.New(fserrors.Corrupt, "malformed rev/path pair %q", s)
	}
	rev, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, "", fserrors.New(fserrors.Corrupt, "malformed revision in %q", s)
	}
	return fsid.RevNum(rev), s[i+1:], nil
}

// Directory contents are stored as a hash dump of name -> "<kind> <id>".

// UnparseDirEntry renders the value half of a directory hash entry.
func UnparseDirEntry(kind Kind, id *fsid.ID) string {
	return kind.String() + " " + id.String()
}

// ParseDirEntry parses a directory hash value.
func ParseDirEntry(name, value string) (*DirEntry, error) {
	i := strings.IndexByte(value, ' ')
	if i < 0 {
		return nil, fserrors.New(fserrors.Corrupt, "malformed directory entry %q", value)
	}
	kind := ParseKind(value[:i])
	if kind == KindNone {
		return nil, fserrors.New(fserrors.Corrupt, "invalid directory entry kind %q", value)
	}
	id, err := fsid.Parse(value[i+1:])
	if err != nil {
		return nil, err
	}
	return &DirEntry{Name: name, Kind: kind, ID: id}, nil
}
