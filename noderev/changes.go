package noderev

// Change records are emitted into the changes stream as newline-terminated
// blocks with a fixed field order, e.g.
//
//	r2/3.1-2.0-0 add true false file /trunk/a.txt
//	4 /branches/a.txt
//
// The first line is id, change kind, text-mod, prop-mod, node kind and path;
// the second is the copyfrom "<rev> <path>" pair, or empty when there is
// none.  Reset records carry the literal id "-".  The exact framing is the
// legacy one and must round-trip.

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
)

// ChangeWriter appends change records to a stream.
type ChangeWriter struct {
	w io.Writer
}

func NewChangeWriter(w io.Writer) *ChangeWriter {
	return &ChangeWriter{w: w}
}

func (cw *ChangeWriter) SetWriter(w io.Writer) {
	cw.w = w
}

// Write emits one record.
func (cw *ChangeWriter) Write(c *Change) error {
	id := "-"
	if c.NodeRevID != nil {
		id = c.NodeRevID.String()
	}
	_, err := fmt.Fprintf(cw.w, "%s %s %t %t %s %s\n",
		id, c.Kind, c.TextMod, c.PropMod, c.NodeKind, c.Path)
	if err != nil {
		return err
	}
	if c.CopyFromRev.Valid() {
		_, err = fmt.Fprintf(cw.w, "%d %s\n", c.CopyFromRev, c.CopyFromPath)
	} else {
		_, err = fmt.Fprintln(cw.w)
	}
	return err
}

// WriteAll emits the change records in the order given.
func (cw *ChangeWriter) WriteAll(changes []*Change) error {
	for _, c := range changes {
		if err := cw.Write(c); err != nil {
			return err
		}
	}
	return nil
}

// ReadChanges parses a changes stream back into records, in file order.
func ReadChanges(r io.Reader) ([]*Change, error) {
	var changes []*Change
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF && line == "" {
			return changes, nil
		}
		if err != nil && err != io.EOF {
			return nil, fserrors.Wrap(fserrors.MalformedFile, err, "reading changes")
		}
		line = strings.TrimSuffix(line, "\n")
		fields := strings.SplitN(line, " ", 6)
		if len(fields) != 6 {
			return nil, fserrors.New(fserrors.Corrupt, "invalid changes line %q", line)
		}
		c := &Change{CopyFromRev: fsid.InvalidRev}
		if fields[0] != "-" {
			if c.NodeRevID, err = fsid.Parse(fields[0]); err != nil {
				return nil, err
			}
		}
		kind, ok := ParseChangeKind(fields[1])
		if !ok {
			return nil, fserrors.New(fserrors.Corrupt, "invalid change kind %q", fields[1])
		}
		c.Kind = kind
		if c.TextMod, err = strconv.ParseBool(fields[2]); err != nil {
			return nil, fserrors.New(fserrors.Corrupt, "invalid text-mod flag %q", fields[2])
		}
		if c.PropMod, err = strconv.ParseBool(fields[3]); err != nil {
			return nil, fserrors.New(fserrors.Corrupt, "invalid prop-mod flag %q", fields[3])
		}
		c.NodeKind = ParseKind(fields[4])
		c.Path = fields[5]

		cfline, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fserrors.Wrap(fserrors.MalformedFile, err, "reading copyfrom line")
		}
		cfline = strings.TrimSuffix(cfline, "\n")
		if cfline != "" {
			i := strings.IndexByte(cfline, ' ')
			if i < 0 {
				return nil, fserrors.New(fserrors.Corrupt, "invalid copyfrom line %q", cfline)
			}
			rev, perr := strconv.ParseInt(cfline[:i], 10, 64)
			if perr != nil {
				return nil, fserrors.New(fserrors.Corrupt, "invalid copyfrom revision %q", cfline)
			}
			c.CopyFromRev = fsid.RevNum(rev)
			c.CopyFromPath = cfline[i+1:]
		}
		changes = append(changes, c)
	}
}

// isChildPath reports whether path lies strictly below dir.
func isChildPath(dir, path string) bool {
	if dir == "/" {
		return len(path) > 1 && path[0] == '/'
	}
	return len(path) > len(dir)+1 && strings.HasPrefix(path, dir) &&
		path[len(dir)] == '/'
}

// FoldChanges collapses an append log of change records into the minimum
// equivalent set per path.  Unless prefolded is set, a delete or replace of
// a directory also removes any recorded change on a descendant path.
func FoldChanges(log []*Change, prefolded bool) (map[string]*Change, error) {
	folded := make(map[string]*Change)
	for _, change := range log {
		if err := foldOne(folded, change); err != nil {
			return nil, err
		}
		if !prefolded && (change.Kind == ChangeDelete || change.Kind == ChangeReplace) {
			for path := range folded {
				if isChildPath(change.Path, path) {
					delete(folded, path)
				}
			}
		}
	}
	return folded, nil
}

func foldOne(folded map[string]*Change, change *Change) error {
	old, ok := folded[change.Path]
	if !ok {
		if change.Kind == ChangeReset {
			return nil
		}
		c := *change
		folded[change.Path] = &c
		return nil
	}

	// Only a reset may omit the node revision id.
	if change.NodeRevID == nil && change.Kind != ChangeReset {
		return fserrors.New(fserrors.Corrupt, "missing required node revision ID")
	}
	// A new id without an intervening delete means the editor went wrong.
	if change.NodeRevID != nil && !old.NodeRevID.Eq(change.NodeRevID) &&
		old.Kind != ChangeDelete {
		return fserrors.New(fserrors.Corrupt,
			"invalid change ordering: new node revision ID without delete")
	}
	// An add, replace or reset must be the first thing after a deletion.
	if old.Kind == ChangeDelete &&
		!(change.Kind == ChangeReplace || change.Kind == ChangeReset ||
			change.Kind == ChangeAdd) {
		return fserrors.New(fserrors.Corrupt,
			"invalid change ordering: non-add change on deleted path")
	}
	if change.Kind == ChangeAdd && old.Kind != ChangeDelete &&
		old.Kind != ChangeReset {
		return fserrors.New(fserrors.Corrupt,
			"invalid change ordering: add change on preexisting path")
	}

	switch change.Kind {
	case ChangeReset:
		delete(folded, change.Path)
	case ChangeDelete:
		if old.Kind == ChangeAdd {
			// Added and deleted within the txn: no change at all.
			delete(folded, change.Path)
		} else {
			old.Kind = ChangeDelete
			old.TextMod = change.TextMod
			old.PropMod = change.PropMod
			old.CopyFromRev = fsid.InvalidRev
			old.CopyFromPath = ""
			old.NodeKind = change.NodeKind
		}
	case ChangeAdd, ChangeReplace:
		// An add here follows a delete, so it becomes a replace.
		old.Kind = ChangeReplace
		old.NodeRevID = change.NodeRevID.Copy()
		old.TextMod = change.TextMod
		old.PropMod = change.PropMod
		old.NodeKind = change.NodeKind
		if change.CopyFromRev.Valid() {
			old.CopyFromRev = change.CopyFromRev
			old.CopyFromPath = change.CopyFromPath
		} else {
			old.CopyFromRev = fsid.InvalidRev
			old.CopyFromPath = ""
		}
	default: // modify
		if change.TextMod {
			old.TextMod = true
		}
		if change.PropMod {
			old.PropMod = true
		}
		old.NodeKind = change.NodeKind
	}
	return nil
}
