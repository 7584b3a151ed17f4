package repo

// Read-side access to committed data: node-revisions, representation
// contents (expanding delta chains), directory listings, change lists and
// revision properties.  Readers map the immutable files read-only and never
// block on writers.

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/index"
	"github.com/rcowham/svnfsfs/noderev"
	"github.com/rcowham/svnfsfs/svndiff"
)

// maximum delta chain length tolerated when expanding contents; guards
// against reference cycles in corrupt repositories
const maxChainDepth = 1024

// ReadNodeRev reads a committed node-revision.
func (r *Repo) ReadNodeRev(id *fsid.ID) (*noderev.NodeRev, error) {
	if id.IsTxn() {
		return nil, fserrors.New(fserrors.Corrupt,
			"attempted to read txn-local node revision '%s' from revision store", id)
	}
	rev := id.RevItem.Rev
	offset, err := r.ItemOffset(rev, id.RevItem.Number)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(r.RevPath(rev))
	if err != nil {
		return nil, errors.Wrap(err, "opening revision file")
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seeking to node revision")
	}
	nr, err := noderev.Read(f)
	if err != nil {
		return nil, err
	}
	return nr, nil
}

// RootNodeRev reads the root directory node-revision of rev.
func (r *Repo) RootNodeRev(rev fsid.RevNum) (*noderev.NodeRev, error) {
	return r.ReadNodeRev(&fsid.ID{
		NodeID:  fsid.IDPart{Rev: rev, Number: 0},
		CopyID:  fsid.IDPart{Rev: rev, Number: 0},
		RevItem: fsid.IDPart{Rev: rev, Number: index.ItemIndexRootNode},
	})
}

// readRepRaw returns the rep header and the Size content bytes that follow
// it for the representation at (rev, item).
func (r *Repo) readRepRaw(rev fsid.RevNum, item uint64, size uint64) (*noderev.RepHeader, []byte, error) {
	offset, err := r.ItemOffset(rev, item)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(r.RevPath(rev))
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening revision file")
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, nil, errors.Wrap(err, "seeking to representation")
	}
	br := bufio.NewReader(f)
	header, err := noderev.ReadRepHeader(br)
	if err != nil {
		return nil, nil, err
	}
	content := make([]byte, size)
	if _, err := io.ReadFull(br, content); err != nil {
		return nil, nil, fserrors.Wrap(fserrors.Corrupt, err,
			"truncated representation at r%d offset %d", rev, offset)
	}
	return header, content, nil
}

func (r *Repo) expandRep(rev fsid.RevNum, item uint64, size uint64, depth int) ([]byte, error) {
	if depth > maxChainDepth {
		return nil, fserrors.New(fserrors.Corrupt,
			"representation chain too long at r%d item %d", rev, item)
	}
	header, content, err := r.readRepRaw(rev, item, size)
	if err != nil {
		return nil, err
	}
	if !header.IsDelta {
		return content, nil
	}
	var base []byte
	if !header.IsDeltaVsEmpty {
		base, err = r.expandRep(header.BaseRev, header.BaseItemIndex,
			header.BaseLength, depth+1)
		if err != nil {
			return nil, err
		}
	}
	return svndiff.Expand(base, content)
}

// RepContents expands the full content bytes of a committed representation.
// A nil rep yields empty content.
func (r *Repo) RepContents(rep *noderev.Rep) ([]byte, error) {
	if rep == nil {
		return nil, nil
	}
	if rep.IsTxn() {
		return nil, fserrors.New(fserrors.Corrupt,
			"attempted to read txn-local representation from revision store")
	}
	return r.expandRep(rep.Rev, rep.ItemIndex, rep.Size, 0)
}

// RepDeltaBase returns the header of a committed representation, which
// names its delta base if it has one.
func (r *Repo) RepDeltaBase(rep *noderev.Rep) (*noderev.RepHeader, error) {
	header, _, err := r.readRepRaw(rep.Rev, rep.ItemIndex, 0)
	return header, err
}

// RepChainLength walks the delta bases of rep and returns the chain length;
// used to keep pathological chains bounded when choosing delta bases.
func (r *Repo) RepChainLength(rep *noderev.Rep) (int, error) {
	length := 1
	rev, item, size := rep.Rev, rep.ItemIndex, rep.Size
	for {
		if length > maxChainDepth {
			return 0, fserrors.New(fserrors.Corrupt,
				"representation chain too long at r%d item %d", rev, item)
		}
		header, _, err := r.readRepRaw(rev, item, size)
		if err != nil {
			return 0, err
		}
		if !header.IsDelta || header.IsDeltaVsEmpty {
			return length, nil
		}
		rev, item, size = header.BaseRev, header.BaseItemIndex, header.BaseLength
		length++
	}
}

// DirEntries expands and parses a committed directory's content mapping,
// sorted by name.
func (r *Repo) DirEntries(nr *noderev.NodeRev) ([]*noderev.DirEntry, error) {
	if nr.Kind != noderev.KindDir {
		return nil, fserrors.New(fserrors.Corrupt, "not a directory node")
	}
	content, err := r.RepContents(nr.TextRep)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, nil
	}
	h, err := noderev.ReadHash(strings.NewReader(string(content)))
	if err != nil {
		return nil, err
	}
	entries := make([]*noderev.DirEntry, 0, len(h))
	for name, value := range h {
		e, err := noderev.ParseDirEntry(name, value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// PathLookup walks path from the root of rev and returns its node-revision.
// Returns nil if the path does not exist in that revision.
func (r *Repo) PathLookup(rev fsid.RevNum, path string) (*noderev.NodeRev, error) {
	nr, err := r.RootNodeRev(rev)
	if err != nil {
		return nil, err
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return nr, nil
	}
	for _, part := range strings.Split(path, "/") {
		if nr.Kind != noderev.KindDir {
			return nil, nil
		}
		entries, err := r.DirEntries(nr)
		if err != nil {
			return nil, err
		}
		var next *noderev.DirEntry
		for _, e := range entries {
			if e.Name == part {
				next = e
				break
			}
		}
		if next == nil {
			return nil, nil
		}
		if nr, err = r.ReadNodeRev(next.ID); err != nil {
			return nil, err
		}
	}
	return nr, nil
}

// Changes returns the folded changed-path list of a committed revision.
func (r *Repo) Changes(rev fsid.RevNum) (map[string]*noderev.Change, error) {
	offset, err := r.ItemOffset(rev, index.ItemIndexChanges)
	if err != nil {
		return nil, err
	}
	entry, err := r.P2LEntry(rev, offset)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Type != index.TypeChanges {
		return nil, fserrors.New(fserrors.IndexCorruption,
			"changes block of r%d not present in phys-to-log index", rev)
	}
	f, err := os.Open(r.RevPath(rev))
	if err != nil {
		return nil, errors.Wrap(err, "opening revision file")
	}
	defer f.Close()
	if _, err := f.Seek(entry.Offset, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seeking to changes block")
	}
	// the block ends with the terminating blank line
	raw := make([]byte, entry.Size-1)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fserrors.Wrap(fserrors.Corrupt, err, "truncated changes block in r%d", rev)
	}
	changes, err := noderev.ReadChanges(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}
	// committed blocks are already folded and may be in any order
	return noderev.FoldChanges(changes, true)
}

// RevProps reads the revision property hash of rev.
func (r *Repo) RevProps(rev fsid.RevNum) (map[string]string, error) {
	f, err := os.Open(r.RevPropsPath(rev))
	if err != nil {
		return nil, errors.Wrap(err, "opening revision properties")
	}
	defer f.Close()
	return noderev.ReadHash(f)
}
