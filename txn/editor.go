package txn

// Path-based editing operations.  Every mutation clones the path's parent
// chain into the transaction (committed nodes get txn-scoped successors)
// and records a change in the append log.

import (
	"strings"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/noderev"
)

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func canonical(path string) string {
	return "/" + strings.Trim(path, "/")
}

// Root returns the transaction's mutable root node-revision.
func (t *Txn) Root() (*noderev.NodeRev, error) {
	return t.GetNodeRev(t.rootID())
}

// makeSuccessor clones a committed node-revision into the transaction.
func (t *Txn) makeSuccessor(nr *noderev.NodeRev, copyID *fsid.IDPart) (*noderev.NodeRev, error) {
	succ := nr.Copy()
	succ.PredID = nr.ID.Copy()
	succ.PredCount++
	succ.ID = &fsid.ID{
		NodeID:  nr.ID.NodeID,
		CopyID:  nr.ID.CopyID,
		RevItem: fsid.IDPart{Rev: fsid.InvalidRev},
		Txn:     fsid.OptTxnID{TxnID: t.id, Used: true},
	}
	if copyID != nil {
		succ.ID.CopyID = *copyID
	}
	succ.IsFreshTxnRoot = false
	if err := t.PutNodeRev(succ); err != nil {
		return nil, err
	}
	return succ, nil
}

// openPath returns the mutable node-revisions of every component of path,
// root first, cloning committed nodes along the way and updating parent
// entries to point at the clones.  The final component must exist.
func (t *Txn) openPath(path string) ([]*noderev.NodeRev, error) {
	parts := splitPath(path)
	chain := make([]*noderev.NodeRev, 0, len(parts)+1)

	node, err := t.Root()
	if err != nil {
		return nil, err
	}
	chain = append(chain, node)

	walked := ""
	for _, part := range parts {
		walked += "/" + part
		if node.Kind != noderev.KindDir {
			return nil, fserrors.New(fserrors.Corrupt,
				"path component '%s' is not a directory", walked)
		}
		entries, err := t.DirEntries(node)
		if err != nil {
			return nil, err
		}
		entry, ok := entries[part]
		if !ok {
			return nil, fserrors.New(fserrors.Corrupt, "path '%s' not found", walked)
		}
		child, err := t.GetNodeRev(entry.ID)
		if err != nil {
			return nil, err
		}
		if !child.ID.IsTxn() {
			if child, err = t.makeSuccessor(child, nil); err != nil {
				return nil, err
			}
			child.CreatedPath = walked
			if err := t.PutNodeRev(child); err != nil {
				return nil, err
			}
			if err := t.SetEntry(node, part, child.ID, child.Kind); err != nil {
				return nil, err
			}
		}
		chain = append(chain, child)
		node = child
	}
	return chain, nil
}

// openParent opens the parent directory chain of path.
func (t *Txn) openParent(path string) (*noderev.NodeRev, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", fserrors.New(fserrors.Corrupt, "cannot modify the root path")
	}
	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	chain, err := t.openPath(parentPath)
	if err != nil {
		return nil, "", err
	}
	return chain[len(chain)-1], parts[len(parts)-1], nil
}

// makeNode creates a fresh node under path.  New nodes draw a txn-local
// node id and inherit the parent's copy lineage.
func (t *Txn) makeNode(path string, kind noderev.Kind) (*noderev.NodeRev, error) {
	parent, name, err := t.openParent(path)
	if err != nil {
		return nil, err
	}
	entries, err := t.DirEntries(parent)
	if err != nil {
		return nil, err
	}
	if _, exists := entries[name]; exists {
		return nil, fserrors.New(fserrors.Corrupt, "path '%s' already exists", canonical(path))
	}

	nodeID, err := t.NewNodeID()
	if err != nil {
		return nil, err
	}
	nr := &noderev.NodeRev{
		Kind: kind,
		ID: &fsid.ID{
			NodeID:  fsid.IDPart{Rev: fsid.InvalidRev, Number: nodeID},
			CopyID:  parent.ID.CopyID,
			RevItem: fsid.IDPart{Rev: fsid.InvalidRev},
			Txn:     fsid.OptTxnID{TxnID: t.id, Used: true},
		},
		CreatedPath:  canonical(path),
		CopyRootRev:  fsid.InvalidRev,
		CopyRootPath: "/",
		CopyFromRev:  fsid.InvalidRev,
	}
	if err := t.PutNodeRev(nr); err != nil {
		return nil, err
	}
	if err := t.SetEntry(parent, name, nr.ID, kind); err != nil {
		return nil, err
	}
	return nr, nil
}

// MakeFile adds an empty file at path.
func (t *Txn) MakeFile(path string) (*noderev.NodeRev, error) {
	nr, err := t.makeNode(path, noderev.KindFile)
	if err != nil {
		return nil, err
	}
	err = t.AddChange(&noderev.Change{
		Path: canonical(path), NodeRevID: nr.ID, Kind: noderev.ChangeAdd,
		NodeKind: noderev.KindFile, CopyFromRev: fsid.InvalidRev,
	})
	return nr, err
}

// MakeDir adds an empty directory at path.
func (t *Txn) MakeDir(path string) (*noderev.NodeRev, error) {
	nr, err := t.makeNode(path, noderev.KindDir)
	if err != nil {
		return nil, err
	}
	err = t.AddChange(&noderev.Change{
		Path: canonical(path), NodeRevID: nr.ID, Kind: noderev.ChangeAdd,
		NodeKind: noderev.KindDir, CopyFromRev: fsid.InvalidRev,
	})
	return nr, err
}

// DeleteEntry removes the node at path from its parent.
func (t *Txn) DeleteEntry(path string) error {
	parent, name, err := t.openParent(path)
	if err != nil {
		return err
	}
	entries, err := t.DirEntries(parent)
	if err != nil {
		return err
	}
	entry, ok := entries[name]
	if !ok {
		return fserrors.New(fserrors.Corrupt, "path '%s' not found", canonical(path))
	}
	if err := t.SetEntry(parent, name, nil, entry.Kind); err != nil {
		return err
	}
	if entry.ID.IsTxn() && entry.ID.NodeID.IsTxn() {
		// node was created in this txn; drop its scratch files
		if err := t.DeleteNodeRev(entry.ID); err != nil {
			return err
		}
	}
	return t.AddChange(&noderev.Change{
		Path: canonical(path), NodeRevID: entry.ID, Kind: noderev.ChangeDelete,
		NodeKind: entry.Kind, CopyFromRev: fsid.InvalidRev,
	})
}

// Copy copies fromPath@fromRev to toPath, starting a new copy lineage.
func (t *Txn) Copy(fromRev fsid.RevNum, fromPath, toPath string) error {
	src, err := t.repo.PathLookup(fromRev, fromPath)
	if err != nil {
		return err
	}
	if src == nil {
		return fserrors.New(fserrors.Corrupt, "copy source '%s'@r%d not found",
			canonical(fromPath), fromRev)
	}
	parent, name, err := t.openParent(toPath)
	if err != nil {
		return err
	}

	copyID, err := t.ReserveCopyID()
	if err != nil {
		return err
	}
	part := fsid.IDPart{Rev: fsid.InvalidRev, Number: copyID}
	dst, err := t.makeSuccessor(src, &part)
	if err != nil {
		return err
	}
	dst.CreatedPath = canonical(toPath)
	dst.CopyFromRev = fromRev
	dst.CopyFromPath = canonical(fromPath)
	dst.CopyRootRev = fsid.InvalidRev // resolved to the new revision at commit
	dst.CopyRootPath = canonical(toPath)
	if err := t.PutNodeRev(dst); err != nil {
		return err
	}
	if err := t.SetEntry(parent, name, dst.ID, dst.Kind); err != nil {
		return err
	}
	return t.AddChange(&noderev.Change{
		Path: canonical(toPath), NodeRevID: dst.ID, Kind: noderev.ChangeAdd,
		NodeKind: dst.Kind, CopyFromRev: fromRev, CopyFromPath: canonical(fromPath),
	})
}

// SetFileContents replaces the content of the file at path.
func (t *Txn) SetFileContents(path string, content []byte) error {
	chain, err := t.openPath(path)
	if err != nil {
		return err
	}
	nr := chain[len(chain)-1]
	if nr.Kind != noderev.KindFile {
		return fserrors.New(fserrors.Corrupt, "path '%s' is not a file", canonical(path))
	}
	w, err := t.WriteContents(nr)
	if err != nil {
		return err
	}
	if _, err := w.Write(content); err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return t.AddChange(&noderev.Change{
		Path: canonical(path), NodeRevID: nr.ID, Kind: noderev.ChangeModify,
		TextMod: true, NodeKind: noderev.KindFile, CopyFromRev: fsid.InvalidRev,
	})
}

// ChangeNodeProp sets or deletes one property of the node at path.
func (t *Txn) ChangeNodeProp(path, name string, value *string) error {
	chain, err := t.openPath(path)
	if err != nil {
		return err
	}
	nr := chain[len(chain)-1]
	props, err := t.NodeProps(nr)
	if err != nil {
		return err
	}
	if value == nil {
		delete(props, name)
	} else {
		props[name] = *value
	}
	if err := t.SetNodeProps(nr, props); err != nil {
		return err
	}
	return t.AddChange(&noderev.Change{
		Path: canonical(path), NodeRevID: nr.ID, Kind: noderev.ChangeModify,
		PropMod: true, NodeKind: nr.Kind, CopyFromRev: fsid.InvalidRev,
	})
}
