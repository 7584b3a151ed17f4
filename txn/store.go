// Package txn implements write transactions: the per-transaction scratch
// directory, the editing operations that fill it, and the commit pipeline
// that promotes it to an immutable revision.
package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/index"
	"github.com/rcowham/svnfsfs/noderev"
	"github.com/rcowham/svnfsfs/repo"
)

// Names of the files inside a transaction directory.  Node-revision records
// and their side files are named after the node and copy id parts, which
// are unique within the transaction.
const (
	fileProps     = "props"
	fileNextIDs   = "next-ids"
	fileChanges   = "changes"
	fileItemIndex = "item-index"
	fileProtoRev  = "rev"
	fileRevLock   = "rev-lock"
)

// Temporary transaction properties representing begin-time flags; they are
// stripped again when the transaction is promoted to a revision.
const (
	PropCheckOOD   = "svn:check-ood"
	PropCheckLocks = "svn:check-locks"
	PropRevDate    = "svn:date"
	PropRevAuthor  = "svn:author"
	PropRevLog     = "svn:log"
)

// BeginFlags control the optional commit-time checks of a transaction.
type BeginFlags struct {
	CheckOOD   bool
	CheckLocks bool
}

// Txn is an open write transaction.
type Txn struct {
	repo    *repo.Repo
	id      fsid.TxnID
	baseRev fsid.RevNum
	logger  *logrus.Logger
}

func (t *Txn) ID() fsid.TxnID       { return t.id }
func (t *Txn) BaseRev() fsid.RevNum { return t.baseRev }
func (t *Txn) dir() string          { return t.repo.TxnDir(t.id) }

func (t *Txn) nodeFileName(id *fsid.ID) string {
	return "node." + id.NodeID.String() + "." + id.CopyID.String()
}

func (t *Txn) nodePath(id *fsid.ID) string {
	return filepath.Join(t.dir(), t.nodeFileName(id))
}

func (t *Txn) childrenPath(id *fsid.ID) string { return t.nodePath(id) + ".children" }
func (t *Txn) nodePropsPath(id *fsid.ID) string { return t.nodePath(id) + ".props" }
func (t *Txn) sha1Path(sha1hex string) string   { return filepath.Join(t.dir(), sha1hex) }
func (t *Txn) protoRevPath() string             { return filepath.Join(t.dir(), fileProtoRev) }
func (t *Txn) propsPath() string                { return filepath.Join(t.dir(), fileProps) }
func (t *Txn) protoL2PPath() string             { return filepath.Join(t.dir(), "index.l2p") }
func (t *Txn) protoP2LPath() string             { return filepath.Join(t.dir(), "index.p2l") }

// rootID returns the id of the transaction's root node-revision.  The root
// node lineage is fixed: node 0, copy 0 of revision 0.
func (t *Txn) rootID() *fsid.ID {
	return &fsid.ID{
		NodeID:  fsid.IDPart{Rev: 0, Number: 0},
		CopyID:  fsid.IDPart{Rev: 0, Number: 0},
		RevItem: fsid.IDPart{Rev: fsid.InvalidRev},
		Txn:     fsid.OptTxnID{TxnID: t.id, Used: true},
	}
}

// Begin creates a new transaction based on baseRev: allocates the sequence
// number, lays out the scratch directory and seeds the root node-revision
// from the base revision's root.
func Begin(r *repo.Repo, baseRev fsid.RevNum, now string, flags BeginFlags) (*Txn, error) {
	t := &Txn{repo: r, baseRev: baseRev, logger: r.Logger()}

	// bump the repository-wide sequence under the txn-current lock
	err := r.WithTxnCurrentLock(func() error {
		content, err := os.ReadFile(r.TxnCurrentPath())
		if err != nil {
			return errors.Wrap(err, "reading txn-current")
		}
		seq, err := fsid.ParseBase36(strings.TrimSpace(string(content)))
		if err != nil {
			return err
		}
		tmp := r.TxnCurrentPath() + ".tmp"
		next := fsid.Base36(seq+1) + "\n"
		if err := os.WriteFile(tmp, []byte(next), 0666); err != nil {
			return errors.Wrap(err, "writing txn-current temp file")
		}
		if err := os.Rename(tmp, r.TxnCurrentPath()); err != nil {
			return errors.Wrap(err, "renaming txn-current")
		}
		t.id = fsid.TxnID{BaseRev: baseRev, Seq: seq}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := os.Mkdir(t.dir(), 0777); err != nil {
		return nil, errors.Wrap(err, "creating transaction directory")
	}
	for _, f := range []struct{ name, content string }{
		{fileProtoRev, ""},
		{fileRevLock, ""},
		{fileChanges, ""},
		{fileNextIDs, "0 0\n"},
	} {
		if err := os.WriteFile(filepath.Join(t.dir(), f.name), []byte(f.content), 0666); err != nil {
			return nil, errors.Wrapf(err, "creating %s", f.name)
		}
	}

	// seed the txn root from the base revision's root
	base, err := r.RootNodeRev(baseRev)
	if err != nil {
		return nil, err
	}
	root := base.Copy()
	root.PredID = base.ID.Copy()
	root.PredCount++
	root.CopyFromRev = fsid.InvalidRev
	root.CopyFromPath = ""
	root.ID = t.rootID()
	root.IsFreshTxnRoot = true
	if err := t.PutNodeRev(root); err != nil {
		return nil, err
	}

	props := map[string]string{PropRevDate: now}
	if flags.CheckOOD {
		props[PropCheckOOD] = "true"
	}
	if flags.CheckLocks {
		props[PropCheckLocks] = "true"
	}
	if err := t.writeProps(props); err != nil {
		return nil, err
	}

	t.logger.Debugf("began transaction %s at r%d", t.id, baseRev)
	return t, nil
}

// Open returns a handle to an existing transaction.
func Open(r *repo.Repo, name string) (*Txn, error) {
	id, err := fsid.ParseTxnID(name)
	if err != nil {
		return nil, fserrors.New(fserrors.NoSuchTransaction, "no such transaction '%s'", name)
	}
	t := &Txn{repo: r, id: id, baseRev: id.BaseRev, logger: r.Logger()}
	if info, err := os.Stat(t.dir()); err != nil || !info.IsDir() {
		return nil, fserrors.New(fserrors.NoSuchTransaction, "no such transaction '%s'", name)
	}
	return t, nil
}

// List returns the names of all open transactions.
func List(r *repo.Repo) ([]string, error) {
	entries, err := os.ReadDir(r.TxnsDir())
	if err != nil {
		return nil, errors.Wrap(err, "listing transactions")
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() && strings.HasSuffix(name, ".txn") {
			names = append(names, strings.TrimSuffix(name, ".txn"))
		}
	}
	return names, nil
}

// Abort removes the transaction directory and its shared state.  Nothing
// outside the scratch directory has been touched yet, so this is always
// safe.
func (t *Txn) Abort() error {
	if err := os.RemoveAll(t.dir()); err != nil {
		return errors.Wrap(err, "removing transaction directory")
	}
	t.repo.PurgeSharedTxn(t.id)
	t.logger.Debugf("aborted transaction %s", t.id)
	return nil
}

// NewNodeID draws the next txn-local node id from the next-ids file.
func (t *Txn) NewNodeID() (uint64, error) {
	nodeID, copyID, err := t.readNextIDs()
	if err != nil {
		return 0, err
	}
	if err := t.writeNextIDs(nodeID+1, copyID); err != nil {
		return 0, err
	}
	return nodeID, nil
}

// ReserveCopyID draws the next txn-local copy id.
func (t *Txn) ReserveCopyID() (uint64, error) {
	nodeID, copyID, err := t.readNextIDs()
	if err != nil {
		return 0, err
	}
	if err := t.writeNextIDs(nodeID, copyID+1); err != nil {
		return 0, err
	}
	return copyID, nil
}

func (t *Txn) readNextIDs() (uint64, uint64, error) {
	content, err := os.ReadFile(filepath.Join(t.dir(), fileNextIDs))
	if err != nil {
		return 0, 0, errors.Wrap(err, "reading next-ids")
	}
	fields := strings.Fields(string(content))
	if len(fields) != 2 {
		return 0, 0, fserrors.New(fserrors.Corrupt, "corrupt next-ids file")
	}
	nodeID, err := fsid.ParseBase36(fields[0])
	if err != nil {
		return 0, 0, err
	}
	copyID, err := fsid.ParseBase36(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return nodeID, copyID, nil
}

func (t *Txn) writeNextIDs(nodeID, copyID uint64) error {
	content := fsid.Base36(nodeID) + " " + fsid.Base36(copyID) + "\n"
	return errors.Wrap(
		os.WriteFile(filepath.Join(t.dir(), fileNextIDs), []byte(content), 0666),
		"writing next-ids")
}

// AllocateItemIndex assigns the next item index to the data at offset in
// the proto-rev file and records the mapping in the proto log-to-phys
// index.  Values below the first user index are reserved.
func (t *Txn) AllocateItemIndex(offset int64) (uint64, error) {
	path := filepath.Join(t.dir(), fileItemIndex)
	itemIndex := index.ItemIndexFirstUser
	content, err := os.ReadFile(path)
	if err == nil && len(content) > 0 {
		if itemIndex, err = fsid.ParseBase36(strings.TrimSpace(string(content))); err != nil {
			return 0, err
		}
	} else if err != nil && !os.IsNotExist(err) {
		return 0, errors.Wrap(err, "reading item-index")
	}
	if err := os.WriteFile(path, []byte(fsid.Base36(itemIndex+1)), 0666); err != nil {
		return 0, errors.Wrap(err, "writing item-index")
	}
	if err := t.storeL2PIndexEntry(offset, itemIndex); err != nil {
		return 0, err
	}
	return itemIndex, nil
}

func (t *Txn) storeL2PIndexEntry(offset int64, itemIndex uint64) error {
	proto, err := index.OpenProtoL2P(t.protoL2PPath())
	if err != nil {
		return err
	}
	if err := proto.AddEntry(offset, itemIndex); err != nil {
		proto.Close()
		return err
	}
	return proto.Close()
}

func (t *Txn) storeP2LIndexEntry(entry *index.Entry) error {
	proto, err := index.OpenProtoP2L(t.protoP2LPath())
	if err != nil {
		return err
	}
	if err := proto.AddEntry(entry); err != nil {
		proto.Close()
		return err
	}
	return proto.Close()
}

// PutNodeRev writes a txn-local node-revision record.
func (t *Txn) PutNodeRev(nr *noderev.NodeRev) error {
	if !nr.ID.IsTxn() {
		return fserrors.New(fserrors.Corrupt,
			"attempted to write non-transaction node revision '%s'", nr.ID)
	}
	f, err := os.Create(t.nodePath(nr.ID))
	if err != nil {
		return errors.Wrap(err, "writing node revision")
	}
	if err := nr.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// GetNodeRev reads a node-revision, from the scratch directory for
// txn-local ids and from the revision store otherwise.
func (t *Txn) GetNodeRev(id *fsid.ID) (*noderev.NodeRev, error) {
	if !id.IsTxn() {
		return t.repo.ReadNodeRev(id)
	}
	f, err := os.Open(t.nodePath(id))
	if err != nil {
		return nil, fserrors.Wrap(fserrors.Corrupt, err,
			"missing node revision '%s' in transaction '%s'", id, t.id)
	}
	defer f.Close()
	return noderev.Read(f)
}

// DeleteNodeRev removes a txn-local node-revision and its side files; used
// when a node added earlier in the txn is deleted again.
func (t *Txn) DeleteNodeRev(id *fsid.ID) error {
	os.Remove(t.childrenPath(id))
	os.Remove(t.nodePropsPath(id))
	t.repo.TxnDirCachePatch(t.id, t.nodeFileName(id), "", nil)
	return errors.Wrap(os.Remove(t.nodePath(id)), "removing node revision")
}

// Props returns the transaction property hash, bootstrapping an empty one
// if the props file does not exist yet.
func (t *Txn) Props() (map[string]string, error) {
	f, err := os.Open(filepath.Join(t.dir(), fileProps))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening txn props")
	}
	defer f.Close()
	return noderev.ReadHash(f)
}

// ChangeProps applies a set of property changes; nil values delete.
func (t *Txn) ChangeProps(changes map[string]*string) error {
	props, err := t.Props()
	if err != nil {
		return err
	}
	for name, value := range changes {
		if value == nil {
			delete(props, name)
		} else {
			props[name] = *value
		}
	}
	return t.writeProps(props)
}

// ChangeProp sets or deletes a single transaction property.
func (t *Txn) ChangeProp(name string, value *string) error {
	return t.ChangeProps(map[string]*string{name: value})
}

func (t *Txn) writeProps(props map[string]string) error {
	tmp := filepath.Join(t.dir(), fileProps+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "writing txn props")
	}
	if err := noderev.WriteHash(f, props); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp, filepath.Join(t.dir(), fileProps)), "renaming txn props")
}

// AddChange appends one record to the transaction's change log.
func (t *Txn) AddChange(c *noderev.Change) error {
	f, err := os.OpenFile(filepath.Join(t.dir(), fileChanges),
		os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return errors.Wrap(err, "opening changes file")
	}
	cw := noderev.NewChangeWriter(f)
	if err := cw.Write(c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ChangedPaths folds the transaction's change log into its minimal form.
func (t *Txn) ChangedPaths() (map[string]*noderev.Change, error) {
	f, err := os.Open(filepath.Join(t.dir(), fileChanges))
	if err != nil {
		return nil, errors.Wrap(err, "opening changes file")
	}
	defer f.Close()
	log, err := noderev.ReadChanges(f)
	if err != nil {
		return nil, err
	}
	return noderev.FoldChanges(log, false)
}

// DirEntries lists a directory's entries, merging the base content with the
// incremental mutation log of this transaction.  Mutated directories are
// served from the per-txn cache when possible.
func (t *Txn) DirEntries(nr *noderev.NodeRev) (map[string]*noderev.DirEntry, error) {
	if nr.Kind != noderev.KindDir {
		return nil, fserrors.New(fserrors.Corrupt, "not a directory node")
	}
	if nr.TextRep != nil && !nr.TextRep.IsTxn() || nr.TextRep == nil && !nr.ID.IsTxn() {
		// unmodified directory: plain committed content
		entries, err := t.repo.DirEntries(nr)
		if err != nil {
			return nil, err
		}
		m := make(map[string]*noderev.DirEntry, len(entries))
		for _, e := range entries {
			m[e.Name] = e
		}
		return m, nil
	}

	cacheKey := t.nodeFileName(nr.ID)
	if cached, ok := t.repo.TxnDirCacheGet(t.id, cacheKey); ok {
		return cached, nil
	}

	raw := map[string]string{}
	f, err := os.Open(t.childrenPath(nr.ID))
	if err == nil {
		err = noderev.ApplyIncremental(raw, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "opening children file")
	}
	entries := make(map[string]*noderev.DirEntry, len(raw))
	for name, value := range raw {
		e, err := noderev.ParseDirEntry(name, value)
		if err != nil {
			return nil, err
		}
		entries[name] = e
	}
	t.repo.TxnDirCachePut(t.id, cacheKey, entries)
	return entries, nil
}

// SetEntry adds, replaces or (with a nil id) removes one entry of a
// mutable directory.  On the first mutation the directory's current
// content is dumped into the incremental children file and its data rep is
// marked mutable.
func (t *Txn) SetEntry(parent *noderev.NodeRev, name string, id *fsid.ID, kind noderev.Kind) error {
	if !parent.ID.IsTxn() {
		return fserrors.New(fserrors.Corrupt,
			"attempted to set entry in non-transaction directory '%s'", parent.ID)
	}
	childrenPath := t.childrenPath(parent.ID)

	if parent.TextRep == nil || !parent.TextRep.IsTxn() {
		// first mutation: dump the current content, then mark mutable
		entries, err := t.DirEntries(parent)
		if err != nil {
			return err
		}
		f, err := os.Create(childrenPath)
		if err != nil {
			return errors.Wrap(err, "creating children file")
		}
		names := make([]string, 0, len(entries))
		for n := range entries {
			names = append(names, n)
		}
		for _, n := range names {
			e := entries[n]
			if err := noderev.WriteHashEntry(f, n, noderev.UnparseDirEntry(e.Kind, e.ID)); err != nil {
				f.Close()
				return err
			}
		}
		if err := f.Close(); err != nil {
			return err
		}

		rep := &noderev.Rep{
			Rev: fsid.InvalidRev,
			Txn: fsid.OptTxnID{TxnID: t.id, Used: true},
		}
		if err := t.setUniquifier(rep); err != nil {
			return err
		}
		parent.TextRep = rep
		if err := t.PutNodeRev(parent); err != nil {
			return err
		}
		t.repo.TxnDirCachePut(t.id, t.nodeFileName(parent.ID), entries)
	}

	f, err := os.OpenFile(childrenPath, os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return errors.Wrap(err, "opening children file")
	}
	defer f.Close()

	if id != nil {
		if err := noderev.WriteHashEntry(f, name,
			noderev.UnparseDirEntry(kind, id)); err != nil {
			return err
		}
		t.repo.TxnDirCachePatch(t.id, t.nodeFileName(parent.ID), name,
			&noderev.DirEntry{Name: name, Kind: kind, ID: id.Copy()})
	} else {
		if err := noderev.WriteHashDelete(f, name); err != nil {
			return err
		}
		t.repo.TxnDirCachePatch(t.id, t.nodeFileName(parent.ID), name, nil)
	}
	return nil
}

// setUniquifier tags a new mutable rep so identical unshared reps stay
// distinguishable within the transaction.
func (t *Txn) setUniquifier(rep *noderev.Rep) error {
	n, err := t.NewNodeID()
	if err != nil {
		return err
	}
	rep.Uniquifier = noderev.Uniquifier{Txn: t.id, Number: n}
	return nil
}

// NodeProps reads the mutable property list of a node, falling back to the
// committed prop rep.
func (t *Txn) NodeProps(nr *noderev.NodeRev) (map[string]string, error) {
	if nr.PropRep != nil && nr.PropRep.IsTxn() {
		f, err := os.Open(t.nodePropsPath(nr.ID))
		if err != nil {
			return nil, errors.Wrap(err, "opening node props")
		}
		defer f.Close()
		return noderev.ReadHash(f)
	}
	if nr.PropRep == nil {
		return map[string]string{}, nil
	}
	content, err := t.repo.RepContents(nr.PropRep)
	if err != nil {
		return nil, err
	}
	return noderev.ReadHash(strings.NewReader(string(content)))
}

// SetNodeProps replaces the property list of a txn-local node.
func (t *Txn) SetNodeProps(nr *noderev.NodeRev, props map[string]string) error {
	if !nr.ID.IsTxn() {
		return fserrors.New(fserrors.Corrupt,
			"attempted to set props on non-transaction node '%s'", nr.ID)
	}
	f, err := os.Create(t.nodePropsPath(nr.ID))
	if err != nil {
		return errors.Wrap(err, "writing node props")
	}
	if err := noderev.WriteHash(f, props); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if nr.PropRep == nil || !nr.PropRep.IsTxn() {
		rep := &noderev.Rep{
			Rev: fsid.InvalidRev,
			Txn: fsid.OptTxnID{TxnID: t.id, Used: true},
		}
		if err := t.setUniquifier(rep); err != nil {
			return err
		}
		nr.PropRep = rep
		return t.PutNodeRev(nr)
	}
	return nil
}

// Username returns the committing identity recorded in the txn props.
func (t *Txn) Username() (string, error) {
	props, err := t.Props()
	if err != nil {
		return "", err
	}
	return props[PropRevAuthor], nil
}

func (t *Txn) String() string {
	return fmt.Sprintf("txn %s (base r%d)", t.id, t.baseRev)
}
