package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/emicklei/dot"
	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/index"
	"github.com/rcowham/svnfsfs/node"
	"github.com/rcowham/svnfsfs/packedint"
	"github.com/rcowham/svnfsfs/repo"
	"github.com/rcowham/svnfsfs/txn"
)

func resolveRev(r *repo.Repo, rev int64) (fsid.RevNum, error) {
	if rev >= 0 {
		return fsid.RevNum(rev), nil
	}
	return r.YoungestRev()
}

func runInfo(path string, logger *logrus.Logger) error {
	r, err := repo.Open(path, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	youngest, err := r.YoungestRev()
	if err != nil {
		return err
	}
	txns, err := txn.List(r)
	if err != nil {
		return err
	}
	fmt.Printf("Path: %s\n", r.Path())
	fmt.Printf("Youngest revision: %d\n", youngest)
	fmt.Printf("Shard size: %d\n", r.Config().MaxFilesPerDir)
	fmt.Printf("Open transactions: %d\n", len(txns))
	for _, name := range txns {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

func runYoungest(path string, logger *logrus.Logger) error {
	r, err := repo.Open(path, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	youngest, err := r.YoungestRev()
	if err != nil {
		return err
	}
	fmt.Printf("%d\n", youngest)
	return nil
}

// runVerify sweeps the revision range through a worker pool, checking the
// index invariants of every revision.
func runVerify(path string, logger *logrus.Logger, first, last int64, workers int) error {
	r, err := repo.Open(path, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	lastRev, err := resolveRev(r, last)
	if err != nil {
		return err
	}
	if workers < 1 {
		workers = 1
	}

	pool := pond.New(workers, int(lastRev)+1)
	var mu sync.Mutex
	var firstErr error
	start := time.Now()

	for rev := fsid.RevNum(first); rev <= lastRev; rev++ {
		rev := rev
		pool.Submit(func() {
			if err := cancelCheck(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			err := index.Verify(rev, r.RevPath(rev), r.L2PIndexPath(rev),
				r.P2LIndexPath(rev), r.Config().BlockBytes)
			if err != nil {
				logger.Errorf("r%d: %v", rev, err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			logger.Debugf("r%d verified", rev)
		})
	}
	pool.StopAndWait()

	if firstErr != nil {
		return firstErr
	}
	logger.Infof("verified r%d:%d in %v", first, lastRev, time.Since(start))
	return nil
}

func runDumpIndex(path string, logger *logrus.Logger, rev int64, kind string) error {
	r, err := repo.Open(path, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	revision := fsid.RevNum(rev)

	if kind == "l2p" {
		f, err := os.Open(r.L2PIndexPath(revision))
		if err != nil {
			return err
		}
		defer f.Close()
		stream := packedint.NewReader(f, r.Config().BlockBytes)
		header, err := index.ReadL2PHeader(stream)
		if err != nil {
			return err
		}
		fmt.Printf("first revision: %d, page size: %d, revisions: %d\n",
			header.FirstRev, header.PageSize, header.RevisionCount)
		for pageNo, page := range header.PagesFor(revision) {
			offsets, err := index.ReadL2PPage(stream, page)
			if err != nil {
				return err
			}
			for slot, offset := range offsets {
				if offset < 0 {
					continue
				}
				item := uint64(pageNo)*header.PageSize + uint64(slot)
				fmt.Printf("%8d  item %d\n", offset, item)
			}
		}
		return nil
	}

	info, err := os.Stat(r.RevPath(revision))
	if err != nil {
		return err
	}
	fmt.Printf("       Start       Length Type   Revision     Item\n")
	for offset := int64(0); offset < info.Size(); {
		entry, err := r.P2LEntry(revision, offset)
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		for _, item := range entry.Items {
			fmt.Printf("%12d %12d %-10s %8d %8d\n",
				entry.Offset, entry.Size, entry.Type, item.Rev, item.Number)
		}
		offset = entry.Offset + entry.Size
	}
	return nil
}

// runLoad imports a local directory tree as the next revision.  MIME types
// of binary files are detected and recorded as svn:mime-type.
func runLoad(path string, logger *logrus.Logger, dir, target, message, username string) error {
	r, err := repo.Open(path, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	youngest, err := r.YoungestRev()
	if err != nil {
		return err
	}

	// collect the tree first so directories are created parent-first
	tree := node.NewTree()
	local := map[string]string{} // repository path -> local path
	target = "/" + strings.Trim(target, "/")
	err = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		repoPath := strings.TrimSuffix(target, "/") + "/" + filepath.ToSlash(rel)
		tree.AddFile(repoPath)
		local[repoPath] = p
		return nil
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	tx, err := txn.Begin(r, youngest, now, txn.BeginFlags{CheckLocks: username != ""})
	if err != nil {
		return err
	}
	needAbort := true
	defer func() {
		if !needAbort {
			return
		}
		if err := tx.Abort(); err != nil {
			logger.Warnf("aborting transaction: %v", err)
		}
	}()

	if err := tx.ChangeProp(txn.PropRevLog, &message); err != nil {
		return err
	}
	if username != "" {
		if err := tx.ChangeProp(txn.PropRevAuthor, &username); err != nil {
			return err
		}
	}

	for _, d := range tree.Dirs() {
		if _, err := tx.MakeDir(d); err != nil {
			return err
		}
	}
	files := tree.Files("")
	sort.Strings(files)
	for _, f := range files {
		if err := cancelCheck(); err != nil {
			return err
		}
		content, err := os.ReadFile(local[f])
		if err != nil {
			return err
		}
		if _, err := tx.MakeFile(f); err != nil {
			return err
		}
		if err := tx.SetFileContents(f, content); err != nil {
			return err
		}
		if kind, _ := filetype.Match(content); kind != filetype.Unknown {
			mime := kind.MIME.Value
			if err := tx.ChangeNodeProp(f, "svn:mime-type", &mime); err != nil {
				return err
			}
		}
	}

	rev, err := tx.Commit(txn.CommitOptions{
		Cancel: cancelCheck,
		Now:    time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
	})
	if err != nil {
		return err
	}
	needAbort = false
	logger.Infof("imported %d files as r%d", len(files), rev)
	fmt.Printf("Committed revision %d.\n", rev)
	return nil
}

func runCat(path string, logger *logrus.Logger, target string, rev int64) error {
	r, err := repo.Open(path, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	revision, err := resolveRev(r, rev)
	if err != nil {
		return err
	}
	nr, err := r.PathLookup(revision, target)
	if err != nil {
		return err
	}
	if nr == nil {
		return fmt.Errorf("path '%s' not found in r%d", target, revision)
	}
	content, err := r.RepContents(nr.TextRep)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(content)
	return err
}

func runLog(path string, logger *logrus.Logger, rev int64) error {
	r, err := repo.Open(path, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	revision, err := resolveRev(r, rev)
	if err != nil {
		return err
	}
	props, err := r.RevProps(revision)
	if err != nil {
		return err
	}
	changes, err := r.Changes(revision)
	if err != nil {
		return err
	}
	fmt.Printf("r%d | %s | %s\n", revision, props[txn.PropRevAuthor], props[txn.PropRevDate])
	if msg := props[txn.PropRevLog]; msg != "" {
		fmt.Printf("%s\n", msg)
	}
	paths := make([]string, 0, len(changes))
	for p := range changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	fmt.Printf("Changed paths:\n")
	for _, p := range paths {
		fmt.Printf("   %s %s\n", strings.ToUpper(changes[p].Kind.String()[:1]), p)
	}
	return nil
}

// runGraph emits the node history of a path: one graph node per committed
// node-revision, predecessor edges between them, and dashed edges to the
// delta base of each representation.
func runGraph(path string, logger *logrus.Logger, target, output string) error {
	r, err := repo.Open(path, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	youngest, err := r.YoungestRev()
	if err != nil {
		return err
	}
	nr, err := r.PathLookup(youngest, target)
	if err != nil {
		return err
	}
	if nr == nil {
		return fmt.Errorf("path '%s' not found in r%d", target, youngest)
	}

	g := dot.NewGraph(dot.Directed)
	var prev *dot.Node
	for nr != nil {
		label := fmt.Sprintf("r%d/%d\ncount %d", nr.ID.RevItem.Rev,
			nr.ID.RevItem.Number, nr.PredCount)
		gNode := g.Node(nr.ID.String()).Box().Attr("label", label)
		if prev != nil {
			g.Edge(*prev, gNode).Attr("label", "pred")
		}
		if nr.TextRep != nil {
			header, err := r.RepDeltaBase(nr.TextRep)
			if err == nil && header != nil && header.IsDelta && !header.IsDeltaVsEmpty {
				repNode := g.Node(fmt.Sprintf("rep r%d/%d", header.BaseRev,
					header.BaseItemIndex)).Attr("shape", "ellipse")
				g.Edge(gNode, repNode).Attr("style", "dashed").Attr("label", "delta base")
			}
		}
		prev = &gNode
		if nr.PredID == nil {
			break
		}
		if nr, err = r.ReadNodeRev(nr.PredID); err != nil {
			return err
		}
	}

	out := g.String()
	if output == "" {
		fmt.Print(out)
		return nil
	}
	return os.WriteFile(output, []byte(out), 0666)
}

func runLock(path string, logger *logrus.Logger, target, username string) error {
	r, err := repo.Open(path, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.LockPath("/"+strings.Trim(target, "/"), username); err != nil {
		return err
	}
	fmt.Printf("'%s' locked by user '%s'.\n", target, username)
	return nil
}

func runUnlock(path string, logger *logrus.Logger, target, username string, breakLock bool) error {
	r, err := repo.Open(path, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.UnlockPath("/"+strings.Trim(target, "/"), username, breakLock); err != nil {
		return err
	}
	fmt.Printf("'%s' unlocked.\n", target)
	return nil
}
