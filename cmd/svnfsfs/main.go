package main

// svnfsfs program
// Administration tool for FSFS-backed repositories: create and inspect
// repositories, import directory trees as new revisions, verify the
// revision indexes and dump their contents.

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/repo"
)

// Version information (set via ldflags during build)
var version = "dev"

// cancelled is flipped by SIGINT/SIGTERM and polled by long operations.
var cancelled atomic.Bool

func cancelCheck() error {
	if cancelled.Load() {
		return fserrors.New(fserrors.Cancelled, "caught termination signal")
	}
	return nil
}

// printError writes one "svn: E<code>: <message>" line per chain level.
// Without verbose only the outermost level is shown.
func printError(err error, verbose bool) {
	for err != nil {
		var e *fserrors.E
		if errors.As(err, &e) {
			fmt.Fprintf(os.Stderr, "svn: E%d: %s\n", e.Code, e.Msg)
			err = e.Cause
		} else {
			fmt.Fprintf(os.Stderr, "svn: E%d: %v\n", fserrors.MalformedFile, err)
			err = nil
		}
		if !verbose {
			return
		}
	}
}

func main() {
	var (
		repoPath = kingpin.Flag(
			"repository",
			"Path to the repository.",
		).Short('r').Default(".").String()
		username = kingpin.Flag(
			"username",
			"Identity to operate as (recorded as svn:author, checked against path locks).",
		).String()
		nonInteractive = kingpin.Flag(
			"non-interactive",
			"Do no interactive prompting.",
		).Bool()
		verbose = kingpin.Flag(
			"verbose",
			"Print the full error chain on failure.",
		).Short('v').Bool()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Default("0").Int()
		profileFlag = kingpin.Flag(
			"profile",
			"Write a CPU profile for this run.",
		).Bool()

		cmdCreate     = kingpin.Command("create", "Create a new empty repository.")
		cmdInfo       = kingpin.Command("info", "Print repository information.")
		cmdYoungest   = kingpin.Command("youngest", "Print the youngest revision.")
		cmdVerify     = kingpin.Command("verify", "Verify the revision indexes.")
		verifyFrom    = cmdVerify.Flag("first", "First revision to verify.").Default("0").Int64()
		verifyTo      = cmdVerify.Flag("last", "Last revision to verify (-1 means youngest).").Default("-1").Int64()
		verifyWorkers = cmdVerify.Flag("workers", "Concurrent verification workers.").Default("4").Int()

		cmdDumpIndex  = kingpin.Command("dump-index", "Dump the index contents of a revision.")
		dumpIndexRev  = cmdDumpIndex.Arg("revision", "Revision to dump.").Required().Int64()
		dumpIndexKind = cmdDumpIndex.Flag("kind", "Which index to dump: l2p or p2l.").Default("p2l").Enum("l2p", "p2l")

		cmdLoad    = kingpin.Command("load", "Import a directory tree as the next revision.")
		loadDir    = cmdLoad.Arg("directory", "Local directory to import.").Required().ExistingDir()
		loadTarget = cmdLoad.Flag("target", "Repository path to import into.").Default("/").String()
		loadMsg    = cmdLoad.Flag("message", "Log message.").Short('m').Default("imported").String()

		cmdCat    = kingpin.Command("cat", "Print the content of a file at a revision.")
		catPath   = cmdCat.Arg("path", "Repository path.").Required().String()
		catRev    = cmdCat.Flag("revision", "Revision (-1 means youngest).").Default("-1").Int64()

		cmdLog    = kingpin.Command("log", "Show revision properties and changed paths.")
		logRev    = cmdLog.Flag("revision", "Revision (-1 means youngest).").Default("-1").Int64()

		cmdGraph  = kingpin.Command("graph", "Write the node history of a path as a graphviz DOT graph.")
		graphPath = cmdGraph.Arg("path", "Repository path.").Required().String()
		graphOut  = cmdGraph.Flag("output", "DOT file to write (default stdout).").Short('o').String()

		cmdLock    = kingpin.Command("lock", "Lock a path.")
		lockPath   = cmdLock.Arg("path", "Repository path to lock.").Required().String()
		cmdUnlock  = kingpin.Command("unlock", "Unlock a path.")
		unlockPath = cmdUnlock.Arg("path", "Repository path to unlock.").Required().String()
		breakLock  = cmdUnlock.Flag("break", "Break somebody else's lock.").Bool()
	)

	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Administration tool for FSFS-backed repositories\n"
	kingpin.HelpFlag.Short('h')
	command := kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}
	_ = *nonInteractive // accepted for CLI parity; this tool never prompts

	if *profileFlag {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancelled.Store(true)
	}()

	var err error
	switch command {
	case cmdCreate.FullCommand():
		_, err = repo.Create(*repoPath, nil, logger)
	case cmdInfo.FullCommand():
		err = runInfo(*repoPath, logger)
	case cmdYoungest.FullCommand():
		err = runYoungest(*repoPath, logger)
	case cmdVerify.FullCommand():
		err = runVerify(*repoPath, logger, *verifyFrom, *verifyTo, *verifyWorkers)
	case cmdDumpIndex.FullCommand():
		err = runDumpIndex(*repoPath, logger, *dumpIndexRev, *dumpIndexKind)
	case cmdLoad.FullCommand():
		err = runLoad(*repoPath, logger, *loadDir, *loadTarget, *loadMsg, *username)
	case cmdCat.FullCommand():
		err = runCat(*repoPath, logger, *catPath, *catRev)
	case cmdLog.FullCommand():
		err = runLog(*repoPath, logger, *logRev)
	case cmdGraph.FullCommand():
		err = runGraph(*repoPath, logger, *graphPath, *graphOut)
	case cmdLock.FullCommand():
		err = runLock(*repoPath, logger, *lockPath, *username)
	case cmdUnlock.FullCommand():
		err = runUnlock(*repoPath, logger, *unlockPath, *username, *breakLock)
	}
	if err != nil {
		printError(err, *verbose)
		os.Exit(1)
	}
}
