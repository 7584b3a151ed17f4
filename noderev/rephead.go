package noderev

// Every representation in a revision file starts with a one line header:
// "PLAIN" for undeltified content, "DELTA" for a delta against the empty
// stream, or "DELTA <rev> <item> <length>" naming the delta base.  The
// content bytes follow, closed by the cosmetic "ENDREP" trailer.

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
)

const EndRepMarker = "ENDREP\n"

// RepHeader describes how a representation's bytes are to be expanded.
type RepHeader struct {
	IsDelta bool
	// Delta base; IsDeltaVsEmpty when the base fields are unset.
	IsDeltaVsEmpty bool
	BaseRev        fsid.RevNum
	BaseItemIndex  uint64
	BaseLength     uint64
}

func (h *RepHeader) Write(w io.Writer) error {
	switch {
	case !h.IsDelta:
		_, err := io.WriteString(w, "PLAIN\n")
		return err
	case h.IsDeltaVsEmpty:
		_, err := io.WriteString(w, "DELTA\n")
		return err
	default:
		_, err := fmt.Fprintf(w, "DELTA %d %d %d\n",
			h.BaseRev, h.BaseItemIndex, h.BaseLength)
		return err
	}
}

// ReadRepHeader consumes the header line from br.
func ReadRepHeader(br *bufio.Reader) (*RepHeader, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fserrors.Wrap(fserrors.Corrupt, err, "reading representation header")
	}
	line = strings.TrimSuffix(line, "\n")
	if line == "PLAIN" {
		return &RepHeader{}, nil
	}
	if line == "DELTA" {
		return &RepHeader{IsDelta: true, IsDeltaVsEmpty: true}, nil
	}
	if !strings.HasPrefix(line, "DELTA ") {
		return nil, fserrors.New(fserrors.Corrupt, "malformed representation header %q", line)
	}
	fields := strings.Fields(line[len("DELTA "):])
	if len(fields) != 3 {
		return nil, fserrors.New(fserrors.Corrupt, "malformed representation header %q", line)
	}
	h := &RepHeader{IsDelta: true}
	rev, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fserrors.New(fserrors.Corrupt, "malformed delta base revision %q", fields[0])
	}
	h.BaseRev = fsid.RevNum(rev)
	if h.BaseItemIndex, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return nil, fserrors.New(fserrors.Corrupt, "malformed delta base item %q", fields[1])
	}
	if h.BaseLength, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return nil, fserrors.New(fserrors.Corrupt, "malformed delta base length %q", fields[2])
	}
	return h, nil
}
