package index

// Proto index files collect raw mapping entries in the order the writer
// produces them.  Records are fixed-size little-endian so that a crashed
// writer leaves at worst one torn record at the tail.
//
// Log-to-phys proto records are two uint64s: the offset plus one (zero
// marks a revision boundary; offset -1, "unused", is representable) and the
// item index.  Phys-to-log proto records are four uint64s (offset, size,
// type, item count) followed by the items as (revision+1, number) pairs.

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
)

// ProtoL2P appends log-to-phys proto entries.
type ProtoL2P struct {
	f *os.File
}

// OpenProtoL2P opens (creating if needed) a proto index for append.
func OpenProtoL2P(path string) (*ProtoL2P, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "opening log-to-phys proto index")
	}
	return &ProtoL2P{f: f}, nil
}

func (p *ProtoL2P) writePair(a, b uint64) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], a)
	binary.LittleEndian.PutUint64(buf[8:], b)
	_, err := p.f.Write(buf[:])
	return errors.Wrap(err, "writing log-to-phys proto entry")
}

// AddRevision marks the boundary before the entries of the next revision.
func (p *ProtoL2P) AddRevision() error {
	return p.writePair(0, 0)
}

// AddEntry records that itemIndex lives at offset.  offset may be -1 to mark
// an unused index explicitly.
func (p *ProtoL2P) AddEntry(offset int64, itemIndex uint64) error {
	if offset < -1 {
		return fserrors.New(fserrors.Corrupt, "invalid offset %d in proto index", offset)
	}
	return p.writePair(uint64(offset)+1, itemIndex)
}

func (p *ProtoL2P) Close() error {
	return p.f.Close()
}

type protoL2PEntry struct {
	offsetPlusOne uint64
	itemIndex     uint64
}

// readProtoL2P streams all proto entries to fn in file order.
func readProtoL2P(path string, fn func(protoL2PEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening log-to-phys proto index")
	}
	defer f.Close()
	var buf [16]byte
	for {
		_, err := io.ReadFull(f, buf[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fserrors.Wrap(fserrors.Corrupt, err, "truncated log-to-phys proto index")
		}
		e := protoL2PEntry{
			offsetPlusOne: binary.LittleEndian.Uint64(buf[0:]),
			itemIndex:     binary.LittleEndian.Uint64(buf[8:]),
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// ProtoL2PLookup finds the proto-rev offset recorded for itemIndex, or -1.
// Used to resolve item indexes inside an uncommitted transaction.
func ProtoL2PLookup(path string, itemIndex uint64) (int64, error) {
	result := int64(-1)
	err := readProtoL2P(path, func(e protoL2PEntry) error {
		if e.offsetPlusOne != 0 && e.itemIndex == itemIndex {
			result = int64(e.offsetPlusOne) - 1
		}
		return nil
	})
	return result, err
}

// ProtoP2L appends phys-to-log proto entries.
type ProtoP2L struct {
	f *os.File
}

func OpenProtoP2L(path string) (*ProtoP2L, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "opening phys-to-log proto index")
	}
	return &ProtoP2L{f: f}, nil
}

// AddEntry appends e.  Entries must be added in ascending offset order and
// must not leave ranges uncovered; this is verified when the final index is
// built.  Item revisions may be the invalid sentinel and are resolved to
// the committed revision at build time.
func (p *ProtoP2L) AddEntry(e *Entry) error {
	buf := make([]byte, 32+16*len(e.Items))
	binary.LittleEndian.PutUint64(buf[0:], uint64(e.Offset))
	binary.LittleEndian.PutUint64(buf[8:], uint64(e.Size))
	binary.LittleEndian.PutUint64(buf[16:], uint64(e.Type))
	binary.LittleEndian.PutUint64(buf[24:], uint64(len(e.Items)))
	for i, item := range e.Items {
		binary.LittleEndian.PutUint64(buf[32+16*i:], uint64(item.Rev)+1)
		binary.LittleEndian.PutUint64(buf[40+16*i:], item.Number)
	}
	_, err := p.f.Write(buf)
	return errors.Wrap(err, "writing phys-to-log proto entry")
}

func (p *ProtoP2L) Close() error {
	return p.f.Close()
}

// readProtoP2L streams all proto entries to fn in file order.
func readProtoP2L(path string, fn func(*Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening phys-to-log proto index")
	}
	defer f.Close()
	var head [32]byte
	for {
		_, err := io.ReadFull(f, head[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fserrors.Wrap(fserrors.Corrupt, err, "truncated phys-to-log proto index")
		}
		e := &Entry{
			Offset: int64(binary.LittleEndian.Uint64(head[0:])),
			Size:   int64(binary.LittleEndian.Uint64(head[8:])),
			Type:   ItemType(binary.LittleEndian.Uint64(head[16:])),
		}
		count := binary.LittleEndian.Uint64(head[24:])
		items := make([]byte, 16*count)
		if _, err := io.ReadFull(f, items); err != nil {
			return fserrors.Wrap(fserrors.Corrupt, err, "truncated phys-to-log proto entry")
		}
		for i := uint64(0); i < count; i++ {
			e.Items = append(e.Items, fsid.IDPart{
				Rev:    fsid.RevNum(int64(binary.LittleEndian.Uint64(items[16*i:])) - 1),
				Number: binary.LittleEndian.Uint64(items[16*i+8:]),
			})
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// ProtoP2LNextOffset returns the first offset behind the last proto entry,
// 0 for an empty file.
func ProtoP2LNextOffset(path string) (int64, error) {
	next := int64(0)
	err := readProtoP2L(path, func(e *Entry) error {
		next = e.Offset + e.Size
		return nil
	})
	if err != nil && os.IsNotExist(errors.Cause(err)) {
		return 0, nil
	}
	return next, err
}
