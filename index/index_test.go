package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/fsid"
	"github.com/rcowham/svnfsfs/packedint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupL2P(t *testing.T, path string, rev fsid.RevNum, item uint64) (int64, error) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r := packedint.NewReader(f, 0x10000)
	h, err := ReadL2PHeader(r)
	require.NoError(t, err)
	entry, _, slot, err := h.PageInfo(rev, item)
	if err != nil {
		return 0, err
	}
	page, err := ReadL2PPage(r, entry)
	if err != nil {
		return 0, err
	}
	return PageValue(page, slot, rev, item)
}

// The index round trip of the two-revision proto file: offsets 0 and 17 for
// items 2 and 3 of the first revision, offset 42 for item 2 of the second.
func TestL2PRoundTrip(t *testing.T) {
	dir := t.TempDir()
	protoPath := filepath.Join(dir, "index.l2p.proto")
	finalPath := filepath.Join(dir, "index.l2p")

	proto, err := OpenProtoL2P(protoPath)
	require.NoError(t, err)
	require.NoError(t, proto.AddEntry(0, 2))
	require.NoError(t, proto.AddEntry(17, 3))
	require.NoError(t, proto.AddRevision())
	require.NoError(t, proto.AddEntry(42, 2))
	require.NoError(t, proto.Close())

	require.NoError(t, CreateL2P(finalPath, protoPath, 10, 8192))

	off, err := lookupL2P(t, finalPath, 10, 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), off)

	off, err = lookupL2P(t, finalPath, 10, 3)
	assert.NoError(t, err)
	assert.Equal(t, int64(17), off)

	off, err = lookupL2P(t, finalPath, 11, 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), off)

	_, err = lookupL2P(t, finalPath, 10, 0)
	assert.True(t, fserrors.IsCode(err, fserrors.ItemIndexOverflow), "got %v", err)

	_, err = lookupL2P(t, finalPath, 12, 0)
	assert.True(t, fserrors.IsCode(err, fserrors.ItemIndexRevision), "got %v", err)

	// the final index is read-only
	info, err := os.Stat(finalPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0444), info.Mode().Perm())
}

func TestL2PMultiPage(t *testing.T) {
	dir := t.TempDir()
	protoPath := filepath.Join(dir, "index.l2p.proto")
	finalPath := filepath.Join(dir, "index.l2p")

	proto, err := OpenProtoL2P(protoPath)
	require.NoError(t, err)
	const pageSize = 8
	for i := uint64(0); i < 37; i++ {
		require.NoError(t, proto.AddEntry(int64(i)*100, i))
	}
	require.NoError(t, proto.Close())
	require.NoError(t, CreateL2P(finalPath, protoPath, 5, pageSize))

	for i := uint64(0); i < 37; i++ {
		off, err := lookupL2P(t, finalPath, 5, i)
		assert.NoError(t, err)
		assert.Equal(t, int64(i)*100, off)
	}
	_, err = lookupL2P(t, finalPath, 5, 37)
	assert.True(t, fserrors.IsCode(err, fserrors.ItemIndexOverflow))
	_, err = lookupL2P(t, finalPath, 5, 4000)
	assert.True(t, fserrors.IsCode(err, fserrors.ItemIndexOverflow))
}

func TestProtoL2PLookup(t *testing.T) {
	dir := t.TempDir()
	protoPath := filepath.Join(dir, "index.l2p.proto")
	proto, err := OpenProtoL2P(protoPath)
	require.NoError(t, err)
	require.NoError(t, proto.AddEntry(10, 3))
	require.NoError(t, proto.AddEntry(99, 4))
	require.NoError(t, proto.Close())

	off, err := ProtoL2PLookup(protoPath, 4)
	assert.NoError(t, err)
	assert.Equal(t, int64(99), off)
	off, err = ProtoL2PLookup(protoPath, 7)
	assert.NoError(t, err)
	assert.Equal(t, int64(-1), off)
}

func buildP2L(t *testing.T, dir string, rev fsid.RevNum, fileSize int64, entries []*Entry) string {
	t.Helper()
	protoPath := filepath.Join(dir, "index.p2l.proto")
	finalPath := filepath.Join(dir, "index.p2l")
	proto, err := OpenProtoP2L(protoPath)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, proto.AddEntry(e))
	}
	require.NoError(t, proto.Close())
	require.NoError(t, CreateP2L(finalPath, protoPath, rev, 0x10000, fileSize))
	return finalPath
}

func TestP2LRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := []*Entry{
		{Offset: 0, Size: 20, Type: TypeFileRep,
			Items: []fsid.IDPart{{Rev: fsid.InvalidRev, Number: 3}}},
		{Offset: 20, Size: 30, Type: TypeNodeRev,
			Items: []fsid.IDPart{{Rev: fsid.InvalidRev, Number: 4}}},
		{Offset: 50, Size: 25, Type: TypeNodeRev,
			Items: []fsid.IDPart{{Rev: fsid.InvalidRev, Number: ItemIndexRootNode}}},
		{Offset: 75, Size: 10, Type: TypeChanges,
			Items: []fsid.IDPart{{Rev: fsid.InvalidRev, Number: ItemIndexChanges}}},
	}
	finalPath := buildP2L(t, dir, 7, 85, entries)

	f, err := os.Open(finalPath)
	require.NoError(t, err)
	defer f.Close()
	r := packedint.NewReader(f, 0x10000)
	h, err := ReadP2LHeader(r)
	require.NoError(t, err)
	assert.Equal(t, fsid.RevNum(7), h.FirstRev)
	assert.Equal(t, int64(85), h.FileSize)
	require.Equal(t, 1, h.PageCount())

	got, err := ReadP2LPage(r, h.PageTable[0])
	require.NoError(t, err)
	require.Len(t, got, len(entries))
	for i, e := range entries {
		assert.Equal(t, e.Offset, got[i].Offset)
		assert.Equal(t, e.Size, got[i].Size)
		assert.Equal(t, e.Type, got[i].Type)
		// sentinel revisions were resolved to the committed revision
		assert.Equal(t, fsid.RevNum(7), got[i].Items[0].Rev)
		assert.Equal(t, e.Items[0].Number, got[i].Items[0].Number)
	}

	e := FindEntry(got, 60)
	require.NotNil(t, e)
	assert.Equal(t, int64(50), e.Offset)
	assert.Nil(t, FindEntry(got, 85))
}

func TestP2LRejectsGap(t *testing.T) {
	dir := t.TempDir()
	protoPath := filepath.Join(dir, "index.p2l.proto")
	proto, err := OpenProtoP2L(protoPath)
	require.NoError(t, err)
	require.NoError(t, proto.AddEntry(&Entry{Offset: 0, Size: 10, Type: TypeNodeRev}))
	require.NoError(t, proto.AddEntry(&Entry{Offset: 15, Size: 10, Type: TypeNodeRev}))
	require.NoError(t, proto.Close())
	err = CreateP2L(filepath.Join(dir, "index.p2l"), protoPath, 1, 0x10000, 25)
	assert.True(t, fserrors.IsCode(err, fserrors.IndexCorruption))
}

func writeIndexPair(t *testing.T, dir string) (revPath, l2pPath, p2lPath string) {
	t.Helper()
	revPath = filepath.Join(dir, "3")
	require.NoError(t, os.WriteFile(revPath, make([]byte, 60), 0666))

	l2pProto := filepath.Join(dir, "l2p.proto")
	proto, err := OpenProtoL2P(l2pProto)
	require.NoError(t, err)
	require.NoError(t, proto.AddEntry(0, 3))
	require.NoError(t, proto.AddEntry(20, ItemIndexRootNode))
	require.NoError(t, proto.AddEntry(45, ItemIndexChanges))
	require.NoError(t, proto.Close())
	l2pPath = filepath.Join(dir, "3.l2p")
	require.NoError(t, CreateL2P(l2pPath, l2pProto, 3, 8192))

	p2lProto := filepath.Join(dir, "p2l.proto")
	pproto, err := OpenProtoP2L(p2lProto)
	require.NoError(t, err)
	require.NoError(t, pproto.AddEntry(&Entry{Offset: 0, Size: 20, Type: TypeFileRep,
		Items: []fsid.IDPart{{Rev: fsid.InvalidRev, Number: 3}}}))
	require.NoError(t, pproto.AddEntry(&Entry{Offset: 20, Size: 25, Type: TypeNodeRev,
		Items: []fsid.IDPart{{Rev: fsid.InvalidRev, Number: ItemIndexRootNode}}}))
	require.NoError(t, pproto.AddEntry(&Entry{Offset: 45, Size: 15, Type: TypeChanges,
		Items: []fsid.IDPart{{Rev: fsid.InvalidRev, Number: ItemIndexChanges}}}))
	require.NoError(t, pproto.Close())
	p2lPath = filepath.Join(dir, "3.p2l")
	require.NoError(t, CreateP2L(p2lPath, p2lProto, 3, 0x10000, 60))
	return
}

func TestVerifyAcceptsConsistentIndexes(t *testing.T) {
	revPath, l2pPath, p2lPath := writeIndexPair(t, t.TempDir())
	assert.NoError(t, Verify(3, revPath, l2pPath, p2lPath, 0x10000))
}

// A damaged index must be reported, and restoring the original bytes must
// restore successful verification.
func TestVerifyDetectsOverwrittenIndex(t *testing.T) {
	dir := t.TempDir()
	revPath, l2pPath, p2lPath := writeIndexPair(t, dir)

	original, err := os.ReadFile(p2lPath)
	require.NoError(t, err)

	// an index claiming the whole file is one unused entry
	bogusProto := filepath.Join(dir, "bogus.proto")
	proto, err := OpenProtoP2L(bogusProto)
	require.NoError(t, err)
	require.NoError(t, proto.AddEntry(&Entry{Offset: 0, Size: 60, Type: TypeUnused}))
	require.NoError(t, proto.Close())
	bogusPath := filepath.Join(dir, "bogus.p2l")
	require.NoError(t, CreateP2L(bogusPath, bogusProto, 3, 0x10000, 60))
	bogus, err := os.ReadFile(bogusPath)
	require.NoError(t, err)

	require.NoError(t, os.Chmod(p2lPath, 0666))
	require.NoError(t, os.WriteFile(p2lPath, bogus, 0666))
	err = Verify(3, revPath, l2pPath, p2lPath, 0x10000)
	assert.True(t, fserrors.IsCode(err, fserrors.IndexCorruption), "got %v", err)

	require.NoError(t, os.WriteFile(p2lPath, original, 0666))
	assert.NoError(t, Verify(3, revPath, l2pPath, p2lPath, 0x10000))
}
