package packedint

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/stretchr/testify/assert"
)

func TestUintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 2, 127, 128, 129, 300, 16383, 16384,
		1<<32 - 1, 1 << 32, 1<<63 - 1, math.MaxUint64}
	for _, v := range values {
		buf := AppendUint(nil, v)
		assert.LessOrEqual(t, len(buf), MaxEncodedLen)
		got, n, err := DecodeUint(buf)
		assert.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, got, "value %d", v)
	}
}

func TestIntRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 2, -2, 63, -64, 1<<62 - 1,
		math.MaxInt64, math.MinInt64}
	for _, v := range values {
		buf := AppendInt(nil, v)
		u, n, err := DecodeUint(buf)
		assert.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, UnZigZag(u), "value %d", v)
	}
}

func TestDecodeOversized(t *testing.T) {
	buf := make([]byte, 12)
	for i := range buf {
		buf[i] = 0x80
	}
	buf[len(buf)-1] = 0x01
	_, _, err := DecodeUint(buf)
	assert.True(t, fserrors.IsCode(err, fserrors.IndexCorruption))
}

func writePacked(t *testing.T, values []uint64) string {
	t.Helper()
	var buf []byte
	for _, v := range values {
		buf = AppendUint(buf, v)
	}
	fname := filepath.Join(t.TempDir(), "packed")
	if err := os.WriteFile(fname, buf, 0666); err != nil {
		t.Fatal(err)
	}
	return fname
}

func TestReaderSequential(t *testing.T) {
	values := make([]uint64, 0, 500)
	for i := 0; i < 500; i++ {
		values = append(values, uint64(i)*uint64(i)*7919)
	}
	fname := writePacked(t, values)
	f, err := os.Open(fname)
	assert.NoError(t, err)
	defer f.Close()

	// tiny block size forces many refills straddling numbers
	r := NewReader(f, 32)
	for i, want := range values {
		got, err := r.Get()
		assert.NoError(t, err)
		assert.Equal(t, want, got, "index %d", i)
	}
	// demanding one more value past the end is an error
	_, err = r.Get()
	assert.True(t, fserrors.IsCode(err, fserrors.Corrupt))
}

func TestReaderSeek(t *testing.T) {
	values := []uint64{5, 300, 7, 1 << 40, 0, 99}
	var offsets []int64
	var buf []byte
	for _, v := range values {
		offsets = append(offsets, int64(len(buf)))
		buf = AppendUint(buf, v)
	}
	fname := filepath.Join(t.TempDir(), "packed")
	assert.NoError(t, os.WriteFile(fname, buf, 0666))
	f, err := os.Open(fname)
	assert.NoError(t, err)
	defer f.Close()

	r := NewReader(f, 0x10000)

	// populate the buffer, then seek backwards within it
	for range values {
		_, err := r.Get()
		assert.NoError(t, err)
	}
	for i := len(values) - 1; i >= 0; i-- {
		r.Seek(offsets[i])
		assert.Equal(t, offsets[i], r.Offset())
		got, err := r.Get()
		assert.NoError(t, err)
		assert.Equal(t, values[i], got, "seek to value %d", i)
	}

	// a forward seek inside the buffered window reuses the buffer
	r.Seek(offsets[3])
	got, err := r.Get()
	assert.NoError(t, err)
	assert.Equal(t, values[3], got)
}

func TestReaderOffsetTracksValues(t *testing.T) {
	values := []uint64{1, 128, 1 << 21}
	fname := writePacked(t, values)
	f, err := os.Open(fname)
	assert.NoError(t, err)
	defer f.Close()

	r := NewReader(f, 0x10000)
	assert.Equal(t, int64(0), r.Offset())
	_, _ = r.Get()
	assert.Equal(t, int64(1), r.Offset())
	_, _ = r.Get()
	assert.Equal(t, int64(3), r.Offset())
	_, _ = r.Get()
	assert.Equal(t, int64(7), r.Offset())
}
