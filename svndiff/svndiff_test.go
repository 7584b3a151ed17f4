package svndiff

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

// deterministic pseudo random bytes, no seed dependency
func noise(n int, salt byte) []byte {
	buf := make([]byte, n)
	x := uint32(salt) + 1
	for i := range buf {
		x = x*1664525 + 1013904223
		buf[i] = byte(x >> 24)
	}
	return buf
}

func TestRoundTripVsEmpty(t *testing.T) {
	target := []byte("hello, delta world\n")
	delta := Encode(target, nil)
	got, err := Expand(nil, delta)
	assert.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestRoundTripEmptyTarget(t *testing.T) {
	delta := Encode(nil, []byte("previous content"))
	got, err := Expand([]byte("previous content"), delta)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestRoundTripSmallEdit(t *testing.T) {
	source := noise(4096, 1)
	target := append([]byte{}, source...)
	copy(target[1000:], []byte("EDITED"))
	target = append(target, []byte("trailing addition")...)

	delta := Encode(target, source)
	got, err := Expand(source, delta)
	assert.NoError(t, err)
	assert.Equal(t, target, got)
	// a mostly-unchanged file should delta well below its full size
	assert.Less(t, len(delta), len(target)/2)
}

func TestRoundTripUnrelatedContent(t *testing.T) {
	source := noise(2048, 2)
	target := noise(3000, 3)
	delta := Encode(target, source)
	got, err := Expand(source, delta)
	assert.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestRoundTripLargeMultiWindow(t *testing.T) {
	source := noise(windowSize/2, 4)
	target := bytes.Repeat(source, 3) // > windowSize, forces several windows
	delta := Encode(target, source)
	got, err := Expand(source, delta)
	assert.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestExpandRejectsBadMagic(t *testing.T) {
	_, err := Expand(nil, []byte("NOT A DELTA"))
	assert.Error(t, err)
}

func TestExpandRejectsTruncatedWindow(t *testing.T) {
	delta := Encode(noise(500, 5), nil)
	_, err := Expand(nil, delta[:len(delta)-3])
	assert.Error(t, err)
}
