package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAndFind(t *testing.T) {
	n := NewTree()
	n.AddFile("/trunk/src/main.go")
	n.AddFile("/trunk/README")
	n.AddFile("/branches/dev/src/main.go")

	assert.True(t, n.Find("/trunk/src/main.go"))
	assert.True(t, n.Find("/trunk/README"))
	assert.False(t, n.Find("/trunk/src"))
	assert.False(t, n.Find("/tags/v1"))
}

func TestDirsAreParentFirst(t *testing.T) {
	n := NewTree()
	n.AddFile("/trunk/src/lib/util.go")
	n.AddFile("/trunk/src/main.go")

	dirs := n.Dirs()
	assert.Equal(t, []string{"/trunk", "/trunk/src", "/trunk/src/lib"}, dirs)
}

func TestFilesBelowDir(t *testing.T) {
	n := NewTree()
	n.AddFile("/trunk/a")
	n.AddFile("/trunk/sub/b")
	n.AddFile("/branches/c")

	assert.ElementsMatch(t, []string{"/trunk/a", "/trunk/sub/b"}, n.Files("/trunk"))
	assert.ElementsMatch(t, []string{"/trunk/a", "/trunk/sub/b", "/branches/c"}, n.Files(""))
}

func TestDeleteFile(t *testing.T) {
	n := NewTree()
	n.AddFile("/trunk/a")
	n.AddFile("/trunk/b")
	n.DeleteFile("/trunk/a")
	n.DeleteFile("/trunk/missing")

	assert.False(t, n.Find("/trunk/a"))
	assert.True(t, n.Find("/trunk/b"))
}
