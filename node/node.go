// Package node keeps a lightweight tree of the repository paths touched by
// an import or a pending transaction. It answers "which directories must
// exist before this file" and "is this path present" questions without
// hitting the repository itself.
package node

import "strings"

// Node is one path component; the zero-named node is the tree root.
type Node struct {
	Name     string
	Path     string // full repository path, files only
	IsFile   bool
	Children []*Node
}

func NewTree() *Node {
	return &Node{}
}

func (n *Node) child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// AddFile registers a file path, creating intermediate directory nodes.
func (n *Node) AddFile(path string) {
	n.addSub(path, strings.Split(strings.Trim(path, "/"), "/"))
}

func (n *Node) addSub(fullPath string, parts []string) {
	c := n.child(parts[0])
	if len(parts) == 1 {
		if c == nil {
			n.Children = append(n.Children, &Node{Name: parts[0], IsFile: true, Path: fullPath})
		}
		return
	}
	if c == nil {
		c = &Node{Name: parts[0]}
		n.Children = append(n.Children, c)
	}
	c.addSub(fullPath, parts[1:])
}

// DeleteFile removes a file path; missing paths are ignored.
func (n *Node) DeleteFile(path string) {
	n.deleteSub(strings.Split(strings.Trim(path, "/"), "/"))
}

func (n *Node) deleteSub(parts []string) {
	if len(parts) == 1 {
		for i, c := range n.Children {
			if c.Name == parts[0] {
				n.Children[i] = n.Children[len(n.Children)-1]
				n.Children = n.Children[:len(n.Children)-1]
				return
			}
		}
		return
	}
	if c := n.child(parts[0]); c != nil {
		c.deleteSub(parts[1:])
	}
}

// Dirs returns every directory of the tree in creation order, parents
// strictly before their children.
func (n *Node) Dirs() []string {
	return n.dirs("")
}

func (n *Node) dirs(prefix string) []string {
	out := make([]string, 0)
	for _, c := range n.Children {
		if c.IsFile {
			continue
		}
		p := prefix + "/" + c.Name
		out = append(out, p)
		out = append(out, c.dirs(p)...)
	}
	return out
}

// Files returns all file paths below dir ("" for the whole tree).
func (n *Node) Files(dir string) []string {
	if dir == "" || dir == "/" {
		return n.allFiles()
	}
	cur := n
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		cur = cur.child(part)
		if cur == nil {
			return nil
		}
	}
	if cur.IsFile {
		return []string{cur.Path}
	}
	return cur.allFiles()
}

func (n *Node) allFiles() []string {
	files := make([]string, 0)
	for _, c := range n.Children {
		if c.IsFile {
			files = append(files, c.Path)
		} else {
			files = append(files, c.allFiles()...)
		}
	}
	return files
}

// Find reports whether the exact file path is registered.
func (n *Node) Find(path string) bool {
	cur := n
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for _, part := range parts[:len(parts)-1] {
		if cur = cur.child(part); cur == nil {
			return false
		}
	}
	c := cur.child(parts[len(parts)-1])
	return c != nil && c.IsFile
}
