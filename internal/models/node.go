// Package models contains the data types of the virtual filesystem.
package models

import (
	"sort"
	"time"
)

// Kind distinguishes files from folders. It never changes after creation.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindFile || k == KindFolder
}

// Node is a file or folder in an owner's virtual tree.
//
// VirtualPath is the full path of the parent folder ("/" for top-level
// nodes). The node's own path is derived, never stored.
type Node struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"type"`
	VirtualPath string    `json:"path"`
	SizeBytes   *int64    `json:"size"`
	MimeType    string    `json:"mime_type,omitempty"`
	OwnerID     int64     `json:"owner_id"`
	IsPublic    bool      `json:"is_public"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// IsFile reports whether n is a file.
func (n *Node) IsFile() bool { return n.Kind == KindFile }

// IsFolder reports whether n is a folder.
func (n *Node) IsFolder() bool { return n.Kind == KindFolder }

// FullPath is the node's own virtual path.
func (n *Node) FullPath() string {
	return JoinPath(n.VirtualPath, n.Name)
}

// PhysicalPath is the full path without its leading separator.
func (n *Node) PhysicalPath() string {
	return n.FullPath()[1:]
}

// StorageKey locates the node in the physical store, inside its owner's namespace.
func (n *Node) StorageKey() string {
	return OwnerRoot(n.OwnerID) + "/" + n.PhysicalPath()
}

// Size returns the size in bytes, treating an unset size as zero.
func (n *Node) Size() int64 {
	if n.SizeBytes == nil {
		return 0
	}
	return *n.SizeBytes
}

// SetSize records the written length of a file.
func (n *Node) SetSize(size int64) {
	n.SizeBytes = &size
}

// Clone returns a copy of n that shares no pointers with it.
func (n *Node) Clone() *Node {
	c := *n
	if n.SizeBytes != nil {
		c.SetSize(*n.SizeBytes)
	}
	return &c
}

// Children returns the direct children of n found in nodes. Files have none.
func Children(n *Node, nodes []*Node) []*Node {
	if !n.IsFolder() {
		return nil
	}
	full := n.FullPath()
	var out []*Node
	for _, c := range nodes {
		if c.OwnerID == n.OwnerID && c.VirtualPath == full {
			out = append(out, c)
		}
	}
	return out
}

// SortNodes orders folders before files, then by name.
func SortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}
		return a.Name < b.Name
	})
}

// Role values for User.Role.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is an account that owns a tree. Its ID is the owner id of its nodes.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsAdmin reports whether u has the admin role.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }
