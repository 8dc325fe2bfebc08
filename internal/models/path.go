package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	MaxNameLength = 255
	MaxPathLength = 1000
)

var (
	ErrInvalidName = errors.New("invalid name")
	ErrInvalidPath = errors.New("invalid path")
)

// ValidateName checks a display name for use as a path segment.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: %q has leading or trailing whitespace", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a separator or NUL", ErrInvalidName, name)
	}
	return nil
}

// CleanVirtualPath normalises a folder path to absolute form without a
// trailing slash. An empty or slash-only path is the root. Empty, "." and
// ".." segments are rejected rather than resolved.
func CleanVirtualPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return "/", nil
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/", nil
	}
	if len(p) > MaxPathLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidPath, MaxPathLength)
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if err := ValidateName(seg); err != nil {
			return "", fmt.Errorf("%w %q: %v", ErrInvalidPath, p, err)
		}
	}
	return p, nil
}

// JoinPath builds a child path from its parent path and name.
func JoinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// SplitPath splits a full path into its parent path and base name.
// The root splits into ("/", "").
func SplitPath(full string) (parent, name string) {
	if full == "/" {
		return "/", ""
	}
	i := strings.LastIndex(full, "/")
	if i <= 0 {
		return "/", full[i+1:]
	}
	return full[:i], full[i+1:]
}

// IsWithin reports whether p equals ancestor or lies below it. Comparison is
// by whole segments, so "/Docs2" is not within "/Docs".
func IsWithin(p, ancestor string) bool {
	if ancestor == "/" || p == ancestor {
		return true
	}
	return strings.HasPrefix(p, ancestor+"/")
}

// RebasePath replaces the oldPrefix of p with newPrefix. It returns false
// when p is not within oldPrefix.
func RebasePath(p, oldPrefix, newPrefix string) (string, bool) {
	if oldPrefix == "/" || !IsWithin(p, oldPrefix) {
		return p, false
	}
	rest := p[len(oldPrefix):]
	if rest == "" {
		return newPrefix, true
	}
	if newPrefix == "/" {
		return rest, true
	}
	return newPrefix + rest, true
}

// Depth counts the segments of p. The root has depth 0.
func Depth(p string) int {
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

// OwnerRoot is the physical namespace holding one owner's tree.
func OwnerRoot(ownerID int64) string {
	return "users/" + strconv.FormatInt(ownerID, 10)
}

// OwnerKey maps a full virtual path to its storage key for ownerID.
func OwnerKey(ownerID int64, full string) string {
	if full == "/" {
		return OwnerRoot(ownerID)
	}
	return OwnerRoot(ownerID) + full
}
