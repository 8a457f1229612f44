package tree

import (
	"path"
	"path/filepath"
	"strings"
)

// Clean normalizes a virtual path: forward slashes, no leading slash, no
// dot segments. The root is the empty string.
func Clean(p string) string {
	cleaned := path.Clean("/" + filepath.ToSlash(p))
	return strings.TrimPrefix(cleaned, "/")
}

// Fold returns the comparison key for a virtual path. Lookups are
// case-insensitive; presentation keeps whatever casing the winning layer used.
func Fold(p string) string {
	return strings.ToLower(Clean(p))
}

// Join appends name to a cleaned virtual directory path.
func Join(dir, name string) string {
	if dir == "" {
		return Clean(name)
	}
	return Clean(dir + "/" + name)
}

// Split returns the parent directory and final component of p.
func Split(p string) (string, string) {
	p = Clean(p)
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// IsWithin reports whether p equals dir or lies beneath it, comparing folded.
func IsWithin(p, dir string) bool {
	p, dir = Fold(p), Fold(dir)
	if dir == "" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

func components(p string) []string {
	p = Clean(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
