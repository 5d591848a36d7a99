package namespace

import (
	"strings"
)

const (
	// Separator is the path component separator
	Separator = "/"

	// Root is the path of the namespace root
	Root = "/"
)

// IsAbsolute reports whether p starts at the root.
func IsAbsolute(p string) bool {
	return strings.HasPrefix(p, Separator)
}

// Components splits an absolute path into its components. The first
// component is always the empty root name, so "/a/b" yields ["", "a", "b"]
// and "/" yields [""]. Duplicate and trailing separators are ignored.
//
// Returns an ErrInvalidPath error for relative paths and for components that
// are ".", "..", or contain ':' or NUL.
func Components(p string) ([]string, error) {
	if !IsAbsolute(p) {
		return nil, NewError(ErrInvalidPath, p, "path is not absolute")
	}

	comps := []string{""}
	for _, c := range strings.Split(p, Separator) {
		if c == "" {
			continue
		}
		if !ValidName(c) {
			return nil, NewError(ErrInvalidPath, p, "invalid path component %q", c)
		}
		comps = append(comps, c)
	}
	return comps, nil
}

// ValidName reports whether name is usable as a single path component.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, ":\x00/")
}

// Clean normalizes an absolute path: no duplicate or trailing separators.
func Clean(p string) string {
	comps := strings.Split(p, Separator)
	out := make([]string, 0, len(comps))
	for _, c := range comps {
		if c != "" {
			out = append(out, c)
		}
	}
	return Separator + strings.Join(out, Separator)
}

// FromComponents rebuilds the path for comps[:n] (comps[0] is the root).
func FromComponents(comps []string, n int) string {
	if n <= 1 {
		return Root
	}
	return Separator + strings.Join(comps[1:n], Separator)
}

// Join appends elem to base.
func Join(base string, elem ...string) string {
	return Clean(base + Separator + strings.Join(elem, Separator))
}

// Parent returns the parent directory of p ("/" for the root).
func Parent(p string) string {
	p = Clean(p)
	i := strings.LastIndex(p, Separator)
	if i <= 0 {
		return Root
	}
	return p[:i]
}

// Base returns the last component of p ("" for the root).
func Base(p string) string {
	p = Clean(p)
	return p[strings.LastIndex(p, Separator)+1:]
}

// IsDescendant reports whether p equals ancestor or lies beneath it.
func IsDescendant(p, ancestor string) bool {
	p, ancestor = Clean(p), Clean(ancestor)
	if ancestor == Root || p == ancestor {
		return true
	}
	return strings.HasPrefix(p, ancestor+Separator)
}

// Rebase replaces the prefix oldPrefix of p with newPrefix. p must be a
// descendant of oldPrefix.
func Rebase(p, oldPrefix, newPrefix string) string {
	p, oldPrefix = Clean(p), Clean(oldPrefix)
	if p == oldPrefix {
		return Clean(newPrefix)
	}
	rest := strings.TrimPrefix(p, oldPrefix)
	if oldPrefix == Root {
		rest = p
	}
	return Clean(newPrefix + rest)
}
