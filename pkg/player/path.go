package player

import (
	"fmt"
	"strings"
)

// PathSeparator separates segments in the textual form of a [Path].
const PathSeparator = ":"

// Path addresses a node in a player's streamview tree. The zero value is the
// root. Paths are immutable: every method returns a new value.
type Path struct {
	segs []string
}

// ParsePath reads a path of the form "a:b:c". The empty string is the root.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}
	segs := strings.Split(s, PathSeparator)
	for _, seg := range segs {
		if seg == "" {
			return Path{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, s)
		}
	}
	return Path{segs: segs}, nil
}

// MustParsePath is like [ParsePath] but panics on error.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of segments.
func (p Path) Len() int { return len(p.segs) }

// IsRoot reports whether p addresses the root.
func (p Path) IsRoot() bool { return len(p.segs) == 0 }

// Base returns the last segment, or "" for the root.
func (p Path) Base() string {
	if p.IsRoot() {
		return ""
	}
	return p.segs[len(p.segs)-1]
}

// Parent returns p without its last segment.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return p
	}
	return Path{segs: p.segs[:len(p.segs)-1:len(p.segs)-1]}
}

// String implements [fmt.Stringer].
func (p Path) String() string { return strings.Join(p.segs, PathSeparator) }
