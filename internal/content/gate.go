package content

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jw6ventures/council/internal/auth"
)

var (
	// ErrNotFound is returned when no authorized tier holds the path. It is
	// also returned when a higher tier has the file, so existence never leaks.
	ErrNotFound = errors.New("content not found")
	// ErrInvalidPath is returned for traversal segments, absolute paths and
	// NUL bytes, before any tier is consulted.
	ErrInvalidPath = errors.New("invalid content path")
)

// Tier is a content visibility level.
type Tier int

const (
	Public Tier = iota
	Hidden
	Protected
)

func (t Tier) String() string {
	switch t {
	case Public:
		return "public"
	case Hidden:
		return "hidden"
	case Protected:
		return "protected"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// lookupOrder is the fixed precedence used when a path exists in several tiers.
var lookupOrder = [...]Tier{Protected, Hidden, Public}

// Allowed reports whether caps may read from tier t.
func (t Tier) Allowed(caps auth.CapabilitySet) bool {
	switch t {
	case Public:
		return true
	case Hidden:
		return caps.Has(auth.ViewHidden)
	case Protected:
		return caps.Has(auth.ViewProtected)
	default:
		return false
	}
}

type Roots struct {
	Public    string
	Hidden    string
	Protected string
}

// Gate maps a request path onto one of the three content roots.
type Gate struct {
	roots [3]string
}

// NewGate resolves the roots to absolute, symlink-free directories.
func NewGate(roots Roots) (*Gate, error) {
	g := &Gate{}
	for tier, dir := range map[Tier]string{Public: roots.Public, Hidden: roots.Hidden, Protected: roots.Protected} {
		if dir == "" {
			return nil, fmt.Errorf("%s content root is not configured", tier)
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("%s content root: %w", tier, err)
		}
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("%s content root: %w", tier, err)
		}
		info, err := os.Stat(real)
		if err != nil {
			return nil, fmt.Errorf("%s content root: %w", tier, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s content root %s is not a directory", tier, real)
		}
		g.roots[tier] = real
	}
	if g.roots[Public] == g.roots[Hidden] || g.roots[Hidden] == g.roots[Protected] || g.roots[Public] == g.roots[Protected] {
		return nil, errors.New("content roots must be distinct directories")
	}
	return g, nil
}

// Root returns the resolved directory of a tier.
func (g *Gate) Root(t Tier) string {
	return g.roots[t]
}

// ResolvedFile is a regular file the caller may read.
type ResolvedFile struct {
	Tier Tier
	// Path is the canonical filesystem path.
	Path string
	// RelPath is the cleaned request path, slash separated.
	RelPath string
	// Index is set when the request named a directory and its index.html was
	// chosen.
	Index bool
	Info  fs.FileInfo
}

// Resolve finds requested in the tiers caps is authorized for, in the order
// Protected, Hidden, Public.
func (g *Gate) Resolve(caps auth.CapabilitySet, requested string) (*ResolvedFile, error) {
	rel, err := cleanPath(requested)
	if err != nil {
		return nil, err
	}
	for _, tier := range lookupOrder {
		if !tier.Allowed(caps) {
			continue
		}
		if f, ok := g.lookup(tier, rel); ok {
			return f, nil
		}
	}
	return nil, ErrNotFound
}

func (g *Gate) lookup(tier Tier, rel string) (*ResolvedFile, bool) {
	root := g.roots[tier]
	real, info, ok := g.canonical(root, filepath.Join(root, filepath.FromSlash(rel)))
	if !ok {
		return nil, false
	}
	index := false
	if info.IsDir() {
		real, info, ok = g.canonical(root, filepath.Join(real, "index.html"))
		if !ok {
			return nil, false
		}
		index = true
	}
	if !info.Mode().IsRegular() {
		return nil, false
	}
	return &ResolvedFile{Tier: tier, Path: real, RelPath: rel, Index: index, Info: info}, true
}

// canonical follows symlinks and accepts the result only if it stays inside
// root.
func (g *Gate) canonical(root, candidate string) (string, fs.FileInfo, bool) {
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", nil, false
	}
	if !within(root, real) {
		return "", nil, false
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", nil, false
	}
	return real, info, true
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// cleanPath validates a slash-separated request path relative to a root.
// The empty path names the root itself.
func cleanPath(requested string) (string, error) {
	if strings.ContainsRune(requested, 0) || strings.Contains(requested, `\`) {
		return "", ErrInvalidPath
	}
	if strings.HasPrefix(requested, "/") || filepath.IsAbs(requested) {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(requested, "/") {
		if seg == ".." {
			return "", ErrInvalidPath
		}
	}
	cleaned := path.Clean("/" + requested)[1:]
	return cleaned, nil
}
