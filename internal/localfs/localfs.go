// Package localfs is the local-backend half of spec §4.1/§4.4's
// construction pipeline: turning a path on disk into a stat'd,
// symlink-resolved view a TreeStore can build a node.Node from.
//
// It generalizes the teacher's FUSE-facing, os-package-based file
// access (internal/fs/*.go stat/open calls) into a billy.Filesystem
// adapter, following the pack's agentic-research-mache repo, which
// wraps a non-POSIX backend in billy.Filesystem
// (internal/nfsmount/graphfs.go) the same way this package wraps the
// real POSIX filesystem via go-billy's osfs.
package localfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/outlet-sync/outlet/internal/errors"
)

// MaxFSLinkDepth bounds symlink resolution: a chain deeper than this is
// treated as broken rather than followed indefinitely (spec §4.4).
const MaxFSLinkDepth = 40

// LocalFS is the narrow local-filesystem surface the cache engine needs:
// stat, directory listing, symlink resolution, existence, and a move
// primitive, matching spec §9's named surface exactly.
type LocalFS struct {
	root string
	fs   billy.Filesystem
}

// New returns a LocalFS rooted at root; all paths passed to its methods
// are relative to it, matching billy's osfs.Chroot-per-root semantics.
func New(root string) *LocalFS {
	return &LocalFS{root: filepath.Clean(root), fs: osfs.New(root)}
}

// Open opens path for reading, following up to MaxFSLinkDepth symlinks
// (spec §4.6: the signature worker reads file content to hash it).
func (l *LocalFS) Open(path string) (billy.File, error) {
	resolved, err := l.resolveSymlinks(path, 0)
	if err != nil {
		return nil, err
	}
	if resolved == "" {
		return nil, os.ErrNotExist
	}
	return l.fs.Open(resolved)
}

// Stat stats path, following up to MaxFSLinkDepth symlinks. It returns
// (nil, nil) for a broken or over-deep link, and a non-nil error only
// for I/O failures unrelated to link resolution.
func (l *LocalFS) Stat(path string) (fs.FileInfo, error) {
	resolved, err := l.resolveSymlinks(path, 0)
	if err != nil {
		return nil, err
	}
	if resolved == "" {
		return nil, nil
	}
	return l.fs.Stat(resolved)
}

func (l *LocalFS) resolveSymlinks(path string, depth int) (string, error) {
	if depth > MaxFSLinkDepth {
		return "", nil
	}
	info, err := l.fs.Lstat(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "lstat")
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return path, nil
	}
	target, err := l.fs.Readlink(path)
	if err != nil {
		return "", errors.Wrap(err, "readlink")
	}

	var next string
	if filepath.IsAbs(target) {
		// osfs's chroot Readlink reports an absolute target relative to
		// root ("/real.txt"), with a leading "/.." when it lies outside.
		rel := strings.TrimPrefix(target, string(filepath.Separator))
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			// Target escapes the tracked subtree: outlet only mirrors
			// what lives under root, so treat this as broken.
			return "", nil
		}
		next = rel
	} else {
		next = filepath.Join(filepath.Dir(path), target)
	}
	return l.resolveSymlinks(next, depth+1)
}

// ListDir returns the entries of path, which must be a directory.
func (l *LocalFS) ListDir(path string) ([]fs.FileInfo, error) {
	entries, err := l.fs.ReadDir(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading directory")
	}
	return entries, nil
}

// IsDir reports whether path exists and is a directory, following
// symlinks.
func (l *LocalFS) IsDir(path string) bool {
	info, err := l.Stat(path)
	return err == nil && info != nil && info.IsDir()
}

// IsFile reports whether path exists and is a regular file, following
// symlinks.
func (l *LocalFS) IsFile(path string) bool {
	info, err := l.Stat(path)
	return err == nil && info != nil && info.Mode().IsRegular()
}

// Exists reports whether path resolves to anything at all.
func (l *LocalFS) Exists(path string) bool {
	info, err := l.Stat(path)
	return err == nil && info != nil
}

// Readlink returns the immediate (unresolved) link target of path.
func (l *LocalFS) Readlink(path string) (string, error) {
	target, err := l.fs.Readlink(path)
	if err != nil {
		return "", errors.Wrap(err, "readlink")
	}
	return target, nil
}

// Move renames src to dst, the primitive move_local_subtree builds on.
func (l *LocalFS) Move(src, dst string) error {
	if src == dst {
		return errors.SrcEqualsDst
	}
	if src == "" || dst == "" {
		return errors.EmptyPath
	}
	if err := l.fs.Rename(src, dst); err != nil {
		return errors.Wrap(err, "renaming path")
	}
	return nil
}
