package reader

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strings"
)

var ErrBadScheme = errors.New("reader: uri scheme does not match reader")

type fsBase struct {
	scheme string
	fsys   fs.FS
}

func (b fsBase) Scheme() string            { return b.scheme }
func (b fsBase) IsGlobbable() bool         { return true }
func (b fsBase) HasHierarchicalUris() bool { return true }

func (b fsBase) name(u url.URL) (string, error) {
	if u.Scheme != b.scheme {
		return "", fmt.Errorf("%w: got %q want %q", ErrBadScheme, u.Scheme, b.scheme)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		p = "."
	}
	if !fs.ValidPath(p) {
		return "", &fs.PathError{Op: "open", Path: p, Err: fs.ErrInvalid}
	}
	return p, nil
}

func (b fsBase) ListElements(u url.URL) ([]PathElement, error) {
	dir, err := b.name(u)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(b.fsys, dir)
	if err != nil {
		return nil, err
	}
	out := make([]PathElement, 0, len(entries))
	for _, e := range entries {
		out = append(out, PathElement{Name: e.Name(), IsDirectory: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FSModuleReader serves modules for one scheme from an fs.FS. The URI path
// is the file path inside the filesystem.
type FSModuleReader struct {
	fsBase
}

func NewFSModuleReader(scheme string, fsys fs.FS) *FSModuleReader {
	return &FSModuleReader{fsBase{scheme: scheme, fsys: fsys}}
}

func (r *FSModuleReader) IsLocal() bool { return true }

func (r *FSModuleReader) Read(u url.URL) (string, error) {
	name, err := r.name(u)
	if err != nil {
		return "", err
	}
	b, err := fs.ReadFile(r.fsys, name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FSResourceReader serves resources for one scheme from an fs.FS.
type FSResourceReader struct {
	fsBase
}

func NewFSResourceReader(scheme string, fsys fs.FS) *FSResourceReader {
	return &FSResourceReader{fsBase{scheme: scheme, fsys: fsys}}
}

func (r *FSResourceReader) Read(u url.URL) ([]byte, error) {
	name, err := r.name(u)
	if err != nil {
		return nil, err
	}
	return fs.ReadFile(r.fsys, name)
}
