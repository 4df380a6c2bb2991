// Package cloud implements the lazily loaded remote file trees of the
// class and personal clouds.
//
// A tree starts from a root Folder holding whatever the initial listing
// returned. Folders fetch their direct children on demand through a Fetcher
// and cache them until an explicit Reload. Loading a folder replaces its
// whole child list, so nodes obtained before a reload are stale afterwards.
package cloud

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Separator joins node names in derived paths.
const Separator = `\`

// Node is a File or a Folder.
type Node interface {
	Name() string
	ID() string
	Size() int64
	IsFolder() bool
	Path() string
	Parent() *Folder

	node()
}

// tree is the state shared by every node of one cloud.
type tree struct {
	space      Space
	owner      int
	fetcher    Fetcher
	downloader Downloader
}

// Options configures a new cloud tree.
type Options struct {
	Space      Space
	OwnerID    int
	Fetcher    Fetcher
	Downloader Downloader
}

// NewRoot builds a root folder from the entry returned by the initial fetch.
// The root keeps the children and loaded flag of that entry.
func NewRoot(opts Options, root Entry) (*Folder, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("cloud: nil fetcher")
	}
	if root.Type != "" && root.Type != EntryFolder {
		return nil, fmt.Errorf("cloud: root entry has type %q", root.Type)
	}

	t := &tree{
		space:      opts.Space,
		owner:      opts.OwnerID,
		fetcher:    opts.Fetcher,
		downloader: opts.Downloader,
	}
	return newFolder(t, nil, root)
}

func newNode(t *tree, parent *Folder, e Entry) (Node, error) {
	switch e.Type {
	case EntryFolder:
		return newFolder(t, parent, e)
	case EntryFile:
		return &File{t: t, parent: parent, name: e.Name, id: e.ID, size: e.Size}, nil
	default:
		return nil, fmt.Errorf("entry %q has unknown type %q", e.Name, e.Type)
	}
}

func newFolder(t *tree, parent *Folder, e Entry) (*Folder, error) {
	f := &Folder{t: t, parent: parent, name: e.Name, id: e.ID, size: e.Size}
	children, err := buildChildren(t, f, e.Children)
	if err != nil {
		return nil, err
	}
	f.children = children
	f.loaded = e.Loaded
	return f, nil
}

func buildChildren(t *tree, parent *Folder, entries []Entry) ([]Node, error) {
	children := make([]Node, 0, len(entries))
	for _, e := range entries {
		n, err := newNode(t, parent, e)
		if err != nil {
			return nil, err
		}
		children = append(children, n)
	}
	return children, nil
}

// sameName compares names ignoring case and surrounding whitespace.
func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// File is a leaf of a cloud tree. It never changes after construction.
type File struct {
	t      *tree
	parent *Folder
	name   string
	id     string
	size   int64
}

func (n *File) node()           {}
func (n *File) Name() string    { return n.name }
func (n *File) ID() string      { return n.id }
func (n *File) Size() int64     { return n.size }
func (n *File) IsFolder() bool  { return false }
func (n *File) Parent() *Folder { return n.parent }

// Path returns the parent's path followed by a backslash and the name.
func (n *File) Path() string {
	return n.parent.Path() + Separator + n.name
}

func (n *File) String() string {
	return "file " + n.Path()
}

// DefaultFilename is the local file name used when saving the file.
func (n *File) DefaultFilename() string {
	return n.name
}

// Open streams the file content.
func (n *File) Open(ctx context.Context) (io.ReadCloser, error) {
	return n.t.open(ctx, n.id)
}

// Download copies the file content to w.
func (n *File) Download(ctx context.Context, w io.Writer) (int64, error) {
	return n.t.copyTo(ctx, n.id, n.Path(), w)
}

// Folder is an inner node of a cloud tree. Its children and loaded flag
// are replaced together by Load and Reload.
type Folder struct {
	t      *tree
	parent *Folder
	name   string
	id     string
	size   int64

	mu       sync.Mutex
	children []Node
	loaded   bool
}

func (f *Folder) node()           {}
func (f *Folder) Name() string    { return f.name }
func (f *Folder) ID() string      { return f.id }
func (f *Folder) Size() int64     { return f.size }
func (f *Folder) IsFolder() bool  { return true }
func (f *Folder) Parent() *Folder { return f.parent }

// IsRoot reports whether f is the root of its tree.
func (f *Folder) IsRoot() bool {
	return f.parent == nil
}

// Space returns the cloud the folder belongs to.
func (f *Folder) Space() Space {
	return f.t.space
}

// Path returns "" for the root, else the parent's path followed by a
// backslash and the name.
func (f *Folder) Path() string {
	if f.parent == nil {
		return ""
	}
	return f.parent.Path() + Separator + f.name
}

func (f *Folder) String() string {
	if f.parent == nil {
		return "folder <root>"
	}
	return "folder " + f.Path()
}

// Location returns the coordinates used to fetch this folder's listing.
func (f *Folder) Location() Location {
	loc := Location{Space: f.t.space, OwnerID: f.t.owner, Folder: RootToken}
	if f.parent != nil {
		loc.Folder = f.Path()
	}
	return loc
}

// Loaded reports whether the cached children are a complete listing.
func (f *Folder) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

// Children returns a copy of the cached children without loading.
func (f *Folder) Children() []Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Node, len(f.children))
	copy(out, f.children)
	return out
}

// DefaultFilename is the local file name used when saving the folder archive.
func (f *Folder) DefaultFilename() string {
	return f.name + ".zip"
}

// Download copies a zip archive of the folder to w.
func (f *Folder) Download(ctx context.Context, w io.Writer) (int64, error) {
	if f.parent == nil && f.t.space == SpacePersonal {
		return 0, ErrRootDownload
	}
	return f.t.copyTo(ctx, f.id, f.Path(), w)
}

func (t *tree) open(ctx context.Context, id string) (io.ReadCloser, error) {
	if t.downloader == nil {
		return nil, ErrNoDownloader
	}
	return t.downloader.Download(ctx, DownloadKind, id)
}

func (t *tree) copyTo(ctx context.Context, id, path string, w io.Writer) (int64, error) {
	rc, err := t.open(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", path, err)
	}
	defer rc.Close()

	written, err := io.Copy(w, rc)
	if err != nil {
		return written, fmt.Errorf("download %s: %w", path, err)
	}
	return written, nil
}
