package cloud

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edclient/edclient/internal/logging"
	"github.com/edclient/edclient/internal/metrics"
)

// Load fetches the folder's children unless they are already complete.
// On failure the folder keeps its previous state.
func (f *Folder) Load(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		return nil
	}
	return f.fetchLocked(ctx, false)
}

// Reload fetches the folder's children even if they are already complete.
func (f *Folder) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchLocked(ctx, true)
}

// fetchLocked replaces children and loaded flag from a fresh listing.
// Must be called with f.mu held.
func (f *Folder) fetchLocked(ctx context.Context, reload bool) error {
	loc := f.Location()
	start := time.Now()

	listing, err := f.t.fetcher.FetchListing(ctx, loc)
	if err == nil && listing == nil {
		err = errors.New("empty listing")
	}
	var children []Node
	if err == nil {
		children, err = buildChildren(f.t, f, listing.Children)
	}
	metrics.RecordFolderLoad(string(loc.Space), reload, err == nil, time.Since(start))
	if err != nil {
		logging.Warn("folder listing failed",
			zap.Stringer("location", loc),
			zap.Bool("reload", reload),
			zap.Error(err))
		return wrapFetch(loc, err)
	}

	f.children = children
	f.loaded = listing.Loaded

	logging.Debug("folder listed",
		zap.Stringer("location", loc),
		zap.Int("children", len(children)),
		zap.Bool("loaded", listing.Loaded),
		zap.Bool("reload", reload))
	return nil
}

// ChildByName loads the folder and returns the first child whose name
// matches, ignoring case and surrounding whitespace. It returns nil, nil
// when no child matches.
func (f *Folder) ChildByName(ctx context.Context, name string) (Node, error) {
	if err := f.Load(ctx); err != nil {
		return nil, err
	}
	for _, child := range f.Children() {
		if sameName(child.Name(), name) {
			return child, nil
		}
	}
	return nil, nil
}

// FileByPath resolves a slash separated path below the folder, loading
// each folder it goes through. Backslashes are accepted as separators.
// The last node is returned without being loaded. It returns nil, nil
// when a segment does not exist and a NotAFolderError when the path
// continues below a file.
func (f *Folder) FileByPath(ctx context.Context, path string) (Node, error) {
	path = strings.ReplaceAll(path, `\`, "/")
	head, tail, _ := strings.Cut(path, "/")

	child, err := f.ChildByName(ctx, head)
	if err != nil || child == nil {
		return nil, err
	}
	if tail == "" {
		return child, nil
	}

	sub, ok := child.(*Folder)
	if !ok {
		return nil, &NotAFolderError{Path: child.Path(), Rest: tail}
	}
	return sub.FileByPath(ctx, tail)
}

// LoadAll loads the folder and, recursively, every folder below it.
// Folders already loaded are not fetched again. The first error stops the
// walk; folders loaded before it keep their new state.
func (f *Folder) LoadAll(ctx context.Context) error {
	return f.loadTree(ctx, (*Folder).Load)
}

// ReloadAll reloads the folder and every folder below it.
func (f *Folder) ReloadAll(ctx context.Context) error {
	return f.loadTree(ctx, (*Folder).Reload)
}

func (f *Folder) loadTree(ctx context.Context, load func(*Folder, context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := load(f, ctx); err != nil {
		return err
	}
	for _, child := range f.Children() {
		if sub, ok := child.(*Folder); ok {
			if err := sub.loadTree(ctx, load); err != nil {
				return err
			}
		}
	}
	return nil
}

// SnapshotEntry is one child in a Snapshot: a file, or a nested snapshot
// for a folder.
type SnapshotEntry struct {
	File   *File
	Folder Snapshot
}

// IsFolder reports whether the entry is a folder.
func (e SnapshotEntry) IsFolder() bool {
	return e.File == nil
}

// Snapshot maps child names to their entries. It is a copy and does not
// follow later loads of the live tree. When two children share a name the
// last one wins.
type Snapshot map[string]SnapshotEntry

// Tree fully loads the folder's subtree and returns a snapshot of it.
func (f *Folder) Tree(ctx context.Context) (Snapshot, error) {
	if err := f.LoadAll(ctx); err != nil {
		return nil, err
	}
	return f.snapshot(), nil
}

func (f *Folder) snapshot() Snapshot {
	children := f.Children()
	s := make(Snapshot, len(children))
	for _, child := range children {
		switch n := child.(type) {
		case *Folder:
			s[n.name] = SnapshotEntry{Folder: n.snapshot()}
		case *File:
			s[n.name] = SnapshotEntry{File: n}
		}
	}
	return s
}

// Names returns the snapshot keys in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count counts the folders and files in the snapshot, recursively.
func (s Snapshot) Count() (folders, files int) {
	for _, e := range s {
		if e.IsFolder() {
			folders++
			sub, subFiles := e.Folder.Count()
			folders += sub
			files += subFiles
		} else {
			files++
		}
	}
	return folders, files
}

// Walk fully loads the subtree and calls fn for every node below f,
// parents before their children. An error from fn stops the walk.
func (f *Folder) Walk(ctx context.Context, fn func(Node) error) error {
	if err := f.LoadAll(ctx); err != nil {
		return err
	}
	return f.walk(fn)
}

func (f *Folder) walk(fn func(Node) error) error {
	for _, child := range f.Children() {
		if err := fn(child); err != nil {
			return err
		}
		if sub, ok := child.(*Folder); ok {
			if err := sub.walk(fn); err != nil {
				return err
			}
		}
	}
	return nil
}
