// Package fuse mounts a cloud tree as a read-only FUSE filesystem.
//
// Directories are listed lazily: the first Lookup or Readdir of a folder
// loads it from the API. Files are downloaded whole into the disk cache on
// first open and served from there.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/edclient/edclient/internal/logging"
	"github.com/edclient/edclient/internal/metrics"
	"github.com/edclient/edclient/pkg/cache"
	"github.com/edclient/edclient/pkg/cloud"
)

const xattrPrefix = "user.edclient."

// FS is a read-only view of a cloud tree.
type FS struct {
	root  *cloud.Folder
	cache *cache.Cache
	cfg   Config

	// mounted is reported as the time of every node; the API has none.
	mounted time.Time

	fetchMu sync.Mutex
	fetches map[string]*sync.Mutex

	stats Stats
}

// Stats holds filesystem statistics.
type Stats struct {
	Lookups         atomic.Int64
	Listings        atomic.Int64
	CacheHits       atomic.Int64
	CacheMisses     atomic.Int64
	ContentFetches  atomic.Int64
	BytesDownloaded atomic.Int64
	BytesFromCache  atomic.Int64
	FailedFetches   atomic.Int64
	WritesRejected  atomic.Int64
}

// Config holds mount options.
type Config struct {
	Name       string
	AllowOther bool
	Debug      bool
}

// New creates a filesystem serving root, caching file content in c.
func New(root *cloud.Folder, c *cache.Cache, cfg Config) *FS {
	if cfg.Name == "" {
		cfg.Name = "edclient"
	}
	return &FS{
		root:    root,
		cache:   c,
		cfg:     cfg,
		mounted: time.Now(),
		fetches: make(map[string]*sync.Mutex),
	}
}

// Mount mounts the filesystem at mountPoint. Call Wait or Unmount on the
// returned server.
func (f *FS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	timeout := time.Second
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			FsName:     f.cfg.Name,
			Name:       "edclient",
			Options:    []string{"ro"},
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, f.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	logging.Info("mounted cloud",
		zap.String("mountpoint", mountPoint),
		zap.Stringer("root", f.root))
	return server, nil
}

// Root returns the node of the tree root.
func (f *FS) Root() *Node {
	return &Node{fsys: f, node: f.root}
}

// Stats returns the live statistics counters.
func (f *FS) Stats() *Stats {
	return &f.stats
}

// CacheStats returns cache statistics.
func (f *FS) CacheStats() (used, max int64, count int) {
	return f.cache.Stats()
}

// cacheKey identifies the content of a file. The size is part of the key
// so a file replaced on the server is fetched again.
func cacheKey(file *cloud.File) string {
	loc := file.Parent().Location()
	return cache.CacheKey(string(loc.Space), strconv.Itoa(loc.OwnerID), file.ID(),
		strconv.FormatInt(file.Size(), 10))
}

// lockKey serializes downloads of one file.
func (f *FS) lockKey(key string) func() {
	f.fetchMu.Lock()
	mu, ok := f.fetches[key]
	if !ok {
		mu = &sync.Mutex{}
		f.fetches[key] = mu
	}
	f.fetchMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// fetch returns the cached path of file, downloading it on a miss.
func (f *FS) fetch(ctx context.Context, file *cloud.File) (string, error) {
	key := cacheKey(file)
	if path, ok := f.cache.Get(key); ok {
		f.stats.CacheHits.Add(1)
		return path, nil
	}

	unlock := f.lockKey(key)
	defer unlock()

	// Another open may have fetched it while we waited.
	if path, ok := f.cache.Get(key); ok {
		f.stats.CacheHits.Add(1)
		return path, nil
	}
	f.stats.CacheMisses.Add(1)

	rc, err := file.Open(ctx)
	if err != nil {
		f.stats.FailedFetches.Add(1)
		return "", err
	}
	defer rc.Close()

	path, err := f.cache.Put(key, rc, file.Size())
	if err != nil {
		f.stats.FailedFetches.Add(1)
		return "", err
	}
	f.stats.ContentFetches.Add(1)
	if info, err := os.Stat(path); err == nil {
		f.stats.BytesDownloaded.Add(info.Size())
	}
	logging.Debug("fetched file",
		zap.String("path", file.Path()),
		zap.Int64("size", file.Size()))
	return path, nil
}

// isCached reports whether file content is in the cache without counting
// a lookup.
func (f *FS) isCached(file *cloud.File) bool {
	return f.cache.Contains(cacheKey(file))
}

// errno maps tree and download errors to FUSE error numbers.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	case cloud.IsNotAFolder(err):
		return syscall.ENOTDIR
	case errors.Is(err, cloud.ErrRootDownload), errors.Is(err, cloud.ErrNoDownloader):
		return syscall.EACCES
	default:
		return syscall.EIO
	}
}

// Node is a file or folder of the mounted tree.
type Node struct {
	fs.Inode

	fsys *FS
	node cloud.Node
}

var (
	_ fs.InodeEmbedder   = (*Node)(nil)
	_ fs.NodeGetattrer   = (*Node)(nil)
	_ fs.NodeLookuper    = (*Node)(nil)
	_ fs.NodeReaddirer   = (*Node)(nil)
	_ fs.NodeOpener      = (*Node)(nil)
	_ fs.NodeGetxattrer  = (*Node)(nil)
	_ fs.NodeListxattrer = (*Node)(nil)
	_ fs.NodeCreater     = (*Node)(nil)
	_ fs.NodeMkdirer     = (*Node)(nil)
	_ fs.NodeUnlinker    = (*Node)(nil)
	_ fs.NodeRmdirer     = (*Node)(nil)
	_ fs.NodeRenamer     = (*Node)(nil)
	_ fs.NodeSetattrer   = (*Node)(nil)
)

func modeOf(n cloud.Node) uint32 {
	if n.IsFolder() {
		return 0555 | syscall.S_IFDIR
	}
	return 0444 | syscall.S_IFREG
}

func (n *Node) fillAttr(out *gofuse.Attr) {
	out.Mode = modeOf(n.node)
	if !n.node.IsFolder() {
		out.Size = uint64(n.node.Size())
	}
	mtime := uint64(n.fsys.mounted.Unix())
	out.Mtime, out.Atime, out.Ctime = mtime, mtime, mtime
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

// Getattr returns attributes from the listing. It never downloads content.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.fillAttr(&out.Attr)
	return 0
}

// Lookup finds a child by name, ignoring case, loading the folder if needed.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	folder, ok := n.node.(*cloud.Folder)
	if !ok {
		return nil, syscall.ENOTDIR
	}
	n.fsys.stats.Lookups.Add(1)

	child, err := folder.ChildByName(ctx, name)
	metrics.RecordFuseOp("lookup", err == nil)
	if err != nil {
		logging.Warn("lookup failed",
			zap.String("folder", folder.Path()),
			zap.String("name", name),
			zap.Error(err))
		return nil, errno(err)
	}
	if child == nil {
		return nil, syscall.ENOENT
	}

	node := &Node{fsys: n.fsys, node: child}
	node.fillAttr(&out.Attr)
	return n.NewInode(ctx, node, fs.StableAttr{Mode: modeOf(child)}), 0
}

// Readdir loads the folder and lists its children.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	folder, ok := n.node.(*cloud.Folder)
	if !ok {
		return nil, syscall.ENOTDIR
	}
	n.fsys.stats.Listings.Add(1)

	err := folder.Load(ctx)
	metrics.RecordFuseOp("readdir", err == nil)
	if err != nil {
		logging.Warn("readdir failed", zap.String("folder", folder.Path()), zap.Error(err))
		return nil, errno(err)
	}

	children := folder.Children()
	entries := make([]gofuse.DirEntry, 0, len(children))
	for _, child := range children {
		entries = append(entries, gofuse.DirEntry{
			Name: child.Name(),
			Mode: modeOf(child) & syscall.S_IFMT,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Open downloads the file into the cache on first use.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	file, ok := n.node.(*cloud.File)
	if !ok {
		return nil, 0, syscall.EISDIR
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, n.rejectWrite()
	}

	path, err := n.fsys.fetch(ctx, file)
	metrics.RecordFuseOp("open", err == nil)
	if err != nil {
		logging.Error("open failed", zap.String("path", file.Path()), zap.Error(err))
		return nil, 0, errno(err)
	}

	fd, err := os.Open(path)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &FileHandle{fsys: n.fsys, file: fd}, gofuse.FOPEN_KEEP_CACHE, 0
}

// Getxattr exposes the remote id, path, size and cache state.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, ok := n.xattr(attr)
	if !ok {
		return 0, syscall.ENODATA
	}
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

func (n *Node) xattrNames() []string {
	names := []string{"id", "path", "size"}
	if !n.node.IsFolder() {
		names = append(names, "cached")
	}
	return names
}

func (n *Node) xattr(attr string) (string, bool) {
	switch attr {
	case xattrPrefix + "id":
		return n.node.ID(), true
	case xattrPrefix + "path":
		return n.node.Path(), true
	case xattrPrefix + "size":
		return strconv.FormatInt(n.node.Size(), 10), true
	case xattrPrefix + "cached":
		file, ok := n.node.(*cloud.File)
		if !ok {
			return "", false
		}
		return strconv.FormatBool(n.fsys.isCached(file)), true
	}
	return "", false
}

// Listxattr lists the extended attributes of the node.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	var total int
	names := n.xattrNames()
	for _, name := range names {
		total += len(xattrPrefix) + len(name) + 1
	}
	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}

	offset := 0
	for _, name := range names {
		offset += copy(dest[offset:], xattrPrefix+name)
		dest[offset] = 0
		offset++
	}
	return uint32(total), 0
}

func (n *Node) rejectWrite() syscall.Errno {
	n.fsys.stats.WritesRejected.Add(1)
	metrics.RecordFuseOp("write", false)
	return syscall.EROFS
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, n.rejectWrite()
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, n.rejectWrite()
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.rejectWrite()
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.rejectWrite()
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return n.rejectWrite()
}

func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	return n.rejectWrite()
}

// FileHandle reads an open file from its cached copy.
type FileHandle struct {
	fsys *FS

	mu   sync.Mutex
	file *os.File
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil, syscall.EBADF
	}

	n, err := h.file.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, syscall.EIO
	}
	h.fsys.stats.BytesFromCache.Add(int64(n))
	return gofuse.ReadResultData(dest[:n]), 0
}

func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file != nil {
		h.file.Close()
		h.file = nil
	}
	return 0
}
