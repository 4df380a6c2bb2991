package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/edclient/edclient/internal/fsutil"
	"github.com/edclient/edclient/internal/ledger"
	"github.com/edclient/edclient/internal/logging"
	"github.com/edclient/edclient/internal/mirror"
	"github.com/edclient/edclient/pkg/cache"
	"github.com/edclient/edclient/pkg/cloud"
	"github.com/edclient/edclient/pkg/fuse"
)

func cmdClouds(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("clouds")
	if err := a.parse(ctx, fs, args); err != nil {
		return err
	}
	c, err := a.Client(ctx)
	if err != nil {
		return err
	}
	refs, err := c.ClassClouds(ctx)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Println("No class cloud")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE")
	for _, r := range refs {
		fmt.Fprintf(w, "%d\t%s\n", r.ID, r.Title)
	}
	return w.Flush()
}

// resolve finds the node at a user supplied path, which may use slashes or
// backslashes. An empty path is the root.
func resolve(ctx context.Context, root *cloud.Folder, path string) (cloud.Node, error) {
	path = strings.Trim(strings.ReplaceAll(path, "/", cloud.Separator), cloud.Separator)
	if path == "" {
		return root, nil
	}
	n, err := root.FileByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("%s: no such file or folder", path)
	}
	return n, nil
}

func cmdTree(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("tree")
	classID := fs.Int("class", 0, "Class cloud id (default: personal cloud)")
	if err := a.parse(ctx, fs, args); err != nil {
		return err
	}
	root, err := a.Cloud(ctx, *classID)
	if err != nil {
		return err
	}
	n, err := resolve(ctx, root, fs.Arg(0))
	if err != nil {
		return err
	}
	folder, ok := n.(*cloud.Folder)
	if !ok {
		return &cloud.NotAFolderError{Path: n.Path()}
	}

	snap, err := folder.Tree(ctx)
	if err != nil {
		return err
	}
	printSnapshot(os.Stdout, snap, "")
	folders, files := snap.Count()
	fmt.Printf("\n%d folders, %d files\n", folders, files)
	return nil
}

func printSnapshot(w io.Writer, s cloud.Snapshot, indent string) {
	for _, name := range s.Names() {
		e := s[name]
		if e.IsFolder() {
			fmt.Fprintf(w, "%s%s/\n", indent, name)
			printSnapshot(w, e.Folder, indent+"  ")
			continue
		}
		fmt.Fprintf(w, "%s%s (%s)\n", indent, name, formatSize(e.File.Size()))
	}
}

func cmdLs(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("ls")
	classID := fs.Int("class", 0, "Class cloud id (default: personal cloud)")
	reload := fs.Bool("reload", false, "Fetch the listing again")
	if err := a.parse(ctx, fs, args); err != nil {
		return err
	}
	root, err := a.Cloud(ctx, *classID)
	if err != nil {
		return err
	}
	n, err := resolve(ctx, root, fs.Arg(0))
	if err != nil {
		return err
	}
	folder, ok := n.(*cloud.Folder)
	if !ok {
		fmt.Printf("%s\t%s\n", formatSize(n.Size()), n.Path())
		return nil
	}

	load := folder.Load
	if *reload {
		load = folder.Reload
	}
	if err := load(ctx); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSIZE\tNAME")
	for _, child := range folder.Children() {
		kind, name := "file", child.Name()
		if child.IsFolder() {
			kind, name = "dir", name+"/"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", kind, formatSize(child.Size()), name)
	}
	return w.Flush()
}

// downloadable is a File, or a Folder served as a zip archive.
type downloadable interface {
	cloud.Node
	DefaultFilename() string
	Download(ctx context.Context, w io.Writer) (int64, error)
}

func cmdGet(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("get")
	classID := fs.Int("class", 0, "Class cloud id (default: personal cloud)")
	out := fs.String("o", "", "Output file (default: the remote name in the current directory)")
	if err := a.parse(ctx, fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: edclient get [-class id] [-o file] <path>")
	}
	root, err := a.Cloud(ctx, *classID)
	if err != nil {
		return err
	}
	n, err := resolve(ctx, root, fs.Arg(0))
	if err != nil {
		return err
	}
	d, ok := n.(downloadable)
	if !ok {
		return fmt.Errorf("%s cannot be downloaded", n.Path())
	}

	dest := *out
	if dest == "" {
		dest = filepath.Base(d.DefaultFilename())
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := d.Download(ctx, pw)
		pw.CloseWithError(err)
	}()
	written, err := fsutil.WriteFileAtomic(dest, pr)
	pr.CloseWithError(err)
	if err != nil {
		return err
	}

	logging.Info("downloaded",
		zap.String("path", n.Path()),
		zap.String("dest", dest),
		zap.Int64("bytes", written))
	fmt.Printf("%s -> %s (%s)\n", n.Path(), dest, formatSize(written))
	return nil
}

func cmdMount(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("mount")
	classID := fs.Int("class", 0, "Class cloud id (default: personal cloud)")
	cacheDir := fs.String("cache", a.cfg.CacheDir, "Cache directory")
	maxCache := fs.Int64("max-cache", a.cfg.MaxCacheSize, "Maximum cache size in bytes")
	allowOther := fs.Bool("allow-other", false, "Let other users access the mount")
	debug := fs.Bool("debug", false, "Log every FUSE request")
	if err := a.parse(ctx, fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: edclient mount [-class id] <mountpoint>")
	}
	mountPoint := fs.Arg(0)

	root, err := a.Cloud(ctx, *classID)
	if err != nil {
		return err
	}

	c, err := cache.New(*cacheDir, *maxCache)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	if n, err := c.Scan(); err != nil {
		logging.Warn("cache scan failed", zap.Error(err))
	} else {
		logging.Info("cache ready",
			zap.String("dir", c.Dir()),
			zap.Int("files", n),
			zap.Int64("max_bytes", *maxCache))
	}

	name := "edclient-personal"
	if *classID != 0 {
		name = fmt.Sprintf("edclient-class-%d", *classID)
	}
	fsys := fuse.New(root, c, fuse.Config{Name: name, AllowOther: *allowOther, Debug: *debug})
	server, err := fsys.Mount(mountPoint)
	if err != nil {
		return err
	}

	fmt.Printf("Mounted at %s (read-only). Press Ctrl+C to unmount.\n", mountPoint)
	<-ctx.Done()

	logging.Info("unmounting", zap.String("mountpoint", mountPoint))
	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}

	st := fsys.Stats()
	used, maxSize, count := fsys.CacheStats()
	logging.Info("mount stats",
		zap.Int64("lookups", st.Lookups.Load()),
		zap.Int64("listings", st.Listings.Load()),
		zap.Int64("cache_hits", st.CacheHits.Load()),
		zap.Int64("cache_misses", st.CacheMisses.Load()),
		zap.Int64("bytes_downloaded", st.BytesDownloaded.Load()),
		zap.Int64("failed_fetches", st.FailedFetches.Load()),
		zap.Int64("writes_rejected", st.WritesRejected.Load()),
		zap.Int("cached_files", count),
		zap.Int64("cache_used", used),
		zap.Int64("cache_max", maxSize))
	return nil
}

func cmdMirror(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("mirror")
	classID := fs.Int("class", 0, "Class cloud id (default: personal cloud)")
	dest := fs.String("dest", "", "Destination directory (default: S3_BUCKET if set, else ./mirror)")
	workers := fs.Int("workers", a.cfg.MirrorWorkers, "Concurrent downloads")
	if err := a.parse(ctx, fs, args); err != nil {
		return err
	}

	sink, err := a.mirrorSink(ctx, *dest)
	if err != nil {
		return err
	}

	var l ledger.Ledger = ledger.NewMemory()
	if a.cfg.DatabaseURL != "" {
		p, err := ledger.NewPostgres(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer p.Close()
		l = p
	}

	root, err := a.Cloud(ctx, *classID)
	if err != nil {
		return err
	}
	m, err := mirror.New(mirror.Options{Sink: sink, Ledger: l, Workers: *workers})
	if err != nil {
		return err
	}

	res, err := m.Run(ctx, root)
	fmt.Printf("%d files: %d copied (%s), %d unchanged, %d failed in %s\n",
		res.Files, res.Copied, formatSize(res.Bytes), res.Skipped, len(res.Failed),
		res.Duration.Round(100*time.Millisecond))
	for _, f := range res.Failed {
		fmt.Fprintf(os.Stderr, "  failed: %v\n", f)
	}
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d files could not be mirrored", len(res.Failed))
	}
	return nil
}

func (a *app) mirrorSink(ctx context.Context, dest string) (mirror.Sink, error) {
	if dest == "" && a.cfg.S3Bucket != "" {
		return mirror.NewS3Sink(ctx, mirror.S3Config{
			Endpoint:  a.cfg.S3Endpoint,
			Bucket:    a.cfg.S3Bucket,
			AccessKey: a.cfg.S3AccessKey,
			SecretKey: a.cfg.S3SecretKey,
			Region:    a.cfg.S3Region,
			Prefix:    a.cfg.S3Prefix,
		})
	}
	if dest == "" {
		dest = "mirror"
	}
	return mirror.NewDirSink(dest)
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
