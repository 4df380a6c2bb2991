// Package cache keeps downloaded cloud files on local disk.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edclient/edclient/internal/logging"
	"github.com/edclient/edclient/internal/metrics"
)

const tempSuffix = ".tmp"

// Entry is one cached file.
type Entry struct {
	Key        string
	LocalPath  string
	Size       int64
	LastAccess time.Time
}

// Cache manages locally cached files, evicting the least recently used
// ones when the total size would exceed the limit.
type Cache struct {
	dir     string
	maxSize int64

	mu      sync.Mutex
	entries map[string]*Entry
	size    int64
}

// New creates a cache in dir. A maxSize of zero or less disables eviction.
func New(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[string]*Entry),
	}, nil
}

// CacheKey derives a file name safe key from the parts identifying a remote
// file, such as its cloud, owner and id.
func CacheKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:16])
}

// Scan indexes the files already present in the cache directory, so a
// cache survives restarts. Leftover temporary files are removed.
func (c *Cache) Scan() (int, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("scan cache dir: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, de.Name())
		if strings.HasSuffix(de.Name(), tempSuffix) {
			os.Remove(path)
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if old, ok := c.entries[de.Name()]; ok {
			c.size -= old.Size
		}
		c.entries[de.Name()] = &Entry{
			Key:        de.Name(),
			LocalPath:  path,
			Size:       info.Size(),
			LastAccess: info.ModTime(),
		}
		c.size += info.Size()
		count++
	}
	metrics.SetCacheBytes(c.size)
	return count, nil
}

// Get returns the local path if the key is cached.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	metrics.RecordCacheLookup(ok)
	if !ok {
		return "", false
	}
	entry.LastAccess = time.Now()
	return entry.LocalPath, true
}

// Put stores r under key and returns the local path. Content is streamed
// into a temporary file without holding the cache lock, so lookups of other
// keys proceed during a slow download. The index is updated, and room made,
// only once the file is complete. size is the announced size and is only
// logged; the written size is what counts.
func (c *Cache) Put(key string, r io.Reader, size int64) (string, error) {
	f, err := os.CreateTemp(c.dir, "*"+tempSuffix)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := f.Name()
	written, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("write content: %w", err)
	}
	if written != size {
		logging.Debug("cache size differs from hint",
			zap.String("key", key),
			zap.Int64("hint", size),
			zap.Int64("written", written))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	c.makeRoomLocked(written)

	localPath := filepath.Join(c.dir, key)
	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename temp file: %w", err)
	}

	c.entries[key] = &Entry{
		Key:        key,
		LocalPath:  localPath,
		Size:       written,
		LastAccess: time.Now(),
	}
	c.size += written
	metrics.SetCacheBytes(c.size)

	return localPath, nil
}

// Evict removes a key from the cache.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	metrics.SetCacheBytes(c.size)
}

// Clear removes every cached file and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.entries)
	for key := range c.entries {
		c.removeLocked(key)
	}
	metrics.SetCacheBytes(c.size)
	return count
}

// makeRoomLocked evicts least recently used entries until size more bytes
// fit. Must be called with lock held.
func (c *Cache) makeRoomLocked(size int64) {
	if c.maxSize <= 0 {
		return
	}
	for c.size+size > c.maxSize {
		if !c.evictOldestLocked() {
			return
		}
	}
}

func (c *Cache) evictOldestLocked() bool {
	var oldest *Entry
	for _, entry := range c.entries {
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}
	if oldest == nil {
		return false
	}
	logging.Debug("cache evict",
		zap.String("key", oldest.Key),
		zap.Int64("size", oldest.Size))
	c.removeLocked(oldest.Key)
	return true
}

func (c *Cache) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	os.Remove(entry.LocalPath)
	c.size -= entry.Size
	delete(c.entries, key)
}

// Stats returns cache statistics.
func (c *Cache) Stats() (size, maxSize int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.maxSize, len(c.entries)
}

// Contains reports whether key is cached, without touching its access time.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Dir returns the cache directory path.
func (c *Cache) Dir() string {
	return c.dir
}
