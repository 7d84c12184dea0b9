package core

// Cold storage: optional persistent tier. One file per atom at
// {dir}/{hex(id)[0:2]}/{hex(id)}, contents the canonical encoding.
// Writes go through a temp file + rename with a directory fsync, so a
// crash never leaves a torn atom; startup rescans the tree to rebuild
// the byte accounting. Writers serialize behind one mutex, readers go
// straight to the filesystem.

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"

	"github.com/astreum/astreum-go/pkg/utils"
)

// ColdStorage is the on-disk atom tier.
type ColdStorage struct {
	dir   string
	limit int64

	mu   sync.Mutex
	used int64
	log  *logrus.Entry
}

// OpenColdStorage opens (or creates) the store rooted at dir, bounded
// to limit bytes, and rescans existing atoms to recover accounting.
func OpenColdStorage(dir string, limit int64, lg *logrus.Logger) (*ColdStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, utils.Wrap(err, "cold storage mkdir")
	}
	c := &ColdStorage{
		dir:   dir,
		limit: limit,
		log:   lg.WithField("component", "cold_storage"),
	}
	if err := c.rescan(); err != nil {
		return nil, utils.Wrap(err, "cold storage rescan")
	}
	c.log.Debugf("opened dir=%s used=%d limit=%d", dir, c.used, limit)
	return c, nil
}

func (c *ColdStorage) rescan() error {
	c.used = 0
	return filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			c.used += info.Size()
		}
		return nil
	})
}

func (c *ColdStorage) path(id Hash) string {
	hexID := id.Hex()
	return filepath.Join(c.dir, hexID[:2], hexID)
}

// Get reads the atom for id from disk. Corrupt files are treated as
// absent.
func (c *ColdStorage) Get(id Hash) (*Atom, bool) {
	b, err := os.ReadFile(c.path(id))
	if err != nil {
		return nil, false
	}
	a, err := DecodeAtom(b)
	if err != nil {
		c.log.Warnf("corrupt atom file %s: %v", id.Hex(), err)
		return nil, false
	}
	return a, true
}

// Has reports whether the atom is present without reading it.
func (c *ColdStorage) Has(id Hash) bool {
	_, err := os.Stat(c.path(id))
	return err == nil
}

// Set persists the atom, evicting the oldest atoms by mtime until the
// new one fits. It returns false when the atom alone exceeds the entire
// budget, or when eviction or the file write fails.
func (c *ColdStorage) Set(id Hash, a *Atom) bool {
	enc := a.Encode()
	size := int64(len(enc))
	if size > c.limit {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.path(id)
	if _, err := os.Stat(p); err == nil {
		return true
	}
	for c.used+size > c.limit {
		if !c.evictOldestLocked() {
			return false
		}
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.log.Warnf("mkdir %s: %v", dir, err)
		return false
	}
	tmp, err := os.CreateTemp(dir, ".atom-*")
	if err != nil {
		c.log.Warnf("temp file for %s: %v", id.Hex(), err)
		return false
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(enc); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, p)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		c.log.Warnf("write atom %s: %v", id.Hex(), err)
		return false
	}
	c.fsyncDir(dir)
	c.used += size
	return true
}

// fsyncDir flushes the directory entry so the rename survives a crash.
func (c *ColdStorage) fsyncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// evictOldestLocked removes the single oldest atom file by mtime.
func (c *ColdStorage) evictOldestLocked() bool {
	var oldestPath string
	var oldestTime time.Time
	var oldestSize int64
	err := filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if oldestPath == "" || info.ModTime().Before(oldestTime) {
			oldestPath = path
			oldestTime = info.ModTime()
			oldestSize = info.Size()
		}
		return nil
	})
	if err != nil || oldestPath == "" {
		return false
	}
	if err := os.Remove(oldestPath); err != nil {
		c.log.Warnf("evict %s: %v", oldestPath, err)
		return false
	}
	c.used -= oldestSize
	return true
}

// Used returns the current byte usage.
func (c *ColdStorage) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}
