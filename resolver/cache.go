package resolver

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Cache is a content-addressed on-disk store of raw info-dict bytes,
// keyed by infohash hex and sharded into two levels of 2-character
// prefix directories to bound fan-out.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) path(infoHash [20]byte) string {
	name := hex.EncodeToString(infoHash[:])
	return filepath.Join(c.dir, name[:2], name[2:4], name)
}

// Get returns the cached info-dict bytes, re-verifying the hash so a
// corrupted cache file can never satisfy a resolution.
func (c *Cache) Get(infoHash [20]byte) ([]byte, error) {
	if c == nil || c.dir == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(c.path(infoHash))
	if err != nil {
		return nil, err
	}
	if sum := sha1.Sum(data); !bytes.Equal(sum[:], infoHash[:]) {
		return nil, fmt.Errorf("cache entry for %x is corrupted", infoHash)
	}
	return data, nil
}

// Put writes atomically so concurrent writers of the same key cannot
// interleave.
func (c *Cache) Put(infoHash [20]byte, data []byte) error {
	if c == nil || c.dir == "" {
		return nil
	}
	path := c.path(infoHash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
