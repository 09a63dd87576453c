package sitecache

import (
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func entry(body string, storedAt int64) CacheEntry {
	return CacheEntry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"text/css"}},
		Body:     []byte(body),
		StoredAt: storedAt,
	}
}

func TestCachePutMatch(t *testing.T) {
	s := newTestStorage(t)
	t.Cleanup(func() { _ = s.Close() })

	c, err := s.Open("site-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put("http://site/a.css", entry("a", 1)))

	got, ok := c.Match("http://site/a.css")
	require.True(t, ok)
	assert.Equal(t, "a", string(got.Body))
	assert.Equal(t, "text/css", got.Header.Get("Content-Type"))

	_, ok = c.Match("http://site/b.css")
	assert.False(t, ok)

	other, err := s.Open("site-v2")
	require.NoError(t, err)
	_, ok = other.Match("http://site/a.css")
	assert.False(t, ok)
}

func TestCacheMatchFallsBackToDisk(t *testing.T) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	// RAM tier too small for any entry
	s, err := newCacheStorage(db, 16, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c, err := s.Open("site-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put("http://site/a.css", entry("body", 1)))
	assert.Equal(t, int64(0), s.RAMSize())

	got, ok := c.Match("http://site/a.css")
	require.True(t, ok)
	assert.Equal(t, "body", string(got.Body))
}

func TestStorageDeleteGeneration(t *testing.T) {
	s := newTestStorage(t)
	t.Cleanup(func() { _ = s.Close() })

	v1, err := s.Open("site-v1")
	require.NoError(t, err)
	v10, err := s.Open("site-v10")
	require.NoError(t, err)
	require.NoError(t, v1.PutAll([]Record{
		{URL: "http://site/a", Entry: entry("a", 1)},
		{URL: "http://site/b", Entry: entry("b", 1)},
	}))
	require.NoError(t, v10.Put("http://site/a", entry("a10", 1)))
	require.Equal(t, 3, s.EntryCount())

	deleted, err := s.Delete("site-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	names, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"site-v10"}, names)
	assert.Equal(t, 1, s.EntryCount())
	_, ok := v1.Match("http://site/a")
	assert.False(t, ok)
	got, ok := v10.Match("http://site/a")
	require.True(t, ok)
	assert.Equal(t, "a10", string(got.Body))

	deleted, err = s.Delete("site-v1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStorageEvictsOldestOverDiskLimit(t *testing.T) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	s, err := newCacheStorage(db, 0, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c, err := s.Open("site-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put("http://site/old", entry("old", 1)))
	require.NoError(t, c.Put("http://site/new", entry("new", 2)))

	_, ok := c.Match("http://site/old")
	assert.False(t, ok)
	_, ok = c.Match("http://site/new")
	assert.False(t, ok, "single remaining entry is still over the limit")
	assert.Equal(t, 0, s.EntryCount())
}

func TestStorageEvictionKeepsNewest(t *testing.T) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	s, err := newCacheStorage(db, 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c, err := s.Open("site-v1")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Put(fmt.Sprintf("http://site/%d", i), entry("x", int64(i))))
	}
	full := s.DiskSize()

	s.maxDisk = full - 1
	require.NoError(t, c.Put("http://site/latest", entry("x", 100)))

	assert.Less(t, s.EntryCount(), 21)
	_, ok := c.Match("http://site/0")
	assert.False(t, ok)
	_, ok = c.Match("http://site/latest")
	assert.True(t, ok)
}

func TestStorageReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")

	s, err := OpenCacheStorage(path, 1<<20, 1<<20)
	require.NoError(t, err)
	c, err := s.Open("site-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put("http://site/a", entry("a", 1)))
	require.NoError(t, s.SetActive("site-v1"))
	size := s.DiskSize()
	require.NoError(t, s.Close())

	s, err = OpenCacheStorage(path, 1<<20, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, size, s.DiskSize())
	assert.Equal(t, 1, s.EntryCount())
	active, ok := s.Active()
	assert.True(t, ok)
	assert.Equal(t, "site-v1", active)
	assert.True(t, s.Has("site-v1"))

	c, err = s.Open("site-v1")
	require.NoError(t, err)
	got, ok := c.Match("http://site/a")
	require.True(t, ok)
	assert.Equal(t, "a", string(got.Body))
}

func TestRAMCacheLRU(t *testing.T) {
	c := newRAMCache(10)
	c.Put("a", entry("a", 1), 4)
	c.Put("b", entry("b", 1), 4)
	_, _ = c.Get("a")
	c.Put("c", entry("c", 1), 4)

	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used goes first")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, int64(8), c.TotalSize())

	c.Put("huge", entry("h", 1), 11)
	_, ok = c.Get("huge")
	assert.False(t, ok)

	c.DeletePrefix("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, int64(4), c.TotalSize())
}

func TestCorruptDiskEntryIsAMiss(t *testing.T) {
	s := newTestStorage(t)
	t.Cleanup(func() { _ = s.Close() })

	c, err := s.Open("site-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put("http://site/a.css", entry("body{}", 1)))

	key := entryKey("site-v1", "http://site/a.css")
	b, err := s.db.Get([]byte(entryPrefix+key), nil)
	require.NoError(t, err)
	var stored CacheEntry
	require.NoError(t, decodeGob(b, &stored))
	assert.NotZero(t, stored.Hash32)

	stored.Body = []byte("body{color:red}")
	b, err = encodeGob(stored)
	require.NoError(t, err)
	require.NoError(t, s.db.Put([]byte(entryPrefix+key), b, nil))
	s.ram.Delete(key)

	_, ok := c.Match("http://site/a.css")
	assert.False(t, ok)
}
