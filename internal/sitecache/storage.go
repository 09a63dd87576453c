package sitecache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"net/http"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Disk layout:
//
//	g:<name>            generation marker
//	e:<name>\x00<url>   gob CacheEntry
//	m:<name>\x00<url>   gob diskMeta
//	a:active            name of the generation that last activated
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	metaPrefix  = "m:"
	activeKey   = "a:active"
	keySep      = "\x00"
)

func entryKey(name, url string) string { return name + keySep + url }

type diskMeta struct {
	Size     int64
	StoredAt int64
}

// CacheStorage holds every cache generation: a goleveldb store on disk with a
// RAM LRU in front.
type CacheStorage struct {
	db      *leveldb.DB
	maxDisk int64
	ram     *ramCache

	mu    sync.Mutex
	index map[string]diskMeta // by entryKey
	total int64
}

func OpenCacheStorage(path string, ramMax, diskMax int64) (*CacheStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache storage %s: %w", path, err)
	}
	s, err := newCacheStorage(db, ramMax, diskMax)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newCacheStorage(db *leveldb.DB, ramMax, diskMax int64) (*CacheStorage, error) {
	s := &CacheStorage{
		db:      db,
		maxDisk: diskMax,
		ram:     newRAMCache(ramMax),
		index:   map[string]diskMeta{},
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CacheStorage) Close() error {
	return s.db.Close()
}

func (s *CacheStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}
	s.mu.Lock()
	s.index = idx
	s.total = total
	s.mu.Unlock()
	return nil
}

// Open returns the named generation, creating it if needed.
func (s *CacheStorage) Open(name string) (*Cache, error) {
	if err := s.db.Put([]byte(genPrefix+name), nil, nil); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &Cache{s: s, name: name}, nil
}

func (s *CacheStorage) Has(name string) bool {
	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	return err == nil && ok
}

// Keys lists generation names in sorted order.
func (s *CacheStorage) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a generation and all of its entries. It reports whether the
// generation existed.
func (s *CacheStorage) Delete(name string) (bool, error) {
	if !s.Has(name) {
		return false, nil
	}
	prefix := name + keySep

	batch := new(leveldb.Batch)
	var keys []string
	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix+prefix)), nil)
	for it.Next() {
		k := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		keys = append(keys, k)
		batch.Delete([]byte(metaPrefix + k))
		batch.Delete([]byte(entryPrefix + k))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	batch.Delete([]byte(genPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}

	s.mu.Lock()
	for _, k := range keys {
		if meta, ok := s.index[k]; ok {
			s.total -= meta.Size
			delete(s.index, k)
		}
	}
	s.mu.Unlock()
	s.ram.DeletePrefix(prefix)
	return true, nil
}

func (s *CacheStorage) SetActive(name string) error {
	return s.db.Put([]byte(activeKey), []byte(name), nil)
}

// Active returns the generation recorded by the last successful activation.
func (s *CacheStorage) Active() (string, bool) {
	b, err := s.db.Get([]byte(activeKey), nil)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return string(b), true
}

func (s *CacheStorage) DiskSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *CacheStorage) RAMSize() int64 { return s.ram.TotalSize() }

// EntryCount returns the number of stored entries across all generations.
func (s *CacheStorage) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *CacheStorage) put(name string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	metas := make(map[string]diskMeta, len(recs))
	encoded := make(map[string]CacheEntry, len(recs))
	for _, rec := range recs {
		rec.Entry.Hash32 = crc32.ChecksumIEEE(rec.Entry.Body)
		b, err := encodeGob(rec.Entry)
		if err != nil {
			return fmt.Errorf("encode %s: %w", rec.URL, err)
		}
		meta := diskMeta{Size: int64(len(b)), StoredAt: rec.Entry.StoredAt}
		mb, err := encodeGob(meta)
		if err != nil {
			return fmt.Errorf("encode %s: %w", rec.URL, err)
		}
		key := entryKey(name, rec.URL)
		batch.Put([]byte(entryPrefix+key), b)
		batch.Put([]byte(metaPrefix+key), mb)
		metas[key] = meta
		encoded[key] = rec.Entry
	}
	// Writes into a generation that was purged concurrently re-create its
	// marker so the next activation collects it.
	batch.Put([]byte(genPrefix+name), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write cache %s: %w", name, err)
	}

	s.mu.Lock()
	for key, meta := range metas {
		if old, ok := s.index[key]; ok {
			s.total -= old.Size
		}
		s.index[key] = meta
		s.total += meta.Size
	}
	over := s.maxDisk > 0 && s.total > s.maxDisk
	s.mu.Unlock()

	for key, ent := range encoded {
		s.ram.Put(key, ent, metas[key].Size)
	}
	if over {
		s.evictSome()
	}
	return nil
}

func (s *CacheStorage) get(name, url string) (CacheEntry, bool) {
	key := entryKey(name, url)
	if ent, ok := s.ram.Get(key); ok {
		return ent, true
	}
	b, err := s.db.Get([]byte(entryPrefix+key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	if crc32.ChecksumIEEE(ent.Body) != ent.Hash32 {
		return CacheEntry{}, false
	}
	s.ram.Put(key, ent, int64(len(b)))
	return ent, true
}

// evictSome drops the oldest tenth of the stored entries.
func (s *CacheStorage) evictSome() {
	type item struct {
		key string
		m   diskMeta
	}
	s.mu.Lock()
	items := make([]item, 0, len(s.index))
	for k, m := range s.index {
		items = append(items, item{k, m})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.StoredAt < items[j].m.StoredAt
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}
	batch := new(leveldb.Batch)
	for _, it := range items[:n] {
		batch.Delete([]byte(entryPrefix + it.key))
		batch.Delete([]byte(metaPrefix + it.key))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return
	}
	s.mu.Lock()
	for _, it := range items[:n] {
		if meta, ok := s.index[it.key]; ok {
			s.total -= meta.Size
			delete(s.index, it.key)
		}
	}
	s.mu.Unlock()
	for _, it := range items[:n] {
		s.ram.Delete(it.key)
	}
}

// Cache is a handle on one named generation.
type Cache struct {
	s    *CacheStorage
	name string
}

func (c *Cache) Name() string { return c.name }

// Match looks up url in this generation. Read, decode and checksum failures
// are misses.
func (c *Cache) Match(url string) (CacheEntry, bool) {
	return c.s.get(c.name, url)
}

func (c *Cache) Put(url string, ent CacheEntry) error {
	return c.s.put(c.name, []Record{{URL: url, Entry: ent}})
}

// PutAll stores every record in one write; either all land or none do.
func (c *Cache) PutAll(recs []Record) error {
	return c.s.put(c.name, recs)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
