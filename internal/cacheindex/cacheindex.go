// Package cacheindex maintains the in-memory map of cache keys to cache
// entries, mirrored to the durable KV store on every successful write or
// removal and reloaded at startup.
package cacheindex

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/adforge/ad-delivery/internal/creative"
	"github.com/adforge/ad-delivery/internal/events"
	"github.com/adforge/ad-delivery/internal/store"
)

// kvKey is the store record holding the serialized entry list.
const kvKey = "creative_cache_index"

// Index is safe for concurrent use; one mutex guards the map and the mirror
// writes so lookups stay atomic with respect to inserts and removals.
type Index struct {
	mu      sync.Mutex
	entries map[creative.CacheKey]creative.CacheEntry
	kv      store.KV
	sink    events.Sink
}

func New(kv store.KV, sink events.Sink) *Index {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Index{
		entries: make(map[creative.CacheKey]creative.CacheEntry),
		kv:      kv,
		sink:    sink,
	}
}

// Has reports whether an entry exists for key.
func (x *Index) Has(key creative.CacheKey) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.entries[key]
	return ok
}

// Get returns the entry for (format, type), independent of asset ID. When
// several ads cached assets of the same type, the lowest asset ID wins so
// repeated lookups stay deterministic.
func (x *Index) Get(format creative.AdFormat, typ creative.AssetType) (creative.CacheEntry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var best *creative.CacheEntry
	for k, e := range x.entries {
		if k.Format != format || k.Type != typ {
			continue
		}
		if best == nil || k.AssetID < best.Key().AssetID {
			e := e
			best = &e
		}
	}
	if best == nil {
		return creative.CacheEntry{}, false
	}
	return *best, true
}

// GetByID returns the entry with the given origin-assigned asset ID.
func (x *Index) GetByID(id string) (creative.CacheEntry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range x.entries {
		if e.ID == id {
			return e, true
		}
	}
	return creative.CacheEntry{}, false
}

// List returns all entries for a format, ordered by cache key.
func (x *Index) List(format creative.AdFormat) []creative.CacheEntry {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []creative.CacheEntry
	for k, e := range x.entries {
		if k.Format == format {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// ListAll returns every entry, ordered by cache key.
func (x *Index) ListAll() []creative.CacheEntry {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]creative.CacheEntry, 0, len(x.entries))
	for _, e := range x.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// Put stores entry under key as a full replacement and mirrors the index.
// A persist failure leaves the in-memory entry in place; the mirror catches
// up on the next successful write.
func (x *Index) Put(key creative.CacheKey, entry creative.CacheEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[key] = entry
	x.persistLocked()
}

// Remove deletes the entry with the given asset ID and its backing file.
// When the file cannot be deleted the entry is re-inserted (rollback) and
// false is returned, so the index never references state it failed to clean.
func (x *Index) Remove(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for k, e := range x.entries {
		if e.ID != id {
			continue
		}
		delete(x.entries, k)
		if err := removeFile(e.LocalPath); err != nil {
			x.entries[k] = e // rollback
			x.sink.Report("cache file delete failed", events.SeverityError, map[string]string{"id": id})
			log.Printf("cacheindex: remove %s: delete %s: %v", id, e.LocalPath, err)
			return false
		}
		x.persistLocked()
		return true
	}
	return false
}

// Clear best-effort-deletes every backing file and always empties the index
// afterwards, then mirrors the now-empty list.
func (x *Index) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range x.entries {
		if err := removeFile(e.LocalPath); err != nil {
			log.Printf("cacheindex: clear: delete %s: %v", e.LocalPath, err)
		}
	}
	x.entries = make(map[creative.CacheKey]creative.CacheEntry)
	x.persistLocked()
}

// Persist mirrors the full entry list to the KV store.
func (x *Index) Persist() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.persistLocked()
}

// Load replaces the in-memory map with the stored entry list. Entries whose
// backing file no longer exists are silently dropped; a missing or
// unparseable record means an empty index, never an error to the caller.
func (x *Index) Load() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = make(map[creative.CacheKey]creative.CacheEntry)
	if x.kv == nil {
		return nil
	}
	data, ok, err := x.kv.Get(kvKey)
	if err != nil {
		return fmt.Errorf("cacheindex: load: %w", err)
	}
	if !ok {
		return nil
	}
	var list []creative.CacheEntry
	if err := json.Unmarshal(data, &list); err != nil {
		log.Printf("cacheindex: load: unparseable record, starting empty: %v", err)
		return nil
	}
	dropped := 0
	for _, e := range list {
		if !e.Valid() {
			dropped++
			continue
		}
		x.entries[e.Key()] = e
	}
	if dropped > 0 {
		log.Printf("cacheindex: load: dropped %d entries with missing files", dropped)
	}
	return nil
}

// Len returns the number of entries.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.entries)
}

func (x *Index) persistLocked() error {
	if x.kv == nil {
		return nil
	}
	list := make([]creative.CacheEntry, 0, len(x.entries))
	for _, e := range x.entries {
		list = append(list, e)
	}
	sortEntries(list)
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("cacheindex: marshal: %w", err)
	}
	if err := x.kv.Put(kvKey, data); err != nil {
		log.Printf("cacheindex: persist: %v", err)
		return err
	}
	return nil
}

func removeFile(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}

func sortEntries(list []creative.CacheEntry) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Key().String() < list[j].Key().String()
	})
}
