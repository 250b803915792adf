// Package noncecache is a restart-durable, bounded cache of recently
// seen dispatch nonces. The dispatch client consults it right after the
// device-binding and TTL checks when validating an inbound execution
// intent, so a replayed
// nonce is rejected even across a runner restart inside the intent's
// TTL window.
package noncecache

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	m, err := encOptions.EncMode()
	if err != nil {
		panic("noncecache: cbor encoder init: " + err.Error())
	}
	encMode = m

	d, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("noncecache: cbor decoder init: " + err.Error())
	}
	decMode = d
}

// entry is one persisted nonce record.
type entry struct {
	Nonce   string    `cbor:"nonce"`
	SeenAt  time.Time `cbor:"seen_at"`
}

// Cache is a bounded, disk-backed set of seen nonces, evicted oldest
// first once Capacity is exceeded.
type Cache struct {
	mu       sync.Mutex
	path     string
	capacity int
	order    []string
	seen     map[string]time.Time
}

// Load reads the cache from path, creating an empty one if the file
// does not exist yet.
func Load(path string, capacity int) (*Cache, error) {
	c := &Cache{
		path:     path,
		capacity: capacity,
		seen:     make(map[string]time.Time),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}

	var entries []entry
	if err := decMode.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		c.order = append(c.order, e.Nonce)
		c.seen[e.Nonce] = e.SeenAt
	}
	return c, nil
}

// CheckAndInsert reports whether nonce has already been seen. If not,
// it is recorded and persisted to disk before returning.
func (c *Cache) CheckAndInsert(nonce string) (alreadySeen bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[nonce]; ok {
		return true, nil
	}

	c.seen[nonce] = time.Now()
	c.order = append(c.order, nonce)
	for len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}

	return false, c.persistLocked()
}

func (c *Cache) persistLocked() error {
	entries := make([]entry, 0, len(c.order))
	for _, n := range c.order {
		entries = append(entries, entry{Nonce: n, SeenAt: c.seen[n]})
	}

	data, err := encMode.Marshal(entries)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
