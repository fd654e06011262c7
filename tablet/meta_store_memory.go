package tablet

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryMetaStore keeps encoded headers in a concurrent map. Used for
// ephemeral storage paths and tests; records go through the same codec as Pebble.
type MemoryMetaStore struct {
	records *xsync.MapOf[string, []byte]
	closed  atomic.Bool
}

// Ensure MemoryMetaStore implements MetaStore
var _ MetaStore = (*MemoryMetaStore)(nil)

func NewMemoryMetaStore() *MemoryMetaStore {
	return &MemoryMetaStore{
		records: xsync.NewMapOf[string, []byte](),
	}
}

func (s *MemoryMetaStore) SaveTabletMeta(meta *TabletMeta) error {
	if s.closed.Load() {
		return ErrMetaStoreClosed
	}

	data, err := encodeTabletMeta(meta)
	if err != nil {
		return err
	}
	s.records.Store(string(tabletMetaKey(meta.TabletID, meta.SchemaHash)), data)
	return nil
}

func (s *MemoryMetaStore) GetTabletMeta(id TabletID, schemaHash uint32) (*TabletMeta, error) {
	if s.closed.Load() {
		return nil, ErrMetaStoreClosed
	}

	data, ok := s.records.Load(string(tabletMetaKey(id, schemaHash)))
	if !ok {
		return nil, fmt.Errorf("%w: %d.%d", ErrTabletNotFound, id, schemaHash)
	}
	return decodeTabletMeta(data)
}

func (s *MemoryMetaStore) RemoveTabletMeta(id TabletID, schemaHash uint32) error {
	if s.closed.Load() {
		return ErrMetaStoreClosed
	}
	s.records.Delete(string(tabletMetaKey(id, schemaHash)))
	return nil
}

func (s *MemoryMetaStore) TraverseTabletMetas(fn func(meta *TabletMeta) error) error {
	if s.closed.Load() {
		return ErrMetaStoreClosed
	}

	keys := make([]string, 0, s.records.Size())
	s.records.Range(func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)

	for _, key := range keys {
		data, ok := s.records.Load(key)
		if !ok {
			continue
		}
		meta, err := decodeTabletMeta(data)
		if err != nil {
			return fmt.Errorf("key %s: %w", key, err)
		}
		if err := fn(meta); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryMetaStore) Close() error {
	s.closed.Store(true)
	return nil
}
