package tablet

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/tabletd/cfg"
	"github.com/rs/zerolog/log"
)

// PebbleMetaStoreOptions configures Pebble
type PebbleMetaStoreOptions struct {
	CacheSizeMB    int64 // Block cache size
	MemTableSizeMB int64 // Write buffer size
	SyncWrites     bool  // fsync every header write
}

// DefaultPebbleOptions returns Pebble options from cfg.Config.Storage.
func DefaultPebbleOptions() PebbleMetaStoreOptions {
	st := cfg.Config.Storage
	return PebbleMetaStoreOptions{
		CacheSizeMB:    st.CacheSizeMB,
		MemTableSizeMB: st.MemTableSizeMB,
		SyncWrites:     st.SyncWrites,
	}
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// PebbleMetaStore implements MetaStore using Pebble
type PebbleMetaStore struct {
	db        *pebble.DB
	path      string
	writeOpts *pebble.WriteOptions

	// Idempotent close
	closed atomic.Bool
}

// Ensure PebbleMetaStore implements MetaStore
var _ MetaStore = (*PebbleMetaStore)(nil)

// NewPebbleMetaStore opens (or creates) the header store at path.
func NewPebbleMetaStore(path string, opts PebbleMetaStoreOptions) (*PebbleMetaStore, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 8
	}
	if opts.MemTableSizeMB <= 0 {
		opts.MemTableSizeMB = 4
	}

	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB will hold reference

	pebbleOpts := &pebble.Options{
		Cache:        cache,
		MemTableSize: uint64(opts.MemTableSizeMB << 20),
		Logger:       &pebbleLogger{},
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	log.Debug().Str("path", path).Bool("sync", opts.SyncWrites).Msg("Opened tablet meta store")

	return &PebbleMetaStore{
		db:        db,
		path:      path,
		writeOpts: writeOpts,
	}, nil
}

// Path returns the directory backing the store.
func (s *PebbleMetaStore) Path() string {
	return s.path
}

func (s *PebbleMetaStore) SaveTabletMeta(meta *TabletMeta) error {
	if s.closed.Load() {
		return ErrMetaStoreClosed
	}

	data, err := encodeTabletMeta(meta)
	if err != nil {
		return err
	}

	if err := s.db.Set(tabletMetaKey(meta.TabletID, meta.SchemaHash), data, s.writeOpts); err != nil {
		return fmt.Errorf("write tablet meta %d.%d: %w", meta.TabletID, meta.SchemaHash, err)
	}
	return nil
}

func (s *PebbleMetaStore) GetTabletMeta(id TabletID, schemaHash uint32) (*TabletMeta, error) {
	if s.closed.Load() {
		return nil, ErrMetaStoreClosed
	}

	data, err := s.getValueCopy(tabletMetaKey(id, schemaHash))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d.%d", ErrTabletNotFound, id, schemaHash)
	}
	if err != nil {
		return nil, err
	}

	return decodeTabletMeta(data)
}

func (s *PebbleMetaStore) RemoveTabletMeta(id TabletID, schemaHash uint32) error {
	if s.closed.Load() {
		return ErrMetaStoreClosed
	}
	return s.db.Delete(tabletMetaKey(id, schemaHash), s.writeOpts)
}

func (s *PebbleMetaStore) TraverseTabletMetas(fn func(meta *TabletMeta) error) error {
	if s.closed.Load() {
		return ErrMetaStoreClosed
	}

	prefix := []byte(prefixTabletMeta)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		meta, err := decodeTabletMeta(val)
		if err != nil {
			return fmt.Errorf("key %s: %w", iter.Key(), err)
		}

		if err := fn(meta); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Close flushes and closes the underlying database. Safe to call twice.
func (s *PebbleMetaStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// prefixUpperBound returns the exclusive upper bound for keys sharing prefix
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix)+8)
	copy(upper, prefix)
	for i := len(prefix); i < len(upper); i++ {
		upper[i] = 0xFF
	}
	return upper
}

// getValueCopy reads a key and returns a copy of the value
func (s *PebbleMetaStore) getValueCopy(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}
