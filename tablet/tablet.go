package tablet

import (
	"fmt"
	"sync"

	"github.com/maxpert/tabletd/telemetry"
)

// Tablet is one local replica of a logical tablet. Its header, including the
// delete predicate list, is guarded by a reader-writer lock and persisted
// through the MetaStore of the storage path it lives on.
type Tablet struct {
	tabletID   TabletID
	schemaHash uint32
	storePath  string
	store      MetaStore

	mu    sync.RWMutex
	meta  *TabletMeta
	dirty bool // in-memory header differs from the last durable write
}

// NewTablet wraps meta. The tablet takes ownership of meta.
func NewTablet(meta *TabletMeta, storePath string, store MetaStore) *Tablet {
	return &Tablet{
		tabletID:   meta.TabletID,
		schemaHash: meta.SchemaHash,
		storePath:  storePath,
		store:      store,
		meta:       meta,
	}
}

func (t *Tablet) TabletID() TabletID {
	return t.tabletID
}

func (t *Tablet) SchemaHash() uint32 {
	return t.schemaHash
}

func (t *Tablet) StorePath() string {
	return t.storePath
}

// FullName identifies the replica in logs: {tablet_id}.{schema_hash}.{store_path}
func (t *Tablet) FullName() string {
	return fmt.Sprintf("%d.%d.%s", t.tabletID, t.schemaHash, t.storePath)
}

// WithWriteLock runs fn holding the exclusive header lock. meta must not be
// retained after fn returns. The lock is released on every exit path.
func (t *Tablet) WithWriteLock(fn func(meta *TabletMeta) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.meta)
}

// WithReadLock runs fn holding the shared header lock. fn must not mutate meta.
func (t *Tablet) WithReadLock(fn func(meta *TabletMeta)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(t.meta)
}

// SaveMetaLocked persists the current header. Caller must hold the write lock
// (i.e. call it from inside WithWriteLock). On failure the tablet is marked
// dirty until a later save succeeds. Failures are returned, not logged; the
// caller owns reporting.
func (t *Tablet) SaveMetaLocked() error {
	next := t.meta.clone()
	next.Revision++

	if err := t.store.SaveTabletMeta(next); err != nil {
		t.dirty = true
		recordSave("failed")
		return fmt.Errorf("save tablet meta %s: %w", t.FullName(), err)
	}

	t.meta.Revision = next.Revision
	t.dirty = false
	recordSave("success")
	return nil
}

// recordSave counts a header write. It runs under the write lock, so a
// misbehaving metrics sink is contained here.
func recordSave(result string) {
	defer func() { _ = recover() }()
	telemetry.TabletMetaSavesTotal.With(result).Inc()
}

// Snapshot returns a deep copy of the header and the dirty flag, read under
// one shared lock.
func (t *Tablet) Snapshot() (TabletMeta, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *t.meta.clone(), t.dirty
}

// MetaDirty reports whether the last save attempt failed.
func (t *Tablet) MetaDirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirty
}

// Revision returns the revision of the last durable header write.
func (t *Tablet) Revision() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.Revision
}

// DeletePredicates returns a copy of the current predicate list.
func (t *Tablet) DeletePredicates() []DeletePredicate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]DeletePredicate, len(t.meta.DeletePredicates))
	for i, p := range t.meta.DeletePredicates {
		out[i] = p.clone()
	}
	return out
}

// AddDeletePredicate registers pred and persists the header. A failed save
// rolls the in-memory list back so memory and disk stay aligned.
func (t *Tablet) AddDeletePredicate(pred DeletePredicate) error {
	var handler DeleteConditionHandler

	return t.WithWriteLock(func(meta *TabletMeta) error {
		if err := handler.Store(&meta.DeletePredicates, pred); err != nil {
			return err
		}

		wasDirty := t.dirty
		if err := t.SaveMetaLocked(); err != nil {
			meta.DeletePredicates = meta.DeletePredicates[:len(meta.DeletePredicates)-1]
			t.dirty = wasDirty
			return err
		}
		return nil
	})
}
