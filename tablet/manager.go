package tablet

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/maxpert/tabletd/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// CreateTabletRequest describes a new replica header.
type CreateTabletRequest struct {
	TabletID   TabletID
	SchemaHash uint32
}

// TabletManager maps tablet ids to their local replicas.
// Replica lists are copy-on-write: a slice stored in the map is never mutated,
// so lookups hand out stable snapshots without holding a lock.
type TabletManager struct {
	tablets *xsync.MapOf[TabletID, []*Tablet]
}

func NewTabletManager() *TabletManager {
	return &TabletManager{
		tablets: xsync.NewMapOf[TabletID, []*Tablet](),
	}
}

// AddTablet registers an existing replica. A replica is unique by schema hash and store path.
func (m *TabletManager) AddTablet(t *Tablet) error {
	var addErr error

	m.tablets.Compute(t.TabletID(), func(old []*Tablet, _ bool) ([]*Tablet, bool) {
		for _, existing := range old {
			if existing.SchemaHash() == t.SchemaHash() && existing.StorePath() == t.StorePath() {
				addErr = fmt.Errorf("%w: %s", ErrTabletExists, t.FullName())
				return old, false
			}
		}

		next := make([]*Tablet, 0, len(old)+1)
		next = append(next, old...)
		next = append(next, t)
		return next, false
	})

	return addErr
}

// CreateTablet persists a fresh header to store and registers the replica.
func (m *TabletManager) CreateTablet(req CreateTabletRequest, storePath string, store MetaStore) (*Tablet, error) {
	if req.TabletID <= 0 {
		return nil, fmt.Errorf("invalid tablet id %d", req.TabletID)
	}

	meta := &TabletMeta{
		TabletID:     req.TabletID,
		SchemaHash:   req.SchemaHash,
		CreationTime: time.Now().Unix(),
	}
	t := NewTablet(meta, storePath, store)

	if err := m.AddTablet(t); err != nil {
		return nil, err
	}

	var saveErr error
	_ = t.WithWriteLock(func(*TabletMeta) error {
		saveErr = t.SaveMetaLocked()
		return saveErr
	})
	if saveErr != nil {
		m.unregister(t)
		return nil, saveErr
	}

	log.Info().Str("tablet", t.FullName()).Msg("Created tablet")
	return t, nil
}

// DropTablet unregisters the replica and removes its header from the store.
func (m *TabletManager) DropTablet(id TabletID, schemaHash uint32, storePath string) error {
	var target *Tablet
	for _, t := range m.GetTabletsByID(id) {
		if t.SchemaHash() == schemaHash && t.StorePath() == storePath {
			target = t
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %d.%d.%s", ErrTabletNotFound, id, schemaHash, storePath)
	}

	m.unregister(target)

	if err := target.store.RemoveTabletMeta(id, schemaHash); err != nil {
		return fmt.Errorf("remove tablet meta %s: %w", target.FullName(), err)
	}

	log.Info().Str("tablet", target.FullName()).Msg("Dropped tablet")
	return nil
}

func (m *TabletManager) unregister(t *Tablet) {
	m.tablets.Compute(t.TabletID(), func(old []*Tablet, _ bool) ([]*Tablet, bool) {
		next := make([]*Tablet, 0, len(old))
		for _, existing := range old {
			if existing != t {
				next = append(next, existing)
			}
		}
		return next, len(next) == 0
	})
}

// GetTabletsByID returns a snapshot of every local replica of id, in registration
// order. An empty result means the tablet is unknown.
func (m *TabletManager) GetTabletsByID(id TabletID) []*Tablet {
	replicas, ok := m.tablets.Load(id)
	if !ok {
		return nil
	}
	return slices.Clone(replicas)
}

// AllTablets returns every replica ordered by tablet id, schema hash and store path.
func (m *TabletManager) AllTablets() []*Tablet {
	var all []*Tablet
	m.tablets.Range(func(_ TabletID, replicas []*Tablet) bool {
		all = append(all, replicas...)
		return true
	})

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.TabletID() != b.TabletID() {
			return a.TabletID() < b.TabletID()
		}
		if a.SchemaHash() != b.SchemaHash() {
			return a.SchemaHash() < b.SchemaHash()
		}
		return a.StorePath() < b.StorePath()
	})
	return all
}

// LoadTablets registers every header found in store under storePath.
func (m *TabletManager) LoadTablets(storePath string, store MetaStore) (int, error) {
	loaded := 0
	err := store.TraverseTabletMetas(func(meta *TabletMeta) error {
		if err := m.AddTablet(NewTablet(meta, storePath, store)); err != nil {
			return err
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("load tablets from %s: %w", storePath, err)
	}

	log.Info().Str("store_path", storePath).Int("tablets", loaded).Msg("Loaded tablet headers")
	return loaded, nil
}

// RegistryStats walks the registry for the metrics collector. Each replica is
// inspected under its read lock.
func (m *TabletManager) RegistryStats() telemetry.RegistryStats {
	var stats telemetry.RegistryStats
	m.tablets.Range(func(_ TabletID, replicas []*Tablet) bool {
		stats.Tablets++
		for _, t := range replicas {
			stats.Replicas++
			t.WithReadLock(func(meta *TabletMeta) {
				stats.DeletePredicates += len(meta.DeletePredicates)
				if t.dirty {
					stats.DirtyReplicas++
				}
			})
		}
		return true
	})
	return stats
}
