package tablet

import (
	"errors"
	"sync/atomic"
)

var errInjectedSave = errors.New("injected save failure")

// flakyMetaStore fails SaveTabletMeta while failSaves is set.
type flakyMetaStore struct {
	*MemoryMetaStore
	failSaves atomic.Bool
	saves     atomic.Int64
}

func newFlakyMetaStore() *flakyMetaStore {
	return &flakyMetaStore{MemoryMetaStore: NewMemoryMetaStore()}
}

func (s *flakyMetaStore) SaveTabletMeta(meta *TabletMeta) error {
	if s.failSaves.Load() {
		return errInjectedSave
	}
	s.saves.Add(1)
	return s.MemoryMetaStore.SaveTabletMeta(meta)
}
