package task

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maxpert/tabletd/cfg"
	"github.com/maxpert/tabletd/tablet"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("no space left on device")

type flakyStore struct {
	tablet.MetaStore
	fail atomic.Bool
}

func (s *flakyStore) SaveTabletMeta(meta *tablet.TabletMeta) error {
	if s.fail.Load() {
		return errDiskFull
	}
	return s.MetaStore.SaveTabletMeta(meta)
}

type countingCounter struct {
	n atomic.Int64
}

func (c *countingCounter) Inc()          { c.n.Add(1) }
func (c *countingCounter) Add(v float64) { c.n.Add(int64(v)) }

type panickingCounter struct{}

func (panickingCounter) Inc()        { panic("counter exploded") }
func (panickingCounter) Add(float64) { panic("counter exploded") }

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("log sink unavailable") }

type panickingWriter struct{}

func (panickingWriter) Write([]byte) (int, error) { panic("log sink exploded") }

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	mgr      *tablet.TabletManager
	replicas []*tablet.Tablet
	stores   []*flakyStore
	logs     *lockedBuffer
	requests *countingCounter
}

const testTabletID tablet.TabletID = 10003

// newFixture registers one replica of testTabletID per entry in versions,
// each carrying the listed predicate versions.
func newFixture(t *testing.T, versions ...[]int64) *fixture {
	t.Helper()
	f := &fixture{
		mgr:      tablet.NewTabletManager(),
		logs:     &lockedBuffer{},
		requests: &countingCounter{},
	}

	for i, vs := range versions {
		store := &flakyStore{MetaStore: tablet.NewMemoryMetaStore()}
		r, err := f.mgr.CreateTablet(
			tablet.CreateTabletRequest{TabletID: testTabletID, SchemaHash: 368169781},
			fmt.Sprintf("/data/store%d", i),
			store,
		)
		require.NoError(t, err)
		for _, v := range vs {
			require.NoError(t, r.AddDeletePredicate(tablet.DeletePredicate{
				Version:    v,
				Conditions: []string{fmt.Sprintf("k1=%d", v)},
			}))
		}
		f.replicas = append(f.replicas, r)
		f.stores = append(f.stores, store)
	}
	return f
}

func (f *fixture) task(mutate func(c *CancelDeleteConfig)) *CancelDeleteTask {
	logger := zerolog.New(f.logs)
	config := CancelDeleteConfig{
		Directory:     f.mgr,
		AbsencePolicy: cfg.AbsenceError,
		Logger:        &logger,
		Requests:      f.requests,
	}
	if mutate != nil {
		mutate(&config)
	}
	return NewCancelDeleteTask(config)
}

func memVersions(r *tablet.Tablet) []int64 {
	out := []int64{}
	for _, p := range r.DeletePredicates() {
		out = append(out, p.Version)
	}
	return out
}

func diskVersions(t *testing.T, store tablet.MetaStore) []int64 {
	t.Helper()
	meta, err := store.GetTabletMeta(testTabletID, 368169781)
	require.NoError(t, err)
	out := []int64{}
	for _, p := range meta.DeletePredicates {
		out = append(out, p.Version)
	}
	return out
}

func states(res *Result) []ReplicaState {
	out := make([]ReplicaState, len(res.Replicas))
	for i, o := range res.Replicas {
		out[i] = o.State
	}
	return out
}

func TestCancelDelete_RemovesFromEveryReplica(t *testing.T) {
	f := newFixture(t, []int64{1, 3, 5}, []int64{1, 3, 5}, []int64{1, 3, 5})

	res := f.task(nil).Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 3})

	require.Equal(t, StatusSuccess, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Applied())
	for i, r := range f.replicas {
		assert.Equal(t, []int64{1, 5}, memVersions(r), "replica %d memory", i)
		assert.Equal(t, []int64{1, 5}, diskVersions(t, f.stores[i]), "replica %d disk", i)
		assert.False(t, r.MetaDirty())
	}
	assert.Equal(t, int64(1), f.requests.n.Load())
}

func TestCancelDelete_SingleReplica(t *testing.T) {
	f := newFixture(t, []int64{7})

	res := f.task(nil).Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 7})

	require.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, memVersions(f.replicas[0]))
	assert.Empty(t, diskVersions(t, f.stores[0]))
}

func TestCancelDelete_UnknownTablet(t *testing.T) {
	f := newFixture(t, []int64{1, 2}, []int64{1, 2})
	before := f.replicas[0].Revision()

	res := f.task(nil).Execute(CancelDeleteRequest{TabletID: 424242, Version: 1})

	assert.Equal(t, StatusNotFound, res.Status)
	assert.True(t, errors.Is(res.Err, tablet.ErrTabletNotFound))
	assert.Empty(t, res.Replicas)
	for i, r := range f.replicas {
		assert.Equal(t, []int64{1, 2}, memVersions(r))
		assert.Equal(t, []int64{1, 2}, diskVersions(t, f.stores[i]))
	}
	assert.Equal(t, before, f.replicas[0].Revision())
	assert.Equal(t, int64(1), f.requests.n.Load())
}

func TestCancelDelete_PartialApplicationBoundary(t *testing.T) {
	// Replica 3 of 4 lacks version 5
	f := newFixture(t, []int64{4, 5}, []int64{4, 5}, []int64{4}, []int64{4, 5})
	revisions := []uint64{f.replicas[2].Revision(), f.replicas[3].Revision()}

	res := f.task(nil).Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 5})

	require.Equal(t, StatusFailure, res.Status)
	assert.True(t, errors.Is(res.Err, tablet.ErrPredicateNotFound))
	assert.Equal(t, []ReplicaState{ReplicaCancelled, ReplicaCancelled, ReplicaFailed, ReplicaSkipped}, states(res))
	assert.Equal(t, 2, res.Applied())

	for i := 0; i < 2; i++ {
		assert.Equal(t, []int64{4}, memVersions(f.replicas[i]), "replica %d", i)
		assert.Equal(t, []int64{4}, diskVersions(t, f.stores[i]), "replica %d", i)
	}
	assert.Equal(t, []int64{4}, memVersions(f.replicas[2]))
	assert.Equal(t, []int64{4, 5}, memVersions(f.replicas[3]))
	assert.Equal(t, []int64{4, 5}, diskVersions(t, f.stores[3]))
	assert.Equal(t, revisions, []uint64{f.replicas[2].Revision(), f.replicas[3].Revision()})
}

func TestCancelDelete_FirstReplicaMissingTouchesNothing(t *testing.T) {
	f := newFixture(t, []int64{1}, []int64{1, 2}, []int64{1, 2})

	res := f.task(nil).Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 2})

	require.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, []ReplicaState{ReplicaFailed, ReplicaSkipped, ReplicaSkipped}, states(res))
	assert.Equal(t, []int64{1, 2}, memVersions(f.replicas[1]))
	assert.Equal(t, []int64{1, 2}, memVersions(f.replicas[2]))
}

func TestCancelDelete_RepeatedCancelIsError(t *testing.T) {
	f := newFixture(t, []int64{1, 2}, []int64{1, 2})
	task := f.task(nil)

	require.Equal(t, StatusSuccess, task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 2}).Status)
	revisions := []uint64{f.replicas[0].Revision(), f.replicas[1].Revision()}

	res := task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 2})

	assert.Equal(t, StatusFailure, res.Status)
	assert.True(t, errors.Is(res.Err, tablet.ErrPredicateNotFound))
	assert.Equal(t, 0, res.Applied())
	assert.Equal(t, []int64{1}, memVersions(f.replicas[0]))
	assert.Equal(t, []int64{1}, memVersions(f.replicas[1]))
	assert.Equal(t, revisions, []uint64{f.replicas[0].Revision(), f.replicas[1].Revision()})
	assert.Equal(t, int64(2), f.requests.n.Load())
}

func TestCancelDelete_PersistFailureStopsAndSurfaces(t *testing.T) {
	f := newFixture(t, []int64{1, 2}, []int64{1, 2}, []int64{1, 2})
	f.stores[1].fail.Store(true)

	res := f.task(nil).Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 2})

	require.Equal(t, StatusFailure, res.Status)
	assert.True(t, errors.Is(res.Err, ErrPersistMeta))
	assert.True(t, errors.Is(res.Err, errDiskFull))
	assert.Equal(t, []ReplicaState{ReplicaCancelled, ReplicaPersistFailed, ReplicaSkipped}, states(res))

	// Replica 2 diverged: removed in memory, stale on disk, flagged dirty
	assert.Equal(t, []int64{1}, memVersions(f.replicas[1]))
	assert.Equal(t, []int64{1, 2}, diskVersions(t, f.stores[1]))
	assert.True(t, f.replicas[1].MetaDirty())

	assert.Equal(t, []int64{1}, diskVersions(t, f.stores[0]))
	assert.Equal(t, []int64{1, 2}, memVersions(f.replicas[2]))
	assert.Equal(t, []int64{1, 2}, diskVersions(t, f.stores[2]))
}

func TestCancelDelete_LockReleasedAfterFailure(t *testing.T) {
	f := newFixture(t, []int64{1}, []int64{2})

	res := f.task(nil).Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 1})
	require.Equal(t, StatusFailure, res.Status)

	// Both replicas must accept writers again
	for _, r := range f.replicas {
		require.NoError(t, r.AddDeletePredicate(tablet.DeletePredicate{Version: 9, Conditions: []string{"k=9"}}))
	}
}

func TestCancelDelete_ConcurrentDistinctVersionsCommute(t *testing.T) {
	all := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	f := newFixture(t, all, all, all)
	task := f.task(nil)

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	for i, v := range []int64{2, 4, 6, 8} {
		wg.Add(1)
		go func(i int, v int64) {
			defer wg.Done()
			results[i] = task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: v})
		}(i, v)
	}
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, StatusSuccess, res.Status)
	}
	for i, r := range f.replicas {
		assert.Equal(t, []int64{1, 3, 5, 7}, memVersions(r))
		assert.Equal(t, []int64{1, 3, 5, 7}, diskVersions(t, f.stores[i]))
	}
	assert.Equal(t, int64(4), f.requests.n.Load())
}

func TestCancelDelete_AbsenceIgnorePolicy(t *testing.T) {
	f := newFixture(t, []int64{1, 2}, []int64{1}, []int64{1, 2})
	task := f.task(func(c *CancelDeleteConfig) { c.AbsencePolicy = cfg.AbsenceIgnore })
	revision := f.replicas[1].Revision()

	res := task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 2})

	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []ReplicaState{ReplicaCancelled, ReplicaUnchanged, ReplicaCancelled}, states(res))
	for _, r := range f.replicas {
		assert.Equal(t, []int64{1}, memVersions(r))
	}
	assert.Equal(t, revision, f.replicas[1].Revision())

	// Idempotent on repeat
	res = task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 2})
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 0, res.Applied())
}

func TestCancelDelete_AbsenceIgnoreStillFailsOnPersist(t *testing.T) {
	f := newFixture(t, []int64{1, 2}, []int64{1, 2})
	f.stores[0].fail.Store(true)
	task := f.task(func(c *CancelDeleteConfig) { c.AbsencePolicy = cfg.AbsenceIgnore })

	res := task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 2})

	assert.Equal(t, StatusFailure, res.Status)
	assert.True(t, errors.Is(res.Err, ErrPersistMeta))
	assert.Equal(t, []ReplicaState{ReplicaPersistFailed, ReplicaSkipped}, states(res))
}

func TestCancelDelete_ValidateBeforeApply(t *testing.T) {
	f := newFixture(t, []int64{4, 5}, []int64{4, 5}, []int64{4}, []int64{4, 5})
	task := f.task(func(c *CancelDeleteConfig) { c.ValidateBeforeApply = true })

	res := task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 5})

	require.Equal(t, StatusFailure, res.Status)
	assert.True(t, errors.Is(res.Err, tablet.ErrPredicateNotFound))
	assert.Equal(t, []ReplicaState{ReplicaSkipped, ReplicaSkipped, ReplicaFailed, ReplicaSkipped}, states(res))
	for i, r := range f.replicas {
		if i == 2 {
			continue
		}
		assert.Equal(t, []int64{4, 5}, memVersions(r), "replica %d", i)
		assert.Equal(t, []int64{4, 5}, diskVersions(t, f.stores[i]), "replica %d", i)
	}

	// All present: behaves like the default path
	f = newFixture(t, []int64{4, 5}, []int64{4, 5})
	task = f.task(func(c *CancelDeleteConfig) { c.ValidateBeforeApply = true })
	res = task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 5})
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Applied())
}

func TestCancelDelete_NegativeVersion(t *testing.T) {
	f := newFixture(t, []int64{1})

	for _, validate := range []bool{false, true} {
		task := f.task(func(c *CancelDeleteConfig) { c.ValidateBeforeApply = validate })
		res := task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: -1})
		assert.Equal(t, StatusFailure, res.Status)
		assert.True(t, errors.Is(res.Err, tablet.ErrInvalidVersion))
		assert.Equal(t, []int64{1}, memVersions(f.replicas[0]))
	}
}

func TestCancelDelete_LogsOneDescriptionPerReplica(t *testing.T) {
	f := newFixture(t, []int64{1, 2}, []int64{2}, []int64{1, 2})

	res := f.task(nil).Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 1})
	require.Equal(t, StatusFailure, res.Status)

	out := f.logs.String()
	assert.Equal(t, 3, strings.Count(out, "delete_conditions="))
	assert.Contains(t, out, "Begin to process cancel delete")
	assert.Contains(t, out, "Finish to process cancel delete")
	assert.Contains(t, out, `"status":"failure"`)
	for _, r := range f.replicas {
		assert.Contains(t, out, r.FullName())
	}
}

func TestCancelDelete_DiagnosticsNeverAlterStatus(t *testing.T) {
	sinks := map[string]func() zerolog.Logger{
		"erroring writer":  func() zerolog.Logger { return zerolog.New(failingWriter{}) },
		"panicking writer": func() zerolog.Logger { return zerolog.New(panickingWriter{}) },
	}

	for name, newLogger := range sinks {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, []int64{1, 2}, []int64{1, 2})
			logger := newLogger()
			task := f.task(func(c *CancelDeleteConfig) {
				c.Logger = &logger
				c.Requests = panickingCounter{}
			})

			res := task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 2})
			assert.Equal(t, StatusSuccess, res.Status)
			assert.NoError(t, res.Err)

			res = task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 2})
			assert.Equal(t, StatusFailure, res.Status)
			assert.True(t, errors.Is(res.Err, tablet.ErrPredicateNotFound))

			res = task.Execute(CancelDeleteRequest{TabletID: 1, Version: 2})
			assert.Equal(t, StatusNotFound, res.Status)

			// Read locks taken during reporting were released
			for _, r := range f.replicas {
				require.NoError(t, r.AddDeletePredicate(tablet.DeletePredicate{Version: 3, Conditions: []string{"k=3"}}))
			}
		})
	}
}

func TestCancelDelete_PersistFailureWithBrokenSinks(t *testing.T) {
	sinks := map[string]func() zerolog.Logger{
		"erroring writer":  func() zerolog.Logger { return zerolog.New(failingWriter{}) },
		"panicking writer": func() zerolog.Logger { return zerolog.New(panickingWriter{}) },
	}

	for name, newLogger := range sinks {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, []int64{1, 2}, []int64{1, 2})
			logger := newLogger()
			task := f.task(func(c *CancelDeleteConfig) {
				c.Logger = &logger
				c.Requests = panickingCounter{}
			})

			prevLogger := log.Logger
			log.Logger = newLogger()
			t.Cleanup(func() { log.Logger = prevLogger })

			f.stores[0].fail.Store(true)

			var res *Result
			require.NotPanics(t, func() {
				res = task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 1})
			})
			assert.Equal(t, StatusFailure, res.Status)
			assert.True(t, errors.Is(res.Err, ErrPersistMeta))
			assert.True(t, errors.Is(res.Err, errDiskFull))
			assert.Equal(t, ReplicaPersistFailed, res.Replicas[0].State)
			assert.Equal(t, ReplicaSkipped, res.Replicas[1].State)
			assert.True(t, f.replicas[0].MetaDirty())
			assert.Equal(t, []int64{1, 2}, memVersions(f.replicas[1]))

			// Write locks were released on the failure path
			f.stores[0].fail.Store(false)
			for _, r := range f.replicas {
				require.NoError(t, r.AddDeletePredicate(tablet.DeletePredicate{Version: 3, Conditions: []string{"k=3"}}))
			}
			assert.False(t, f.replicas[0].MetaDirty())
		})
	}
}

func TestCancelDelete_DefaultConfigFollowsSettings(t *testing.T) {
	original := cfg.Config.CancelDelete
	defer func() { cfg.Config.CancelDelete = original }()

	cfg.Config.CancelDelete = cfg.CancelDeleteConfiguration{
		AbsencePolicy:       cfg.AbsenceIgnore,
		ValidateBeforeApply: true,
	}

	f := newFixture(t, []int64{1})
	config := DefaultCancelDeleteConfig(f.mgr)
	assert.Equal(t, cfg.AbsenceIgnore, config.AbsencePolicy)
	assert.True(t, config.ValidateBeforeApply)

	// Empty policy falls back to absence-is-error
	task := NewCancelDeleteTask(CancelDeleteConfig{Directory: f.mgr})
	res := task.Execute(CancelDeleteRequest{TabletID: testTabletID, Version: 9})
	assert.Equal(t, StatusFailure, res.Status)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "not_found", StatusNotFound.String())
	assert.Equal(t, "failure", StatusFailure.String())
	assert.Equal(t, "persist_failed", ReplicaPersistFailed.String())
	assert.Equal(t, "skipped", ReplicaSkipped.String())
}
