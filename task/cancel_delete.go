package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/tabletd/cfg"
	"github.com/maxpert/tabletd/tablet"
	"github.com/maxpert/tabletd/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Directory resolves a tablet id to its local replicas. The returned slice is
// treated as a snapshot for the duration of one request.
type Directory interface {
	GetTabletsByID(id tablet.TabletID) []*tablet.Tablet
}

// CancelDeleteRequest names the predicate to cancel.
type CancelDeleteRequest struct {
	TabletID tablet.TabletID
	Version  int64
}

// CancelDeleteConfig wires a CancelDeleteTask.
type CancelDeleteConfig struct {
	Directory Directory

	// AbsencePolicy decides whether a replica lacking the version fails the request.
	AbsencePolicy cfg.AbsencePolicy

	// ValidateBeforeApply checks every replica under its read lock before any
	// replica is mutated. A concurrent writer may still remove the predicate
	// between validation and apply.
	ValidateBeforeApply bool

	Logger   *zerolog.Logger   // nil uses the global logger
	Requests telemetry.Counter // nil uses telemetry.CancelDeleteRequestsTotal
}

// DefaultCancelDeleteConfig builds a config from cfg.Config.CancelDelete.
func DefaultCancelDeleteConfig(dir Directory) CancelDeleteConfig {
	return CancelDeleteConfig{
		Directory:           dir,
		AbsencePolicy:       cfg.Config.CancelDelete.AbsencePolicy,
		ValidateBeforeApply: cfg.Config.CancelDelete.ValidateBeforeApply,
	}
}

// CancelDeleteTask removes a delete predicate from every local replica of a tablet.
//
// Replicas are processed one at a time in directory order. Each replica is
// edited and persisted under its own write lock; the first failure stops the
// pass and leaves later replicas untouched. Replicas already persisted are not
// rolled back, so a failed request may leave replicas disagreeing. Result
// lists what happened to each replica so callers can reconcile.
//
// A CancelDeleteTask is safe for concurrent use.
type CancelDeleteTask struct {
	directory           Directory
	handler             tablet.DeleteConditionHandler
	absencePolicy       cfg.AbsencePolicy
	validateBeforeApply bool
	logger              *zerolog.Logger
	requests            telemetry.Counter
}

func NewCancelDeleteTask(config CancelDeleteConfig) *CancelDeleteTask {
	policy := config.AbsencePolicy
	if policy == "" {
		policy = cfg.AbsenceError
	}

	logger := config.Logger
	if logger == nil {
		logger = &log.Logger
	}

	return &CancelDeleteTask{
		directory:           config.Directory,
		absencePolicy:       policy,
		validateBeforeApply: config.ValidateBeforeApply,
		logger:              logger,
		requests:            config.Requests,
	}
}

// Execute runs one cancel-delete request.
func (t *CancelDeleteTask) Execute(req CancelDeleteRequest) *Result {
	start := time.Now()

	t.diagnose(func() {
		t.logger.Info().
			Int64("tablet_id", int64(req.TabletID)).
			Int64("version", req.Version).
			Msg("Begin to process cancel delete")
	})
	t.diagnose(func() {
		t.requestCounter().Inc()
	})

	result := t.cancelDelete(req)

	t.diagnose(func() {
		telemetry.CancelDeleteResultsTotal.With(result.Status.String()).Inc()
		telemetry.CancelDeleteDurationSeconds.Observe(time.Since(start).Seconds())
	})
	t.diagnose(func() {
		ev := t.logger.Info()
		if result.Err != nil {
			ev = t.logger.Warn().Err(result.Err)
		}
		ev.Int64("tablet_id", int64(req.TabletID)).
			Int64("version", req.Version).
			Stringer("status", result.Status).
			Int("replicas", len(result.Replicas)).
			Int("applied", result.Applied()).
			Msg("Finish to process cancel delete")
	})

	return result
}

func (t *CancelDeleteTask) cancelDelete(req CancelDeleteRequest) *Result {
	replicas := t.directory.GetTabletsByID(req.TabletID)
	if len(replicas) == 0 {
		t.diagnose(func() {
			t.logger.Warn().Int64("tablet_id", int64(req.TabletID)).Msg("Can't find tablet")
		})
		return &Result{
			Status: StatusNotFound,
			Err:    fmt.Errorf("%w: %d", tablet.ErrTabletNotFound, req.TabletID),
		}
	}

	result := &Result{
		Status:   StatusSuccess,
		Replicas: make([]ReplicaOutcome, len(replicas)),
	}
	for i, r := range replicas {
		result.Replicas[i] = ReplicaOutcome{Tablet: r.FullName(), State: ReplicaSkipped}
	}

	if t.validateBeforeApply && t.absencePolicy == cfg.AbsenceError {
		if idx, err := t.validate(replicas, req.Version); err != nil {
			result.fail(idx, ReplicaFailed, err)
			t.logFailure(replicas[idx], ReplicaFailed, err)
			t.describe(replicas)
			return result
		}
	}

	for i, r := range replicas {
		state, err := t.cancelOnReplica(r, req.Version)
		result.Replicas[i].State = state
		if err != nil {
			result.fail(i, state, err)
			t.logFailure(r, state, err)
			break
		}
	}

	t.describe(replicas)
	return result
}

// cancelOnReplica removes version from r and persists the header, all under r's write lock.
func (t *CancelDeleteTask) cancelOnReplica(r *tablet.Tablet, version int64) (ReplicaState, error) {
	state := ReplicaFailed

	err := r.WithWriteLock(func(meta *tablet.TabletMeta) error {
		if err := t.handler.Remove(&meta.DeletePredicates, version, false); err != nil {
			if errors.Is(err, tablet.ErrPredicateNotFound) && t.absencePolicy == cfg.AbsenceIgnore {
				state = ReplicaUnchanged
				return nil
			}
			return err
		}

		if err := r.SaveMetaLocked(); err != nil {
			state = ReplicaPersistFailed
			return fmt.Errorf("%w: %w", ErrPersistMeta, err)
		}

		state = ReplicaCancelled
		return nil
	})

	return state, err
}

// validate returns the index of the first replica lacking version.
func (t *CancelDeleteTask) validate(replicas []*tablet.Tablet, version int64) (int, error) {
	if version < 0 {
		return 0, fmt.Errorf("%w: %d", tablet.ErrInvalidVersion, version)
	}

	for i, r := range replicas {
		present := false
		r.WithReadLock(func(meta *tablet.TabletMeta) {
			present = t.handler.Contains(meta.DeletePredicates, version)
		})
		if !present {
			return i, fmt.Errorf("%w: version %d on %s", tablet.ErrPredicateNotFound, version, r.FullName())
		}
	}
	return 0, nil
}

// describe logs every replica's current predicates under its read lock.
func (t *CancelDeleteTask) describe(replicas []*tablet.Tablet) {
	for _, r := range replicas {
		t.diagnose(func() {
			r.WithReadLock(func(meta *tablet.TabletMeta) {
				t.logger.Info().
					Str("tablet", r.FullName()).
					Msg(t.handler.Describe(r.FullName(), meta.DeletePredicates))
			})
		})
	}
}

func (t *CancelDeleteTask) logFailure(r *tablet.Tablet, state ReplicaState, err error) {
	t.diagnose(func() {
		t.logger.Warn().
			Err(err).
			Str("tablet", r.FullName()).
			Stringer("state", state).
			Msg("Cancel delete failed")
	})
}

func (t *CancelDeleteTask) requestCounter() telemetry.Counter {
	if t.requests != nil {
		return t.requests
	}
	return telemetry.CancelDeleteRequestsTotal
}

// diagnose runs a logging or metrics call. A panicking sink never reaches the caller.
func (t *CancelDeleteTask) diagnose(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}
