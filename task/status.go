package task

import "errors"

// Status is the single outcome reported for a request.
type Status int

const (
	StatusSuccess Status = iota
	// StatusNotFound means no local replica exists for the tablet id.
	StatusNotFound
	// StatusFailure means a replica failed; the first error is in Result.Err.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotFound:
		return "not_found"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// ErrPersistMeta wraps a header save failure after a successful in-memory removal.
var ErrPersistMeta = errors.New("persist tablet meta")

// ReplicaState records what a request did to one replica.
type ReplicaState int

const (
	// ReplicaSkipped: not reached because an earlier replica failed.
	ReplicaSkipped ReplicaState = iota
	// ReplicaCancelled: predicate removed and header persisted.
	ReplicaCancelled
	// ReplicaUnchanged: version absent and the absence policy ignores it.
	ReplicaUnchanged
	// ReplicaFailed: removal rejected, replica untouched.
	ReplicaFailed
	// ReplicaPersistFailed: removed in memory but the header save failed.
	ReplicaPersistFailed
)

func (s ReplicaState) String() string {
	switch s {
	case ReplicaSkipped:
		return "skipped"
	case ReplicaCancelled:
		return "cancelled"
	case ReplicaUnchanged:
		return "unchanged"
	case ReplicaFailed:
		return "failed"
	case ReplicaPersistFailed:
		return "persist_failed"
	default:
		return "unknown"
	}
}

// ReplicaOutcome is the per-replica part of a Result.
type ReplicaOutcome struct {
	Tablet string
	State  ReplicaState
	Err    error
}

// Result is returned for every cancel-delete request.
type Result struct {
	Status   Status
	Err      error
	Replicas []ReplicaOutcome
}

// Applied counts replicas whose predicate was removed and persisted.
func (r *Result) Applied() int {
	n := 0
	for _, o := range r.Replicas {
		if o.State == ReplicaCancelled {
			n++
		}
	}
	return n
}

func (r *Result) fail(idx int, state ReplicaState, err error) {
	r.Replicas[idx].State = state
	r.Replicas[idx].Err = err
	r.Status = StatusFailure
	r.Err = err
}
