package tablet

import (
	"fmt"
	"strings"
)

// DeletePredicate marks rows matching Conditions as logically deleted as of Version.
// Conditions are opaque "column op value" expressions.
type DeletePredicate struct {
	Version    int64    `msgpack:"v"`
	Conditions []string `msgpack:"c"`
}

func (p DeletePredicate) clone() DeletePredicate {
	return DeletePredicate{
		Version:    p.Version,
		Conditions: append([]string(nil), p.Conditions...),
	}
}

// DeleteConditionHandler operates on a tablet's delete predicate list.
// It performs no locking and no I/O; callers hold the owning tablet's lock.
type DeleteConditionHandler struct{}

// Store appends pred to preds. Versions must be unique among live predicates.
func (DeleteConditionHandler) Store(preds *[]DeletePredicate, pred DeletePredicate) error {
	if pred.Version < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, pred.Version)
	}
	if len(pred.Conditions) == 0 {
		return ErrEmptyConditions
	}

	for _, p := range *preds {
		if p.Version == pred.Version {
			return fmt.Errorf("%w: version %d", ErrPredicateExists, pred.Version)
		}
	}

	*preds = append(*preds, pred.clone())
	return nil
}

// Remove deletes every predicate at version from preds, preserving the order of the rest.
// With includeOlder set, predicates below version are removed as well.
// Fails with ErrPredicateNotFound, leaving preds untouched, when nothing sits at version.
func (h DeleteConditionHandler) Remove(preds *[]DeletePredicate, version int64, includeOlder bool) error {
	if version < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}
	if !h.Contains(*preds, version) {
		return fmt.Errorf("%w: version %d", ErrPredicateNotFound, version)
	}

	kept := (*preds)[:0]
	for _, p := range *preds {
		if p.Version == version || (includeOlder && p.Version < version) {
			continue
		}
		kept = append(kept, p)
	}

	clear((*preds)[len(kept):])
	*preds = kept
	return nil
}

// Contains reports whether any predicate sits at version.
func (DeleteConditionHandler) Contains(preds []DeletePredicate, version int64) bool {
	for _, p := range preds {
		if p.Version == version {
			return true
		}
	}
	return false
}

// Describe renders preds for diagnostic logs. Output is deterministic for a given list.
func (DeleteConditionHandler) Describe(name string, preds []DeletePredicate) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tablet=%s delete_conditions=%d", name, len(preds))
	for _, p := range preds {
		fmt.Fprintf(&sb, " [version=%d cond=%q]", p.Version, strings.Join(p.Conditions, " AND "))
	}
	return sb.String()
}
