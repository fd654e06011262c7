package tablet

import "errors"

var (
	ErrTabletNotFound    = errors.New("tablet not found")
	ErrTabletExists      = errors.New("tablet already exists")
	ErrPredicateNotFound = errors.New("delete predicate not found")
	ErrPredicateExists   = errors.New("delete predicate already exists")
	ErrInvalidVersion    = errors.New("invalid delete predicate version")
	ErrEmptyConditions   = errors.New("delete predicate has no conditions")
	ErrMetaCorrupted     = errors.New("tablet meta corrupted")
	ErrMetaStoreClosed   = errors.New("meta store closed")
)
