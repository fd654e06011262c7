package tablet

import (
	"fmt"

	"github.com/maxpert/tabletd/encoding"
)

// MetaStore persists tablet headers for one storage path.
// Implementations must be safe for concurrent use.
type MetaStore interface {
	// SaveTabletMeta durably writes meta, replacing any previous version.
	SaveTabletMeta(meta *TabletMeta) error
	// GetTabletMeta returns ErrTabletNotFound when no header exists.
	GetTabletMeta(id TabletID, schemaHash uint32) (*TabletMeta, error)
	RemoveTabletMeta(id TabletID, schemaHash uint32) error
	// TraverseTabletMetas visits every header in key order. Returning an error stops the walk.
	TraverseTabletMetas(fn func(meta *TabletMeta) error) error
	Close() error
}

func encodeTabletMeta(meta *TabletMeta) ([]byte, error) {
	data, err := encoding.Seal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode tablet meta %d.%d: %w", meta.TabletID, meta.SchemaHash, err)
	}
	return data, nil
}

func decodeTabletMeta(data []byte) (*TabletMeta, error) {
	var meta TabletMeta
	if err := encoding.Open(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetaCorrupted, err)
	}
	return &meta, nil
}
