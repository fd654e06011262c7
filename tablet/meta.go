package tablet

import (
	"fmt"
	"strconv"
)

// TabletID identifies a logical tablet. Every local replica shares it.
type TabletID int64

func (id TabletID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseTabletID parses a decimal tablet id.
func ParseTabletID(s string) (TabletID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tablet id %q: %w", s, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid tablet id %q: must be positive", s)
	}
	return TabletID(v), nil
}

// TabletMeta is the persisted header of one replica.
type TabletMeta struct {
	TabletID         TabletID          `msgpack:"tid"`
	SchemaHash       uint32            `msgpack:"sh"`
	CreationTime     int64             `msgpack:"ct"`
	Revision         uint64            `msgpack:"rev"` // bumped on every successful save
	DeletePredicates []DeletePredicate `msgpack:"dp"`
}

func (m *TabletMeta) clone() *TabletMeta {
	c := *m
	c.DeletePredicates = make([]DeletePredicate, len(m.DeletePredicates))
	for i, p := range m.DeletePredicates {
		c.DeletePredicates[i] = p.clone()
	}
	return &c
}

// tabletMetaKey returns the store key for a replica: /tablet/{tabletID:016x}/{schemaHash:08x}
func tabletMetaKey(id TabletID, schemaHash uint32) []byte {
	return []byte(fmt.Sprintf("%s%016x/%08x", prefixTabletMeta, uint64(id), schemaHash))
}

const prefixTabletMeta = "/tablet/"
