package store

import (
	"fmt"
	"strings"

	"github.com/jacentio/activities/internal/shard"
)

// Key layout. This is the only durable contract of the table and must not change.
//
//	entity:  PK = <TAG>#<id>                    SK = #META
//	edge:    PK = <PARENT_TAG>#<parentId>       SK = <CHILD_TAG>#<childId>
//	catalog: PK = CATALOG#<TAG>#<shard as %02x> SK = <TAG>#<id>
//
// The tag is everything before the first separator, so ids may contain '#'.
const (
	keySeparator = "#"
	metaSortKey  = "#META"
	catalogTag   = "CATALOG"
)

// EntityKey encodes the key of an entity item.
func EntityKey(t EntityType, id string) Key {
	return Key{PK: Ref{Type: t, ID: id}.String(), SK: metaSortKey}
}

// EdgePrefix encodes the partition key and sort key prefix selecting every
// childType edge of a parent.
func EdgePrefix(parentType EntityType, parentID string, childType EntityType) (pk, skPrefix string) {
	return Ref{Type: parentType, ID: parentID}.String(), string(childType) + keySeparator
}

// EdgeKey encodes the key of one edge item.
func EdgeKey(parent, child Ref) Key {
	return Key{PK: parent.String(), SK: child.String()}
}

// catalogBase is the unsharded catalog partition of a type.
func catalogBase(t EntityType) string {
	return catalogTag + keySeparator + string(t)
}

// CatalogPartitions returns every shard partition of a type's catalog.
func CatalogPartitions(t EntityType, numShards int) []string {
	return shard.All(catalogBase(t), numShards)
}

// CatalogKey encodes the catalog entry of an entity.
func CatalogKey(ref Ref, numShards int) Key {
	return Key{PK: shard.MemberPK(catalogBase(ref.Type), ref.ID, numShards), SK: ref.String()}
}

// ParseRef decodes a type-qualified reference ("AREA#id").
func ParseRef(s string) (Ref, error) {
	tag, id, ok := strings.Cut(s, keySeparator)
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q has no type tag", ErrSchemaViolation, s)
	}
	t := EntityType(tag)
	if !t.Valid() {
		return Ref{}, fmt.Errorf("%w: unknown type tag %q", ErrSchemaViolation, tag)
	}
	if id == "" {
		return Ref{}, fmt.Errorf("%w: %q has empty id", ErrSchemaViolation, s)
	}
	return Ref{Type: t, ID: id}, nil
}

// DecodeEntityKey decodes the key of an entity item.
func DecodeEntityKey(k Key) (Ref, error) {
	if k.SK != metaSortKey {
		return Ref{}, fmt.Errorf("%w: %s is not an entity key", ErrSchemaViolation, k)
	}
	return ParseRef(k.PK)
}

// DecodeEdgeKey decodes the key of an edge item.
func DecodeEdgeKey(k Key) (parent, child Ref, err error) {
	if parent, err = ParseRef(k.PK); err != nil {
		return Ref{}, Ref{}, err
	}
	if child, err = ParseRef(k.SK); err != nil {
		return Ref{}, Ref{}, err
	}
	return parent, child, nil
}

// DecodeCatalogKey decodes the key of a catalog item.
func DecodeCatalogKey(k Key) (Ref, error) {
	ref, err := ParseRef(k.SK)
	if err != nil {
		return Ref{}, err
	}
	if !strings.HasPrefix(k.PK, catalogBase(ref.Type)+keySeparator) {
		return Ref{}, fmt.Errorf("%w: %s is not a %s catalog key", ErrSchemaViolation, k, ref.Type)
	}
	return ref, nil
}
