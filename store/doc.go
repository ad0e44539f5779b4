// Package store provides a single-table DynamoDB data access layer for the activities domain.
//
// Every entity (areas, projects, activities, users, conversations, notifications,
// tracking events, attachments) lives in one table keyed by a string partition key
// (PK) and sort key (SK). Relations are satisfied by the key layout alone, so every
// read is a point lookup, a batched point lookup or a single prefix query.
//
// # Key Layout
//
//	entity:  PK = AREA#<id>                  SK = #META
//	edge:    PK = AREA#<parentId>            SK = PROJECT#<childId>
//	catalog: PK = CATALOG#AREA#<shard>       SK = AREA#<id>
//
// A prefix query on a parent's partition with SK prefix "PROJECT#" returns every
// project of that area ordered by id. The catalog partitions list every entity of
// a type without scanning.
//
// # Components
//
//   - [Store] - Put, Get and BatchGet of entities
//   - [Index] - ListChildren, PutEdge and ListCatalog over edge and catalog items
//   - [Registry] - the declared relations, each either [Reference] or [Containment]
//
// The table itself is a collaborator behind the [Table] interface. Tables that
// can apply several writes all-or-nothing also implement [Transactor].
//
// # Configuration
//
// Use [DefaultConfig] for small datasets (CatalogShards=1, single queries).
// Increase CatalogShards when a single catalog partition becomes hot:
//
//	cfg := store.DefaultConfig()
//	cfg.CatalogShards = 16
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrNotFound] - entity doesn't exist
//   - [ErrInvalidReference] - a write references a missing entity
//   - [ErrSchemaViolation] - a key or item could not be decoded
//   - [ErrPartialWrite] - a multi-item write was not applied as a unit
//   - [ErrStoreUnavailable] - the table is transiently unreachable (retried once)
//   - [ErrInvalidInput] - mutation input failed validation
//   - [ErrInvalidPageToken] - a page token could not be decoded
package store
