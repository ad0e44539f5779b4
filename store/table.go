package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Physical key attribute names shared by every item in the table.
const (
	AttrPK = "PK"
	AttrSK = "SK"
)

// Key is the physical primary key of an item.
type Key struct {
	PK string
	SK string
}

func (k Key) String() string { return k.PK + "|" + k.SK }

// Attributes returns the key as DynamoDB attribute values.
func (k Key) Attributes() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: &types.AttributeValueMemberS{Value: k.PK},
		AttrSK: &types.AttributeValueMemberS{Value: k.SK},
	}
}

// Item is a raw table item.
type Item map[string]types.AttributeValue

// KeyOf extracts the physical key of an item.
func KeyOf(item Item) (Key, error) {
	pk, ok := item[AttrPK].(*types.AttributeValueMemberS)
	if !ok {
		return Key{}, fmt.Errorf("%w: item has no string %s", ErrSchemaViolation, AttrPK)
	}
	sk, ok := item[AttrSK].(*types.AttributeValueMemberS)
	if !ok {
		return Key{}, fmt.Errorf("%w: item has no string %s", ErrSchemaViolation, AttrSK)
	}
	return Key{PK: pk.Value, SK: sk.Value}, nil
}

// PrefixQuery selects the items of one partition whose sort key starts with SKPrefix.
type PrefixQuery struct {
	PK       string
	SKPrefix string

	// After is an exclusive start sort key (empty = from the beginning).
	After string

	// Limit is the maximum number of items to return (0 = no limit).
	Limit int32
}

// QueryPage is one page of a prefix query, in ascending sort key order.
type QueryPage struct {
	Items []Item

	// LastSK is the sort key to resume after, empty when the partition is exhausted.
	LastSK string
}

// Table is the key-value collaborator the store runs on.
// Implementations must return prefix query results ordered by sort key.
// There is deliberately no scan operation.
type Table interface {
	// GetItem returns the item stored under key, or nil when absent.
	GetItem(ctx context.Context, key Key) (Item, error)

	// BatchGetItems returns the items found for keys in any order. Misses are omitted.
	BatchGetItems(ctx context.Context, keys []Key) ([]Item, error)

	// QueryPrefix runs a single prefix query.
	QueryPrefix(ctx context.Context, q PrefixQuery) (QueryPage, error)

	// PutItem upserts one item.
	PutItem(ctx context.Context, item Item) error

	// DeleteItem removes one item. Deleting a missing item is not an error.
	DeleteItem(ctx context.Context, key Key) error
}

// WriteOp is one element of an atomic write: either a put or an existence check.
type WriteOp struct {
	// Put is the item to upsert.
	Put Item

	// Check is a key that must exist for the write to be applied.
	Check *Key
}

// Transactor is implemented by tables that can apply several operations
// all-or-nothing. A failed check is reported as a *ConditionFailedError.
type Transactor interface {
	TransactWrite(ctx context.Context, ops []WriteOp) error
}
