package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

// PageRequest bounds a listing.
type PageRequest struct {
	// Limit is the maximum number of ids (0 = Config.PageSize).
	Limit int32

	// Token resumes after the last id of a previous page.
	Token string
}

// Page is one page of ids in ascending order.
type Page struct {
	IDs []string

	// NextToken is empty when there are no further ids.
	NextToken string
}

// Index maintains and reads the edge and catalog items of the table.
// It never stores entity attributes; ids are resolved back through the Store.
type Index struct {
	store *Store
}

// EdgeItem builds the edge item linking parent to child.
func EdgeItem(parent, child Ref) Item {
	item := Item(EdgeKey(parent, child).Attributes())
	item[attrItemType] = &types.AttributeValueMemberS{Value: ItemTypeEdge}
	return item
}

// CatalogItem builds the catalog entry of an entity.
func (ix *Index) CatalogItem(ref Ref) Item {
	item := Item(CatalogKey(ref, ix.store.config.CatalogShards).Attributes())
	item[attrItemType] = &types.AttributeValueMemberS{Value: ItemTypeCatalog}
	return item
}

// ListChildren returns the ids of parent's childType children with one prefix query,
// ordered by child id ascending.
func (ix *Index) ListChildren(ctx context.Context, parent Ref, childType EntityType, req PageRequest) (Page, error) {
	if _, ok := ix.store.registry.ContainmentBetween(parent.Type, childType); !ok {
		return Page{}, fmt.Errorf("%w: no %s containment on %s", ErrSchemaViolation, childType, parent.Type)
	}
	after, err := decodePageToken(req.Token)
	if err != nil {
		return Page{}, err
	}

	pk, prefix := EdgePrefix(parent.Type, parent.ID, childType)
	q := PrefixQuery{PK: pk, SKPrefix: prefix, Limit: ix.store.config.limit(req.Limit)}
	if after != "" {
		q.After = prefix + after
	}

	page, err := ix.store.table.QueryPrefix(ctx, q)
	if err != nil {
		return Page{}, fmt.Errorf("list %s children of %s: %w", childType, parent, err)
	}

	out := Page{IDs: make([]string, 0, len(page.Items))}
	for _, item := range page.Items {
		key, err := KeyOf(item)
		if err != nil {
			return Page{}, err
		}
		_, child, err := DecodeEdgeKey(key)
		if err != nil {
			return Page{}, err
		}
		if child.Type != childType {
			return Page{}, fmt.Errorf("%w: edge %s under %s prefix", ErrSchemaViolation, key, childType)
		}
		out.IDs = append(out.IDs, child.ID)
	}
	if page.LastSK != "" && len(out.IDs) > 0 {
		out.NextToken = encodePageToken(out.IDs[len(out.IDs)-1])
	}
	return out, nil
}

// PutEdge idempotently writes the edge from parent to child.
// Both entities must exist, otherwise ErrInvalidReference is returned.
func (ix *Index) PutEdge(ctx context.Context, parent, child Ref) error {
	if _, ok := ix.store.registry.ContainmentBetween(parent.Type, child.Type); !ok {
		return fmt.Errorf("%w: %s cannot contain %s", ErrInvalidReference, parent.Type, child.Type)
	}
	edge := EdgeItem(parent, child)

	if tx, ok := ix.store.table.(Transactor); ok {
		parentKey, childKey := EntityKey(parent.Type, parent.ID), EntityKey(child.Type, child.ID)
		err := tx.TransactWrite(ctx, []WriteOp{
			{Check: &parentKey},
			{Check: &childKey},
			{Put: edge},
		})
		if errors.Is(err, ErrConditionFailed) {
			return fmt.Errorf("edge %s -> %s: %w", parent, child, ErrInvalidReference)
		}
		if err != nil {
			return fmt.Errorf("put edge %s -> %s: %w", parent, child, err)
		}
		return nil
	}

	if _, err := ix.store.BatchGet(ctx, []Ref{parent, child}, RequireAll()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("edge %s -> %s: %w", parent, child, ErrInvalidReference)
		}
		return err
	}
	if err := ix.store.table.PutItem(ctx, edge); err != nil {
		return fmt.Errorf("put edge %s -> %s: %w", parent, child, err)
	}
	return nil
}

// PutCatalog idempotently lists an existing entity in its type catalog.
func (ix *Index) PutCatalog(ctx context.Context, ref Ref) error {
	if _, err := ix.store.Get(ctx, ref.Type, ref.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("catalog %s: %w", ref, ErrInvalidReference)
		}
		return err
	}
	if err := ix.store.table.PutItem(ctx, ix.CatalogItem(ref)); err != nil {
		return fmt.Errorf("put catalog %s: %w", ref, err)
	}
	return nil
}

// ListCatalog returns the ids of every entity of type t, ascending, one page at a time.
// Each catalog shard is queried concurrently and the results are merged.
func (ix *Index) ListCatalog(ctx context.Context, t EntityType, req PageRequest) (Page, error) {
	if !t.Valid() {
		return Page{}, fmt.Errorf("%w: unknown type tag %q", ErrSchemaViolation, t)
	}
	after, err := decodePageToken(req.Token)
	if err != nil {
		return Page{}, err
	}
	limit := ix.store.config.limit(req.Limit)
	prefix := string(t) + keySeparator

	partitions := CatalogPartitions(t, ix.store.config.CatalogShards)
	shardIDs := make([][]string, len(partitions))
	shardMore := make([]bool, len(partitions))

	g, gctx := errgroup.WithContext(ctx)
	for i, pk := range partitions {
		g.Go(func() error {
			q := PrefixQuery{PK: pk, SKPrefix: prefix, Limit: limit}
			if after != "" {
				q.After = prefix + after
			}
			page, err := ix.store.table.QueryPrefix(gctx, q)
			if err != nil {
				return fmt.Errorf("catalog shard %s: %w", pk, err)
			}
			ids := make([]string, 0, len(page.Items))
			for _, item := range page.Items {
				key, err := KeyOf(item)
				if err != nil {
					return err
				}
				ref, err := DecodeCatalogKey(key)
				if err != nil {
					return err
				}
				ids = append(ids, ref.ID)
			}
			shardIDs[i] = ids
			shardMore[i] = page.LastSK != ""
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Page{}, fmt.Errorf("list %s catalog: %w", t, err)
	}

	var all []string
	more := false
	for i := range partitions {
		all = append(all, shardIDs[i]...)
		more = more || shardMore[i]
	}
	sort.Strings(all)
	if int32(len(all)) > limit {
		all = all[:limit]
		more = true
	}

	out := Page{IDs: all}
	if more && len(all) > 0 {
		out.NextToken = encodePageToken(all[len(all)-1])
	}

	ix.store.logger.Debug("listed catalog",
		zap.String("type", string(t)),
		zap.Int("shards", len(partitions)),
		zap.Int("count", len(all)),
	)
	return out, nil
}

func encodePageToken(lastID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(lastID))
}

func decodePageToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPageToken, token)
	}
	return string(raw), nil
}
