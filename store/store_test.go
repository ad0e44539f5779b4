package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/activities/internal/memtable"
	"github.com/jacentio/activities/store"
)

func newStore(t *testing.T, opts ...store.Option) (*store.Store, *memtable.Table) {
	t.Helper()
	table := memtable.New()
	return store.New(table, store.DefaultConfig(), opts...), table
}

func TestDefaultConfig(t *testing.T) {
	cfg := store.DefaultConfig()

	assert.Equal(t, 1, cfg.CatalogShards)
	assert.Equal(t, int32(100), cfg.PageSize)
	assert.Equal(t, int32(1000), cfg.MaxPageSize)
	assert.Equal(t, 5*time.Second, cfg.OperationTimeout)
}

func TestNew_ValidatesConfig(t *testing.T) {
	s := store.New(memtable.New(), store.Config{CatalogShards: 1000, PageSize: 5000, MaxPageSize: 50})

	cfg := s.Config()
	assert.Equal(t, 256, cfg.CatalogShards)
	assert.Equal(t, int32(50), cfg.PageSize)
	assert.Equal(t, int32(50), cfg.MaxPageSize)
	assert.Equal(t, 5*time.Second, cfg.OperationTimeout)
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	area := &store.Area{ID: "a1", Name: "Engineering", InChargeID: "u1", CreatedAt: "2024-01-01T00:00:00Z"}
	require.NoError(t, s.Put(ctx, area))

	got, err := s.Get(ctx, store.TypeArea, "a1")
	require.NoError(t, err)
	assert.Equal(t, area, got)
}

func TestStore_PutIsIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	s, table := newStore(t)

	require.NoError(t, s.Put(ctx, &store.User{ID: "u1", Name: "Ada"}))
	require.NoError(t, s.Put(ctx, &store.User{ID: "u1", Name: "Ada"}))
	require.NoError(t, s.Put(ctx, &store.User{ID: "u1", Name: "Ada Lovelace"}))

	assert.Equal(t, 1, table.Len())
	got, err := s.Get(ctx, store.TypeUser, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.(*store.User).Name)
}

func TestStore_PutRejectsEmptyID(t *testing.T) {
	s, _ := newStore(t)

	err := s.Put(context.Background(), &store.User{Name: "nobody"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestStore_GetNotFound(t *testing.T) {
	s, _ := newStore(t)

	_, err := s.Get(context.Background(), store.TypeProject, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Get(context.Background(), store.TypeProject, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_GetUnknownType(t *testing.T) {
	s, _ := newStore(t)

	_, err := s.Get(context.Background(), "WIDGET", "1")
	assert.ErrorIs(t, err, store.ErrSchemaViolation)
}

func TestStore_GetCorruptItem(t *testing.T) {
	ctx := context.Background()
	s, table := newStore(t)

	// An item stored under an entity key whose id attribute disagrees with the key.
	require.NoError(t, table.PutItem(ctx, store.Item{
		"PK":   &types.AttributeValueMemberS{Value: "USER#u1"},
		"SK":   &types.AttributeValueMemberS{Value: "#META"},
		"ID":   &types.AttributeValueMemberS{Value: "u2"},
		"Name": &types.AttributeValueMemberS{Value: "x"},
	}))

	_, err := s.Get(ctx, store.TypeUser, "u1")
	assert.ErrorIs(t, err, store.ErrSchemaViolation)
}

func TestStore_AllEntityTypesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	entities := []store.Entity{
		&store.Area{ID: "a1", Name: "Eng", FatherID: "a0"},
		&store.Project{ID: "p1", Name: "Migration", AreaID: "a1"},
		&store.Activity{ID: "ac1", Description: "Plan", ProjectID: "p1", AssignedID: "u1", ConversationID: "c1"},
		&store.User{ID: "u1", Name: "Ada", Email: "ada@example.com", Role: "lead"},
		&store.Conversation{ID: "c1", MessageIDs: []string{"m2", "m1"}},
		&store.Notification{ID: "n1", ActivityID: "ac1", Message: "due"},
		&store.Tracking{ID: "t1", ActivityID: "ac1", UserID: "u1", Action: "start", Timestamp: "2024-01-01T00:00:00Z"},
		&store.Attachment{ID: "at1", NotificationID: "n1", URI: "s3://bucket/key", ContentType: "image/png"},
	}

	for _, e := range entities {
		require.NoError(t, s.Put(ctx, e))
	}
	for _, e := range entities {
		got, err := s.Get(ctx, e.EntityType(), e.EntityID())
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
}

func TestStore_BatchGet(t *testing.T) {
	ctx := context.Background()
	s, table := newStore(t)

	require.NoError(t, s.Put(ctx, &store.User{ID: "u1", Name: "Ada"}))
	require.NoError(t, s.Put(ctx, &store.User{ID: "u2", Name: "Grace"}))
	require.NoError(t, s.Put(ctx, &store.Area{ID: "a1", Name: "Eng"}))

	u1 := store.Ref{Type: store.TypeUser, ID: "u1"}
	refs := []store.Ref{
		u1, u1, u1,
		{Type: store.TypeUser, ID: "u2"},
		{Type: store.TypeArea, ID: "a1"},
		{Type: store.TypeUser, ID: "missing"},
	}

	got, err := s.BatchGet(ctx, refs)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, "Ada", got[u1].(*store.User).Name)
	assert.NotContains(t, got, store.Ref{Type: store.TypeUser, ID: "missing"})

	// Duplicates are read once.
	assert.Equal(t, 1, table.Reads(store.EntityKey(store.TypeUser, "u1")))
}

func TestStore_BatchGetRequireAll(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.Put(ctx, &store.User{ID: "u1", Name: "Ada"}))

	_, err := s.BatchGet(ctx, []store.Ref{
		{Type: store.TypeUser, ID: "u1"},
		{Type: store.TypeUser, ID: "u9"},
	}, store.RequireAll())
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "USER#u9")

	got, err := s.BatchGet(ctx, []store.Ref{{Type: store.TypeUser, ID: "u1"}}, store.RequireAll())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_BatchGetEmpty(t *testing.T) {
	s, table := newStore(t)

	got, err := s.BatchGet(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, table.Calls(store.OpBatchGetItems))
}

func TestStore_RetriesTransientFailureOnce(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := store.NewMetrics(reg)
	s, table := newStore(t, store.WithMetrics(metrics))
	require.NoError(t, s.Put(ctx, &store.User{ID: "u1", Name: "Ada"}))

	table.Inject(memtable.Fault{Op: store.OpGetItem, Times: 1, Err: store.ErrStoreUnavailable})

	got, err := s.Get(ctx, store.TypeUser, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.EntityID())
	assert.Equal(t, 2, table.Calls(store.OpGetItem))
}

func TestStore_RepeatedTransientFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	s, table := newStore(t)

	table.Inject(memtable.Fault{Op: store.OpGetItem, Times: 5, Err: fmt.Errorf("throttled: %w", store.ErrStoreUnavailable)})

	_, err := s.Get(ctx, store.TypeUser, "u1")
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Equal(t, 2, table.Calls(store.OpGetItem), "retried exactly once")
}

func TestStore_PermanentFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	s, table := newStore(t)
	boom := errors.New("access denied")

	table.Inject(memtable.Fault{Op: store.OpPutItem, Times: 1, Err: boom})

	err := s.Put(ctx, &store.User{ID: "u1", Name: "Ada"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, table.Calls(store.OpPutItem))
}

func TestStore_Metrics(t *testing.T) {
	ctx := context.Background()
	metrics := store.NewMetrics(prometheus.NewRegistry())
	s, table := newStore(t, store.WithMetrics(metrics))

	table.Inject(memtable.Fault{Op: store.OpGetItem, Times: 1, Err: store.ErrStoreUnavailable})
	_, err := s.Get(ctx, store.TypeUser, "u1")
	require.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RetriesCounter(store.OpGetItem)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.OperationsCounter(store.OpGetItem, "ok")))
}

func TestStore_TablePreservesTransactor(t *testing.T) {
	table := memtable.New()

	tx := store.New(table, store.DefaultConfig())
	_, ok := tx.Table().(store.Transactor)
	assert.True(t, ok, "transactional table should stay transactional")

	plain := store.New(table.NonTransactional(), store.DefaultConfig())
	_, ok = plain.Table().(store.Transactor)
	assert.False(t, ok, "non-transactional table must not gain Transactor")
}
