package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/activities/store"
)

// fakeAPI records requests and answers them with the configured functions.
type fakeAPI struct {
	mu sync.Mutex

	getItem      func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	query        func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	batchGetItem func(*dynamodb.BatchGetItemInput) (*dynamodb.BatchGetItemOutput, error)
	transact     func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error)
	putItem      func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)

	queries   []*dynamodb.QueryInput
	batches   []*dynamodb.BatchGetItemInput
	transacts []*dynamodb.TransactWriteItemsInput
	puts      int
	deletes   []*dynamodb.DeleteItemInput
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getItem == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.getItem(in)
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	f.puts++
	f.mu.Unlock()
	if f.putItem == nil {
		return &dynamodb.PutItemOutput{}, nil
	}
	return f.putItem(in)
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, in)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	f.queries = append(f.queries, in)
	f.mu.Unlock()
	if f.query == nil {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.query(in)
}

func (f *fakeAPI) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	f.batches = append(f.batches, in)
	f.mu.Unlock()
	if f.batchGetItem == nil {
		return &dynamodb.BatchGetItemOutput{}, nil
	}
	return f.batchGetItem(in)
}

func (f *fakeAPI) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	f.transacts = append(f.transacts, in)
	f.mu.Unlock()
	if f.transact == nil {
		return &dynamodb.TransactWriteItemsOutput{}, nil
	}
	return f.transact(in)
}

func newTestTable(api *fakeAPI) *Table {
	cfg := DefaultConfig("activities-test")
	cfg.UnprocessedBackoff = time.Millisecond
	return New(api, cfg, nil)
}

func sv(s string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: s} }

func TestGetItem(t *testing.T) {
	key := store.Key{PK: "USER#u1", SK: "#META"}
	api := &fakeAPI{
		getItem: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			assert.Equal(t, "activities-test", aws.ToString(in.TableName))
			assert.Equal(t, sv("USER#u1"), in.Key["PK"])
			if in.Key["SK"].(*types.AttributeValueMemberS).Value != "#META" {
				return &dynamodb.GetItemOutput{}, nil
			}
			return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{"PK": sv("USER#u1"), "SK": sv("#META")}}, nil
		},
	}
	table := newTestTable(api)

	item, err := table.GetItem(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, sv("USER#u1"), item["PK"])

	item, err = table.GetItem(context.Background(), store.Key{PK: "USER#u1", SK: "other"})
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestBatchGetItems_Chunks(t *testing.T) {
	api := &fakeAPI{
		batchGetItem: func(in *dynamodb.BatchGetItemInput) (*dynamodb.BatchGetItemOutput, error) {
			keys := in.RequestItems["activities-test"].Keys
			return &dynamodb.BatchGetItemOutput{
				Responses: map[string][]map[string]types.AttributeValue{"activities-test": keys},
			}, nil
		},
	}
	table := newTestTable(api)

	keys := make([]store.Key, 250)
	for i := range keys {
		keys[i] = store.Key{PK: fmt.Sprintf("USER#%03d", i), SK: "#META"}
	}

	items, err := table.BatchGetItems(context.Background(), keys)
	require.NoError(t, err)
	assert.Len(t, items, 250)

	require.Len(t, api.batches, 3)
	assert.Len(t, api.batches[0].RequestItems["activities-test"].Keys, 100)
	assert.Len(t, api.batches[1].RequestItems["activities-test"].Keys, 100)
	assert.Len(t, api.batches[2].RequestItems["activities-test"].Keys, 50)
}

func TestBatchGetItems_ResubmitsUnprocessed(t *testing.T) {
	calls := 0
	api := &fakeAPI{
		batchGetItem: func(in *dynamodb.BatchGetItemInput) (*dynamodb.BatchGetItemOutput, error) {
			calls++
			keys := in.RequestItems["activities-test"].Keys
			if calls == 1 {
				return &dynamodb.BatchGetItemOutput{
					Responses:       map[string][]map[string]types.AttributeValue{"activities-test": keys[:1]},
					UnprocessedKeys: map[string]types.KeysAndAttributes{"activities-test": {Keys: keys[1:]}},
				}, nil
			}
			return &dynamodb.BatchGetItemOutput{
				Responses: map[string][]map[string]types.AttributeValue{"activities-test": keys},
			}, nil
		},
	}
	table := newTestTable(api)

	items, err := table.BatchGetItems(context.Background(), []store.Key{
		{PK: "USER#1", SK: "#META"},
		{PK: "USER#2", SK: "#META"},
		{PK: "USER#3", SK: "#META"},
	})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	require.Len(t, api.batches, 2)
	assert.Len(t, api.batches[1].RequestItems["activities-test"].Keys, 2)
}

func TestBatchGetItems_UnprocessedForever(t *testing.T) {
	api := &fakeAPI{
		batchGetItem: func(in *dynamodb.BatchGetItemInput) (*dynamodb.BatchGetItemOutput, error) {
			return &dynamodb.BatchGetItemOutput{UnprocessedKeys: in.RequestItems}, nil
		},
	}
	table := newTestTable(api)

	_, err := table.BatchGetItems(context.Background(), []store.Key{{PK: "USER#1", SK: "#META"}})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Len(t, api.batches, maxUnprocessedRetries+1)
}

func TestQueryPrefix_Limited(t *testing.T) {
	api := &fakeAPI{
		query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{
				Items: []map[string]types.AttributeValue{
					{"PK": sv("AREA#root"), "SK": sv("AREA#b")},
					{"PK": sv("AREA#root"), "SK": sv("AREA#c")},
				},
				LastEvaluatedKey: map[string]types.AttributeValue{"PK": sv("AREA#root"), "SK": sv("AREA#c")},
			}, nil
		},
	}
	table := newTestTable(api)

	page, err := table.QueryPrefix(context.Background(), store.PrefixQuery{
		PK: "AREA#root", SKPrefix: "AREA#", After: "AREA#a", Limit: 2,
	})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, "AREA#c", page.LastSK)

	require.Len(t, api.queries, 1)
	in := api.queries[0]
	assert.Equal(t, int32(2), aws.ToInt32(in.Limit))
	assert.True(t, aws.ToBool(in.ScanIndexForward))
	assert.Equal(t, sv("AREA#a"), in.ExclusiveStartKey["SK"])
	assert.NotEmpty(t, aws.ToString(in.KeyConditionExpression))
	assert.Contains(t, in.ExpressionAttributeNames, "#0")
}

func TestQueryPrefix_ReadsAllPages(t *testing.T) {
	api := &fakeAPI{
		query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			if in.ExclusiveStartKey == nil {
				return &dynamodb.QueryOutput{
					Items:            []map[string]types.AttributeValue{{"PK": sv("P"), "SK": sv("USER#1")}},
					LastEvaluatedKey: map[string]types.AttributeValue{"PK": sv("P"), "SK": sv("USER#1")},
				}, nil
			}
			return &dynamodb.QueryOutput{
				Items: []map[string]types.AttributeValue{{"PK": sv("P"), "SK": sv("USER#2")}},
			}, nil
		},
	}
	table := newTestTable(api)

	page, err := table.QueryPrefix(context.Background(), store.PrefixQuery{PK: "P", SKPrefix: "USER#"})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Empty(t, page.LastSK)
	assert.Len(t, api.queries, 2)
}

func TestTransactWrite_BuildsItems(t *testing.T) {
	api := &fakeAPI{}
	table := newTestTable(api)

	check := store.Key{PK: "AREA#a1", SK: "#META"}
	err := table.TransactWrite(context.Background(), []store.WriteOp{
		{Check: &check},
		{Put: store.Item{"PK": sv("PROJECT#p1"), "SK": sv("#META")}},
	})
	require.NoError(t, err)

	require.Len(t, api.transacts, 1)
	items := api.transacts[0].TransactItems
	require.Len(t, items, 2)
	require.NotNil(t, items[0].ConditionCheck)
	assert.Contains(t, aws.ToString(items[0].ConditionCheck.ConditionExpression), "attribute_exists")
	assert.Equal(t, sv("AREA#a1"), items[0].ConditionCheck.Key["PK"])
	require.NotNil(t, items[1].Put)
	assert.Equal(t, sv("PROJECT#p1"), items[1].Put.Item["PK"])
}

func TestTransactWrite_ConditionFailure(t *testing.T) {
	api := &fakeAPI{
		transact: func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, &types.TransactionCanceledException{
				Message: aws.String("Transaction cancelled"),
				CancellationReasons: []types.CancellationReason{
					{Code: aws.String("None")},
					{Code: aws.String("ConditionalCheckFailed")},
					{Code: aws.String("None")},
				},
			}
		},
	}
	table := newTestTable(api)

	a, b := store.Key{PK: "AREA#a1", SK: "#META"}, store.Key{PK: "USER#u1", SK: "#META"}
	err := table.TransactWrite(context.Background(), []store.WriteOp{
		{Check: &a}, {Check: &b}, {Put: store.Item{"PK": sv("AREA#a2"), "SK": sv("#META")}},
	})
	require.ErrorIs(t, err, store.ErrConditionFailed)

	var cf *store.ConditionFailedError
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, 1, cf.Index)
}

func TestTransactWrite_RejectsOversized(t *testing.T) {
	table := newTestTable(&fakeAPI{})

	ops := make([]store.WriteOp, maxTransactItems+1)
	for i := range ops {
		ops[i] = store.WriteOp{Put: store.Item{"PK": sv("X"), "SK": sv(fmt.Sprint(i))}}
	}
	err := table.TransactWrite(context.Background(), ops)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestMapError_Transient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"throughput", &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}, true},
		{"throttling", &smithy.GenericAPIError{Code: "ThrottlingException", Fault: smithy.FaultClient}, true},
		{"server fault", &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer}, true},
		{"validation", &smithy.GenericAPIError{Code: "ValidationException", Fault: smithy.FaultClient}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			assert.Equal(t, tt.transient, errors.Is(got, store.ErrStoreUnavailable))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestBreaker_OpensOnServerFaults(t *testing.T) {
	calls := 0
	api := &fakeAPI{
		putItem: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			calls++
			return nil, &smithy.GenericAPIError{Code: "InternalServerError", Fault: smithy.FaultServer}
		},
	}
	cfg := DefaultConfig("activities-test")
	cfg.Breaker = BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 0.5, MinRequests: 2}
	table := New(api, cfg, nil)

	item := store.Item{"PK": sv("USER#u1"), "SK": sv("#META")}
	for i := 0; i < 2; i++ {
		err := table.PutItem(context.Background(), item)
		require.ErrorIs(t, err, store.ErrStoreUnavailable)
	}

	err := table.PutItem(context.Background(), item)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Equal(t, 2, calls, "open breaker must not reach the table")
}

func TestBreaker_IgnoresConditionFailures(t *testing.T) {
	api := &fakeAPI{
		transact: func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, &types.TransactionCanceledException{
				CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}},
			}
		},
	}
	cfg := DefaultConfig("activities-test")
	cfg.Breaker = BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 0.5, MinRequests: 2}
	table := New(api, cfg, nil)

	key := store.Key{PK: "AREA#a1", SK: "#META"}
	for i := 0; i < 10; i++ {
		err := table.TransactWrite(context.Background(), []store.WriteOp{{Check: &key}})
		require.ErrorIs(t, err, store.ErrConditionFailed)
	}
	assert.Len(t, api.transacts, 10)
}

func TestTable_ThroughStore(t *testing.T) {
	api := &fakeAPI{
		getItem: func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
				"PK":   sv("USER#u1"),
				"SK":   sv("#META"),
				"ID":   sv("u1"),
				"Name": sv("Ada"),
			}}, nil
		},
	}
	s := store.New(newTestTable(api), store.DefaultConfig())

	got, err := s.Get(context.Background(), store.TypeUser, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.(*store.User).Name)

	_, ok := s.Table().(store.Transactor)
	assert.True(t, ok)
}
