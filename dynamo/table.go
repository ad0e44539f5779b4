// Package dynamo implements store.Table and store.Transactor on Amazon DynamoDB.
//
// The table must have a string partition key "PK" and a string sort key "SK".
// Every call runs through a circuit breaker; an open breaker, throttling and
// server faults surface as store.ErrStoreUnavailable.
package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jacentio/activities/store"
)

const (
	// maxBatchGet is the BatchGetItem request limit.
	maxBatchGet = 100

	// maxTransactItems is the TransactWriteItems request limit.
	maxTransactItems = 100

	// maxUnprocessedRetries bounds the resubmission of unprocessed batch keys.
	maxUnprocessedRetries = 5
)

// API is the subset of the DynamoDB client used by Table.
// *dynamodb.Client satisfies it.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Config holds configuration for a Table.
type Config struct {
	// TableName is the DynamoDB table holding every item.
	TableName string

	// Breaker configures the circuit breaker wrapped around every call.
	Breaker BreakerConfig

	// UnprocessedBackoff is the base delay before resubmitting unprocessed batch keys.
	// Default: 50ms
	UnprocessedBackoff time.Duration
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultConfig returns the configuration used by the Lambda binary.
func DefaultConfig(tableName string) Config {
	return Config{
		TableName: tableName,
		Breaker: BreakerConfig{
			MaxRequests:      5,
			Interval:         30 * time.Second,
			Timeout:          60 * time.Second,
			FailureThreshold: 0.8,
			MinRequests:      5,
		},
		UnprocessedBackoff: 50 * time.Millisecond,
	}
}

// Table is a store.Table backed by a single DynamoDB table.
type Table struct {
	client  API
	name    string
	breaker *gobreaker.CircuitBreaker
	backoff time.Duration
	logger  *zap.Logger
}

// New creates a Table. A nil logger disables logging.
func New(client API, config Config, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.UnprocessedBackoff <= 0 {
		config.UnprocessedBackoff = 50 * time.Millisecond
	}
	bc := config.Breaker
	t := &Table{
		client:  client,
		name:    config.TableName,
		backoff: config.UnprocessedBackoff,
		logger:  logger,
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dynamodb:" + config.TableName,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return bc.FailureThreshold > 0 && failureRatio >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: isSuccessful,
	})
	return t
}

// call runs fn through the breaker and maps the result onto the store errors.
func (t *Table) call(fn func() error) error {
	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return mapError(err)
}

// GetItem implements store.Table.
func (t *Table) GetItem(ctx context.Context, key store.Key) (store.Item, error) {
	var out *dynamodb.GetItemOutput
	err := t.call(func() error {
		var err error
		out, err = t.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(t.name),
			Key:            key.Attributes(),
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, nil
	}
	return out.Item, nil
}

// BatchGetItems implements store.Table. Keys are sent in chunks of 100 and
// unprocessed keys are resubmitted a bounded number of times.
func (t *Table) BatchGetItems(ctx context.Context, keys []store.Key) ([]store.Item, error) {
	var items []store.Item
	for start := 0; start < len(keys); start += maxBatchGet {
		end := min(start+maxBatchGet, len(keys))

		chunk := make([]map[string]types.AttributeValue, 0, end-start)
		for _, key := range keys[start:end] {
			chunk = append(chunk, key.Attributes())
		}

		got, err := t.batchGetChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		items = append(items, got...)
	}
	return items, nil
}

func (t *Table) batchGetChunk(ctx context.Context, keys []map[string]types.AttributeValue) ([]store.Item, error) {
	var items []store.Item
	request := map[string]types.KeysAndAttributes{
		t.name: {Keys: keys, ConsistentRead: aws.Bool(true)},
	}

	for attempt := 0; ; attempt++ {
		var out *dynamodb.BatchGetItemOutput
		err := t.call(func() error {
			var err error
			out, err = t.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, raw := range out.Responses[t.name] {
			items = append(items, raw)
		}

		pending, ok := out.UnprocessedKeys[t.name]
		if !ok || len(pending.Keys) == 0 {
			return items, nil
		}
		if attempt >= maxUnprocessedRetries {
			return nil, fmt.Errorf("%w: %d keys left unprocessed", store.ErrStoreUnavailable, len(pending.Keys))
		}

		t.logger.Debug("resubmitting unprocessed keys",
			zap.Int("count", len(pending.Keys)),
			zap.Int("attempt", attempt+1),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.backoff << attempt):
		}
		request = map[string]types.KeysAndAttributes{t.name: pending}
	}
}

// QueryPrefix implements store.Table. A zero Limit reads the whole prefix.
func (t *Table) QueryPrefix(ctx context.Context, q store.PrefixQuery) (store.QueryPage, error) {
	keyEx := expression.Key(store.AttrPK).Equal(expression.Value(q.PK))
	if q.SKPrefix != "" {
		keyEx = keyEx.And(expression.Key(store.AttrSK).BeginsWith(q.SKPrefix))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyEx).Build()
	if err != nil {
		return store.QueryPage{}, fmt.Errorf("build key condition: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(t.name),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(true),
		ConsistentRead:            aws.Bool(true),
	}
	if q.After != "" {
		input.ExclusiveStartKey = store.Key{PK: q.PK, SK: q.After}.Attributes()
	}

	var page store.QueryPage
	if q.Limit > 0 {
		input.Limit = aws.Int32(q.Limit)
		var out *dynamodb.QueryOutput
		err := t.call(func() error {
			var err error
			out, err = t.client.Query(ctx, input)
			return err
		})
		if err != nil {
			return store.QueryPage{}, err
		}
		for _, raw := range out.Items {
			page.Items = append(page.Items, raw)
		}
		if out.LastEvaluatedKey != nil {
			key, err := store.KeyOf(out.LastEvaluatedKey)
			if err != nil {
				return store.QueryPage{}, err
			}
			page.LastSK = key.SK
		}
		return page, nil
	}

	paginator := dynamodb.NewQueryPaginator(t.client, input)
	for paginator.HasMorePages() {
		var out *dynamodb.QueryOutput
		err := t.call(func() error {
			var err error
			out, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return store.QueryPage{}, err
		}
		for _, raw := range out.Items {
			page.Items = append(page.Items, raw)
		}
	}
	return page, nil
}

// PutItem implements store.Table.
func (t *Table) PutItem(ctx context.Context, item store.Item) error {
	return t.call(func() error {
		_, err := t.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(t.name),
			Item:      item,
		})
		return err
	})
}

// DeleteItem implements store.Table.
func (t *Table) DeleteItem(ctx context.Context, key store.Key) error {
	return t.call(func() error {
		_, err := t.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(t.name),
			Key:       key.Attributes(),
		})
		return err
	})
}

// TransactWrite implements store.Transactor. A failed existence check is
// reported as a *store.ConditionFailedError carrying the index of the op.
func (t *Table) TransactWrite(ctx context.Context, ops []store.WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > maxTransactItems {
		return fmt.Errorf("%w: transaction of %d items exceeds %d", store.ErrInvalidInput, len(ops), maxTransactItems)
	}

	exists, err := expression.NewBuilder().
		WithCondition(expression.AttributeExists(expression.Name(store.AttrPK))).
		Build()
	if err != nil {
		return fmt.Errorf("build condition: %w", err)
	}

	items := make([]types.TransactWriteItem, 0, len(ops))
	for i, op := range ops {
		switch {
		case op.Check != nil:
			items = append(items, types.TransactWriteItem{
				ConditionCheck: &types.ConditionCheck{
					TableName:                aws.String(t.name),
					Key:                      op.Check.Attributes(),
					ConditionExpression:      exists.Condition(),
					ExpressionAttributeNames: exists.Names(),
				},
			})
		case op.Put != nil:
			items = append(items, types.TransactWriteItem{
				Put: &types.Put{
					TableName: aws.String(t.name),
					Item:      op.Put,
				},
			})
		default:
			return fmt.Errorf("%w: empty write op at index %d", store.ErrInvalidInput, i)
		}
	}

	return t.call(func() error {
		_, err := t.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		return err
	})
}

var (
	_ store.Table      = (*Table)(nil)
	_ store.Transactor = (*Table)(nil)
)
