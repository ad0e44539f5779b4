package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Store provides entity operations over a single table.
type Store struct {
	table    Table
	config   Config
	registry *Registry
	logger   *zap.Logger
	metrics  *Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the operation counters. Defaults to none.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithRegistry sets the relation registry. Defaults to DefaultRegistry().
func WithRegistry(r *Registry) Option {
	return func(s *Store) {
		if r != nil {
			s.registry = r
		}
	}
}

// New creates a new Store instance over table.
func New(table Table, config Config, opts ...Option) *Store {
	config.validate()
	s := &Store{
		config:   config,
		registry: DefaultRegistry(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.table = withRetry(table, config.OperationTimeout, s.metrics, s.logger)
	return s
}

// Config returns the validated configuration.
func (s *Store) Config() Config { return s.config }

// Registry returns the relation registry.
func (s *Store) Registry() *Registry { return s.registry }

// Table returns the table with timeout and retry applied.
// It implements Transactor when the underlying table does.
func (s *Store) Table() Table { return s.table }

// Logger returns the store logger.
func (s *Store) Logger() *zap.Logger { return s.logger }

// Index returns the relation index sharing this store's table.
func (s *Store) Index() *Index { return &Index{store: s} }

// Put upserts an entity item. Relation edges are not touched.
func (s *Store) Put(ctx context.Context, e Entity) error {
	item, err := MarshalEntity(e)
	if err != nil {
		return err
	}
	if err := s.table.PutItem(ctx, item); err != nil {
		return fmt.Errorf("put %s: %w", RefOf(e), err)
	}
	return nil
}

// Get retrieves an entity, returning ErrNotFound if missing.
func (s *Store) Get(ctx context.Context, t EntityType, id string) (Entity, error) {
	ref := Ref{Type: t, ID: id}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type tag %q", ErrSchemaViolation, t)
	}
	if id == "" {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}

	item, err := s.table.GetItem(ctx, EntityKey(t, id))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	if item == nil {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return UnmarshalEntity(item)
}

// BatchOption configures BatchGet.
type BatchOption func(*batchOptions)

type batchOptions struct {
	requireAll bool
}

// RequireAll makes BatchGet fail with ErrNotFound when any ref is missing.
func RequireAll() BatchOption {
	return func(o *batchOptions) { o.requireAll = true }
}

// BatchGet retrieves several entities with one batched read.
// Duplicate refs are fetched once. Missing entities are omitted from the result.
func (s *Store) BatchGet(ctx context.Context, refs []Ref, opts ...BatchOption) (map[Ref]Entity, error) {
	var o batchOptions
	for _, opt := range opts {
		opt(&o)
	}

	unique := dedupRefs(refs)
	result := make(map[Ref]Entity, len(unique))
	if len(unique) == 0 {
		return result, nil
	}

	keys := make([]Key, 0, len(unique))
	for _, ref := range unique {
		if !ref.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown type tag %q", ErrSchemaViolation, ref.Type)
		}
		if ref.ID == "" {
			continue
		}
		keys = append(keys, EntityKey(ref.Type, ref.ID))
	}

	if len(keys) > 0 {
		items, err := s.table.BatchGetItems(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("batch get %d entities: %w", len(keys), err)
		}
		for _, item := range items {
			e, err := UnmarshalEntity(item)
			if err != nil {
				return nil, err
			}
			result[RefOf(e)] = e
		}
	}

	if o.requireAll && len(result) != len(unique) {
		return nil, fmt.Errorf("%s: %w", strings.Join(missingRefs(unique, result), ", "), ErrNotFound)
	}
	return result, nil
}

// dedupRefs returns refs without duplicates, keeping first occurrence order.
func dedupRefs(refs []Ref) []Ref {
	seen := make(map[Ref]struct{}, len(refs))
	out := make([]Ref, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func missingRefs(want []Ref, got map[Ref]Entity) []string {
	var missing []string
	for _, ref := range want {
		if _, ok := got[ref]; !ok {
			missing = append(missing, ref.String())
		}
	}
	sort.Strings(missing)
	return missing
}
