// Package memtable provides an in-memory store.Table for tests and local runs.
package memtable

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jacentio/activities/store"
)

// Fault makes matching operations fail.
type Fault struct {
	// Op is the operation name (store.OpPutItem, ...).
	Op string

	// Skip is the number of matching calls that succeed before the fault fires.
	Skip int

	// Times is the number of calls that fail once the fault fires.
	Times int

	// Err is returned by failing calls.
	Err error
}

// Table is a sorted in-memory table. It implements store.Table and store.Transactor.
type Table struct {
	mu      sync.Mutex
	items   map[string]map[string]store.Item
	faults  []*Fault
	reads   map[store.Key]int
	queries map[string]int
	calls   map[string]int
}

// New creates an empty table.
func New() *Table {
	return &Table{
		items:   make(map[string]map[string]store.Item),
		reads:   make(map[store.Key]int),
		queries: make(map[string]int),
		calls:   make(map[string]int),
	}
}

// NonTransactional returns a view of t without the Transactor capability.
func (t *Table) NonTransactional() store.Table {
	return plainTable{t}
}

type plainTable struct{ t *Table }

func (p plainTable) GetItem(ctx context.Context, key store.Key) (store.Item, error) {
	return p.t.GetItem(ctx, key)
}
func (p plainTable) BatchGetItems(ctx context.Context, keys []store.Key) ([]store.Item, error) {
	return p.t.BatchGetItems(ctx, keys)
}
func (p plainTable) QueryPrefix(ctx context.Context, q store.PrefixQuery) (store.QueryPage, error) {
	return p.t.QueryPrefix(ctx, q)
}
func (p plainTable) PutItem(ctx context.Context, item store.Item) error {
	return p.t.PutItem(ctx, item)
}
func (p plainTable) DeleteItem(ctx context.Context, key store.Key) error {
	return p.t.DeleteItem(ctx, key)
}

// Inject registers a fault.
func (t *Table) Inject(f Fault) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = append(t.faults, &f)
}

// Reads returns the number of point reads (single or batched) of key.
func (t *Table) Reads(key store.Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads[key]
}

// Queries returns the number of prefix queries run against partition pk.
func (t *Table) Queries(pk string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queries[pk]
}

// Calls returns the number of calls of an operation, including failed ones.
func (t *Table) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// Len returns the number of stored items.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, part := range t.items {
		n += len(part)
	}
	return n
}

// fault must be called with mu held.
func (t *Table) fault(op string) error {
	t.calls[op]++
	for _, f := range t.faults {
		if f.Op != op || f.Times <= 0 {
			continue
		}
		if f.Skip > 0 {
			f.Skip--
			continue
		}
		f.Times--
		return f.Err
	}
	return nil
}

func (t *Table) get(key store.Key) store.Item {
	item, ok := t.items[key.PK][key.SK]
	if !ok {
		return nil
	}
	return clone(item)
}

// GetItem implements store.Table.
func (t *Table) GetItem(ctx context.Context, key store.Key) (store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fault(store.OpGetItem); err != nil {
		return nil, err
	}
	t.reads[key]++
	return t.get(key), nil
}

// BatchGetItems implements store.Table.
func (t *Table) BatchGetItems(ctx context.Context, keys []store.Key) ([]store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fault(store.OpBatchGetItems); err != nil {
		return nil, err
	}
	var out []store.Item
	for _, key := range keys {
		t.reads[key]++
		if item := t.get(key); item != nil {
			out = append(out, item)
		}
	}
	return out, nil
}

// QueryPrefix implements store.Table.
func (t *Table) QueryPrefix(ctx context.Context, q store.PrefixQuery) (store.QueryPage, error) {
	if err := ctx.Err(); err != nil {
		return store.QueryPage{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fault(store.OpQueryPrefix); err != nil {
		return store.QueryPage{}, err
	}
	t.queries[q.PK]++

	var sks []string
	for sk := range t.items[q.PK] {
		if strings.HasPrefix(sk, q.SKPrefix) && (q.After == "" || sk > q.After) {
			sks = append(sks, sk)
		}
	}
	sort.Strings(sks)

	var page store.QueryPage
	if q.Limit > 0 && len(sks) > int(q.Limit) {
		sks = sks[:q.Limit]
		page.LastSK = sks[len(sks)-1]
	}
	for _, sk := range sks {
		page.Items = append(page.Items, clone(t.items[q.PK][sk]))
	}
	return page, nil
}

// PutItem implements store.Table.
func (t *Table) PutItem(ctx context.Context, item store.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := store.KeyOf(item)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fault(store.OpPutItem); err != nil {
		return err
	}
	t.put(key, item)
	return nil
}

func (t *Table) put(key store.Key, item store.Item) {
	part, ok := t.items[key.PK]
	if !ok {
		part = make(map[string]store.Item)
		t.items[key.PK] = part
	}
	part[key.SK] = clone(item)
}

// DeleteItem implements store.Table.
func (t *Table) DeleteItem(ctx context.Context, key store.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fault(store.OpDeleteItem); err != nil {
		return err
	}
	delete(t.items[key.PK], key.SK)
	if len(t.items[key.PK]) == 0 {
		delete(t.items, key.PK)
	}
	return nil
}

// TransactWrite implements store.Transactor. Checks and puts are applied
// under one lock, so readers never observe part of a transaction.
func (t *Table) TransactWrite(ctx context.Context, ops []store.WriteOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keys := make([]store.Key, len(ops))
	for i, op := range ops {
		if op.Put == nil {
			continue
		}
		key, err := store.KeyOf(op.Put)
		if err != nil {
			return err
		}
		keys[i] = key
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fault(store.OpTransactWrite); err != nil {
		return err
	}
	for i, op := range ops {
		if op.Check == nil {
			continue
		}
		if _, ok := t.items[op.Check.PK][op.Check.SK]; !ok {
			return &store.ConditionFailedError{Index: i}
		}
	}
	for i, op := range ops {
		if op.Put != nil {
			t.put(keys[i], op.Put)
		}
	}
	return nil
}

func clone(item store.Item) store.Item {
	out := make(store.Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
