// Package resolve turns graph-shaped queries into store and index reads.
//
// A selection is resolved level by level. For each relation field the values
// of every node on the level are fetched together:
//
//   - Reference fields collect the referenced ids of all nodes, deduplicate
//     them and issue a single batch get.
//   - Containment fields run one prefix query per node (concurrently) and then
//     a single batch get for every child id returned.
//
// Fields of one level are resolved concurrently and joined by position, so the
// output keeps the requested root order and ascending child id order.
package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/activities/store"
)

// Config holds configuration for a Resolver.
type Config struct {
	// MaxDepth bounds how deeply relation fields may nest below the root.
	// Default: 0 (unbounded; every level is still paginated)
	MaxDepth int

	// Concurrency bounds the prefix queries a containment field runs at once.
	// Default: 16
	Concurrency int
}

// DefaultConfig returns an unbounded-depth configuration.
func DefaultConfig() Config {
	return Config{Concurrency: 16}
}

func (c *Config) validate() {
	if c.MaxDepth < 0 {
		c.MaxDepth = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
}

// Resolver executes queries against a Store. It is safe for concurrent use.
type Resolver struct {
	store    *store.Store
	index    *store.Index
	registry *store.Registry
	config   Config
	logger   *zap.Logger
}

// New creates a Resolver. A nil logger disables logging.
func New(s *store.Store, config Config, logger *zap.Logger) *Resolver {
	config.validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    s,
		index:    s.Index(),
		registry: s.Registry(),
		config:   config,
		logger:   logger,
	}
}

// Execute resolves q. A missing root is reported on its Result without failing
// the others; a failing relation field is reported as a *FieldError on its Value.
// Errors returned directly concern the whole query.
func (r *Resolver) Execute(ctx context.Context, q Query) (*Response, error) {
	start := time.Now()
	rt, ok := operations[q.Operation]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, q.Operation)
	}
	selection, err := MergeFields(q.Selection)
	if err != nil {
		return nil, err
	}
	if err := r.validate(rt.typ, selection, "", 1); err != nil {
		return nil, err
	}

	ids, next, err := r.roots(ctx, q, rt)
	if err != nil {
		return nil, err
	}

	refs := make([]store.Ref, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			refs = append(refs, store.Ref{Type: rt.typ, ID: id})
		}
	}
	found, err := r.store.BatchGet(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", q.Operation, err)
	}

	resp := &Response{Operation: q.Operation, NextToken: next, Results: make([]Result, len(ids))}
	seen := make(map[store.Ref]*Node, len(found))
	var nodes []*Node
	for i, id := range ids {
		ref := store.Ref{Type: rt.typ, ID: id}
		e, ok := found[ref]
		if !ok {
			resp.Results[i] = Result{ID: id, Err: fmt.Errorf("%s: %w", ref, store.ErrNotFound)}
			continue
		}
		n, dup := seen[ref]
		if !dup {
			n = newNode(e)
			seen[ref] = n
			nodes = append(nodes, n)
		}
		resp.Results[i] = Result{ID: id, Node: n}
	}

	r.resolveLevel(ctx, rt.typ, nodes, selection, "")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.logger.Debug("resolved query",
		zap.String("operation", string(q.Operation)),
		zap.Int("roots", len(ids)),
		zap.Int("found", len(nodes)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

// validate checks every selected field against the registry and the depth bound.
func (r *Resolver) validate(typ store.EntityType, fields []Field, path string, depth int) error {
	if len(fields) == 0 {
		return nil
	}
	if r.config.MaxDepth > 0 && depth > r.config.MaxDepth {
		return fmt.Errorf("%w: %s nests beyond %d levels", ErrSelectionTooDeep, path, r.config.MaxDepth)
	}
	for _, f := range fields {
		fieldPath := joinPath(path, f.Name)
		rel, ok := r.registry.Lookup(typ, f.Name)
		if !ok {
			return fmt.Errorf("%w: %s on %s (relations: %s)", ErrUnknownField, fieldPath, typ, r.relationNames(typ))
		}
		if err := r.validate(rel.Target, f.Selection, fieldPath, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// relationNames lists the relation fields typ declares, or "none".
func (r *Resolver) relationNames(typ store.EntityType) string {
	rels := r.registry.RelationsOf(typ)
	if len(rels) == 0 {
		return "none"
	}
	names := make([]string, len(rels))
	for i, rel := range rels {
		names[i] = rel.Name
	}
	return strings.Join(names, ", ")
}

// roots returns the root ids of q in request order, and the catalog token if listed.
func (r *Resolver) roots(ctx context.Context, q Query, rt root) ([]string, string, error) {
	if rt.single {
		return []string{q.ID}, "", nil
	}
	if len(q.IDs) > 0 {
		return q.IDs, "", nil
	}
	page, err := r.index.ListCatalog(ctx, rt.typ, q.Page)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", q.Operation, err)
	}
	return page.IDs, page.NextToken, nil
}

// resolveLevel resolves fields on nodes, which all have type typ.
func (r *Resolver) resolveLevel(ctx context.Context, typ store.EntityType, nodes []*Node, fields []Field, path string) {
	if len(nodes) == 0 || len(fields) == 0 {
		return
	}

	// Values are allocated before any goroutine starts so field resolution
	// only ever writes through its own *Value.
	rels := make([]store.Relation, len(fields))
	values := make([][]*Value, len(fields))
	for fi, f := range fields {
		rels[fi], _ = r.registry.Lookup(typ, f.Name)
		values[fi] = make([]*Value, len(nodes))
	}
	for ni, n := range nodes {
		if n.Fields == nil {
			n.Fields = make(map[string]*Value, len(fields))
		}
		for fi, f := range fields {
			v := &Value{Kind: rels[fi].Kind}
			n.Fields[f.Name] = v
			values[fi][ni] = v
		}
	}

	var g errgroup.Group
	for fi, f := range fields {
		g.Go(func() error {
			fieldPath := joinPath(path, f.Name)
			switch rels[fi].Kind {
			case store.Reference:
				r.resolveReference(ctx, rels[fi], nodes, values[fi], f, fieldPath)
			case store.Containment:
				r.resolveContainment(ctx, rels[fi], nodes, values[fi], f, fieldPath)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Resolver) resolveReference(ctx context.Context, rel store.Relation, nodes []*Node, values []*Value, f Field, path string) {
	ids := make([]string, len(nodes))
	refs := make([]store.Ref, 0, len(nodes))
	for i, n := range nodes {
		ids[i] = n.Entity.References()[rel.Name]
		if ids[i] != "" {
			refs = append(refs, store.Ref{Type: rel.Target, ID: ids[i]})
		}
	}
	if len(refs) == 0 {
		return
	}

	found, err := r.store.BatchGet(ctx, refs)
	if err != nil {
		for i := range nodes {
			if ids[i] != "" {
				values[i].Err = &FieldError{Path: path, Err: err}
			}
		}
		return
	}

	children := make(map[store.Ref]*Node, len(found))
	var unique []*Node
	for i := range nodes {
		if ids[i] == "" {
			continue
		}
		ref := store.Ref{Type: rel.Target, ID: ids[i]}
		values[i].Target = ref
		e, ok := found[ref]
		if !ok {
			values[i].Absent = true
			continue
		}
		child, seen := children[ref]
		if !seen {
			child = newNode(e)
			children[ref] = child
			unique = append(unique, child)
		}
		values[i].Node = child
	}

	r.resolveLevel(ctx, rel.Target, unique, f.Selection, path)
}

func (r *Resolver) resolveContainment(ctx context.Context, rel store.Relation, nodes []*Node, values []*Value, f Field, path string) {
	pages := make([]store.Page, len(nodes))
	errs := make([]error, len(nodes))

	var g errgroup.Group
	g.SetLimit(r.config.Concurrency)
	for i, n := range nodes {
		g.Go(func() error {
			pages[i], errs[i] = r.index.ListChildren(ctx, n.Ref, rel.Target, f.Page)
			return nil
		})
	}
	_ = g.Wait()

	var refs []store.Ref
	for i := range nodes {
		if errs[i] != nil {
			values[i].Err = &FieldError{Path: path, Err: errs[i]}
			continue
		}
		for _, id := range pages[i].IDs {
			refs = append(refs, store.Ref{Type: rel.Target, ID: id})
		}
	}

	found, err := r.store.BatchGet(ctx, refs)
	if err != nil {
		for i := range nodes {
			if errs[i] == nil {
				values[i].Err = &FieldError{Path: path, Err: err}
			}
		}
		return
	}

	children := make(map[store.Ref]*Node, len(found))
	var unique []*Node
	for i, n := range nodes {
		if errs[i] != nil {
			continue
		}
		values[i].NextToken = pages[i].NextToken
		values[i].Nodes = make([]*Node, 0, len(pages[i].IDs))
		for _, id := range pages[i].IDs {
			ref := store.Ref{Type: rel.Target, ID: id}
			e, ok := found[ref]
			if !ok {
				r.logger.Warn("edge points at missing entity",
					zap.String("parent", n.Ref.String()),
					zap.String("child", ref.String()),
				)
				continue
			}
			child, seen := children[ref]
			if !seen {
				child = newNode(e)
				children[ref] = child
				unique = append(unique, child)
			}
			values[i].Nodes = append(values[i].Nodes, child)
		}
	}

	r.resolveLevel(ctx, rel.Target, unique, f.Selection, path)
}

