// Package handler executes GraphQL requests against the resolver and the mutation orchestrator.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/activities/mutation"
	"github.com/jacentio/activities/resolve"
	"github.com/jacentio/activities/selection"
	"github.com/jacentio/activities/store"
)

// Request is a GraphQL request body.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Response is a GraphQL response body.
type Response struct {
	Data   map[string]any `json:"data"`
	Errors gqlerror.List  `json:"errors,omitempty"`

	// Extensions carries "nextTokens", keyed by the path of each paged list.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Handler executes requests. It is safe for concurrent use.
type Handler struct {
	registry     *store.Registry
	resolver     *resolve.Resolver
	orchestrator *mutation.Orchestrator
	logger       *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(s *store.Store, r *resolve.Resolver, o *mutation.Orchestrator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:     s.Registry(),
		resolver:     r,
		orchestrator: o,
		logger:       logger,
	}
}

// Execute runs one request. Failures are reported in Response.Errors; fields
// that could not be resolved are null in Response.Data.
func (h *Handler) Execute(ctx context.Context, req Request) *Response {
	start := time.Now()
	doc, err := selection.Parse(req.Query, req.OperationName, req.Variables)
	if err != nil {
		return &Response{Errors: gqlerror.List{h.toError(err, nil)}}
	}

	var results []*rootResult
	switch doc.Kind {
	case ast.Mutation:
		results = h.mutate(ctx, doc.Fields)
	default:
		results = h.query(ctx, doc.Fields)
	}

	resp := &Response{Data: make(map[string]any, len(results))}
	tokens := map[string]string{}
	for i, res := range results {
		resp.Data[doc.Fields[i].Key()] = res.data
		resp.Errors = append(resp.Errors, res.errs...)
		for path, token := range res.tokens {
			tokens[path] = token
		}
	}
	if len(tokens) > 0 {
		resp.Extensions = map[string]any{"nextTokens": tokens}
	}

	h.logger.Debug("executed request",
		zap.String("kind", string(doc.Kind)),
		zap.String("operation", doc.Name),
		zap.Int("fields", len(doc.Fields)),
		zap.Int("errors", len(resp.Errors)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp
}

// rootResult is the rendered value of one root field.
type rootResult struct {
	data   any
	errs   gqlerror.List
	tokens map[string]string
}

func (r *rootResult) fail(err *gqlerror.Error) {
	r.data = nil
	r.errs = append(r.errs, err)
}

// query resolves root fields concurrently.
func (h *Handler) query(ctx context.Context, fields []*selection.Field) []*rootResult {
	results := make([]*rootResult, len(fields))
	var g errgroup.Group
	for i, f := range fields {
		results[i] = &rootResult{tokens: map[string]string{}}
		g.Go(func() error {
			h.queryField(ctx, f, results[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *Handler) queryField(ctx context.Context, f *selection.Field, res *rootResult) {
	path := ast.Path{ast.PathName(f.Key())}
	if f.Name == selection.TypenameField {
		res.data = "Query"
		return
	}

	q, err := selection.Query(f, h.registry)
	if err != nil {
		res.fail(h.toError(err, path))
		return
	}
	resp, err := h.resolver.Execute(ctx, q)
	if err != nil {
		res.fail(h.toError(err, path))
		return
	}

	r := &renderer{h: h, res: res}
	if resolve.IsSingle(q.Operation) {
		root := resp.Results[0]
		if root.Err != nil {
			res.fail(h.toError(root.Err, path))
			return
		}
		res.data = r.node(root.Node, f.Selection, path)
		return
	}

	list := make([]any, len(resp.Results))
	for i, root := range resp.Results {
		itemPath := appendPath(path, ast.PathIndex(i))
		if root.Err != nil {
			res.errs = append(res.errs, h.toError(root.Err, itemPath))
			continue
		}
		list[i] = r.node(root.Node, f.Selection, itemPath)
	}
	res.data = list
	if resp.NextToken != "" {
		res.tokens[path.String()] = resp.NextToken
	}
}

// createdRoot maps each mutation to the list operation that reads its result back.
var createdRoot = map[string]resolve.Operation{
	mutation.CreateAreaMutation:    resolve.OpGetAreas,
	mutation.CreateProjectMutation: resolve.OpGetProjects,
	mutation.CreateUserMutation:    resolve.OpGetUsers,
}

// mutate runs root fields one after another, in document order.
func (h *Handler) mutate(ctx context.Context, fields []*selection.Field) []*rootResult {
	results := make([]*rootResult, len(fields))
	for i, f := range fields {
		results[i] = &rootResult{tokens: map[string]string{}}
		h.mutateField(ctx, f, results[i])
	}
	return results
}

func (h *Handler) mutateField(ctx context.Context, f *selection.Field, res *rootResult) {
	path := ast.Path{ast.PathName(f.Key())}
	if f.Name == selection.TypenameField {
		res.data = "Mutation"
		return
	}

	entity, err := h.create(ctx, f)
	if err != nil {
		res.fail(h.toError(err, path))
		return
	}

	r := &renderer{h: h, res: res}
	rels, err := selection.Relations(h.registry, entity.EntityType(), f.Selection)
	if err != nil {
		res.fail(h.toError(err, path))
		return
	}
	if len(rels) == 0 {
		res.data = r.node(&resolve.Node{Ref: store.RefOf(entity), Entity: entity}, f.Selection, path)
		return
	}

	resp, err := h.resolver.Execute(ctx, resolve.Query{
		Operation: createdRoot[f.Name],
		IDs:       []string{entity.EntityID()},
		Selection: rels,
	})
	if err != nil {
		res.fail(h.toError(err, path))
		return
	}
	root := resp.Results[0]
	if root.Err != nil {
		res.fail(h.toError(root.Err, path))
		return
	}
	res.data = r.node(root.Node, f.Selection, path)
}

// create dispatches a mutation field. Arguments are read from "input" when
// present and from the field arguments otherwise.
func (h *Handler) create(ctx context.Context, f *selection.Field) (store.Entity, error) {
	args, err := selection.InputArg(f, "input")
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = f.Args
	}

	switch f.Name {
	case mutation.CreateAreaMutation:
		var in mutation.CreateAreaInput
		if err := decodeInput(args, &in); err != nil {
			return nil, err
		}
		e, err := h.orchestrator.CreateArea(ctx, in)
		if err != nil {
			return nil, err
		}
		return e, nil
	case mutation.CreateProjectMutation:
		var in mutation.CreateProjectInput
		if err := decodeInput(args, &in); err != nil {
			return nil, err
		}
		e, err := h.orchestrator.CreateProject(ctx, in)
		if err != nil {
			return nil, err
		}
		return e, nil
	case mutation.CreateUserMutation:
		var in mutation.CreateUserInput
		if err := decodeInput(args, &in); err != nil {
			return nil, err
		}
		e, err := h.orchestrator.CreateUser(ctx, in)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %q", resolve.ErrUnknownOperation, f.Name)
}

// decodeInput copies GraphQL arguments onto a tagged input struct, rejecting unknown keys.
func decodeInput(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	return nil
}

func appendPath(path ast.Path, elem ast.PathElement) ast.Path {
	out := make(ast.Path, len(path), len(path)+1)
	copy(out, path)
	return append(out, elem)
}
