// Package selection turns GraphQL documents into resolver queries and mutation calls.
//
// Only the shape of the document is used: operations, fields, aliases,
// arguments, fragments and the @skip/@include directives. Type checking is
// left to the resolver, which rejects fields its registry does not declare.
package selection

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/jacentio/activities/resolve"
	"github.com/jacentio/activities/store"
)

// ErrInvalidDocument is returned when a document cannot be parsed or used.
var ErrInvalidDocument = errors.New("activities: invalid document")

// TypenameField is the introspection field every object answers.
const TypenameField = "__typename"

// Field is one selected field after fragments are flattened.
type Field struct {
	Alias string
	Name  string
	Args  map[string]any

	// Selection is nil for a leaf field.
	Selection []*Field
}

// Key returns the response key of the field.
func (f *Field) Key() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// IsLeaf reports whether the field has no sub-selection.
func (f *Field) IsLeaf() bool { return f.Selection == nil }

// Document is the executable part of a parsed request.
type Document struct {
	Kind   ast.Operation
	Name   string
	Fields []*Field
}

// Parse parses query and flattens the operation named operationName.
// operationName may be empty when the document has exactly one operation.
func Parse(query, operationName string, variables map[string]any) (*Document, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "request", Input: query})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	var op *ast.OperationDefinition
	switch {
	case operationName != "":
		op = doc.Operations.ForName(operationName)
		if op == nil {
			return nil, fmt.Errorf("%w: operation %q not found", ErrInvalidDocument, operationName)
		}
	case len(doc.Operations) == 1:
		op = doc.Operations[0]
	case len(doc.Operations) == 0:
		return nil, fmt.Errorf("%w: no operation", ErrInvalidDocument)
	default:
		return nil, fmt.Errorf("%w: operation name required", ErrInvalidDocument)
	}
	if op.Operation == ast.Subscription {
		return nil, fmt.Errorf("%w: subscriptions are not supported", ErrInvalidDocument)
	}

	f := &flattener{
		fragments: doc.Fragments,
		vars:      withDefaults(op.VariableDefinitions, variables),
		visiting:  make(map[string]bool),
	}
	fields, err := f.flatten(op.SelectionSet)
	if err != nil {
		return nil, err
	}
	return &Document{Kind: op.Operation, Name: op.Name, Fields: fields}, nil
}

// withDefaults merges declared variable defaults under the supplied values.
func withDefaults(defs ast.VariableDefinitionList, variables map[string]any) map[string]any {
	vars := make(map[string]any, len(variables)+len(defs))
	for _, def := range defs {
		if def.DefaultValue == nil {
			continue
		}
		if v, err := def.DefaultValue.Value(nil); err == nil {
			vars[def.Variable] = v
		}
	}
	for k, v := range variables {
		vars[k] = v
	}
	return vars
}

type flattener struct {
	fragments ast.FragmentDefinitionList
	vars      map[string]any
	visiting  map[string]bool
}

func (f *flattener) flatten(set ast.SelectionSet) ([]*Field, error) {
	fields := []*Field{}
	byKey := make(map[string]*Field)

	var walk func(ast.SelectionSet) error
	walk = func(set ast.SelectionSet) error {
		for _, sel := range set {
			switch s := sel.(type) {
			case *ast.Field:
				include, err := f.included(s.Directives)
				if err != nil {
					return err
				}
				if !include {
					continue
				}
				field, err := f.field(s)
				if err != nil {
					return err
				}
				if prev, ok := byKey[field.Key()]; ok {
					if prev.Name != field.Name {
						return fmt.Errorf("%w: %q selects both %s and %s", ErrInvalidDocument, field.Key(), prev.Name, field.Name)
					}
					if field.Selection != nil {
						prev.Selection = merge(prev.Selection, field.Selection)
					}
					continue
				}
				byKey[field.Key()] = field
				fields = append(fields, field)

			case *ast.FragmentSpread:
				include, err := f.included(s.Directives)
				if err != nil {
					return err
				}
				if !include {
					continue
				}
				def := f.fragments.ForName(s.Name)
				if def == nil {
					return fmt.Errorf("%w: fragment %q not defined", ErrInvalidDocument, s.Name)
				}
				if f.visiting[s.Name] {
					return fmt.Errorf("%w: fragment %q spreads itself", ErrInvalidDocument, s.Name)
				}
				f.visiting[s.Name] = true
				err = walk(def.SelectionSet)
				delete(f.visiting, s.Name)
				if err != nil {
					return err
				}

			case *ast.InlineFragment:
				include, err := f.included(s.Directives)
				if err != nil {
					return err
				}
				if !include {
					continue
				}
				if err := walk(s.SelectionSet); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(set); err != nil {
		return nil, err
	}
	return fields, nil
}

func (f *flattener) field(s *ast.Field) (*Field, error) {
	field := &Field{Alias: s.Alias, Name: s.Name}
	if field.Alias == s.Name {
		field.Alias = ""
	}
	if len(s.Arguments) > 0 {
		field.Args = make(map[string]any, len(s.Arguments))
		for _, arg := range s.Arguments {
			v, err := arg.Value.Value(f.vars)
			if err != nil {
				return nil, fmt.Errorf("%w: argument %s.%s: %w", ErrInvalidDocument, s.Name, arg.Name, err)
			}
			field.Args[arg.Name] = v
		}
	}
	if len(s.SelectionSet) > 0 {
		sub, err := f.flatten(s.SelectionSet)
		if err != nil {
			return nil, err
		}
		field.Selection = sub
	}
	return field, nil
}

// included evaluates @skip and @include.
func (f *flattener) included(directives ast.DirectiveList) (bool, error) {
	for _, d := range directives {
		if d.Name != "skip" && d.Name != "include" {
			continue
		}
		arg := d.Arguments.ForName("if")
		if arg == nil {
			return false, fmt.Errorf("%w: @%s requires if", ErrInvalidDocument, d.Name)
		}
		v, err := arg.Value.Value(f.vars)
		if err != nil {
			return false, fmt.Errorf("%w: @%s: %w", ErrInvalidDocument, d.Name, err)
		}
		cond, ok := v.(bool)
		if !ok {
			return false, fmt.Errorf("%w: @%s(if:) must be a boolean", ErrInvalidDocument, d.Name)
		}
		if (d.Name == "skip") == cond {
			return false, nil
		}
	}
	return true, nil
}

// merge appends the fields of b not already in a, merging shared keys recursively.
func merge(a, b []*Field) []*Field {
	byKey := make(map[string]*Field, len(a))
	for _, f := range a {
		byKey[f.Key()] = f
	}
	for _, f := range b {
		if prev, ok := byKey[f.Key()]; ok {
			if f.Selection != nil {
				prev.Selection = merge(prev.Selection, f.Selection)
			}
			continue
		}
		byKey[f.Key()] = f
		a = append(a, f)
	}
	return a
}

// Query builds the resolver query for a root field.
// Recognized arguments are id, ids, limit and nextToken.
func Query(root *Field, registry *store.Registry) (resolve.Query, error) {
	op := resolve.Operation(root.Name)
	typ, ok := resolve.RootType(op)
	if !ok {
		return resolve.Query{}, fmt.Errorf("%w: %q", resolve.ErrUnknownOperation, root.Name)
	}

	q := resolve.Query{Operation: op}
	if resolve.IsSingle(op) {
		id, err := stringArg(root.Args, "id")
		if err != nil {
			return resolve.Query{}, err
		}
		if id == "" {
			return resolve.Query{}, fmt.Errorf("%w: %s requires id", store.ErrInvalidInput, root.Name)
		}
		q.ID = id
	} else {
		ids, err := stringsArg(root.Args, "ids")
		if err != nil {
			return resolve.Query{}, err
		}
		q.IDs = ids
		if q.Page, err = pageArgs(root.Args); err != nil {
			return resolve.Query{}, err
		}
	}

	sel, err := Relations(registry, typ, root.Selection)
	if err != nil {
		return resolve.Query{}, err
	}
	q.Selection = sel
	return q, nil
}

// Relations converts the object fields of a selection on typ into resolver fields.
// Leaf fields are attributes and are skipped. Selecting a relation without a
// sub-selection is rejected. A relation selected under several aliases becomes
// one field with the union of their selections; the aliases must agree on paging.
func Relations(registry *store.Registry, typ store.EntityType, fields []*Field) ([]resolve.Field, error) {
	var out []resolve.Field
	for _, f := range fields {
		rel, isRelation := registry.Lookup(typ, f.Name)
		if f.IsLeaf() {
			if isRelation {
				return nil, fmt.Errorf("%w: %s on %s needs a selection", ErrInvalidDocument, f.Name, typ)
			}
			continue
		}
		if !isRelation {
			// Left to the resolver so unknown fields fail the same way everywhere.
			out = append(out, resolve.Field{Name: f.Name})
			continue
		}
		page, err := pageArgs(f.Args)
		if err != nil {
			return nil, err
		}
		sub, err := Relations(registry, rel.Target, f.Selection)
		if err != nil {
			return nil, err
		}
		out = append(out, resolve.Field{Name: f.Name, Page: page, Selection: sub})
	}
	merged, err := resolve.MergeFields(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return merged, nil
}

func pageArgs(args map[string]any) (store.PageRequest, error) {
	var page store.PageRequest
	limit, err := intArg(args, "limit")
	if err != nil {
		return page, err
	}
	if limit < 0 || limit > math.MaxInt32 {
		return page, fmt.Errorf("%w: limit %d out of range", store.ErrInvalidInput, limit)
	}
	page.Limit = int32(limit)
	if page.Token, err = stringArg(args, "nextToken"); err != nil {
		return page, err
	}
	return page, nil
}

func stringArg(args map[string]any, name string) (string, error) {
	switch v := args[name].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %s must be a string", store.ErrInvalidInput, name)
	}
}

func stringsArg(args map[string]any, name string) ([]string, error) {
	switch v := args[name].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a list of strings", store.ErrInvalidInput, name)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list of strings", store.ErrInvalidInput, name)
	}
}

// intArg accepts the numeric forms produced by literals and decoded JSON variables.
func intArg(args map[string]any, name string) (int64, error) {
	switch v := args[name].(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s must be an integer", store.ErrInvalidInput, name)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", store.ErrInvalidInput, name)
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", store.ErrInvalidInput, name)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", store.ErrInvalidInput, name)
	}
}

// InputArg returns an object argument of f (e.g., the input of a mutation).
func InputArg(f *Field, name string) (map[string]any, error) {
	switch v := f.Args[name].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %s must be an object", store.ErrInvalidInput, name)
	}
}
