package handler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/jacentio/activities/resolve"
	"github.com/jacentio/activities/selection"
	"github.com/jacentio/activities/store"
)

// renderer shapes resolved nodes into response data for one root field.
type renderer struct {
	h   *Handler
	res *rootResult
}

// node renders the selected fields of n. Attributes are read from the
// entity's JSON form; relation fields from the values the resolver attached.
func (r *renderer) node(n *resolve.Node, fields []*selection.Field, path ast.Path) map[string]any {
	attrs, err := attributes(n.Entity)
	if err != nil {
		r.res.errs = append(r.res.errs, r.h.toError(err, path))
		return nil
	}

	out := make(map[string]any, len(fields))
	for _, f := range fields {
		key := f.Key()
		fieldPath := appendPath(path, ast.PathName(key))

		switch {
		case f.Name == selection.TypenameField:
			out[key] = typeName(n.Ref.Type)
		case f.IsLeaf():
			out[key] = attrs[f.Name]
		default:
			out[key] = r.value(n.Fields[f.Name], f.Selection, fieldPath)
		}
	}
	return out
}

func (r *renderer) value(v *resolve.Value, fields []*selection.Field, path ast.Path) any {
	if v == nil {
		return nil
	}
	if v.Err != nil {
		r.res.errs = append(r.res.errs, r.h.toError(v.Err, path))
		return nil
	}

	switch v.Kind {
	case store.Reference:
		if v.Absent {
			err := fmt.Errorf("%w: referenced %s does not exist", store.ErrNotFound, v.Target)
			r.res.errs = append(r.res.errs, r.h.toError(err, path))
			return nil
		}
		if v.Node == nil {
			return nil
		}
		return r.node(v.Node, fields, path)
	case store.Containment:
		list := make([]any, len(v.Nodes))
		for i, child := range v.Nodes {
			list[i] = r.node(child, fields, appendPath(path, ast.PathIndex(i)))
		}
		if v.NextToken != "" {
			r.res.tokens[path.String()] = v.NextToken
		}
		return list
	}
	return nil
}

// attributes returns the scalar attributes of e keyed by their JSON names.
func attributes(e store.Entity) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", store.ErrSchemaViolation, store.RefOf(e), err)
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", store.ErrSchemaViolation, store.RefOf(e), err)
	}
	return attrs, nil
}

// typeName returns the GraphQL type name of a type tag (e.g., "AREA" is "Area").
func typeName(t store.EntityType) string {
	s := strings.ToLower(string(t))
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
