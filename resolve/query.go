package resolve

import (
	"errors"
	"fmt"

	"github.com/jacentio/activities/store"
)

var (
	// ErrUnknownOperation is returned for a root operation that is not served.
	ErrUnknownOperation = errors.New("activities: unknown operation")

	// ErrUnknownField is returned when a selection names a field its type does not declare.
	ErrUnknownField = errors.New("activities: unknown field")

	// ErrSelectionTooDeep is returned when a selection nests deeper than Config.MaxDepth.
	ErrSelectionTooDeep = errors.New("activities: selection too deep")

	// ErrConflictingFields is returned when one relation is selected twice with different pages.
	ErrConflictingFields = errors.New("activities: conflicting fields")
)

// Operation names a root query.
type Operation string

const (
	OpGetActivity     Operation = "getActivity"
	OpGetConversation Operation = "getConversation"
	OpGetActivities   Operation = "getActivities"
	OpGetAreas        Operation = "getAreas"
	OpGetUsers        Operation = "getUsers"
	OpGetProjects     Operation = "getProjects"
)

// root describes how an operation finds its root entities.
type root struct {
	typ store.EntityType

	// single operations take exactly one id.
	single bool
}

var operations = map[Operation]root{
	OpGetActivity:     {typ: store.TypeActivity, single: true},
	OpGetConversation: {typ: store.TypeConversation, single: true},
	OpGetActivities:   {typ: store.TypeActivity},
	OpGetAreas:        {typ: store.TypeArea},
	OpGetUsers:        {typ: store.TypeUser},
	OpGetProjects:     {typ: store.TypeProject},
}

// RootType returns the entity type an operation returns.
func RootType(op Operation) (store.EntityType, bool) {
	r, ok := operations[op]
	return r.typ, ok
}

// IsSingle reports whether op resolves exactly one root.
func IsSingle(op Operation) bool {
	return operations[op].single
}

// Query is a graph-shaped read: one root operation plus the relation fields to include.
type Query struct {
	Operation Operation

	// ID is the root id of a single-root operation.
	ID string

	// IDs optionally names the roots of a list operation. When empty the
	// roots are listed from the type catalog, one Page at a time.
	IDs []string

	// Page bounds a catalog listing.
	Page store.PageRequest

	Selection []Field
}

// Field selects one relation field. Scalar attributes are always returned
// with the entity and never need selecting.
type Field struct {
	Name string

	// Page bounds a containment field.
	Page store.PageRequest

	Selection []Field
}

// Node is one resolved entity with its selected relation fields.
type Node struct {
	Ref    store.Ref
	Entity store.Entity
	Fields map[string]*Value
}

// Value is the resolved content of one relation field.
type Value struct {
	Kind store.RelationKind

	// Node is the referenced entity of a reference field, nil when unset or absent.
	Node *Node

	// Absent marks a reference whose target does not exist.
	Absent bool

	// Target is the referenced entity of a set reference field, found or not.
	Target store.Ref

	// Nodes are the children of a containment field in ascending id order.
	Nodes []*Node

	// NextToken continues a paged containment field.
	NextToken string

	// Err is a *FieldError when the field could not be resolved.
	Err error
}

// Result is the outcome for one root.
type Result struct {
	ID   string
	Node *Node

	// Err is set when the root could not be resolved (ErrNotFound for a missing root).
	Err error
}

// Response is the outcome of a Query. Results keep the requested root order.
type Response struct {
	Operation Operation
	Results   []Result

	// NextToken continues a catalog listing.
	NextToken string
}

// FieldError attributes a failure to the relation field it occurred on.
type FieldError struct {
	// Path is the dotted field path from the root (e.g., "children.projects").
	Path string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %v", e.Path, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

func newNode(e store.Entity) *Node {
	return &Node{Ref: store.RefOf(e), Entity: e}
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// MergeFields combines repeated selections of the same relation into one
// field whose selection is the union of theirs. The first occurrence keeps
// its position. Repeated fields must ask for the same page.
func MergeFields(fields []Field) ([]Field, error) {
	return mergeFields(fields, "")
}

func mergeFields(fields []Field, path string) ([]Field, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	at := make(map[string]int, len(fields))
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		i, seen := at[f.Name]
		if !seen {
			at[f.Name] = len(out)
			f.Selection = append([]Field(nil), f.Selection...)
			out = append(out, f)
			continue
		}
		if out[i].Page != f.Page {
			return nil, fmt.Errorf("%w: %s is selected with different pages", ErrConflictingFields, joinPath(path, f.Name))
		}
		out[i].Selection = append(out[i].Selection, f.Selection...)
	}
	for i := range out {
		sub, err := mergeFields(out[i].Selection, joinPath(path, out[i].Name))
		if err != nil {
			return nil, err
		}
		out[i].Selection = sub
	}
	return out, nil
}
