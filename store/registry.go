package store

// RelationKind selects how a relation field is resolved.
type RelationKind int

const (
	// Reference is a many-to-one relation stored as an id on the owner, resolved by point lookup.
	Reference RelationKind = iota + 1

	// Containment is a one-to-many relation stored as edge items under the owner's partition.
	Containment
)

func (k RelationKind) String() string {
	switch k {
	case Reference:
		return "reference"
	case Containment:
		return "containment"
	}
	return "unknown"
}

// Relation declares one relation field of an entity type.
type Relation struct {
	// Owner is the entity type the field belongs to (e.g., AREA).
	Owner EntityType

	// Name is the field name (e.g., "children").
	Name string

	// Kind is the resolution strategy.
	Kind RelationKind

	// Target is the related entity type.
	Target EntityType
}

// Registry holds all known relations.
type Registry struct {
	relations []Relation
	byOwner   map[EntityType]map[string]Relation
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		relations: []Relation{},
		byOwner:   make(map[EntityType]map[string]Relation),
	}
}

// Register adds a relation to the registry, replacing any with the same owner and name.
func (r *Registry) Register(rel Relation) {
	fields, ok := r.byOwner[rel.Owner]
	if !ok {
		fields = make(map[string]Relation)
		r.byOwner[rel.Owner] = fields
	}
	if _, exists := fields[rel.Name]; exists {
		for i, existing := range r.relations {
			if existing.Owner == rel.Owner && existing.Name == rel.Name {
				r.relations[i] = rel
			}
		}
	} else {
		r.relations = append(r.relations, rel)
	}
	fields[rel.Name] = rel
}

// Lookup returns the relation named field on owner.
func (r *Registry) Lookup(owner EntityType, field string) (Relation, bool) {
	rel, ok := r.byOwner[owner][field]
	return rel, ok
}

// RelationsOf returns every relation declared on owner, in registration order.
func (r *Registry) RelationsOf(owner EntityType) []Relation {
	var out []Relation
	for _, rel := range r.relations {
		if rel.Owner == owner {
			out = append(out, rel)
		}
	}
	return out
}

// ContainmentBetween returns the containment relation from parent to child types, if declared.
func (r *Registry) ContainmentBetween(parent, child EntityType) (Relation, bool) {
	for _, rel := range r.relations {
		if rel.Kind == Containment && rel.Owner == parent && rel.Target == child {
			return rel, true
		}
	}
	return Relation{}, false
}

// AllRelations returns all registered relations.
func (r *Registry) AllRelations() []Relation {
	return r.relations
}

// DefaultRegistry declares the relations of the activities domain.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, rel := range []Relation{
		{Owner: TypeArea, Name: "father", Kind: Reference, Target: TypeArea},
		{Owner: TypeArea, Name: "inCharge", Kind: Reference, Target: TypeUser},
		{Owner: TypeArea, Name: "children", Kind: Containment, Target: TypeArea},
		{Owner: TypeArea, Name: "projects", Kind: Containment, Target: TypeProject},
		{Owner: TypeProject, Name: "area", Kind: Reference, Target: TypeArea},
		{Owner: TypeProject, Name: "activities", Kind: Containment, Target: TypeActivity},
		{Owner: TypeActivity, Name: "project", Kind: Reference, Target: TypeProject},
		{Owner: TypeActivity, Name: "assigned", Kind: Reference, Target: TypeUser},
		{Owner: TypeActivity, Name: "conversation", Kind: Reference, Target: TypeConversation},
		{Owner: TypeActivity, Name: "notifications", Kind: Containment, Target: TypeNotification},
		{Owner: TypeActivity, Name: "tracking", Kind: Containment, Target: TypeTracking},
		{Owner: TypeNotification, Name: "activity", Kind: Reference, Target: TypeActivity},
		{Owner: TypeNotification, Name: "attachments", Kind: Containment, Target: TypeAttachment},
		{Owner: TypeTracking, Name: "activity", Kind: Reference, Target: TypeActivity},
		{Owner: TypeTracking, Name: "user", Kind: Reference, Target: TypeUser},
		{Owner: TypeAttachment, Name: "notification", Kind: Reference, Target: TypeNotification},
	} {
		r.Register(rel)
	}
	return r
}
