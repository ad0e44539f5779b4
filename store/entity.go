package store

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// EntityType is the type tag embedded in every key.
type EntityType string

const (
	TypeArea         EntityType = "AREA"
	TypeProject      EntityType = "PROJECT"
	TypeActivity     EntityType = "ACTIVITY"
	TypeUser         EntityType = "USER"
	TypeConversation EntityType = "CONVERSATION"
	TypeNotification EntityType = "NOTIFICATION"
	TypeTracking     EntityType = "TRACKING"
	TypeAttachment   EntityType = "ATTACHMENT"
)

// EntityTypes lists every known type tag.
var EntityTypes = []EntityType{
	TypeArea, TypeProject, TypeActivity, TypeUser,
	TypeConversation, TypeNotification, TypeTracking, TypeAttachment,
}

// Valid reports whether t is a known type tag.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Ref identifies an entity by type and id.
type Ref struct {
	Type EntityType
	ID   string
}

// String returns the type-qualified reference (e.g., "AREA#uuid").
func (r Ref) String() string { return string(r.Type) + keySeparator + r.ID }

// Entity is the base interface for all storable types.
type Entity interface {
	// EntityType returns the entity type tag.
	EntityType() EntityType

	// EntityID returns the entity id.
	EntityID() string

	// References returns the ids held in reference fields, keyed by relation name.
	// Unset references are omitted.
	References() map[string]string
}

// ParentReferrer is implemented by entities owned by a parent through a containment edge.
type ParentReferrer interface {
	// ParentRef returns the owning entity. ok is false for root entities.
	ParentRef() (ref Ref, ok bool)
}

// RefOf returns the Ref of an entity.
func RefOf(e Entity) Ref { return Ref{Type: e.EntityType(), ID: e.EntityID()} }

// Area is a node of the organizational tree.
type Area struct {
	ID         string `dynamodbav:"ID" json:"id"`
	Name       string `dynamodbav:"Name" json:"name"`
	FatherID   string `dynamodbav:"FatherID,omitempty" json:"fatherId,omitempty"`
	InChargeID string `dynamodbav:"InChargeID,omitempty" json:"inChargeId,omitempty"`
	CreatedAt  string `dynamodbav:"CreatedAt,omitempty" json:"createdAt,omitempty"`
}

func (a *Area) EntityType() EntityType { return TypeArea }
func (a *Area) EntityID() string       { return a.ID }
func (a *Area) References() map[string]string {
	return refs("father", a.FatherID, "inCharge", a.InChargeID)
}
func (a *Area) ParentRef() (Ref, bool) {
	return Ref{Type: TypeArea, ID: a.FatherID}, a.FatherID != ""
}

// Project belongs to exactly one Area.
type Project struct {
	ID        string `dynamodbav:"ID" json:"id"`
	Name      string `dynamodbav:"Name" json:"name"`
	AreaID    string `dynamodbav:"AreaID" json:"areaId"`
	CreatedAt string `dynamodbav:"CreatedAt,omitempty" json:"createdAt,omitempty"`
}

func (p *Project) EntityType() EntityType        { return TypeProject }
func (p *Project) EntityID() string              { return p.ID }
func (p *Project) References() map[string]string { return refs("area", p.AreaID) }
func (p *Project) ParentRef() (Ref, bool) {
	return Ref{Type: TypeArea, ID: p.AreaID}, p.AreaID != ""
}

// Activity is a unit of work inside a Project.
type Activity struct {
	ID             string `dynamodbav:"ID" json:"id"`
	Description    string `dynamodbav:"Description" json:"description"`
	ProjectID      string `dynamodbav:"ProjectID" json:"projectId"`
	AssignedID     string `dynamodbav:"AssignedID,omitempty" json:"assignedId,omitempty"`
	ConversationID string `dynamodbav:"ConversationID,omitempty" json:"conversationId,omitempty"`
	CreatedAt      string `dynamodbav:"CreatedAt,omitempty" json:"createdAt,omitempty"`
}

func (a *Activity) EntityType() EntityType { return TypeActivity }
func (a *Activity) EntityID() string       { return a.ID }
func (a *Activity) References() map[string]string {
	return refs("project", a.ProjectID, "assigned", a.AssignedID, "conversation", a.ConversationID)
}
func (a *Activity) ParentRef() (Ref, bool) {
	return Ref{Type: TypeProject, ID: a.ProjectID}, a.ProjectID != ""
}

// User is a person that can be assigned work or put in charge of an Area.
type User struct {
	ID        string `dynamodbav:"ID" json:"id"`
	Name      string `dynamodbav:"Name" json:"name"`
	LastName  string `dynamodbav:"LastName,omitempty" json:"lastName,omitempty"`
	Email     string `dynamodbav:"Email,omitempty" json:"email,omitempty"`
	Phone     string `dynamodbav:"Phone,omitempty" json:"phone,omitempty"`
	Role      string `dynamodbav:"Role,omitempty" json:"role,omitempty"`
	CreatedAt string `dynamodbav:"CreatedAt,omitempty" json:"createdAt,omitempty"`
}

func (u *User) EntityType() EntityType        { return TypeUser }
func (u *User) EntityID() string              { return u.ID }
func (u *User) References() map[string]string { return nil }

// Conversation holds the ordered message references of an Activity thread.
type Conversation struct {
	ID         string   `dynamodbav:"ID" json:"id"`
	MessageIDs []string `dynamodbav:"MessageIDs,omitempty" json:"messageIds,omitempty"`
	CreatedAt  string   `dynamodbav:"CreatedAt,omitempty" json:"createdAt,omitempty"`
}

func (c *Conversation) EntityType() EntityType        { return TypeConversation }
func (c *Conversation) EntityID() string              { return c.ID }
func (c *Conversation) References() map[string]string { return nil }

// Notification is raised on an Activity.
type Notification struct {
	ID         string `dynamodbav:"ID" json:"id"`
	ActivityID string `dynamodbav:"ActivityID" json:"activityId"`
	Message    string `dynamodbav:"Message,omitempty" json:"message,omitempty"`
	CreatedAt  string `dynamodbav:"CreatedAt,omitempty" json:"createdAt,omitempty"`
}

func (n *Notification) EntityType() EntityType { return TypeNotification }
func (n *Notification) EntityID() string       { return n.ID }
func (n *Notification) References() map[string]string {
	return refs("activity", n.ActivityID)
}
func (n *Notification) ParentRef() (Ref, bool) {
	return Ref{Type: TypeActivity, ID: n.ActivityID}, n.ActivityID != ""
}

// Tracking records an action a User performed on an Activity.
type Tracking struct {
	ID         string `dynamodbav:"ID" json:"id"`
	ActivityID string `dynamodbav:"ActivityID" json:"activityId"`
	UserID     string `dynamodbav:"UserID" json:"userId"`
	Action     string `dynamodbav:"Action,omitempty" json:"action,omitempty"`
	Timestamp  string `dynamodbav:"Timestamp" json:"timestamp"`
}

func (t *Tracking) EntityType() EntityType { return TypeTracking }
func (t *Tracking) EntityID() string       { return t.ID }
func (t *Tracking) References() map[string]string {
	return refs("activity", t.ActivityID, "user", t.UserID)
}
func (t *Tracking) ParentRef() (Ref, bool) {
	return Ref{Type: TypeActivity, ID: t.ActivityID}, t.ActivityID != ""
}

// Attachment is a payload attached to a Notification.
type Attachment struct {
	ID             string `dynamodbav:"ID" json:"id"`
	NotificationID string `dynamodbav:"NotificationID" json:"notificationId"`
	URI            string `dynamodbav:"URI" json:"uri"`
	ContentType    string `dynamodbav:"ContentType,omitempty" json:"contentType,omitempty"`
	CreatedAt      string `dynamodbav:"CreatedAt,omitempty" json:"createdAt,omitempty"`
}

func (a *Attachment) EntityType() EntityType { return TypeAttachment }
func (a *Attachment) EntityID() string       { return a.ID }
func (a *Attachment) References() map[string]string {
	return refs("notification", a.NotificationID)
}
func (a *Attachment) ParentRef() (Ref, bool) {
	return Ref{Type: TypeNotification, ID: a.NotificationID}, a.NotificationID != ""
}

// refs builds a reference map from name/id pairs, skipping empty ids.
func refs(pairs ...string) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			m[pairs[i]] = pairs[i+1]
		}
	}
	return m
}

// newEntity returns an empty entity for a type tag.
func newEntity(t EntityType) (Entity, error) {
	switch t {
	case TypeArea:
		return &Area{}, nil
	case TypeProject:
		return &Project{}, nil
	case TypeActivity:
		return &Activity{}, nil
	case TypeUser:
		return &User{}, nil
	case TypeConversation:
		return &Conversation{}, nil
	case TypeNotification:
		return &Notification{}, nil
	case TypeTracking:
		return &Tracking{}, nil
	case TypeAttachment:
		return &Attachment{}, nil
	}
	return nil, fmt.Errorf("%w: unknown type tag %q", ErrSchemaViolation, t)
}

// Item type discriminators stored alongside the key.
const (
	ItemTypeEntity  = "ENTITY"
	ItemTypeEdge    = "EDGE"
	ItemTypeCatalog = "CATALOG"

	attrType     = "Type"
	attrItemType = "ItemType"
)

// MarshalEntity converts an entity to its table item.
func MarshalEntity(e Entity) (Item, error) {
	t := e.EntityType()
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type tag %q", ErrSchemaViolation, t)
	}
	if e.EntityID() == "" {
		return nil, fmt.Errorf("%w: %s has empty id", ErrInvalidInput, t)
	}

	av, err := attributevalue.MarshalMap(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t, err)
	}

	key := EntityKey(t, e.EntityID())
	item := Item(av)
	for k, v := range key.Attributes() {
		item[k] = v
	}
	item[attrType] = &types.AttributeValueMemberS{Value: string(t)}
	item[attrItemType] = &types.AttributeValueMemberS{Value: ItemTypeEntity}
	return item, nil
}

// UnmarshalEntity decodes an entity item. The key's type tag selects the Go type.
func UnmarshalEntity(item Item) (Entity, error) {
	key, err := KeyOf(item)
	if err != nil {
		return nil, err
	}
	ref, err := DecodeEntityKey(key)
	if err != nil {
		return nil, err
	}
	e, err := newEntity(ref.Type)
	if err != nil {
		return nil, err
	}
	if err := attributevalue.UnmarshalMap(item, e); err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s: %v", ErrSchemaViolation, ref, err)
	}
	if e.EntityID() != ref.ID {
		return nil, fmt.Errorf("%w: %s stores id %q", ErrSchemaViolation, ref, e.EntityID())
	}
	return e, nil
}
