// Package mutation creates entities together with their edge and catalog items.
//
// Every mutation moves through Validated, Staged and then Committed or
// RolledBack. On a table that supports transactions the staged items and the
// existence checks of every referenced entity are committed all-or-nothing.
// Otherwise the items are written one by one and, on failure, every item
// attempted so far is deleted again; the caller then receives a
// *store.PartialWriteError.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacentio/activities/store"
)

// Mutation names.
const (
	CreateAreaMutation    = "createArea"
	CreateProjectMutation = "createProject"
	CreateUserMutation    = "createUser"
)

// State is the lifecycle position of one mutation.
type State int

const (
	Validated State = iota + 1
	Staged
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Validated:
		return "validated"
	case Staged:
		return "staged"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// CreateAreaInput holds the arguments of createArea.
type CreateAreaInput struct {
	Name       string `json:"name" validate:"required,max=256"`
	FatherID   string `json:"fatherId,omitempty" validate:"omitempty,max=256"`
	InChargeID string `json:"inChargeId,omitempty" validate:"omitempty,max=256"`
}

// CreateProjectInput holds the arguments of createProject.
type CreateProjectInput struct {
	Name   string `json:"name" validate:"required,max=256"`
	AreaID string `json:"areaId" validate:"required,max=256"`
}

// CreateUserInput holds the arguments of createUser.
type CreateUserInput struct {
	Name     string `json:"name" validate:"required,max=256"`
	LastName string `json:"lastName,omitempty" validate:"omitempty,max=256"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	Phone    string `json:"phone,omitempty" validate:"omitempty,max=32"`
	Role     string `json:"role,omitempty" validate:"omitempty,max=64"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Every state transition is logged at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithClock replaces time.Now for creation timestamps.
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

// Orchestrator applies creation mutations. It is safe for concurrent use.
type Orchestrator struct {
	store    *store.Store
	index    *store.Index
	validate *validator.Validate
	logger   *zap.Logger
	newID    func() string
	now      func() time.Time
}

// New creates an Orchestrator writing through s.
func New(s *store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		index:    s.Index(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   zap.NewNop(),
		newID:    newUUID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// CreateArea creates an Area, optionally under a father Area and with a User in charge.
// Both references must exist.
func (o *Orchestrator) CreateArea(ctx context.Context, in CreateAreaInput) (*store.Area, error) {
	if err := o.check(CreateAreaMutation, in); err != nil {
		return nil, err
	}
	area := &store.Area{
		ID:         o.newID(),
		Name:       in.Name,
		FatherID:   in.FatherID,
		InChargeID: in.InChargeID,
		CreatedAt:  o.timestamp(),
	}
	var refs []store.Ref
	if in.FatherID != "" {
		refs = append(refs, store.Ref{Type: store.TypeArea, ID: in.FatherID})
	}
	if in.InChargeID != "" {
		refs = append(refs, store.Ref{Type: store.TypeUser, ID: in.InChargeID})
	}
	if err := o.apply(ctx, CreateAreaMutation, area, refs); err != nil {
		return nil, err
	}
	return area, nil
}

// CreateProject creates a Project in an existing Area.
func (o *Orchestrator) CreateProject(ctx context.Context, in CreateProjectInput) (*store.Project, error) {
	if err := o.check(CreateProjectMutation, in); err != nil {
		return nil, err
	}
	project := &store.Project{
		ID:        o.newID(),
		Name:      in.Name,
		AreaID:    in.AreaID,
		CreatedAt: o.timestamp(),
	}
	refs := []store.Ref{{Type: store.TypeArea, ID: in.AreaID}}
	if err := o.apply(ctx, CreateProjectMutation, project, refs); err != nil {
		return nil, err
	}
	return project, nil
}

// CreateUser creates a User.
func (o *Orchestrator) CreateUser(ctx context.Context, in CreateUserInput) (*store.User, error) {
	if err := o.check(CreateUserMutation, in); err != nil {
		return nil, err
	}
	user := &store.User{
		ID:        o.newID(),
		Name:      in.Name,
		LastName:  in.LastName,
		Email:     in.Email,
		Phone:     in.Phone,
		Role:      in.Role,
		CreatedAt: o.timestamp(),
	}
	if err := o.apply(ctx, CreateUserMutation, user, nil); err != nil {
		return nil, err
	}
	return user, nil
}

func (o *Orchestrator) timestamp() string {
	return o.now().UTC().Format(time.RFC3339)
}

// check validates the input struct tags.
func (o *Orchestrator) check(mutation string, in any) error {
	if err := o.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: %w: %s failed %q", mutation, store.ErrInvalidInput, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%s: %w: %v", mutation, store.ErrInvalidInput, err)
	}
	return nil
}

// plan is the staged item set of one mutation.
type plan struct {
	// checks are entities that must still exist at commit time.
	checks []store.Key

	// items are written in order: entity, edge, catalog.
	items []store.Item
	keys  []store.Key
}

func (p *plan) add(item store.Item) error {
	key, err := store.KeyOf(item)
	if err != nil {
		return err
	}
	p.items = append(p.items, item)
	p.keys = append(p.keys, key)
	return nil
}

// apply runs one mutation through its states.
func (o *Orchestrator) apply(ctx context.Context, mutation string, e store.Entity, refs []store.Ref) error {
	ref := store.RefOf(e)
	log := o.logger.With(
		zap.String("mutation", mutation),
		zap.String("entity", ref.String()),
	)

	if len(refs) > 0 {
		if _, err := o.store.BatchGet(ctx, refs, store.RequireAll()); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s: %w: %v", mutation, store.ErrInvalidReference, err)
			}
			return fmt.Errorf("%s: %w", mutation, err)
		}
	}
	log.Debug("mutation state", zap.Stringer("state", Validated))

	p, err := o.stage(e, refs)
	if err != nil {
		return fmt.Errorf("%s: %w", mutation, err)
	}
	log.Debug("mutation state", zap.Stringer("state", Staged), zap.Int("items", len(p.items)))

	if err := o.commit(ctx, mutation, p, log); err != nil {
		log.Debug("mutation state", zap.Stringer("state", RolledBack))
		return err
	}
	log.Debug("mutation state", zap.Stringer("state", Committed))
	log.Info("entity created")
	return nil
}

// stage builds the entity item, the edge from its parent and its catalog entry.
func (o *Orchestrator) stage(e store.Entity, refs []store.Ref) (*plan, error) {
	p := &plan{}
	for _, ref := range refs {
		p.checks = append(p.checks, store.EntityKey(ref.Type, ref.ID))
	}

	item, err := store.MarshalEntity(e)
	if err != nil {
		return nil, err
	}
	if err := p.add(item); err != nil {
		return nil, err
	}
	if pr, ok := e.(store.ParentReferrer); ok {
		if parent, ok := pr.ParentRef(); ok {
			if err := p.add(store.EdgeItem(parent, store.RefOf(e))); err != nil {
				return nil, err
			}
		}
	}
	if err := p.add(o.index.CatalogItem(store.RefOf(e))); err != nil {
		return nil, err
	}
	return p, nil
}

func (o *Orchestrator) commit(ctx context.Context, mutation string, p *plan, log *zap.Logger) error {
	if tx, ok := o.store.Table().(store.Transactor); ok {
		ops := make([]store.WriteOp, 0, len(p.checks)+len(p.items))
		for i := range p.checks {
			ops = append(ops, store.WriteOp{Check: &p.checks[i]})
		}
		for _, item := range p.items {
			ops = append(ops, store.WriteOp{Put: item})
		}
		err := tx.TransactWrite(ctx, ops)
		if errors.Is(err, store.ErrConditionFailed) {
			return fmt.Errorf("%s: %w: %v", mutation, store.ErrInvalidReference, err)
		}
		if err != nil {
			return fmt.Errorf("%s: commit: %w", mutation, err)
		}
		return nil
	}

	table := o.store.Table()
	for i, item := range p.items {
		err := table.PutItem(ctx, item)
		if err == nil {
			continue
		}

		// A failed put may still have landed, so its key is rolled back too.
		written := p.keys[:i+1]
		rolledBack := o.rollback(ctx, written, log)
		log.Error("partial write",
			zap.Int("written", len(written)),
			zap.Bool("rolledBack", rolledBack),
			zap.Error(err),
		)
		return &store.PartialWriteError{
			Mutation:   mutation,
			Written:    append([]store.Key(nil), written...),
			RolledBack: rolledBack,
			Err:        err,
		}
	}
	return nil
}

// rollback deletes written in reverse order. It runs even when ctx is cancelled.
func (o *Orchestrator) rollback(ctx context.Context, written []store.Key, log *zap.Logger) bool {
	ctx = context.WithoutCancel(ctx)
	table := o.store.Table()
	ok := true
	for i := len(written) - 1; i >= 0; i-- {
		if err := table.DeleteItem(ctx, written[i]); err != nil {
			log.Error("rollback delete failed",
				zap.String("key", written[i].String()),
				zap.Error(err),
			)
			ok = false
		}
	}
	return ok
}
