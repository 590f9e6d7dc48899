package store

import (
	"fmt"

	"github.com/diwise/context-cache/pkg/entities"
	"github.com/diwise/context-cache/pkg/errors"
)

// Association is the live, store backed reference from a parent record to a
// related collection. The parent is only referenced by id and looked up in
// the owning store on demand.
type Association struct {
	name     string
	parentID string
	owner    *Store
	store    *Store
}

func (a *Association) Name() string {
	return a.name
}

func (a *Association) ParentID() string {
	a.owner.mu.Lock()
	defer a.owner.mu.Unlock()

	return a.parentID
}

func (a *Association) Store() *Store {
	return a.store
}

func (a *Association) Parent() (*entities.Record, bool) {
	return a.owner.Get(a.ParentID())
}

// Association returns the association of the record stored under parentKey,
// if it has been constructed
func (s *Store) Association(parentKey, relation string) (*Association, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.associations[parentKey][relation]
	return a, ok
}

// EnsureAssociation returns the association of the record stored under
// parentKey, constructing an empty one if needed
func (s *Store) EnsureAssociation(parentKey, relation string) (*Association, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[parentKey]; !exists {
		return nil, errors.NewNotFoundError(fmt.Sprintf("no record %s in %s", parentKey, s.name))
	}

	return s.ensureAssociationLocked(parentKey, relation)
}

func (s *Store) ensureAssociationLocked(parentKey, relationName string) (*Association, error) {
	rel, ok := s.relations[relationName]
	if !ok {
		return nil, fmt.Errorf("relation %s is not declared for %s (%w)", relationName, s.name, errors.ErrUnknownResource)
	}

	assocs, ok := s.associations[parentKey]
	if !ok {
		assocs = map[string]*Association{}
		s.associations[parentKey] = assocs
	}

	a, ok := assocs[relationName]
	if !ok {
		a = &Association{
			name:     relationName,
			parentID: parentKey,
			owner:    s,
			store:    New(associationStoreName(s.name, parentKey, relationName), rel.options...),
		}
		assocs[relationName] = a
	}

	return a, nil
}

func associationStoreName(owner, parentKey, relationName string) string {
	return owner + "[" + parentKey + "]." + relationName
}
