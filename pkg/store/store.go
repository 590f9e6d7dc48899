package store

import (
	"fmt"
	"slices"
	"sync"

	"github.com/diwise/context-cache/pkg/entities"
	"github.com/diwise/context-cache/pkg/errors"
	"github.com/diwise/context-cache/pkg/linkheader"
)

const DefaultIDField string = "id"

type Option func(s *Store)

// IDField names the payload attribute that carries the identity of an entity
func IDField(field string) Option {
	return func(s *Store) {
		s.idField = field
	}
}

func Requires(fields ...string) Option {
	return func(s *Store) {
		s.requires = append([]string{}, fields...)
	}
}

func Stale(fields ...string) Option {
	return func(s *Store) {
		s.stale = append([]string{}, fields...)
	}
}

// WithRelation declares a relation whose embedded payloads and fetched
// collections live in an association store built from options
func WithRelation(name string, options ...Option) Option {
	return func(s *Store) {
		template := newStore(s.name+"."+name, options...)
		s.relations[name] = &relation{
			name:     name,
			options:  options,
			template: template,
		}
	}
}

// WithEvictionPolicy sets a policy that is applied after every applied response
func WithEvictionPolicy(policy EvictionPolicy) Option {
	return func(s *Store) {
		s.policy = policy
	}
}

type relation struct {
	name     string
	options  []Option
	template *Store
}

type UpsertOption func(o *upsertOptions)

type upsertOptions struct {
	replace bool
}

// Replace discards the prior attributes of a record before the new ones are set
func Replace() UpsertOption {
	return func(o *upsertOptions) {
		o.replace = true
	}
}

// Store is an ordered, identity deduplicated collection of entity records.
// Every mutation of a stored record goes through Upsert, Remove or Evict, and
// each of them is applied atomically.
type Store struct {
	mu sync.Mutex

	name     string
	idField  string
	requires []string
	stale    []string

	relations map[string]*relation
	policy    EvictionPolicy

	records      map[string]*entities.Record
	order        []string
	pagination   linkheader.Links
	freshness    string
	inflight     map[string]int
	identified   map[string]alias
	associations map[string]map[string]*Association

	// freshness token at the last eviction run
	evicted          bool
	evictedFreshness string

	observers      map[int]observer
	nextObserverID int
}

type alias struct {
	id      string
	pending int
}

func New(name string, options ...Option) *Store {
	return newStore(name, options...)
}

func newStore(name string, options ...Option) *Store {
	s := &Store{
		name:         name,
		idField:      DefaultIDField,
		relations:    map[string]*relation{},
		records:      map[string]*entities.Record{},
		order:        []string{},
		pagination:   linkheader.Links{},
		inflight:     map[string]int{},
		identified:   map[string]alias{},
		associations: map[string]map[string]*Association{},
		observers:    map[int]observer{},
	}

	for _, option := range options {
		option(s)
	}

	return s
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) IDField() string {
	return s.idField
}

func (s *Store) Relations() []string {
	names := make([]string, 0, len(s.relations))
	for name := range s.relations {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Store) HasRelation(name string) bool {
	_, ok := s.relations[name]
	return ok
}

// Get returns a copy of the record stored under key. Changes to the copy do
// not affect the store.
func (s *Store) Get(key string) (*entities.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return nil, false
	}

	return r.Clone(), true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

// Keys returns the keys of all records in iteration order
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.order)
}

// Records returns copies of all records in iteration order
func (s *Store) Records() []*entities.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*entities.Record, 0, len(s.order))
	for _, key := range s.order {
		result = append(result, s.records[key].Clone())
	}

	return result
}

func (s *Store) Pagination() linkheader.Links {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pagination.Clone()
}

// Freshness returns the token (ETag) of the most recently applied response
func (s *Store) Freshness() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.freshness
}

// Upsert creates the record if key is unknown, otherwise merges attrs into it
func (s *Store) Upsert(key string, attrs map[string]any, options ...UpsertOption) (entities.Changes, error) {
	if key == "" {
		return nil, fmt.Errorf("upsert into %s requires a key", s.name)
	}

	opts := &upsertOptions{}
	for _, option := range options {
		option(opts)
	}

	s.mu.Lock()
	changes, pending := s.upsertLocked(key, attrs, opts.replace)
	s.mu.Unlock()

	pending.deliver()

	return changes, nil
}

// Create adds a record that has not been persisted yet and returns its local key
func (s *Store) Create(attrs map[string]any) string {
	s.mu.Lock()

	r := s.newRecord("")
	key := r.Key()
	s.records[key] = r
	s.order = append(s.order, key)

	changes := r.SetAttributes(attrs)
	pending := s.changedLocked(key, r, changes)

	s.mu.Unlock()

	pending.deliver()

	return key
}

// Identify assigns the server side id to a record created with Create. If a
// record with that id already arrived through another channel the local
// record is folded into it. The stored record keeps its values and gains the
// local attributes it does not have.
func (s *Store) Identify(localID, id string) error {
	s.mu.Lock()

	pending, err := s.identifyLocked(localID, id)

	s.mu.Unlock()

	pending.deliver()

	return err
}

func (s *Store) identifyLocked(localID, id string) (notifications, error) {
	r, ok := s.records[localID]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("no record with local id %s in %s", localID, s.name))
	}

	if !r.IsNew() {
		if r.ID() == id {
			return nil, nil
		}
		return nil, fmt.Errorf("record %s in %s is already identified as %s", localID, s.name, r.ID())
	}

	var pending notifications

	idx := slices.Index(s.order, localID)

	if existing, exists := s.records[id]; exists {
		missing := map[string]any{}
		for field, value := range r.Attributes() {
			if _, found := existing.Get(field); !found {
				missing[field] = value
			}
		}

		delete(s.records, localID)
		s.order = slices.Delete(s.order, idx, idx+1)

		pending = s.changedLocked(id, existing, existing.SetAttributes(missing))
	} else {
		if err := r.SetID(id); err != nil {
			return nil, err
		}
		delete(s.records, localID)
		s.records[id] = r
		s.order[idx] = id
	}

	if count, found := s.inflight[localID]; found {
		delete(s.inflight, localID)
		s.inflight[id] += count
		// releases handed out for the local id find the record through this
		s.identified[localID] = alias{id: id, pending: count}
	}

	if assocs, found := s.associations[localID]; found {
		delete(s.associations, localID)
		pending = append(pending, s.adoptAssociationsLocked(id, assocs)...)
	}

	for oid, o := range s.observers {
		if o.key == localID {
			o.key = id
			s.observers[oid] = o
		}
	}

	return pending, nil
}

// adoptAssociationsLocked moves the associations of a folded record to id.
// Relations id already has keep their records and gain the local ones.
func (s *Store) adoptAssociationsLocked(id string, assocs map[string]*Association) notifications {
	var pending notifications

	current, found := s.associations[id]
	if !found {
		current = map[string]*Association{}
		s.associations[id] = current
	}

	for name, a := range assocs {
		target, exists := current[name]
		if !exists {
			a.parentID = id
			current[name] = a
			continue
		}

		child := target.store
		child.mu.Lock()
		for _, r := range a.store.Records() {
			if _, known := child.records[r.Key()]; known {
				continue
			}
			_, n := child.upsertLocked(r.Key(), r.Attributes(), false)
			pending = append(pending, n...)
		}
		child.mu.Unlock()
	}

	return pending
}

// Remove deletes the record, its position and its associations. Removing an
// unknown key is not an error.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	pending := s.removeLocked(key)
	s.mu.Unlock()

	pending.deliver()
}

// MarkInFlight protects key from eviction until release is called
func (s *Store) MarkInFlight(key string) (release func()) {
	s.mu.Lock()
	s.inflight[key]++
	s.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			// the record may have been identified while in flight
			current := key
			if a, ok := s.identified[key]; ok {
				current = a.id
				a.pending--
				if a.pending <= 0 {
					delete(s.identified, key)
				} else {
					s.identified[key] = a
				}
			}

			s.inflight[current]--
			if s.inflight[current] <= 0 {
				delete(s.inflight, current)
			}
		})
	}
}

func (s *Store) IsInFlight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inflight[key] > 0
}

func (s *Store) newRecord(id string) *entities.Record {
	return entities.New(id, entities.Requires(s.requires...), entities.Stale(s.stale...))
}

func (s *Store) upsertLocked(key string, attrs map[string]any, replace bool) (entities.Changes, notifications) {
	r, exists := s.records[key]
	if !exists {
		r = s.newRecord(key)
		s.records[key] = r
		s.order = append(s.order, key)
	}

	var changes entities.Changes
	if replace {
		changes = r.ReplaceAttributes(attrs)
	} else {
		changes = r.SetAttributes(attrs)
	}

	return changes, s.changedLocked(key, r, changes)
}

func (s *Store) removeLocked(key string) notifications {
	if _, exists := s.records[key]; !exists {
		return nil
	}

	delete(s.records, key)
	delete(s.associations, key)

	if idx := slices.Index(s.order, key); idx >= 0 {
		s.order = slices.Delete(s.order, idx, idx+1)
	}

	return s.removedLocked(key)
}
