package store

import (
	"github.com/diwise/context-cache/pkg/entities"
)

const (
	AnyRecord string = ""
	AnyField  string = ""
)

// Change describes a single field of a record that changed value, or the
// removal of the whole record
type Change struct {
	Store   string
	Key     string
	Field   string
	Value   any
	Removed bool
}

type ObserverFunc func(c Change)

type observer struct {
	key   string
	field string
	fn    ObserverFunc
}

func (o observer) matches(key, field string) bool {
	return (o.key == AnyRecord || o.key == key) && (o.field == AnyField || o.field == field)
}

// Observe registers fn for changes to field of the record stored under key.
// AnyRecord and AnyField widen the subscription. Observers are called after
// the mutation has been fully applied and the store is unlocked.
func (s *Store) Observe(key, field string, fn ObserverFunc) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObserverID
	s.nextObserverID++
	s.observers[id] = observer{key: key, field: field, fn: fn}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.observers, id)
	}
}

type notifications []func()

func (n notifications) deliver() {
	for _, notify := range n {
		notify()
	}
}

func (s *Store) changedLocked(key string, r *entities.Record, changes entities.Changes) notifications {
	var pending notifications

	for _, field := range changes {
		value, _ := r.Get(field)
		change := Change{Store: s.name, Key: key, Field: field, Value: value}

		for _, o := range s.observers {
			if o.matches(key, field) {
				fn := o.fn
				pending = append(pending, func() { fn(change) })
			}
		}
	}

	return pending
}

func (s *Store) removedLocked(key string) notifications {
	var pending notifications

	change := Change{Store: s.name, Key: key, Removed: true}

	for _, o := range s.observers {
		if o.key == AnyRecord || o.key == key {
			fn := o.fn
			pending = append(pending, func() { fn(change) })
		}
	}

	return pending
}
