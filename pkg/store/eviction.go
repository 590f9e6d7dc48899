package store

import (
	"slices"
)

// View is the read only state an eviction policy selects from. Previous is
// the freshness token the store had when eviction last ran against it, and
// Initial is set on the first run.
type View struct {
	Store     string
	Order     []string
	Freshness string
	Previous  string
	Initial   bool
	Protected map[string]struct{}
}

func (v View) Len() int {
	return len(v.Order)
}

func (v View) IsProtected(key string) bool {
	_, ok := v.Protected[key]
	return ok
}

// EvictionPolicy selects the keys that should be removed from a store. Keys
// that are protected in the view are never removed, whatever the policy
// selects.
type EvictionPolicy interface {
	Select(v View) []string
}

type EvictionPolicyFunc func(v View) []string

func (f EvictionPolicyFunc) Select(v View) []string {
	return f(v)
}

// KeepLast keeps the n most recently added records
func KeepLast(n int) EvictionPolicy {
	return EvictionPolicyFunc(func(v View) []string {
		if n < 0 || v.Len() <= n {
			return nil
		}
		return slices.Clone(v.Order[:v.Len()-n])
	})
}

func EvictAll() EvictionPolicy {
	return EvictionPolicyFunc(func(v View) []string {
		return slices.Clone(v.Order)
	})
}

// NewFreshnessPolicy returns a policy that evicts every record of a store
// once its freshness token differs from the token it had the previous time
// eviction ran against that same store
func NewFreshnessPolicy() EvictionPolicy {
	return EvictionPolicyFunc(func(v View) []string {
		if v.Initial || v.Previous == v.Freshness {
			return nil
		}
		return slices.Clone(v.Order)
	})
}

// Evict removes the records selected by policy, except those in flight, and
// returns the removed keys
func (s *Store) Evict(policy EvictionPolicy) []string {
	s.mu.Lock()
	removed, pending := s.evictLocked(policy, nil)
	s.mu.Unlock()

	pending.deliver()

	return removed
}

func (s *Store) evictLocked(policy EvictionPolicy, protect []string) ([]string, notifications) {
	protected := make(map[string]struct{}, len(s.inflight)+len(protect))
	for key := range s.inflight {
		protected[key] = struct{}{}
	}
	for _, key := range protect {
		protected[key] = struct{}{}
	}

	view := View{
		Store:     s.name,
		Order:     slices.Clone(s.order),
		Freshness: s.freshness,
		Previous:  s.evictedFreshness,
		Initial:   !s.evicted,
		Protected: protected,
	}

	s.evicted = true
	s.evictedFreshness = s.freshness

	removed := []string{}
	var pending notifications

	for _, key := range policy.Select(view) {
		if _, exists := s.records[key]; !exists || view.IsProtected(key) {
			continue
		}
		pending = append(pending, s.removeLocked(key)...)
		removed = append(removed, key)
	}

	return removed, pending
}
