package entities

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/google/uuid"
)

type Completeness int

const (
	Unknown Completeness = iota
	Partial
	Full
)

func (c Completeness) String() string {
	switch c {
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// Changes holds the sorted names of the fields that changed value in a merge
type Changes []string

func (c Changes) Has(field string) bool {
	_, found := slices.BinarySearch(c, field)
	return found
}

func (c Changes) Empty() bool {
	return len(c) == 0
}

type RecordDecoratorFunc func(r *Record)

// Record is a single entity with its attributes, the fields required for the
// record to count as complete and the fields that never leave the client.
type Record struct {
	id      string
	localID string

	attributes map[string]any
	stale      map[string]struct{}
	requires   []string
}

func New(id string, decorators ...RecordDecoratorFunc) *Record {
	r := &Record{
		id:         id,
		localID:    uuid.New().String(),
		attributes: map[string]any{},
		stale:      map[string]struct{}{},
	}

	for _, decorator := range decorators {
		decorator(r)
	}

	return r
}

// Attributes seeds the record with an initial set of attributes
func Attributes(attrs map[string]any) RecordDecoratorFunc {
	return func(r *Record) {
		maps.Copy(r.attributes, attrs)
	}
}

// Requires sets the fields that must be non blank for the record to be full.
// Without required fields a record is full as soon as it has any attribute.
func Requires(fields ...string) RecordDecoratorFunc {
	return func(r *Record) {
		r.requires = append([]string{}, fields...)
	}
}

// Stale marks fields as client local state that is excluded from transport
func Stale(fields ...string) RecordDecoratorFunc {
	return func(r *Record) {
		for _, f := range fields {
			r.stale[f] = struct{}{}
		}
	}
}

func LocalID(localID string) RecordDecoratorFunc {
	return func(r *Record) {
		r.localID = localID
	}
}

func (r *Record) ID() string {
	return r.id
}

func (r *Record) LocalID() string {
	return r.localID
}

// Key is the id of the record, or its local id if it has not been persisted yet
func (r *Record) Key() string {
	if r.id != "" {
		return r.id
	}
	return r.localID
}

func (r *Record) IsNew() bool {
	return r.id == ""
}

// SetID assigns the server side identity to a record created locally
func (r *Record) SetID(id string) error {
	if r.id != "" && r.id != id {
		return fmt.Errorf("record %s already has an identity", r.id)
	}
	r.id = id
	return nil
}

func (r *Record) Get(field string) (any, bool) {
	v, ok := r.attributes[field]
	return v, ok
}

func (r *Record) Attributes() map[string]any {
	return maps.Clone(r.attributes)
}

func (r *Record) Len() int {
	return len(r.attributes)
}

func (r *Record) Requirements() []string {
	return slices.Clone(r.requires)
}

func (r *Record) StaleFields() []string {
	fields := slices.Collect(maps.Keys(r.stale))
	slices.Sort(fields)
	return fields
}

// SetAttributes merges partial into the attributes of the record and returns
// the names of the fields whose values changed
func (r *Record) SetAttributes(partial map[string]any) Changes {
	changes := Changes{}

	for k, v := range partial {
		current, exists := r.attributes[k]
		if !exists || !reflect.DeepEqual(current, v) {
			changes = append(changes, k)
		}
		r.attributes[k] = v
	}

	slices.Sort(changes)
	return changes
}

// ReplaceAttributes discards every attribute before setting attrs. Removed
// fields are reported as changed.
func (r *Record) ReplaceAttributes(attrs map[string]any) Changes {
	removed := Changes{}

	for k := range r.attributes {
		if _, kept := attrs[k]; !kept {
			removed = append(removed, k)
			delete(r.attributes, k)
		}
	}

	changes := append(r.SetAttributes(attrs), removed...)
	slices.Sort(changes)

	return changes
}

// SerializeForTransport returns the attributes that may be sent upstream
func (r *Record) SerializeForTransport() map[string]any {
	payload := make(map[string]any, len(r.attributes))

	for k, v := range r.attributes {
		if _, isStale := r.stale[k]; isStale {
			continue
		}
		payload[k] = v
	}

	return payload
}

func (r *Record) IsPartial() bool {
	return r.Completeness() != Full
}

func (r *Record) Completeness() Completeness {
	if len(r.attributes) == 0 {
		return Unknown
	}

	for _, field := range r.requires {
		v, ok := r.attributes[field]
		if !ok || IsBlank(v) {
			return Partial
		}
	}

	return Full
}

func (r *Record) Clone() *Record {
	return &Record{
		id:         r.id,
		localID:    r.localID,
		attributes: maps.Clone(r.attributes),
		stale:      maps.Clone(r.stale),
		requires:   slices.Clone(r.requires),
	}
}

func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.SerializeForTransport())
}

// IsBlank reports whether v counts as missing when deciding completeness
func IsBlank(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(value) == ""
	case []any:
		return len(value) == 0
	case map[string]any:
		return len(value) == 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}

	return false
}
