package store

import (
	"bytes"
	"fmt"
	"maps"
	"net/http"

	"github.com/diwise/context-cache/pkg/entities"
	"github.com/diwise/context-cache/pkg/errors"
	"github.com/diwise/context-cache/pkg/linkheader"
)

type item struct {
	key      string
	attrs    map[string]any
	embedded map[string][]item
}

// ApplyResponse merges a fetched payload, a single JSON object or an array of
// objects, into the store and refreshes pagination from the response headers.
// The payload is decoded completely before anything is changed, so a
// malformed payload leaves both records and pagination untouched. Embedded
// values of declared relations are routed to the association stores.
// The keys of the merged records are returned in payload order.
func (s *Store) ApplyResponse(body []byte, headers http.Header) ([]string, error) {
	items, err := decodeItems(s.name, body, s.idField, s.relations)
	if err != nil {
		return nil, err
	}

	return s.apply(items, headers), nil
}

// ApplyAssociationResponse merges a fetched related collection into the
// association of the record stored under parentKey. The association is
// constructed only after the whole payload has been decoded.
func (s *Store) ApplyAssociationResponse(parentKey, relationName string, body []byte, headers http.Header) (*Association, []string, error) {
	rel, ok := s.relations[relationName]
	if !ok {
		return nil, nil, fmt.Errorf("relation %s is not declared for %s (%w)", relationName, s.name, errors.ErrUnknownResource)
	}

	items, err := decodeItems(s.name+"."+relationName, body, rel.template.idField, rel.template.relations)
	if err != nil {
		return nil, nil, err
	}

	a, err := s.EnsureAssociation(parentKey, relationName)
	if err != nil {
		return nil, nil, err
	}

	return a, a.store.apply(items, headers), nil
}

func decodeItems(name string, body []byte, idField string, relations map[string]*relation) ([]item, error) {
	raw, err := decodePayload(body)
	if err != nil {
		return nil, err
	}

	items := make([]item, 0, len(raw))
	for idx, obj := range raw {
		i, err := prepare(obj, idField, relations)
		if err != nil {
			return nil, errors.NewMalformedPayloadError(fmt.Sprintf("entry %d of %s payload: %s", idx, name, err.Error()))
		}
		items = append(items, i)
	}

	return items, nil
}

func (s *Store) apply(items []item, headers http.Header) []string {
	s.mu.Lock()

	keys, pending := s.commitLocked(items)

	if headers != nil {
		s.pagination = linkheader.FromHeader(headers)
		if etag := headers.Get("ETag"); etag != "" {
			s.freshness = etag
		}
	}

	if s.policy != nil {
		_, evicted := s.evictLocked(s.policy, keys)
		pending = append(pending, evicted...)
	}

	s.mu.Unlock()

	pending.deliver()

	return keys
}

func (s *Store) commitLocked(items []item) ([]string, notifications) {
	keys := make([]string, 0, len(items))
	var pending notifications

	for _, i := range items {
		_, n := s.upsertLocked(i.key, i.attrs, false)
		pending = append(pending, n...)
		keys = append(keys, i.key)

		for relationName, children := range i.embedded {
			// relations were validated in prepare
			a, _ := s.ensureAssociationLocked(i.key, relationName)

			child := a.store
			child.mu.Lock()
			childKeys, n := child.commitLocked(children)
			if child.policy != nil {
				_, evicted := child.evictLocked(child.policy, childKeys)
				n = append(n, evicted...)
			}
			child.mu.Unlock()

			pending = append(pending, n...)
		}
	}

	return keys, pending
}

func decodePayload(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.NewMalformedPayloadError("empty payload")
	}

	switch trimmed[0] {
	case '{':
		obj := map[string]any{}
		if err := entities.Unmarshal(trimmed, &obj); err != nil {
			return nil, errors.NewMalformedPayloadError(fmt.Sprintf("failed to unmarshal entity: %s", err.Error()))
		}
		return []map[string]any{obj}, nil
	case '[':
		arr := []map[string]any{}
		if err := entities.Unmarshal(trimmed, &arr); err != nil {
			return nil, errors.NewMalformedPayloadError(fmt.Sprintf("failed to unmarshal collection: %s", err.Error()))
		}
		return arr, nil
	}

	return nil, errors.NewMalformedPayloadError("payload is neither an object nor an array")
}

func prepare(obj map[string]any, idField string, relations map[string]*relation) (item, error) {
	if obj == nil {
		return item{}, fmt.Errorf("entry is null")
	}

	key, err := entities.Identity(obj[idField])
	if err != nil {
		return item{}, fmt.Errorf("attribute %s: %w", idField, err)
	}

	i := item{
		key:   key,
		attrs: maps.Clone(obj),
	}

	for name, rel := range relations {
		value, present := i.attrs[name]
		if !present {
			continue
		}

		// the embedded value is only ever accessed through the association
		delete(i.attrs, name)

		if value == nil {
			continue
		}

		var children []any
		switch v := value.(type) {
		case []any:
			children = v
		case map[string]any:
			children = []any{v}
		default:
			return item{}, fmt.Errorf("embedded relation %s is neither an object nor an array", name)
		}

		if i.embedded == nil {
			i.embedded = map[string][]item{}
		}

		for _, c := range children {
			childObj, ok := c.(map[string]any)
			if !ok {
				return item{}, fmt.Errorf("embedded relation %s contains a non object entry", name)
			}

			childItem, err := prepare(childObj, rel.template.idField, rel.template.relations)
			if err != nil {
				return item{}, fmt.Errorf("embedded relation %s: %w", name, err)
			}

			i.embedded[name] = append(i.embedded[name], childItem)
		}
	}

	for name, value := range i.attrs {
		i.attrs[name] = entities.Normalize(value)
	}

	return i, nil
}
