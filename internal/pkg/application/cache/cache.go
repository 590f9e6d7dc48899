package cache

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/diwise/context-cache/internal/pkg/application/config"
	"github.com/diwise/context-cache/pkg/coordinator"
	"github.com/diwise/context-cache/pkg/store"
	"github.com/diwise/context-cache/pkg/types"
	"github.com/diwise/context-cache/pkg/urls"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// Cache owns the stores of every configured resource and the coordinator
// that keeps them in sync with the remote api
type Cache struct {
	coordinator *coordinator.Coordinator
	stores      map[string]*store.Store
	fetcher     types.Fetcher
}

func New(ctx context.Context, cfg *config.Config, fetcher types.Fetcher) (*Cache, error) {
	routes, err := urls.New(cfg.BaseURL, cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("failed to create routes: %w", err)
	}

	c := &Cache{
		stores:  map[string]*store.Store{},
		fetcher: fetcher,
	}

	options := []coordinator.Option{}
	log := logging.GetFromContext(ctx)

	for _, rc := range cfg.Resources {
		s := store.New(rc.Name, StoreOptions(rc.IDField, rc.Requires, rc.Stale, rc.Eviction, rc.Associations)...)
		c.stores[rc.Name] = s

		options = append(options, coordinator.WithResource(rc.Name, s, rc.EagerAssociations()...))

		log.Debug("configured resource", "resource", rc.Name, "relations", s.Relations())
	}

	c.coordinator = coordinator.New(routes, options...)

	return c, nil
}

// StoreOptions translates the configuration of a resource or association
// into the options of its store
func StoreOptions(idField string, requires, stale []string, eviction config.EvictionInfo, associations []config.AssociationInfo) []store.Option {
	options := []store.Option{}

	if idField != "" {
		options = append(options, store.IDField(idField))
	}
	if len(requires) > 0 {
		options = append(options, store.Requires(requires...))
	}
	if len(stale) > 0 {
		options = append(options, store.Stale(stale...))
	}
	if policy := EvictionPolicy(eviction); policy != nil {
		options = append(options, store.WithEvictionPolicy(policy))
	}

	for _, a := range associations {
		options = append(options, store.WithRelation(a.Name,
			StoreOptions(a.IDField, a.Requires, a.Stale, a.Eviction, a.Associations)...,
		))
	}

	return options
}

// EvictionPolicy returns nil if no automatic eviction is configured
func EvictionPolicy(info config.EvictionInfo) store.EvictionPolicy {
	switch {
	case info.OnFreshnessChange && info.KeepLast > 0:
		freshness := store.NewFreshnessPolicy()
		keepLast := store.KeepLast(info.KeepLast)
		return store.EvictionPolicyFunc(func(v store.View) []string {
			if selected := freshness.Select(v); len(selected) > 0 {
				return selected
			}
			return keepLast.Select(v)
		})
	case info.OnFreshnessChange:
		return store.NewFreshnessPolicy()
	case info.KeepLast > 0:
		return store.KeepLast(info.KeepLast)
	}

	return nil
}

func (c *Cache) Coordinator() *coordinator.Coordinator {
	return c.coordinator
}

func (c *Cache) Fetcher() types.Fetcher {
	return c.fetcher
}

func (c *Cache) Store(resource string) (*store.Store, bool) {
	s, ok := c.stores[resource]
	return s, ok
}

func (c *Cache) Resources() []string {
	return slices.Sorted(maps.Keys(c.stores))
}

func (c *Cache) Resolve(ctx context.Context, resource, id string) (*coordinator.Resolution, error) {
	return c.coordinator.Resolve(ctx, resource, id, c.fetcher)
}

func (c *Cache) ApplyPush(ctx context.Context, event types.PushEvent) error {
	return c.coordinator.ApplyPush(ctx, event)
}

// IDField returns the identity attribute of a resource, or the default one
// for resources that are not configured
func (c *Cache) IDField(resource string) string {
	if s, ok := c.stores[resource]; ok {
		return s.IDField()
	}
	return store.DefaultIDField
}

func (c *Cache) Close() {
	c.coordinator.Stop()
}
