package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/diwise/context-cache/pkg/entities"
	"github.com/diwise/context-cache/pkg/errors"
	"github.com/diwise/context-cache/pkg/store"
	"github.com/diwise/context-cache/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	TraceAttributeEntityID string = "entity-id"
	TraceAttributeRelation string = "relation"
	TraceAttributeResource string = "resource"
)

var tracer = otel.Tracer("context-cache/coordinator")

// CollectionRoute is the route name used for requests against the collection
// of a resource, such as the first page of a listing or the creation of a new
// entity
func CollectionRoute(resource string) string {
	return resource + ".collection"
}

// EntityRoute is the route name of a single entity, resolved with its id
func EntityRoute(resource string) string {
	return resource
}

// AssociationRoute is the route name of a related collection, resolved with
// the id of the parent entity
func AssociationRoute(resource, relation string) string {
	return resource + "." + relation
}

// Resolution is the outcome of resolving an entity by id
type Resolution struct {
	Resource string
	Key      string
	Record   *entities.Record
	Found    bool
	// Cached is true when the record was returned without waiting for a fetch
	Cached       bool
	Associations map[string]*store.Association
	// Revalidated receives the outcome of the background fetch started for a
	// partial cache hit and is then closed. It is nil when no fetch was started.
	Revalidated <-chan error
}

type Option func(c *Coordinator)

// WithResource registers a store under a resource name. Eager relations are
// fetched in sequence after an entity has been fetched for the first time.
func WithResource(name string, s *store.Store, eager ...string) Option {
	return func(c *Coordinator) {
		c.resources[name] = &resource{
			name:  name,
			store: s,
			eager: slices.Clone(eager),
		}
	}
}

type resource struct {
	name  string
	store *store.Store
	eager []string
}

// Coordinator decides when an entity can be served from its store and when
// it has to be fetched, and merges everything it fetches or receives through
// the stores.
type Coordinator struct {
	resolver  types.URLResolver
	resources map[string]*resource

	revalidations singleflight.Group

	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	calls    map[string]map[uint64]context.CancelFunc
	nextCall uint64
	wg       sync.WaitGroup
}

func New(resolver types.URLResolver, options ...Option) *Coordinator {
	ctx, stop := context.WithCancel(context.Background())

	c := &Coordinator{
		resolver:  resolver,
		resources: map[string]*resource{},
		ctx:       ctx,
		stop:      stop,
		calls:     map[string]map[uint64]context.CancelFunc{},
	}

	for _, option := range options {
		option(c)
	}

	return c
}

func (c *Coordinator) Resources() []string {
	names := make([]string, 0, len(c.resources))
	for name := range c.resources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c *Coordinator) Store(resourceName string) (*store.Store, error) {
	res, err := c.resource(resourceName)
	if err != nil {
		return nil, err
	}
	return res.store, nil
}

// Resolve returns the entity stored under id. A full record is returned
// without any network traffic. A partial record is returned immediately while
// a background fetch revalidates it. An unknown id is fetched, followed by
// each eager relation in declaration order. An id that the remote api does not
// know is reported as a resolution that is not Found, not as an error.
func (c *Coordinator) Resolve(ctx context.Context, resourceName, id string, fetcher types.Fetcher) (*Resolution, error) {
	res, err := c.resource(resourceName)
	if err != nil {
		return nil, err
	}

	if r, ok := res.store.Get(id); ok {
		resolution := &Resolution{
			Resource:     res.name,
			Key:          id,
			Record:       r,
			Found:        true,
			Cached:       true,
			Associations: associationsOf(res.store, id),
		}

		if r.IsPartial() && !r.IsNew() {
			resolution.Revalidated = c.revalidate(ctx, res, id, fetcher)
		}

		return resolution, nil
	}

	ctx, span := tracer.Start(ctx, "resolve",
		trace.WithAttributes(
			attribute.String(TraceAttributeResource, res.name),
			attribute.String(TraceAttributeEntityID, id),
		),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	resolution := &Resolution{Resource: res.name, Key: id}

	err = c.run(ctx, callKey(res.name, id), func(ctx context.Context) error {
		key, found, err := c.fetchEntity(ctx, res, id, fetcher)
		if err != nil || !found {
			return err
		}

		resolution.Key = key
		resolution.Found = true

		release := res.store.MarkInFlight(key)
		defer release()

		for _, relation := range res.eager {
			if _, err := c.fetchAssociation(ctx, res, key, relation, fetcher); err != nil {
				return errors.NewAssociationError(relation, err)
			}
		}

		return nil
	})

	if err != nil && !errors.Is(err, errors.ErrAssociation) {
		return nil, err
	}

	if resolution.Found {
		resolution.Record, resolution.Found = res.store.Get(resolution.Key)
		resolution.Associations = associationsOf(res.store, resolution.Key)
	}

	return resolution, err
}

// Refresh fetches the entity regardless of what is stored and merges the
// response. Overlapping refreshes are not deduplicated, the response that
// completes last wins for every field it carries.
func (c *Coordinator) Refresh(ctx context.Context, resourceName, id string, fetcher types.Fetcher) (*Resolution, error) {
	res, err := c.resource(resourceName)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "refresh",
		trace.WithAttributes(
			attribute.String(TraceAttributeResource, res.name),
			attribute.String(TraceAttributeEntityID, id),
		),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	resolution := &Resolution{Resource: res.name, Key: id}

	err = c.run(ctx, callKey(res.name, id), func(ctx context.Context) error {
		key, found, err := c.fetchEntity(ctx, res, id, fetcher)
		resolution.Key = key
		resolution.Found = found
		return err
	})
	if err != nil {
		return nil, err
	}

	if resolution.Found {
		resolution.Record, resolution.Found = res.store.Get(resolution.Key)
		resolution.Associations = associationsOf(res.store, resolution.Key)
	}

	return resolution, nil
}

// ResolveAssociation fetches the related collection of a stored parent and
// merges it into the association store. It returns once the association has
// been constructed, and the related entities are only available through it.
func (c *Coordinator) ResolveAssociation(ctx context.Context, resourceName, parentID, relation string, fetcher types.Fetcher) (*store.Association, error) {
	res, err := c.resource(resourceName)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "resolve-association",
		trace.WithAttributes(
			attribute.String(TraceAttributeResource, res.name),
			attribute.String(TraceAttributeEntityID, parentID),
			attribute.String(TraceAttributeRelation, relation),
		),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var association *store.Association

	err = c.run(ctx, callKey(res.name, parentID), func(ctx context.Context) error {
		var err error
		association, err = c.fetchAssociation(ctx, res, parentID, relation, fetcher)
		return err
	})
	if err != nil {
		return nil, err
	}

	return association, nil
}

// FetchCollection fetches the first page of a resource collection and returns
// the keys it contained in payload order
func (c *Coordinator) FetchCollection(ctx context.Context, resourceName string, fetcher types.Fetcher) ([]string, error) {
	res, err := c.resource(resourceName)
	if err != nil {
		return nil, err
	}

	url, err := c.resolver.Resolve(CollectionRoute(res.name))
	if err != nil {
		return nil, err
	}

	return c.fetchInto(ctx, res.store, url, fetcher)
}

// FetchPage follows a pagination relation (next, prev, first, last ...) of a
// store and merges the page into it
func (c *Coordinator) FetchPage(ctx context.Context, s *store.Store, rel string, fetcher types.Fetcher) ([]string, error) {
	url, ok := s.Pagination()[rel]
	if !ok || url == "" {
		return nil, errors.NewNotFoundError(fmt.Sprintf("%s has no %s page", s.Name(), rel))
	}

	return c.fetchInto(ctx, s, url, fetcher)
}

func (c *Coordinator) fetchInto(ctx context.Context, s *store.Store, url string, fetcher types.Fetcher) ([]string, error) {
	var err error

	ctx, span := tracer.Start(ctx, "fetch-collection",
		trace.WithAttributes(attribute.String(TraceAttributeResource, s.Name())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var keys []string

	err = c.run(ctx, callKey(s.Name(), ""), func(ctx context.Context) error {
		resp, err := c.fetch(ctx, fetcher, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		keys, err = s.ApplyResponse(resp.Body, headersOf(resp))
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.GetFromContext(ctx).Debug("merged collection page", "store", s.Name(), "count", len(keys))

	return keys, nil
}

// Wait blocks until every fetch started by the coordinator has completed
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Stop cancels every outstanding fetch and waits for them to finish. Results
// of cancelled fetches are not merged.
func (c *Coordinator) Stop() {
	c.stop()
	c.wg.Wait()
}

// Cancel cancels the outstanding fetches for an entity and returns how many
// were cancelled. Results of cancelled fetches are not merged.
func (c *Coordinator) Cancel(resourceName, id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := callKey(resourceName, id)
	cancelled := 0

	for _, cancel := range c.calls[key] {
		cancel()
		cancelled++
	}

	delete(c.calls, key)

	return cancelled
}

func (c *Coordinator) resource(name string) (*resource, error) {
	res, ok := c.resources[name]
	if !ok {
		return nil, errors.NewUnknownResourceError(name)
	}
	return res, nil
}

func (c *Coordinator) revalidate(ctx context.Context, res *resource, id string, fetcher types.Fetcher) <-chan error {
	outcome := make(chan error, 1)

	key := callKey(res.name, id)
	fetchCtx, done := c.detach(ctx, key)
	log := logging.GetFromContext(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer done()
		defer close(outcome)

		result := <-c.revalidations.DoChan(key, func() (any, error) {
			_, _, err := c.fetchEntity(fetchCtx, res, id, fetcher)
			return nil, err
		})

		if result.Err != nil {
			log.Warn("revalidation failed", "resource", res.name, "id", id, "err", result.Err.Error())
		}

		outcome <- result.Err
	}()

	return outcome
}

// run executes op detached from the cancellation of ctx so that a result
// arriving after the caller has gone is still merged. The caller gets
// ctx.Err() if it gives up before op completes.
func (c *Coordinator) run(ctx context.Context, key string, op func(ctx context.Context) error) error {
	opCtx, done := c.detach(ctx, key)

	result := make(chan error, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer done()
		result <- op(opCtx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) detach(ctx context.Context, key string) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(c.ctx, cancel)

	c.mu.Lock()
	id := c.nextCall
	c.nextCall++
	if _, ok := c.calls[key]; !ok {
		c.calls[key] = map[uint64]context.CancelFunc{}
	}
	c.calls[key][id] = cancel
	c.mu.Unlock()

	return opCtx, func() {
		stopAfter()
		cancel()

		c.mu.Lock()
		defer c.mu.Unlock()

		if calls, ok := c.calls[key]; ok {
			delete(calls, id)
			if len(calls) == 0 {
				delete(c.calls, key)
			}
		}
	}
}

func callKey(resourceName, id string) string {
	return resourceName + "/" + id
}

func associationsOf(s *store.Store, key string) map[string]*store.Association {
	result := map[string]*store.Association{}
	for _, relation := range s.Relations() {
		if a, ok := s.Association(key, relation); ok {
			result[relation] = a
		}
	}
	return result
}
