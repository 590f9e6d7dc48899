package coordinator

import (
	"context"
	"fmt"
	"net/http"

	"github.com/diwise/context-cache/pkg/errors"
	"github.com/diwise/context-cache/pkg/store"
	"github.com/diwise/context-cache/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// fetch issues the request and classifies the outcome. Nothing is merged if
// the request was cancelled while it was in flight.
func (c *Coordinator) fetch(ctx context.Context, fetcher types.Fetcher, method, url string, body []byte) (*types.Response, error) {
	resp, err := fetcher.Fetch(ctx, method, url, body)
	if err != nil {
		if errors.Is(err, errors.ErrTransport) {
			return nil, err
		}
		return nil, errors.NewTransportError(fmt.Sprintf("%s %s failed: %s", method, url, err.Error()), err)
	}

	if ctx.Err() != nil {
		return nil, errors.NewTransportError(fmt.Sprintf("%s %s was cancelled", method, url), ctx.Err())
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.NewNotFoundError(fmt.Sprintf("%s %s returned not found", method, url))
	}

	if !resp.IsSuccess() {
		return nil, errors.NewErrorFromProblemReport(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
	}

	return resp, nil
}

// fetchEntity fetches and merges a single entity and returns the key it was
// stored under
func (c *Coordinator) fetchEntity(ctx context.Context, res *resource, id string, fetcher types.Fetcher) (string, bool, error) {
	url, err := c.resolver.Resolve(EntityRoute(res.name), id)
	if err != nil {
		return id, false, err
	}

	release := res.store.MarkInFlight(id)
	defer release()

	resp, err := c.fetch(ctx, fetcher, http.MethodGet, url, nil)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			logging.GetFromContext(ctx).Debug("entity not found", "resource", res.name, "id", id)
			return id, false, nil
		}
		return id, false, err
	}

	// a single entity carries no pagination of its own collection
	keys, err := res.store.ApplyResponse(resp.Body, nil)
	if err != nil {
		return id, false, err
	}

	if len(keys) != 1 {
		return id, false, errors.NewMalformedPayloadError(fmt.Sprintf("expected a single %s entity but got %d", res.name, len(keys)))
	}

	return keys[0], true, nil
}

func (c *Coordinator) fetchAssociation(ctx context.Context, res *resource, parentID, relation string, fetcher types.Fetcher) (*store.Association, error) {
	if !res.store.HasRelation(relation) {
		return nil, fmt.Errorf("relation %s is not declared for %s (%w)", relation, res.name, errors.ErrUnknownResource)
	}

	if _, ok := res.store.Get(parentID); !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("no %s with id %s", res.name, parentID))
	}

	url, err := c.resolver.Resolve(AssociationRoute(res.name, relation), parentID)
	if err != nil {
		return nil, err
	}

	release := res.store.MarkInFlight(parentID)
	defer release()

	resp, err := c.fetch(ctx, fetcher, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	a, _, err := res.store.ApplyAssociationResponse(parentID, relation, resp.Body, headersOf(resp))
	if err != nil {
		return nil, err
	}

	return a, nil
}

func headersOf(resp *types.Response) http.Header {
	if resp.Header == nil {
		return http.Header{}
	}
	return resp.Header
}
