package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/diwise/context-cache/pkg/entities"
	"github.com/diwise/context-cache/pkg/errors"
	"github.com/diwise/context-cache/pkg/store"
	"github.com/diwise/context-cache/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Save applies patch to the stored record right away and writes it to the
// remote api, PATCH for a persisted record and POST for one that was created
// locally. Stale fields are never sent. If the write fails the record is
// restored to the attributes it had before the patch. A created record is
// identified with the id assigned by the remote api, and the returned record
// reflects any representation the api responded with. A created record whose
// id can not be read from the response is removed from the store.
func (c *Coordinator) Save(ctx context.Context, resourceName, key string, patch map[string]any, fetcher types.Fetcher) (*entities.Record, error) {
	res, err := c.resource(resourceName)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "save",
		trace.WithAttributes(
			attribute.String(TraceAttributeResource, res.name),
			attribute.String(TraceAttributeEntityID, key),
		),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	prior, ok := res.store.Get(key)
	if !ok {
		err = errors.NewNotFoundError(fmt.Sprintf("no %s stored under %s", res.name, key))
		return nil, err
	}

	if _, err = res.store.Upsert(key, patch); err != nil {
		return nil, err
	}

	current, _ := res.store.Get(key)

	method := http.MethodPatch
	var target string
	var payload map[string]any

	if current.IsNew() {
		method = http.MethodPost
		target, err = c.resolver.Resolve(CollectionRoute(res.name))
		payload = current.SerializeForTransport()
	} else {
		target, err = c.resolver.Resolve(EntityRoute(res.name), current.ID())
		payload = entities.New(current.ID(),
			entities.Stale(current.StaleFields()...),
			entities.Attributes(patch),
		).SerializeForTransport()
	}

	if err != nil {
		res.store.Upsert(key, prior.Attributes(), store.Replace())
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		res.store.Upsert(key, prior.Attributes(), store.Replace())
		err = fmt.Errorf("failed to marshal %s %s: %s (%w)", res.name, key, err.Error(), errors.ErrInternal)
		return nil, err
	}

	saved := key

	err = c.run(ctx, callKey(res.name, key), func(ctx context.Context) error {
		release := res.store.MarkInFlight(key)
		defer release()

		resp, err := c.fetch(ctx, fetcher, method, target, body)
		if err != nil {
			logging.GetFromContext(ctx).Warn("save failed, restoring prior attributes", "resource", res.name, "key", key, "err", err.Error())
			res.store.Upsert(key, prior.Attributes(), store.Replace())
			return err
		}

		if current.IsNew() {
			id, err := assignedID(resp, res.store.IDField())
			if err != nil {
				// the remote api holds the record now, posting it again would
				// create a duplicate. It returns with its id on the next fetch.
				logging.GetFromContext(ctx).Warn("created entity could not be identified, dropping local record", "resource", res.name, "key", key)
				res.store.Remove(key)
				return fmt.Errorf("%s %s was created but not identified: %w", res.name, key, err)
			}

			if err := res.store.Identify(key, id); err != nil {
				return err
			}

			res.store.Upsert(id, map[string]any{res.store.IDField(): id})
			saved = id
		}

		if len(resp.Body) > 0 {
			// the write succeeded, an unusable representation only costs freshness
			if _, err := res.store.ApplyResponse(resp.Body, nil); err != nil {
				logging.GetFromContext(ctx).Warn("ignoring response to save", "resource", res.name, "key", saved, "err", err.Error())
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	r, _ := res.store.Get(saved)
	return r, nil
}

// assignedID reads the id of a created entity from the response body, or
// from the last segment of the Location header if the body carries none
func assignedID(resp *types.Response, idField string) (string, error) {
	if len(resp.Body) > 0 {
		obj := map[string]any{}
		if err := entities.Unmarshal(resp.Body, &obj); err == nil {
			if id, err := entities.Identity(obj[idField]); err == nil {
				return id, nil
			}
		}
	}

	if location := resp.Header.Get("Location"); location != "" {
		u, err := url.Parse(location)
		if err == nil {
			if id, err := url.PathUnescape(path.Base(u.Path)); err == nil && id != "" && id != "/" && id != "." {
				return id, nil
			}
		}
	}

	return "", errors.NewMalformedPayloadError("created entity has neither an id nor a location")
}
