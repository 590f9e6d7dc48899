package coordinator

import (
	"context"
	"fmt"
	"maps"

	"github.com/diwise/context-cache/pkg/errors"
	"github.com/diwise/context-cache/pkg/store"
	"github.com/diwise/context-cache/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// ApplyPush merges an entity change received from a push channel through the
// same store operations as fetched responses
func (c *Coordinator) ApplyPush(ctx context.Context, event types.PushEvent) error {
	res, err := c.resource(event.Resource)
	if err != nil {
		return err
	}

	if event.ID == "" {
		return errors.NewMalformedPayloadError(fmt.Sprintf("push event for %s without id", event.Resource))
	}

	log := logging.GetFromContext(ctx)

	op := event.Op
	if op == "" {
		op = types.PushMerge
	}

	attrs := maps.Clone(event.Attributes)
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs[res.store.IDField()] = event.ID

	switch op {
	case types.PushMerge:
		changes, err := res.store.Upsert(event.ID, attrs)
		if err != nil {
			return err
		}
		log.Debug("merged push event", "resource", res.name, "id", event.ID, "changes", len(changes))
	case types.PushReplace:
		if _, err := res.store.Upsert(event.ID, attrs, store.Replace()); err != nil {
			return err
		}
		log.Debug("replaced entity from push event", "resource", res.name, "id", event.ID)
	case types.PushDelete:
		res.store.Remove(event.ID)
		log.Debug("removed entity from push event", "resource", res.name, "id", event.ID)
	default:
		return errors.NewMalformedPayloadError(fmt.Sprintf("unknown push operation %s", op))
	}

	return nil
}
