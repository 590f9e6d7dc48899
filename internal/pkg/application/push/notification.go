package push

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/diwise/context-cache/pkg/entities"
	"github.com/diwise/context-cache/pkg/errors"
	"github.com/diwise/context-cache/pkg/types"
	"github.com/google/uuid"
)

const NotificationType string = "Notification"

// Notification is a batch of entity changes for a single resource
type Notification struct {
	Id             string              `json:"id"`
	Type           string              `json:"type"`
	SubscriptionId string              `json:"subscriptionId"`
	NotifiedAt     string              `json:"notifiedAt"`
	Resource       string              `json:"resource"`
	Op             types.PushOperation `json:"op,omitempty"`
	Data           []map[string]any    `json:"data"`
}

func NewNotification(resource string, op types.PushOperation, data ...map[string]any) *Notification {
	return &Notification{
		Id:             uuid.New().String(),
		Type:           NotificationType,
		SubscriptionId: "notimplemented",
		NotifiedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Resource:       resource,
		Op:             op,
		Data:           data,
	}
}

// Events splits the notification into one push event per entity. idField
// names the identity attribute of the notified resource.
func (n *Notification) Events(idField string) ([]types.PushEvent, error) {
	if n.Resource == "" {
		return nil, errors.NewMalformedPayloadError("notification does not name a resource")
	}

	events := make([]types.PushEvent, 0, len(n.Data))

	for idx, entity := range n.Data {
		id, err := entities.Identity(entity[idField])
		if err != nil {
			return nil, errors.NewMalformedPayloadError(fmt.Sprintf("entity %d in notification %s has no usable %s: %s", idx, n.Id, idField, err.Error()))
		}

		events = append(events, types.PushEvent{
			Resource:   n.Resource,
			Op:         n.Op,
			ID:         id,
			Attributes: entities.Normalize(entity).(map[string]any),
		})
	}

	return events, nil
}

// DecodeMessage decodes a push message that is either a notification or a
// single push event
func DecodeMessage(data []byte, idField func(resource string) string) ([]types.PushEvent, error) {
	probe := struct {
		Type string `json:"type"`
	}{}

	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.NewMalformedPayloadError(fmt.Sprintf("failed to unmarshal push message: %s", err.Error()))
	}

	if probe.Type == NotificationType {
		n := &Notification{}
		if err := entities.Unmarshal(data, n); err != nil {
			return nil, errors.NewMalformedPayloadError(fmt.Sprintf("failed to unmarshal notification: %s", err.Error()))
		}
		return n.Events(idField(n.Resource))
	}

	event := types.PushEvent{}
	if err := entities.Unmarshal(data, &event); err != nil {
		return nil, errors.NewMalformedPayloadError(fmt.Sprintf("failed to unmarshal push event: %s", err.Error()))
	}
	entities.Normalize(event.Attributes)

	if event.Resource == "" || event.ID == "" {
		return nil, errors.NewMalformedPayloadError("push event requires both resource and id")
	}

	return []types.PushEvent{event}, nil
}
