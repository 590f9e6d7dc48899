package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/diwise/context-cache/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Applier merges a push event into the cache
type Applier interface {
	ApplyPush(ctx context.Context, event types.PushEvent) error
}

// Dispatcher serialises events from every push channel into a single queue
// so that they are applied one at a time, in the order they were received
type Dispatcher interface {
	Start() error
	Stop() error

	Dispatch(ctx context.Context, events ...types.PushEvent) error
}

const DefaultQueueSize int = 32

var ErrNotRunning = fmt.Errorf("dispatcher is not running")

var tracer = otel.Tracer("context-cache/push")

type action func()

type dispatcher struct {
	mu      sync.RWMutex
	started bool
	stopped bool

	applier Applier

	queue chan action
	done  chan struct{}
}

func NewDispatcher(applier Applier, queueSize int) Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &dispatcher{
		applier: applier,
		queue:   make(chan action, queueSize),
		done:    make(chan struct{}),
	}
}

func (d *dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("already started")
	}

	d.started = true

	go d.run()

	return nil
}

// Stop rejects further dispatches and blocks until every event accepted
// before it has been applied. Stopping twice is a no-op.
func (d *dispatcher) Stop() error {
	d.mu.Lock()

	if !d.started || d.stopped {
		d.mu.Unlock()
		return nil
	}

	// no Dispatch holds the read lock here, so nothing can send after close
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done

	return nil
}

func (d *dispatcher) Dispatch(ctx context.Context, events ...types.PushEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.started || d.stopped {
		return ErrNotRunning
	}

	logger := logging.GetFromContext(ctx)

	for _, event := range events {
		var err error

		eventCtx, span := tracer.Start(
			tracing.ExtractHeaders(context.Background(), tracing.InjectHeaders(ctx)),
			"apply-push",
			trace.WithAttributes(
				attribute.String("resource", event.Resource),
				attribute.String("entity-id", event.ID),
				attribute.String("op", string(event.Op)),
			),
		)

		apply := func() {
			defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

			err = d.applier.ApplyPush(eventCtx, event)
			if err != nil {
				logger.Error("failed to apply push event", "resource", event.Resource, "id", event.ID, "err", err.Error())
			}
		}

		select {
		case d.queue <- apply:
		case <-ctx.Done():
			err = ctx.Err()
			tracing.RecordAnyErrorAndEndSpan(err, span)
			return err
		}
	}

	return nil
}

func (d *dispatcher) run() {
	defer close(d.done)

	for action := range d.queue {
		action()
	}
}
