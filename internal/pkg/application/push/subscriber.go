package push

import (
	"context"
	"net/http"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/gorilla/websocket"
)

const (
	DefaultReconnectTimeout time.Duration = 5 * time.Second
	DefaultReadTimeout      time.Duration = 90 * time.Second
)

type SubscriberOption func(s *Subscriber)

func ReconnectTimeout(timeout time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.reconnectTimeout = timeout
	}
}

// ReadTimeout is how long a connection may stay silent before it is
// considered dead and replaced
func ReadTimeout(timeout time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.readTimeout = timeout
	}
}

func Header(header http.Header) SubscriberOption {
	return func(s *Subscriber) {
		s.header = header.Clone()
	}
}

// Subscriber receives push messages over a websocket and hands them to a
// dispatcher. Lost connections are re-established until the context passed
// to Run is cancelled.
type Subscriber struct {
	endpoint   string
	dispatcher Dispatcher
	idField    func(resource string) string
	header     http.Header
	dialer     *websocket.Dialer

	reconnectTimeout time.Duration
	readTimeout      time.Duration
}

func NewSubscriber(endpoint string, dispatcher Dispatcher, idField func(resource string) string, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		endpoint:         endpoint,
		dispatcher:       dispatcher,
		idField:          idField,
		dialer:           websocket.DefaultDialer,
		reconnectTimeout: DefaultReconnectTimeout,
		readTimeout:      DefaultReadTimeout,
	}

	for _, option := range options {
		option(s)
	}

	return s
}

func (s *Subscriber) Run(ctx context.Context) {
	log := logging.GetFromContext(ctx).With("endpoint", s.endpoint)

	for {
		ws, _, err := s.dialer.DialContext(ctx, s.endpoint, s.header)
		if err != nil {
			log.Warn("failed to connect to push endpoint", "err", err.Error())
		} else {
			log.Info("connected to push endpoint")
			s.receive(ctx, ws)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectTimeout):
		}
	}
}

func (s *Subscriber) receive(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	log := logging.GetFromContext(ctx)

	// unblocks ReadMessage when the subscriber is stopped
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		ws.SetReadDeadline(time.Now().Add(s.readTimeout))

		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Info("push connection lost", "err", err.Error())
			}
			return
		}

		if messageType != websocket.TextMessage || len(message) == 0 {
			continue
		}

		events, err := DecodeMessage(message, s.idField)
		if err != nil {
			log.Warn("dropping push message", "err", err.Error())
			continue
		}

		if err := s.dispatcher.Dispatch(ctx, events...); err != nil {
			log.Error("failed to dispatch push events", "err", err.Error())
		}
	}
}
