// Package server is the vigil server role. A server listens for client
// keepalives on the transport, records the latest one per client in the data
// store and hands every keepalive to the observing extensions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/overmindtech/vigil/daemon"
	"github.com/overmindtech/vigil/datastore"
	"github.com/overmindtech/vigil/extensions"
	"github.com/overmindtech/vigil/roles/client"
	"github.com/overmindtech/vigil/settings"
	"github.com/overmindtech/vigil/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeyPrefix is prepended to the client name to form its data store key
const KeyPrefix = "clients."

var (
	ErrNoSubscriber      = errors.New("transport cannot subscribe")
	ErrNoStore           = errors.New("data store connection is not a store")
	ErrInvalidClientName = errors.New("invalid client name")
)

var keepalivesReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vigil_keepalives_received_total",
		Help: "Keepalives received by the server, by result",
	},
	[]string{"result"},
)

// key-value stores only accept these characters
var invalidKeyChars = regexp.MustCompile(`[^-/_=a-zA-Z0-9]`)

// Subscriber is the part of the transport a server needs
type Subscriber interface {
	Subscribe(subject, queue string, handler nats.MsgHandler) error
}

// Server is a daemon that records client keepalives
type Server struct {
	*daemon.Controller

	mu    sync.Mutex
	store datastore.Store
}

var _ daemon.Service = (*Server)(nil)

func New(c *daemon.Controller) *Server {
	return &Server{Controller: c}
}

// Start connects the transport and the data store, subscribes to keepalives
// and then starts the controller. Keepalives that arrive before the
// controller runs wait for it
func (s *Server) Start() error {
	ctx := context.Background()

	h, err := s.SetupTransport(ctx)
	if err != nil {
		return err
	}
	sub, ok := h.(Subscriber)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoSubscriber, h.Name())
	}

	dh, err := s.SetupDataStore(ctx)
	if err != nil {
		return err
	}
	store, ok := dh.(datastore.Store)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoStore, dh.Name())
	}

	s.mu.Lock()
	s.store = store
	s.mu.Unlock()

	queue := s.Settings().String("server.queue_group")
	if queue == "" {
		queue = settings.DefaultQueueGroup
	}

	if err := sub.Subscribe(client.KeepaliveSubject, queue, s.handleMsg); err != nil {
		return err
	}

	s.Logger().WithFields(log.Fields{
		"subject":   client.KeepaliveSubject,
		"queueName": queue,
		"datastore": store.Name(),
	}).Info("Listening for keepalives")

	return s.Controller.Start()
}

// Store is the data store, nil before Start
func (s *Server) Store() datastore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

func (s *Server) handleMsg(msg *nats.Msg) {
	ctx := tracing.Extract(context.Background(), msg)
	ctx, span := tracing.Tracer().Start(ctx, "vigil.server.HandleKeepalive", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	defer tracing.LogRecoverToReturn(ctx, "server.HandleKeepalive")

	var k extensions.Keepalive
	if err := json.Unmarshal(msg.Data, &k); err != nil {
		keepalivesReceived.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, err.Error())
		s.Logger().WithError(err).Warn("Ignoring invalid keepalive")
		return
	}

	if err := s.HandleKeepalive(ctx, k); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, daemon.ErrStopped) {
			return
		}
		s.Logger().WithError(err).WithField("client", k.Name).Error("Could not handle keepalive")
	}
}

// HandleKeepalive records k and notifies observers. It waits while the
// daemon is paused
func (s *Server) HandleKeepalive(ctx context.Context, k extensions.Keepalive) error {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("vigil.client.name", k.Name),
		attribute.String("vigil.client.id", k.ID),
	)

	if err := s.WaitRunning(ctx); err != nil {
		return err
	}

	key, err := ClientKey(k.Name)
	if err != nil {
		keepalivesReceived.WithLabelValues("invalid").Inc()
		return err
	}

	store := s.Store()
	if store == nil {
		return ErrNoStore
	}

	data, err := json.Marshal(k)
	if err != nil {
		return err
	}

	if err := store.Put(ctx, key, data); err != nil {
		keepalivesReceived.WithLabelValues("error").Inc()
		return fmt.Errorf("could not store keepalive: %w", err)
	}

	keepalivesReceived.WithLabelValues("ok").Inc()

	if ext := s.Extensions(); ext != nil {
		for _, e := range ext.All {
			if o, ok := e.(extensions.KeepaliveObserver); ok {
				o.ObserveKeepalive(k)
			}
		}
	}

	return nil
}

// Clients returns the latest keepalive of every known client, sorted by key
func (s *Server) Clients(ctx context.Context) ([]extensions.Keepalive, error) {
	store := s.Store()
	if store == nil {
		return nil, ErrNoStore
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]extensions.Keepalive, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, KeyPrefix) {
			continue
		}

		data, err := store.Get(ctx, key)
		if errors.Is(err, datastore.ErrNotFound) {
			// deleted since listing
			continue
		}
		if err != nil {
			return nil, err
		}

		var k extensions.Keepalive
		if err := json.Unmarshal(data, &k); err != nil {
			return nil, fmt.Errorf("could not decode %v: %w", key, err)
		}
		out = append(out, k)
	}

	return out, nil
}

// ClientKey is the data store key for a client name. Characters a key-value
// bucket rejects are replaced with underscores
func ClientKey(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidClientName
	}

	return KeyPrefix + invalidKeyChars.ReplaceAllString(name, "_"), nil
}
