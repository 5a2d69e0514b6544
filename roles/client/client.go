// Package client is the vigil client role. A client connects to the
// transport and announces itself with a keepalive on a fixed interval for as
// long as the daemon is running.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/overmindtech/vigil/daemon"
	"github.com/overmindtech/vigil/extensions"
	"github.com/overmindtech/vigil/settings"
	"github.com/overmindtech/vigil/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeepaliveSubject is where clients publish and servers listen
const KeepaliveSubject = "keepalives"

var ErrNoPublisher = errors.New("transport cannot publish messages")

var keepalivesPublished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vigil_keepalives_published_total",
		Help: "Keepalives published by the client, by result",
	},
	[]string{"result"},
)

// Publisher is the part of the transport a client needs
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Client is a daemon that publishes keepalives
type Client struct {
	*daemon.Controller

	// ID identifies this process, a restarted client gets a new one
	ID string

	pub Publisher
}

var _ daemon.Service = (*Client)(nil)

func New(c *daemon.Controller) *Client {
	return &Client{
		Controller: c,
		ID:         uuid.New().String(),
	}
}

// Start connects the transport and then starts the controller. Initialize
// must have been called
func (cl *Client) Start() error {
	h, err := cl.SetupTransport(context.Background())
	if err != nil {
		return err
	}

	pub, ok := h.(Publisher)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoPublisher, h.Name())
	}
	cl.pub = pub

	return cl.Controller.Start()
}

// Run publishes keepalives alongside the controller loop until the daemon
// stops
func (cl *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	wg.Go(func() {
		cl.keepalives(ctx)
	})

	err := cl.Controller.Run(ctx)

	cancel()
	wg.Wait()

	return err
}

// Interval is the keepalive interval from the current settings
func (cl *Client) Interval() time.Duration {
	s := cl.Settings()
	if s == nil {
		return settings.DefaultKeepaliveInterval
	}
	return s.Duration("client.keepalive_interval", settings.DefaultKeepaliveInterval)
}

// Keepalive describes this client as of now
func (cl *Client) Keepalive() extensions.Keepalive {
	k := extensions.Keepalive{
		ID:            cl.ID,
		Timestamp:     time.Now().Unix(),
		Version:       tracing.Version(),
		Subscriptions: []string{},
	}

	if s := cl.Settings(); s != nil {
		k.Name = s.String("client.name")
		if subs := s.StringSlice("client.subscriptions"); subs != nil {
			k.Subscriptions = subs
		}
	}

	return k
}

func (cl *Client) keepalives(ctx context.Context) {
	interval := cl.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// nothing is published while paused
		if err := cl.WaitRunning(ctx); err != nil {
			return
		}

		if err := cl.PublishKeepalive(ctx); err != nil {
			cl.Logger().WithError(err).Warn("Could not publish keepalive")
		}

		// pick up a reloaded interval
		if i := cl.Interval(); i != interval {
			interval = i
			ticker.Reset(interval)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-cl.Done():
			return
		}
	}
}

// PublishKeepalive publishes one keepalive now
func (cl *Client) PublishKeepalive(ctx context.Context) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "vigil.client.PublishKeepalive", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	defer tracing.LogRecoverToReturn(ctx, "client.PublishKeepalive")

	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			keepalivesPublished.WithLabelValues("error").Inc()
		} else {
			keepalivesPublished.WithLabelValues("ok").Inc()
		}
	}()

	if cl.pub == nil {
		return ErrNoPublisher
	}

	k := cl.Keepalive()
	span.SetAttributes(
		attribute.String("vigil.client.name", k.Name),
		attribute.String("vigil.client.id", k.ID),
	)

	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("could not encode keepalive: %w", err)
	}

	msg := &nats.Msg{
		Subject: KeepaliveSubject,
		Data:    data,
		Header:  nats.Header{},
	}
	tracing.Inject(ctx, msg)

	if err := cl.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("could not publish keepalive: %w", err)
	}

	cl.Logger().WithFields(log.Fields{
		"client": k.Name,
		"id":     k.ID,
	}).Debug("Keepalive published")

	return nil
}
