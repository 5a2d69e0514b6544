package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/overmindtech/vigil/connection"
	log "github.com/sirupsen/logrus"
)

// Name is the transport name selected with `transport.name`
const Name = "nats"

var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrNotConnected     = errors.New("transport not connected")
	ErrReconnectTimeout = errors.New("transport reconnect timed out")
)

type subscription struct {
	subject string
	queue   string
	handler nats.MsgHandler
}

// Conn is a NATS connection implementing connection.Handle. The NATS client
// handles ordinary reconnects itself; Conn translates its callbacks into the
// handle callbacks and adds a full redial for Reconnect, which is used when
// the client has given up
type Conn struct {
	connection.Hooks

	opts Options

	// ctx bounds background redials, it is cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nc      *nats.Conn
	subs    []subscription
	watcher *Watcher

	status    atomic.Int32
	closed    atomic.Bool
	redialing atomic.Bool
}

var _ connection.Handle = (*Conn)(nil)

// Connect is the transport connect function: it validates the name, decodes
// the options and dials
func Connect(ctx context.Context, name string, s connection.Settings) (*Conn, error) {
	if name != Name {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}

	var opts Options
	if err := connection.DecodeOptions(s.Options, &opts); err != nil {
		return nil, err
	}

	return Dial(ctx, opts)
}

// Dial connects to NATS using the supplied options, including retrying if
// unavailable
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	c := &Conn{opts: opts}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	nc, err := c.dial(ctx, opts.tries())
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("error connecting to NATS %v: %w", opts.serverString(), err)
	}

	c.mu.Lock()
	c.nc = nc
	c.mu.Unlock()
	c.status.Store(int32(connection.Connected))

	c.watcher = &Watcher{
		Connection:          c,
		ReconnectionTimeout: opts.ReconnectTimeout,
		FailureHandler: func() {
			// the handler may stop the daemon, which closes this
			// connection and waits for the watcher
			go c.FireError(ErrReconnectTimeout)
		},
	}
	c.watcher.Start(connection.DurationOr(opts.WatchInterval, WatchIntervalDefault))

	log.WithFields(fieldsFromConn(nc)).Info("NATS connected")

	return c, nil
}

func (c *Conn) dial(ctx context.Context, tries uint) (*nats.Conn, error) {
	servers := c.opts.serverString()
	natsOpts := c.opts.toNatsOptions(handlers{
		connect:    c.handleConnect,
		disconnect: c.handleDisconnect,
		reconnect:  c.handleReconnect,
		closed:     c.handleClosed,
		lameDuck:   c.handleLameDuck,
		error:      c.handleError,
	})
	timeout := connection.DurationOr(c.opts.ConnectionTimeout, ConnectionTimeoutDefault)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = connection.DurationOr(c.opts.RetryDelay, RetryDelayDefault)
	b.MaxInterval = MaxRetryDelay

	attempt := 0

	return backoff.Retry(ctx, func() (*nats.Conn, error) {
		attempt++
		lf := log.Fields{
			"servers": servers,
			"attempt": attempt,
		}
		log.WithFields(lf).Info("NATS connecting")

		nc, err := nats.Connect(servers, natsOpts...)
		if err != nil {
			return nil, err
		}

		// Wait for the connection to be completed
		if err := nc.FlushTimeout(timeout); err != nil {
			nc.Close()
			return nil, fmt.Errorf("error flushing NATS connection: %w", err)
		}

		return nc, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("retryIn", next.String()).Error("Error connecting to NATS")
		}),
	)
}

// current returns the live client, or nil while redialing or after Close
func (c *Conn) current() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// stale reports whether a callback belongs to a client this Conn no longer
// owns, either because it was replaced by a redial or because Close was
// called
func (c *Conn) stale(nc *nats.Conn) bool {
	return c.closed.Load() || c.current() != nc
}

func (c *Conn) handleConnect(nc *nats.Conn) {
	log.WithFields(fieldsFromConn(nc)).Debug("NATS connected")
}

func (c *Conn) handleDisconnect(nc *nats.Conn, err error) {
	if c.stale(nc) || nc.IsClosed() {
		return
	}

	fields := fieldsFromConn(nc)
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("NATS disconnected")
	} else {
		log.WithFields(fields).Warn("NATS disconnected")
	}

	c.status.Store(int32(connection.Reconnecting))
	c.FireBeforeReconnect()
}

func (c *Conn) handleReconnect(nc *nats.Conn) {
	if c.stale(nc) {
		return
	}

	log.WithFields(fieldsFromConn(nc)).Info("NATS reconnected")

	c.status.Store(int32(connection.Connected))
	c.FireAfterReconnect()
}

func (c *Conn) handleClosed(nc *nats.Conn) {
	if c.stale(nc) {
		return
	}

	c.status.Store(int32(connection.Failed))

	err := nc.LastError()
	if err == nil {
		err = errors.New("no more reconnect attempts")
	}

	log.WithFields(fieldsFromConn(nc)).Debug("NATS connection closed")

	c.FireError(fmt.Errorf("NATS connection closed: %w", err))
}

func (c *Conn) handleLameDuck(nc *nats.Conn) {
	log.WithFields(fieldsFromConn(nc)).Warn("NATS server has entered lame duck mode")
}

// handleError reports connection level errors through on_error. Errors
// scoped to one subscription, like slow consumers, are only logged
func (c *Conn) handleError(nc *nats.Conn, s *nats.Subscription, err error) {
	fields := fieldsFromConn(nc)

	if s != nil {
		fields["vigil.nats.subject"] = s.Subject
		fields["vigil.nats.queue"] = s.Queue
		log.WithFields(fields).WithError(err).Error("NATS subscription error")
		return
	}

	log.WithFields(fields).WithError(err).Error("NATS error")

	if c.stale(nc) {
		return
	}

	c.FireError(fmt.Errorf("NATS error: %w", err))
}

// Reconnect drops the current client and dials again, retrying with
// exponential backoff until it succeeds or the connection is closed.
// before_reconnect fires before the old client is dropped and
// after_reconnect once the new one is flushed and resubscribed. Calls made
// while a redial is in progress are ignored
func (c *Conn) Reconnect() {
	if c.closed.Load() || !c.redialing.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer c.redialing.Store(false)

		c.FireBeforeReconnect()
		c.status.Store(int32(connection.Reconnecting))

		c.mu.Lock()
		old := c.nc
		c.nc = nil
		c.mu.Unlock()

		if old != nil {
			old.Close()
		}

		nc, err := c.dial(c.ctx, 0)
		if err != nil {
			// only happens once Close has cancelled the context
			log.WithError(err).Debug("NATS redial abandoned")
			return
		}

		c.mu.Lock()
		if c.closed.Load() {
			c.mu.Unlock()
			nc.Close()
			return
		}
		c.nc = nc
		subs := append([]subscription(nil), c.subs...)
		c.mu.Unlock()

		for _, s := range subs {
			if err := subscribeOn(nc, s); err != nil {
				log.WithError(err).WithField("subject", s.subject).Error("Could not restore NATS subscription")
			}
		}

		log.WithFields(fieldsFromConn(nc)).Info("NATS redialed")

		c.status.Store(int32(connection.Connected))
		c.FireAfterReconnect()
	}()
}

func (c *Conn) Name() string {
	return Name
}

func (c *Conn) Status() connection.Status {
	return connection.Status(c.status.Load())
}

// NATS returns the current client. It is nil while a redial is in progress
func (c *Conn) NATS() *nats.Conn {
	return c.current()
}

func (c *Conn) NATSStatus() nats.Status {
	nc := c.current()
	if nc == nil {
		if c.closed.Load() {
			return nats.CLOSED
		}
		return nats.RECONNECTING
	}
	return nc.Status()
}

func (c *Conn) Stats() nats.Statistics {
	if nc := c.current(); nc != nil {
		return nc.Stats()
	}
	return nats.Statistics{}
}

func (c *Conn) LastError() error {
	if nc := c.current(); nc != nil {
		return nc.LastError()
	}
	return nil
}

// Publish sends data on subject
func (c *Conn) Publish(subject string, data []byte) error {
	nc := c.current()
	if nc == nil {
		return ErrNotConnected
	}
	return nc.Publish(subject, data)
}

// PublishMsg sends a message with headers
func (c *Conn) PublishMsg(msg *nats.Msg) error {
	nc := c.current()
	if nc == nil {
		return ErrNotConnected
	}
	return nc.PublishMsg(msg)
}

// Subscribe subscribes handler to subject, in a queue group when queue is
// set. The subscription is restored after a redial
func (c *Conn) Subscribe(subject, queue string, handler nats.MsgHandler) error {
	s := subscription{subject: subject, queue: queue, handler: handler}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc == nil {
		return ErrNotConnected
	}

	log.WithFields(log.Fields{
		"queueName": queue,
		"subject":   subject,
	}).Debug("creating NATS subscription")

	if err := subscribeOn(c.nc, s); err != nil {
		return err
	}
	c.subs = append(c.subs, s)

	return nil
}

func subscribeOn(nc *nats.Conn, s subscription) error {
	var err error
	if s.queue == "" {
		_, err = nc.Subscribe(s.subject, s.handler)
	} else {
		_, err = nc.QueueSubscribe(s.subject, s.queue, s.handler)
	}
	if err != nil {
		return fmt.Errorf("error subscribing to NATS: %w", err)
	}
	return nil
}

// Close closes the connection for good. No callbacks fire afterwards
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.cancel()
	if c.watcher != nil {
		c.watcher.Stop()
	}

	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.mu.Unlock()

	if nc != nil {
		nc.Close()
	}

	return nil
}
