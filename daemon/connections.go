package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/overmindtech/vigil/connection"
	"github.com/overmindtech/vigil/datastore"
	"github.com/overmindtech/vigil/logging"
	"github.com/overmindtech/vigil/settings"
	"github.com/overmindtech/vigil/tracing"
	"github.com/overmindtech/vigil/transport"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Resources with a connector
const (
	ResourceTransport = settings.TransportGroup
	ResourceDataStore = settings.DataStoreGroup
)

var (
	ErrUnknownConnector = errors.New("no connector for resource")
	ErrNotInitialized   = errors.New("vigil is not initialized")
)

// ConnectFunc connects to the implementation called name
type ConnectFunc func(ctx context.Context, name string, s connection.Settings) (connection.Handle, error)

// DefaultConnectors connects the transport over NATS and the data store to
// NATS key-value or bolt
func DefaultConnectors() map[string]ConnectFunc {
	return map[string]ConnectFunc{
		ResourceTransport: func(ctx context.Context, name string, s connection.Settings) (connection.Handle, error) {
			return transport.Connect(ctx, name, s)
		},
		ResourceDataStore: func(ctx context.Context, name string, s connection.Settings) (connection.Handle, error) {
			return datastore.Connect(ctx, name, s)
		},
	}
}

// SetupTransport connects the message transport
func (c *Controller) SetupTransport(ctx context.Context) (connection.Handle, error) {
	return c.SetupConnection(ctx, ResourceTransport)
}

// SetupDataStore connects the data store
func (c *Controller) SetupDataStore(ctx context.Context) (connection.Handle, error) {
	return c.SetupConnection(ctx, ResourceDataStore)
}

// SetupConnection connects to a resource using the settings group of the
// same name and binds the connection to the process state:
//
//   - an error is logged as fatal, then either a reconnect is requested or
//     the daemon stops, depending on reconnect_on_error
//   - before a reconnect the daemon pauses, except in the test run mode
//   - after a reconnect the daemon resumes
//
// Failing to connect is fatal since the daemon never runs partially set up
func (c *Controller) SetupConnection(ctx context.Context, resource string) (connection.Handle, error) {
	ctx, span := tracing.Tracer().Start(ctx, "vigil.SetupConnection", trace.WithAttributes(
		attribute.String("vigil.resource", resource),
	))
	defer span.End()

	if c.State() == StateStopped {
		return nil, ErrStopped
	}

	current := c.Settings()
	if current == nil {
		return nil, ErrNotInitialized
	}

	s := current.Connection(resource)
	redact := current.RedactKeys()

	c.log.WithFields(log.Fields{
		"resource": resource,
		"settings": logging.Redact(s.Fields(), redact),
	}).Debug("Connecting")

	connect, ok := c.deps.Connectors[resource]
	if !ok {
		err := fmt.Errorf("%w: %v", ErrUnknownConnector, resource)
		span.SetStatus(codes.Error, err.Error())
		logging.Log(c.log.WithError(err), log.FatalLevel, "Could not connect")
		return nil, c.exitFatal(err)
	}

	h, err := connect(ctx, s.Name, s)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logging.Log(c.log.WithError(err).WithFields(log.Fields{
			"resource": resource,
			"name":     s.Name,
		}), log.FatalLevel, "Could not connect")
		return nil, c.exitFatal(err)
	}

	span.SetAttributes(attribute.String("vigil.connection", h.Name()))

	entry := c.log.WithFields(log.Fields{
		"resource":   resource,
		"connection": h.Name(),
	})

	h.OnError(func(err error) {
		connectionErrors.WithLabelValues(resource).Inc()
		logging.Log(entry.WithError(err), log.FatalLevel, "Connection error")

		if s.ReconnectOnError {
			connectionReconnects.WithLabelValues(resource).Inc()
			h.Reconnect()
		} else {
			c.Stop()
		}
	})

	h.BeforeReconnect(func() {
		if c.opts.RunMode == RunModeTest {
			return
		}
		entry.Warn("Reconnecting, pausing")
		c.Pause()
	})

	h.AfterReconnect(func() {
		entry.Info("Reconnected, resuming")
		c.Resume()
	})

	c.handlesMu.Lock()
	old := c.handles[resource]
	c.handles[resource] = h
	c.handlesMu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	// Stop may have run while connecting, in which case it missed h
	if c.State() == StateStopped {
		_ = h.Close()
		return nil, ErrStopped
	}

	entry.Info("Connected")

	return h, nil
}

// Connections returns the status of every open connection by resource
func (c *Controller) Connections() map[string]connection.Status {
	c.handlesMu.Lock()
	defer c.handlesMu.Unlock()

	out := make(map[string]connection.Status, len(c.handles))
	for r, h := range c.handles {
		out[r] = h.Status()
	}
	return out
}

// closeHandles closes every connection in parallel
func (c *Controller) closeHandles() error {
	c.handlesMu.Lock()
	handles := c.handles
	c.handles = map[string]connection.Handle{}
	c.handlesMu.Unlock()

	resources := make([]string, 0, len(handles))
	for r := range handles {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	p := pool.New().WithErrors()
	for _, r := range resources {
		h := handles[r]
		p.Go(func() error {
			if err := h.Close(); err != nil {
				return fmt.Errorf("closing %v: %w", r, err)
			}
			c.log.WithField("resource", r).Debug("Connection closed")
			return nil
		})
	}

	return p.Wait()
}
