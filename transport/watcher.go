package transport

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// WatchableConnection Is ususally a *Conn, we are using an interface here
// to allow easier testing
type WatchableConnection interface {
	NATSStatus() nats.Status
	Stats() nats.Statistics
	LastError() error
}

// Watcher polls a connection and calls FailureHandler when it has been
// reconnecting for longer than ReconnectionTimeout. The NATS client keeps
// retrying on its own, the watcher is what turns a reconnect that never
// finishes into an error the daemon can act on
type Watcher struct {
	// Connection The NATS connection to watch
	Connection WatchableConnection

	// ReconnectionTimeout is how long the connection may stay in
	// RECONNECTING. Zero disables the watcher
	ReconnectionTimeout time.Duration

	// FailureHandler will be called once per stuck reconnect
	FailureHandler func()

	watcherContext context.Context
	watcherCancel  context.CancelFunc
	watcherTicker  *time.Ticker
	watchingMutex  sync.Mutex
}

func (w *Watcher) Start(checkInterval time.Duration) {
	if w == nil || w.Connection == nil || w.ReconnectionTimeout <= 0 {
		return
	}

	w.watcherContext, w.watcherCancel = context.WithCancel(context.Background())
	w.watcherTicker = time.NewTicker(checkInterval)
	w.watchingMutex.Lock()

	go func(ctx context.Context) {
		defer w.watchingMutex.Unlock()

		var reconnectingSince time.Time
		reported := false

		for {
			select {
			case <-w.watcherTicker.C:
				status := w.Connection.NATSStatus()
				if status != nats.RECONNECTING {
					reconnectingSince = time.Time{}
					reported = false
					continue
				}

				if reconnectingSince.IsZero() {
					reconnectingSince = time.Now()
				}

				log.WithFields(log.Fields{
					"status":     status.String(),
					"inBytes":    w.Connection.Stats().InBytes,
					"outBytes":   w.Connection.Stats().OutBytes,
					"reconnects": w.Connection.Stats().Reconnects,
					"lastError":  w.Connection.LastError(),
					"since":      reconnectingSince,
				}).Warn("NATS not connected")

				if !reported && time.Since(reconnectingSince) >= w.ReconnectionTimeout {
					reported = true
					w.FailureHandler()
				}
			case <-ctx.Done():
				w.watcherTicker.Stop()

				return
			}
		}
	}(w.watcherContext)
}

func (w *Watcher) Stop() {
	if w.watcherCancel != nil {
		w.watcherCancel()

		// Once we have sent the signal, wait until it's unlocked so we know
		// it's completely stopped
		w.watchingMutex.Lock()
		defer w.watchingMutex.Unlock()
	}
}
