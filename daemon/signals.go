package daemon

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

var signalsByName = map[string]os.Signal{
	"INT":  syscall.SIGINT,
	"TERM": syscall.SIGTERM,
	"HUP":  syscall.SIGHUP,
	"QUIT": syscall.SIGQUIT,
}

type signalTraps struct {
	sigs     chan os.Signal
	done     chan struct{}
	stopOnce sync.Once
}

// SetupSignalTraps traps every stop and reload signal. The trap only pushes
// the signal name onto the queue, all handling happens in Tick
func (c *Controller) SetupSignalTraps() {
	names := map[os.Signal]string{}
	for _, name := range slices.Concat(c.opts.StopSignals, c.opts.ReloadSignals) {
		sig, ok := signalsByName[name]
		if !ok {
			c.log.WithField("signal", name).Warn("Cannot trap unknown signal")
			continue
		}
		names[sig] = name
	}

	t := &signalTraps{
		sigs: make(chan os.Signal, 16),
		done: make(chan struct{}),
	}

	for sig := range names {
		signal.Notify(t.sigs, sig)
	}

	go func() {
		for {
			select {
			case sig := <-t.sigs:
				c.queue.Push(names[sig])
			case <-t.done:
				return
			}
		}
	}()

	c.mu.Lock()
	c.traps = t
	c.mu.Unlock()
}

func (c *Controller) stopSignalTraps() {
	c.mu.Lock()
	t := c.traps
	c.mu.Unlock()

	if t == nil {
		return
	}

	t.stopOnce.Do(func() {
		signal.Stop(t.sigs)
		close(t.done)
	})
}

// Signal queues a signal by name as if it had been received from the OS
func (c *Controller) Signal(name string) {
	c.queue.Push(name)
}

// Pending is the number of signals waiting for a tick
func (c *Controller) Pending() int {
	return c.queue.Len()
}

// Tick handles at most one pending signal. Stop signals stop the daemon,
// reload signals reload the settings
func (c *Controller) Tick(ctx context.Context) {
	name, ok := c.queue.Pop()
	if !ok {
		return
	}

	signalsHandled.WithLabelValues(name).Inc()
	entry := c.log.WithField("signal", name)

	switch {
	case slices.Contains(c.opts.StopSignals, name):
		entry.Warn("Received stop signal")
		c.Stop()
	case slices.Contains(c.opts.ReloadSignals, name):
		entry.Info("Received reload signal")
		_ = c.Reload(ctx)
	default:
		entry.Warn("Ignoring unhandled signal")
	}
}

// configDebounce groups the bursts of events editors produce when saving
const configDebounce = 500 * time.Millisecond

// watchConfig queues the first reload signal whenever a config file or a
// file in a config directory changes
func (c *Controller) watchConfig() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	files := map[string]bool{}
	dirs := map[string]bool{}

	for _, f := range c.opts.ConfigFiles {
		// watch the directory, editors replace files rather than write them
		files[f] = true
		dirs[filepath.Dir(f)] = true
	}
	watchAll := map[string]bool{}
	for _, d := range c.opts.ConfigDirs {
		dirs[d] = true
		watchAll[d] = true
	}

	for d := range dirs {
		if err := w.Add(d); err != nil {
			c.log.WithError(err).WithField("directory", d).Warn("Could not watch config directory")
		}
	}

	reload := c.opts.ReloadSignals[0]
	var debounce *time.Timer

	go func() {
		defer sentry.Recover()

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !files[ev.Name] && !watchAll[filepath.Dir(ev.Name)] {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}

				c.log.WithFields(log.Fields{
					"file": ev.Name,
					"op":   ev.Op.String(),
				}).Debug("Config changed")

				if debounce == nil {
					debounce = time.AfterFunc(configDebounce, func() { c.queue.Push(reload) })
				} else {
					debounce.Reset(configDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.WithError(err).Error("Config watcher error")
			}
		}
	}()

	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()

	return nil
}
