// Package extensions holds the registry of optional daemon extensions.
// Extensions register a factory under a unique name, usually from an init
// function, and are instantiated when they are listed in the
// `extensions.enabled` setting.
package extensions

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/overmindtech/vigil/logging"
	log "github.com/sirupsen/logrus"
)

// Settings is the part of the settings the registry needs
type Settings interface {
	StringSlice(key string) []string
}

// Extension is a loaded extension instance
type Extension interface {
	Name() string
	Description() string
	// Inject hands the extension the daemon logger and a snapshot of the
	// resolved settings. It is called once, after loading
	Inject(logger log.FieldLogger, settings map[string]any)
}

// Factory creates a new extension instance
type Factory func() Extension

// Loaded is the result of loading the enabled extensions
type Loaded struct {
	// All is every loaded extension, sorted by name
	All []Extension
	// Warnings are extensions that could not be loaded
	Warnings []logging.Concern
}

// Inject calls Inject on every extension
func (l *Loaded) Inject(logger log.FieldLogger, settings map[string]any) {
	if l == nil {
		return
	}

	for _, e := range l.All {
		e.Inject(logger.WithField("extension", e.Name()), settings)
	}
}

var ErrDuplicate = errors.New("extension already registered")

// Registry maps extension names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory. Registering the same name twice is an error
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicate, name)
	}
	r.factories[name] = f

	return nil
}

// Names returns every registered name, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.namesLocked()
}

// Load instantiates the extensions enabled in the settings. Unknown and
// repeated names become warnings rather than errors
func (r *Registry) Load(s Settings) *Loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l := &Loaded{All: []Extension{}}
	seen := map[string]bool{}

	for _, name := range s.StringSlice("extensions.enabled") {
		if seen[name] {
			l.Warnings = append(l.Warnings, logging.NewConcern("extension enabled more than once", "extension", name))
			continue
		}
		seen[name] = true

		f, ok := r.factories[name]
		if !ok {
			l.Warnings = append(l.Warnings, logging.NewConcern("unknown extension", "extension", name, "available", r.namesLocked()))
			continue
		}

		l.All = append(l.All, f())
	}

	sort.Slice(l.All, func(i, j int) bool {
		return l.All[i].Name() < l.All[j].Name()
	})

	return l
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Default is the registry built-in extensions register with
var Default = NewRegistry()

// Register adds a factory to the default registry
func Register(name string, f Factory) error {
	return Default.Register(name, f)
}

// Load loads extensions from the default registry
func Load(s Settings) *Loaded {
	return Default.Load(s)
}

// Base implements the bookkeeping part of Extension. Embed it and set
// ExtensionName and ExtensionDescription
type Base struct {
	ExtensionName        string
	ExtensionDescription string

	mu       sync.RWMutex
	logger   log.FieldLogger
	settings map[string]any
}

func (b *Base) Name() string {
	return b.ExtensionName
}

func (b *Base) Description() string {
	return b.ExtensionDescription
}

func (b *Base) Inject(logger log.FieldLogger, settings map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger = logger
	b.settings = settings
}

// Logger returns the injected logger, or the standard logger before
// injection
func (b *Base) Logger() log.FieldLogger {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.logger == nil {
		return log.StandardLogger()
	}
	return b.logger
}

// Settings returns the injected settings snapshot
func (b *Base) Settings() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.settings
}

// Keepalive is what a client reports about itself
type Keepalive struct {
	Name          string   `json:"name"`
	ID            string   `json:"id"`
	Timestamp     int64    `json:"timestamp"`
	Version       string   `json:"version"`
	Subscriptions []string `json:"subscriptions"`
}

// KeepaliveObserver is implemented by extensions that want to see every
// keepalive the server receives
type KeepaliveObserver interface {
	ObserveKeepalive(k Keepalive)
}
