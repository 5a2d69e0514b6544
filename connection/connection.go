// Package connection defines the contract shared by every reconnect-capable
// resource the daemon depends on (the message transport and the data store).
//
// A Handle is created by a resource-specific connect function. The daemon
// registers three callbacks on it:
//
//   - OnError runs when the resource reports an error it cannot hide
//   - BeforeReconnect runs before any reconnect attempt starts
//   - AfterReconnect runs once the resource is usable again
//
// For a single disruption BeforeReconnect always runs before AfterReconnect.
// Implementations embed Hooks to get goroutine-safe registration and firing.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Status is the connectivity status of a Handle
type Status int32

const (
	Connected Status = iota
	Reconnecting
	Failed
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ErrClosed is returned by operations on a handle that has been closed
var ErrClosed = errors.New("connection closed")

// Handle is a live or reconnecting connection to an external resource
type Handle interface {
	// Name is the resource implementation name, e.g. "nats" or "bolt"
	Name() string
	Status() Status

	OnError(func(error))
	BeforeReconnect(func())
	AfterReconnect(func())

	// Reconnect asks the resource layer to re-establish the connection. It
	// returns immediately, progress is reported through the callbacks
	Reconnect()

	Close() error
}

// Settings are the resource-specific settings handed to a connect function
type Settings struct {
	// Name selects the implementation
	Name string
	// ReconnectOnError makes the daemon request a reconnect on error instead
	// of stopping
	ReconnectOnError bool
	// Options are the settings for the selected implementation
	Options map[string]any
}

// Fields returns the settings as log fields. Callers are expected to redact
// them before logging
func (s Settings) Fields() map[string]any {
	return map[string]any{
		"name":               s.Name,
		"reconnect_on_error": s.ReconnectOnError,
		"options":            s.Options,
	}
}

// DecodeOptions decodes the untyped options into out, which must be a
// pointer to a struct with mapstructure tags. Durations may be given as
// strings ("5s") and string slices as comma separated strings
func DecodeOptions(opts map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}

	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("invalid connection options: %w", err)
	}
	return nil
}

// Hooks stores the three callbacks of a Handle. The zero value is ready to
// use and firing an unregistered callback does nothing
type Hooks struct {
	mu              sync.RWMutex
	onError         func(error)
	beforeReconnect func()
	afterReconnect  func()

	// reconnecting is set between FireBeforeReconnect and FireAfterReconnect
	// so that the pair is never reported out of order or twice
	reconnecting atomic.Bool
}

func (h *Hooks) OnError(f func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onError = f
}

func (h *Hooks) BeforeReconnect(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beforeReconnect = f
}

func (h *Hooks) AfterReconnect(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.afterReconnect = f
}

func (h *Hooks) FireError(err error) {
	h.mu.RLock()
	f := h.onError
	h.mu.RUnlock()

	if f != nil {
		f(err)
	}
}

// FireBeforeReconnect runs the before_reconnect callback unless a disruption
// is already in progress. It returns true when the callback ran
func (h *Hooks) FireBeforeReconnect() bool {
	if !h.reconnecting.CompareAndSwap(false, true) {
		return false
	}

	h.mu.RLock()
	f := h.beforeReconnect
	h.mu.RUnlock()

	if f != nil {
		f()
	}
	return true
}

// FireAfterReconnect runs the after_reconnect callback, only if a matching
// FireBeforeReconnect ran first. It returns true when the callback ran
func (h *Hooks) FireAfterReconnect() bool {
	if !h.reconnecting.CompareAndSwap(true, false) {
		return false
	}

	h.mu.RLock()
	f := h.afterReconnect
	h.mu.RUnlock()

	if f != nil {
		f()
	}
	return true
}

// InDisruption reports whether before_reconnect has fired without a
// matching after_reconnect
func (h *Hooks) InDisruption() bool {
	return h.reconnecting.Load()
}

// DurationOr returns d, or def when d is zero
func DurationOr(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}
