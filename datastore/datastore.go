// Package datastore provides the key-value stores the daemon keeps shared
// state in. Every store is a connection.Handle, so the daemon applies the
// same pause, resume and stop policy to it as to the transport.
package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/overmindtech/vigil/connection"
)

// Implementation names selected with `datastore.name`
const (
	NATSKVName = "nats-kv"
	BoltName   = "bolt"
)

var (
	ErrUnknownDataStore = errors.New("unknown data store")
	ErrNotFound         = errors.New("key not found")
)

// Store is a connection to a key-value data store
type Store interface {
	connection.Handle

	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when the key is not set
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Keys returns every key in sorted order
	Keys(ctx context.Context) ([]string, error)
}

// Connect is the data store connect function
func Connect(ctx context.Context, name string, s connection.Settings) (Store, error) {
	switch name {
	case NATSKVName:
		var opts KVOptions
		if err := connection.DecodeOptions(s.Options, &opts); err != nil {
			return nil, err
		}
		return DialKV(ctx, opts)
	case BoltName:
		var opts BoltOptions
		if err := connection.DecodeOptions(s.Options, &opts); err != nil {
			return nil, err
		}
		return OpenBolt(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataStore, name)
	}
}

// ValidateOptions checks the name and that the options decode without
// connecting to anything
func ValidateOptions(name string, opts map[string]any) error {
	switch name {
	case NATSKVName:
		var o KVOptions
		if err := connection.DecodeOptions(opts, &o); err != nil {
			return err
		}
		return o.validate()
	case BoltName:
		var o BoltOptions
		if err := connection.DecodeOptions(opts, &o); err != nil {
			return err
		}
		return o.validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDataStore, name)
	}
}
