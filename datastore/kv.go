package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/overmindtech/vigil/transport"
)

// DefaultBucket is the key-value bucket used when none is configured
const DefaultBucket = "vigil"

const maxHistory = 64

// KVOptions configure the NATS JetStream key-value store. The NATS
// connection options sit alongside the bucket options
type KVOptions struct {
	transport.Options `mapstructure:",squash"`

	Bucket  string        `mapstructure:"bucket"`
	History uint8         `mapstructure:"history"`
	TTL     time.Duration `mapstructure:"ttl"`
}

func (o KVOptions) validate() error {
	if o.History > maxHistory {
		return fmt.Errorf("history must be at most %d", maxHistory)
	}
	if o.TTL < 0 {
		return errors.New("ttl must not be negative")
	}
	return nil
}

func (o KVOptions) bucketName() string {
	if o.Bucket == "" {
		return DefaultBucket
	}
	return o.Bucket
}

// KVStore keeps keys in a JetStream key-value bucket on its own NATS
// connection. Disconnects and redials are reported by the embedded
// transport connection
type KVStore struct {
	*transport.Conn

	opts KVOptions

	mu sync.Mutex
	// nc is the client kv was bound to, the bucket is bound again when the
	// connection redials
	nc *nats.Conn
	kv jetstream.KeyValue
}

var _ Store = (*KVStore)(nil)

// DialKV connects and makes sure the bucket exists
func DialKV(ctx context.Context, opts KVOptions) (*KVStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	conn, err := transport.Dial(ctx, opts.Options)
	if err != nil {
		return nil, err
	}

	s := &KVStore{
		Conn: conn,
		opts: opts,
	}

	if _, err := s.bucket(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *KVStore) Name() string {
	return NATSKVName
}

func (s *KVStore) bucket(ctx context.Context) (jetstream.KeyValue, error) {
	nc := s.NATS()
	if nc == nil {
		return nil, transport.ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kv != nil && s.nc == nc {
		return s.kv, nil
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("could not create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  s.opts.bucketName(),
		History: s.opts.History,
		TTL:     s.opts.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("could not bind key-value bucket %q: %w", s.opts.bucketName(), err)
	}

	s.nc, s.kv = nc, kv

	return kv, nil
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	kv, err := s.bucket(ctx)
	if err != nil {
		return err
	}

	_, err = kv.Put(ctx, key, value)
	return err
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	kv, err := s.bucket(ctx)
	if err != nil {
		return nil, err
	}

	entry, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, key)
		}
		return nil, err
	}

	return entry.Value(), nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	kv, err := s.bucket(ctx)
	if err != nil {
		return err
	}

	return kv.Delete(ctx, key)
}

func (s *KVStore) Keys(ctx context.Context) ([]string, error) {
	kv, err := s.bucket(ctx)
	if err != nil {
		return nil, err
	}

	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	keys := []string{}
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys, nil
}
