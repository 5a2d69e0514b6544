package datastore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/overmindtech/vigil/connection"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

const boltLockTimeout = 5 * time.Second

var keysBucketName = []byte("keys")

// BoltOptions configure the embedded bbolt store
type BoltOptions struct {
	Path string `mapstructure:"path"`
	// Timeout is how long to wait for the file lock when opening
	Timeout time.Duration `mapstructure:"timeout"`
}

func (o BoltOptions) validate() error {
	if o.Path == "" {
		return errors.New("path must be set")
	}
	return nil
}

// BoltStore keeps keys in a local bbolt file. It has no network to lose, so
// the only disruption is an IO error, which is reported through OnError.
// Reconnect closes and reopens the file
type BoltStore struct {
	connection.Hooks

	opts BoltOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.RWMutex
	db *bbolt.DB

	status    atomic.Int32
	closed    atomic.Bool
	reopening atomic.Bool
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the database file
func OpenBolt(ctx context.Context, opts BoltOptions) (*BoltStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	s := &BoltStore{opts: opts}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	db, err := s.open()
	if err != nil {
		s.cancel()
		return nil, err
	}

	s.db = db
	s.status.Store(int32(connection.Connected))

	log.WithField("path", opts.Path).Info("Bolt data store opened")

	return s, nil
}

func (s *BoltStore) open() (*bbolt.DB, error) {
	db, err := bbolt.Open(s.opts.Path, 0600, &bbolt.Options{
		Timeout: connection.DurationOr(s.opts.Timeout, boltLockTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keysBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return db, nil
}

func (s *BoltStore) Name() string {
	return BoltName
}

func (s *BoltStore) Status() connection.Status {
	return connection.Status(s.status.Load())
}

// fail reports an IO error. Errors seen while the file is being reopened
// or after Close are expected and not reported
func (s *BoltStore) fail(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, connection.ErrClosed) {
		return err
	}

	if s.closed.Load() || s.reopening.Load() {
		return err
	}

	s.status.Store(int32(connection.Failed))
	s.FireError(fmt.Errorf("bolt data store: %w", err))

	return err
}

// withDB runs f while holding the database open. Errors are reported after
// the lock is released since the error callback may close the store
func (s *BoltStore) withDB(f func(db *bbolt.DB) error) error {
	err := func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()

		if s.db == nil {
			return connection.ErrClosed
		}
		return f(s.db)
	}()

	return s.fail(err)
}

func (s *BoltStore) Put(ctx context.Context, key string, value []byte) error {
	return s.withDB(func(db *bbolt.DB) error {
		return db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(keysBucketName).Put([]byte(key), value)
		})
	})
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := s.withDB(func(db *bbolt.DB) error {
		return db.View(func(tx *bbolt.Tx) error {
			v := tx.Bucket(keysBucketName).Get([]byte(key))
			if v == nil {
				return fmt.Errorf("%w: %v", ErrNotFound, key)
			}
			// values are only valid for the life of the transaction
			value = append([]byte(nil), v...)
			return nil
		})
	})

	return value, err
}

func (s *BoltStore) Delete(ctx context.Context, key string) error {
	return s.withDB(func(db *bbolt.DB) error {
		return db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(keysBucketName).Delete([]byte(key))
		})
	})
}

func (s *BoltStore) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}

	err := s.withDB(func(db *bbolt.DB) error {
		return db.View(func(tx *bbolt.Tx) error {
			return tx.Bucket(keysBucketName).ForEach(func(k, _ []byte) error {
				keys = append(keys, string(k))
				return nil
			})
		})
	})

	return keys, err
}

// Reconnect closes the file and opens it again, retrying with backoff until
// it succeeds or the store is closed
func (s *BoltStore) Reconnect() {
	if s.closed.Load() || !s.reopening.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer s.reopening.Store(false)

		s.FireBeforeReconnect()
		s.status.Store(int32(connection.Reconnecting))

		s.mu.Lock()
		old := s.db
		s.db = nil
		s.mu.Unlock()

		if old != nil {
			if err := old.Close(); err != nil {
				log.WithError(err).Warn("Error closing bolt database before reopening")
			}
		}

		db, err := backoff.Retry(s.ctx, s.open,
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.WithError(err).WithField("retryIn", next.String()).Error("Error reopening bolt database")
			}),
		)
		if err != nil {
			log.WithError(err).Debug("Bolt reopen abandoned")
			return
		}

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			db.Close()
			return
		}
		s.db = db
		s.mu.Unlock()

		log.WithField("path", s.opts.Path).Info("Bolt data store reopened")

		s.status.Store(int32(connection.Connected))
		s.FireAfterReconnect()
	}()
}

func (s *BoltStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	return err
}
