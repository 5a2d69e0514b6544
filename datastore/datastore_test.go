package datastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/overmindtech/vigil/connection"
	"github.com/overmindtech/vigil/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runJetStreamServer(t *testing.T, port int) *server.Server {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := test.RunServer(&opts)

	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Could not start goroutine NATS server")
	}

	return s
}

// exercise runs the same checks against any store
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "clients.missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "clients.b", []byte("two")))
	require.NoError(t, s.Put(ctx, "clients.a", []byte("one")))

	v, err := s.Get(ctx, "clients.a")
	require.NoError(t, err)
	assert.Equal(t, "one", string(v))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"clients.a", "clients.b"}, keys)

	require.NoError(t, s.Delete(ctx, "clients.a"))

	_, err = s.Get(ctx, "clients.a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectUnknownDataStore(t *testing.T) {
	_, err := Connect(context.Background(), "redis", connection.Settings{})
	assert.ErrorIs(t, err, ErrUnknownDataStore)
}

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name    string
		store   string
		opts    map[string]any
		wantErr bool
	}{
		{"bolt ok", BoltName, map[string]any{"path": "/tmp/vigil.db"}, false},
		{"bolt without path", BoltName, map[string]any{}, true},
		{"kv ok", NATSKVName, map[string]any{"bucket": "checks", "ttl": "1h"}, false},
		{"kv bad ttl", NATSKVName, map[string]any{"ttl": "soon"}, true},
		{"kv history too long", NATSKVName, map[string]any{"history": 65}, true},
		{"unknown", "etcd", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOptions(tt.store, tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vigil.db")

	s, err := Connect(context.Background(), BoltName, connection.Settings{
		Name:    BoltName,
		Options: map[string]any{"path": path},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, BoltName, s.Name())
	assert.Equal(t, connection.Connected, s.Status())

	exercise(t, s)
}

func TestBoltReopenKeepsData(t *testing.T) {
	s, err := OpenBolt(context.Background(), BoltOptions{Path: filepath.Join(t.TempDir(), "vigil.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))

	events := make(chan string, 4)
	s.BeforeReconnect(func() { events <- "before" })
	s.AfterReconnect(func() { events <- "after" })

	s.Reconnect()

	for _, want := range []string{"before", "after"} {
		select {
		case got := <-events:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("did not see %v", want)
		}
	}

	assert.Equal(t, connection.Connected, s.Status())

	v, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestBoltIOErrorFiresOnError(t *testing.T) {
	s, err := OpenBolt(context.Background(), BoltOptions{Path: filepath.Join(t.TempDir(), "vigil.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	errs := make(chan error, 1)
	s.OnError(func(err error) { errs <- err })

	// close the file underneath the store
	require.NoError(t, s.db.Close())

	assert.Error(t, s.Put(context.Background(), "k", []byte("v")))

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "bolt data store")
	case <-time.After(time.Second):
		t.Fatal("OnError not called")
	}
	assert.Equal(t, connection.Failed, s.Status())
}

func TestBoltClose(t *testing.T) {
	s, err := OpenBolt(context.Background(), BoltOptions{Path: filepath.Join(t.TempDir(), "vigil.db")})
	require.NoError(t, err)

	s.OnError(func(err error) { t.Errorf("unexpected error callback: %v", err) })

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(context.Background(), "k", nil), connection.ErrClosed)

	// no-op once closed
	s.Reconnect()
}

func TestKVStore(t *testing.T) {
	srv := runJetStreamServer(t, 4321)
	t.Cleanup(srv.Shutdown)

	s, err := Connect(context.Background(), NATSKVName, connection.Settings{
		Name: NATSKVName,
		Options: map[string]any{
			"servers":         "nats://127.0.0.1:4321",
			"connection_name": "vigil-kv-test",
			"bucket":          "vigil_test",
			"retries":         3,
			"retry_delay":     "100ms",
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, NATSKVName, s.Name())
	assert.Equal(t, connection.Connected, s.Status())

	exercise(t, s)
}

func TestKVStoreRebindsAfterRedial(t *testing.T) {
	srv := runJetStreamServer(t, 4322)
	t.Cleanup(srv.Shutdown)

	s, err := DialKV(context.Background(), KVOptions{
		Options: transportOptions("nats://127.0.0.1:4322"),
		Bucket:  "vigil_redial",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))

	after := make(chan struct{}, 1)
	s.AfterReconnect(func() { after <- struct{}{} })

	s.Reconnect()

	select {
	case <-after:
	case <-time.After(10 * time.Second):
		t.Fatal("redial did not finish")
	}

	v, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func transportOptions(url string) transport.Options {
	return transport.Options{
		Servers:       []string{url},
		Retries:       3,
		RetryDelay:    100 * time.Millisecond,
		ReconnectWait: 100 * time.Millisecond,
	}
}
