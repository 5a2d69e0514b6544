package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/overmindtech/vigil/daemon"
	"github.com/overmindtech/vigil/extensions"
	"github.com/overmindtech/vigil/roles/client"
	"github.com/overmindtech/vigil/settings"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	extensions.Base

	mu   sync.Mutex
	seen []string
}

func (r *recorder) ObserveKeepalive(k extensions.Keepalive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, k.Name)
}

func (r *recorder) saw(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.seen, name)
}

var observed = &recorder{
	Base: extensions.Base{
		ExtensionName:        "recorder",
		ExtensionDescription: "records keepalives for tests",
	},
}

func init() {
	if err := extensions.Register("recorder", func() extensions.Extension { return observed }); err != nil {
		panic(err)
	}
}

func runServer(t *testing.T, port int, jetstream bool) *server.Server {
	t.Helper()

	opts := natstest.DefaultTestOptions
	opts.Port = port
	if jetstream {
		opts.JetStream = true
		opts.StoreDir = t.TempDir()
	}
	s := natstest.RunServer(&opts)

	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Could not start goroutine NATS server")
	}

	return s
}

func newController(t *testing.T, role, config string) (*daemon.Controller, *test.Hook) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0600))

	logger, hook := test.NewNullLogger()

	c := daemon.New(daemon.Options{
		ConfigFiles: []string{path},
		Role:        role,
		RunMode:     daemon.RunModeTest,
	}, daemon.Deps{
		Logger: logger,
		Exit: func(code int) {
			t.Errorf("unexpected exit with status %d", code)
		},
	})
	t.Cleanup(c.Stop)

	return c, hook
}

func run(t *testing.T, s daemon.Service) {
	t.Helper()

	errs := make(chan error, 1)
	go func() {
		errs <- s.Run(context.Background())
	}()

	t.Cleanup(func() {
		s.Stop()
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run did not return")
		}
	})
}

func TestServerRecordsClientKeepalives(t *testing.T) {
	srv := runServer(t, 4341, true)
	t.Cleanup(srv.Shutdown)

	sc, _ := newController(t, settings.RoleServer, fmt.Sprintf(`
transport:
  nats:
    servers: [%[1]v]
datastore:
  name: nats-kv
  nats-kv:
    servers: [%[1]v]
    bucket: vigil-test
extensions:
  enabled: [recorder, debug]
`, srv.ClientURL()))

	s := New(sc)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Start())
	run(t, s)

	cc, _ := newController(t, settings.RoleClient, fmt.Sprintf(`
transport:
  nats:
    servers: [%v]
client:
  name: web 1.example
  keepalive_interval: 50ms
`, srv.ClientURL()))

	cl := client.New(cc)
	require.NoError(t, cl.Initialize(context.Background()))
	require.NoError(t, cl.Start())
	run(t, cl)

	var clients []extensions.Keepalive
	require.Eventually(t, func() bool {
		var err error
		clients, err = s.Clients(context.Background())
		return err == nil && len(clients) == 1
	}, 10*time.Second, 50*time.Millisecond)

	assert.Equal(t, "web 1.example", clients[0].Name)
	assert.Equal(t, cl.ID, clients[0].ID)

	keys, err := s.Store().Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"clients.web_1_example"}, keys)

	assert.True(t, observed.saw("web 1.example"))
	assert.NoError(t, s.HealthCheck(context.Background()))
}

func TestServerWaitsWhilePaused(t *testing.T) {
	srv := runServer(t, 4342, false)
	t.Cleanup(srv.Shutdown)

	sc, hook := newController(t, settings.RoleServer, fmt.Sprintf(`
transport:
  nats:
    servers: [%v]
datastore:
  name: bolt
  bolt:
    path: %v
`, srv.ClientURL(), filepath.Join(t.TempDir(), "vigil.db")))

	s := New(sc)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Start())
	run(t, s)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	s.Pause()

	data, err := json.Marshal(extensions.Keepalive{Name: "db-1", ID: "a"})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(client.KeepaliveSubject, data))
	require.NoError(t, nc.Flush())

	time.Sleep(200 * time.Millisecond)
	keys, err := s.Store().Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	s.Resume()

	assert.Eventually(t, func() bool {
		keys, err := s.Store().Keys(context.Background())
		return err == nil && slices.Equal(keys, []string{"clients.db-1"})
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, nc.Publish(client.KeepaliveSubject, []byte("not json")))
	require.NoError(t, nc.Flush())

	assert.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "Ignoring invalid keepalive" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHandleKeepaliveWithoutStore(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(daemon.New(daemon.Options{RunMode: daemon.RunModeTest}, daemon.Deps{
		Logger: logger,
		Exit: func(code int) {
			t.Errorf("unexpected exit with status %d", code)
		},
	}))
	t.Cleanup(s.Stop)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Controller.Start())

	err := s.HandleKeepalive(context.Background(), extensions.Keepalive{Name: "web-1"})
	assert.ErrorIs(t, err, ErrNoStore)

	_, err = s.Clients(context.Background())
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestHandleKeepaliveAfterStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(daemon.New(daemon.Options{}, daemon.Deps{Logger: logger}))
	s.Stop()

	err := s.HandleKeepalive(context.Background(), extensions.Keepalive{Name: "web-1"})
	assert.ErrorIs(t, err, daemon.ErrStopped)
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "web-1", want: "clients.web-1"},
		{name: "web-1.example.com", want: "clients.web-1_example_com"},
		{name: " spaced out ", want: "clients.spaced_out"},
		{name: "café", want: "clients.caf_"},
		{name: "", wantErr: true},
		{name: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClientKey(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidClientName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
