package daemon

import (
	"context"
	"errors"
	"testing"

	"github.com/overmindtech/vigil/connection"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionErrorStops(t *testing.T) {
	h := newHarness(t, Options{}, "transport:\n  reconnect_on_error: false\n")
	h.start(t)

	_, err := h.c.SetupTransport(context.Background())
	require.NoError(t, err)

	fh := h.handle("nats")
	require.NotNil(t, fh)

	fh.FireError(errors.New("connection refused"))

	assert.Equal(t, StateStopped, h.c.State())
	assert.True(t, fh.closed.Load())
	assert.Equal(t, int32(0), fh.reconnects.Load())

	fatal := h.entriesAt(log.FatalLevel)
	require.Len(t, fatal, 1)
	assert.Equal(t, "Connection error", fatal[0].Message)
	assert.Equal(t, ResourceTransport, fatal[0].Data["resource"])

	// a connection error is not a configuration error
	assert.Empty(t, h.exitCodes())

	select {
	case <-h.c.Done():
	default:
		t.Error("expected Done to be closed")
	}
}

func TestConnectionErrorReconnects(t *testing.T) {
	h := newHarness(t, Options{}, "transport:\n  reconnect_on_error: true\n")
	h.start(t)

	_, err := h.c.SetupTransport(context.Background())
	require.NoError(t, err)

	var during ProcessState
	fh := h.handle("nats")
	fh.onReconnect = func(fh *fakeHandle) {
		assert.True(t, fh.FireBeforeReconnect())
		during = h.c.State()
		assert.True(t, fh.FireAfterReconnect())
	}

	fh.FireError(errors.New("connection reset"))

	assert.Equal(t, int32(1), fh.reconnects.Load())
	assert.Equal(t, StatePaused, during)
	assert.Equal(t, StateRunning, h.c.State())
	assert.False(t, fh.closed.Load())

	assert.Contains(t, h.messages(), "Reconnecting, pausing")
	assert.Contains(t, h.messages(), "Reconnected, resuming")
}

func TestTestRunModeDoesNotPause(t *testing.T) {
	h := newHarness(t, Options{RunMode: RunModeTest}, "")
	h.start(t)

	_, err := h.c.SetupDataStore(context.Background())
	require.NoError(t, err)

	fh := h.handle("nats-kv")
	require.NotNil(t, fh)

	fh.FireBeforeReconnect()
	assert.Equal(t, StateRunning, h.c.State())

	fh.FireAfterReconnect()
	assert.Equal(t, StateRunning, h.c.State())
}

func TestAfterReconnectNeedsBefore(t *testing.T) {
	h := newHarness(t, Options{}, "")
	h.start(t)

	_, err := h.c.SetupTransport(context.Background())
	require.NoError(t, err)

	h.c.Pause()

	// no disruption in progress, so nothing to resume
	assert.False(t, h.handle("nats").FireAfterReconnect())
	assert.Equal(t, StatePaused, h.c.State())
}

func TestStopClosesEveryConnection(t *testing.T) {
	h := newHarness(t, Options{}, "")
	h.start(t)

	_, err := h.c.SetupTransport(context.Background())
	require.NoError(t, err)
	_, err = h.c.SetupDataStore(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]connection.Status{
		ResourceTransport: connection.Connected,
		ResourceDataStore: connection.Connected,
	}, h.c.Connections())

	h.c.Stop()

	assert.True(t, h.handle("nats").closed.Load())
	assert.True(t, h.handle("nats-kv").closed.Load())
	assert.Empty(t, h.c.Connections())

	_, err = h.c.SetupTransport(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSetupReplacesConnection(t *testing.T) {
	h := newHarness(t, Options{}, "")
	h.start(t)

	_, err := h.c.SetupTransport(context.Background())
	require.NoError(t, err)
	first := h.handle("nats")

	_, err = h.c.SetupTransport(context.Background())
	require.NoError(t, err)

	assert.True(t, first.closed.Load())
	assert.False(t, h.handle("nats").closed.Load())
}

func TestSetupConnectionFailureIsFatal(t *testing.T) {
	h := newHarness(t, Options{}, "", func(d *Deps) {
		d.Connectors[ResourceTransport] = func(ctx context.Context, name string, s connection.Settings) (connection.Handle, error) {
			return nil, errors.New("no servers available for connection")
		}
	})
	h.start(t)

	_, err := h.c.SetupTransport(context.Background())

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, []int{ExitConfig}, h.exitCodes())
	assert.Equal(t, StateStopped, h.c.State())

	fatal := h.entriesAt(log.FatalLevel)
	require.Len(t, fatal, 2)
	assert.Equal(t, "Could not connect", fatal[0].Message)
	assert.Equal(t, NotRunning, fatal[1].Message)
}

func TestSetupUnknownResource(t *testing.T) {
	h := newHarness(t, Options{}, "")
	h.start(t)

	_, err := h.c.SetupConnection(context.Background(), "cache")
	assert.ErrorIs(t, err, ErrUnknownConnector)
	assert.Equal(t, []int{ExitConfig}, h.exitCodes())
}

func TestSetupBeforeInitialize(t *testing.T) {
	h := newHarness(t, Options{}, "")

	_, err := h.c.SetupTransport(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Empty(t, h.exitCodes())
}
