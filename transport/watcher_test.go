package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type TestConnection struct {
	ReturnStatus nats.Status
	ReturnStats  nats.Statistics
	ReturnError  error
	Mutex        sync.Mutex
}

func (t *TestConnection) NATSStatus() nats.Status {
	t.Mutex.Lock()
	defer t.Mutex.Unlock()
	return t.ReturnStatus
}

func (t *TestConnection) Stats() nats.Statistics {
	t.Mutex.Lock()
	defer t.Mutex.Unlock()
	return t.ReturnStats
}

func (t *TestConnection) LastError() error {
	t.Mutex.Lock()
	defer t.Mutex.Unlock()
	return t.ReturnError
}

func (t *TestConnection) set(s nats.Status) {
	t.Mutex.Lock()
	defer t.Mutex.Unlock()
	t.ReturnStatus = s
}

func TestReconnectionTimeout(t *testing.T) {
	c := TestConnection{
		ReturnStatus: nats.CONNECTED,
	}

	fail := make(chan bool, 8)

	w := Watcher{
		Connection: &c,
		// Set a short timeout for testing
		ReconnectionTimeout: 100 * time.Millisecond,
		FailureHandler: func() {
			fail <- true
		},
	}

	interval := 10 * time.Millisecond

	w.Start(interval)
	defer w.Stop()

	// Start connected
	time.Sleep(interval * 2)

	c.set(nats.RECONNECTING)

	select {
	case <-time.After(500 * time.Millisecond):
		t.Error("FailureHandler not called after reconnection timeout")
	case <-fail:
	}

	// stays stuck, but the failure is only reported once
	time.Sleep(200 * time.Millisecond)
	if len(fail) != 0 {
		t.Errorf("FailureHandler called %d extra times", len(fail))
	}
}

func TestReconnectionTimeoutNotTriggeredWhenConnected(t *testing.T) {
	c := TestConnection{
		ReturnStatus: nats.CONNECTED,
	}

	fail := make(chan bool, 8)

	w := Watcher{
		Connection:          &c,
		ReconnectionTimeout: 100 * time.Millisecond,
		FailureHandler: func() {
			fail <- true
		},
	}

	interval := 10 * time.Millisecond

	w.Start(interval)
	defer w.Stop()

	// Briefly go to RECONNECTING state, but reconnect before timeout
	time.Sleep(interval * 2)
	c.set(nats.RECONNECTING)
	time.Sleep(30 * time.Millisecond)
	c.set(nats.CONNECTED)

	select {
	case <-time.After(300 * time.Millisecond):
	case <-fail:
		t.Error("FailureHandler should not be called when reconnected in time")
	}
}

func TestWatcherDisabledWithoutTimeout(t *testing.T) {
	c := TestConnection{
		ReturnStatus: nats.RECONNECTING,
	}

	w := Watcher{
		Connection: &c,
		FailureHandler: func() {
			t.Error("FailureHandler should never be called")
		},
	}

	w.Start(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	w.Stop()
}
