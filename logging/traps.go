package logging

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// SignalTraps toggles debug logging on SIGUSR1 and reopens the log file on
// SIGUSR2. These are independent of the daemon's own stop and reload
// signals
type SignalTraps struct {
	Logger *log.Logger
	File   *ReopenableFile

	mu        sync.Mutex
	baseLevel log.Level
	sigs      chan os.Signal
	done      chan struct{}
	stopOnce  sync.Once
}

// SetupSignalTraps installs the traps and returns immediately. Call Stop to
// remove them
func SetupSignalTraps(logger *log.Logger, file *ReopenableFile) *SignalTraps {
	t := &SignalTraps{
		Logger:    logger,
		File:      file,
		baseLevel: logger.GetLevel(),
		sigs:      make(chan os.Signal, 4),
		done:      make(chan struct{}),
	}

	signal.Notify(t.sigs, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		for {
			select {
			case sig := <-t.sigs:
				switch sig {
				case syscall.SIGUSR1:
					t.ToggleDebug()
				case syscall.SIGUSR2:
					t.Reopen()
				}
			case <-t.done:
				return
			}
		}
	}()

	return t
}

// ToggleDebug switches between debug and the level the logger had when the
// traps were installed
func (t *SignalTraps) ToggleDebug() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Logger.GetLevel() == log.DebugLevel && t.baseLevel != log.DebugLevel {
		t.Logger.SetLevel(t.baseLevel)
	} else {
		t.baseLevel = t.Logger.GetLevel()
		t.Logger.SetLevel(log.DebugLevel)
	}

	t.Logger.WithField("level", t.Logger.GetLevel().String()).Warn("Log level changed")
}

func (t *SignalTraps) Reopen() {
	if t.File == nil {
		return
	}

	if err := t.File.Reopen(); err != nil {
		t.Logger.WithError(err).Error("Could not reopen log file")
		return
	}

	t.Logger.WithField("path", t.File.Path()).Info("Log file reopened")
}

func (t *SignalTraps) Stop() {
	if t == nil {
		return
	}

	t.stopOnce.Do(func() {
		signal.Stop(t.sigs)
		close(t.done)
	})
}
