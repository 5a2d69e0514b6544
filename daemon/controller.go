// Package daemon is the lifecycle core shared by every vigil role. The
// Controller owns the process state, runs the startup sequence, turns OS
// signals into stop and reload actions on a fixed tick, and binds the
// transport and data store connections to pause, resume and stop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/overmindtech/vigil/connection"
	"github.com/overmindtech/vigil/extensions"
	"github.com/overmindtech/vigil/logging"
	"github.com/overmindtech/vigil/settings"
	"github.com/overmindtech/vigil/tracing"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ExitConfig is the exit status for fatal configuration errors: invalid
// settings, failing to detach and failing to write the PID file
const ExitConfig = 2

// NotRunning is the last message logged before a fatal exit
const NotRunning = "vigil not running!"

// Run modes
const (
	RunModeRelease = "release"
	RunModeDebug   = "debug"
	// RunModeTest does not pause on reconnects
	RunModeTest = "test"
)

const DefaultTickInterval = time.Second

var (
	DefaultStopSignals   = []string{"INT", "TERM"}
	DefaultReloadSignals = []string{"HUP"}
)

var (
	ErrStopped            = errors.New("vigil stopped")
	ErrParentExited       = errors.New("parent process exited after detaching")
	ErrAlreadyInitialized = errors.New("vigil is already initialized")
)

// ExitError is returned when the controller asked the process to exit. It is
// only ever seen when Deps.Exit returns, which it does in tests
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Options are the process level options, usually from the command line
type Options struct {
	ConfigFiles []string
	ConfigDirs  []string
	EnvPrefix   string
	// Role is passed to settings validation
	Role string
	// Validators are extra settings validation rules
	Validators []settings.Validator

	Daemonize bool
	PIDFile   string

	LogLevel string
	LogFile  string
	RunMode  string

	TickInterval  time.Duration
	StopSignals   []string
	ReloadSignals []string

	// WatchConfig reloads when a config file or directory changes
	WatchConfig bool
	// ServicePort serves /healthz and /metrics when set
	ServicePort string
}

// Deps are the collaborators of the controller. Zero fields get the real
// implementation
type Deps struct {
	Logger         *log.Logger
	LoadSettings   func(settings.Options) *settings.Settings
	LoadExtensions func(*settings.Settings) *extensions.Loaded
	Connectors     map[string]ConnectFunc
	// Daemonize detaches the process. It only returns nil in the detached
	// process
	Daemonize func(exit func(int)) error
	Exit      func(int)
}

// Service is the lifecycle every daemon role exposes
type Service interface {
	Start() error
	Pause()
	Resume()
	Stop()
	Run(ctx context.Context) error
}

// Controller is the single authority over the process state
type Controller struct {
	opts Options
	deps Deps
	log  *log.Logger

	mu          sync.Mutex
	state       ProcessState
	changed     chan struct{}
	initialized bool
	startTime   time.Time
	settings  *settings.Settings
	ext       *extensions.Loaded

	queue     *SignalQueue
	traps     *signalTraps
	logTraps  *logging.SignalTraps
	logFile   *logging.ReopenableFile
	watcher   *fsnotify.Watcher
	health    *http.Server
	pidFile   *PIDFile
	handlesMu sync.Mutex
	handles   map[string]connection.Handle

	done     chan struct{}
	doneOnce sync.Once
}

var _ Service = (*Controller)(nil)

func New(opts Options, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	if deps.LoadSettings == nil {
		deps.LoadSettings = settings.Load
	}
	if deps.LoadExtensions == nil {
		deps.LoadExtensions = func(s *settings.Settings) *extensions.Loaded {
			return extensions.Load(s)
		}
	}
	if deps.Connectors == nil {
		deps.Connectors = DefaultConnectors()
	}
	if deps.Daemonize == nil {
		deps.Daemonize = Daemonize
	}
	if deps.Exit == nil {
		deps.Exit = os.Exit
	}

	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if len(opts.StopSignals) == 0 {
		opts.StopSignals = DefaultStopSignals
	}
	if len(opts.ReloadSignals) == 0 {
		opts.ReloadSignals = DefaultReloadSignals
	}
	if opts.RunMode == "" {
		opts.RunMode = RunModeRelease
	}

	// the detached process runs in /
	opts.ConfigFiles = absPaths(opts.ConfigFiles)
	opts.ConfigDirs = absPaths(opts.ConfigDirs)
	if opts.PIDFile != "" {
		opts.PIDFile = absPath(opts.PIDFile)
	}
	if opts.LogFile != "" {
		opts.LogFile = absPath(opts.LogFile)
	}

	return &Controller{
		opts:    opts,
		deps:    deps,
		log:     deps.Logger,
		state:   StateInitializing,
		changed: make(chan struct{}),
		queue:   NewSignalQueue(),
		handles: map[string]connection.Handle{},
		done:    make(chan struct{}),
	}
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func absPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, absPath(p))
	}
	return out
}

// Initialize runs the startup sequence: logging, settings, extensions and
// process setup, in that order. Any fatal error exits the process with
// ExitConfig; the returned error is only seen when Deps.Exit returns
func (c *Controller) Initialize(ctx context.Context) error {
	ctx, span := tracing.Tracer().Start(ctx, "vigil.Initialize")
	defer span.End()

	c.mu.Lock()
	switch {
	case c.state == StateStopped:
		c.mu.Unlock()
		return ErrStopped
	case c.initialized:
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.startTime = time.Now()
	c.setStateLocked(StateInitializing)
	c.mu.Unlock()

	if err := c.setupLogger(); err != nil {
		logging.Log(c.log.WithError(err), log.FatalLevel, "Could not configure logging")
		return c.exitFatal(err)
	}

	if err := c.loadSettings(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.loadExtensions(ctx)

	if err := c.setupProcess(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.SetupSignalTraps()

	if c.opts.WatchConfig {
		if err := c.watchConfig(); err != nil {
			c.log.WithError(err).Error("Could not watch config for changes")
		}
	}

	if c.opts.ServicePort != "" {
		c.serveHealth()
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.log.WithFields(log.Fields{
		"role":     c.opts.Role,
		"run-mode": c.opts.RunMode,
		"version":  tracing.Version(),
	}).Info("vigil initialized")

	return nil
}

func (c *Controller) setupLogger() error {
	file, err := logging.Configure(c.log, logging.Options{
		Level: c.opts.LogLevel,
		File:  c.opts.LogFile,
		Text:  c.opts.RunMode == RunModeDebug,
	})
	if err != nil {
		return err
	}

	c.logFile = file
	c.logTraps = logging.SetupSignalTraps(c.log, file)

	return nil
}

// loadSettings loads and validates the settings. Warnings are logged,
// failures are logged as fatal and end the process
func (c *Controller) loadSettings(ctx context.Context) error {
	_, span := tracing.Tracer().Start(ctx, "vigil.LoadSettings")
	defer span.End()

	s := c.deps.LoadSettings(settings.Options{
		ConfigFiles: c.opts.ConfigFiles,
		ConfigDirs:  c.opts.ConfigDirs,
		EnvPrefix:   c.opts.EnvPrefix,
		Role:        c.opts.Role,
		PIDFile:     c.opts.PIDFile,
		Validators:  c.opts.Validators,
	})

	logging.LogConcerns(c.log, s.Warnings, log.WarnLevel, s.RedactKeys())

	failures := s.Validate()
	span.SetAttributes(
		attribute.Int("vigil.settings.warnings", len(s.Warnings)),
		attribute.Int("vigil.settings.failures", len(failures)),
	)

	if len(failures) > 0 {
		logging.LogConcerns(c.log, failures, log.FatalLevel, s.RedactKeys())
		return c.exitFatal(fmt.Errorf("settings validation failed with %d failures", len(failures)))
	}

	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()

	return nil
}

func (c *Controller) loadExtensions(ctx context.Context) {
	_, span := tracing.Tracer().Start(ctx, "vigil.LoadExtensions")
	defer span.End()

	s := c.Settings()
	loaded := c.deps.LoadExtensions(s)
	if loaded == nil {
		loaded = &extensions.Loaded{}
	}

	logging.LogConcerns(c.log, loaded.Warnings, log.WarnLevel, s.RedactKeys())

	loaded.Inject(c.log, s.Snapshot())

	for _, e := range loaded.All {
		c.log.WithFields(log.Fields{
			"extension":   e.Name(),
			"description": e.Description(),
		}).Debug("Extension loaded")
	}

	span.SetAttributes(attribute.Int("vigil.extensions", len(loaded.All)))

	c.mu.Lock()
	c.ext = loaded
	c.mu.Unlock()
}

func (c *Controller) setupProcess(ctx context.Context) error {
	_, span := tracing.Tracer().Start(ctx, "vigil.SetupProcess")
	defer span.End()

	if c.opts.Daemonize {
		if err := c.deps.Daemonize(c.deps.Exit); err != nil {
			if errors.Is(err, ErrParentExited) {
				c.stop(false)
				return err
			}
			logging.Log(c.log.WithError(err), log.FatalLevel, "Could not detach from the terminal")
			return c.exitFatal(err)
		}
	}

	if c.opts.PIDFile != "" {
		if pid, err := ReadPID(c.opts.PIDFile); err == nil && pid != os.Getpid() {
			if running, name := ProcessRunning(pid); running {
				c.log.WithFields(log.Fields{
					"pid":     pid,
					"process": name,
					"file":    c.opts.PIDFile,
				}).Warn("PID file names a running process")
			}
		}

		f, err := WritePID(c.opts.PIDFile)
		if err != nil {
			logging.Log(c.log.WithError(err).WithField("file", c.opts.PIDFile), log.FatalLevel, "Could not write PID file")
			return c.exitFatal(err)
		}

		c.mu.Lock()
		c.pidFile = f
		c.mu.Unlock()
	}

	return nil
}

// exitFatal logs the final fatal message and exits with ExitConfig
func (c *Controller) exitFatal(err error) error {
	logging.Log(log.NewEntry(c.log), log.FatalLevel, NotRunning)
	tracing.CaptureFatal(err)

	c.stop(false)
	c.deps.Exit(ExitConfig)

	return &ExitError{Code: ExitConfig, Err: err}
}

// setStateLocked changes the state and wakes everything waiting on a
// change. c.mu must be held
func (c *Controller) setStateLocked(s ProcessState) {
	if c.state == s {
		return
	}

	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})

	processState.Set(float64(s))
}

// transition moves to `to` when the current state is one of `from`
func (c *Controller) transition(to ProcessState, from ...ProcessState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range from {
		if c.state == f {
			c.setStateLocked(to)
			return true
		}
	}
	return false
}

// Start moves to Running. Roles call it once their own setup is done
func (c *Controller) Start() error {
	c.mu.Lock()
	state, initialized := c.state, c.initialized
	c.mu.Unlock()

	switch {
	case state == StateStopped:
		return ErrStopped
	case !initialized:
		return ErrNotInitialized
	}

	if c.transition(StateRunning, StateInitializing, StatePaused) {
		c.log.Info("vigil running")
	}
	return nil
}

// Pause moves from Running to Paused. Pausing again does nothing
func (c *Controller) Pause() {
	if c.transition(StatePaused, StateRunning) {
		c.log.Debug("vigil paused")
	}
}

// Resume moves from Paused to Running. Resuming while Running does nothing
func (c *Controller) Resume() {
	if c.transition(StateRunning, StatePaused) {
		c.log.Debug("vigil resumed")
	}
}

// Stop moves to Stopped for good and releases everything the controller
// holds. Connections are closed in parallel before the PID file is removed
func (c *Controller) Stop() {
	c.stop(true)
}

func (c *Controller) stop(warn bool) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateStopped)
	pidFile := c.pidFile
	c.pidFile = nil
	watcher, health := c.watcher, c.health
	c.mu.Unlock()

	if warn {
		c.log.Warn("Stopping vigil")
	}

	c.stopSignalTraps()
	c.logTraps.Stop()

	if watcher != nil {
		_ = watcher.Close()
	}

	if err := c.closeHandles(); err != nil {
		c.log.WithError(err).Error("Error closing connections")
	}

	if pidFile != nil {
		if err := pidFile.Remove(); err != nil {
			c.log.WithError(err).Error("Could not remove PID file")
		}
	}

	if health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = health.Shutdown(ctx)
		cancel()
	}

	c.doneOnce.Do(func() { close(c.done) })
}

// Run dispatches pending signals every tick until the controller stops.
// Cancelling ctx stops the controller
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Tick(ctx)
		case <-ctx.Done():
			c.Stop()
			return nil
		case <-c.done:
			return nil
		}
	}
}

// Reload pauses, loads and validates the settings again, then resumes.
// Process and extension setup are not repeated. Failing validation ends
// the process like it does at startup. If the daemon was already paused,
// for example by a reconnecting connection, it is left paused
func (c *Controller) Reload(ctx context.Context) error {
	ctx, span := tracing.Tracer().Start(ctx, "vigil.Reload")
	defer span.End()

	if c.State() == StateStopped {
		return ErrStopped
	}

	wasRunning := c.State() == StateRunning
	c.Pause()

	if err := c.loadSettings(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.log.Info("Settings reloaded")

	if wasRunning {
		c.Resume()
	}

	return nil
}

// LogConcerns logs each concern at level with sensitive fields redacted
func (c *Controller) LogConcerns(concerns []logging.Concern, level log.Level) {
	logging.LogConcerns(c.log, concerns, level, c.Settings().RedactKeys())
}

func (c *Controller) State() ProcessState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) StartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}

// Settings returns the settings loaded last, nil before Initialize
func (c *Controller) Settings() *settings.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Extensions returns the loaded extensions, nil before Initialize
func (c *Controller) Extensions() *extensions.Loaded {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ext
}

func (c *Controller) Logger() *log.Logger {
	return c.log
}

func (c *Controller) RunMode() string {
	return c.opts.RunMode
}

// Done is closed once the controller has stopped
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// WaitRunning blocks while the daemon is not Running. It returns
// ErrStopped once stopped and ctx.Err() if ctx ends first
func (c *Controller) WaitRunning(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()

		switch state {
		case StateRunning:
			return nil
		case StateStopped:
			return ErrStopped
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
