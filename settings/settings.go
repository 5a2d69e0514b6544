// Package settings loads the daemon configuration from config files, config
// directories and the environment. Loading never fails outright: problems
// are reported as warnings, or as failures from Validate, so that the daemon
// can log every one of them before deciding whether to exit.
package settings

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/overmindtech/vigil/connection"
	"github.com/overmindtech/vigil/datastore"
	"github.com/overmindtech/vigil/logging"
	"github.com/overmindtech/vigil/transport"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

// DefaultEnvPrefix is used when Options.EnvPrefix is empty
const DefaultEnvPrefix = "VIGIL"

// Groups that hold connection settings
const (
	TransportGroup = "transport"
	DataStoreGroup = "datastore"
)

// Roles that change what Validate checks
const (
	RoleClient = "client"
	RoleServer = "server"
)

// DefaultKeepaliveInterval is how often a client publishes a keepalive
const DefaultKeepaliveInterval = 20 * time.Second

// DefaultQueueGroup spreads keepalives over every running server
const DefaultQueueGroup = "vigil-servers"

var knownKeys = []string{
	"client",
	"datastore",
	"extensions",
	"redact",
	"server",
	"transport",
}

var configExtensions = []string{".json", ".yaml", ".yml"}

// Options controls where settings are loaded from
type Options struct {
	// ConfigFiles are read in order, later files override earlier ones
	ConfigFiles []string
	// ConfigDirs are scanned for *.json, *.yaml and *.yml files which are
	// merged in lexical order after ConfigFiles
	ConfigDirs []string
	// EnvPrefix for environment overrides, VIGIL_TRANSPORT_NAME sets
	// transport.name
	EnvPrefix string
	// Role enables role specific validation
	Role string
	// PIDFile is checked by Validate when set
	PIDFile string
	// Validators add checks to Validate
	Validators []Validator
}

// Validator is an additional validation rule
type Validator func(s *Settings) []logging.Concern

// Settings is an immutable view of the loaded configuration
type Settings struct {
	// Warnings are problems that do not stop the daemon
	Warnings []logging.Concern

	opts     Options
	v        *viper.Viper
	all      map[string]any
	failures []logging.Concern
}

// Load reads the settings described by opts. Each call uses a fresh viper
// instance so reloads never see stale values
func Load(opts Options) *Settings {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = DefaultEnvPrefix
	}

	s := &Settings{
		opts: opts,
		v:    viper.New(),
	}

	setDefaults(s.v)

	s.v.SetEnvPrefix(opts.EnvPrefix)
	s.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	s.v.AutomaticEnv()

	for _, f := range opts.ConfigFiles {
		s.mergeFile(f, true)
	}

	for _, d := range opts.ConfigDirs {
		s.mergeDir(d)
	}

	s.all = s.v.AllSettings()
	s.warnUnknownKeys()

	return s
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()

	v.SetDefault("transport.name", transport.Name)
	v.SetDefault("transport.reconnect_on_error", true)
	v.SetDefault("transport.nats.servers", []string{"nats://127.0.0.1:4222"})

	v.SetDefault("datastore.name", datastore.NATSKVName)
	v.SetDefault("datastore.reconnect_on_error", true)
	v.SetDefault("datastore.nats-kv.servers", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("datastore.nats-kv.bucket", datastore.DefaultBucket)

	v.SetDefault("client.name", hostname)
	v.SetDefault("client.keepalive_interval", DefaultKeepaliveInterval.String())
	v.SetDefault("client.subscriptions", []string{})

	v.SetDefault("server.queue_group", DefaultQueueGroup)

	v.SetDefault("extensions.enabled", []string{})
	v.SetDefault("redact", logging.DefaultRedactKeys)
}

// mergeFile merges one config file. A missing file is a warning when
// optional, anything else that prevents parsing is a failure
func (s *Settings) mergeFile(path string, optional bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			s.Warnings = append(s.Warnings, logging.NewConcern("config file does not exist", "file", path))
			return
		}
		s.failures = append(s.failures, logging.NewConcern("could not read config file", "file", path, "error", err.Error()))
		return
	}

	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" || ext == "yml" {
		ext = "yaml"
	}

	s.v.SetConfigType(ext)
	if err := s.v.MergeConfig(bytes.NewReader(data)); err != nil {
		s.failures = append(s.failures, logging.NewConcern("could not parse config file", "file", path, "error", err.Error()))
	}
}

func (s *Settings) mergeDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.Warnings = append(s.Warnings, logging.NewConcern("could not read config directory", "directory", dir, "error", err.Error()))
		return
	}

	// ReadDir already sorts by name
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(configExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		if _, err := os.Stat(path); err != nil {
			s.Warnings = append(s.Warnings, logging.NewConcern("could not read config directory entry", "file", path, "error", err.Error()))
			continue
		}

		s.mergeFile(path, false)
	}
}

func (s *Settings) warnUnknownKeys() {
	keys := make([]string, 0, len(s.all))
	for k := range s.all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !slices.Contains(knownKeys, k) {
			s.Warnings = append(s.Warnings, logging.NewConcern("unknown setting", "key", k))
		}
	}
}

// Validate returns every validation failure. An empty result means the
// settings can be used
func (s *Settings) Validate() []logging.Concern {
	failures := slices.Clone(s.failures)

	failures = append(failures, s.validateConnection(TransportGroup, func(name string, opts map[string]any) error {
		if name != transport.Name {
			return fmt.Errorf("%w: %q", transport.ErrUnknownTransport, name)
		}
		return transport.ValidateOptions(opts)
	})...)

	failures = append(failures, s.validateConnection(DataStoreGroup, datastore.ValidateOptions)...)

	if s.opts.Role == RoleClient {
		if strings.TrimSpace(s.String("client.name")) == "" {
			failures = append(failures, logging.NewConcern("client name must be set", "field", "client.name"))
		}

		raw := s.String("client.keepalive_interval")
		d, err := time.ParseDuration(raw)
		switch {
		case err != nil:
			failures = append(failures, logging.NewConcern("invalid keepalive interval", "field", "client.keepalive_interval", "value", raw, "error", err.Error()))
		case d <= 0:
			failures = append(failures, logging.NewConcern("keepalive interval must be positive", "field", "client.keepalive_interval", "value", raw))
		}
	}

	if s.opts.PIDFile != "" {
		dir := filepath.Dir(s.opts.PIDFile)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			failures = append(failures, logging.NewConcern("PID file directory does not exist", "field", "pid_file", "directory", dir))
		}
	}

	for _, v := range s.opts.Validators {
		failures = append(failures, v(s)...)
	}

	return failures
}

func (s *Settings) validateConnection(group string, check func(string, map[string]any) error) []logging.Concern {
	var failures []logging.Concern

	g := s.Group(group)
	if g == nil {
		return []logging.Concern{logging.NewConcern("missing settings group", "field", group)}
	}

	if _, err := toBool(g["reconnect_on_error"]); err != nil {
		failures = append(failures, logging.NewConcern("reconnect_on_error must be a boolean",
			"field", group+".reconnect_on_error",
			"value", g["reconnect_on_error"],
		))
	}

	c := s.Connection(group)
	if err := check(c.Name, c.Options); err != nil {
		failures = append(failures, logging.NewConcern(fmt.Sprintf("invalid %v settings", group),
			"field", group,
			"settings", c.Fields(),
			"error", err.Error(),
		))
	}

	return failures
}

// Group returns a copy of a top level settings group, or nil if it is not
// set or not a group
func (s *Settings) Group(name string) map[string]any {
	g, ok := s.all[strings.ToLower(name)].(map[string]any)
	if !ok {
		return nil
	}
	return deepCopy(g)
}

// Connection reads the connection settings in a group. The implementation
// options live in a sub-group named after the implementation, so
//
//	transport:
//	  name: nats
//	  reconnect_on_error: true
//	  nats:
//	    servers: [nats://127.0.0.1:4222]
func (s *Settings) Connection(group string) connection.Settings {
	g := s.Group(group)

	c := connection.Settings{}
	if g == nil {
		return c
	}

	c.Name, _ = g["name"].(string)
	c.ReconnectOnError, _ = toBool(g["reconnect_on_error"])

	if opts, ok := g[strings.ToLower(c.Name)].(map[string]any); ok {
		c.Options = opts
	} else {
		c.Options = map[string]any{}
	}

	return c
}

// String returns a dotted key as a string
func (s *Settings) String(key string) string {
	return s.v.GetString(key)
}

// Duration returns a dotted key as a duration, or def when it is unset or
// invalid
func (s *Settings) Duration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s.v.GetString(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// StringSlice returns a dotted key as a list of strings
func (s *Settings) StringSlice(key string) []string {
	return s.v.GetStringSlice(key)
}

// Bool returns a dotted key as a boolean
func (s *Settings) Bool(key string) bool {
	return s.v.GetBool(key)
}

// RedactKeys are the field name patterns that must be redacted before
// logging
func (s *Settings) RedactKeys() []string {
	if s == nil {
		return logging.DefaultRedactKeys
	}

	keys := s.v.GetStringSlice("redact")
	if len(keys) == 0 {
		return logging.DefaultRedactKeys
	}
	return keys
}

// Snapshot returns a deep copy of every setting, safe to hand to
// extensions
func (s *Settings) Snapshot() map[string]any {
	return deepCopy(s.all)
}

// Redacted returns a snapshot with every sensitive value replaced
func (s *Settings) Redacted() map[string]any {
	return logging.Redact(s.all, s.RedactKeys())
}

// YAML renders the redacted settings
func (s *Settings) YAML() ([]byte, error) {
	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(s.Redacted()); err != nil {
		return nil, fmt.Errorf("could not encode settings: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean: %v", v)
	}
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}
