package transport

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/overmindtech/vigil/connection"
	log "github.com/sirupsen/logrus"
)

// Defaults
const MaxReconnectsDefault = -1
const ReconnectWaitDefault = 1 * time.Second
const ReconnectJitterDefault = 1 * time.Second
const ConnectionTimeoutDefault = 10 * time.Second
const RetryDelayDefault = 1 * time.Second
const MaxRetryDelay = 30 * time.Second
const WatchIntervalDefault = 3 * time.Second

// Options are the NATS specific transport settings, decoded from the
// `transport.nats` settings group
type Options struct {
	Servers           []string      `mapstructure:"servers"`            // List of server to connect to
	ConnectionName    string        `mapstructure:"connection_name"`    // The client name
	MaxReconnects     int           `mapstructure:"max_reconnects"`     // The maximum number of reconnect attempts, -1 for no limit
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"` // The timeout for Dial on a connection
	ReconnectWait     time.Duration `mapstructure:"reconnect_wait"`     // Wait time between reconnect attempts
	ReconnectJitter   time.Duration `mapstructure:"reconnect_jitter"`   // The upper bound of a random delay added ReconnectWait
	Retries           int           `mapstructure:"retries"`            // How many times to retry connecting initially, use -1 to retry indefinitely
	RetryDelay        time.Duration `mapstructure:"retry_delay"`        // Initial delay between connection attempts, grows exponentially

	// ReconnectTimeout is how long the connection may stay in the
	// reconnecting state before it is reported as an error. Zero disables
	// the check
	ReconnectTimeout time.Duration `mapstructure:"reconnect_timeout"`
	// WatchInterval is how often the connection status is checked
	WatchInterval time.Duration `mapstructure:"watch_interval"`

	Token    string `mapstructure:"token"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	// AdditionalOptions are passed to nats.Connect after everything else.
	// They cannot be set from settings
	AdditionalOptions []nats.Option `mapstructure:"-"`
}

// ValidateOptions checks that opts decode into Options
func ValidateOptions(opts map[string]any) error {
	var o Options
	return connection.DecodeOptions(opts, &o)
}

// tries converts Retries into a number of attempts for backoff.Retry, where
// zero means no limit
func (o Options) tries() uint {
	if o.Retries < 0 {
		return 0
	}
	return uint(o.Retries) + 1 //nolint:gosec // Retries is checked to be positive
}

func (o Options) serverString() string {
	if len(o.Servers) == 0 {
		return nats.DefaultURL
	}
	return strings.Join(o.Servers, ",")
}

// toNatsOptions converts the struct to a set of NATS options, the handlers
// are supplied by the connection that owns them
func (o Options) toNatsOptions(h handlers) []nats.Option {
	options := []nats.Option{}

	if o.ConnectionName != "" {
		options = append(options, nats.Name(o.ConnectionName))
	}

	if o.MaxReconnects != 0 {
		options = append(options, nats.MaxReconnects(o.MaxReconnects))
	} else {
		options = append(options, nats.MaxReconnects(MaxReconnectsDefault))
	}

	if o.ConnectionTimeout != 0 {
		options = append(options, nats.Timeout(o.ConnectionTimeout))
	} else {
		options = append(options, nats.Timeout(ConnectionTimeoutDefault))
	}

	if o.ReconnectWait != 0 {
		options = append(options, nats.ReconnectWait(o.ReconnectWait))
	} else {
		options = append(options, nats.ReconnectWait(ReconnectWaitDefault))
	}

	if o.ReconnectJitter != 0 {
		options = append(options, nats.ReconnectJitter(o.ReconnectJitter, o.ReconnectJitter))
	} else {
		options = append(options, nats.ReconnectJitter(ReconnectJitterDefault, ReconnectJitterDefault))
	}

	switch {
	case o.Token != "":
		options = append(options, nats.Token(o.Token))
	case o.User != "":
		options = append(options, nats.UserInfo(o.User, o.Password))
	}

	options = append(options,
		nats.ConnectHandler(h.connect),
		nats.DisconnectErrHandler(h.disconnect),
		nats.ReconnectHandler(h.reconnect),
		nats.ClosedHandler(h.closed),
		nats.LameDuckModeHandler(h.lameDuck),
		nats.ErrorHandler(h.error),
	)

	options = append(options, o.AdditionalOptions...)

	return options
}

type handlers struct {
	connect    nats.ConnHandler
	disconnect nats.ConnErrHandler
	reconnect  nats.ConnHandler
	closed     nats.ConnHandler
	lameDuck   nats.ConnHandler
	error      nats.ErrHandler
}

func fieldsFromConn(c *nats.Conn) log.Fields {
	fields := log.Fields{}

	if c != nil {
		fields["vigil.nats.address"] = c.ConnectedAddr()
		fields["vigil.nats.reconnects"] = c.Reconnects
		fields["vigil.nats.serverId"] = c.ConnectedServerId()
		fields["vigil.nats.url"] = c.ConnectedUrl()

		if c.LastError() != nil {
			fields["vigil.nats.lastError"] = c.LastError()
		}
	}

	return fields
}
