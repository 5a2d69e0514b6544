package extensions

import (
	log "github.com/sirupsen/logrus"
)

// DebugName is the name of the built-in debug extension
const DebugName = "debug"

// Debug logs every keepalive the server receives
type Debug struct {
	Base
}

func NewDebug() Extension {
	return &Debug{
		Base: Base{
			ExtensionName:        DebugName,
			ExtensionDescription: "logs received keepalives at debug level",
		},
	}
}

func (d *Debug) ObserveKeepalive(k Keepalive) {
	d.Logger().WithFields(log.Fields{
		"client":        k.Name,
		"id":            k.ID,
		"timestamp":     k.Timestamp,
		"version":       k.Version,
		"subscriptions": k.Subscriptions,
	}).Debug("Keepalive received")
}

func init() {
	if err := Register(DebugName, NewDebug); err != nil {
		panic(err)
	}
}
