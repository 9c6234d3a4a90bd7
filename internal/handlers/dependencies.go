package handlers

import (
	"github.com/m0rjc/WatchBridge/internal/bridge"
	"github.com/m0rjc/WatchBridge/internal/config"
	"github.com/m0rjc/WatchBridge/internal/db"
	"github.com/m0rjc/WatchBridge/internal/types"
)

// LinkStatus is the read-only view of the bridge the handlers need.
type LinkStatus interface {
	State() bridge.State
	Stats() bridge.Stats
	Endpoint() types.Endpoint
}

// LocalStatus reports whether a local device is attached.
type LocalStatus interface {
	IsConnected() bool
}

type Dependencies struct {
	Config *config.Config
	Conns  *db.Connections
	Link   LinkStatus
	Local  LocalStatus // nil when the local side is the Redis bus
}
