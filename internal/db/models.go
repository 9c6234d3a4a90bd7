package db

import (
	"time"

	"gorm.io/gorm"
)

// LinkSession records one period during which the bridge held a live peer
// link. It carries lifecycle metadata and counters only; message payloads
// are never stored.
type LinkSession struct {
	ID uint `gorm:"primaryKey;column:id"`

	// PeerURI is the redacted peer URI the session connected to.
	PeerURI string `gorm:"column:peer_uri;type:varchar(512);not null;index"`

	// Subprotocol is the label offered during the WebSocket handshake.
	Subprotocol string `gorm:"column:subprotocol;type:varchar(64)"`

	// InstanceID identifies the bridge process that held the link.
	InstanceID string `gorm:"column:instance_id;type:varchar(255);not null"`

	// Generation is the bridge's connection counter at the time of connect.
	// It is unique per process run, not globally.
	Generation uint64 `gorm:"column:generation;not null"`

	ConnectedAt time.Time `gorm:"column:connected_at;not null;index"`

	// DisconnectedAt is nil while the session is still open, or if the
	// process died before recording the close.
	DisconnectedAt *time.Time `gorm:"column:disconnected_at"`

	// CloseReason is a short description: "transport error: ...", "stopped", etc.
	CloseReason string `gorm:"column:close_reason;type:text"`

	FramesIn        int64 `gorm:"column:frames_in;default:0"`
	FramesOut       int64 `gorm:"column:frames_out;default:0"`
	FramesDropped   int64 `gorm:"column:frames_dropped;default:0"`
	FramesMalformed int64 `gorm:"column:frames_malformed;default:0"`
}

func (LinkSession) TableName() string {
	return "link_sessions"
}

// AutoMigrate creates or updates the audit tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&LinkSession{})
}
