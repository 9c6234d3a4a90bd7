package linksession

import (
	"errors"
	"time"

	"github.com/m0rjc/WatchBridge/internal/db"
	"gorm.io/gorm"
)

// Create inserts a new session record
func Create(conns *db.Connections, session *db.LinkSession) error {
	return conns.DB.Create(session).Error
}

// Counters are the per-session relay counts written on close.
type Counters struct {
	FramesIn        int64
	FramesOut       int64
	FramesDropped   int64
	FramesMalformed int64
}

// MarkClosed records the end of a session. Closing an already closed session
// is a no-op.
func MarkClosed(conns *db.Connections, id uint, at time.Time, reason string, c Counters) error {
	return conns.DB.Model(&db.LinkSession{}).
		Where("id = ? AND disconnected_at IS NULL", id).
		Updates(map[string]interface{}{
			"disconnected_at":  at,
			"close_reason":     reason,
			"frames_in":        c.FramesIn,
			"frames_out":       c.FramesOut,
			"frames_dropped":   c.FramesDropped,
			"frames_malformed": c.FramesMalformed,
		}).Error
}

// CloseOpenForInstance closes every session an instance left open. The
// recorder calls it when it starts and when it closes, so crashed runs do not
// look connected forever.
func CloseOpenForInstance(conns *db.Connections, instanceID string, at time.Time, reason string) (int64, error) {
	result := conns.DB.Model(&db.LinkSession{}).
		Where("instance_id = ? AND disconnected_at IS NULL", instanceID).
		Updates(map[string]interface{}{
			"disconnected_at": at,
			"close_reason":    reason,
		})
	return result.RowsAffected, result.Error
}

// FindByID returns the session with the given id, or nil if none exists
func FindByID(conns *db.Connections, id uint) (*db.LinkSession, error) {
	var record db.LinkSession
	err := conns.DB.First(&record, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// ListRecent returns up to limit sessions, newest first
func ListRecent(conns *db.Connections, limit int) ([]db.LinkSession, error) {
	var records []db.LinkSession
	err := conns.DB.Order("connected_at DESC").Order("id DESC").Limit(limit).Find(&records).Error
	return records, err
}

// DeleteOlderThan removes sessions that ended before cutoff. Open sessions
// are kept regardless of age.
func DeleteOlderThan(conns *db.Connections, cutoff time.Time) (int64, error) {
	result := conns.DB.
		Where("disconnected_at IS NOT NULL AND disconnected_at < ?", cutoff).
		Delete(&db.LinkSession{})
	return result.RowsAffected, result.Error
}
