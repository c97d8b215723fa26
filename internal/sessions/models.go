// Package sessions holds the Session and Hit records produced by the
// ingestion pipeline. Sessions group one visitor's continuous engagement
// with a service; hits are the page views and heartbeats within it.
package sessions

import (
	"time"

	"crena/internal/services"
)

// DeviceType is the closed device classification of a session.
type DeviceType string

const (
	DevicePhone   DeviceType = "PHONE"
	DeviceTablet  DeviceType = "TABLET"
	DeviceDesktop DeviceType = "DESKTOP"
	DeviceRobot   DeviceType = "ROBOT"
	DeviceOther   DeviceType = "OTHER"
)

// Tracker identifies which collection mechanism produced a hit.
type Tracker string

const (
	TrackerScript Tracker = "JS"
	TrackerPixel  Tracker = "PIXEL"
)

// Session is one visitor's continuous interaction window with a service.
// The IP is withheld (nil) when the service disables collection or the
// global block-all-IPs flag is set.
type Session struct {
	ID         uint   `gorm:"primaryKey"`
	UUID       string `gorm:"uniqueIndex;not null"`
	ServiceID  uint   `gorm:"index:idx_sessions_service_start;index:idx_sessions_service_last_seen;not null"`
	Identifier string `gorm:"index"`

	StartTime time.Time `gorm:"index:idx_sessions_service_start;not null"`
	LastSeen  time.Time `gorm:"index:idx_sessions_service_last_seen;not null"`

	UserAgent  string
	Browser    string
	Device     string
	DeviceType DeviceType `gorm:"size:7;default:'OTHER'"`
	OS         string
	IP         *string `gorm:"index"`

	ASN       string
	Country   string
	Longitude *float64
	Latitude  *float64
	TimeZone  string `gorm:"size:100;index"`

	IsBounce bool `gorm:"default:false"`

	Service services.Service `gorm:"foreignKey:ServiceID"`
}

// Duration is the elapsed time between the session's first and latest hit.
func (s *Session) Duration() time.Duration {
	return s.LastSeen.Sub(s.StartTime)
}

// IsCurrentlyActive reports whether the session was seen within the
// active-user threshold of now.
func (s *Session) IsCurrentlyActive(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.LastSeen) < threshold
}

// Hit is one recorded page view within a session. Repeat heartbeat
// submissions mutate the same record instead of creating new ones.
type Hit struct {
	ID        uint `gorm:"primaryKey"`
	SessionID uint `gorm:"index:idx_hits_session_start;not null"`
	ServiceID uint `gorm:"index:idx_hits_service_start;not null"`

	Initial bool `gorm:"index;default:false"`

	StartTime  time.Time `gorm:"index:idx_hits_session_start;index:idx_hits_service_start;not null"`
	LastSeen   time.Time `gorm:"not null"`
	Heartbeats int       `gorm:"default:0"`
	Tracker    Tracker   `gorm:"size:10;default:'JS'"`

	Location string `gorm:"index"`
	Referrer string `gorm:"index"`
	LoadTime *float64

	Session Session          `gorm:"foreignKey:SessionID"`
	Service services.Service `gorm:"foreignKey:ServiceID"`
}

// Duration is the elapsed time the page view stayed open.
func (h *Hit) Duration() time.Duration {
	return h.LastSeen.Sub(h.StartTime)
}
