package sessions

import (
	"fmt"

	"gorm.io/gorm"
)

// GetByID retrieves a session by primary key, scoped to a service. Cache
// entries can outlive their sessions, so a missing record is reported via
// found=false rather than an error.
func GetByID(db *gorm.DB, serviceID, sessionID uint) (*Session, bool, error) {
	var session Session
	err := db.Where("id = ? AND service_id = ?", sessionID, serviceID).First(&session).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("unexpected error querying session: %w", err)
	}
	return &session, true, nil
}

// GetHitByID retrieves a hit by primary key.
func GetHitByID(db *gorm.DB, hitID uint) (*Hit, bool, error) {
	var hit Hit
	err := db.Where("id = ?", hitID).First(&hit).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("unexpected error querying hit: %w", err)
	}
	return &hit, true, nil
}

// CountHits returns the number of hits recorded for a session.
func CountHits(db *gorm.DB, sessionID uint) (int64, error) {
	var count int64
	err := db.Model(&Hit{}).Where("session_id = ?", sessionID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count hits: %w", err)
	}
	return count, nil
}
