package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"crena/internal/cache"
	"crena/internal/enrich"
	"crena/internal/services"
	"crena/internal/sessions"
)

// SessionResolver finds or creates the session for an association key.
// The key-to-session cache is best-effort: the store is authoritative, and
// a cache entry pointing at a vanished session falls back to creation.
type SessionResolver struct {
	cache       cache.Store
	sessionTTL  time.Duration
	blockAllIPs bool
	logger      *slog.Logger
}

// NewSessionResolver creates a SessionResolver.
func NewSessionResolver(store cache.Store, sessionTTL time.Duration, blockAllIPs bool, logger *slog.Logger) *SessionResolver {
	return &SessionResolver{
		cache:       store,
		sessionTTL:  sessionTTL,
		blockAllIPs: blockAllIPs,
		logger:      logger,
	}
}

// Resolve returns the session for key, creating one when no usable match
// exists. isNew reports the creation path; ignored reports that session
// creation was aborted because the client classified as a robot and the
// service ignores robots.
func (r *SessionResolver) Resolve(
	ctx context.Context,
	db *gorm.DB,
	svc *services.Service,
	key string,
	now time.Time,
	enriched enrich.Result,
	clientIP, userAgent, identifier string,
) (session *sessions.Session, isNew bool, ignored bool, err error) {
	// Namespaced per service: one visitor browsing two tracked services
	// must keep an independent session on each.
	cacheKey := cache.SessionAssociationPrefix + svc.UUID + ":" + key

	if matched, err := r.lookupExisting(ctx, db, svc, cacheKey); err != nil {
		return nil, false, false, err
	} else if matched != nil {
		if err := r.touchExisting(db, matched, now, identifier); err != nil {
			return nil, false, false, err
		}
		if err := r.cache.Refresh(ctx, cacheKey, r.sessionTTL); err != nil {
			r.logger.Warn("Failed to refresh session cache entry", slog.Any("error", err))
		}
		return matched, false, false, nil
	}

	if enriched.DeviceType == sessions.DeviceRobot && svc.IgnoreRobots {
		return nil, false, true, nil
	}

	created, err := r.createSession(db, svc, now, enriched, clientIP, userAgent, identifier)
	if err != nil {
		return nil, false, false, err
	}

	err = r.cache.Set(ctx, cacheKey, strconv.FormatUint(uint64(created.ID), 10), r.sessionTTL)
	if err != nil {
		// Best-effort: a lost entry only means future events within the TTL
		// window start a fresh session.
		r.logger.Warn("Failed to cache session association", slog.Any("error", err))
	}

	return created, true, false, nil
}

// lookupExisting resolves the cached session id, tolerating cache/store
// divergence: a stale id yields nil so the caller falls back to creation.
func (r *SessionResolver) lookupExisting(ctx context.Context, db *gorm.DB, svc *services.Service, cacheKey string) (*sessions.Session, error) {
	cached, ok, err := r.cache.Get(ctx, cacheKey)
	if err != nil {
		r.logger.Warn("Session cache lookup failed", slog.Any("error", err))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	sessionID, err := strconv.ParseUint(cached, 10, 64)
	if err != nil {
		r.logger.Warn("Discarding unparseable session cache entry",
			slog.String("value", cached))
		return nil, nil
	}

	session, found, err := sessions.GetByID(db, svc.ID, uint(sessionID))
	if err != nil {
		return nil, err
	}
	if !found {
		r.logger.Debug("Cached session no longer exists, creating a new one",
			slog.Uint64("session_id", sessionID),
			slog.String("service", svc.UUID))
		return nil, nil
	}
	return session, nil
}

// touchExisting bumps last-seen and backfills the identifier, only when the
// stored session has none and the incoming one is non-empty. last-seen only
// moves forward: an event delivered late must not rewind it below start_time.
func (r *SessionResolver) touchExisting(db *gorm.DB, session *sessions.Session, now time.Time, identifier string) error {
	updates := map[string]interface{}{}
	if now.After(session.LastSeen) {
		updates["last_seen"] = now
	}
	if session.Identifier == "" && identifier != "" {
		updates["identifier"] = identifier
	}
	if len(updates) == 0 {
		return nil
	}

	err := sqlite.PerformWrite(r.logger, db, func(tx *gorm.DB) error {
		return tx.Model(session).Updates(updates).Error
	})
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if _, ok := updates["last_seen"]; ok {
		session.LastSeen = now
	}
	if v, ok := updates["identifier"]; ok {
		session.Identifier = v.(string)
	}
	return nil
}

func (r *SessionResolver) createSession(
	db *gorm.DB,
	svc *services.Service,
	now time.Time,
	enriched enrich.Result,
	clientIP, userAgent, identifier string,
) (*sessions.Session, error) {
	var ip *string
	if svc.CollectIPs && !r.blockAllIPs && clientIP != "" {
		ip = &clientIP
	}

	session := &sessions.Session{
		UUID:       uuid.NewString(),
		ServiceID:  svc.ID,
		Identifier: identifier,
		StartTime:  now,
		LastSeen:   now,
		UserAgent:  userAgent,
		Browser:    enriched.Browser,
		Device:     enriched.Device,
		DeviceType: enriched.DeviceType,
		OS:         enriched.OS,
		IP:         ip,
		ASN:        enriched.Location.ASN,
		Country:    enriched.Location.Country,
		Longitude:  enriched.Location.Longitude,
		Latitude:   enriched.Location.Latitude,
		TimeZone:   enriched.Location.TimeZone,
	}

	err := sqlite.PerformWrite(r.logger, db, func(tx *gorm.DB) error {
		return tx.Create(session).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}
