package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"crena/internal/cache"
	"crena/internal/services"
	"crena/internal/sessions"
)

// Payload is the optional structured part of a tracking event.
type Payload struct {
	Location    string
	Referrer    string
	LoadTime    *float64
	Idempotency string
}

// HitRecorder creates hits and collapses heartbeat retries onto the
// existing record via the idempotency-token cache.
type HitRecorder struct {
	cache  cache.Store
	hitTTL time.Duration
	logger *slog.Logger
}

// NewHitRecorder creates a HitRecorder.
func NewHitRecorder(store cache.Store, hitTTL time.Duration, logger *slog.Logger) *HitRecorder {
	return &HitRecorder{cache: store, hitTTL: hitTTL, logger: logger}
}

// Record creates a hit for the resolved session, or registers a heartbeat
// on the existing hit when the payload's idempotency token is known.
// heartbeat reports which path was taken.
func (r *HitRecorder) Record(
	ctx context.Context,
	db *gorm.DB,
	svc *services.Service,
	session *sessions.Session,
	isNewSession bool,
	tracker sessions.Tracker,
	payload Payload,
	referrerHeader string,
	now time.Time,
) (hit *sessions.Hit, heartbeat bool, err error) {
	var cacheKey string
	if payload.Idempotency != "" {
		cacheKey = cache.HitIdempotencyPrefix + svc.UUID + ":" + payload.Idempotency

		if existing, err := r.lookupHeartbeat(ctx, db, session, cacheKey); err != nil {
			return nil, false, err
		} else if existing != nil {
			if err := r.beat(db, existing, now); err != nil {
				return nil, false, err
			}
			if err := r.cache.Refresh(ctx, cacheKey, r.hitTTL); err != nil {
				r.logger.Warn("Failed to refresh hit cache entry", slog.Any("error", err))
			}
			return existing, true, nil
		}
	}

	location := payload.Location
	if location == "" {
		location = referrerHeader
	}

	var loadTime *float64
	if payload.LoadTime != nil && *payload.LoadTime > 0 {
		loadTime = payload.LoadTime
	}

	hit = &sessions.Hit{
		SessionID:  session.ID,
		ServiceID:  svc.ID,
		Initial:    isNewSession,
		StartTime:  now,
		LastSeen:   now,
		Heartbeats: 0,
		Tracker:    tracker,
		Location:   location,
		Referrer:   payload.Referrer,
		LoadTime:   loadTime,
	}

	err = sqlite.PerformWrite(r.logger, db, func(tx *gorm.DB) error {
		return tx.Create(hit).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create hit: %w", err)
	}

	if cacheKey != "" {
		err := r.cache.Set(ctx, cacheKey, strconv.FormatUint(uint64(hit.ID), 10), r.hitTTL)
		if err != nil {
			r.logger.Warn("Failed to cache hit idempotency token", slog.Any("error", err))
		}
	}

	if err := r.recalculateBounce(db, session); err != nil {
		return nil, false, err
	}

	return hit, false, nil
}

// lookupHeartbeat returns the cached hit for an idempotency token when it
// still belongs to the session; anything else falls through to creation.
func (r *HitRecorder) lookupHeartbeat(ctx context.Context, db *gorm.DB, session *sessions.Session, cacheKey string) (*sessions.Hit, error) {
	cached, ok, err := r.cache.Get(ctx, cacheKey)
	if err != nil {
		r.logger.Warn("Hit cache lookup failed", slog.Any("error", err))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	hitID, err := strconv.ParseUint(cached, 10, 64)
	if err != nil {
		r.logger.Warn("Discarding unparseable hit cache entry", slog.String("value", cached))
		return nil, nil
	}

	hit, found, err := sessions.GetHitByID(db, uint(hitID))
	if err != nil {
		return nil, err
	}
	if !found || hit.SessionID != session.ID {
		return nil, nil
	}
	return hit, nil
}

// beat registers a heartbeat: the counter goes up and last-seen moves
// forward, nothing else changes. A late-delivered beat never rewinds
// last-seen.
func (r *HitRecorder) beat(db *gorm.DB, hit *sessions.Hit, now time.Time) error {
	updates := map[string]interface{}{
		"heartbeats": gorm.Expr("heartbeats + 1"),
	}
	if now.After(hit.LastSeen) {
		updates["last_seen"] = now
	}

	err := sqlite.PerformWrite(r.logger, db, func(tx *gorm.DB) error {
		return tx.Model(hit).Updates(updates).Error
	})
	if err != nil {
		return fmt.Errorf("failed to register heartbeat: %w", err)
	}

	hit.Heartbeats++
	if _, ok := updates["last_seen"]; ok {
		hit.LastSeen = now
	}
	return nil
}

// recalculateBounce re-derives the owning session's bounce flag: a session
// bounces iff it has exactly one hit. Persisted only when the flag changed.
func (r *HitRecorder) recalculateBounce(db *gorm.DB, session *sessions.Session) error {
	count, err := sessions.CountHits(db, session.ID)
	if err != nil {
		return err
	}

	bounce := count == 1
	if bounce == session.IsBounce {
		return nil
	}

	err = sqlite.PerformWrite(r.logger, db, func(tx *gorm.DB) error {
		return tx.Model(session).Update("is_bounce", bounce).Error
	})
	if err != nil {
		return fmt.Errorf("failed to update bounce flag: %w", err)
	}
	session.IsBounce = bounce
	return nil
}
