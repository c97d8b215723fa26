package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"crena/internal/cache"
	"crena/internal/config"
	"crena/internal/enrich"
	"crena/internal/pkg/geoip"
	"crena/internal/services"
	"crena/internal/sessions"
	"crena/internal/testsupport"
)

const (
	testUADesktop = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	testUABot     = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	testClientIP  = "203.0.113.10"
)

type pipelineFixture struct {
	pipeline *Pipeline
	db       *gorm.DB
	svc      *services.Service
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	db := testsupport.SetupTestDB(t)
	logger := testsupport.GetLogger()
	dbManager := testsupport.NewTestDBManager(db)

	user := testsupport.CreateTestUser(t, db, "owner@example.com", "secret")
	svc := testsupport.CreateTestService(t, db, user.ID, "Pipeline Site")

	cfg := &config.Config{
		HeartbeatFrequencyMs:  5000,
		SessionTimeoutSeconds: 1800,
	}

	store := cache.NewMemoryStore()
	t.Cleanup(store.Close)

	locator := geoip.NewLocator(cfg, logger)
	enricher := enrich.NewEnricher(locator, logger)
	filter := NewFilter(logger)
	resolver := NewSessionResolver(store, cfg.SessionMemoryTimeout(), cfg.BlockAllIPs, logger)
	recorder := NewHitRecorder(store, cfg.SessionMemoryTimeout(), logger)
	pipeline := NewPipeline(dbManager, enricher, filter, resolver, recorder, cfg, logger)

	return &pipelineFixture{pipeline: pipeline, db: db, svc: svc}
}

func (f *pipelineFixture) event(ts time.Time) *Event {
	return &Event{
		ServiceUUID: f.svc.UUID,
		Tracker:     sessions.TrackerScript,
		Timestamp:   ts,
		Payload:     Payload{Location: "https://example.com/"},
		ClientIP:    testClientIP,
		UserAgent:   testUADesktop,
	}
}

func (f *pipelineFixture) reloadService(t *testing.T) {
	t.Helper()
	svc, err := services.GetByUUID(f.db, f.svc.UUID)
	require.NoError(t, err)
	f.svc = svc
}

func TestPipelineRecordsNewHit(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	result, err := f.pipeline.Ingest(ctx, f.event(now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecordedNewHit, result.Outcome)
	require.NotZero(t, result.SessionID)
	require.NotZero(t, result.HitID)

	var session sessions.Session
	require.NoError(t, f.db.First(&session, result.SessionID).Error)
	assert.Equal(t, f.svc.ID, session.ServiceID)
	assert.Equal(t, sessions.DeviceDesktop, session.DeviceType)
	assert.True(t, session.IsBounce, "single-hit session is a bounce")
	require.NotNil(t, session.IP)
	assert.Equal(t, testClientIP, *session.IP)

	var hit sessions.Hit
	require.NoError(t, f.db.First(&hit, result.HitID).Error)
	assert.True(t, hit.Initial)
	assert.Equal(t, "https://example.com/", hit.Location)
	assert.Equal(t, 0, hit.Heartbeats)
}

func TestPipelineHeartbeatIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := f.event(now)
	first.Payload.Idempotency = "token-1"
	firstResult, err := f.pipeline.Ingest(ctx, first)
	require.NoError(t, err)
	require.Equal(t, OutcomeRecordedNewHit, firstResult.Outcome)

	for i := 1; i <= 3; i++ {
		beat := f.event(now.Add(time.Duration(i) * 5 * time.Second))
		beat.Payload.Idempotency = "token-1"
		result, err := f.pipeline.Ingest(ctx, beat)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRecordedHeartbeat, result.Outcome)
		assert.Equal(t, firstResult.HitID, result.HitID, "heartbeats must land on the original hit")
	}

	var hitCount int64
	require.NoError(t, f.db.Model(&sessions.Hit{}).Where("session_id = ?", firstResult.SessionID).Count(&hitCount).Error)
	assert.EqualValues(t, 1, hitCount, "heartbeats must not create hits")

	var hit sessions.Hit
	require.NoError(t, f.db.First(&hit, firstResult.HitID).Error)
	assert.Equal(t, 3, hit.Heartbeats)

	var session sessions.Session
	require.NoError(t, f.db.First(&session, firstResult.SessionID).Error)
	assert.True(t, session.IsBounce, "heartbeats alone keep the session a bounce")
}

func TestPipelineSessionContinuity(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := f.event(now)
	first.Payload.Idempotency = "page-1"
	firstResult, err := f.pipeline.Ingest(ctx, first)
	require.NoError(t, err)

	// A later pageview from the same client lands on the same session
	second := f.event(now.Add(5 * time.Second))
	second.Payload.Idempotency = "page-2"
	second.Payload.Location = "https://example.com/about"
	secondResult, err := f.pipeline.Ingest(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRecordedNewHit, secondResult.Outcome)
	assert.Equal(t, firstResult.SessionID, secondResult.SessionID)
	assert.NotEqual(t, firstResult.HitID, secondResult.HitID)

	var session sessions.Session
	require.NoError(t, f.db.First(&session, firstResult.SessionID).Error)
	assert.False(t, session.IsBounce, "a second hit clears the bounce flag")
	assert.Equal(t, second.Timestamp.Unix(), session.LastSeen.Unix())

	var secondHit sessions.Hit
	require.NoError(t, f.db.First(&secondHit, secondResult.HitID).Error)
	assert.False(t, secondHit.Initial)

	// A third pageview keeps it cleared
	third := f.event(now.Add(10 * time.Second))
	third.Payload.Idempotency = "page-3"
	_, err = f.pipeline.Ingest(ctx, third)
	require.NoError(t, err)

	require.NoError(t, f.db.First(&session, firstResult.SessionID).Error)
	assert.False(t, session.IsBounce)
}

func TestPipelineDifferentClientsGetDifferentSessions(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := f.pipeline.Ingest(ctx, f.event(now))
	require.NoError(t, err)

	other := f.event(now)
	other.ClientIP = "203.0.113.99"
	second, err := f.pipeline.Ingest(ctx, other)
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestPipelineRespectsDNT(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := f.event(now)
	ev.DNT = true
	result, err := f.pipeline.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredDNT, result.Outcome)

	var count int64
	require.NoError(t, f.db.Model(&sessions.Session{}).Count(&count).Error)
	assert.Zero(t, count, "ignored events must leave no trace")
}

func TestPipelineDNTDisabled(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.svc.RespectDNT = false
	require.NoError(t, services.UpdateService(f.db, testsupport.GetLogger(), f.svc))
	f.reloadService(t)

	ev := f.event(time.Now().UTC())
	ev.DNT = true
	result, err := f.pipeline.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecordedNewHit, result.Outcome)
}

func TestPipelineIgnoresConfiguredNetworks(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.svc.IgnoredIPs = "203.0.113.0/24"
	require.NoError(t, services.UpdateService(f.db, testsupport.GetLogger(), f.svc))
	f.reloadService(t)

	result, err := f.pipeline.Ingest(ctx, f.event(time.Now().UTC()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredNetwork, result.Outcome)

	outside := f.event(time.Now().UTC())
	outside.ClientIP = "198.51.100.1"
	result, err = f.pipeline.Ingest(ctx, outside)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecordedNewHit, result.Outcome)
}

func TestPipelineRobotHandling(t *testing.T) {
	t.Run("ignored when service filters robots", func(t *testing.T) {
		f := newPipelineFixture(t)
		ctx := context.Background()

		f.svc.IgnoreRobots = true
		require.NoError(t, services.UpdateService(f.db, testsupport.GetLogger(), f.svc))
		f.reloadService(t)

		ev := f.event(time.Now().UTC())
		ev.UserAgent = testUABot
		result, err := f.pipeline.Ingest(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnoredRobot, result.Outcome)

		var count int64
		require.NoError(t, f.db.Model(&sessions.Session{}).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("recorded as robot session otherwise", func(t *testing.T) {
		f := newPipelineFixture(t)
		ctx := context.Background()

		ev := f.event(time.Now().UTC())
		ev.UserAgent = testUABot
		result, err := f.pipeline.Ingest(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, OutcomeRecordedNewHit, result.Outcome)

		var session sessions.Session
		require.NoError(t, f.db.First(&session, result.SessionID).Error)
		assert.Equal(t, sessions.DeviceRobot, session.DeviceType)
	})
}

func TestPipelineUnknownService(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	ev := f.event(time.Now().UTC())
	ev.ServiceUUID = "00000000-0000-0000-0000-000000000000"
	result, err := f.pipeline.Ingest(ctx, ev)
	require.NoError(t, err, "unknown services drop the event, they are not an error")
	assert.Equal(t, OutcomeIgnoredInactiveService, result.Outcome)
}

func TestPipelineArchivedService(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	require.NoError(t, services.ArchiveService(f.db, testsupport.GetLogger(), f.svc.UUID))

	result, err := f.pipeline.Ingest(ctx, f.event(time.Now().UTC()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredInactiveService, result.Outcome)
}

func TestPipelineIPCollectionDisabled(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.svc.CollectIPs = false
	require.NoError(t, services.UpdateService(f.db, testsupport.GetLogger(), f.svc))
	f.reloadService(t)

	result, err := f.pipeline.Ingest(ctx, f.event(time.Now().UTC()))
	require.NoError(t, err)

	var session sessions.Session
	require.NoError(t, f.db.First(&session, result.SessionID).Error)
	assert.Nil(t, session.IP, "service opted out of IP storage")
}

func TestPipelineIdentifierBackfill(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	anonymous := f.event(now)
	first, err := f.pipeline.Ingest(ctx, anonymous)
	require.NoError(t, err)

	identified := f.event(now.Add(5 * time.Second))
	identified.Identifier = "user-42"
	second, err := f.pipeline.Ingest(ctx, identified)
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)

	var session sessions.Session
	require.NoError(t, f.db.First(&session, first.SessionID).Error)
	assert.Equal(t, "user-42", session.Identifier, "identifier backfills an anonymous session")

	// An established identifier is never overwritten
	conflicting := f.event(now.Add(10 * time.Second))
	conflicting.Identifier = "user-99"
	_, err = f.pipeline.Ingest(ctx, conflicting)
	require.NoError(t, err)

	require.NoError(t, f.db.First(&session, first.SessionID).Error)
	assert.Equal(t, "user-42", session.Identifier)
}

func TestPipelineStaleCacheFallsBackToCreation(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := f.pipeline.Ingest(ctx, f.event(now))
	require.NoError(t, err)

	// Simulate reconciliation skew: the cache still points at a session the
	// store no longer has
	require.NoError(t, f.db.Delete(&sessions.Session{}, first.SessionID).Error)

	second, err := f.pipeline.Ingest(ctx, f.event(now.Add(5*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecordedNewHit, second.Outcome)
	assert.NotEqual(t, first.SessionID, second.SessionID, "the store is authoritative over the cache")
}

func TestPipelinePixelTracker(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	ev := f.event(time.Now().UTC())
	ev.Tracker = sessions.TrackerPixel
	ev.Payload = Payload{}
	ev.ReferrerHeader = "https://example.com/embedded-page"

	result, err := f.pipeline.Ingest(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeRecordedNewHit, result.Outcome)

	var hit sessions.Hit
	require.NoError(t, f.db.First(&hit, result.HitID).Error)
	assert.Equal(t, sessions.TrackerPixel, hit.Tracker)
	assert.Equal(t, "https://example.com/embedded-page", hit.Location,
		"pixel hits fall back to the referrer header for the location")
}

func TestPipelineLoadTimeValidation(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	negative := -5.0
	ev := f.event(time.Now().UTC())
	ev.Payload.LoadTime = &negative

	result, err := f.pipeline.Ingest(ctx, ev)
	require.NoError(t, err)

	var hit sessions.Hit
	require.NoError(t, f.db.First(&hit, result.HitID).Error)
	assert.Nil(t, hit.LoadTime, "non-positive load times are discarded")
}

func TestPipelineRejectsUnlistedOrigin(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.svc.Origins = "https://example.com"
	require.NoError(t, services.UpdateService(f.db, testsupport.GetLogger(), f.svc))
	f.reloadService(t)

	ev := f.event(time.Now().UTC())
	ev.Origin = "https://evil.example.com"
	result, err := f.pipeline.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredOrigin, result.Outcome)

	allowed := f.event(time.Now().UTC())
	allowed.Origin = "https://example.com"
	result, err = f.pipeline.Ingest(ctx, allowed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecordedNewHit, result.Outcome)
}

func TestPipelineKeepsSessionsPerService(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	owner := testsupport.CreateTestUser(t, f.db, "owner@example.com", "secret")
	other := testsupport.CreateTestService(t, f.db, owner.ID, "Second Site")

	// One visitor alternating between two tracked services must keep one
	// continuous session on each, not thrash a shared cache entry.
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		_, err := f.pipeline.Ingest(ctx, f.event(now.Add(time.Duration(2*i)*time.Second)))
		require.NoError(t, err)

		ev := f.event(now.Add(time.Duration(2*i+1) * time.Second))
		ev.ServiceUUID = other.UUID
		_, err = f.pipeline.Ingest(ctx, ev)
		require.NoError(t, err)
	}

	var countA, countB int64
	require.NoError(t, f.db.Model(&sessions.Session{}).Where("service_id = ?", f.svc.ID).Count(&countA).Error)
	require.NoError(t, f.db.Model(&sessions.Session{}).Where("service_id = ?", other.ID).Count(&countB).Error)
	assert.EqualValues(t, 1, countA)
	assert.EqualValues(t, 1, countB)
}

func TestPipelineLateEventsDoNotRewindLastSeen(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := f.event(now)
	first.Payload.Idempotency = "late-token"
	res, err := f.pipeline.Ingest(ctx, first)
	require.NoError(t, err)

	// A second page event delivered out of order with an earlier timestamp.
	_, err = f.pipeline.Ingest(ctx, f.event(now.Add(-30*time.Second)))
	require.NoError(t, err)

	var session sessions.Session
	require.NoError(t, f.db.First(&session, res.SessionID).Error)
	assert.False(t, session.LastSeen.Before(session.StartTime), "last_seen must never precede start_time")
	assert.WithinDuration(t, now, session.LastSeen, time.Second)

	// Same for a late heartbeat on the existing hit.
	beat := f.event(now.Add(-30 * time.Second))
	beat.Payload.Idempotency = "late-token"
	_, err = f.pipeline.Ingest(ctx, beat)
	require.NoError(t, err)

	var hit sessions.Hit
	require.NoError(t, f.db.First(&hit, res.HitID).Error)
	assert.Equal(t, 1, hit.Heartbeats)
	assert.WithinDuration(t, now, hit.LastSeen, time.Second)
}
