package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge"

	"crena/internal/config"
	"crena/internal/enrich"
	"crena/internal/services"
	"crena/internal/sessions"
	"crena/internal/visitors"
)

// Outcome is the terminal state of one ingested event.
type Outcome string

const (
	OutcomeIgnoredDNT             Outcome = "ignored-by-dnt"
	OutcomeIgnoredNetwork         Outcome = "ignored-by-network"
	OutcomeIgnoredOrigin          Outcome = "ignored-by-origin"
	OutcomeIgnoredInactiveService Outcome = "ignored-inactive-service"
	OutcomeIgnoredRobot           Outcome = "ignored-robot"
	OutcomeRecordedHeartbeat      Outcome = "recorded-heartbeat"
	OutcomeRecordedNewHit         Outcome = "recorded-new-hit"
)

// Event is a normalized tracking request as delivered by the HTTP layer.
type Event struct {
	ServiceUUID    string
	Tracker        sessions.Tracker
	Timestamp      time.Time
	Payload        Payload
	ClientIP       string
	Origin         string
	ReferrerHeader string
	UserAgent      string
	DNT            bool
	Identifier     string
}

// Result reports the terminal outcome of one event, with the created or
// updated records when applicable.
type Result struct {
	Outcome   Outcome
	SessionID uint
	HitID     uint
}

// Pipeline orchestrates filter, identity hashing, session resolution and
// hit recording for one event. It is safe under unbounded concurrent
// invocation; two near-simultaneous events for the same visitor may both
// create a session, which is a benign race.
type Pipeline struct {
	dbManager cartridge.DBManager
	enricher  *enrich.Enricher
	filter    *Filter
	resolver  *SessionResolver
	recorder  *HitRecorder
	cfg       *config.Config
	logger    *slog.Logger
}

// NewPipeline wires the pipeline stages together.
func NewPipeline(
	dbManager cartridge.DBManager,
	enricher *enrich.Enricher,
	filter *Filter,
	resolver *SessionResolver,
	recorder *HitRecorder,
	cfg *config.Config,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		dbManager: dbManager,
		enricher:  enricher,
		filter:    filter,
		resolver:  resolver,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
	}
}

// Ingest processes one event to a terminal outcome. Ignored events and
// unknown services return a Result with a nil error: they are dropped, not
// retried. A non-nil error is an unexpected failure, logged with full
// context and propagated to the dispatcher, which owns retry policy.
func (p *Pipeline) Ingest(ctx context.Context, event *Event) (*Result, error) {
	result, err := p.ingest(ctx, event)
	if err != nil {
		p.logger.Error("Ingestion pipeline failed",
			slog.String("service", event.ServiceUUID),
			slog.String("tracker", string(event.Tracker)),
			slog.Time("timestamp", event.Timestamp),
			slog.String("user_agent", event.UserAgent),
			slog.Any("error", err))
		return nil, fmt.Errorf("ingesting event for service %s: %w", event.ServiceUUID, err)
	}

	p.logger.Debug("Event reached terminal outcome",
		slog.String("service", event.ServiceUUID),
		slog.String("outcome", string(result.Outcome)))
	return result, nil
}

func (p *Pipeline) ingest(ctx context.Context, event *Event) (*Result, error) {
	db := p.dbManager.GetConnection()

	svc, err := services.GetActiveByUUID(db, event.ServiceUUID)
	if err != nil {
		var notFound *services.ServiceNotFoundError
		if errors.As(err, &notFound) {
			// The service may legitimately no longer exist; drop the event.
			p.logger.Debug("Dropping event for unknown or archived service",
				slog.String("service", event.ServiceUUID))
			return &Result{Outcome: OutcomeIgnoredInactiveService}, nil
		}
		return nil, err
	}

	if p.filter.IgnoresDNT(svc, event.DNT) {
		return &Result{Outcome: OutcomeIgnoredDNT}, nil
	}
	if p.filter.IgnoresNetwork(svc, event.ClientIP) {
		return &Result{Outcome: OutcomeIgnoredNetwork}, nil
	}
	if p.filter.IgnoresOrigin(svc, event.Origin) {
		return &Result{Outcome: OutcomeIgnoredOrigin}, nil
	}

	key := visitors.AssociationKey(
		svc.UUID, event.ClientIP, event.UserAgent,
		event.Timestamp, p.cfg.AggressiveHashSalting,
	)

	enriched := p.enricher.Enrich(event.ClientIP, event.UserAgent)

	session, isNew, ignored, err := p.resolver.Resolve(
		ctx, db, svc, key, event.Timestamp,
		enriched, event.ClientIP, event.UserAgent, event.Identifier,
	)
	if err != nil {
		return nil, err
	}
	if ignored {
		return &Result{Outcome: OutcomeIgnoredRobot}, nil
	}

	hit, heartbeat, err := p.recorder.Record(
		ctx, db, svc, session, isNew,
		event.Tracker, event.Payload, event.ReferrerHeader, event.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	outcome := OutcomeRecordedNewHit
	if heartbeat {
		outcome = OutcomeRecordedHeartbeat
	}
	return &Result{Outcome: outcome, SessionID: session.ID, HitID: hit.ID}, nil
}
