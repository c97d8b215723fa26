// Package stats computes the windowed metrics bundle served to dashboards.
// It only reads persisted sessions and hits; it shares nothing with the
// ingestion pipeline beyond the data model and may run concurrently with
// ingestion writes under normal store isolation.
package stats

import (
	"database/sql"
	"fmt"
	"time"

	"log/slog"

	"github.com/pariz/gountries"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"crena/internal/services"
	"crena/internal/sessions"
)

// resultLimit caps every breakdown list.
const resultLimit = 300

// CountRow is one entry of a ranked breakdown.
type CountRow struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Metrics is the full aggregate bundle for one time window. Pointer fields
// serialize as null when the window holds no samples.
type Metrics struct {
	CurrentlyOnline    int64      `json:"currently_online"`
	SessionCount       int64      `json:"session_count"`
	HitCount           int64      `json:"hit_count"`
	HasHits            bool       `json:"has_hits"`
	BounceRatePct      *float64   `json:"bounce_rate_pct"`
	AvgSessionDuration *float64   `json:"avg_session_duration"`
	AvgLoadTime        *float64   `json:"avg_load_time"`
	AvgHitsPerSession  *float64   `json:"avg_hits_per_session"`
	Locations          []CountRow `json:"locations"`
	Referrers          []CountRow `json:"referrers"`
	Countries          []CountRow `json:"countries"`
	Devices            []CountRow `json:"devices"`
	DeviceTypes        []CountRow `json:"device_types"`
	OperatingSystems   []CountRow `json:"operating_systems"`
	Browsers           []CountRow `json:"browsers"`
	Chart              ChartData  `json:"chart"`
}

// Comparison pairs a window's metrics with the immediately preceding
// equal-length window.
type Comparison struct {
	Current  Metrics `json:"current"`
	Previous Metrics `json:"previous"`
}

// Aggregator computes metrics over [start, end) windows.
type Aggregator struct {
	activeThreshold time.Duration
	logger          *slog.Logger
	countries       *gountries.Query
	titleCaser      cases.Caser
}

// NewAggregator creates an Aggregator. activeThreshold is how recently a
// session must have been seen to count as currently online (2x the
// heartbeat interval).
func NewAggregator(activeThreshold time.Duration, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		activeThreshold: activeThreshold,
		logger:          logger,
		countries:       gountries.New(),
		titleCaser:      cases.Title(language.AmericanEnglish),
	}
}

// Compare computes the metrics bundle for [start, end) and for the
// preceding window of equal duration ending exactly at start.
func (a *Aggregator) Compare(db *gorm.DB, svc *services.Service, start, end time.Time) (*Comparison, error) {
	current, err := a.Aggregate(db, svc, start, end)
	if err != nil {
		return nil, err
	}

	previous, err := a.Aggregate(db, svc, start.Add(-end.Sub(start)), start)
	if err != nil {
		return nil, err
	}

	return &Comparison{Current: *current, Previous: *previous}, nil
}

// Aggregate computes the metrics bundle for sessions and hits whose start
// time falls in [start, end). It holds no state across calls.
func (a *Aggregator) Aggregate(db *gorm.DB, svc *services.Service, start, end time.Time) (*Metrics, error) {
	m := &Metrics{}
	now := time.Now().UTC()

	err := db.Model(&sessions.Session{}).
		Where("service_id = ? AND last_seen > ?", svc.ID, now.Add(-a.activeThreshold)).
		Count(&m.CurrentlyOnline).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count online sessions: %w", err)
	}

	sessionScope := func() *gorm.DB {
		return db.Model(&sessions.Session{}).
			Where("service_id = ? AND start_time >= ? AND start_time < ?", svc.ID, start, end)
	}
	hitScope := func() *gorm.DB {
		return db.Model(&sessions.Hit{}).
			Where("service_id = ? AND start_time >= ? AND start_time < ?", svc.ID, start, end)
	}

	if err := sessionScope().Count(&m.SessionCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	if err := hitScope().Count(&m.HitCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count hits: %w", err)
	}

	var everCount int64
	err = db.Model(&sessions.Hit{}).Where("service_id = ?", svc.ID).Limit(1).Count(&everCount).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check for hits: %w", err)
	}
	m.HasHits = everCount > 0

	if m.SessionCount > 0 {
		var bounceCount int64
		if err := sessionScope().Where("is_bounce = ?", true).Count(&bounceCount).Error; err != nil {
			return nil, fmt.Errorf("failed to count bounces: %w", err)
		}
		rate := float64(bounceCount) * 100 / float64(m.SessionCount)
		m.BounceRatePct = &rate

		perSession := float64(m.HitCount) / float64(m.SessionCount)
		m.AvgHitsPerSession = &perSession

		duration, err := a.avgSessionDuration(db, svc, start, end, m.SessionCount)
		if err != nil {
			return nil, err
		}
		m.AvgSessionDuration = duration
	}

	if err := a.fillAvgLoadTime(db, svc, start, end, m); err != nil {
		return nil, err
	}
	if err := a.fillBreakdowns(db, svc, start, end, m); err != nil {
		return nil, err
	}

	chart, err := a.chartData(db, svc, start, end)
	if err != nil {
		return nil, err
	}
	m.Chart = *chart

	return m, nil
}

// avgSessionDuration prefers a store-side aggregate and falls back to an
// in-memory mean when the store cannot compute it. Both paths return the
// same value: mean of (last_seen - start_time) in seconds.
func (a *Aggregator) avgSessionDuration(db *gorm.DB, svc *services.Service, start, end time.Time, sessionCount int64) (*float64, error) {
	var avg sql.NullFloat64
	err := db.Raw(`
        SELECT AVG((julianday(last_seen) - julianday(start_time)) * 86400.0)
        FROM sessions
        WHERE service_id = ? AND start_time >= ? AND start_time < ?
    `, svc.ID, start, end).Scan(&avg).Error
	if err == nil {
		if !avg.Valid {
			return nil, nil
		}
		return &avg.Float64, nil
	}

	a.logger.Warn("Store-side duration aggregate unavailable, computing in memory",
		slog.Any("error", err))

	var windowSessions []sessions.Session
	err = db.Where("service_id = ? AND start_time >= ? AND start_time < ?", svc.ID, start, end).
		Find(&windowSessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions for duration mean: %w", err)
	}

	var total float64
	for _, s := range windowSessions {
		total += s.Duration().Seconds()
	}
	mean := total / float64(sessionCount)
	return &mean, nil
}

func (a *Aggregator) fillAvgLoadTime(db *gorm.DB, svc *services.Service, start, end time.Time, m *Metrics) error {
	var avg sql.NullFloat64
	err := db.Raw(`
        SELECT AVG(load_time)
        FROM hits
        WHERE service_id = ? AND start_time >= ? AND start_time < ?
        AND load_time IS NOT NULL
    `, svc.ID, start, end).Scan(&avg).Error
	if err != nil {
		return fmt.Errorf("failed to average load time: %w", err)
	}
	if avg.Valid {
		m.AvgLoadTime = &avg.Float64
	}
	return nil
}

func (a *Aggregator) fillBreakdowns(db *gorm.DB, svc *services.Service, start, end time.Time, m *Metrics) error {
	var err error

	if m.Locations, err = a.topHitValues(db, svc, "location", start, end, resultLimit); err != nil {
		return err
	}

	// Referrers are ranked unbounded and filtered before capping, so hidden
	// entries never consume result slots.
	referrers, err := a.topHitValues(db, svc, "referrer", start, end, 0)
	if err != nil {
		return err
	}
	m.Referrers = a.filterHiddenReferrers(svc, referrers)

	if m.Countries, err = a.topSessionValues(db, svc, "country", start, end); err != nil {
		return err
	}
	m.Countries = a.countryNames(m.Countries)

	if m.Devices, err = a.topSessionValues(db, svc, "device", start, end); err != nil {
		return err
	}
	if m.DeviceTypes, err = a.topSessionValues(db, svc, "device_type", start, end); err != nil {
		return err
	}
	if m.OperatingSystems, err = a.topSessionValues(db, svc, "os", start, end); err != nil {
		return err
	}
	if m.Browsers, err = a.topSessionValues(db, svc, "browser", start, end); err != nil {
		return err
	}
	return nil
}

// topHitValues ranks a hit column over the window. limit <= 0 means
// unbounded.
func (a *Aggregator) topHitValues(db *gorm.DB, svc *services.Service, column string, start, end time.Time, limit int) ([]CountRow, error) {
	rows := []CountRow{}
	query := fmt.Sprintf(`
        SELECT %s AS name, COUNT(*) AS count
        FROM hits
        WHERE service_id = ? AND start_time >= ? AND start_time < ?
        GROUP BY %s
        ORDER BY count DESC, name ASC
    `, column, column)
	args := []interface{}{svc.ID, start, end}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	err := db.Raw(query, args...).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error fetching top %s: %w", column, err)
	}
	return rows, nil
}

func (a *Aggregator) topSessionValues(db *gorm.DB, svc *services.Service, column string, start, end time.Time) ([]CountRow, error) {
	rows := []CountRow{}
	query := fmt.Sprintf(`
        SELECT %s AS name, COUNT(*) AS count
        FROM sessions
        WHERE service_id = ? AND start_time >= ? AND start_time < ?
        GROUP BY %s
        ORDER BY count DESC, name ASC
        LIMIT ?
    `, column, column)

	err := db.Raw(query, svc.ID, start, end, resultLimit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error fetching top %s: %w", column, err)
	}
	return rows, nil
}

// filterHiddenReferrers drops referrers matching the service's
// hide-referrer pattern, then caps the survivors at resultLimit.
func (a *Aggregator) filterHiddenReferrers(svc *services.Service, rows []CountRow) []CountRow {
	pattern := svc.HideReferrerPattern()
	filtered := make([]CountRow, 0, len(rows))
	for _, row := range rows {
		if pattern.MatchString(row.Name) {
			continue
		}
		filtered = append(filtered, row)
		if len(filtered) == resultLimit {
			break
		}
	}
	return filtered
}

// countryNames maps stored ISO codes to display names, leaving unknown
// codes upper-cased as-is.
func (a *Aggregator) countryNames(rows []CountRow) []CountRow {
	result := make([]CountRow, len(rows))
	for i, row := range rows {
		if row.Name == "" {
			result[i] = CountRow{Name: "Unknown", Count: row.Count}
			continue
		}
		country, err := a.countries.FindCountryByAlpha(row.Name)
		if err != nil {
			result[i] = CountRow{Name: a.titleCaser.String(row.Name), Count: row.Count}
			continue
		}
		result[i] = CountRow{Name: country.Name.Common, Count: row.Count}
	}
	return result
}
