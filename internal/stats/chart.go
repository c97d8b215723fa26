package stats

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"crena/internal/services"
)

// Granularity is the chart bucket size chosen for a window.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

// Windows spanning at most this long are charted hourly; anything longer
// gets daily buckets.
const hourlyChartLimit = 48 * time.Hour

// ChartPoint is one bucket of the charting time-series.
type ChartPoint struct {
	Bucket   string `json:"bucket"`
	Sessions int64  `json:"sessions"`
	Hits     int64  `json:"hits"`
}

// ChartData is a time-series suitable for charting, with a caller-facing
// tooltip format hint for the chosen granularity.
type ChartData struct {
	Points        []ChartPoint `json:"points"`
	TooltipFormat string       `json:"tooltip_format"`
	Granularity   Granularity  `json:"granularity"`
}

// chartBuckets maps a granularity onto its SQLite strftime format, Go time
// layout and tooltip hint.
type chartBuckets struct {
	dbFormat      string
	goLayout      string
	tooltipFormat string
	granularity   Granularity
	step          func(time.Time) time.Time
}

func bucketsFor(start, end time.Time) chartBuckets {
	if end.Sub(start) <= hourlyChartLimit {
		return chartBuckets{
			dbFormat:      "%Y-%m-%d %H:00:00",
			goLayout:      "2006-01-02 15:00:00",
			tooltipFormat: "MMM D, HH:00",
			granularity:   GranularityHour,
			step:          func(t time.Time) time.Time { return t.Add(time.Hour) },
		}
	}
	return chartBuckets{
		dbFormat:      "%Y-%m-%d",
		goLayout:      "2006-01-02",
		tooltipFormat: "MMM D, YYYY",
		granularity:   GranularityDay,
		step:          func(t time.Time) time.Time { return t.AddDate(0, 0, 1) },
	}
}

// chartData buckets the window's sessions and hits, materializing empty
// buckets so the series is contiguous from start to end.
func (a *Aggregator) chartData(db *gorm.DB, svc *services.Service, start, end time.Time) (*ChartData, error) {
	buckets := bucketsFor(start, end)

	sessionCounts, err := bucketCounts(db, "sessions", buckets.dbFormat, svc.ID, start, end)
	if err != nil {
		return nil, err
	}
	hitCounts, err := bucketCounts(db, "hits", buckets.dbFormat, svc.ID, start, end)
	if err != nil {
		return nil, err
	}

	chart := &ChartData{
		TooltipFormat: buckets.tooltipFormat,
		Granularity:   buckets.granularity,
	}

	cursor := start.UTC().Truncate(time.Hour)
	if buckets.granularity == GranularityDay {
		cursor = time.Date(cursor.Year(), cursor.Month(), cursor.Day(), 0, 0, 0, 0, time.UTC)
	}
	for cursor.Before(end) {
		label := cursor.Format(buckets.goLayout)
		chart.Points = append(chart.Points, ChartPoint{
			Bucket:   label,
			Sessions: sessionCounts[label],
			Hits:     hitCounts[label],
		})
		cursor = buckets.step(cursor)
	}

	return chart, nil
}

func bucketCounts(db *gorm.DB, table, dbFormat string, serviceID uint, start, end time.Time) (map[string]int64, error) {
	var rows []struct {
		Bucket string
		Count  int64
	}

	query := fmt.Sprintf(`
        SELECT strftime('%s', start_time) AS bucket, COUNT(*) AS count
        FROM %s
        WHERE service_id = ? AND start_time >= ? AND start_time < ?
        GROUP BY bucket
        ORDER BY bucket ASC
    `, dbFormat, table)

	if err := db.Raw(query, serviceID, start, end).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("error bucketing %s: %w", table, err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Bucket] = row.Count
	}
	return counts, nil
}
