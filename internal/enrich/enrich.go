// Package enrich resolves the per-event metadata attached to new
// sessions: geolocation from the client address and a device
// classification from the user-agent string. Both lookups are local and
// in-memory after first load.
package enrich

import (
	"log/slog"
	"strings"

	ua "github.com/mileusna/useragent"

	"crena/internal/pkg/geoip"
	"crena/internal/sessions"
)

// crawlerIdentifiers are browser/device family names that mark a client as
// automated even when the parser did not flag it as a bot.
var crawlerIdentifiers = []string{
	"bot", "crawler", "spider", "slurp", "scraper", "preview", "fetcher",
}

// Result is the enrichment bundle applied at session creation.
type Result struct {
	Location geoip.Location

	Browser    string
	OS         string
	Device     string
	DeviceType sessions.DeviceType
}

// Enricher wraps the two independent lookups. Construct once at process
// start; safe for concurrent use.
type Enricher struct {
	locator *geoip.Locator
	logger  *slog.Logger
}

// NewEnricher creates an Enricher around an owned GeoIP locator.
func NewEnricher(locator *geoip.Locator, logger *slog.Logger) *Enricher {
	return &Enricher{locator: locator, logger: logger}
}

// Enrich resolves ip and userAgent. GeoIP misses degrade to an empty
// location so ingestion proceeds with blank fields.
func (e *Enricher) Enrich(ip, userAgent string) Result {
	result := Result{}
	if ip != "" {
		result.Location = e.locator.Lookup(ip)
	}

	parsed := ua.Parse(userAgent)
	result.Browser = parsed.Name
	result.OS = parsed.OS
	result.Device = parsed.Device
	result.DeviceType = classify(parsed)
	return result
}

// classify maps a parsed user agent onto the closed device-type set. The
// robot check strictly precedes the device-class checks so that a mobile
// crawler classifies as ROBOT.
func classify(parsed ua.UserAgent) sessions.DeviceType {
	if parsed.Bot || matchesCrawlerName(parsed.Name) || matchesCrawlerName(parsed.Device) {
		return sessions.DeviceRobot
	}
	switch {
	case parsed.Mobile:
		return sessions.DevicePhone
	case parsed.Tablet:
		return sessions.DeviceTablet
	case parsed.Desktop:
		return sessions.DeviceDesktop
	default:
		return sessions.DeviceOther
	}
}

func matchesCrawlerName(name string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, marker := range crawlerIdentifiers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
