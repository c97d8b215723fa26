// Package geoip resolves client addresses against the MaxMind GeoLite2
// city and ASN databases. Lookups are best-effort: a missing database or
// an unknown address yields an empty Location, never an error that would
// stall ingestion.
package geoip

import (
	"log/slog"
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"

	"crena/internal/config"
)

// Location holds the geolocation fields attached to a session.
type Location struct {
	ASN       string
	Country   string
	Longitude *float64
	Latitude  *float64
	TimeZone  string
}

// Locator owns the GeoLite2 reader handles. Construct it once at process
// start with NewLocator and pass it by reference into the pipeline.
type Locator struct {
	city   *geoip2.Reader
	asn    *geoip2.Reader
	logger *slog.Logger
}

// NewLocator opens the configured city and ASN databases. Either database
// may be absent; the corresponding lookups are then skipped.
func NewLocator(cfg *config.Config, logger *slog.Logger) *Locator {
	l := &Locator{logger: logger}
	l.city = openReader(cfg.GeoCityDBPath, "GeoLite2-City", logger)
	l.asn = openReader(cfg.GeoASNDBPath, "GeoLite2-ASN", logger)
	return l
}

func openReader(path, kind string, logger *slog.Logger) *geoip2.Reader {
	if path == "" {
		logger.Debug("GeoIP database path not configured - lookups disabled",
			slog.String("db_type", kind))
		return nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info("GeoLite2 database not found - lookups disabled",
			slog.String("db_type", kind),
			slog.String("path", path),
			slog.String("hint", "Download from https://www.maxmind.com/en/geolite2/signup"))
		return nil
	} else if err != nil {
		logger.Warn("Error checking GeoLite2 database file",
			slog.String("db_type", kind),
			slog.String("path", path),
			slog.Any("error", err))
		return nil
	}

	db, err := geoip2.Open(path)
	if err != nil {
		logger.Error("Failed to open GeoLite2 database",
			slog.String("db_type", kind),
			slog.String("path", path),
			slog.Any("error", err))
		return nil
	}

	logger.Info("GeoLite2 database initialized",
		slog.String("db_type", kind),
		slog.String("path", path))
	return db
}

// Available reports whether at least one database is open.
func (l *Locator) Available() bool {
	return l.city != nil || l.asn != nil
}

// Lookup resolves an IP address. Unknown addresses and reader errors
// return an empty Location.
func (l *Locator) Lookup(ipAddress string) Location {
	var loc Location

	ip := net.ParseIP(ipAddress)
	if ip == nil {
		l.logger.Debug("Failed to parse IP address for geolocation",
			slog.String("ip_address", ipAddress))
		return loc
	}

	if l.city != nil {
		record, err := l.city.City(ip)
		if err != nil {
			l.logger.Debug("City lookup failed",
				slog.String("ip_address", ipAddress),
				slog.Any("error", err))
		} else {
			loc.Country = record.Country.IsoCode
			loc.TimeZone = record.Location.TimeZone
			if record.Location.Longitude != 0 || record.Location.Latitude != 0 {
				lon, lat := record.Location.Longitude, record.Location.Latitude
				loc.Longitude = &lon
				loc.Latitude = &lat
			}
		}
	}

	if l.asn != nil {
		record, err := l.asn.ASN(ip)
		if err != nil {
			l.logger.Debug("ASN lookup failed",
				slog.String("ip_address", ipAddress),
				slog.Any("error", err))
		} else {
			loc.ASN = record.AutonomousSystemOrganization
		}
	}

	return loc
}

// Close releases the reader handles.
func (l *Locator) Close() {
	if l.city != nil {
		l.city.Close()
	}
	if l.asn != nil {
		l.asn.Close()
	}
}
