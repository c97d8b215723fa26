// Package ingest implements the event-ingestion pipeline: privacy
// filtering, identity association, session resolution and hit recording
// for one inbound tracking event at a time.
package ingest

import (
	"net/netip"

	"log/slog"

	"crena/internal/services"
)

// Filter decides whether an inbound request should be ignored before any
// enrichment work is spent on it. Robot filtering is deliberately not done
// here: it happens post-enrichment, where the classification is accurate.
type Filter struct {
	logger *slog.Logger
}

// NewFilter creates a Filter.
func NewFilter(logger *slog.Logger) *Filter {
	return &Filter{logger: logger}
}

// IgnoresDNT reports whether the event must be dropped because the client
// signalled Do-Not-Track (or Global Privacy Control) and the service
// respects it.
func (f *Filter) IgnoresDNT(svc *services.Service, dnt bool) bool {
	return dnt && svc.RespectDNT
}

// IgnoresNetwork reports whether the client address falls within any of the
// service's ignored networks. A malformed client address is logged and
// treated as not ignored; malformed configuration cannot occur here because
// it is rejected at service save time.
func (f *Filter) IgnoresNetwork(svc *services.Service, clientIP string) bool {
	networks := svc.IgnoredNetworks()
	if len(networks) == 0 {
		return false
	}

	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		f.logger.Warn("Malformed client address, not applying network rules",
			slog.String("service", svc.UUID),
			slog.String("client_ip", clientIP),
			slog.Any("error", err))
		return false
	}

	for _, network := range networks {
		// Contains is false when the address family differs from the rule.
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

// IgnoresOrigin reports whether the request's Origin header is rejected by
// the service's configured origins. An absent header passes; pixel embeds
// and same-origin navigations do not send one.
func (f *Filter) IgnoresOrigin(svc *services.Service, origin string) bool {
	if svc.AllowsOrigin(origin) {
		return false
	}
	f.logger.Debug("Rejecting event from unlisted origin",
		slog.String("service", svc.UUID),
		slog.String("origin", origin))
	return true
}

// ShouldIgnore combines the DNT and network checks.
func (f *Filter) ShouldIgnore(svc *services.Service, clientIP string, dnt bool) bool {
	return f.IgnoresDNT(svc, dnt) || f.IgnoresNetwork(svc, clientIP)
}
