// Package services manages tracked sites. A Service is read by every
// pipeline stage as immutable configuration for the duration of one event.
package services

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge/sqlite"
	"go.elara.ws/pcre"
	"gorm.io/gorm"
)

// Status is the service lifecycle state. Archived services stop accepting
// events but are never hard-deleted.
type Status string

const (
	StatusActive   Status = "AC"
	StatusArchived Status = "AR"
)

// matchNothing never matches any input. Used when no referrer-hiding
// pattern is configured.
const matchNothing = `.^`

// Service represents a tracked site or app.
type Service struct {
	ID                uint   `gorm:"primaryKey"`
	UUID              string `gorm:"uniqueIndex;not null"`
	OwnerID           uint   `gorm:"index;not null"`
	Name              string `gorm:"not null"`
	Link              string
	Origins           string `gorm:"default:'*'"`
	Status            Status `gorm:"index;default:'AC'"`
	RespectDNT        bool   `gorm:"default:true"`
	IgnoreRobots      bool   `gorm:"default:false"`
	CollectIPs        bool   `gorm:"default:true"`
	IgnoredIPs        string
	HideReferrerRegex string
	ScriptInject      string
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

// ServiceNotFoundError is returned when an event references a service that
// does not exist or is archived. Events carrying it are dropped, not retried.
type ServiceNotFoundError struct {
	UUID string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service not found or inactive: %s", e.UUID)
}

// NewServiceNotFoundError creates a new ServiceNotFoundError.
func NewServiceNotFoundError(uuid string) *ServiceNotFoundError {
	return &ServiceNotFoundError{UUID: uuid}
}

// InvalidConfigurationError is returned when a service's ignored-IP list or
// referrer-hiding pattern fails to parse. Rejected at save time so malformed
// configuration never reaches ingestion.
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid service configuration: %s: %s", e.Field, e.Reason)
}

// ParseNetworkList parses a comma-separated CIDR list. Blank input yields
// an empty list.
func ParseNetworkList(networks string) ([]netip.Prefix, error) {
	if strings.TrimSpace(networks) == "" {
		return nil, nil
	}

	parts := strings.Split(networks, ",")
	prefixes := make([]netip.Prefix, 0, len(parts))
	for _, part := range parts {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", strings.TrimSpace(part), err)
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}

// Validate checks the save-time invariants: the ignored-IP list must parse
// as networks and the referrer pattern must compile.
func (s *Service) Validate() error {
	if s.Name == "" {
		return &InvalidConfigurationError{Field: "name", Reason: "cannot be empty"}
	}
	if _, err := ParseNetworkList(s.IgnoredIPs); err != nil {
		return &InvalidConfigurationError{Field: "ignored_ips", Reason: err.Error()}
	}
	if s.HideReferrerRegex != "" {
		if _, err := pcre.Compile(s.HideReferrerRegex); err != nil {
			return &InvalidConfigurationError{Field: "hide_referrer_regex", Reason: err.Error()}
		}
	}
	return nil
}

// IgnoredNetworks returns the parsed ignored-IP list. Configuration is
// validated at save time, so parse failures here indicate store corruption
// and yield an empty list.
func (s *Service) IgnoredNetworks() []netip.Prefix {
	prefixes, err := ParseNetworkList(s.IgnoredIPs)
	if err != nil {
		slog.Default().Error("Stored ignored-IP list failed to parse",
			slog.String("service", s.UUID),
			slog.Any("error", err))
		return nil
	}
	return prefixes
}

// HideReferrerPattern returns the compiled referrer-hiding pattern. When no
// pattern is configured (or the stored one no longer compiles) a
// match-nothing pattern is returned so callers can match unconditionally.
func (s *Service) HideReferrerPattern() *pcre.Regexp {
	if strings.TrimSpace(s.HideReferrerRegex) == "" {
		return pcre.MustCompile(matchNothing)
	}
	re, err := pcre.Compile(s.HideReferrerRegex)
	if err != nil {
		slog.Default().Error("Stored referrer pattern failed to compile",
			slog.String("service", s.UUID),
			slog.Any("error", err))
		return pcre.MustCompile(matchNothing)
	}
	return re
}

// AllowsOrigin reports whether the given Origin header value is acceptable
// for this service.
func (s *Service) AllowsOrigin(origin string) bool {
	if strings.TrimSpace(s.Origins) == "*" || origin == "" {
		return true
	}
	for _, allowed := range strings.Split(s.Origins, ",") {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// CreateService validates and persists a new service.
func CreateService(db *gorm.DB, logger *slog.Logger, svc *Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	if svc.UUID == "" {
		svc.UUID = uuid.NewString()
	}
	if svc.Status == "" {
		svc.Status = StatusActive
	}
	if svc.Origins == "" {
		svc.Origins = "*"
	}

	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		return tx.Create(svc).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

// UpdateService validates and persists changes to an existing service.
func UpdateService(db *gorm.DB, logger *slog.Logger, svc *Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		return tx.Save(svc).Error
	})
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	return nil
}

// ArchiveService soft-disables a service. Archived services are invisible
// to the ingestion pipeline but their recorded data stays queryable.
func ArchiveService(db *gorm.DB, logger *slog.Logger, serviceUUID string) error {
	return sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		result := tx.Model(&Service{}).
			Where("uuid = ?", serviceUUID).
			Update("status", StatusArchived)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return NewServiceNotFoundError(serviceUUID)
		}
		return nil
	})
}

// GetActiveByUUID retrieves an active service by its UUID. Archived and
// unknown services both yield ServiceNotFoundError.
func GetActiveByUUID(db *gorm.DB, serviceUUID string) (*Service, error) {
	var svc Service
	err := db.Where("uuid = ? AND status = ?", serviceUUID, StatusActive).First(&svc).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, NewServiceNotFoundError(serviceUUID)
		}
		return nil, fmt.Errorf("unexpected error querying service: %w", err)
	}
	return &svc, nil
}

// GetByUUID retrieves a service regardless of lifecycle status.
func GetByUUID(db *gorm.DB, serviceUUID string) (*Service, error) {
	var svc Service
	err := db.Where("uuid = ?", serviceUUID).First(&svc).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, NewServiceNotFoundError(serviceUUID)
		}
		return nil, fmt.Errorf("unexpected error querying service: %w", err)
	}
	return &svc, nil
}

// ListByOwner retrieves all services belonging to an owner.
func ListByOwner(db *gorm.DB, ownerID uint) ([]Service, error) {
	var result []Service
	if err := db.Where("owner_id = ?", ownerID).Order("name, uuid").Find(&result).Error; err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	return result, nil
}
