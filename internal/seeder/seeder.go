// Package seeder populates a database with demo traffic for local
// development and dashboard work.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"crena/internal/services"
	"crena/internal/sessions"
	"crena/internal/users"
)

// Seeder handles the demo-data seeding process.
type Seeder struct {
	DBManager    cartridge.DBManager
	Logger       *slog.Logger
	SessionCount int
}

// NewSeeder creates a new seeder instance.
func NewSeeder(dbManager cartridge.DBManager, logger *slog.Logger, sessionCount int) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		DBManager:    dbManager,
		Logger:       logger,
		SessionCount: sessionCount,
	}
}

// Run creates a demo user with a demo service and fills it with traffic.
func (s *Seeder) Run(ctx context.Context) error {
	start := time.Now()
	db := s.DBManager.GetConnection()

	user, err := s.ensureDemoUser(db)
	if err != nil {
		return err
	}

	svc, err := s.ensureDemoService(db, user)
	if err != nil {
		return err
	}

	if err := s.SeedService(ctx, svc.UUID); err != nil {
		return err
	}

	s.Logger.Info("Seeding completed",
		slog.String("service", svc.UUID),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// SeedService fills an existing service with generated sessions and hits.
func (s *Seeder) SeedService(ctx context.Context, serviceUUID string) error {
	db := s.DBManager.GetConnection()

	svc, err := services.GetByUUID(db, serviceUUID)
	if err != nil {
		return fmt.Errorf("failed to find service: %w", err)
	}

	s.Logger.Info("Seeding service",
		slog.String("service", svc.UUID),
		slog.Int("sessions", s.SessionCount))

	for i := 0; i < s.SessionCount; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.generateSession(db, svc); err != nil {
			return err
		}
	}

	return nil
}

func (s *Seeder) ensureDemoUser(db *gorm.DB) (*users.User, error) {
	user, err := users.FindByEmail(db, "demo@example.com")
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, users.ErrUserNotFound) {
		return nil, err
	}

	user, err = users.CreateUser(db, "demo@example.com", "demo-password")
	if err != nil {
		return nil, fmt.Errorf("failed to create demo user: %w", err)
	}
	return user, nil
}

func (s *Seeder) ensureDemoService(db *gorm.DB, owner *users.User) (*services.Service, error) {
	list, err := services.ListByOwner(db, owner.ID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Name == "Demo Site" {
			return &list[i], nil
		}
	}

	svc := &services.Service{
		OwnerID: owner.ID,
		Name:    "Demo Site",
		Link:    "https://demo.example.com",
	}
	if err := services.CreateService(db, s.Logger, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// generateSession writes a session plus a page journey of hits, spread over
// the last 30 days.
func (s *Seeder) generateSession(db *gorm.DB, svc *services.Service) error {
	journey := journeys[rand.IntN(len(journeys))]
	profile := profiles[rand.IntN(len(profiles))]
	referrer := referrers[rand.IntN(len(referrers))]
	country := countries[rand.IntN(len(countries))]
	ip := fmt.Sprintf("203.0.113.%d", rand.IntN(254)+1)

	startTime := time.Now().UTC().Add(-time.Duration(rand.IntN(30*24*60*60)) * time.Second)
	lastSeen := startTime

	session := &sessions.Session{
		UUID:       uuid.NewString(),
		ServiceID:  svc.ID,
		StartTime:  startTime,
		LastSeen:   startTime,
		UserAgent:  profile.userAgent,
		Browser:    profile.browser,
		OS:         profile.os,
		DeviceType: profile.deviceType,
		IP:         &ip,
		Country:    country,
		IsBounce:   len(journey) == 1,
	}

	err := sqlite.PerformWrite(s.Logger, db, func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return err
		}

		for i, path := range journey {
			dwell := time.Duration(10+rand.IntN(170)) * time.Second
			hitStart := lastSeen
			lastSeen = hitStart.Add(dwell)

			loadTime := float64(80 + rand.IntN(900))
			hit := &sessions.Hit{
				SessionID:  session.ID,
				ServiceID:  svc.ID,
				Initial:    i == 0,
				StartTime:  hitStart,
				LastSeen:   lastSeen,
				Heartbeats: int(dwell.Seconds()) / 5,
				Tracker:    sessions.TrackerScript,
				Location:   svc.Link + path,
				LoadTime:   &loadTime,
			}
			if i == 0 {
				hit.Referrer = referrer
			}
			if err := tx.Create(hit).Error; err != nil {
				return err
			}
		}

		return tx.Model(session).Update("last_seen", lastSeen).Error
	})
	if err != nil {
		return fmt.Errorf("failed to seed session: %w", err)
	}
	return nil
}

type deviceProfile struct {
	userAgent  string
	browser    string
	os         string
	deviceType sessions.DeviceType
}

var profiles = []deviceProfile{
	{
		userAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		browser:    "Chrome",
		os:         "Windows",
		deviceType: sessions.DeviceDesktop,
	},
	{
		userAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		browser:    "Safari",
		os:         "macOS",
		deviceType: sessions.DeviceDesktop,
	},
	{
		userAgent:  "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
		browser:    "Safari",
		os:         "iOS",
		deviceType: sessions.DevicePhone,
	},
	{
		userAgent:  "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Mobile Safari/537.36",
		browser:    "Chrome",
		os:         "Android",
		deviceType: sessions.DevicePhone,
	},
	{
		userAgent:  "Mozilla/5.0 (iPad; CPU OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
		browser:    "Safari",
		os:         "iOS",
		deviceType: sessions.DeviceTablet,
	},
	{
		userAgent:  "Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0",
		browser:    "Firefox",
		os:         "Linux",
		deviceType: sessions.DeviceDesktop,
	},
}

var journeys = [][]string{
	{"/"},
	{"/", "/about", "/contact"},
	{"/", "/features", "/pricing", "/signup"},
	{"/", "/blog", "/blog/article-1"},
	{"/pricing", "/features", "/signup"},
	{"/", "/docs", "/docs/getting-started", "/docs/api-reference"},
	{"/blog/article-1"},
	{"/", "/signup"},
	{"/login", "/dashboard", "/settings"},
}

var referrers = []string{
	"",
	"",
	"https://www.google.com/",
	"https://news.ycombinator.com/",
	"https://duckduckgo.com/",
	"https://t.co/abc123",
}

var countries = []string{"US", "DE", "GB", "FR", "NL", "BR", "JP", "IN", ""}
