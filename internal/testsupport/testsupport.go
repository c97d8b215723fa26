// Package testsupport holds shared helpers for package tests.
package testsupport

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crena/internal/services"
	"crena/internal/sessions"
	"crena/internal/users"
)

// testDBCache caches test databases by test name so multiple calls within
// the same test share the same database.
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager with crena's interface.
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager.
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

var _ cartridge.DBManager = (*TestDBManager)(nil)

func allModels() []any {
	return []any{
		&users.User{},
		&services.Service{},
		&sessions.Session{},
		&sessions.Hit{},
	}
}

// SetupTestDB creates a test database with all crena models migrated.
// Uses a named in-memory database with cache=shared so multiple connections
// within a test see the same data.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	testName := t.Name()

	// Use root test name for caching so subtests share the outer test's DB
	rootName := testName
	if idx := strings.Index(testName, "/"); idx > 0 {
		rootName = testName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	sanitizedName := strings.ReplaceAll(rootName, "/", "_")
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", sanitizedName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	db.Exec("PRAGMA foreign_keys = ON")

	if err := db.AutoMigrate(allModels()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// CreateTestUser creates a user with a hashed password and an API token.
func CreateTestUser(t *testing.T, db *gorm.DB, email, password string) *users.User {
	t.Helper()

	var existing users.User
	if db.Where("email = ?", email).First(&existing).Error == nil {
		return &existing
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	require.NoError(t, err)

	user := &users.User{
		Email:             email,
		EncryptedPassword: string(hashedPassword),
		APIToken:          uuid.NewString(),
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

// CreateTestService creates an active service owned by the given user.
// Mutate the returned value and save it for non-default settings.
func CreateTestService(t *testing.T, db *gorm.DB, ownerID uint, name string) *services.Service {
	t.Helper()

	svc := &services.Service{
		UUID:       uuid.NewString(),
		OwnerID:    ownerID,
		Name:       name,
		Link:       "https://" + strings.ToLower(strings.ReplaceAll(name, " ", "-")) + ".example.com",
		Status:     services.StatusActive,
		Origins:    "*",
		RespectDNT: true,
		CollectIPs: true,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(svc).Error)
	return svc
}

// CreateTestSession creates a session for the given service.
func CreateTestSession(t *testing.T, db *gorm.DB, serviceID uint, startTime time.Time) *sessions.Session {
	t.Helper()

	session := &sessions.Session{
		UUID:       uuid.NewString(),
		ServiceID:  serviceID,
		Identifier: "",
		StartTime:  startTime,
		LastSeen:   startTime,
		UserAgent:  "testsupport",
		DeviceType: sessions.DeviceDesktop,
	}
	require.NoError(t, db.Create(session).Error)
	return session
}

// CreateTestHit creates a hit for the given session.
func CreateTestHit(t *testing.T, db *gorm.DB, session *sessions.Session, location string, initial bool) *sessions.Hit {
	t.Helper()

	hit := &sessions.Hit{
		SessionID: session.ID,
		ServiceID: session.ServiceID,
		Initial:   initial,
		StartTime: session.StartTime,
		LastSeen:  session.LastSeen,
		Tracker:   sessions.TrackerScript,
		Location:  location,
	}
	require.NoError(t, db.Create(hit).Error)
	return hit
}

// GetLogger returns a quiet test logger.
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
