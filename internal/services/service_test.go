package services_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crena/internal/services"
	"crena/internal/testsupport"
)

func TestParseNetworkList(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "empty", input: "", want: 0},
		{name: "whitespace only", input: "   ", want: 0},
		{name: "single network", input: "10.0.0.0/8", want: 1},
		{name: "multiple with spaces", input: "10.0.0.0/8, 192.168.1.0/24", want: 2},
		{name: "ipv6 network", input: "2001:db8::/32", want: 1},
		{name: "mixed families", input: "10.0.0.0/8,2001:db8::/32", want: 2},
		{name: "bare address", input: "10.0.0.1", wantErr: true},
		{name: "garbage", input: "not-a-network", wantErr: true},
		{name: "one bad entry poisons the list", input: "10.0.0.0/8,oops", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefixes, err := services.ParseNetworkList(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, prefixes, tt.want)
		})
	}
}

func TestServiceValidate(t *testing.T) {
	valid := services.Service{Name: "My Site"}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name      string
		svc       services.Service
		wantField string
	}{
		{
			name:      "empty name",
			svc:       services.Service{},
			wantField: "name",
		},
		{
			name:      "bad ignored ips",
			svc:       services.Service{Name: "s", IgnoredIPs: "10.0.0.0/99"},
			wantField: "ignored_ips",
		},
		{
			name:      "bad referrer pattern",
			svc:       services.Service{Name: "s", HideReferrerRegex: "("},
			wantField: "hide_referrer_regex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.svc.Validate()
			var cfgErr *services.InvalidConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestIgnoredNetworks(t *testing.T) {
	svc := services.Service{Name: "s", IgnoredIPs: "10.0.0.0/8, 192.168.1.0/24"}
	networks := svc.IgnoredNetworks()
	require.Len(t, networks, 2)

	assert.True(t, networks[0].Contains(netip.MustParseAddr("10.1.2.3")))
	assert.False(t, networks[0].Contains(netip.MustParseAddr("11.1.2.3")))
}

func TestHideReferrerPattern(t *testing.T) {
	t.Run("configured pattern matches", func(t *testing.T) {
		svc := services.Service{Name: "s", HideReferrerRegex: `^https://internal\.`}
		assert.True(t, svc.HideReferrerPattern().MatchString("https://internal.example.com/x"))
		assert.False(t, svc.HideReferrerPattern().MatchString("https://www.google.com/"))
	})

	t.Run("empty pattern matches nothing", func(t *testing.T) {
		svc := services.Service{Name: "s"}
		assert.False(t, svc.HideReferrerPattern().MatchString("https://www.google.com/"))
		assert.False(t, svc.HideReferrerPattern().MatchString(""))
	})
}

func TestAllowsOrigin(t *testing.T) {
	wildcard := services.Service{Name: "s", Origins: "*"}
	assert.True(t, wildcard.AllowsOrigin("https://anything.example.com"))

	restricted := services.Service{Name: "s", Origins: "https://a.example.com, https://b.example.com"}
	assert.True(t, restricted.AllowsOrigin("https://a.example.com"))
	assert.True(t, restricted.AllowsOrigin("HTTPS://A.EXAMPLE.COM"))
	assert.True(t, restricted.AllowsOrigin(""), "absent header is allowed")
	assert.False(t, restricted.AllowsOrigin("https://evil.example.com"))
}

func TestCreateServiceRejectsInvalidConfiguration(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	logger := testsupport.GetLogger()
	user := testsupport.CreateTestUser(t, db, "owner@example.com", "secret")

	svc := &services.Service{
		OwnerID:    user.ID,
		Name:       "Broken",
		IgnoredIPs: "not-a-network",
	}
	err := services.CreateService(db, logger, svc)

	var cfgErr *services.InvalidConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestCreateServiceDefaults(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	logger := testsupport.GetLogger()
	user := testsupport.CreateTestUser(t, db, "owner@example.com", "secret")

	svc := &services.Service{OwnerID: user.ID, Name: "My Site"}
	require.NoError(t, services.CreateService(db, logger, svc))

	assert.NotEmpty(t, svc.UUID)
	assert.Equal(t, services.StatusActive, svc.Status)
	assert.Equal(t, "*", svc.Origins)
}

func TestArchiveService(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	logger := testsupport.GetLogger()
	user := testsupport.CreateTestUser(t, db, "owner@example.com", "secret")
	svc := testsupport.CreateTestService(t, db, user.ID, "My Site")

	require.NoError(t, services.ArchiveService(db, logger, svc.UUID))

	// Archived services are invisible to ingestion
	_, err := services.GetActiveByUUID(db, svc.UUID)
	var notFound *services.ServiceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, svc.UUID, notFound.UUID)

	// But still reachable for owners and stats
	got, err := services.GetByUUID(db, svc.UUID)
	require.NoError(t, err)
	assert.Equal(t, services.StatusArchived, got.Status)
}

func TestArchiveServiceUnknownUUID(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	logger := testsupport.GetLogger()

	err := services.ArchiveService(db, logger, "does-not-exist")
	var notFound *services.ServiceNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestListByOwner(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	owner := testsupport.CreateTestUser(t, db, "owner@example.com", "secret")
	other := testsupport.CreateTestUser(t, db, "other@example.com", "secret")

	testsupport.CreateTestService(t, db, owner.ID, "Bravo")
	testsupport.CreateTestService(t, db, owner.ID, "Alpha")
	testsupport.CreateTestService(t, db, other.ID, "Charlie")

	list, err := services.ListByOwner(db, owner.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0].Name)
	assert.Equal(t, "Bravo", list[1].Name)
}
