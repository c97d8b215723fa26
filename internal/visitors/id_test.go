package visitors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAssociationKeyDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	a := AssociationKey("svc-1", "198.51.100.7", "Mozilla/5.0", now, false)
	b := AssociationKey("svc-1", "198.51.100.7", "Mozilla/5.0", now.Add(3*time.Hour), false)

	assert.Equal(t, a, b, "same ip and user agent must derive the same key")
	assert.Len(t, a, 64)
}

func TestAssociationKeyVariesByInput(t *testing.T) {
	now := time.Now()

	base := AssociationKey("svc-1", "198.51.100.7", "Mozilla/5.0", now, false)

	assert.NotEqual(t, base, AssociationKey("svc-1", "198.51.100.8", "Mozilla/5.0", now, false))
	assert.NotEqual(t, base, AssociationKey("svc-1", "198.51.100.7", "curl/8.0", now, false))
}

func TestAssociationKeyIgnoresServiceWithoutAggressiveSalting(t *testing.T) {
	now := time.Now()

	a := AssociationKey("svc-1", "198.51.100.7", "Mozilla/5.0", now, false)
	b := AssociationKey("svc-2", "198.51.100.7", "Mozilla/5.0", now, false)

	assert.Equal(t, a, b)
}

func TestAssociationKeyAggressiveSalting(t *testing.T) {
	day1 := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 15, 0, 1, 0, 0, time.UTC)

	sameDay := AssociationKey("svc-1", "198.51.100.7", "Mozilla/5.0", day1.Add(-time.Hour), true)

	assert.Equal(t, sameDay,
		AssociationKey("svc-1", "198.51.100.7", "Mozilla/5.0", day1, true),
		"keys must be stable within a UTC day")

	assert.NotEqual(t,
		AssociationKey("svc-1", "198.51.100.7", "Mozilla/5.0", day1, true),
		AssociationKey("svc-1", "198.51.100.7", "Mozilla/5.0", day2, true),
		"keys must rotate at midnight UTC")

	assert.NotEqual(t,
		AssociationKey("svc-1", "198.51.100.7", "Mozilla/5.0", day1, true),
		AssociationKey("svc-2", "198.51.100.7", "Mozilla/5.0", day1, true),
		"keys must differ per service")
}
