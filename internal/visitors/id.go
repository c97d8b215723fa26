// Package visitors derives privacy-preserving association keys. The key
// lets the pipeline recognize a repeat visitor without storing raw
// identity: it is a one-way digest, never reversible to the IP or user
// agent by an observer holding only the key.
package visitors

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AssociationKey computes the stable association key for an inbound event.
// Identical (ip, userAgent) pairs always derive the same key. With
// aggressive salting enabled the digest also covers the service UUID and
// the current UTC date, rotating keys daily at midnight UTC - session
// continuity is traded for stronger privacy.
func AssociationKey(serviceUUID, ipAddress, userAgent string, now time.Time, aggressive bool) string {
	data := ipAddress + userAgent
	if aggressive {
		data += fmt.Sprintf("%s%s", serviceUUID, now.UTC().Format("2006-01-02"))
	}

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
