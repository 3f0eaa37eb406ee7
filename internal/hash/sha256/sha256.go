// Package sha256 provides SHA-256 hashing and content addressing.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"time"
)

// Hasher implements intel.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ObjectPath lays out crawl content as pages/<fqdn>/<yyyy>/<mm>/<dd>/<digest>.html.
func ObjectPath(fqdn, digest string, at time.Time) string {
	at = at.UTC()
	return path.Join("pages", fqdn, at.Format("2006"), at.Format("01"), at.Format("02"), digest+".html")
}
