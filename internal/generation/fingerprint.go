package generation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"trackforge/internal/domain"
)

// Fingerprint hashes the normalized request parameters together with the
// owner. Two submissions from the same owner with the same fingerprint inside
// the suppression window are treated as one.
func Fingerprint(ownerID string, params domain.TrackParams) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%s\n%t\n%s",
		strings.TrimSpace(ownerID),
		normalizeField(params.Title),
		normalizeField(params.Tags),
		normalizeField(params.Lyrics),
		params.Instrumental,
		normalizeField(params.ModelVersion),
	)
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeField(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
