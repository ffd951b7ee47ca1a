package domain

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// License keys are dash-delimited fixed-width segments:
//
//	TIER-TIMESTAMP8-USERHASH8-RANDOM16-CHECKSUM4
//
// TIMESTAMP8 is the issue time (unix seconds, hex). USERHASH8 is the first
// eight hex chars of the owner hash. RANDOM16 is drawn from crypto/rand.
// CHECKSUM4 is keyed with a server-held secret, so a client cannot forge a
// passing checksum offline.
const randomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

var (
	timestampShape = regexp.MustCompile(`^[0-9A-F]{8}$`)
	userHashShape  = regexp.MustCompile(`^[0-9a-f]{8}$`)
	randomShape    = regexp.MustCompile(`^[A-Z0-9]{16}$`)
	checksumShape  = regexp.MustCompile(`^[0-9A-F]{4}$`)
)

// KeyCodec generates and shape-checks license keys. Only the licensing
// server holds the signing secret; a codec built without one can check
// segment shapes but not the keyed checksum.
type KeyCodec struct {
	secret []byte
}

func NewKeyCodec(secret string) *KeyCodec {
	c := &KeyCodec{}
	if secret != "" {
		c.secret = []byte(secret)
	}
	return c
}

// Generate derives a new key for the tier and owner. The timestamp and
// owner-hash segments are deterministic; the random segment is not.
func (c *KeyCodec) Generate(tier Tier, userID string, issuedAt time.Time) (string, error) {
	if !tier.Valid() {
		return "", ErrInvalidTier
	}
	if strings.TrimSpace(userID) == "" {
		return "", ErrInvalidOwner
	}
	if len(c.secret) == 0 {
		return "", ErrSigningSecretMissing
	}

	ts := fmt.Sprintf("%08X", uint32(issuedAt.UTC().Unix()))

	userSum := sha256.Sum256([]byte(userID))
	userHash := hex.EncodeToString(userSum[:])[:8]

	random, err := randomSegment(16)
	if err != nil {
		return "", err
	}

	body := fmt.Sprintf("%s-%s-%s-%s", tier, ts, userHash, random)
	return body + "-" + c.checksum(body), nil
}

// ValidateFormat checks segment shapes and, when the signing secret is
// available, recomputes the checksum. A passing key is well-formed, not
// authentic; authenticity requires the remote validate call.
func (c *KeyCodec) ValidateFormat(key string) (Tier, error) {
	segments := strings.Split(strings.TrimSpace(key), "-")
	if len(segments) != 5 {
		return "", ErrInvalidLicenseFormat
	}

	tier := Tier(segments[0])
	if !tier.Valid() {
		return "", ErrInvalidLicenseFormat
	}
	if !timestampShape.MatchString(segments[1]) ||
		!userHashShape.MatchString(segments[2]) ||
		!randomShape.MatchString(segments[3]) ||
		!checksumShape.MatchString(segments[4]) {
		return "", ErrInvalidLicenseFormat
	}

	if len(c.secret) > 0 {
		body := strings.Join(segments[:4], "-")
		if !hmac.Equal([]byte(c.checksum(body)), []byte(segments[4])) {
			return "", ErrInvalidLicenseFormat
		}
	}

	return tier, nil
}

func (c *KeyCodec) checksum(body string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(body))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))[:4]
}

func randomSegment(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = randomAlphabet[int(b)%len(randomAlphabet)]
	}
	return string(out), nil
}
