// Package signature authenticates webhook deliveries and answers the
// subscription handshake.
//
// Deliveries carry an X-Hub-Signature-256 header of the form
// "sha256=<hex>", the HMAC-SHA256 of the raw request body keyed with the app
// secret. The HMAC must be computed over the exact bytes received, before
// any JSON decoding.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"strings"
)

// Header is the request header carrying the body signature.
const Header = "X-Hub-Signature-256"

const prefix = "sha256="

// Result is the outcome of verifying one delivery.
type Result int

const (
	// Valid means the signature matched the body.
	Valid Result = iota
	// Invalid means a secret is configured and the header is missing, malformed or wrong.
	Invalid
	// Unverifiable means no secret is configured.
	Unverifiable
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Unverifiable:
		return "unverifiable"
	default:
		return "unknown"
	}
}

// Verify checks header against the HMAC-SHA256 of body keyed with secret.
// Comparison is constant time.
func Verify(body []byte, header, secret string) Result {
	if secret == "" {
		return Unverifiable
	}

	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return Invalid
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return Invalid
	}

	if subtle.ConstantTimeCompare(compute(body, secret), provided) != 1 {
		return Invalid
	}
	return Valid
}

// Sign returns the header value a sender holding secret would attach to body.
func Sign(body []byte, secret string) string {
	return prefix + hex.EncodeToString(compute(body, secret))
}

func compute(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Policy decides whether a verification result may proceed.
type Policy struct {
	// AllowUnverified admits Invalid and Unverifiable deliveries. Development only.
	AllowUnverified bool
}

// Admit reports whether a delivery with result r should be processed.
func (p Policy) Admit(r Result) bool {
	return r == Valid || p.AllowUnverified
}

// Handshake answers a subscription verification request. It succeeds only
// when hub.mode is "subscribe", verifyToken is configured and hub.verify_token
// matches it exactly. The returned challenge is hub.challenge unmodified.
func Handshake(query url.Values, verifyToken string) (string, bool) {
	if verifyToken == "" {
		return "", false
	}
	if query.Get("hub.mode") != "subscribe" {
		return "", false
	}
	token := query.Get("hub.verify_token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(verifyToken)) != 1 {
		return "", false
	}
	return query.Get("hub.challenge"), true
}
